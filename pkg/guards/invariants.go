package guards

import (
	"fmt"

	"github.com/Mindburn-Labs/certledger/pkg/arith"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
)

// Invariant rule identifiers, in evaluation order.
const (
	RuleNonTransferable     = "inv.transfer.non_transferable"
	RuleAllocationOrdering  = "inv.allocation.ordering"
	RuleAllocationConserved = "inv.allocation.conservation"
	RuleSupplyConserved     = "inv.supply.conservation"
	RuleBalanceNonNegative  = "inv.balance.non_negative"
)

// FamilyInvariants names the invariant family.
const FamilyInvariants = "invariants"

// DefaultNonTransferable are the metric assets that never move between
// accounts.
var DefaultNonTransferable = []contracts.Asset{
	contracts.AssetSynchronization,
	contracts.AssetDirectionalForce,
	contracts.AssetResonance,
	contracts.AssetInfrastructureReward,
}

// DefaultNonNegative are the assets whose post-state may not drop below zero.
// Directional force is a signed metric.
var DefaultNonNegative = []contracts.Asset{
	contracts.AssetPrincipal,
	contracts.AssetFlowRate,
	contracts.AssetSynchronization,
	contracts.AssetResonance,
	contracts.AssetInfrastructureReward,
}

// InvariantChecker enforces structural invariants that hold independent of
// any single economic rule.
type InvariantChecker struct {
	transferable map[contracts.Asset]bool
	nonNegative  []contracts.Asset
}

// NewInvariantChecker builds a checker. Assets not listed in nonTransferable
// (and known to contracts.Assets) may be transferred.
func NewInvariantChecker(nonTransferable, nonNegative []contracts.Asset) *InvariantChecker {
	blocked := make(map[contracts.Asset]bool, len(nonTransferable))
	for _, a := range nonTransferable {
		blocked[a] = true
	}
	transferable := make(map[contracts.Asset]bool, len(contracts.Assets))
	for _, a := range contracts.Assets {
		if !blocked[a] {
			transferable[a] = true
		}
	}
	nn := make([]contracts.Asset, 0, len(nonNegative))
	for _, a := range contracts.Assets {
		for _, want := range nonNegative {
			if a == want {
				nn = append(nn, a)
				break
			}
		}
	}
	return &InvariantChecker{transferable: transferable, nonNegative: nn}
}

// NewDefaultInvariantChecker uses DefaultNonTransferable and DefaultNonNegative.
func NewDefaultInvariantChecker() *InvariantChecker {
	return NewInvariantChecker(DefaultNonTransferable, DefaultNonNegative)
}

// Family implements Validator.
func (c *InvariantChecker) Family() string { return FamilyInvariants }

// Validate implements Validator.
func (c *InvariantChecker) Validate(eng *arith.Engine, in Input) (Report, error) {
	report := Report{Family: FamilyInvariants}
	p := in.Proposal

	report.add(c.transfers(p.Transfers))
	report.add(allocationOrdering(p.Allocations))

	res, err := allocationConservation(ruleEngine(eng, RuleAllocationConserved), p.Allocations, p.Issuance)
	if err != nil {
		return report, err
	}
	report.add(res)

	e := ruleEngine(eng, RuleSupplyConserved)
	cmp, err := e.Compare(p.Deltas.Principal, p.Issuance)
	if err != nil {
		return report, err
	}
	if cmp != 0 {
		report.add(contracts.Fail(RuleSupplyConserved, errcodes.InvConservation,
			"principal delta differs from authorized issuance", map[string]string{
				"delta":    p.Deltas.Principal.String(),
				"issuance": p.Issuance.String(),
			}))
	} else {
		report.add(contracts.Pass(RuleSupplyConserved, "principal delta equals authorized issuance"))
	}

	if res, err = c.balances(ruleEngine(eng, RuleBalanceNonNegative), in.State.Balances, p); err != nil {
		return report, err
	}
	report.add(res)
	return report, nil
}

func (c *InvariantChecker) transfers(ts []contracts.Transfer) contracts.ValidationResult {
	for i, t := range ts {
		if !c.transferable[t.Asset] {
			return contracts.Fail(RuleNonTransferable, errcodes.InvNonTransferable,
				"asset is non-transferable", map[string]string{
					"index": fmt.Sprint(i),
					"asset": string(t.Asset),
					"from":  t.From,
					"to":    t.To,
				})
		}
	}
	return contracts.Pass(RuleNonTransferable, "all transfers move transferable assets")
}

// allocationOrdering requires identifiers in strictly ascending byte order.
// An unsorted list is a violation even when its sums conserve.
func allocationOrdering(allocs []contracts.Allocation) contracts.ValidationResult {
	for i := 1; i < len(allocs); i++ {
		prev, cur := allocs[i-1].ID, allocs[i].ID
		switch {
		case cur == prev:
			return contracts.Fail(RuleAllocationOrdering, errcodes.InvDuplicateID,
				"duplicate allocation id", map[string]string{"index": fmt.Sprint(i), "id": cur})
		case cur < prev:
			return contracts.Fail(RuleAllocationOrdering, errcodes.InvOrdering,
				"allocations not in canonical order", map[string]string{
					"index":    fmt.Sprint(i),
					"id":       cur,
					"previous": prev,
				})
		}
	}
	return contracts.Pass(RuleAllocationOrdering, "allocations in canonical order")
}

// allocationConservation checks sum(post) == sum(pre) + issuance.
func allocationConservation(e *arith.Engine, allocs []contracts.Allocation, issuance fixedpoint.Value) (contracts.ValidationResult, error) {
	if len(allocs) == 0 {
		return contracts.Pass(RuleAllocationConserved, "no allocations presented"), nil
	}
	sumPre, sumPost := fixedpoint.Zero, fixedpoint.Zero
	var err error
	for _, a := range allocs {
		if sumPre, err = e.Add(sumPre, a.Pre); err != nil {
			return contracts.ValidationResult{}, err
		}
		if sumPost, err = e.Add(sumPost, a.Post); err != nil {
			return contracts.ValidationResult{}, err
		}
	}
	expected, err := e.Add(sumPre, issuance)
	if err != nil {
		return contracts.ValidationResult{}, err
	}
	cmp, err := e.Compare(sumPost, expected)
	if err != nil {
		return contracts.ValidationResult{}, err
	}
	if cmp != 0 {
		return contracts.Fail(RuleAllocationConserved, errcodes.InvConservation,
			"allocation batch does not conserve supply", map[string]string{
				"sum_pre":  sumPre.String(),
				"sum_post": sumPost.String(),
				"issuance": issuance.String(),
				"expected": expected.String(),
			}), nil
	}
	return contracts.Pass(RuleAllocationConserved, "allocation batch conserves supply"), nil
}

func (c *InvariantChecker) balances(e *arith.Engine, pre contracts.Balances, p contracts.Proposal) (contracts.ValidationResult, error) {
	for _, a := range c.nonNegative {
		post, err := e.Add(pre.Get(a), p.Deltas.Get(a))
		if err != nil {
			return contracts.ValidationResult{}, err
		}
		cmp, err := e.Compare(post, fixedpoint.Zero)
		if err != nil {
			return contracts.ValidationResult{}, err
		}
		if cmp < 0 {
			return contracts.Fail(RuleBalanceNonNegative, errcodes.InvNegativeBalance,
				"post-state balance below zero", map[string]string{"asset": string(a), "post": post.String()}), nil
		}
	}
	for i, al := range p.Allocations {
		if al.Post.IsNegative() {
			return contracts.Fail(RuleBalanceNonNegative, errcodes.InvNegativeBalance,
				"allocation post balance below zero", map[string]string{"index": fmt.Sprint(i), "id": al.ID, "post": al.Post.String()}), nil
		}
	}
	return contracts.Pass(RuleBalanceNonNegative, "no post-state balance below zero"), nil
}
