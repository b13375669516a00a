package guards

import (
	"fmt"

	"github.com/Mindburn-Labs/certledger/pkg/arith"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
)

// Economics rule identifiers, in evaluation order.
const (
	RuleIssuanceNonNegative  = "econ.issuance.non_negative"
	RuleIssuanceRewardCap    = "econ.issuance.reward_cap"
	RuleIssuanceDailyCap     = "econ.issuance.daily_cap"
	RuleIssuanceEpochCap     = "econ.issuance.epoch_cap"
	RuleSupplyGrowthRate     = "econ.supply.growth_rate"
	RuleGovernanceChangeCeil = "econ.governance.change_ceiling"
	policyRulePrefix         = "econ.policy."
)

// FamilyEconomics names the economics family.
const FamilyEconomics = "economics"

// EconomicsGuard bounds issuance and governance changes.
type EconomicsGuard struct {
	policies *PolicyEngine
	rules    []PolicyRule
}

// NewEconomicsGuard compiles the configured policy rules up front so that a
// malformed expression fails at startup rather than mid-bundle.
func NewEconomicsGuard(rules []PolicyRule) (*EconomicsGuard, error) {
	g := &EconomicsGuard{rules: rules}
	if len(rules) == 0 {
		return g, nil
	}
	pe, err := NewPolicyEngine()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("guards: policy rule without id")
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("guards: duplicate policy rule %q", r.ID)
		}
		seen[r.ID] = true
		if err := pe.Compile(r.Expression); err != nil {
			return nil, fmt.Errorf("guards: policy rule %q: %w", r.ID, err)
		}
	}
	g.policies = pe
	return g, nil
}

// Family implements Validator.
func (g *EconomicsGuard) Family() string { return FamilyEconomics }

// Validate implements Validator.
func (g *EconomicsGuard) Validate(eng *arith.Engine, in Input) (Report, error) {
	report := Report{Family: FamilyEconomics}
	c := in.State.Constants
	issuance := in.Proposal.Issuance
	rolled := in.State.Issuance.Rolled(in.TrustedTimestamp, c.EpochLengthDays)

	// non-negative issuance
	e := ruleEngine(eng, RuleIssuanceNonNegative)
	cmp, err := e.Compare(issuance, fixedpoint.Zero)
	if err != nil {
		return report, err
	}
	if cmp < 0 {
		report.add(contracts.Fail(RuleIssuanceNonNegative, errcodes.EconNegativeIssuance,
			"issuance must not be negative", map[string]string{"issuance": issuance.String()}))
	} else {
		report.add(contracts.Pass(RuleIssuanceNonNegative, "issuance is non-negative"))
	}

	// single-bundle reward cap
	e = ruleEngine(eng, RuleIssuanceRewardCap)
	if cmp, err = e.Compare(issuance, c.RewardCap); err != nil {
		return report, err
	}
	if cmp > 0 {
		report.add(contracts.Fail(RuleIssuanceRewardCap, errcodes.EconRewardCap,
			"issuance exceeds reward cap", map[string]string{"issuance": issuance.String(), "cap": c.RewardCap.String()}))
	} else {
		report.add(contracts.Pass(RuleIssuanceRewardCap, "issuance within reward cap"))
	}

	res, err := capRule(ruleEngine(eng, RuleIssuanceDailyCap), RuleIssuanceDailyCap, errcodes.EconDailyCap,
		rolled.DailyIssued, issuance, c.DailyCap, "daily")
	if err != nil {
		return report, err
	}
	report.add(res)

	res, err = capRule(ruleEngine(eng, RuleIssuanceEpochCap), RuleIssuanceEpochCap, errcodes.EconEpochCap,
		rolled.EpochIssued, issuance, c.EpochCap, "epoch")
	if err != nil {
		return report, err
	}
	report.add(res)

	if res, err = growthRule(ruleEngine(eng, RuleSupplyGrowthRate), rolled.TotalSupply, issuance, c.MaxSupplyGrowth); err != nil {
		return report, err
	}
	report.add(res)

	if res, err = governanceRule(ruleEngine(eng, RuleGovernanceChangeCeil), in.Proposal.Governance, c); err != nil {
		return report, err
	}
	report.add(res)

	if len(g.rules) > 0 {
		input, inErr := policyInput(in, rolled)
		for _, r := range g.rules {
			report.add(g.evaluatePolicy(r, input, inErr))
		}
	}
	return report, nil
}

func capRule(e *arith.Engine, ruleID string, code errcodes.Code, issued, issuance, limit fixedpoint.Value, window string) (contracts.ValidationResult, error) {
	projected, err := e.Add(issued, issuance)
	if err != nil {
		return contracts.ValidationResult{}, err
	}
	cmp, err := e.Compare(projected, limit)
	if err != nil {
		return contracts.ValidationResult{}, err
	}
	if cmp > 0 {
		return contracts.Fail(ruleID, code, window+" issuance cap exceeded", map[string]string{
			"issued":    issued.String(),
			"issuance":  issuance.String(),
			"projected": projected.String(),
			"cap":       limit.String(),
		}), nil
	}
	return contracts.Pass(ruleID, window+" issuance within cap"), nil
}

func growthRule(e *arith.Engine, supply, issuance, ceiling fixedpoint.Value) (contracts.ValidationResult, error) {
	sign, err := e.Compare(supply, fixedpoint.Zero)
	if err != nil {
		return contracts.ValidationResult{}, err
	}
	if sign == 0 {
		return contracts.Pass(RuleSupplyGrowthRate, "genesis supply; growth rate not applicable"), nil
	}
	growth, err := e.Div(issuance, supply)
	if err != nil {
		return contracts.ValidationResult{}, err
	}
	cmp, err := e.Compare(growth, ceiling)
	if err != nil {
		return contracts.ValidationResult{}, err
	}
	if cmp > 0 {
		return contracts.Fail(RuleSupplyGrowthRate, errcodes.EconSupplyGrowth, "supply growth rate above ceiling", map[string]string{
			"growth":  growth.String(),
			"ceiling": ceiling.String(),
		}), nil
	}
	return contracts.Pass(RuleSupplyGrowthRate, "supply growth within ceiling"), nil
}

// governanceRule bounds the relative change |new-old|/|old| of every
// requested constant. A constant currently at zero is bounded absolutely.
func governanceRule(e *arith.Engine, changes []contracts.ConstantChange, c contracts.Constants) (contracts.ValidationResult, error) {
	for i, ch := range changes {
		old, ok := c.Get(ch.Name)
		if !ok {
			return contracts.Fail(RuleGovernanceChangeCeil, errcodes.EconGovernanceChange, "unknown governance constant", map[string]string{
				"index": fmt.Sprint(i),
				"name":  ch.Name,
			}), nil
		}
		diff, err := e.Sub(ch.Value, old)
		if err != nil {
			return contracts.ValidationResult{}, err
		}
		if diff, err = e.Abs(diff); err != nil {
			return contracts.ValidationResult{}, err
		}
		rel := diff
		sign, err := e.Compare(old, fixedpoint.Zero)
		if err != nil {
			return contracts.ValidationResult{}, err
		}
		if sign != 0 {
			absOld, err := e.Abs(old)
			if err != nil {
				return contracts.ValidationResult{}, err
			}
			if rel, err = e.Div(diff, absOld); err != nil {
				return contracts.ValidationResult{}, err
			}
		}
		cmp, err := e.Compare(rel, c.GovernanceCeiling)
		if err != nil {
			return contracts.ValidationResult{}, err
		}
		if cmp > 0 {
			return contracts.Fail(RuleGovernanceChangeCeil, errcodes.EconGovernanceChange, "governance change above ceiling", map[string]string{
				"index":   fmt.Sprint(i),
				"name":    ch.Name,
				"from":    old.String(),
				"to":      ch.Value.String(),
				"change":  rel.String(),
				"ceiling": c.GovernanceCeiling.String(),
			}), nil
		}
	}
	return contracts.Pass(RuleGovernanceChangeCeil, "governance changes within ceiling"), nil
}

func (g *EconomicsGuard) evaluatePolicy(r PolicyRule, input map[string]any, inErr error) contracts.ValidationResult {
	ruleID := policyRulePrefix + r.ID
	if inErr != nil {
		return contracts.Fail(ruleID, errcodes.EconPolicyRule, "policy input unavailable", map[string]string{"error": inErr.Error()})
	}
	ok, err := g.policies.Evaluate(r.Expression, input)
	if err != nil {
		return contracts.Fail(ruleID, errcodes.EconPolicyRule, "policy evaluation failed", map[string]string{"error": err.Error()})
	}
	if !ok {
		msg := r.Message
		if msg == "" {
			msg = "policy rule denied the proposal"
		}
		return contracts.Fail(ruleID, errcodes.EconPolicyRule, msg, map[string]string{"expression": r.Expression})
	}
	return contracts.Pass(ruleID, "policy rule satisfied")
}
