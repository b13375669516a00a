package guards

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Mindburn-Labs/certledger/pkg/arith"
	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
)

// Node rule identifiers, in evaluation order.
const (
	RuleSnapshotValid = "node.snapshot.valid"
	RuleUptimeMinimum = "node.uptime.minimum"
	RuleHealthMinimum = "node.health.minimum"
	RuleNoConflicts   = "node.conflicts.none"
	FamilyNode        = "node"
)

// Eligibility is the verdict on one telemetry snapshot.
type Eligibility struct {
	NodeID       string           `json:"node_id"`
	Eligible     bool             `json:"eligible"`
	Weight       fixedpoint.Value `json:"weight"`
	SnapshotHash string           `json:"snapshot_hash"`
	Report       Report           `json:"report"`
}

// NodeVerifier decides reward and voting eligibility from a frozen telemetry
// snapshot. It never performs network access.
type NodeVerifier struct{}

// NewNodeVerifier returns a NodeVerifier.
func NewNodeVerifier() *NodeVerifier { return &NodeVerifier{} }

// Family implements Validator.
func (v *NodeVerifier) Family() string { return FamilyNode }

// Validate implements Validator. A proposal without telemetry passes every
// node rule.
func (v *NodeVerifier) Validate(eng *arith.Engine, in Input) (Report, error) {
	if in.Proposal.Telemetry == nil {
		report := Report{Family: FamilyNode}
		for _, id := range []string{RuleSnapshotValid, RuleUptimeMinimum, RuleHealthMinimum, RuleNoConflicts} {
			report.add(contracts.Pass(id, "no telemetry snapshot presented"))
		}
		return report, nil
	}
	el, err := v.Evaluate(eng, *in.Proposal.Telemetry, in.State.Constants, in.TrustedTimestamp)
	if err != nil {
		return Report{Family: FamilyNode}, err
	}
	return el.Report, nil
}

// Evaluate checks a snapshot against the thresholds and, when eligible,
// computes its voting weight uptime × health.
func (v *NodeVerifier) Evaluate(eng *arith.Engine, t contracts.NodeTelemetry, c contracts.Constants, trustedTimestamp int64) (Eligibility, error) {
	report := Report{Family: FamilyNode}

	hash, err := SnapshotHash(t)
	if err != nil {
		return Eligibility{}, fmt.Errorf("guards: snapshot hash: %w", err)
	}
	report.add(snapshotValid(t, trustedTimestamp))

	e := ruleEngine(eng, RuleUptimeMinimum)
	cmp, err := e.Compare(t.Uptime, c.MinUptime)
	if err != nil {
		return Eligibility{}, err
	}
	if cmp < 0 {
		report.add(contracts.Fail(RuleUptimeMinimum, errcodes.NodeUptimeLow, "node uptime below minimum",
			map[string]string{"node_id": t.NodeID, "uptime": t.Uptime.String(), "minimum": c.MinUptime.String()}))
	} else {
		report.add(contracts.Pass(RuleUptimeMinimum, "node uptime meets minimum"))
	}

	e = ruleEngine(eng, RuleHealthMinimum)
	if cmp, err = e.Compare(t.Health, c.MinHealth); err != nil {
		return Eligibility{}, err
	}
	if cmp < 0 {
		report.add(contracts.Fail(RuleHealthMinimum, errcodes.NodeHealthLow, "node health below minimum",
			map[string]string{"node_id": t.NodeID, "health": t.Health.String(), "minimum": c.MinHealth.String()}))
	} else {
		report.add(contracts.Pass(RuleHealthMinimum, "node health meets minimum"))
	}

	if len(t.Conflicts) > 0 {
		conflicts := slices.Clone(t.Conflicts)
		slices.Sort(conflicts)
		report.add(contracts.Fail(RuleNoConflicts, errcodes.NodeConflict, "node reported conflicts",
			map[string]string{"node_id": t.NodeID, "conflicts": strings.Join(conflicts, ",")}))
	} else {
		report.add(contracts.Pass(RuleNoConflicts, "no conflicts reported"))
	}

	el := Eligibility{
		NodeID:       t.NodeID,
		Eligible:     report.Passed(),
		SnapshotHash: hash,
		Report:       report,
	}
	if el.Eligible {
		w, err := ruleEngine(eng, "node.weight").Mul(t.Uptime, t.Health)
		if err != nil {
			return Eligibility{}, err
		}
		el.Weight = w
	}
	return el, nil
}

func snapshotValid(t contracts.NodeTelemetry, trustedTimestamp int64) contracts.ValidationResult {
	fail := func(reason string) contracts.ValidationResult {
		return contracts.Fail(RuleSnapshotValid, errcodes.NodeSnapshotInvalid, "telemetry snapshot malformed",
			map[string]string{"node_id": t.NodeID, "reason": reason})
	}
	switch {
	case t.NodeID == "":
		return fail("missing node id")
	case !unitInterval(t.Uptime):
		return fail("uptime outside [0, 1]")
	case !unitInterval(t.Health):
		return fail("health outside [0, 1]")
	case t.ObservedAt > trustedTimestamp:
		return fail("snapshot observed after the trusted timestamp")
	}
	return contracts.Pass(RuleSnapshotValid, "telemetry snapshot well formed")
}

func unitInterval(v fixedpoint.Value) bool {
	return !v.IsNegative() && v.Cmp(fixedpoint.One) <= 0
}

// SnapshotHash returns the canonical hash of a telemetry snapshot, which
// freezes it for later replay.
func SnapshotHash(t contracts.NodeTelemetry) (string, error) {
	if len(t.Conflicts) > 0 {
		t.Conflicts = slices.Clone(t.Conflicts)
		slices.Sort(t.Conflicts)
	}
	return canonicalize.CanonicalHash(t)
}
