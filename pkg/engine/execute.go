package engine

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/certledger/pkg/arith"
	"github.com/Mindburn-Labs/certledger/pkg/coherence"
	"github.com/Mindburn-Labs/certledger/pkg/commit"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
	"github.com/Mindburn-Labs/certledger/pkg/guards"
	"github.com/Mindburn-Labs/certledger/pkg/packet"
)

// Rule identifiers for failures raised outside the validators and the gate.
const (
	RulePacket  = "engine.packet"
	RuleGuards  = "engine.guards"
	RulePrepare = "engine.prepare"
	RuleSeal    = "engine.seal"
	RuleCommit  = "engine.commit"
)

// Bundle is one unit of work: an authenticated packet, the proposal it
// carries and the oracle guidance for the gate.
type Bundle struct {
	Packet   packet.Packet      `json:"packet"`
	Proposal contracts.Proposal `json:"proposal"`
	Guidance fixedpoint.Value   `json:"guidance"`
}

// Execution is the deterministic part of a bundle run. Everything in it is
// reproduced bit for bit by re-running Execute on the same inputs.
type Execution struct {
	Reports  []guards.Report
	Decision coherence.Decision
	Prepared *commit.Prepared
}

// RejectError carries the ValidationResult a bundle halts with.
type RejectError struct {
	Result contracts.ValidationResult
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: %s (%s): %v", e.Result.RuleID, e.Result.Code, e.Err)
	}
	return fmt.Sprintf("engine: %s (%s): %s", e.Result.RuleID, e.Result.Code, e.Result.Message)
}

func (e *RejectError) Unwrap() error { return e.Err }

func rejectWith(ruleID string, code errcodes.Code, message string, err error) *RejectError {
	details := map[string]string{}
	if err != nil {
		details["error"] = err.Error()
	}
	return &RejectError{Err: err, Result: contracts.Fail(ruleID, code, message, details)}
}

// NewGuardSet builds the validator families in their fixed order: economics
// (with the given policy rules), invariants, node eligibility.
func NewGuardSet(policies []guards.PolicyRule) (*guards.Set, error) {
	econ, err := guards.NewEconomicsGuard(policies)
	if err != nil {
		return nil, fmt.Errorf("engine: economics guard: %w", err)
	}
	return guards.NewSet(econ, guards.NewDefaultInvariantChecker(), guards.NewNodeVerifier()), nil
}

// Execute runs the validators, the coherence gate and Prepare against base.
// Every operation is logged on eng.
//
// A rejection or an arithmetic failure is returned as *RejectError. A
// proposal built on an older state version is returned as
// commit.ErrStaleState and is not a rejection.
func Execute(eng *arith.Engine, set *guards.Set, b Bundle, base contracts.TokenState) (Execution, error) {
	var x Execution
	ts := b.Packet.TrustedTimestamp

	// 1. Guards
	reports, err := set.Validate(eng, guards.Input{Proposal: b.Proposal, State: base, TrustedTimestamp: ts})
	x.Reports = reports
	if err != nil {
		return x, rejectWith(RuleGuards, arith.CodeOf(err), "guard evaluation failed", err)
	}

	// 2. Coherence gate
	d, err := coherence.Evaluate(eng, coherence.Input{State: base, Proposal: b.Proposal, Guidance: b.Guidance}, reports)
	x.Decision = d
	if err != nil {
		return x, &RejectError{Result: d.Result, Err: err}
	}
	if !d.Accepted() {
		return x, &RejectError{Result: d.Result}
	}

	// 3. Post-state
	p, err := commit.Prepare(eng, d, b.Proposal, base, ts)
	if err != nil {
		if errors.Is(err, commit.ErrStaleState) {
			return x, err
		}
		return x, rejectWith(RulePrepare, commit.CodeOf(err), "post-state could not be computed", err)
	}
	x.Prepared = p
	return x, nil
}
