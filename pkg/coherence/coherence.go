// Package coherence implements the HSMF coherence gate: it derives stability
// metrics from a proposed transition, combines them into an action cost and
// makes one terminal accept/reject decision.
//
// Every metric is computed through the bundle's arith.Engine. The gate adds no
// untracked arithmetic.
package coherence

import (
	"errors"
	"sync"

	"github.com/Mindburn-Labs/certledger/pkg/arith"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
	"github.com/Mindburn-Labs/certledger/pkg/guards"
)

// State of an Evaluation.
type State string

const (
	StateEvaluating State = "EVALUATING"
	StateAccepted   State = "ACCEPTED"
	StateRejected   State = "REJECTED"
)

// Gate rule identifiers.
const (
	RuleSurvival   = "gate.survival"
	RuleGuards     = "gate.guards"
	RuleActionCost = "gate.action_cost"
	RuleArithmetic = "gate.arithmetic"
	RuleAccepted   = "gate.coherence"
)

// ErrDecided is returned when an Evaluation is asked to decide twice.
var ErrDecided = errors.New("coherence: evaluation already decided")

// Input is what the gate consumes for one bundle.
type Input struct {
	State    contracts.TokenState
	Proposal contracts.Proposal
	// Guidance is the oracle's directional guidance. It is logged, never
	// computed.
	Guidance fixedpoint.Value
}

// Metrics are the derived scalars. Metrics after the deciding step are left
// at zero when an earlier step rejects.
type Metrics struct {
	Survival   fixedpoint.Value `json:"survival"`
	ScaleError fixedpoint.Value `json:"scale_error"`
	Dissonance fixedpoint.Value `json:"dissonance"`
	Force      fixedpoint.Value `json:"force"`
	Resonance  fixedpoint.Value `json:"resonance"`
	ActionCost fixedpoint.Value `json:"action_cost"`
}

// Decision is the terminal outcome of an Evaluation.
type Decision struct {
	SchemaVersion string                      `json:"schema_version"`
	State         State                       `json:"state"`
	Metrics       Metrics                     `json:"metrics"`
	Result        contracts.ValidationResult  `json:"result"`
	Cause         *contracts.ValidationResult `json:"cause,omitempty"`
}

// Accepted reports whether the gate accepted the transition.
func (d Decision) Accepted() bool { return d.State == StateAccepted }

// Code returns the rejection code, or zero when accepted.
func (d Decision) Code() errcodes.Code { return d.Result.Code }

// Evaluation is a single-use gate run: Evaluating → {Accepted, Rejected}.
type Evaluation struct {
	mu       sync.Mutex
	state    State
	decision Decision
}

// NewEvaluation returns an evaluation in the Evaluating state.
func NewEvaluation() *Evaluation {
	return &Evaluation{state: StateEvaluating}
}

// State returns the current state.
func (ev *Evaluation) State() State {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.state
}

// Decision returns the decision once the evaluation is terminal.
func (ev *Evaluation) Decision() (Decision, bool) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.decision, ev.state != StateEvaluating
}

// Decide runs the gate. The survival check comes first and rejects
// unconditionally; guard failures come next; the action cost bound last.
//
// An arithmetic failure moves the evaluation to Rejected and is returned as
// an error so the caller halts with the arithmetic code.
func (ev *Evaluation) Decide(eng *arith.Engine, in Input, reports []guards.Report) (Decision, error) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.state != StateEvaluating {
		return ev.decision, ErrDecided
	}

	d, err := decide(eng.WithMetadata(map[string]string{"gate": "coherence"}), in, reports)
	if err != nil {
		d = Decision{
			SchemaVersion: contracts.SchemaVersion,
			State:         StateRejected,
			Metrics:       d.Metrics,
			Result: contracts.Fail(RuleArithmetic, arith.CodeOf(err), "metric computation failed",
				map[string]string{"error": err.Error()}),
		}
	}
	ev.state = d.State
	ev.decision = d
	return d, err
}

// Evaluate is a one-shot NewEvaluation().Decide.
func Evaluate(eng *arith.Engine, in Input, reports []guards.Report) (Decision, error) {
	return NewEvaluation().Decide(eng, in, reports)
}

func decide(eng *arith.Engine, in Input, reports []guards.Report) (Decision, error) {
	d := Decision{SchemaVersion: contracts.SchemaVersion, State: StateRejected}
	c := in.State.Constants
	pre := in.State.Balances
	delta := in.Proposal.Deltas

	guidance, err := eng.Observe("guidance", in.Guidance)
	if err != nil {
		return d, err
	}

	if d.Metrics.Survival, err = Survival(metric(eng, "survival"), pre.Principal, delta.Principal); err != nil {
		return d, err
	}
	cmp, err := eng.Compare(d.Metrics.Survival, c.CCrit)
	if err != nil {
		return d, err
	}
	if cmp < 0 {
		d.Result = contracts.Fail(RuleSurvival, errcodes.GateSurvival, "survival metric below critical threshold",
			map[string]string{"survival": d.Metrics.Survival.String(), "c_crit": c.CCrit.String()})
		return d, nil
	}

	if first, failed := guards.FirstFailure(reports); failed {
		cause := first
		d.Cause = &cause
		d.Result = contracts.Fail(RuleGuards, errcodes.GateGuardFailed, "guard validation failed",
			map[string]string{"rule_id": first.RuleID, "code": first.Code.String()})
		return d, nil
	}

	if d.Metrics, err = derive(eng, pre, delta, guidance, d.Metrics.Survival); err != nil {
		return d, err
	}
	a, err := ActionCost(metric(eng, "action_cost"), c, d.Metrics)
	if err != nil {
		return d, err
	}
	d.Metrics.ActionCost = a

	lo, err := eng.Compare(a, c.ActionMin)
	if err != nil {
		return d, err
	}
	hi, err := eng.Compare(a, c.ActionMax)
	if err != nil {
		return d, err
	}
	if lo < 0 || hi > 0 {
		d.Result = contracts.Fail(RuleActionCost, errcodes.GateActionCost, "action cost outside permitted bounds",
			map[string]string{"action_cost": a.String(), "min": c.ActionMin.String(), "max": c.ActionMax.String()})
		return d, nil
	}

	d.State = StateAccepted
	d.Result = contracts.Pass(RuleAccepted, "transition is coherent")
	return d, nil
}

func metric(eng *arith.Engine, name string) *arith.Engine {
	return eng.WithMetadata(map[string]string{"metric": name})
}

func derive(eng *arith.Engine, pre, delta contracts.Balances, guidance, survival fixedpoint.Value) (Metrics, error) {
	m := Metrics{Survival: survival}

	e := metric(eng, "scale_error")
	_, gp, err := growth(e, pre.Principal, delta.Principal)
	if err != nil {
		return m, err
	}
	flowPost, gf, err := growth(e, pre.FlowRate, delta.FlowRate)
	if err != nil {
		return m, err
	}
	if m.ScaleError, err = absDiff(e, gp, gf); err != nil {
		return m, err
	}

	e = metric(eng, "dissonance")
	syncPost, err := e.Add(pre.Synchronization, delta.Synchronization)
	if err != nil {
		return m, err
	}
	if m.Dissonance, err = Dissonance(e, syncPost); err != nil {
		return m, err
	}

	e = metric(eng, "force")
	forcePost, err := e.Add(pre.DirectionalForce, delta.DirectionalForce)
	if err != nil {
		return m, err
	}
	if m.Force, err = absDiff(e, forcePost, guidance); err != nil {
		return m, err
	}

	e = metric(eng, "resonance")
	resPost, err := e.Add(pre.Resonance, delta.Resonance)
	if err != nil {
		return m, err
	}
	if m.Resonance, err = ResonanceDeviation(e, resPost, flowPost); err != nil {
		return m, err
	}
	return m, nil
}

// Survival returns 1 − |Δ|/pre clamped to [0, 1]. With a zero pre-balance
// the metric is 1 when nothing changes and 0 otherwise.
func Survival(e *arith.Engine, pre, delta fixedpoint.Value) (fixedpoint.Value, error) {
	zero, err := isZero(e, pre)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	if zero {
		cmp, err := e.Compare(delta, fixedpoint.Zero)
		if err != nil {
			return fixedpoint.Value{}, err
		}
		if cmp == 0 {
			return fixedpoint.One, nil
		}
		return fixedpoint.Zero, nil
	}
	mag, err := e.Abs(delta)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	ratio, err := e.Div(mag, pre)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	s, err := e.Sub(fixedpoint.One, ratio)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	return e.Clamp(s, fixedpoint.Zero, fixedpoint.One)
}

// growth returns the post value and post/pre, which is 1 when pre is zero.
func growth(e *arith.Engine, pre, delta fixedpoint.Value) (post, ratio fixedpoint.Value, err error) {
	if post, err = e.Add(pre, delta); err != nil {
		return
	}
	zero, err := isZero(e, pre)
	if err != nil {
		return
	}
	if zero {
		return post, fixedpoint.One, nil
	}
	ratio, err = e.Div(post, pre)
	return
}

// Dissonance returns sqrt(1 − s²) with s clamped to [0, 1].
func Dissonance(e *arith.Engine, sync fixedpoint.Value) (fixedpoint.Value, error) {
	s, err := e.Clamp(sync, fixedpoint.Zero, fixedpoint.One)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	sq, err := e.Mul(s, s)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	rest, err := e.Sub(fixedpoint.One, sq)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	return e.Sqrt(rest)
}

// ResonanceDeviation returns |resonance/flow − φ|, or zero when flow is zero.
func ResonanceDeviation(e *arith.Engine, resonance, flow fixedpoint.Value) (fixedpoint.Value, error) {
	zero, err := isZero(e, flow)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	if zero {
		return fixedpoint.Zero, nil
	}
	ratio, err := e.Div(resonance, flow)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	phi, err := e.PhiSeries()
	if err != nil {
		return fixedpoint.Value{}, err
	}
	return absDiff(e, ratio, phi)
}

// ActionCost returns w_scale·E + w_dissonance·D + w_force·F + w_resonance·R.
func ActionCost(e *arith.Engine, c contracts.Constants, m Metrics) (fixedpoint.Value, error) {
	terms := []struct{ w, v fixedpoint.Value }{
		{c.WeightScale, m.ScaleError},
		{c.WeightDissonance, m.Dissonance},
		{c.WeightForce, m.Force},
		{c.WeightResonance, m.Resonance},
	}
	sum := fixedpoint.Zero
	for _, t := range terms {
		p, err := e.Mul(t.w, t.v)
		if err != nil {
			return fixedpoint.Value{}, err
		}
		if sum, err = e.Add(sum, p); err != nil {
			return fixedpoint.Value{}, err
		}
	}
	return sum, nil
}

func absDiff(e *arith.Engine, a, b fixedpoint.Value) (fixedpoint.Value, error) {
	d, err := e.Sub(a, b)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	return e.Abs(d)
}

// isZero compares x with zero through e, so the branch it drives is logged.
func isZero(e *arith.Engine, x fixedpoint.Value) (bool, error) {
	cmp, err := e.Compare(x, fixedpoint.Zero)
	return cmp == 0, err
}
