// Package guards implements the three validator families consulted before any
// transition: economics, structural invariants and node eligibility.
//
// Validators are pure over (proposal, state, constants). Every comparison and
// sum they perform goes through the bundle's arith.Engine so that it is part
// of the logged history. A rule violation is reported as a failing
// ValidationResult; an arithmetic failure is returned as an error and halts
// the bundle.
package guards

import (
	"github.com/Mindburn-Labs/certledger/pkg/arith"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
)

// Input is what every validator sees.
type Input struct {
	Proposal contracts.Proposal
	State    contracts.TokenState
	// TrustedTimestamp is the packet's authoritative time in unix milliseconds.
	TrustedTimestamp int64
}

// Report holds one result per rule, in the family's fixed rule order.
type Report struct {
	Family  string                       `json:"family"`
	Results []contracts.ValidationResult `json:"results"`
}

// Passed reports whether every rule passed.
func (r Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// FirstFailure returns the first failing result in rule order.
func (r Report) FirstFailure() (contracts.ValidationResult, bool) {
	for _, res := range r.Results {
		if !res.Passed {
			return res, true
		}
	}
	return contracts.ValidationResult{}, false
}

func (r *Report) add(res contracts.ValidationResult) {
	r.Results = append(r.Results, res)
}

// Validator is one guard family.
type Validator interface {
	Family() string
	Validate(eng *arith.Engine, in Input) (Report, error)
}

// Set runs validator families in a fixed order.
type Set struct {
	validators []Validator
}

// NewSet returns a Set evaluating validators in the given order.
func NewSet(validators ...Validator) *Set {
	return &Set{validators: validators}
}

// Validate runs every family and returns their reports. It stops only on an
// arithmetic error, never on a rule violation.
func (s *Set) Validate(eng *arith.Engine, in Input) ([]Report, error) {
	reports := make([]Report, 0, len(s.validators))
	for _, v := range s.validators {
		r, err := v.Validate(eng.WithMetadata(map[string]string{"guard": v.Family()}), in)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// FirstFailure returns the first failing result across reports.
func FirstFailure(reports []Report) (contracts.ValidationResult, bool) {
	for _, r := range reports {
		if f, ok := r.FirstFailure(); ok {
			return f, true
		}
	}
	return contracts.ValidationResult{}, false
}

func ruleEngine(eng *arith.Engine, ruleID string) *arith.Engine {
	return eng.WithMetadata(map[string]string{"rule": ruleID})
}
