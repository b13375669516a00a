package guards

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
)

// PolicyRule is a configured CEL expression that must evaluate to true.
// Expressions see a single "input" map whose amounts are whole units (int).
type PolicyRule struct {
	ID         string `json:"id" yaml:"id"`
	Expression string `json:"expression" yaml:"expression"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
}

// PolicyEngine compiles and caches CEL programs.
type PolicyEngine struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

// NewPolicyEngine creates an engine exposing one "input" map variable.
func NewPolicyEngine() (*PolicyEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &PolicyEngine{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

func (pe *PolicyEngine) program(expression string) (cel.Program, error) {
	pe.mu.RLock()
	prg, hit := pe.prgCache[expression]
	pe.mu.RUnlock()
	if hit {
		return prg, nil
	}

	pe.mu.Lock()
	defer pe.mu.Unlock()
	if prg, hit = pe.prgCache[expression]; hit {
		return prg, nil
	}
	ast, issues := pe.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	p, err := pe.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	pe.prgCache[expression] = p
	return p, nil
}

// Compile checks an expression without evaluating it.
func (pe *PolicyEngine) Compile(expression string) error {
	_, err := pe.program(expression)
	return err
}

// Evaluate runs expression against input.
func (pe *PolicyEngine) Evaluate(expression string, input map[string]any) (bool, error) {
	prg, err := pe.program(expression)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not boolean")
	}
	return allowed, nil
}

func wholeUnits(v fixedpoint.Value) (int64, error) {
	n, ok := v.Int64()
	if !ok {
		return 0, fmt.Errorf("value %s does not fit a policy integer", v)
	}
	return n, nil
}

// policyInput exposes the proposal to CEL. Amounts are truncated to whole
// units so that no expression ever sees a float.
func policyInput(in Input, rolled contracts.Issuance) (map[string]any, error) {
	p := in.Proposal
	values := []struct {
		key string
		val fixedpoint.Value
	}{
		{"issuance", p.Issuance},
		{"total_supply", rolled.TotalSupply},
		{"daily_issued", rolled.DailyIssued},
		{"epoch_issued", rolled.EpochIssued},
	}
	input := make(map[string]any, len(values)+8)
	for _, kv := range values {
		n, err := wholeUnits(kv.val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kv.key, err)
		}
		input[kv.key] = n
	}

	balances := make(map[string]any, len(contracts.Assets))
	deltas := make(map[string]any, len(contracts.Assets))
	for _, a := range contracts.Assets {
		b, err := wholeUnits(in.State.Balances.Get(a))
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", a, err)
		}
		d, err := wholeUnits(p.Deltas.Get(a))
		if err != nil {
			return nil, fmt.Errorf("delta %s: %w", a, err)
		}
		balances[string(a)] = b
		deltas[string(a)] = d
	}

	governance := make(map[string]any, len(p.Governance))
	for _, c := range p.Governance {
		governance[c.Name] = c.Value.String()
	}

	input["balances"] = balances
	input["deltas"] = deltas
	input["governance"] = governance
	input["day"] = rolled.Day
	input["epoch"] = rolled.Epoch
	input["transfer_count"] = int64(len(p.Transfers))
	input["allocation_count"] = int64(len(p.Allocations))
	input["has_telemetry"] = p.Telemetry != nil
	return input, nil
}
