package contracts

import (
	"fmt"

	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
)

// Names of the governable constants, in canonical order.
const (
	ConstCCrit             = "c_crit"
	ConstActionMin         = "action_min"
	ConstActionMax         = "action_max"
	ConstWeightScale       = "w_scale"
	ConstWeightDissonance  = "w_dissonance"
	ConstWeightForce       = "w_force"
	ConstWeightResonance   = "w_resonance"
	ConstRewardCap         = "reward_cap"
	ConstDailyCap          = "daily_cap"
	ConstEpochCap          = "epoch_cap"
	ConstMaxSupplyGrowth   = "max_supply_growth"
	ConstGovernanceCeiling = "governance_ceiling"
	ConstMinUptime         = "min_uptime"
	ConstMinHealth         = "min_health"
)

// ConstantNames lists every governable constant in canonical order.
var ConstantNames = []string{
	ConstCCrit,
	ConstActionMin,
	ConstActionMax,
	ConstWeightScale,
	ConstWeightDissonance,
	ConstWeightForce,
	ConstWeightResonance,
	ConstRewardCap,
	ConstDailyCap,
	ConstEpochCap,
	ConstMaxSupplyGrowth,
	ConstGovernanceCeiling,
	ConstMinUptime,
	ConstMinHealth,
}

// Constants are the system thresholds and weighting coefficients.
type Constants struct {
	// CCrit is the critical survival threshold of the coherence gate.
	CCrit fixedpoint.Value `json:"c_crit" yaml:"c_crit"`
	// ActionMin and ActionMax bound the permitted action cost.
	ActionMin fixedpoint.Value `json:"action_min" yaml:"action_min"`
	ActionMax fixedpoint.Value `json:"action_max" yaml:"action_max"`

	WeightScale      fixedpoint.Value `json:"w_scale" yaml:"w_scale"`
	WeightDissonance fixedpoint.Value `json:"w_dissonance" yaml:"w_dissonance"`
	WeightForce      fixedpoint.Value `json:"w_force" yaml:"w_force"`
	WeightResonance  fixedpoint.Value `json:"w_resonance" yaml:"w_resonance"`

	RewardCap         fixedpoint.Value `json:"reward_cap" yaml:"reward_cap"`
	DailyCap          fixedpoint.Value `json:"daily_cap" yaml:"daily_cap"`
	EpochCap          fixedpoint.Value `json:"epoch_cap" yaml:"epoch_cap"`
	MaxSupplyGrowth   fixedpoint.Value `json:"max_supply_growth" yaml:"max_supply_growth"`
	GovernanceCeiling fixedpoint.Value `json:"governance_ceiling" yaml:"governance_ceiling"`

	MinUptime fixedpoint.Value `json:"min_uptime" yaml:"min_uptime"`
	MinHealth fixedpoint.Value `json:"min_health" yaml:"min_health"`

	// EpochLengthDays is not governable through proposals.
	EpochLengthDays int64 `json:"epoch_length_days" yaml:"epoch_length_days"`
}

// DefaultConstants returns the reference thresholds.
func DefaultConstants() Constants {
	return Constants{
		CCrit:             fixedpoint.MustParse("0.95"),
		ActionMin:         fixedpoint.Zero,
		ActionMax:         fixedpoint.One,
		WeightScale:       fixedpoint.One,
		WeightDissonance:  fixedpoint.One,
		WeightForce:       fixedpoint.One,
		WeightResonance:   fixedpoint.Zero,
		RewardCap:         fixedpoint.FromInt(1_000),
		DailyCap:          fixedpoint.FromInt(10_000),
		EpochCap:          fixedpoint.FromInt(50_000),
		MaxSupplyGrowth:   fixedpoint.MustParse("0.05"),
		GovernanceCeiling: fixedpoint.MustParse("0.1"),
		MinUptime:         fixedpoint.MustParse("0.95"),
		MinHealth:         fixedpoint.MustParse("0.8"),
		EpochLengthDays:   7,
	}
}

func (c *Constants) field(name string) *fixedpoint.Value {
	switch name {
	case ConstCCrit:
		return &c.CCrit
	case ConstActionMin:
		return &c.ActionMin
	case ConstActionMax:
		return &c.ActionMax
	case ConstWeightScale:
		return &c.WeightScale
	case ConstWeightDissonance:
		return &c.WeightDissonance
	case ConstWeightForce:
		return &c.WeightForce
	case ConstWeightResonance:
		return &c.WeightResonance
	case ConstRewardCap:
		return &c.RewardCap
	case ConstDailyCap:
		return &c.DailyCap
	case ConstEpochCap:
		return &c.EpochCap
	case ConstMaxSupplyGrowth:
		return &c.MaxSupplyGrowth
	case ConstGovernanceCeiling:
		return &c.GovernanceCeiling
	case ConstMinUptime:
		return &c.MinUptime
	case ConstMinHealth:
		return &c.MinHealth
	default:
		return nil
	}
}

// Get returns the named constant.
func (c Constants) Get(name string) (fixedpoint.Value, bool) {
	f := c.field(name)
	if f == nil {
		return fixedpoint.Value{}, false
	}
	return *f, true
}

// With returns a copy of c with the named constant replaced.
func (c Constants) With(name string, v fixedpoint.Value) (Constants, error) {
	f := c.field(name)
	if f == nil {
		return c, fmt.Errorf("contracts: unknown constant %q", name)
	}
	*f = v
	return c, nil
}

// Validate checks the structural sanity of the thresholds.
func (c Constants) Validate() error {
	if c.ActionMin.Cmp(c.ActionMax) > 0 {
		return fmt.Errorf("contracts: action_min %s > action_max %s", c.ActionMin, c.ActionMax)
	}
	if c.CCrit.IsNegative() || c.CCrit.Cmp(fixedpoint.One) > 0 {
		return fmt.Errorf("contracts: c_crit %s outside [0, 1]", c.CCrit)
	}
	for _, name := range []string{ConstWeightScale, ConstWeightDissonance, ConstWeightForce, ConstWeightResonance} {
		if v, _ := c.Get(name); v.IsNegative() {
			return fmt.Errorf("contracts: weight %s is negative", name)
		}
	}
	if c.EpochLengthDays < 1 {
		return fmt.Errorf("contracts: epoch_length_days must be positive, got %d", c.EpochLengthDays)
	}
	return nil
}
