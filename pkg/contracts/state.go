// Package contracts defines the versioned records exchanged between the
// certledger components: token state, proposals, node telemetry and
// validation results.
package contracts

import (
	"fmt"

	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
)

// SchemaVersion tags every persisted record. New fields are additive only.
const SchemaVersion = "certledger/v1"

// MillisPerDay converts trusted timestamps into day indices.
const MillisPerDay = int64(86_400_000)

// Asset names one balance or metric of the token state.
type Asset string

const (
	AssetPrincipal            Asset = "principal"
	AssetFlowRate             Asset = "flow_rate"
	AssetSynchronization      Asset = "synchronization"
	AssetDirectionalForce     Asset = "directional_force"
	AssetResonance            Asset = "resonance"
	AssetInfrastructureReward Asset = "infrastructure_reward"
)

// Assets lists every asset in canonical order. Anything that feeds a log or
// a hash iterates in this order.
var Assets = []Asset{
	AssetPrincipal,
	AssetFlowRate,
	AssetSynchronization,
	AssetDirectionalForce,
	AssetResonance,
	AssetInfrastructureReward,
}

// Balances holds one value per asset. It is used both for absolute balances
// and for per-asset deltas.
type Balances struct {
	Principal            fixedpoint.Value `json:"principal"`
	FlowRate             fixedpoint.Value `json:"flow_rate"`
	Synchronization      fixedpoint.Value `json:"synchronization"`
	DirectionalForce     fixedpoint.Value `json:"directional_force"`
	Resonance            fixedpoint.Value `json:"resonance"`
	InfrastructureReward fixedpoint.Value `json:"infrastructure_reward"`
}

// Get returns the value of asset a.
func (b Balances) Get(a Asset) fixedpoint.Value {
	switch a {
	case AssetPrincipal:
		return b.Principal
	case AssetFlowRate:
		return b.FlowRate
	case AssetSynchronization:
		return b.Synchronization
	case AssetDirectionalForce:
		return b.DirectionalForce
	case AssetResonance:
		return b.Resonance
	case AssetInfrastructureReward:
		return b.InfrastructureReward
	default:
		return fixedpoint.Zero
	}
}

// With returns a copy of b with asset a set to v.
func (b Balances) With(a Asset, v fixedpoint.Value) (Balances, error) {
	switch a {
	case AssetPrincipal:
		b.Principal = v
	case AssetFlowRate:
		b.FlowRate = v
	case AssetSynchronization:
		b.Synchronization = v
	case AssetDirectionalForce:
		b.DirectionalForce = v
	case AssetResonance:
		b.Resonance = v
	case AssetInfrastructureReward:
		b.InfrastructureReward = v
	default:
		return b, fmt.Errorf("contracts: unknown asset %q", a)
	}
	return b, nil
}

// Issuance tracks supply and the rolling issuance counters.
type Issuance struct {
	TotalSupply fixedpoint.Value `json:"total_supply"`
	DailyIssued fixedpoint.Value `json:"daily_issued"`
	Day         int64            `json:"day"`
	EpochIssued fixedpoint.Value `json:"epoch_issued"`
	Epoch       int64            `json:"epoch"`
}

// Rolled returns the counters as seen at trustedTimestamp: a new day or epoch
// starts from zero.
func (i Issuance) Rolled(trustedTimestamp int64, epochLengthDays int64) Issuance {
	day := trustedTimestamp / MillisPerDay
	if epochLengthDays < 1 {
		epochLengthDays = 1
	}
	epoch := day / epochLengthDays
	if day != i.Day {
		i.Day = day
		i.DailyIssued = fixedpoint.Zero
	}
	if epoch != i.Epoch {
		i.Epoch = epoch
		i.EpochIssued = fixedpoint.Zero
	}
	return i
}

// TokenState is the full ledger state. It is mutated only by the commit
// coordinator, which replaces it wholesale.
type TokenState struct {
	SchemaVersion string    `json:"schema_version"`
	Version       uint64    `json:"version"`
	Balances      Balances  `json:"balances"`
	Constants     Constants `json:"constants"`
	Issuance      Issuance  `json:"issuance"`
}

// NewState returns a version-zero state.
func NewState(balances Balances, constants Constants, totalSupply fixedpoint.Value) TokenState {
	return TokenState{
		SchemaVersion: SchemaVersion,
		Balances:      balances,
		Constants:     constants,
		Issuance:      Issuance{TotalSupply: totalSupply},
	}
}

// Root returns the state-root hash: SHA-256 over the canonical JSON of the
// full state.
func (s TokenState) Root() (string, error) {
	h, err := canonicalize.CanonicalHash(s)
	if err != nil {
		return "", fmt.Errorf("contracts: state root: %w", err)
	}
	return h, nil
}
