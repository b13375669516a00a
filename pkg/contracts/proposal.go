package contracts

import (
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
)

// Transfer moves an amount of one asset between two accounts.
type Transfer struct {
	Asset  Asset            `json:"asset"`
	From   string           `json:"from"`
	To     string           `json:"to"`
	Amount fixedpoint.Value `json:"amount"`
}

// Allocation is one entry of an allocation batch presented for audit.
type Allocation struct {
	ID   string           `json:"id"`
	Pre  fixedpoint.Value `json:"pre"`
	Post fixedpoint.Value `json:"post"`
}

// ConstantChange is a governance request to replace one constant.
type ConstantChange struct {
	Name  string           `json:"name"`
	Value fixedpoint.Value `json:"value"`
}

// NodeTelemetry is a frozen snapshot of an infrastructure participant.
type NodeTelemetry struct {
	NodeID     string           `json:"node_id"`
	Uptime     fixedpoint.Value `json:"uptime"`
	Health     fixedpoint.Value `json:"health"`
	Conflicts  []string         `json:"conflicts,omitempty"`
	ObservedAt int64            `json:"observed_at"`
}

// Proposal is the bundle of deltas submitted for one transition.
type Proposal struct {
	SchemaVersion string `json:"schema_version"`
	// BaseVersion is the state version the proposal was built against.
	BaseVersion uint64 `json:"base_version"`
	// Deltas are added to the current balances.
	Deltas Balances `json:"deltas"`
	// Issuance is the newly authorized supply carried by this bundle.
	Issuance    fixedpoint.Value `json:"issuance"`
	Transfers   []Transfer       `json:"transfers,omitempty"`
	Allocations []Allocation     `json:"allocations,omitempty"`
	Governance  []ConstantChange `json:"governance,omitempty"`
	Telemetry   *NodeTelemetry   `json:"telemetry,omitempty"`
}
