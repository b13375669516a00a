// Package errcodes defines the frozen numeric error code table shared by every
// certledger component and by independent verifiers.
//
// Codes are append-only: a published code never changes number, name or
// category. Adding codes bumps the minor TableVersion; any other change is a
// major bump and is rejected by the golden-file test.
package errcodes

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/Masterminds/semver/v3"
)

// TableVersion is the semantic version of the code table.
const TableVersion = "1.0.0"

// Code is a stable numeric error code. The zero Code means "no error".
type Code int

// Category groups codes by the component that raises them.
type Category string

const (
	CategoryArithmetic    Category = "arithmetic"
	CategorySerialization Category = "serialization"
	CategoryGuard         Category = "guard"
	CategoryGate          Category = "gate"
	CategoryProvenance    Category = "provenance"
	CategoryCommit        Category = "commit"
	CategoryBinder        Category = "binder"
	CategoryHalt          Category = "halt"
)

// Arithmetic and serialization.
const (
	ArithOverflow      Code = 1001
	ArithUnderflow     Code = 1002
	ArithDivZero       Code = 1003
	ArithDomain        Code = 1004
	ArithSerialization Code = 1005
)

// Economics guard.
const (
	EconRewardCap        Code = 2001
	EconDailyCap         Code = 2002
	EconEpochCap         Code = 2003
	EconSupplyGrowth     Code = 2004
	EconGovernanceChange Code = 2005
	EconNegativeIssuance Code = 2006
	EconPolicyRule       Code = 2007
)

// Invariant checker.
const (
	InvNonTransferable Code = 3001
	InvConservation    Code = 3002
	InvOrdering        Code = 3003
	InvDuplicateID     Code = 3004
	InvNegativeBalance Code = 3005
)

// Node verifier.
const (
	NodeUptimeLow       Code = 4001
	NodeHealthLow       Code = 4002
	NodeConflict        Code = 4003
	NodeSnapshotInvalid Code = 4004
)

// Coherence gate.
const (
	GateSurvival    Code = 5001
	GateActionCost  Code = 5002
	GateGuardFailed Code = 5003
)

// Input provenance.
const (
	ProvChainMismatch    Code = 6001
	ProvSignatureInvalid Code = 6002
	ProvSequence         Code = 6003
	ProvProtocolVersion  Code = 6004
	ProvMalformed        Code = 6005
)

// Commit and binding.
const (
	CommitApplyFailed Code = 7001
	CommitNotAccepted Code = 7002
	BindSignerFailed  Code = 7003
	Halted            Code = 9001
)

const unknownDescription = "unknown code"

// Definition describes one entry of the table.
type Definition struct {
	Code        Code     `json:"code"`
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
}

var exitCodes = map[Category]int{
	CategoryArithmetic:    10,
	CategorySerialization: 11,
	CategoryGuard:         20,
	CategoryGate:          30,
	CategoryProvenance:    40,
	CategoryCommit:        50,
	CategoryBinder:        60,
	CategoryHalt:          70,
}

var definitions = []Definition{
	{ArithOverflow, "ARITH_OVERFLOW", CategoryArithmetic, "result exceeds the maximum fixed-point value"},
	{ArithUnderflow, "ARITH_UNDERFLOW", CategoryArithmetic, "result is below the minimum fixed-point value"},
	{ArithDivZero, "ARITH_DIV_ZERO", CategoryArithmetic, "division by zero"},
	{ArithDomain, "ARITH_DOMAIN", CategoryArithmetic, "argument outside the operation's domain"},
	{ArithSerialization, "ARITH_SERIALIZATION", CategorySerialization, "value could not be parsed or canonicalized"},

	{EconRewardCap, "ECON_REWARD_CAP", CategoryGuard, "single issuance exceeds the reward cap"},
	{EconDailyCap, "ECON_DAILY_CAP", CategoryGuard, "daily issuance cap exceeded"},
	{EconEpochCap, "ECON_EPOCH_CAP", CategoryGuard, "epoch issuance cap exceeded"},
	{EconSupplyGrowth, "ECON_SUPPLY_GROWTH", CategoryGuard, "supply growth rate above ceiling"},
	{EconGovernanceChange, "ECON_GOVERNANCE_CHANGE", CategoryGuard, "governance constant change above ceiling"},
	{EconNegativeIssuance, "ECON_NEGATIVE_ISSUANCE", CategoryGuard, "issuance amount is negative"},
	{EconPolicyRule, "ECON_POLICY_RULE", CategoryGuard, "configured policy rule denied the proposal"},

	{InvNonTransferable, "INV_NON_TRANSFERABLE", CategoryGuard, "transfer of a non-transferable asset"},
	{InvConservation, "INV_CONSERVATION", CategoryGuard, "value not conserved across the transition"},
	{InvOrdering, "INV_ORDERING", CategoryGuard, "allocation ids not strictly ascending"},
	{InvDuplicateID, "INV_DUPLICATE_ID", CategoryGuard, "duplicate allocation id"},
	{InvNegativeBalance, "INV_NEGATIVE_BALANCE", CategoryGuard, "post-state balance below zero"},

	{NodeUptimeLow, "NODE_UPTIME_LOW", CategoryGuard, "node uptime below minimum"},
	{NodeHealthLow, "NODE_HEALTH_LOW", CategoryGuard, "node health below minimum"},
	{NodeConflict, "NODE_CONFLICT", CategoryGuard, "node reported conflicting observations"},
	{NodeSnapshotInvalid, "NODE_SNAPSHOT_INVALID", CategoryGuard, "node telemetry snapshot malformed"},

	{GateSurvival, "GATE_SURVIVAL", CategoryGate, "survival metric below critical threshold"},
	{GateActionCost, "GATE_ACTION_COST", CategoryGate, "action cost outside the permitted band"},
	{GateGuardFailed, "GATE_GUARD_FAILED", CategoryGate, "a guard validator failed"},

	{ProvChainMismatch, "PROV_CHAIN_MISMATCH", CategoryProvenance, "previous_hash does not match the last accepted packet"},
	{ProvSignatureInvalid, "PROV_SIGNATURE_INVALID", CategoryProvenance, "packet signature verification failed"},
	{ProvSequence, "PROV_SEQUENCE", CategoryProvenance, "packet sequence number out of order"},
	{ProvProtocolVersion, "PROV_PROTOCOL_VERSION", CategoryProvenance, "unsupported protocol version"},
	{ProvMalformed, "PROV_MALFORMED", CategoryProvenance, "packet failed schema validation"},

	{CommitApplyFailed, "COMMIT_APPLY_FAILED", CategoryCommit, "post-state could not be computed"},
	{CommitNotAccepted, "COMMIT_NOT_ACCEPTED", CategoryCommit, "commit attempted without an accepted gate decision"},
	{BindSignerFailed, "BIND_SIGNER_FAILED", CategoryBinder, "audit binding could not be signed"},

	{Halted, "HALTED", CategoryHalt, "execution context is halted"},
}

var byCode = func() map[Code]Definition {
	m := make(map[Code]Definition, len(definitions))
	for _, d := range definitions {
		m[d.Code] = d
	}
	return m
}()

// Lookup returns the definition for c.
func Lookup(c Code) (Definition, bool) {
	d, ok := byCode[c]
	return d, ok
}

// String returns the symbolic name of c.
func (c Code) String() string {
	if d, ok := byCode[c]; ok {
		return d.Name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(c))
}

// Category returns the category of c, or CategoryHalt for unknown codes.
func (c Code) Category() Category {
	if d, ok := byCode[c]; ok {
		return d.Category
	}
	return CategoryHalt
}

// ExitCode returns the process exit code associated with the code's category.
func (c Code) ExitCode() int {
	return exitCodes[c.Category()]
}

// Description returns the human-readable description of c.
func (c Code) Description() string {
	if d, ok := byCode[c]; ok {
		return d.Description
	}
	return unknownDescription
}

// Table returns every definition ordered by code.
func Table() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Version returns TableVersion parsed as a semantic version.
func Version() *semver.Version {
	return semver.MustParse(TableVersion)
}

// Compatible reports whether this table satisfies a recorded constraint such
// as "^1.0.0". Audit trails record the constraint they were written under.
func Compatible(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("errcodes: invalid constraint %q: %w", constraint, err)
	}
	return c.Check(Version()), nil
}

// Render writes the table in a fixed-width text layout.
func Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "# error code table v%s\n", TableVersion); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(tw, "CODE\tNAME\tCATEGORY\tEXIT\tDESCRIPTION"); err != nil {
		return err
	}
	for _, d := range Table() {
		if _, err := fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", d.Code, d.Name, d.Category, d.Code.ExitCode(), d.Description); err != nil {
			return err
		}
	}
	return tw.Flush()
}
