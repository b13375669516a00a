// Package halt is the single irreversible failure path. A halted execution
// context refuses every further mutation until an externally authorized
// reset.
package halt

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
)

// RecordSchema tags halt records.
const RecordSchema = "halt/v1"

// ErrSealMismatch is returned when a record's seal does not match its fields.
var ErrSealMismatch = errors.New("halt: finality seal mismatch")

// Record is the terminal failure record of one bundle.
type Record struct {
	SchemaVersion  string                     `json:"schema_version"`
	ContextID      string                     `json:"context_id"`
	CorrelationID  string                     `json:"correlation_id"`
	Result         contracts.ValidationResult `json:"result"`
	PartialLogHash string                     `json:"partial_log_hash"`
	LogEntries     int                        `json:"log_entries"`
	ExitCode       int                        `json:"exit_code"`
	Category       errcodes.Category          `json:"category"`
	Seal           string                     `json:"seal"`
}

// ComputeSeal returns the finality seal: the canonical hash of the failing
// result, the partial log hash and count, and the exit code and category.
func ComputeSeal(r Record) (string, error) {
	sealed := struct {
		CorrelationID  string                     `json:"correlation_id"`
		Result         contracts.ValidationResult `json:"result"`
		PartialLogHash string                     `json:"partial_log_hash"`
		LogEntries     int                        `json:"log_entries"`
		ExitCode       int                        `json:"exit_code"`
		Category       errcodes.Category          `json:"category"`
	}{r.CorrelationID, r.Result, r.PartialLogHash, r.LogEntries, r.ExitCode, r.Category}

	h, err := canonicalize.CanonicalHash(sealed)
	if err != nil {
		return "", fmt.Errorf("halt: seal: %w", err)
	}
	return h, nil
}

// VerifyRecord recomputes the seal and checks that the exit code and
// category follow from the result code.
func VerifyRecord(r Record) error {
	code := r.Result.Code
	if code == 0 {
		code = errcodes.Halted
	}
	if r.Category != code.Category() || r.ExitCode != code.ExitCode() {
		return fmt.Errorf("%w: category %s exit %d do not match code %s", ErrSealMismatch, r.Category, r.ExitCode, code)
	}
	s, err := ComputeSeal(r)
	if err != nil {
		return err
	}
	if s != r.Seal {
		return fmt.Errorf("%w: computed %s, recorded %s", ErrSealMismatch, s, r.Seal)
	}
	return nil
}
