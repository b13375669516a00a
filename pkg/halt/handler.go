package halt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/certledger/pkg/audit"
	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/crypto"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
	"github.com/Mindburn-Labs/certledger/pkg/oplog"
)

// ResetSchema tags reset authorization payloads.
const ResetSchema = "halt-reset/v1"

var (
	// ErrHalted is returned by Guard and Halt once the context is halted.
	ErrHalted = errors.New("halt: execution context is halted")
	// ErrNotHalted is returned when resetting a context that is running.
	ErrNotHalted = errors.New("halt: execution context is not halted")
	// ErrResetUnauthorized is returned when a reset authorization does not
	// verify against the authority keys.
	ErrResetUnauthorized = errors.New("halt: reset not authorized")
)

// State of an execution context.
type State string

const (
	StateNormal State = "NORMAL"
	StateHalted State = "HALTED"
)

// Trigger describes the failure that halts a bundle.
type Trigger struct {
	CorrelationID    string
	Result           contracts.ValidationResult
	Log              *oplog.Context
	TrustedTimestamp int64
	// Evidence is stored next to the record in the audit trail so the halted
	// bundle can be replayed.
	Evidence any
}

// Entry is the audit trail payload of a halt.
type Entry struct {
	Record   Record `json:"record"`
	Evidence any    `json:"evidence,omitempty"`
}

// ResetAuthorization is an externally signed permission to leave the halted
// state. It names the exact seal it clears.
type ResetAuthorization struct {
	ContextID string `json:"context_id"`
	Seal      string `json:"seal"`
	Reason    string `json:"reason"`
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"`
}

// ResetPayload returns the canonical bytes an authority signs to clear seal.
func ResetPayload(contextID, seal, reason string) ([]byte, error) {
	return canonicalize.JCS(map[string]string{
		"schema":     ResetSchema,
		"context_id": contextID,
		"seal":       seal,
		"reason":     reason,
	})
}

// Handler guards one execution context.
type Handler struct {
	mu        sync.Mutex
	contextID string
	state     State
	seal      string
	record    *Record
	latch     Latch
	trail     audit.Trail
	authority crypto.Verifier
	logger    *slog.Logger
}

// NewHandler returns a handler in the Normal state. latch and trail may be
// nil; authority nil makes every reset fail.
func NewHandler(contextID string, latch Latch, trail audit.Trail, authority crypto.Verifier) *Handler {
	if latch == nil {
		latch = NewMemoryLatch()
	}
	return &Handler{
		contextID: contextID,
		state:     StateNormal,
		latch:     latch,
		trail:     trail,
		authority: authority,
		logger:    slog.Default().With("component", "halt", "context_id", contextID),
	}
}

// WithLogger replaces the handler's logger.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	h.logger = l
	return h
}

// ContextID returns the guarded execution context.
func (h *Handler) ContextID() string { return h.contextID }

// State returns the local view of the context state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Record returns the halt record produced by this handler, if any.
func (h *Handler) Record() (Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.record == nil {
		return Record{}, false
	}
	return *h.record, true
}

// Guard returns ErrHalted when the context is halted here or in any process
// sharing the latch. Every mutating operation calls it first.
func (h *Handler) Guard(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateHalted {
		return ErrHalted
	}
	seal, halted, err := h.latch.Get(ctx, h.contextID)
	if err != nil {
		// an unreadable latch cannot prove the context is running
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}
	if halted {
		h.state = StateHalted
		h.seal = seal
		return ErrHalted
	}
	return nil
}

// Halt moves the context to Halted, seals the failure and appends it to the
// audit trail. The first halt wins; later calls return ErrHalted with the
// existing record.
func (h *Handler) Halt(ctx context.Context, t Trigger) (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateHalted {
		if h.record != nil {
			return *h.record, ErrHalted
		}
		return Record{Seal: h.seal}, ErrHalted
	}

	rec, err := newRecord(h.contextID, t)
	if err != nil {
		return Record{}, err
	}
	h.state = StateHalted
	h.seal = rec.Seal
	h.record = &rec

	var errs []error
	if _, err := h.latch.Set(ctx, h.contextID, rec.Seal); err != nil {
		errs = append(errs, err)
	}
	if h.trail != nil {
		if _, err := h.trail.Append(ctx, audit.EntryHalt, rec.CorrelationID, t.TrustedTimestamp, Entry{Record: rec, Evidence: t.Evidence}); err != nil {
			errs = append(errs, fmt.Errorf("halt: append trail: %w", err))
		}
	}

	h.logger.ErrorContext(ctx, "execution context halted",
		"correlation_id", rec.CorrelationID,
		"code", rec.Result.Code.String(),
		"rule_id", rec.Result.RuleID,
		"exit_code", rec.ExitCode,
		"seal", rec.Seal,
	)
	return rec, errors.Join(errs...)
}

func newRecord(contextID string, t Trigger) (Record, error) {
	code := t.Result.Code
	if code == 0 {
		code = errcodes.Halted
	}
	rec := Record{
		SchemaVersion: RecordSchema,
		ContextID:     contextID,
		CorrelationID: t.CorrelationID,
		Result:        t.Result,
		ExitCode:      code.ExitCode(),
		Category:      code.Category(),
	}
	if t.Log != nil {
		t.Log.Freeze()
		lh, err := t.Log.ComputeLogHash()
		if err != nil {
			return Record{}, fmt.Errorf("halt: partial log hash: %w", err)
		}
		rec.PartialLogHash = lh
		rec.LogEntries = t.Log.Len()
		if rec.CorrelationID == "" {
			rec.CorrelationID = t.Log.CorrelationID()
		}
	}
	seal, err := ComputeSeal(rec)
	if err != nil {
		return Record{}, err
	}
	rec.Seal = seal
	return rec, nil
}

// Reset leaves the Halted state after verifying auth against the authority
// keys. The reset is recorded in the audit trail.
func (h *Handler) Reset(ctx context.Context, auth ResetAuthorization, trustedTimestamp int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateHalted {
		seal, halted, err := h.latch.Get(ctx, h.contextID)
		if err != nil {
			return err
		}
		if !halted {
			return ErrNotHalted
		}
		h.state, h.seal = StateHalted, seal
	}
	if h.authority == nil {
		return fmt.Errorf("%w: no reset authority configured", ErrResetUnauthorized)
	}
	if auth.ContextID != h.contextID || auth.Seal != h.seal {
		return fmt.Errorf("%w: authorization names context %s seal %s", ErrResetUnauthorized, auth.ContextID, auth.Seal)
	}
	payload, err := ResetPayload(auth.ContextID, auth.Seal, auth.Reason)
	if err != nil {
		return err
	}
	ok, err := h.authority.VerifyHex(auth.KeyID, payload, auth.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResetUnauthorized, err)
	}
	if !ok {
		return ErrResetUnauthorized
	}

	if h.trail != nil {
		if _, err := h.trail.Append(ctx, audit.EntryReset, h.contextID, trustedTimestamp, auth); err != nil {
			return fmt.Errorf("halt: append trail: %w", err)
		}
	}
	if err := h.latch.Clear(ctx, h.contextID); err != nil {
		return err
	}
	h.logger.WarnContext(ctx, "execution context reset", "seal", h.seal, "key_id", auth.KeyID, "reason", auth.Reason)
	h.state = StateNormal
	h.seal = ""
	h.record = nil
	return nil
}
