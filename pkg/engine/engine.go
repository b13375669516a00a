// Package engine runs bundles through the full pipeline: packet provenance,
// guards, the coherence gate, the two-phase commit and the audit seal. Any
// failure after the context is known to be running halts it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/certledger/pkg/archive"
	"github.com/Mindburn-Labs/certledger/pkg/arith"
	"github.com/Mindburn-Labs/certledger/pkg/audit"
	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/certledger/pkg/coherence"
	"github.com/Mindburn-Labs/certledger/pkg/commit"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/crypto"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
	"github.com/Mindburn-Labs/certledger/pkg/guards"
	"github.com/Mindburn-Labs/certledger/pkg/halt"
	"github.com/Mindburn-Labs/certledger/pkg/observability"
	"github.com/Mindburn-Labs/certledger/pkg/oplog"
	"github.com/Mindburn-Labs/certledger/pkg/packet"
	"github.com/Mindburn-Labs/certledger/pkg/wire"
)

// Emitter forwards sealed bundles and halt records to peers.
type Emitter interface {
	Emit(kind wire.Kind, correlationID string, v any) error
}

// CommitEvidence is the audit trail payload of a committed bundle. It holds
// everything replay needs to re-execute the bundle.
type CommitEvidence struct {
	Bundle      Bundle             `json:"bundle"`
	PacketHash  string             `json:"packet_hash"`
	Reports     []guards.Report    `json:"reports"`
	Decision    coherence.Decision `json:"decision"`
	Log         []oplog.Entry      `json:"log"`
	BaseVersion uint64             `json:"base_version"`
	PreRoot     string             `json:"pre_root"`
	Root        string             `json:"root"`
	Sealed      audit.SealedBundle `json:"sealed"`
}

// HaltEvidence is stored next to a halt record.
type HaltEvidence struct {
	Bundle     Bundle        `json:"bundle"`
	PacketHash string        `json:"packet_hash,omitempty"`
	Log        []oplog.Entry `json:"log"`
}

// StaleEvidence is the audit trail payload of a bundle whose proposal was
// built on an old state. Its packet was consumed, so the trail keeps it to
// leave the packet chain unbroken.
type StaleEvidence struct {
	Bundle       Bundle `json:"bundle"`
	PacketHash   string `json:"packet_hash"`
	StateVersion uint64 `json:"state_version"`
}

// HaltError is returned when a bundle halted the execution context.
type HaltError struct {
	Record halt.Record
	// Err is set when the halt could not be fully recorded.
	Err error
}

func (e *HaltError) Error() string {
	msg := fmt.Sprintf("engine: halted by %s (%s): %s", e.Record.Result.RuleID, e.Record.Result.Code, e.Record.Result.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HaltError) Unwrap() []error {
	if e.Err != nil {
		return []error{halt.ErrHalted, e.Err}
	}
	return []error{halt.ErrHalted}
}

// Code returns the code the context halted with.
func (e *HaltError) Code() errcodes.Code { return e.Record.Result.Code }

// Options wire an Engine. Chain is required; the rest default to in-memory
// collaborators.
type Options struct {
	ContextID string
	Initial   contracts.TokenState
	Chain     *packet.Chain
	Guards    *guards.Set
	Signer    crypto.Signer
	Trail     audit.Trail
	States    commit.StateStore
	Latch     halt.Latch
	Authority crypto.Verifier
	Archive   archive.Store
	Frames    Emitter
	Arith     arith.Config
	Telemetry *observability.Provider
	Logger    *slog.Logger
}

// Result describes a committed bundle.
type Result struct {
	CorrelationID string
	PacketHash    string
	Reports       []guards.Report
	Decision      coherence.Decision
	Sealed        audit.SealedBundle
	State         contracts.TokenState
	Root          string
	LogHash       string
	TrailEntry    audit.TrailEntry
	ArchiveHash   string
}

// Engine processes bundles for one execution context.
type Engine struct {
	// order serializes bundles; the packet chain is a total order and the
	// trail must record bundles in it.
	order sync.Mutex

	contextID   string
	chain       *packet.Chain
	guards      *guards.Set
	binder      *audit.Binder
	trail       audit.Trail
	coordinator *commit.Coordinator
	halts       *halt.Handler
	archive     archive.Store
	frames      Emitter
	arith       arith.Config
	telemetry   *observability.Provider
	logger      *slog.Logger
}

// New builds an engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Chain == nil {
		return nil, errors.New("engine: packet chain is required")
	}
	if opts.ContextID == "" {
		return nil, errors.New("engine: context id is required")
	}
	if err := canonicalize.CheckString("context id", opts.ContextID); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.Guards == nil {
		set, err := NewGuardSet(nil)
		if err != nil {
			return nil, err
		}
		opts.Guards = set
	}
	opts.Arith = arith.New(nil, opts.Arith).Config()
	if err := opts.Arith.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.Trail == nil {
		opts.Trail = audit.NewMemoryTrail()
	}
	if opts.Telemetry == nil {
		tp, err := observability.NewWithProviders(nil, nil)
		if err != nil {
			return nil, err
		}
		opts.Telemetry = tp
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "engine", "context_id", opts.ContextID)

	return &Engine{
		contextID: opts.ContextID,
		chain:     opts.Chain,
		guards:    opts.Guards,
		binder:    audit.NewBinder(opts.Signer),
		trail:     opts.Trail,
		coordinator: commit.NewCoordinator(opts.Initial, opts.States).
			WithLogger(opts.Logger.With("component", "commit")),
		halts: halt.NewHandler(opts.ContextID, opts.Latch, opts.Trail, opts.Authority).
			WithLogger(opts.Logger.With("component", "halt", "context_id", opts.ContextID)),
		archive:   opts.Archive,
		frames:    opts.Frames,
		arith:     opts.Arith,
		telemetry: opts.Telemetry,
		logger:    logger,
	}, nil
}

// Snapshot returns the live token state.
func (e *Engine) Snapshot() contracts.TokenState { return e.coordinator.Snapshot() }

// HaltState returns the local view of the execution context state.
func (e *Engine) HaltState() halt.State { return e.halts.State() }

// HaltRecord returns the record of the halt raised by this engine, if any.
func (e *Engine) HaltRecord() (halt.Record, bool) { return e.halts.Record() }

// Reset clears a halt with an authority-signed authorization.
func (e *Engine) Reset(ctx context.Context, auth halt.ResetAuthorization, trustedTimestamp int64) error {
	return e.halts.Reset(ctx, auth, trustedTimestamp)
}

// ProcessBundle runs b through the pipeline and commits it.
//
// It returns *HaltError when b halted the context, an error wrapping
// halt.ErrHalted when the context was already halted, and an error wrapping
// commit.ErrStaleState when b was built on an old state version. A stale
// bundle does not halt; its packet is consumed and recorded in the trail, and
// the caller resubmits the proposal under a new packet.
func (e *Engine) ProcessBundle(ctx context.Context, b Bundle) (res *Result, err error) {
	e.order.Lock()
	defer e.order.Unlock()

	ctx, finish := e.telemetry.TrackBundle(ctx, b.Packet.SequenceNumber)
	var log *oplog.Context
	defer func() {
		out := observability.Result{Outcome: observability.OutcomeCommitted, Err: err}
		if log != nil {
			out.LogEntries = log.Len()
		}
		var he *HaltError
		switch {
		case err == nil:
		case errors.As(err, &he):
			out.Outcome, out.Code = observability.OutcomeHalted, he.Code()
		case errors.Is(err, commit.ErrStaleState):
			out.Outcome = observability.OutcomeStale
		default:
			out.Outcome, out.Code = observability.OutcomeRefused, errcodes.Halted
		}
		finish(out)
	}()

	// 1. Refuse work on a halted context
	if err := e.halts.Guard(ctx); err != nil {
		return nil, fmt.Errorf("engine: context %s: %w", e.contextID, err)
	}

	// 2. Per-bundle log, keyed by the packet's correlation id
	corrID, err := packet.CorrelationID(b.Packet)
	if err != nil {
		return nil, e.halt(ctx, b, "", nil, rejectWith(RulePacket, errcodes.ProvMalformed, "packet entropy is unusable", err))
	}
	ts := b.Packet.TrustedTimestamp
	log = oplog.New(corrID, ts)
	eng := arith.New(log, e.arith)

	// 3. Provenance
	packetHash, err := e.chain.Accept(b.Packet)
	if err != nil {
		code := packet.CodeOf(err)
		if code == 0 {
			code = errcodes.ProvMalformed
		}
		return nil, e.halt(ctx, b, "", log, rejectWith(RulePacket, code, "packet rejected", err))
	}

	// 4. Guards, gate and post-state
	base := e.coordinator.Snapshot()
	x, err := Execute(eng, e.guards, b, base)
	if err != nil {
		if errors.Is(err, commit.ErrStaleState) {
			return nil, e.stale(ctx, b, packetHash, log, base.Version, err)
		}
		return nil, e.halt(ctx, b, packetHash, log, err)
	}
	p := x.Prepared

	// 5. Bind and seal
	binding, err := e.binder.Bind(log, p.Root, map[string]string{
		"context_id":    e.contextID,
		"packet_hash":   packetHash,
		"state_version": fmt.Sprintf("%d", p.State.Version),
	})
	if err != nil {
		return nil, e.halt(ctx, b, packetHash, log, rejectWith(RuleSeal, errcodes.ArithSerialization, "log hash failed", err))
	}
	sealed, err := e.binder.Seal(binding)
	if err != nil {
		return nil, e.halt(ctx, b, packetHash, log, rejectWith(RuleSeal, errcodes.BindSignerFailed, "binding could not be sealed", err))
	}

	// 6. Commit; the trail entry is written under the writer lock
	evidence := CommitEvidence{
		Bundle:      b,
		PacketHash:  packetHash,
		Reports:     x.Reports,
		Decision:    x.Decision,
		Log:         log.Entries(),
		BaseVersion: p.BaseVersion,
		PreRoot:     p.PreRoot,
		Root:        p.Root,
		Sealed:      sealed,
	}
	var entry audit.TrailEntry
	err = e.coordinator.Commit(ctx, p, func(ctx context.Context, _ *commit.Prepared) error {
		var err error
		entry, err = e.trail.Append(ctx, audit.EntryCommit, corrID, ts, evidence)
		return err
	})
	if err != nil {
		if errors.Is(err, commit.ErrStaleState) {
			return nil, e.stale(ctx, b, packetHash, log, e.coordinator.Snapshot().Version, err)
		}
		return nil, e.halt(ctx, b, packetHash, log, rejectWith(RuleCommit, errcodes.CommitApplyFailed, "commit failed", err))
	}

	res = &Result{
		CorrelationID: corrID,
		PacketHash:    packetHash,
		Reports:       x.Reports,
		Decision:      x.Decision,
		Sealed:        sealed,
		State:         p.State,
		Root:          p.Root,
		LogHash:       binding.LogHash,
		TrailEntry:    entry,
	}

	// 7. Distribution; failures here never undo a commit
	if e.archive != nil {
		h, err := archive.Export(ctx, e.archive, sealed)
		if err != nil {
			e.logger.WarnContext(ctx, "archive export failed", "correlation_id", corrID, "error", err)
		} else {
			res.ArchiveHash = h
		}
	}
	e.emit(ctx, wire.KindSealedBundle, corrID, sealed)

	e.logger.InfoContext(ctx, "bundle committed",
		"correlation_id", corrID,
		"sequence", b.Packet.SequenceNumber,
		"version", p.State.Version,
		"root", p.Root,
		"log_hash", binding.LogHash,
		"log_entries", log.Len(),
	)
	return res, nil
}

// stale records b as a stale entry and returns cause. A stale bundle that
// cannot be recorded halts the context.
func (e *Engine) stale(ctx context.Context, b Bundle, packetHash string, log *oplog.Context, version uint64, cause error) error {
	corrID := log.CorrelationID()
	ev := StaleEvidence{Bundle: b, PacketHash: packetHash, StateVersion: version}
	if _, err := e.trail.Append(ctx, audit.EntryStale, corrID, b.Packet.TrustedTimestamp, ev); err != nil {
		return e.halt(ctx, b, packetHash, log, rejectWith(RuleCommit, errcodes.CommitApplyFailed, "stale bundle could not be recorded", err))
	}
	e.logger.WarnContext(ctx, "stale proposal",
		"correlation_id", corrID,
		"base_version", b.Proposal.BaseVersion,
		"state_version", version,
	)
	return cause
}

func (e *Engine) halt(ctx context.Context, b Bundle, packetHash string, log *oplog.Context, cause error) error {
	var re *RejectError
	if !errors.As(cause, &re) {
		re = rejectWith(RuleCommit, errcodes.Halted, "unclassified failure", cause)
	}
	ev := HaltEvidence{Bundle: b, PacketHash: packetHash}
	corrID := ""
	if log != nil {
		ev.Log = log.Entries()
		corrID = log.CorrelationID()
	}
	rec, err := e.halts.Halt(ctx, halt.Trigger{
		CorrelationID:    corrID,
		Result:           re.Result,
		Log:              log,
		TrustedTimestamp: b.Packet.TrustedTimestamp,
		Evidence:         ev,
	})
	if errors.Is(err, halt.ErrHalted) {
		return fmt.Errorf("engine: context %s: %w", e.contextID, err)
	}
	if rec.Seal != "" {
		e.emit(ctx, wire.KindHaltRecord, rec.CorrelationID, rec)
	}
	return &HaltError{Record: rec, Err: err}
}

func (e *Engine) emit(ctx context.Context, kind wire.Kind, corrID string, v any) {
	if e.frames == nil {
		return
	}
	if err := e.frames.Emit(kind, corrID, v); err != nil {
		e.logger.WarnContext(ctx, "frame emit failed", "kind", string(kind), "correlation_id", corrID, "error", err)
	}
}
