// Package replay re-verifies a persisted audit trail from genesis. It checks
// the hash chain, packet provenance, seals and halt records, and re-executes
// every committed or stale bundle to confirm that its operation log and state root are
// reproduced bit for bit.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/certledger/pkg/arith"
	"github.com/Mindburn-Labs/certledger/pkg/audit"
	"github.com/Mindburn-Labs/certledger/pkg/commit"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/crypto"
	"github.com/Mindburn-Labs/certledger/pkg/engine"
	"github.com/Mindburn-Labs/certledger/pkg/guards"
	"github.com/Mindburn-Labs/certledger/pkg/halt"
	"github.com/Mindburn-Labs/certledger/pkg/oplog"
	"github.com/Mindburn-Labs/certledger/pkg/packet"
)

// ErrDiverged is matched by every Divergence.
var ErrDiverged = errors.New("replay: trail diverges from re-execution")

// Divergence describes the first point where the trail and the replay
// disagree.
type Divergence struct {
	Sequence uint64          `json:"sequence"`
	Kind     audit.EntryKind `json:"kind"`
	Check    string          `json:"check"`
	Recorded string          `json:"recorded,omitempty"`
	Replayed string          `json:"replayed,omitempty"`
}

func (d *Divergence) Error() string {
	return fmt.Sprintf("replay: entry %d (%s) %s: recorded %q, replayed %q", d.Sequence, d.Kind, d.Check, d.Recorded, d.Replayed)
}

func (d *Divergence) Unwrap() error { return ErrDiverged }

// Options configure a replay. Genesis and Packets are required. Seals and
// Authority are optional; when nil the corresponding signatures are not
// checked.
type Options struct {
	Genesis           contracts.TokenState
	Guards            *guards.Set
	Arith             arith.Config
	Packets           packet.SignatureVerifier
	VersionConstraint string
	Seals             crypto.Verifier
	Authority         crypto.Verifier
	Logger            *slog.Logger
}

// Report summarizes a replay.
type Report struct {
	Entries      int            `json:"entries"`
	Commits      int            `json:"commits"`
	Halts        int            `json:"halts"`
	Resets       int            `json:"resets"`
	Stale        int            `json:"stale"`
	Halted       bool           `json:"halted"`
	FinalVersion uint64         `json:"final_version"`
	FinalRoot    string         `json:"final_root"`
	PacketHead   string         `json:"packet_head"`
	PacketSeq    uint64         `json:"packet_sequence"`
	HaltSeal     string         `json:"halt_seal,omitempty"`
	HaltCodes    map[string]int `json:"halt_codes,omitempty"`
	Divergence   *Divergence    `json:"divergence,omitempty"`

	// State is the state reached by the replay.
	State contracts.TokenState `json:"-"`
}

// Valid reports whether the replay reproduced the whole trail.
func (r *Report) Valid() bool { return r.Divergence == nil }

type haltEntry struct {
	Record   halt.Record         `json:"record"`
	Evidence engine.HaltEvidence `json:"evidence"`
}

type replayer struct {
	opts   Options
	chain  *packet.Chain
	state  contracts.TokenState
	head   string
	seq    uint64
	report *Report

	// haltContext is the context id of the open halt record.
	haltContext string
}

// Trail replays every entry of t.
func Trail(ctx context.Context, t audit.Trail, opts Options) (*Report, error) {
	entries, err := t.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: read trail: %w", err)
	}
	return Run(ctx, entries, opts)
}

// Run replays entries. A broken hash chain or an unreadable entry is returned
// as an error. A disagreement between the trail and the re-execution is
// reported in Report.Divergence and ends the replay.
func Run(ctx context.Context, entries []audit.TrailEntry, opts Options) (*Report, error) {
	if opts.Packets == nil {
		return nil, errors.New("replay: packet verifier is required")
	}
	if opts.Guards == nil {
		set, err := engine.NewGuardSet(nil)
		if err != nil {
			return nil, err
		}
		opts.Guards = set
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "replay")

	if err := audit.VerifyChain(entries); err != nil {
		return nil, err
	}
	chain, err := packet.NewChain(packet.Options{VersionConstraint: opts.VersionConstraint, Verifier: opts.Packets})
	if err != nil {
		return nil, err
	}
	root, err := opts.Genesis.Root()
	if err != nil {
		return nil, err
	}

	r := &replayer{
		opts:   opts,
		chain:  chain,
		state:  opts.Genesis,
		head:   packet.GenesisHash,
		report: &Report{Entries: len(entries), FinalRoot: root, HaltCodes: map[string]int{}},
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		switch e.Kind {
		case audit.EntryCommit:
			err = r.commit(e)
		case audit.EntryHalt:
			err = r.halt(e)
		case audit.EntryReset:
			err = r.reset(e)
		case audit.EntryStale:
			err = r.stale(e)
		default:
			err = fmt.Errorf("replay: entry %d has unknown kind %q", e.Sequence, e.Kind)
		}
		var d *Divergence
		if errors.As(err, &d) {
			r.report.Divergence = d
			opts.Logger.WarnContext(ctx, "replay diverged", "sequence", d.Sequence, "check", d.Check)
			break
		}
		if err != nil {
			return nil, err
		}
	}

	rep := r.report
	rep.State = r.state
	rep.FinalVersion = r.state.Version
	if rep.FinalRoot, err = r.state.Root(); err != nil {
		return nil, err
	}
	rep.PacketHead, rep.PacketSeq = r.head, r.seq
	opts.Logger.InfoContext(ctx, "replay finished",
		"entries", rep.Entries,
		"commits", rep.Commits,
		"halts", rep.Halts,
		"stale", rep.Stale,
		"valid", rep.Valid(),
		"final_root", rep.FinalRoot,
	)
	return rep, nil
}

func diverged(e audit.TrailEntry, check, recorded, replayed string) *Divergence {
	return &Divergence{Sequence: e.Sequence, Kind: e.Kind, Check: check, Recorded: recorded, Replayed: replayed}
}

// provenance verifies the packet and its place in the packet chain. Every
// packet the engine accepted has an entry, so each one must directly follow
// the previous one.
func (r *replayer) provenance(e audit.TrailEntry, p packet.Packet, recordedHash string) error {
	if err := r.chain.Verify(p); err != nil {
		return diverged(e, "packet_signature", "valid", err.Error())
	}
	h, err := p.Hash()
	if err != nil {
		return diverged(e, "packet_hash", recordedHash, err.Error())
	}
	if h != recordedHash {
		return diverged(e, "packet_hash", recordedHash, h)
	}
	if p.SequenceNumber != r.seq+1 {
		return diverged(e, "packet_sequence", fmt.Sprint(p.SequenceNumber), fmt.Sprint(r.seq+1))
	}
	if p.PreviousHash != r.head {
		return diverged(e, "packet_previous_hash", p.PreviousHash, r.head)
	}
	corrID, err := packet.CorrelationID(p)
	if err != nil || corrID != e.CorrelationID {
		return diverged(e, "correlation_id", e.CorrelationID, corrID)
	}
	r.head, r.seq = h, p.SequenceNumber
	return nil
}

func (r *replayer) execute(b engine.Bundle, corrID string) (engine.Execution, string, error) {
	log := oplog.New(corrID, b.Packet.TrustedTimestamp)
	x, err := engine.Execute(arith.New(log, r.opts.Arith), r.opts.Guards, b, r.state)
	h, herr := log.ComputeLogHash()
	if herr != nil {
		return x, "", herr
	}
	return x, h, err
}

func (r *replayer) commit(e audit.TrailEntry) error {
	if r.report.Halted {
		return diverged(e, "halted", "commit", "context halted")
	}
	var ev engine.CommitEvidence
	if err := e.Decode(&ev); err != nil {
		return fmt.Errorf("replay: entry %d: %w", e.Sequence, err)
	}
	if err := r.provenance(e, ev.Bundle.Packet, ev.PacketHash); err != nil {
		return err
	}

	preRoot, err := r.state.Root()
	if err != nil {
		return err
	}
	if ev.BaseVersion != r.state.Version {
		return diverged(e, "base_version", fmt.Sprint(ev.BaseVersion), fmt.Sprint(r.state.Version))
	}
	if ev.PreRoot != preRoot {
		return diverged(e, "pre_root", ev.PreRoot, preRoot)
	}

	if err := oplog.Verify(ev.Log, e.CorrelationID); err != nil {
		return diverged(e, "recorded_log", "well formed", err.Error())
	}
	recordedLog, err := oplog.HashEntries(ev.Log)
	if err != nil {
		return fmt.Errorf("replay: entry %d: %w", e.Sequence, err)
	}
	if recordedLog != ev.Sealed.Binding.LogHash {
		return diverged(e, "recorded_log", ev.Sealed.Binding.LogHash, recordedLog)
	}

	x, logHash, err := r.execute(ev.Bundle, e.CorrelationID)
	if err != nil {
		return diverged(e, "execution", "committed", err.Error())
	}
	if logHash != ev.Sealed.Binding.LogHash {
		return diverged(e, "log_hash", ev.Sealed.Binding.LogHash, logHash)
	}
	if x.Prepared.Root != ev.Root || ev.Root != ev.Sealed.Binding.StateRoot {
		return diverged(e, "state_root", ev.Sealed.Binding.StateRoot, x.Prepared.Root)
	}
	if r.opts.Seals != nil {
		if err := audit.VerifySeal(ev.Sealed, r.opts.Seals); err != nil {
			return diverged(e, "seal", ev.Sealed.Seal.Signature, err.Error())
		}
	}

	r.state = x.Prepared.State
	r.report.Commits++
	return nil
}

// stale re-executes a bundle recorded as stale; it must be refused for its
// base version again and leaves the state unchanged.
func (r *replayer) stale(e audit.TrailEntry) error {
	if r.report.Halted {
		return diverged(e, "halted", "stale", "context halted")
	}
	var ev engine.StaleEvidence
	if err := e.Decode(&ev); err != nil {
		return fmt.Errorf("replay: entry %d: %w", e.Sequence, err)
	}
	if err := r.provenance(e, ev.Bundle.Packet, ev.PacketHash); err != nil {
		return err
	}
	if ev.StateVersion != r.state.Version {
		return diverged(e, "state_version", fmt.Sprint(ev.StateVersion), fmt.Sprint(r.state.Version))
	}
	_, _, err := r.execute(ev.Bundle, e.CorrelationID)
	if !errors.Is(err, commit.ErrStaleState) {
		replayed := "accepted"
		if err != nil {
			replayed = err.Error()
		}
		return diverged(e, "execution", "stale", replayed)
	}
	r.report.Stale++
	return nil
}

func (r *replayer) halt(e audit.TrailEntry) error {
	var he haltEntry
	if err := e.Decode(&he); err != nil {
		return fmt.Errorf("replay: entry %d: %w", e.Sequence, err)
	}
	rec := he.Record
	if err := halt.VerifyRecord(rec); err != nil {
		return diverged(e, "halt_seal", rec.Seal, err.Error())
	}
	if rec.PartialLogHash != "" {
		h, err := oplog.HashEntries(he.Evidence.Log)
		if err != nil {
			return fmt.Errorf("replay: entry %d: %w", e.Sequence, err)
		}
		if h != rec.PartialLogHash || len(he.Evidence.Log) != rec.LogEntries {
			return diverged(e, "partial_log_hash", rec.PartialLogHash, h)
		}
	}

	// The packet passed provenance, so the halted bundle is re-executed and
	// must stop at the same point with the same code.
	if he.Evidence.PacketHash != "" {
		if err := r.provenance(e, he.Evidence.Bundle.Packet, he.Evidence.PacketHash); err != nil {
			return err
		}
		_, logHash, err := r.execute(he.Evidence.Bundle, e.CorrelationID)
		if logHash != rec.PartialLogHash {
			return diverged(e, "partial_log_hash", rec.PartialLogHash, logHash)
		}
		var re *engine.RejectError
		if errors.As(err, &re) && re.Result.Code != rec.Result.Code {
			return diverged(e, "halt_code", rec.Result.Code.String(), re.Result.Code.String())
		}
	}

	r.report.Halted = true
	r.report.HaltSeal = rec.Seal
	r.haltContext = rec.ContextID
	r.report.Halts++
	r.report.HaltCodes[rec.Result.Code.String()]++
	return nil
}

func (r *replayer) reset(e audit.TrailEntry) error {
	var auth halt.ResetAuthorization
	if err := e.Decode(&auth); err != nil {
		return fmt.Errorf("replay: entry %d: %w", e.Sequence, err)
	}
	if !r.report.Halted {
		return diverged(e, "reset", "halted", "running")
	}
	if auth.ContextID != r.haltContext {
		return diverged(e, "reset_context", auth.ContextID, r.haltContext)
	}
	if auth.Seal != r.report.HaltSeal {
		return diverged(e, "reset_seal", auth.Seal, r.report.HaltSeal)
	}
	if r.opts.Authority != nil {
		payload, err := halt.ResetPayload(auth.ContextID, auth.Seal, auth.Reason)
		if err != nil {
			return err
		}
		ok, err := r.opts.Authority.VerifyHex(auth.KeyID, payload, auth.Signature)
		if err != nil || !ok {
			return diverged(e, "reset_authorization", auth.KeyID, "signature rejected")
		}
	}
	r.report.Halted = false
	r.report.HaltSeal = ""
	r.haltContext = ""
	r.report.Resets++
	return nil
}
