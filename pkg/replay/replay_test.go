package replay_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/certledger/pkg/audit"
	"github.com/Mindburn-Labs/certledger/pkg/commit"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/crypto"
	"github.com/Mindburn-Labs/certledger/pkg/engine"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
	"github.com/Mindburn-Labs/certledger/pkg/halt"
	"github.com/Mindburn-Labs/certledger/pkg/packet"
	"github.com/Mindburn-Labs/certledger/pkg/replay"
	"github.com/Mindburn-Labs/certledger/pkg/store"
)

const (
	contextID = "replay-test"
	day20     = 20 * contracts.MillisPerDay
)

func fp(s string) fixedpoint.Value { return fixedpoint.MustParse(s) }

func genesis() contracts.TokenState {
	s := contracts.NewState(contracts.Balances{
		Principal:            fp("1000"),
		FlowRate:             fp("100"),
		Synchronization:      fp("0.9"),
		DirectionalForce:     fp("0.5"),
		Resonance:            fp("161.8"),
		InfrastructureReward: fp("10"),
	}, contracts.DefaultConstants(), fp("1000"))
	s.Issuance.Day = 20
	s.Issuance.Epoch = 2
	return s
}

func issuing(amount string, base uint64) contracts.Proposal {
	return contracts.Proposal{
		SchemaVersion: contracts.SchemaVersion,
		BaseVersion:   base,
		Deltas:        contracts.Balances{Principal: fp(amount)},
		Issuance:      fp(amount),
	}
}

func signer(t *testing.T, n int, keyID string) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519SignerFromSeed(fmt.Sprintf("%064x", n), keyID)
	require.NoError(t, err)
	return s
}

func ring(t *testing.T, signers ...crypto.Signer) *crypto.KeyRing {
	t.Helper()
	r := crypto.NewKeyRing()
	for _, s := range signers {
		require.NoError(t, r.AddSigner(s))
	}
	return r
}

type world struct {
	t         *testing.T
	engine    *engine.Engine
	trail     audit.Trail
	packets   *crypto.Ed25519Signer
	seal      *crypto.Ed25519Signer
	authority *crypto.Ed25519Signer
	head      string
	seq       uint64
}

func newWorld(t *testing.T, trail audit.Trail) *world {
	t.Helper()
	w := &world{
		t:         t,
		trail:     trail,
		packets:   signer(t, 1, "packets-1"),
		seal:      signer(t, 2, "seal-1"),
		authority: signer(t, 3, "ops-1"),
		head:      packet.GenesisHash,
	}
	chain, err := packet.NewChain(packet.Options{Verifier: packet.NewKeyVerifier(ring(t, w.packets))})
	require.NoError(t, err)
	w.engine, err = engine.New(engine.Options{
		ContextID: contextID,
		Initial:   genesis(),
		Chain:     chain,
		Signer:    w.seal,
		Trail:     trail,
		Authority: ring(t, w.authority),
	})
	require.NoError(t, err)
	return w
}

func (w *world) submit(p contracts.Proposal, guidance string) error {
	w.t.Helper()
	pkt, err := packet.Sign(packet.Packet{
		ProtocolVersion:  packet.ProtocolVersion,
		TrustedTimestamp: day20 + int64(w.seq)*60_000,
		SequenceNumber:   w.seq + 1,
		EntropySeed:      fmt.Sprintf("%032x", w.seq+1),
		PreviousHash:     w.head,
	}, w.packets)
	require.NoError(w.t, err)
	h, err := pkt.Hash()
	require.NoError(w.t, err)
	w.head, w.seq = h, pkt.SequenceNumber

	_, err = w.engine.ProcessBundle(context.Background(), engine.Bundle{Packet: pkt, Proposal: p, Guidance: fp(guidance)})
	return err
}

func (w *world) reset(seal string) {
	w.t.Helper()
	require.NoError(w.t, w.engine.Reset(context.Background(), w.resetTo(contextID, seal), day20))
}

func (w *world) options() replay.Options {
	return replay.Options{
		Genesis:   genesis(),
		Packets:   packet.NewKeyVerifier(ring(w.t, w.packets)),
		Seals:     ring(w.t, w.seal),
		Authority: ring(w.t, w.authority),
	}
}

// history commits, halts on an action-cost rejection, resets, loses one
// commit race and commits again.
func history(t *testing.T, w *world) {
	t.Helper()
	require.NoError(t, w.submit(issuing("10", 0), "0.4"))
	require.NoError(t, w.submit(issuing("5", 1), "0.4"))

	err := w.submit(issuing("5", 2), "5")
	var he *engine.HaltError
	require.ErrorAs(t, err, &he)
	w.reset(he.Record.Seal)

	require.Error(t, w.submit(issuing("5", 0), "0.4"), "stale")
	require.NoError(t, w.submit(issuing("7", 2), "0.4"))
}

func TestReplayReproducesHistory(t *testing.T) {
	w := newWorld(t, audit.NewMemoryTrail())
	history(t, w)

	rep, err := replay.Trail(context.Background(), w.trail, w.options())
	require.NoError(t, err)
	require.True(t, rep.Valid(), "%v", rep.Divergence)

	assert.Equal(t, 6, rep.Entries)
	assert.Equal(t, 3, rep.Commits)
	assert.Equal(t, 1, rep.Halts)
	assert.Equal(t, 1, rep.Resets)
	assert.Equal(t, 1, rep.Stale)
	assert.False(t, rep.Halted)
	assert.Equal(t, map[string]int{errcodes.GateActionCost.String(): 1}, rep.HaltCodes)

	live := w.engine.Snapshot()
	root, err := live.Root()
	require.NoError(t, err)
	assert.Equal(t, live.Version, rep.FinalVersion)
	assert.Equal(t, root, rep.FinalRoot)
	stateRoot, err := rep.State.Root()
	require.NoError(t, err)
	assert.Equal(t, root, stateRoot)
	assert.Empty(t, rep.HaltSeal)
	assert.Equal(t, w.seq, rep.PacketSeq)
	assert.Equal(t, w.head, rep.PacketHead)
}

func TestReplayFromSQLTrail(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	trail := store.NewSQLTrail(db)
	require.NoError(t, trail.Init(ctx))

	w := newWorld(t, trail)
	history(t, w)

	rep, err := replay.Trail(ctx, trail, w.options())
	require.NoError(t, err)
	assert.True(t, rep.Valid())
	assert.Equal(t, 3, rep.Commits)
}

// rewrite rebuilds a trail with one payload changed, so the hash chain
// itself stays valid.
func rewrite(t *testing.T, entries []audit.TrailEntry, seq uint64, mutate func(ev *engine.CommitEvidence)) []audit.TrailEntry {
	t.Helper()
	out := audit.NewMemoryTrail()
	for _, e := range entries {
		var payload any = e.Payload
		if e.Sequence == seq {
			var ev engine.CommitEvidence
			require.NoError(t, e.Decode(&ev))
			mutate(&ev)
			payload = ev
		}
		_, err := out.Append(context.Background(), e.Kind, e.CorrelationID, e.TrustedTimestamp, payload)
		require.NoError(t, err)
	}
	res, err := out.Entries(context.Background())
	require.NoError(t, err)
	return res
}

func TestReplayDetectsDivergence(t *testing.T) {
	w := newWorld(t, audit.NewMemoryTrail())
	require.NoError(t, w.submit(issuing("10", 0), "0.4"))
	require.NoError(t, w.submit(issuing("5", 1), "0.4"))
	entries, err := w.trail.Entries(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(ev *engine.CommitEvidence)
		check  string
	}{
		{"guidance changed", func(ev *engine.CommitEvidence) { ev.Bundle.Guidance = fp("0.3") }, "log_hash"},
		{"proposal changed", func(ev *engine.CommitEvidence) { ev.Bundle.Proposal.Issuance = fp("6") }, "execution"},
		{"root changed", func(ev *engine.CommitEvidence) { ev.Root = ev.PreRoot }, "state_root"},
		{"log truncated", func(ev *engine.CommitEvidence) { ev.Log = ev.Log[:len(ev.Log)-1] }, "recorded_log"},
		{"packet tampered", func(ev *engine.CommitEvidence) { ev.Bundle.Packet.TrustedTimestamp++ }, "packet_signature"},
		{"seal forged", func(ev *engine.CommitEvidence) { ev.Sealed.Binding.Metadata["packet_hash"] = "x" }, "seal"},
		{"base version", func(ev *engine.CommitEvidence) { ev.BaseVersion = 7 }, "base_version"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rep, err := replay.Run(context.Background(), rewrite(t, entries, 2, tc.mutate), w.options())
			require.NoError(t, err)
			require.False(t, rep.Valid())
			assert.Equal(t, uint64(2), rep.Divergence.Sequence)
			assert.Equal(t, tc.check, rep.Divergence.Check)
			assert.ErrorIs(t, rep.Divergence, replay.ErrDiverged)
			assert.Equal(t, 1, rep.Commits)
		})
	}
}

func TestReplayRejectsBrokenChain(t *testing.T) {
	w := newWorld(t, audit.NewMemoryTrail())
	require.NoError(t, w.submit(issuing("10", 0), "0.4"))
	entries, err := w.trail.Entries(context.Background())
	require.NoError(t, err)

	entries[0].Payload = append([]byte(nil), entries[0].Payload...)
	entries[0].Payload[len(entries[0].Payload)-2] ^= 1
	_, err = replay.Run(context.Background(), entries, w.options())
	assert.ErrorIs(t, err, audit.ErrChainBroken)
}

func TestReplayChecksResetAuthority(t *testing.T) {
	w := newWorld(t, audit.NewMemoryTrail())
	var he *engine.HaltError
	require.ErrorAs(t, w.submit(issuing("10", 0), "5"), &he)
	w.reset(he.Record.Seal)

	opts := w.options()
	opts.Authority = ring(t, signer(t, 4, "ops-1"))
	rep, err := replay.Trail(context.Background(), w.trail, opts)
	require.NoError(t, err)
	require.False(t, rep.Valid())
	assert.Equal(t, "reset_authorization", rep.Divergence.Check)
}

func TestReplayStrictPacketChain(t *testing.T) {
	w := newWorld(t, audit.NewMemoryTrail())
	require.NoError(t, w.submit(issuing("10", 0), "0.4"))
	require.Error(t, w.submit(issuing("5", 0), "0.4"))
	require.NoError(t, w.submit(issuing("5", 1), "0.4"))
	entries, err := w.trail.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, audit.EntryStale, entries[1].Kind)

	// dropping the stale entry leaves a hole in the packet chain
	out := audit.NewMemoryTrail()
	for _, e := range []audit.TrailEntry{entries[0], entries[2]} {
		_, err := out.Append(context.Background(), e.Kind, e.CorrelationID, e.TrustedTimestamp, e.Payload)
		require.NoError(t, err)
	}
	rep, err := replay.Trail(context.Background(), out, w.options())
	require.NoError(t, err)
	require.False(t, rep.Valid())
	assert.Equal(t, uint64(2), rep.Divergence.Sequence)
	assert.Equal(t, "packet_sequence", rep.Divergence.Check)
}

func TestResumeAfterTrailingStaleBundle(t *testing.T) {
	w := newWorld(t, audit.NewMemoryTrail())
	require.NoError(t, w.submit(issuing("10", 0), "0.4"))
	require.ErrorIs(t, w.submit(issuing("5", 0), "0.4"), commit.ErrStaleState)

	rep, err := replay.Trail(context.Background(), w.trail, w.options())
	require.NoError(t, err)
	require.True(t, rep.Valid(), "%v", rep.Divergence)
	assert.Equal(t, 1, rep.Stale)
	assert.Equal(t, uint64(2), rep.PacketSeq)
	assert.Equal(t, w.head, rep.PacketHead)

	// a restarted engine picks up the packet chain where the trail ends
	chain, err := packet.NewChain(packet.Options{
		Verifier: packet.NewKeyVerifier(ring(t, w.packets)),
		Head:     rep.PacketHead,
		Sequence: rep.PacketSeq,
	})
	require.NoError(t, err)
	w.engine, err = engine.New(engine.Options{
		ContextID: contextID,
		Initial:   rep.State,
		Chain:     chain,
		Signer:    w.seal,
		Trail:     w.trail,
		Authority: ring(t, w.authority),
	})
	require.NoError(t, err)
	require.NoError(t, w.submit(issuing("5", 1), "0.4"))

	rep, err = replay.Trail(context.Background(), w.trail, w.options())
	require.NoError(t, err)
	require.True(t, rep.Valid(), "%v", rep.Divergence)
	assert.Equal(t, 2, rep.Commits)
	assert.Equal(t, uint64(2), rep.FinalVersion)
}

func TestReplayStaleMustStayStale(t *testing.T) {
	w := newWorld(t, audit.NewMemoryTrail())
	require.Error(t, w.submit(issuing("5", 3), "0.4"))
	entries, err := w.trail.Entries(context.Background())
	require.NoError(t, err)

	var ev engine.StaleEvidence
	require.NoError(t, entries[0].Decode(&ev))
	ev.Bundle.Proposal.BaseVersion = 0
	out := audit.NewMemoryTrail()
	_, err = out.Append(context.Background(), audit.EntryStale, entries[0].CorrelationID, entries[0].TrustedTimestamp, ev)
	require.NoError(t, err)

	rep, err := replay.Trail(context.Background(), out, w.options())
	require.NoError(t, err)
	require.False(t, rep.Valid())
	assert.Equal(t, "execution", rep.Divergence.Check)
}

// resetTo signs a reset authorization as the world's authority.
func (w *world) resetTo(ctxID, seal string) halt.ResetAuthorization {
	w.t.Helper()
	payload, err := halt.ResetPayload(ctxID, seal, "reviewed")
	require.NoError(w.t, err)
	sig, err := w.authority.Sign(payload)
	require.NoError(w.t, err)
	return halt.ResetAuthorization{ContextID: ctxID, Seal: seal, Reason: "reviewed", KeyID: w.authority.KeyID(), Signature: sig}
}

func TestReplayBindsResetToOpenHalt(t *testing.T) {
	w := newWorld(t, audit.NewMemoryTrail())
	var first, second *engine.HaltError
	require.ErrorAs(t, w.submit(issuing("10", 0), "5"), &first)
	w.reset(first.Record.Seal)
	require.ErrorAs(t, w.submit(issuing("10", 0), "5"), &second)
	require.NotEqual(t, first.Record.Seal, second.Record.Seal)

	tests := []struct {
		name  string
		auth  halt.ResetAuthorization
		check string
	}{
		{"earlier seal", w.resetTo(contextID, first.Record.Seal), "reset_seal"},
		{"other context", w.resetTo("other-context", second.Record.Seal), "reset_context"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			entries, err := w.trail.Entries(context.Background())
			require.NoError(t, err)
			out := audit.NewMemoryTrail()
			for _, e := range entries {
				_, err := out.Append(context.Background(), e.Kind, e.CorrelationID, e.TrustedTimestamp, e.Payload)
				require.NoError(t, err)
			}
			_, err = out.Append(context.Background(), audit.EntryReset, contextID, day20, tc.auth)
			require.NoError(t, err)

			rep, err := replay.Trail(context.Background(), out, w.options())
			require.NoError(t, err)
			require.False(t, rep.Valid())
			assert.Equal(t, uint64(4), rep.Divergence.Sequence)
			assert.Equal(t, tc.check, rep.Divergence.Check)
			assert.True(t, rep.Halted)
		})
	}
}

func TestReplayEndsHalted(t *testing.T) {
	w := newWorld(t, audit.NewMemoryTrail())
	require.NoError(t, w.submit(issuing("10", 0), "0.4"))
	var he *engine.HaltError
	require.ErrorAs(t, w.submit(issuing("10", 1), "5"), &he)

	rep, err := replay.Trail(context.Background(), w.trail, w.options())
	require.NoError(t, err)
	assert.True(t, rep.Valid())
	assert.True(t, rep.Halted)
	assert.Equal(t, he.Record.Seal, rep.HaltSeal)
	assert.Equal(t, uint64(1), rep.FinalVersion)
}

func TestReplayRequiresPacketVerifier(t *testing.T) {
	_, err := replay.Run(context.Background(), nil, replay.Options{Genesis: genesis()})
	assert.Error(t, err)
}
