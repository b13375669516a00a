package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/certledger/pkg/audit"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/crypto"
	"github.com/Mindburn-Labs/certledger/pkg/engine"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
	"github.com/Mindburn-Labs/certledger/pkg/halt"
	"github.com/Mindburn-Labs/certledger/pkg/packet"
	"github.com/Mindburn-Labs/certledger/pkg/replay"
)

const day20 = 20 * contracts.MillisPerDay

func fp(s string) fixedpoint.Value { return fixedpoint.MustParse(s) }

func seed(n int) string { return fmt.Sprintf("%064x", n) }

func signer(t *testing.T, n int, keyID string) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519SignerFromSeed(seed(n), keyID)
	require.NoError(t, err)
	return s
}

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"CERTLEDGER_CONFIG", "CERTLEDGER_CONTEXT_ID", "CERTLEDGER_LOG_LEVEL", "CERTLEDGER_DB_DRIVER", "CERTLEDGER_DB_DSN",
		"CERTLEDGER_REDIS_ADDR", "CERTLEDGER_ARCHIVE_TYPE", "CERTLEDGER_OTLP_ENDPOINT", "CERTLEDGER_TELEMETRY_ENABLED",
	} {
		t.Setenv(k, "")
	}
}

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, stdin io.Reader, args ...string) result {
	t.Helper()
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	var stdout, stderr bytes.Buffer
	code := Run(args, stdin, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand(nil)

	for _, name := range []string{"process", "replay", "codes", "verify-seal", "reset"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("format"))
	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)
}

func TestInvalidFormat(t *testing.T) {
	res := run(t, nil, "--format", "yaml", "codes")
	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.stderr, "invalid format")
}

func TestCodes(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		res := run(t, nil, "codes")
		require.Equal(t, ExitSuccess, res.code, res.stderr)
		var want bytes.Buffer
		require.NoError(t, errcodes.Render(&want))
		assert.Equal(t, want.String(), res.stdout)
	})

	t.Run("json", func(t *testing.T) {
		res := run(t, nil, "codes", "--format", "json")
		require.Equal(t, ExitSuccess, res.code, res.stderr)
		var doc codesDocument
		require.NoError(t, json.Unmarshal([]byte(res.stdout), &doc))
		assert.Equal(t, errcodes.TableVersion, doc.Version)
		assert.Equal(t, errcodes.Table(), doc.Codes)
	})

	t.Run("compatible", func(t *testing.T) {
		assert.Equal(t, ExitSuccess, run(t, nil, "codes", "--compatible", "^1.0.0").code)
		assert.Equal(t, ExitFailure, run(t, nil, "codes", "--compatible", "^2.0.0").code)
		assert.Equal(t, ExitCommandError, run(t, nil, "codes", "--compatible", "not a range").code)
	})
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 7, exitCode(wrapExit(7, "x", nil)))
	assert.Equal(t, ExitFailure, exitCode(fmt.Errorf("outer: %w", wrapExit(ExitFailure, "inner", nil))))
	assert.Equal(t, ExitCommandError, exitCode(io.EOF))
}

// operator is a configured deployment backed by a SQLite trail.
type operator struct {
	t         *testing.T
	dir       string
	config    string
	frames    string
	packets   *crypto.Ed25519Signer
	authority *crypto.Ed25519Signer
	head      string
	seq       uint64
}

func newOperator(t *testing.T) *operator {
	t.Helper()
	clearEnv(t)
	t.Setenv("CERTLEDGER_SIGNER_SEED", seed(2))

	dir := t.TempDir()
	o := &operator{
		t:         t,
		dir:       dir,
		frames:    filepath.Join(dir, "frames.bin"),
		packets:   signer(t, 1, "packets-1"),
		authority: signer(t, 3, "authority-1"),
		head:      packet.GenesisHash,
	}
	cfg := fmt.Sprintf(`
context_id: operator-test
log_level: warn
database:
  driver: sqlite
  dsn: %s
archive:
  type: fs
  dir: %s
genesis:
  balances:
    principal: "1000"
    flow_rate: "100"
    synchronization: "0.9"
    directional_force: "0.5"
    resonance: "161.8"
    infrastructure_reward: "10"
  total_supply: "1000"
keys:
  packets:
    packets-1: %s
  authority:
    authority-1: %s
`, filepath.Join(dir, "trail.db"), filepath.Join(dir, "archive"), o.packets.PublicKey(), o.authority.PublicKey())
	o.config = filepath.Join(dir, "certledger.yaml")
	require.NoError(t, os.WriteFile(o.config, []byte(cfg), 0o600))
	return o
}

// bundle signs the next packet in the stream and encodes one input line.
func (o *operator) bundle(amount string, base uint64, guidance string) string {
	o.t.Helper()
	p, err := packet.Sign(packet.Packet{
		ProtocolVersion:  packet.ProtocolVersion,
		TrustedTimestamp: day20 + int64(o.seq)*60_000,
		SequenceNumber:   o.seq + 1,
		EntropySeed:      fmt.Sprintf("%032x", o.seq+1),
		PreviousHash:     o.head,
	}, o.packets)
	require.NoError(o.t, err)
	h, err := p.Hash()
	require.NoError(o.t, err)
	o.head, o.seq = h, p.SequenceNumber

	proposal := contracts.Proposal{
		SchemaVersion: contracts.SchemaVersion,
		BaseVersion:   base,
		Deltas:        contracts.Balances{Principal: fp(amount)},
		Issuance:      fp(amount),
	}
	line, err := json.Marshal(engine.Bundle{Packet: p, Proposal: proposal, Guidance: fp(guidance)})
	require.NoError(o.t, err)
	return string(line) + "\n"
}

func (o *operator) process(format string, lines ...string) (result, []bundleOutcome) {
	o.t.Helper()
	res := run(o.t, strings.NewReader(strings.Join(lines, "")),
		"--config", o.config, "--format", format, "process", "--frames", o.frames)
	var outcomes []bundleOutcome
	if format == "json" {
		dec := json.NewDecoder(strings.NewReader(res.stdout))
		for dec.More() {
			var b bundleOutcome
			require.NoError(o.t, dec.Decode(&b))
			outcomes = append(outcomes, b)
		}
	}
	return res, outcomes
}

func (o *operator) authorize(seal string) string {
	o.t.Helper()
	payload, err := halt.ResetPayload("operator-test", seal, "reviewed")
	require.NoError(o.t, err)
	sig, err := o.authority.Sign(payload)
	require.NoError(o.t, err)
	data, err := json.Marshal(halt.ResetAuthorization{
		ContextID: "operator-test", Seal: seal, Reason: "reviewed", KeyID: o.authority.KeyID(), Signature: sig,
	})
	require.NoError(o.t, err)
	path := filepath.Join(o.dir, "reset.json")
	require.NoError(o.t, os.WriteFile(path, data, 0o600))
	return path
}

func TestProcessResumesAfterStaleBundle(t *testing.T) {
	o := newOperator(t)

	res, out := o.process("json", o.bundle("10", 0, "0.4"))
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	require.Len(t, out, 1)

	res, out = o.process("json", o.bundle("5", 0, "0.4"))
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	require.Len(t, out, 1)
	assert.Equal(t, "stale", out[0].Outcome)

	// the stale packet is on the trail, so the next run links to it
	res, out = o.process("json", o.bundle("5", 1, "0.4"))
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	require.Len(t, out, 1)
	assert.Equal(t, "committed", out[0].Outcome)
	assert.Equal(t, uint64(2), out[0].Version)

	res = run(t, nil, "--config", o.config, "--format", "json", "replay")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	var rep replay.Report
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &rep))
	assert.Equal(t, 3, rep.Entries)
	assert.Equal(t, 1, rep.Stale)
	assert.Equal(t, uint64(3), rep.PacketSeq)
}

func TestOperatorLifecycle(t *testing.T) {
	o := newOperator(t)

	res, out := o.process("json", o.bundle("10", 0, "0.4"), o.bundle("5", 1, "0.4"))
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	require.Len(t, out, 2)
	assert.Equal(t, "committed", out[0].Outcome)
	assert.Equal(t, uint64(2), out[1].Version)

	// a separate run resumes from the stored trail
	res, out = o.process("json", o.bundle("5", 2, "5"))
	require.Equal(t, errcodes.GateActionCost.ExitCode(), res.code, res.stderr)
	require.Len(t, out, 1)
	assert.Equal(t, "halted", out[0].Outcome)
	assert.Equal(t, errcodes.GateActionCost.String(), out[0].Code)
	seal := out[0].Seal

	next := o.bundle("7", 2, "0.4")
	res, out = o.process("json", next)
	assert.Equal(t, errcodes.Halted.ExitCode(), res.code)
	require.Len(t, out, 1)
	assert.Equal(t, "refused", out[0].Outcome)

	res = run(t, nil, "--config", o.config, "reset", o.authorize(seal))
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, seal)

	// the refused packet was never consumed
	res, out = o.process("text", next)
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "#4 committed version=3")
	assert.Empty(t, out)

	res = run(t, nil, "--config", o.config, "--format", "json", "replay")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	var rep replay.Report
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &rep))
	assert.Equal(t, 5, rep.Entries)
	assert.Equal(t, 3, rep.Commits)
	assert.Equal(t, 1, rep.Halts)
	assert.Equal(t, 1, rep.Resets)
	assert.False(t, rep.Halted)
	assert.Equal(t, uint64(3), rep.FinalVersion)
	assert.Equal(t, uint64(4), rep.PacketSeq)

	res = run(t, nil, "--config", o.config, "replay")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Replay:        OK")

	res = run(t, nil, "--config", o.config, "--format", "json", "verify-seal", "--frames", o.frames)
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	var checks []sealCheck
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &checks))
	require.Len(t, checks, 4)
	kinds := make([]string, len(checks))
	for i, c := range checks {
		assert.True(t, c.Valid, c.Error)
		kinds[i] = string(c.Kind)
	}
	assert.Equal(t, []string{"sealed_bundle", "sealed_bundle", "halt_record", "sealed_bundle"}, kinds)
}

func TestResetRejectsForeignAuthority(t *testing.T) {
	o := newOperator(t)
	res, out := o.process("json", o.bundle("5", 0, "5"))
	require.Equal(t, errcodes.GateActionCost.ExitCode(), res.code, res.stderr)
	require.Len(t, out, 1)

	o.authority = signer(t, 4, "authority-1")
	res = run(t, nil, "--config", o.config, "reset", o.authorize(out[0].Seal))
	assert.Equal(t, ExitFailure, res.code)
	assert.Contains(t, res.stderr, "reset refused")
}

func TestProcessRejectsMalformedPacket(t *testing.T) {
	o := newOperator(t)
	res, _ := o.process("json", `{"packet": {"protocol_version": 1}, "proposal": {}, "guidance": "0"}`+"\n")
	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.stderr, "decode packet")
}

func TestVerifySealDocument(t *testing.T) {
	clearEnv(t)
	t.Setenv("CERTLEDGER_SIGNER_SEED", seed(2))
	dir := t.TempDir()

	sb, err := audit.NewBinder(signer(t, 2, "certledger-seal")).Seal(audit.Binding{
		SchemaVersion: audit.BindingSchema,
		LogHash:       strings.Repeat("a", 64),
		StateRoot:     strings.Repeat("b", 64),
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	write := func(name string, v any) string {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o600))
		return path
	}

	res := run(t, nil, "verify-seal", write("good.json", sb))
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "corr-1 OK")

	sb.Binding.StateRoot = strings.Repeat("c", 64)
	res = run(t, nil, "verify-seal", write("bad.json", sb))
	assert.Equal(t, ExitFailure, res.code)
	assert.Contains(t, res.stdout, "FAIL")

	res = run(t, nil, "verify-seal", filepath.Join(dir, "missing.json"))
	assert.Equal(t, ExitCommandError, res.code)
}
