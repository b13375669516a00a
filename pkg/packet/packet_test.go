package packet

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/certledger/pkg/crypto"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
)

const seedHex = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func source(t *testing.T) (*crypto.Ed25519Signer, *crypto.KeyRing) {
	t.Helper()
	s, err := crypto.NewEd25519SignerFromSeed(seedHex, "oracle-1")
	require.NoError(t, err)
	ring := crypto.NewKeyRing()
	require.NoError(t, ring.AddSigner(s))
	return s, ring
}

func unsignedPacket(prev string, seq uint64) Packet {
	return Packet{
		ProtocolVersion:  ProtocolVersion,
		TrustedTimestamp: 1_700_000_000_000 + int64(seq),
		SequenceNumber:   seq,
		EntropySeed:      strings.Repeat("ab", 32),
		Metadata:         map[string]string{"source": "test"},
		PreviousHash:     prev,
	}
}

func signed(t *testing.T, s crypto.Signer, prev string, seq uint64) Packet {
	t.Helper()
	p, err := Sign(unsignedPacket(prev, seq), s)
	require.NoError(t, err)
	return p
}

func newChain(t *testing.T, ring crypto.Verifier) *Chain {
	t.Helper()
	c, err := NewChain(Options{Verifier: NewKeyVerifier(ring)})
	require.NoError(t, err)
	return c
}

func TestAcceptAdvancesChain(t *testing.T) {
	s, ring := source(t)
	c := newChain(t, ring)

	head, seq := c.Head()
	assert.Equal(t, GenesisHash, head)
	assert.Zero(t, seq)

	p1 := signed(t, s, GenesisHash, 1)
	h1, err := c.Accept(p1)
	require.NoError(t, err)
	want, err := p1.Hash()
	require.NoError(t, err)
	assert.Equal(t, want, h1)

	p2 := signed(t, s, h1, 2)
	h2, err := c.Accept(p2)
	require.NoError(t, err)
	head, seq = c.Head()
	assert.Equal(t, h2, head)
	assert.Equal(t, uint64(2), seq)
}

func TestAcceptRejects(t *testing.T) {
	s, ring := source(t)
	other, err := crypto.NewEd25519Signer("rogue")
	require.NoError(t, err)

	tests := []struct {
		name   string
		packet func() Packet
		code   errcodes.Code
		target error
	}{
		{"major version", func() Packet {
			p := unsignedPacket(GenesisHash, 1)
			p.ProtocolVersion = "2.0.0"
			p, _ = Sign(p, s)
			return p
		}, errcodes.ProvProtocolVersion, ErrProtocolVersion},
		{"unparsable version", func() Packet {
			p := unsignedPacket(GenesisHash, 1)
			p.ProtocolVersion = "one"
			p, _ = Sign(p, s)
			return p
		}, errcodes.ProvProtocolVersion, ErrProtocolVersion},
		{"version checked before signature", func() Packet {
			p := unsignedPacket(GenesisHash, 1)
			p.ProtocolVersion = "0.9.0"
			p.Signature = "00"
			return p
		}, errcodes.ProvProtocolVersion, ErrProtocolVersion},
		{"unsigned", func() Packet { return unsignedPacket(GenesisHash, 1) }, errcodes.ProvSignatureInvalid, ErrSignature},
		{"tampered after signing", func() Packet {
			p := signed(t, s, GenesisHash, 1)
			p.TrustedTimestamp++
			return p
		}, errcodes.ProvSignatureInvalid, ErrSignature},
		{"untrusted key", func() Packet { return signed(t, other, GenesisHash, 1) }, errcodes.ProvSignatureInvalid, ErrSignature},
		{"signature checked before chain", func() Packet {
			p := signed(t, s, "elsewhere", 7)
			p.Metadata["source"] = "forged"
			return p
		}, errcodes.ProvSignatureInvalid, ErrSignature},
		{"wrong previous hash", func() Packet { return signed(t, s, "elsewhere", 1) }, errcodes.ProvChainMismatch, ErrChainMismatch},
		{"sequence gap", func() Packet { return signed(t, s, GenesisHash, 3) }, errcodes.ProvSequence, ErrSequence},
		{"sequence zero", func() Packet { return signed(t, s, GenesisHash, 0) }, errcodes.ProvSequence, ErrSequence},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newChain(t, ring)
			_, err := c.Accept(tc.packet())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.target)
			assert.Equal(t, tc.code, CodeOf(err))

			head, seq := c.Head()
			assert.Equal(t, GenesisHash, head, "rejection must not move the head")
			assert.Zero(t, seq)
		})
	}
}

func TestReplayedPacketIsRejected(t *testing.T) {
	s, ring := source(t)
	c := newChain(t, ring)

	p1 := signed(t, s, GenesisHash, 1)
	_, err := c.Accept(p1)
	require.NoError(t, err)

	_, err = c.Accept(p1)
	assert.Equal(t, errcodes.ProvChainMismatch, CodeOf(err))
}

func TestChainResumesFromHead(t *testing.T) {
	s, ring := source(t)
	c, err := NewChain(Options{Verifier: NewKeyVerifier(ring), Head: "abc", Sequence: 41})
	require.NoError(t, err)

	_, err = c.Accept(signed(t, s, "abc", 42))
	assert.NoError(t, err)
}

func TestVerifyIgnoresChainPosition(t *testing.T) {
	s, ring := source(t)
	c := newChain(t, ring)

	p := signed(t, s, "elsewhere", 9)
	require.NoError(t, c.Verify(p))
	head, seq := c.Head()
	assert.Equal(t, GenesisHash, head)
	assert.Zero(t, seq)

	p.TrustedTimestamp++
	assert.Equal(t, errcodes.ProvSignatureInvalid, CodeOf(c.Verify(p)))

	old := signed(t, s, GenesisHash, 1)
	old.ProtocolVersion = "0.9.0"
	assert.Equal(t, errcodes.ProvProtocolVersion, CodeOf(c.Verify(old)))
}

func TestNewChainValidatesOptions(t *testing.T) {
	_, err := NewChain(Options{})
	assert.Error(t, err)

	_, ring := source(t)
	_, err = NewChain(Options{Verifier: NewKeyVerifier(ring), VersionConstraint: "not a constraint"})
	assert.Error(t, err)
}

func TestSignatureIsOutsideSigningPayload(t *testing.T) {
	s, _ := source(t)
	p := signed(t, s, GenesisHash, 1)

	payload, err := p.SigningPayload()
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "signature")
	assert.Contains(t, string(payload), `"key_id":"oracle-1"`)

	h1, err := p.Hash()
	require.NoError(t, err)
	p.Signature = strings.Repeat("0", len(p.Signature))
	h2, err := p.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "chain hash covers the signature")
}

func TestJWSAttestation(t *testing.T) {
	s, _ := source(t)
	v := NewJWSVerifier()
	v.AddKey(s.KeyID(), s.PublicKeyBytes())

	c, err := NewChain(Options{Verifier: v})
	require.NoError(t, err)

	p, err := SignJWS(unsignedPacket(GenesisHash, 1), s.PrivateKey(), s.KeyID())
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(p.Signature, "."), "compact serialization")
	_, err = c.Accept(p)
	require.NoError(t, err)

	t.Run("token moved to another packet", func(t *testing.T) {
		q := unsignedPacket(GenesisHash, 1)
		q.KeyID = s.KeyID()
		q.EntropySeed = strings.Repeat("cd", 32)
		q.Signature = p.Signature
		err := v.VerifyPacket(q)
		assert.Equal(t, errcodes.ProvSignatureInvalid, CodeOf(err))
	})

	t.Run("unknown kid", func(t *testing.T) {
		rogue, err := crypto.NewEd25519Signer("rogue")
		require.NoError(t, err)
		q, err := SignJWS(unsignedPacket(GenesisHash, 1), rogue.PrivateKey(), rogue.KeyID())
		require.NoError(t, err)
		assert.ErrorIs(t, v.VerifyPacket(q), ErrSignature)
	})

	t.Run("packet key differs from token kid", func(t *testing.T) {
		q := p
		q.KeyID = "someone-else"
		assert.ErrorIs(t, v.VerifyPacket(q), ErrSignature)
	})
}

func TestAcceptJSON(t *testing.T) {
	s, ring := source(t)
	p := signed(t, s, GenesisHash, 1)
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	c := newChain(t, ring)
	got, h, err := c.AcceptJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	want, _ := p.Hash()
	assert.Equal(t, want, h)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	s, _ := source(t)
	valid, err := json.Marshal(signed(t, s, GenesisHash, 1))
	require.NoError(t, err)

	edit := func(fn func(m map[string]any)) []byte {
		var m map[string]any
		require.NoError(t, json.Unmarshal(valid, &m))
		fn(m)
		b, err := json.Marshal(m)
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name string
		raw  []byte
	}{
		{"not json", []byte("{")},
		{"trailing document", append(append([]byte{}, valid...), []byte(" {}")...)},
		{"unknown field", edit(func(m map[string]any) { m["priority"] = "high" })},
		{"missing signature", edit(func(m map[string]any) { delete(m, "signature") })},
		{"seed not hex", edit(func(m map[string]any) { m["entropy_seed"] = "xyz" })},
		{"seed too short", edit(func(m map[string]any) { m["entropy_seed"] = "abcd" })},
		{"sequence zero", edit(func(m map[string]any) { m["sequence_number"] = 0 })},
		{"fractional timestamp", edit(func(m map[string]any) { m["trusted_timestamp"] = 1.5 })},
		{"metadata not strings", edit(func(m map[string]any) { m["metadata"] = map[string]any{"n": 1} })},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Equal(t, errcodes.ProvMalformed, CodeOf(err))
		})
	}
}

func TestDecodeKeepsIntegerPrecision(t *testing.T) {
	s, _ := source(t)
	p := unsignedPacket(GenesisHash, 1)
	p.TrustedTimestamp = 9007199254740991
	p, err := Sign(p, s)
	require.NoError(t, err)
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestCorrelationID(t *testing.T) {
	p := unsignedPacket(GenesisHash, 1)
	a, err := CorrelationID(p)
	require.NoError(t, err)
	b, err := CorrelationID(p)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), id.Version())

	p.PreviousHash = "other"
	c, err := CorrelationID(p)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	p.EntropySeed = "not-hex"
	_, err = CorrelationID(p)
	assert.Error(t, err)
}

func TestDeriveSeedSeparatesLabels(t *testing.T) {
	p := unsignedPacket(GenesisHash, 1)
	x, err := DeriveSeed(p, "x", 16)
	require.NoError(t, err)
	y, err := DeriveSeed(p, "y", 16)
	require.NoError(t, err)
	assert.Len(t, x, 16)
	assert.NotEqual(t, x, y)
}
