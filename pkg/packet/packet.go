// Package packet verifies the deterministic input envelopes that supply the
// engine's only notion of time and entropy. Packets form a hash chain; a
// packet that breaks the chain, fails its signature or speaks an unsupported
// protocol version is rejected before any processing.
package packet

import (
	"fmt"

	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/certledger/pkg/crypto"
)

// GenesisHash is the previous hash of the first packet.
const GenesisHash = "genesis"

// Packet is one deterministic input envelope.
type Packet struct {
	ProtocolVersion  string            `json:"protocol_version"`
	TrustedTimestamp int64             `json:"trusted_timestamp"`
	SequenceNumber   uint64            `json:"sequence_number"`
	EntropySeed      string            `json:"entropy_seed"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	PreviousHash     string            `json:"previous_hash"`
	KeyID            string            `json:"key_id"`
	Signature        string            `json:"signature"`
}

// unsigned is the signed view of a packet.
type unsigned struct {
	ProtocolVersion  string            `json:"protocol_version"`
	TrustedTimestamp int64             `json:"trusted_timestamp"`
	SequenceNumber   uint64            `json:"sequence_number"`
	EntropySeed      string            `json:"entropy_seed"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	PreviousHash     string            `json:"previous_hash"`
	KeyID            string            `json:"key_id"`
}

// SigningPayload returns the canonical bytes covered by the signature: every
// field except the signature itself.
func (p Packet) SigningPayload() ([]byte, error) {
	return canonicalize.JCS(unsigned{
		ProtocolVersion:  p.ProtocolVersion,
		TrustedTimestamp: p.TrustedTimestamp,
		SequenceNumber:   p.SequenceNumber,
		EntropySeed:      p.EntropySeed,
		Metadata:         p.Metadata,
		PreviousHash:     p.PreviousHash,
		KeyID:            p.KeyID,
	})
}

// PayloadHash returns the hash of SigningPayload.
func (p Packet) PayloadHash() (string, error) {
	b, err := p.SigningPayload()
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(b), nil
}

// Hash returns the chain hash of the full packet, signature included. The
// next packet carries it as PreviousHash.
func (p Packet) Hash() (string, error) {
	h, err := canonicalize.CanonicalHash(p)
	if err != nil {
		return "", fmt.Errorf("packet: hash: %w", err)
	}
	return h, nil
}

// Sign fills KeyID and Signature using signer over the canonical payload.
func Sign(p Packet, signer crypto.Signer) (Packet, error) {
	p.KeyID = signer.KeyID()
	payload, err := p.SigningPayload()
	if err != nil {
		return Packet{}, err
	}
	if p.Signature, err = signer.Sign(payload); err != nil {
		return Packet{}, fmt.Errorf("packet: sign: %w", err)
	}
	return p, nil
}
