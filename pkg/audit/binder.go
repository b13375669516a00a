// Package audit binds a completed bundle to its signature and keeps the
// hash-chained trail of every committed or halted bundle.
package audit

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/certledger/pkg/crypto"
	"github.com/Mindburn-Labs/certledger/pkg/oplog"
)

// BindingSchema tags the signed payload layout.
const BindingSchema = "binding/v1"

var (
	// ErrNoSigner is returned when sealing is attempted without a signer.
	// There is no unsigned fallback: the bundle halts instead.
	ErrNoSigner = errors.New("audit: no signer configured")
	// ErrSealInvalid is returned when a seal does not verify.
	ErrSealInvalid = errors.New("audit: seal verification failed")
)

// Binding is the signed statement about one bundle.
type Binding struct {
	SchemaVersion string            `json:"schema_version"`
	LogHash       string            `json:"log_hash"`
	StateRoot     string            `json:"state_root"`
	CorrelationID string            `json:"correlation_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Payload returns the canonical bytes that are signed. Map insertion order
// has no effect on the result.
func (b Binding) Payload() ([]byte, error) {
	return canonicalize.JCS(b)
}

// Seal is the signature over a Binding payload.
type Seal struct {
	KeyID       string `json:"key_id"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	PayloadHash string `json:"payload_hash"`
	Signature   string `json:"signature"`
}

// SealedBundle is what the engine hands back for a committed bundle.
type SealedBundle struct {
	Binding Binding `json:"binding"`
	Seal    Seal    `json:"seal"`
}

// Binder seals bindings with an injected signer.
type Binder struct {
	signer crypto.Signer
}

// NewBinder returns a Binder. A nil signer is accepted; Seal then fails with
// ErrNoSigner.
func NewBinder(signer crypto.Signer) *Binder {
	return &Binder{signer: signer}
}

// Bind freezes log and builds the binding for it.
func (b *Binder) Bind(log *oplog.Context, stateRoot string, metadata map[string]string) (Binding, error) {
	if err := canonicalize.CheckString("correlation id", log.CorrelationID()); err != nil {
		return Binding{}, fmt.Errorf("audit: %w", err)
	}
	if err := canonicalize.CheckStrings(metadata); err != nil {
		return Binding{}, fmt.Errorf("audit: binding metadata: %w", err)
	}
	log.Freeze()
	logHash, err := log.ComputeLogHash()
	if err != nil {
		return Binding{}, fmt.Errorf("audit: log hash: %w", err)
	}
	return Binding{
		SchemaVersion: BindingSchema,
		LogHash:       logHash,
		StateRoot:     stateRoot,
		CorrelationID: log.CorrelationID(),
		Metadata:      metadata,
	}, nil
}

// Seal signs binding.
func (b *Binder) Seal(binding Binding) (SealedBundle, error) {
	if b.signer == nil {
		return SealedBundle{}, ErrNoSigner
	}
	payload, err := binding.Payload()
	if err != nil {
		return SealedBundle{}, fmt.Errorf("audit: binding payload: %w", err)
	}
	sig, err := b.signer.Sign(payload)
	if err != nil {
		return SealedBundle{}, fmt.Errorf("audit: sign: %w", err)
	}
	return SealedBundle{
		Binding: binding,
		Seal: Seal{
			KeyID:       b.signer.KeyID(),
			Algorithm:   b.signer.Algorithm(),
			PublicKey:   b.signer.PublicKey(),
			PayloadHash: canonicalize.HashBytes(payload),
			Signature:   sig,
		},
	}, nil
}

// VerifySeal recomputes the binding payload and checks the signature with v.
func VerifySeal(sb SealedBundle, v crypto.Verifier) error {
	payload, err := sb.Binding.Payload()
	if err != nil {
		return fmt.Errorf("audit: binding payload: %w", err)
	}
	if h := canonicalize.HashBytes(payload); h != sb.Seal.PayloadHash {
		return fmt.Errorf("%w: payload hash %s, sealed %s", ErrSealInvalid, h, sb.Seal.PayloadHash)
	}
	ok, err := v.VerifyHex(sb.Seal.KeyID, payload, sb.Seal.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSealInvalid, err)
	}
	if !ok {
		return ErrSealInvalid
	}
	return nil
}
