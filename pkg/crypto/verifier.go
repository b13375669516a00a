package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// Verifier checks a hex signature produced by a known key.
type Verifier interface {
	VerifyHex(keyID string, message []byte, sigHex string) (bool, error)
}

// Ed25519Verifier implements Verifier for a single key.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
	KeyID     string
}

// NewEd25519Verifier creates a new verifier.
func NewEd25519Verifier(pubKeyBytes []byte, keyID string) (*Ed25519Verifier, error) {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pubKeyBytes))
	}
	return &Ed25519Verifier{PublicKey: ed25519.PublicKey(pubKeyBytes), KeyID: keyID}, nil
}

// NewEd25519VerifierFromHex parses a hex public key.
func NewEd25519VerifierFromHex(pubKeyHex, keyID string) (*Ed25519Verifier, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	return NewEd25519Verifier(raw, keyID)
}

func (v *Ed25519Verifier) Verify(message []byte, signature []byte) bool {
	return ed25519.Verify(v.PublicKey, message, signature)
}

func (v *Ed25519Verifier) VerifyHex(keyID string, message []byte, sigHex string) (bool, error) {
	if keyID != v.KeyID {
		return false, fmt.Errorf("unknown key: %s", keyID)
	}
	if sigHex == "" {
		return false, fmt.Errorf("missing signature")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return v.Verify(message, sig), nil
}

// KeyRing verifies against several keys to support rotation.
type KeyRing struct {
	mu        sync.RWMutex
	verifiers map[string]*Ed25519Verifier
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		verifiers: make(map[string]*Ed25519Verifier),
	}
}

// AddKey adds a verifier to the keyring under its KeyID.
func (k *KeyRing) AddKey(v *Ed25519Verifier) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.verifiers[v.KeyID] = v
}

// AddSigner registers the public half of a signer.
func (k *KeyRing) AddSigner(s Signer) error {
	v, err := NewEd25519Verifier(s.PublicKeyBytes(), s.KeyID())
	if err != nil {
		return err
	}
	k.AddKey(v)
	return nil
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.verifiers, keyID)
}

// KeyIDs returns the registered key IDs in sorted order.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.verifiers))
	for id := range k.verifiers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// VerifyHex implements Verifier.
func (k *KeyRing) VerifyHex(keyID string, message []byte, sigHex string) (bool, error) {
	k.mu.RLock()
	v, exists := k.verifiers[keyID]
	k.mu.RUnlock()
	if !exists {
		return false, fmt.Errorf("unknown key: %s", keyID)
	}
	return v.VerifyHex(keyID, message, sigHex)
}
