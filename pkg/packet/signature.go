package packet

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/certledger/pkg/crypto"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
)

// SignatureVerifier checks a packet's signature against its signing payload.
type SignatureVerifier interface {
	VerifyPacket(p Packet) error
}

// KeyVerifier verifies raw hex Ed25519 signatures through a crypto.Verifier,
// usually a crypto.KeyRing of trusted packet sources.
type KeyVerifier struct {
	keys crypto.Verifier
}

func NewKeyVerifier(keys crypto.Verifier) *KeyVerifier {
	return &KeyVerifier{keys: keys}
}

func (v *KeyVerifier) VerifyPacket(p Packet) error {
	payload, err := p.SigningPayload()
	if err != nil {
		return reject(errcodes.ProvMalformed, ErrMalformed, "%v", err)
	}
	ok, err := v.keys.VerifyHex(p.KeyID, payload, p.Signature)
	if err != nil {
		return reject(errcodes.ProvSignatureInvalid, ErrSignature, "key %q: %v", p.KeyID, err)
	}
	if !ok {
		return reject(errcodes.ProvSignatureInvalid, ErrSignature, "key %q", p.KeyID)
	}
	return nil
}

// attestationClaims bind a compact JWS to one packet payload.
type attestationClaims struct {
	PayloadHash string `json:"ph"`
	Sequence    uint64 `json:"seq"`
	jwt.RegisteredClaims
}

// SignJWS signs p as an EdDSA compact JWS whose "ph" claim is the packet's
// payload hash. The token becomes the packet signature.
func SignJWS(p Packet, priv ed25519.PrivateKey, keyID string) (Packet, error) {
	p.KeyID = keyID
	ph, err := p.PayloadHash()
	if err != nil {
		return Packet{}, err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, attestationClaims{
		PayloadHash:      ph,
		Sequence:         p.SequenceNumber,
		RegisteredClaims: jwt.RegisteredClaims{Subject: keyID},
	})
	token.Header["kid"] = keyID
	if p.Signature, err = token.SignedString(priv); err != nil {
		return Packet{}, fmt.Errorf("packet: sign jws: %w", err)
	}
	return p, nil
}

// JWSVerifier verifies packets attested with EdDSA compact JWS tokens.
type JWSVerifier struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewJWSVerifier() *JWSVerifier {
	return &JWSVerifier{keys: make(map[string]ed25519.PublicKey)}
}

// AddKey trusts pub under keyID.
func (v *JWSVerifier) AddKey(keyID string, pub ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[keyID] = pub
}

func (v *JWSVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)
	v.mu.RLock()
	defer v.mu.RUnlock()
	pub, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return pub, nil
}

func (v *JWSVerifier) VerifyPacket(p Packet) error {
	var claims attestationClaims
	token, err := jwt.ParseWithClaims(p.Signature, &claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return reject(errcodes.ProvSignatureInvalid, ErrSignature, "%v", err)
	}
	if kid, _ := token.Header["kid"].(string); kid != p.KeyID {
		return reject(errcodes.ProvSignatureInvalid, ErrSignature, "token key %q does not match packet key %q", kid, p.KeyID)
	}
	ph, err := p.PayloadHash()
	if err != nil {
		return reject(errcodes.ProvMalformed, ErrMalformed, "%v", err)
	}
	if claims.PayloadHash != ph || claims.Sequence != p.SequenceNumber {
		return reject(errcodes.ProvSignatureInvalid, ErrSignature, "attestation is bound to another payload")
	}
	return nil
}

var (
	_ SignatureVerifier = (*KeyVerifier)(nil)
	_ SignatureVerifier = (*JWSVerifier)(nil)
)
