package packet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const labelCorrelation = "certledger/correlation-id"

var correlationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:certledger:correlation"))

// DeriveSeed expands the packet's entropy seed into n bytes for label. The
// previous hash salts the expansion so a replayed seed on another chain
// position yields different material.
func DeriveSeed(p Packet, label string, n int) ([]byte, error) {
	seed, err := hex.DecodeString(p.EntropySeed)
	if err != nil || len(seed) == 0 {
		return nil, fmt.Errorf("packet: entropy seed is not hex")
	}
	out := make([]byte, n)
	r := hkdf.New(sha256.New, seed, []byte(p.PreviousHash), []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("packet: derive %s: %w", label, err)
	}
	return out, nil
}

// CorrelationID is the name-based UUID that ties a bundle's log, binding and
// halt record to its packet.
func CorrelationID(p Packet) (string, error) {
	b, err := DeriveSeed(p, labelCorrelation, 32)
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(correlationNamespace, b).String(), nil
}
