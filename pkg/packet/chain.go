package packet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
)

const (
	// ProtocolVersion is the version this build emits.
	ProtocolVersion = "1.0.0"
	// DefaultVersionConstraint accepts any 1.x packet.
	DefaultVersionConstraint = "^1.0.0"
)

// Options configure a Chain. A zero Head starts from genesis.
type Options struct {
	VersionConstraint string
	Verifier          SignatureVerifier
	Head              string
	Sequence          uint64
}

// Chain is the packet hash chain as seen by one engine.
type Chain struct {
	mu         sync.Mutex
	constraint *semver.Constraints
	verifier   SignatureVerifier
	head       string
	seq        uint64
}

func NewChain(opts Options) (*Chain, error) {
	if opts.Verifier == nil {
		return nil, errors.New("packet: chain requires a signature verifier")
	}
	if opts.VersionConstraint == "" {
		opts.VersionConstraint = DefaultVersionConstraint
	}
	constraint, err := semver.NewConstraint(opts.VersionConstraint)
	if err != nil {
		return nil, fmt.Errorf("packet: version constraint %q: %w", opts.VersionConstraint, err)
	}
	if opts.Head == "" {
		opts.Head = GenesisHash
	}
	return &Chain{constraint: constraint, verifier: opts.Verifier, head: opts.Head, seq: opts.Sequence}, nil
}

// Head returns the hash and sequence number of the last accepted packet.
func (c *Chain) Head() (string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, c.seq
}

// Accept verifies p against the head and advances the chain. Checks run in a
// fixed order: protocol version, signature, previous hash, sequence. It
// returns the new head hash.
func (c *Chain) Accept(p Packet) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.verify(p); err != nil {
		return "", err
	}
	if p.PreviousHash != c.head {
		return "", reject(errcodes.ProvChainMismatch, ErrChainMismatch, "got %s, head is %s", p.PreviousHash, c.head)
	}
	if p.SequenceNumber != c.seq+1 {
		return "", reject(errcodes.ProvSequence, ErrSequence, "got %d, want %d", p.SequenceNumber, c.seq+1)
	}
	h, err := p.Hash()
	if err != nil {
		return "", reject(errcodes.ProvMalformed, ErrMalformed, "%v", err)
	}
	c.head, c.seq = h, p.SequenceNumber
	return h, nil
}

// AcceptJSON decodes raw through the packet schema and accepts it.
func (c *Chain) AcceptJSON(raw []byte) (Packet, string, error) {
	p, err := Decode(raw)
	if err != nil {
		return Packet{}, "", err
	}
	h, err := c.Accept(p)
	if err != nil {
		return Packet{}, "", err
	}
	return p, h, nil
}

// Verify checks the protocol version and signature of p without looking at
// the chain position.
func (c *Chain) Verify(p Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verify(p)
}

func (c *Chain) verify(p Packet) error {
	if err := c.checkVersion(p.ProtocolVersion); err != nil {
		return err
	}
	if p.Signature == "" {
		return reject(errcodes.ProvSignatureInvalid, ErrSignature, "packet is unsigned")
	}
	return c.verifier.VerifyPacket(p)
}

func (c *Chain) checkVersion(raw string) error {
	v, err := semver.NewVersion(raw)
	if err != nil {
		return reject(errcodes.ProvProtocolVersion, ErrProtocolVersion, "%q: %v", raw, err)
	}
	if !c.constraint.Check(v) {
		return reject(errcodes.ProvProtocolVersion, ErrProtocolVersion, "%s does not satisfy %s", v, c.constraint)
	}
	return nil
}
