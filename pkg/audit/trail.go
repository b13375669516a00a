package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
)

// GenesisHash is the previous hash of the first trail entry.
const GenesisHash = "genesis"

// TrailSchema tags trail entries.
const TrailSchema = "trail/v1"

var (
	ErrChainBroken = errors.New("audit: hash chain is broken")
	ErrEmptyTrail  = errors.New("audit: trail is empty")
)

// EntryKind categorizes trail entries.
type EntryKind string

const (
	EntryCommit EntryKind = "commit"
	EntryHalt   EntryKind = "halt"
	EntryReset  EntryKind = "reset"
	EntryStale  EntryKind = "stale"
)

// TrailEntry is one immutable, hash-chained record.
type TrailEntry struct {
	SchemaVersion    string          `json:"schema_version"`
	Sequence         uint64          `json:"sequence"`
	Kind             EntryKind       `json:"kind"`
	CorrelationID    string          `json:"correlation_id"`
	TrustedTimestamp int64           `json:"trusted_timestamp"`
	Payload          json.RawMessage `json:"payload"`
	PayloadHash      string          `json:"payload_hash"`
	PreviousHash     string          `json:"previous_hash"`
	EntryHash        string          `json:"entry_hash"`
}

// Decode unmarshals the payload into v.
func (e TrailEntry) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Trail is an append-only audit trail. Implementations must assign sequence
// numbers and chain hashes with NewEntry so that VerifyChain holds.
type Trail interface {
	Append(ctx context.Context, kind EntryKind, correlationID string, trustedTimestamp int64, payload any) (TrailEntry, error)
	Entries(ctx context.Context) ([]TrailEntry, error)
	Head(ctx context.Context) (hash string, sequence uint64, err error)
}

// NewEntry builds the entry that follows (prevHash, prevSeq).
func NewEntry(prevHash string, prevSeq uint64, kind EntryKind, correlationID string, trustedTimestamp int64, payload any) (TrailEntry, error) {
	raw, err := canonicalize.JCS(payload)
	if err != nil {
		return TrailEntry{}, fmt.Errorf("audit: serialize payload: %w", err)
	}
	e := TrailEntry{
		SchemaVersion:    TrailSchema,
		Sequence:         prevSeq + 1,
		Kind:             kind,
		CorrelationID:    correlationID,
		TrustedTimestamp: trustedTimestamp,
		Payload:          raw,
		PayloadHash:      canonicalize.HashBytes(raw),
		PreviousHash:     prevHash,
	}
	if e.EntryHash, err = entryHash(e); err != nil {
		return TrailEntry{}, err
	}
	return e, nil
}

func entryHash(e TrailEntry) (string, error) {
	hashable := struct {
		SchemaVersion    string    `json:"schema_version"`
		Sequence         uint64    `json:"sequence"`
		Kind             EntryKind `json:"kind"`
		CorrelationID    string    `json:"correlation_id"`
		TrustedTimestamp int64     `json:"trusted_timestamp"`
		PayloadHash      string    `json:"payload_hash"`
		PreviousHash     string    `json:"previous_hash"`
	}{e.SchemaVersion, e.Sequence, e.Kind, e.CorrelationID, e.TrustedTimestamp, e.PayloadHash, e.PreviousHash}

	h, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: entry hash: %w", err)
	}
	return h, nil
}

// VerifyChain checks sequence numbers, payload hashes and hash links from
// genesis.
func VerifyChain(entries []TrailEntry) error {
	expectedPrev := GenesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i, e.Sequence)
		}
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		canon, err := canonicalize.Transform(e.Payload)
		if err != nil {
			return fmt.Errorf("%w: entry %d payload: %w", ErrChainBroken, i, err)
		}
		if h := canonicalize.HashBytes(canon); h != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

// EntryHandler is called after an entry is appended.
type EntryHandler func(entry TrailEntry)

// MemoryTrail is an in-process Trail.
type MemoryTrail struct {
	mu       sync.RWMutex
	entries  []TrailEntry
	head     string
	handlers []EntryHandler
}

// NewMemoryTrail returns an empty trail.
func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{head: GenesisHash}
}

// Append implements Trail.
func (t *MemoryTrail) Append(_ context.Context, kind EntryKind, correlationID string, trustedTimestamp int64, payload any) (TrailEntry, error) {
	t.mu.Lock()
	e, err := NewEntry(t.head, uint64(len(t.entries)), kind, correlationID, trustedTimestamp, payload)
	if err != nil {
		t.mu.Unlock()
		return TrailEntry{}, err
	}
	t.entries = append(t.entries, e)
	t.head = e.EntryHash
	handlers := t.handlers
	t.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
	return e, nil
}

// Entries implements Trail.
func (t *MemoryTrail) Entries(context.Context) ([]TrailEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TrailEntry, len(t.entries))
	copy(out, t.entries)
	return out, nil
}

// Head implements Trail.
func (t *MemoryTrail) Head(context.Context) (string, uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.head, uint64(len(t.entries)), nil
}

// AddHandler registers a handler for new entries.
func (t *MemoryTrail) AddHandler(h EntryHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}
