// Package oplog provides the append-only operation log owned by one bundle.
//
// A Context records every certified arithmetic step of a single transaction.
// Entries are never mutated or reordered once appended, and the log hash is
// the SHA-256 of the RFC 8785 canonical form of the entry sequence. A Context
// is not safe for concurrent use; each bundle owns exactly one.
package oplog

import (
	"errors"
	"fmt"
	"maps"

	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
)

// SchemaVersion tags the canonical hash payload.
const SchemaVersion = "oplog/v1"

// ErrFrozen is returned when appending to a frozen context.
var ErrFrozen = errors.New("oplog: context is frozen")

// Entry is one logged arithmetic step.
type Entry struct {
	Seq           uint64             `json:"seq"`
	Op            string             `json:"op"`
	Inputs        []fixedpoint.Value `json:"inputs"`
	Output        fixedpoint.Value   `json:"output"`
	CorrelationID string             `json:"correlation_id"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
	Timestamp     int64              `json:"ts"`
}

// Pending is an entry that has been computed but not yet sequenced.
type Pending struct {
	Op       string
	Inputs   []fixedpoint.Value
	Output   fixedpoint.Value
	Metadata map[string]string
}

// Context is the log of one bundle.
type Context struct {
	correlationID string
	timestamp     int64
	entries       []Entry
	frozen        bool
}

// New creates an empty log context. timestamp is the bundle's trusted
// timestamp (unix milliseconds) and is stamped on every entry.
func New(correlationID string, timestamp int64) *Context {
	return &Context{
		correlationID: correlationID,
		timestamp:     timestamp,
		entries:       make([]Entry, 0, 32),
	}
}

// CorrelationID returns the identifier stamped on every entry.
func (c *Context) CorrelationID() string { return c.correlationID }

// Timestamp returns the deterministic timestamp of the context.
func (c *Context) Timestamp() int64 { return c.timestamp }

// Len returns the number of entries.
func (c *Context) Len() int { return len(c.entries) }

// Append records a completed operation and returns the sequenced entry.
func (c *Context) Append(op string, inputs []fixedpoint.Value, output fixedpoint.Value, metadata map[string]string) (Entry, error) {
	if c.frozen {
		return Entry{}, ErrFrozen
	}
	if err := canonicalize.CheckStrings(metadata); err != nil {
		return Entry{}, fmt.Errorf("oplog: %s metadata: %w", op, err)
	}
	e := c.sequence(Pending{Op: op, Inputs: inputs, Output: output, Metadata: metadata})
	c.entries = append(c.entries, e)
	return e, nil
}

// AppendAll records several completed operations as one unit. Either every
// entry is appended or none is.
func (c *Context) AppendAll(pending []Pending) ([]Entry, error) {
	if c.frozen {
		return nil, ErrFrozen
	}
	for _, p := range pending {
		if err := canonicalize.CheckStrings(p.Metadata); err != nil {
			return nil, fmt.Errorf("oplog: %s metadata: %w", p.Op, err)
		}
	}
	out := make([]Entry, 0, len(pending))
	for _, p := range pending {
		e := c.sequence(p)
		c.entries = append(c.entries, e)
		out = append(out, e)
	}
	return out, nil
}

func (c *Context) sequence(p Pending) Entry {
	inputs := make([]fixedpoint.Value, len(p.Inputs))
	copy(inputs, p.Inputs)
	var md map[string]string
	if len(p.Metadata) > 0 {
		md = maps.Clone(p.Metadata)
	}
	return Entry{
		Seq:           uint64(len(c.entries)),
		Op:            p.Op,
		Inputs:        inputs,
		Output:        p.Output,
		CorrelationID: c.correlationID,
		Metadata:      md,
		Timestamp:     c.timestamp,
	}
}

// Freeze prevents further appends. It is called once the bundle hash has
// been taken so that a retained context cannot drift from its hash.
func (c *Context) Freeze() { c.frozen = true }

// Frozen reports whether Freeze has been called.
func (c *Context) Frozen() bool { return c.frozen }

// Entries returns a copy of the log.
func (c *Context) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// ComputeLogHash returns the canonical hash of the full entry sequence.
func (c *Context) ComputeLogHash() (string, error) {
	return HashEntries(c.entries)
}

// HashEntries hashes an entry sequence. Independent implementations must
// produce the same digest for the same sequence.
func HashEntries(entries []Entry) (string, error) {
	if entries == nil {
		entries = []Entry{}
	}
	payload := struct {
		Schema  string  `json:"schema"`
		Entries []Entry `json:"entries"`
	}{
		Schema:  SchemaVersion,
		Entries: entries,
	}
	h, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return "", fmt.Errorf("oplog: hash entries: %w", err)
	}
	return h, nil
}

// Verify checks that entries are well formed for the given correlation id:
// dense zero-based sequence numbers and a single correlation id.
func Verify(entries []Entry, correlationID string) error {
	for i, e := range entries {
		if e.Seq != uint64(i) {
			return fmt.Errorf("oplog: entry %d has sequence %d", i, e.Seq)
		}
		if e.CorrelationID != correlationID {
			return fmt.Errorf("oplog: entry %d correlation id %q, want %q", i, e.CorrelationID, correlationID)
		}
	}
	return nil
}
