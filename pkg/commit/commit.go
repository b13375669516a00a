// Package commit owns the live token state and applies accepted transitions
// to it as a single unit.
//
// A transition is applied in two phases. Prepare computes the complete
// post-state and its root with logged arithmetic and touches nothing shared.
// Commit then swaps that post-state in under the writer lock. There is no
// path that applies some deltas and not others.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/certledger/pkg/arith"
	"github.com/Mindburn-Labs/certledger/pkg/coherence"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
)

var (
	// ErrNotAccepted is returned when Prepare is given a rejected decision.
	ErrNotAccepted = errors.New("commit: gate decision is not accepted")
	// ErrStaleState is returned when the live state moved past the version a
	// transition was prepared against. The caller rebuilds the bundle.
	ErrStaleState = errors.New("commit: base state is no longer current")
)

// CodeOf maps a Prepare or Commit error to its table code.
func CodeOf(err error) errcodes.Code {
	var ae *arith.Error
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ae):
		return ae.Code
	case errors.Is(err, ErrNotAccepted):
		return errcodes.CommitNotAccepted
	default:
		return errcodes.CommitApplyFailed
	}
}

// StateStore persists committed states.
type StateStore interface {
	SaveState(ctx context.Context, state contracts.TokenState, root string) error
}

// Hook runs under the writer lock once a prepared transition is known to be
// current, before it is persisted. A hook error aborts the commit.
type Hook func(ctx context.Context, p *Prepared) error

// Prepared is a fully computed transition awaiting Commit.
type Prepared struct {
	BaseVersion uint64               `json:"base_version"`
	PreRoot     string               `json:"pre_root"`
	State       contracts.TokenState `json:"state"`
	Root        string               `json:"root"`
}

// Prepare computes the post-state of applying p to base. It requires an
// accepted gate decision and a proposal built against base.
func Prepare(eng *arith.Engine, decision coherence.Decision, p contracts.Proposal, base contracts.TokenState, trustedTimestamp int64) (*Prepared, error) {
	if !decision.Accepted() {
		return nil, fmt.Errorf("%w: state %s", ErrNotAccepted, decision.State)
	}
	if p.BaseVersion != base.Version {
		return nil, fmt.Errorf("%w: proposal built on version %d, state is at %d", ErrStaleState, p.BaseVersion, base.Version)
	}
	preRoot, err := base.Root()
	if err != nil {
		return nil, err
	}

	post := base
	e := eng.WithMetadata(map[string]string{"phase": "commit"})

	for _, a := range contracts.Assets {
		v, err := e.WithMetadata(map[string]string{"asset": string(a)}).Add(base.Balances.Get(a), p.Deltas.Get(a))
		if err != nil {
			return nil, fmt.Errorf("commit: apply %s: %w", a, err)
		}
		if post.Balances, err = post.Balances.With(a, v); err != nil {
			return nil, err
		}
	}

	iss := base.Issuance.Rolled(trustedTimestamp, base.Constants.EpochLengthDays)
	ie := e.WithMetadata(map[string]string{"issuance": "counters"})
	if iss.TotalSupply, err = ie.Add(iss.TotalSupply, p.Issuance); err != nil {
		return nil, fmt.Errorf("commit: total supply: %w", err)
	}
	if iss.DailyIssued, err = ie.Add(iss.DailyIssued, p.Issuance); err != nil {
		return nil, fmt.Errorf("commit: daily issued: %w", err)
	}
	if iss.EpochIssued, err = ie.Add(iss.EpochIssued, p.Issuance); err != nil {
		return nil, fmt.Errorf("commit: epoch issued: %w", err)
	}
	post.Issuance = iss

	for _, ch := range p.Governance {
		v, err := e.WithMetadata(map[string]string{"constant": ch.Name}).Observe("governance."+ch.Name, ch.Value)
		if err != nil {
			return nil, err
		}
		if post.Constants, err = post.Constants.With(ch.Name, v); err != nil {
			return nil, err
		}
	}
	if err := post.Constants.Validate(); err != nil {
		return nil, fmt.Errorf("commit: governed constants: %w", err)
	}

	post.SchemaVersion = contracts.SchemaVersion
	post.Version = base.Version + 1
	root, err := post.Root()
	if err != nil {
		return nil, err
	}
	return &Prepared{BaseVersion: base.Version, PreRoot: preRoot, State: post, Root: root}, nil
}

// Coordinator is the single writer of the live token state.
type Coordinator struct {
	mu     sync.Mutex
	state  contracts.TokenState
	store  StateStore
	logger *slog.Logger
}

// NewCoordinator starts from initial. store may be nil for an in-memory
// coordinator.
func NewCoordinator(initial contracts.TokenState, store StateStore) *Coordinator {
	return &Coordinator{
		state:  initial,
		store:  store,
		logger: slog.Default().With("component", "commit"),
	}
}

// WithLogger replaces the coordinator's logger.
func (c *Coordinator) WithLogger(l *slog.Logger) *Coordinator {
	c.logger = l
	return c
}

// Snapshot returns a copy of the live state. Values are immutable, so the
// copy shares nothing mutable with the coordinator.
func (c *Coordinator) Snapshot() contracts.TokenState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Commit swaps in a prepared state. Hooks run in order after the base check;
// the store is written after the hooks and the swap happens last.
func (c *Coordinator) Commit(ctx context.Context, p *Prepared, hooks ...Hook) error {
	if p == nil {
		return errors.New("commit: nil prepared transition")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Version != p.BaseVersion {
		return fmt.Errorf("%w: prepared on version %d, state is at %d", ErrStaleState, p.BaseVersion, c.state.Version)
	}
	root, err := c.state.Root()
	if err != nil {
		return err
	}
	if root != p.PreRoot {
		return fmt.Errorf("%w: pre-state root changed at version %d", ErrStaleState, p.BaseVersion)
	}

	for i, h := range hooks {
		if err := h(ctx, p); err != nil {
			return fmt.Errorf("commit: hook %d: %w", i, err)
		}
	}
	if c.store != nil {
		if err := c.store.SaveState(ctx, p.State, p.Root); err != nil {
			return fmt.Errorf("commit: persist state: %w", err)
		}
	}
	c.state = p.State
	c.logger.InfoContext(ctx, "state committed",
		"version", p.State.Version,
		"root", p.Root,
	)
	return nil
}
