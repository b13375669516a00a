package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/certledger/pkg/commit"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
)

// SQLStateStore keeps every committed token state keyed by version.
type SQLStateStore struct {
	db *sql.DB
}

func NewSQLStateStore(db *sql.DB) *SQLStateStore {
	return &SQLStateStore{db: db}
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS token_states (
	version BIGINT PRIMARY KEY,
	root TEXT NOT NULL,
	state TEXT NOT NULL
);
`

func (s *SQLStateStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, stateSchema)
	return err
}

// SaveState implements commit.StateStore. Versions are write-once.
func (s *SQLStateStore) SaveState(ctx context.Context, state contracts.TokenState, root string) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: encode state: %w", err)
	}
	query := `INSERT INTO token_states (version, root, state) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, int64(state.Version), root, string(raw)); err != nil {
		return fmt.Errorf("store: save state %d: %w", state.Version, err)
	}
	return nil
}

// Latest returns the highest committed state and its recorded root. The
// root is recomputed and compared so a tampered row is not resumed from.
func (s *SQLStateStore) Latest(ctx context.Context) (contracts.TokenState, string, error) {
	query := `SELECT root, state FROM token_states ORDER BY version DESC LIMIT 1`
	var root, raw string
	if err := s.db.QueryRowContext(ctx, query).Scan(&root, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.TokenState{}, "", ErrNotFound
		}
		return contracts.TokenState{}, "", err
	}
	var state contracts.TokenState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return contracts.TokenState{}, "", fmt.Errorf("store: decode state: %w", err)
	}
	computed, err := state.Root()
	if err != nil {
		return contracts.TokenState{}, "", err
	}
	if computed != root {
		return contracts.TokenState{}, "", fmt.Errorf("store: state %d root mismatch (stored %s, computed %s)", state.Version, root, computed)
	}
	return state, root, nil
}

var _ commit.StateStore = (*SQLStateStore)(nil)
