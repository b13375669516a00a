package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/certledger/pkg/audit"
)

// SQLTrail implements audit.Trail on database/sql.
type SQLTrail struct {
	mu sync.Mutex
	db *sql.DB
}

func NewSQLTrail(db *sql.DB) *SQLTrail {
	return &SQLTrail{db: db}
}

const trailSchema = `
CREATE TABLE IF NOT EXISTS audit_trail (
	sequence BIGINT PRIMARY KEY,
	schema_version TEXT NOT NULL,
	kind TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	trusted_timestamp BIGINT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL UNIQUE
);
`

func (s *SQLTrail) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, trailSchema)
	return err
}

const headQuery = `SELECT sequence, entry_hash FROM audit_trail ORDER BY sequence DESC LIMIT 1`

func scanHead(row *sql.Row) (string, uint64, error) {
	var (
		seq  int64
		hash string
	)
	if err := row.Scan(&seq, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return audit.GenesisHash, 0, nil
		}
		return "", 0, err
	}
	return hash, uint64(seq), nil
}

// Append implements audit.Trail. The head read and the insert share one
// transaction; the sequence primary key rejects a concurrent writer.
func (s *SQLTrail) Append(ctx context.Context, kind audit.EntryKind, correlationID string, trustedTimestamp int64, payload any) (audit.TrailEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.TrailEntry{}, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prevHash, prevSeq, err := scanHead(tx.QueryRowContext(ctx, headQuery))
	if err != nil {
		return audit.TrailEntry{}, fmt.Errorf("store: read head: %w", err)
	}
	e, err := audit.NewEntry(prevHash, prevSeq, kind, correlationID, trustedTimestamp, payload)
	if err != nil {
		return audit.TrailEntry{}, err
	}

	query := `
		INSERT INTO audit_trail (sequence, schema_version, kind, correlation_id, trusted_timestamp, payload, payload_hash, previous_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := tx.ExecContext(ctx, query,
		int64(e.Sequence), e.SchemaVersion, string(e.Kind), e.CorrelationID, e.TrustedTimestamp,
		string(e.Payload), e.PayloadHash, e.PreviousHash, e.EntryHash,
	); err != nil {
		return audit.TrailEntry{}, fmt.Errorf("store: insert trail entry %d: %w", e.Sequence, err)
	}
	if err := tx.Commit(); err != nil {
		return audit.TrailEntry{}, fmt.Errorf("store: commit: %w", err)
	}
	return e, nil
}

// Entries implements audit.Trail.
func (s *SQLTrail) Entries(ctx context.Context) ([]audit.TrailEntry, error) {
	query := `
		SELECT sequence, schema_version, kind, correlation_id, trusted_timestamp, payload, payload_hash, previous_hash, entry_hash
		FROM audit_trail ORDER BY sequence ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]audit.TrailEntry, 0)
	for rows.Next() {
		var (
			e       audit.TrailEntry
			seq     int64
			kind    string
			payload string
		)
		if err := rows.Scan(&seq, &e.SchemaVersion, &kind, &e.CorrelationID, &e.TrustedTimestamp,
			&payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		e.Kind = audit.EntryKind(kind)
		e.Payload = []byte(payload)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Head implements audit.Trail.
func (s *SQLTrail) Head(ctx context.Context) (string, uint64, error) {
	return scanHead(s.db.QueryRowContext(ctx, headQuery))
}

var _ audit.Trail = (*SQLTrail)(nil)
