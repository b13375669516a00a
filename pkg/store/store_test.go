package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/certledger/pkg/audit"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
)

func sqliteDB(t *testing.T) (*SQLTrail, *SQLStateStore) {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	trail := NewSQLTrail(db)
	require.NoError(t, trail.Init(ctx))
	states := NewSQLStateStore(db)
	require.NoError(t, states.Init(ctx))
	return trail, states
}

func testState() contracts.TokenState {
	return contracts.NewState(contracts.Balances{
		Principal: fixedpoint.MustParse("1000"),
		FlowRate:  fixedpoint.MustParse("12.5"),
	}, contracts.DefaultConstants(), fixedpoint.MustParse("1000"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	assert.Error(t, err)
}

func TestSQLTrail_AppendFromGenesis(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	payload := map[string]string{"root": "abc"}
	want, err := audit.NewEntry(audit.GenesisHash, 0, audit.EntryCommit, "corr-1", 42, payload)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, entry_hash FROM audit_trail").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}))
	mock.ExpectExec("INSERT INTO audit_trail").
		WithArgs(int64(1), audit.TrailSchema, "commit", "corr-1", int64(42),
			string(want.Payload), want.PayloadHash, audit.GenesisHash, want.EntryHash).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, err := NewSQLTrail(db).Append(context.Background(), audit.EntryCommit, "corr-1", 42, payload)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLTrail_AppendChainsOnHead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, entry_hash FROM audit_trail").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}).AddRow(int64(7), "head-hash"))
	mock.ExpectExec("INSERT INTO audit_trail").
		WithArgs(int64(8), sqlmock.AnyArg(), "halt", "corr-8", int64(9), sqlmock.AnyArg(), sqlmock.AnyArg(), "head-hash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(8, 1))
	mock.ExpectCommit()

	e, err := NewSQLTrail(db).Append(context.Background(), audit.EntryHalt, "corr-8", 9, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), e.Sequence)
	assert.Equal(t, "head-hash", e.PreviousHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLTrail_InsertFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, entry_hash FROM audit_trail").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}))
	mock.ExpectExec("INSERT INTO audit_trail").WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	_, err = NewSQLTrail(db).Append(context.Background(), audit.EntryCommit, "c", 1, map[string]string{})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStateStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := testState()
	s.Version = 3
	mock.ExpectExec("INSERT INTO token_states").
		WithArgs(int64(3), "root-3", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(3, 1))

	require.NoError(t, NewSQLStateStore(db).SaveState(context.Background(), s, "root-3"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_TrailRoundTrip(t *testing.T) {
	trail, _ := sqliteDB(t)
	ctx := context.Background()

	hash, seq, err := trail.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, audit.GenesisHash, hash)
	assert.Zero(t, seq)

	for i, kind := range []audit.EntryKind{audit.EntryCommit, audit.EntryHalt, audit.EntryReset} {
		_, err := trail.Append(ctx, kind, "corr", int64(i), map[string]any{"i": i, "kind": string(kind)})
		require.NoError(t, err)
	}

	entries, err := trail.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NoError(t, audit.VerifyChain(entries))

	var body struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, entries[1].Decode(&body))
	assert.Equal(t, "halt", body.Kind)

	hash, seq, err = trail.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries[2].EntryHash, hash)
	assert.Equal(t, uint64(3), seq)
}

func TestSQLite_StateRoundTrip(t *testing.T) {
	_, states := sqliteDB(t)
	ctx := context.Background()

	_, _, err := states.Latest(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	s := testState()
	for v := uint64(0); v < 3; v++ {
		s.Version = v
		root, err := s.Root()
		require.NoError(t, err)
		require.NoError(t, states.SaveState(ctx, s, root))
	}

	got, root, err := states.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
	assert.Equal(t, "12.5", got.Balances.FlowRate.String())
	want, err := s.Root()
	require.NoError(t, err)
	assert.Equal(t, want, root)

	assert.Error(t, states.SaveState(ctx, s, root), "versions are write-once")
}

func TestSQLite_LatestDetectsTamperedRoot(t *testing.T) {
	_, states := sqliteDB(t)
	ctx := context.Background()
	require.NoError(t, states.SaveState(ctx, testState(), "not-the-root"))

	_, _, err := states.Latest(ctx)
	assert.ErrorContains(t, err, "root mismatch")
}
