package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
)

type record struct {
	CorrelationID string `json:"correlation_id"`
	Root          string `json:"root"`
}

func TestFileStore_PutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	data := []byte(`{"a":1}`)
	h1, err := s.Put(ctx, data)
	require.NoError(t, err)
	h2, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, canonicalize.HashBytes(data), h1)

	got, err := s.Get(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, h1)
	require.NoError(t, err)
	assert.True(t, ok)

	matches, err := filepath.Glob(filepath.Join(s.baseDir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "no temp files left behind")
}

func TestFileStore_Lookups(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	missing := strings.Repeat("0", 64)
	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, bad := range []string{"", "abc", strings.Repeat("z", 64), "../" + strings.Repeat("0", 61)} {
		_, err = s.Get(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidHash, bad)
		_, err = s.Exists(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidHash, bad)
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	in := record{CorrelationID: "corr-1", Root: "abc"}
	hash, err := Export(ctx, s, in)
	require.NoError(t, err)
	want, err := canonicalize.CanonicalHash(in)
	require.NoError(t, err)
	assert.Equal(t, want, hash)

	var out record
	require.NoError(t, Import(ctx, s, hash, &out))
	assert.Equal(t, in, out)

	// rewrite the blob behind the store's back
	require.NoError(t, os.WriteFile(s.path(hash), []byte(`{"correlation_id":"corr-2","root":"abc"}`), 0o600))
	assert.ErrorIs(t, Import(ctx, s, hash, &out), ErrHashMismatch)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, s)

	dir := t.TempDir()
	s, err = New(ctx, Config{Type: TypeFS, Dir: dir})
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, dir, fs.baseDir)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"fs without dir", Config{Type: TypeFS}},
		{"s3 without bucket", Config{Type: TypeS3}},
		{"gcs without bucket", Config{Type: TypeGCS}},
		{"unknown", Config{Type: "tape"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(ctx, tc.cfg)
			assert.Error(t, err)
		})
	}
}
