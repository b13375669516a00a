// Package archive exports sealed bundles and halt records to
// content-addressed storage. Objects are keyed by the hex SHA-256 of their
// canonical bytes and are never overwritten or deleted.
package archive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
)

var (
	ErrNotFound     = errors.New("archive: object not found")
	ErrHashMismatch = errors.New("archive: content does not match its hash")
	ErrInvalidHash  = errors.New("archive: invalid content hash")
)

// Store is a content-addressed blob store.
type Store interface {
	// Put persists data and returns its content hash. Putting the same
	// bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

func validateHash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

func objectKey(prefix, hash string) string {
	return prefix + hash + ".json"
}

// Export canonicalizes v, stores it and returns the content hash.
func Export(ctx context.Context, s Store, v any) (string, error) {
	data, err := canonicalize.JCS(v)
	if err != nil {
		return "", fmt.Errorf("archive: canonicalize: %w", err)
	}
	return s.Put(ctx, data)
}

// Import fetches hash, checks the content against it and decodes it into v.
func Import(ctx context.Context, s Store, hash string, v any) error {
	data, err := s.Get(ctx, hash)
	if err != nil {
		return err
	}
	if canonicalize.HashBytes(data) != hash {
		return fmt.Errorf("%w: %s", ErrHashMismatch, hash)
	}
	return json.Unmarshal(data, v)
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: archive directory is shared with readers
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(hash string) string {
	return filepath.Join(s.baseDir, objectKey("", hash))
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp, err := os.CreateTemp(s.baseDir, hash+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("archive: create temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("archive: close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	if err := validateHash(hash); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return data, err
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	if err := validateHash(hash); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(hash))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
