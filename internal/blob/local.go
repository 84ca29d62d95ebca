package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tiered/internal/tier"
)

// LocalStore is a Store implementation backed by the local filesystem. Each
// tier gets its own subdirectory under dataDir, and within a tier payloads
// are keyed by file id with the first two characters used as a subdirectory
// prefix to keep directories small.
type LocalStore struct {
	dataDir string
}

// NewLocalStore creates a LocalStore rooted at dataDir, creating the
// per-tier directories up front.
func NewLocalStore(dataDir string) (*LocalStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("dataDir must not be empty")
	}

	for _, t := range tier.All() {
		if err := os.MkdirAll(filepath.Join(dataDir, strings.ToLower(t.String())), 0o755); err != nil {
			return nil, fmt.Errorf("create tier dir: %w", err)
		}
	}
	return &LocalStore{dataDir: dataDir}, nil
}

func (s *LocalStore) payloadPath(t tier.Tier, id string) (string, error) {
	if len(id) < 2 {
		return "", fmt.Errorf("invalid id length: %d", len(id))
	}
	if !t.Valid() {
		return "", fmt.Errorf("invalid tier %d", int(t))
	}
	tierDir := filepath.Join(s.dataDir, strings.ToLower(t.String()))
	return filepath.Join(tierDir, id[:2], id), nil
}

// Put writes the payload to a temp file in the destination tier and renames
// it into place, so readers never observe a partially written blob.
func (s *LocalStore) Put(_ context.Context, t tier.Tier, id string, r io.Reader, size int64) error {
	path, err := s.payloadPath(t, id)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create payload dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "put-*")
	if err != nil {
		return fmt.Errorf("create temp payload: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	written, err := io.Copy(tmp, io.LimitReader(r, size+1))
	if err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if written != size {
		return fmt.Errorf("payload size mismatch: expected %d, wrote %d", size, written)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp payload: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename payload into place: %w", err)
	}
	return nil
}

func (s *LocalStore) Get(_ context.Context, t tier.Tier, id string) (io.ReadCloser, error) {
	path, err := s.payloadPath(t, id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, t, id)
	}
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return f, nil
}

// Copy makes the payload available in the destination tier. It first
// attempts a hard link, which is free and atomic on the same filesystem,
// and falls back to a streamed copy.
func (s *LocalStore) Copy(ctx context.Context, from tier.Tier, to tier.Tier, id string) error {
	srcPath, err := s.payloadPath(from, id)
	if err != nil {
		return err
	}
	destPath, err := s.payloadPath(to, id)
	if err != nil {
		return err
	}
	if srcPath == destPath {
		return nil
	}

	if _, err := os.Stat(srcPath); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, from, id)
	} else if err != nil {
		return fmt.Errorf("stat source payload: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create payload dir: %w", err)
	}

	// A leftover destination copy from an interrupted move is replaced.
	_ = os.Remove(destPath)

	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source payload: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source payload: %w", err)
	}
	return s.Put(ctx, to, id, src, info.Size())
}

func (s *LocalStore) Checksum(_ context.Context, t tier.Tier, id string) (string, int64, error) {
	path, err := s.payloadPath(t, id)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", 0, fmt.Errorf("%w: %s/%s", ErrNotFound, t, id)
	}
	if err != nil {
		return "", 0, fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash payload: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func (s *LocalStore) Delete(_ context.Context, t tier.Tier, id string) error {
	path, err := s.payloadPath(t, id)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, t, id)
	}
	if err != nil {
		return fmt.Errorf("delete payload: %w", err)
	}
	return nil
}
