// Package service is the application layer: it owns file lifecycle
// operations (upload, download, delete) and coordinates the catalog, the
// tier store, the access tracker, and the scheduler on behalf of the HTTP
// API.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"tiered/internal/blob"
	"tiered/internal/catalog"
	"tiered/internal/metrics"
	"tiered/internal/scheduler"
	"tiered/internal/tier"
	"tiered/internal/tracker"
)

// ErrInvalidUpload marks upload requests rejected on input validation.
var ErrInvalidUpload = errors.New("invalid upload")

// ErrSizeOutOfRange is returned when an upload's size falls outside the
// configured bounds. Nothing is stored for such uploads.
var ErrSizeOutOfRange = fmt.Errorf("%w: size out of range", ErrInvalidUpload)

// Default file size bounds.
const (
	DefaultMinFileSize = 1 << 20  // 1 MiB
	DefaultMaxFileSize = 10 << 30 // 10 GiB
)

// Config holds the service's tunable limits.
type Config struct {
	// MinFileSize and MaxFileSize bound accepted upload sizes, inclusive.
	// Zero means the defaults.
	MinFileSize int64
	MaxFileSize int64
}

// Service coordinates the catalog, tier store, tracker, and scheduler.
type Service struct {
	cat   *catalog.Catalog
	store blob.Store
	trk   *tracker.Tracker
	sched *scheduler.Scheduler
	cfg   Config
	now   func() time.Time
}

// New creates a Service.
func New(cat *catalog.Catalog, store blob.Store, trk *tracker.Tracker, sched *scheduler.Scheduler, cfg Config) *Service {
	if cfg.MinFileSize <= 0 {
		cfg.MinFileSize = DefaultMinFileSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}

	return &Service{
		cat:   cat,
		store: store,
		trk:   trk,
		sched: sched,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Upload stores a new file. Sizes outside the configured bounds are
// rejected before anything is stored. The payload always lands in the HOT
// tier; the checksum is computed in the same pass that writes the payload,
// and the upload itself counts as a write access.
func (s *Service) Upload(ctx context.Context, name string, contentType string, r io.Reader, size int64) (catalog.FileRecord, error) {
	if name == "" {
		return catalog.FileRecord{}, fmt.Errorf("%w: file name must not be empty", ErrInvalidUpload)
	}
	if size < s.cfg.MinFileSize || size > s.cfg.MaxFileSize {
		return catalog.FileRecord{}, fmt.Errorf("%w: %d bytes not in [%d, %d]",
			ErrSizeOutOfRange, size, s.cfg.MinFileSize, s.cfg.MaxFileSize)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := uuid.NewString()
	now := s.now().UTC()

	h := sha256.New()
	if err := s.store.Put(ctx, tier.Hot, id, io.TeeReader(r, h), size); err != nil {
		return catalog.FileRecord{}, fmt.Errorf("store payload: %w", err)
	}

	rec := catalog.FileRecord{
		ID:           id,
		Name:         name,
		Size:         size,
		Tier:         tier.Hot,
		Checksum:     hex.EncodeToString(h.Sum(nil)),
		ContentType:  contentType,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if err := s.cat.Create(ctx, rec); err != nil {
		// Orphan cleanup: the record never existed, so the payload must not either.
		if delErr := s.store.Delete(ctx, tier.Hot, id); delErr != nil && !errors.Is(delErr, blob.ErrNotFound) {
			return catalog.FileRecord{}, errors.Join(err, delErr)
		}
		return catalog.FileRecord{}, err
	}

	if err := s.trk.Record(ctx, id, catalog.AccessWrite, now); err != nil {
		return catalog.FileRecord{}, fmt.Errorf("record upload access: %w", err)
	}

	metrics.UploadedBytes.Add(float64(size))
	return s.cat.Get(ctx, id)
}

// Get returns a file's metadata without counting as an access.
func (s *Service) Get(ctx context.Context, id string) (catalog.FileRecord, error) {
	return s.cat.Get(ctx, id)
}

// Download opens the file's payload for streaming and records a read
// access. The caller owns closing the returned reader.
//
// A tiering run can commit a move between our catalog read and the payload
// open; when that narrow race loses, the record is re-read once and the
// open retried against the file's new tier.
func (s *Service) Download(ctx context.Context, id string) (catalog.FileRecord, io.ReadCloser, error) {
	rec, err := s.cat.Get(ctx, id)
	if err != nil {
		return catalog.FileRecord{}, nil, err
	}

	rc, err := s.store.Get(ctx, rec.Tier, rec.ID)
	if errors.Is(err, blob.ErrNotFound) {
		rec, err = s.cat.Get(ctx, id)
		if err != nil {
			return catalog.FileRecord{}, nil, err
		}
		rc, err = s.store.Get(ctx, rec.Tier, rec.ID)
	}
	if err != nil {
		return catalog.FileRecord{}, nil, fmt.Errorf("open payload: %w", err)
	}

	if err := s.trk.Record(ctx, id, catalog.AccessRead, s.now().UTC()); err != nil {
		_ = rc.Close()
		return catalog.FileRecord{}, nil, fmt.Errorf("record read access: %w", err)
	}
	return rec, rc, nil
}

// List returns all files, optionally restricted to one tier, ordered by id.
func (s *Service) List(ctx context.Context, only *tier.Tier) ([]catalog.FileRecord, error) {
	recs := make([]catalog.FileRecord, 0)
	err := s.cat.List(ctx, func(rec catalog.FileRecord) error {
		if only != nil && rec.Tier != *only {
			return nil
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Delete removes the file's record and payload together: if the payload
// cannot be deleted the record stays, so the catalog never points at
// nothing and a half-deleted file never lingers.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.cat.Delete(ctx, id, func(rec catalog.FileRecord) error {
		err := s.store.Delete(ctx, rec.Tier, rec.ID)
		if errors.Is(err, blob.ErrNotFound) {
			return nil
		}
		return err
	})
}

// Stats reports per-tier file counts and byte totals, refreshing the
// exported gauges as a side effect.
func (s *Service) Stats(ctx context.Context) (catalog.Stats, error) {
	stats, err := s.cat.Stats(ctx)
	if err != nil {
		return catalog.Stats{}, err
	}
	metrics.ObserveStats(stats)
	return stats, nil
}

// RunTiering triggers a tiering run immediately and returns its report.
func (s *Service) RunTiering(ctx context.Context) (scheduler.Report, error) {
	return s.sched.RunOnce(ctx)
}

// Promote moves a file one tier toward HOT on explicit request.
func (s *Service) Promote(ctx context.Context, id string) (catalog.FileRecord, error) {
	return s.sched.Promote(ctx, id)
}

// SetLastAccessed backdates a file's last-accessed timestamp. This is an
// administrative escape hatch for aging files; it deliberately bypasses the
// forward-only clamp that normal access recording enforces.
func (s *Service) SetLastAccessed(ctx context.Context, id string, at time.Time) (catalog.FileRecord, error) {
	if err := s.cat.SetLastAccessed(ctx, id, at.UTC()); err != nil {
		return catalog.FileRecord{}, err
	}
	return s.cat.Get(ctx, id)
}
