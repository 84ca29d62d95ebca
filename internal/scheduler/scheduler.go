// Package scheduler drives tiering runs: it sweeps the catalog, asks the
// policy engine what should move, and applies approved moves against the
// tier store and catalog. It is the concurrency and failure-handling core
// of the system.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tiered/internal/blob"
	"tiered/internal/catalog"
	"tiered/internal/metrics"
	"tiered/internal/policy"
	"tiered/internal/tier"
	"tiered/internal/tracker"
)

// ErrVerificationFailed indicates a post-copy integrity check mismatch; the
// destination copy is rolled back and the file stays in its original tier.
var ErrVerificationFailed = errors.New("scheduler: copy verification failed")

// Failure kinds reported per file in a run report.
const (
	KindConflict     = "conflict"
	KindVerification = "verification_failed"
	KindStorage      = "storage_unavailable"
	KindNotFound     = "not_found"
)

const reasonExplicitPromote = "explicit-promote"

// Failure records why a single file's move did not happen.
type Failure struct {
	FileID string
	Kind   string
	Err    error
}

// Report summarizes one tiering run. Failures are per-file; a run keeps
// going past individual failures and only aborts when the catalog itself
// cannot be swept.
type Report struct {
	Evaluated int
	Moved     int
	Skipped   int
	Failures  []Failure
	Decisions []policy.Decision
	Duration  time.Duration
}

// Config holds the scheduler's tuning knobs.
type Config struct {
	// Policy holds the decision thresholds. Zero value means defaults.
	Policy policy.Config

	// MoveConcurrency bounds how many file moves run in parallel during a
	// sweep. Zero means a small default.
	MoveConcurrency int
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used for policy evaluation.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler orchestrates tiering runs over the catalog and tier store.
type Scheduler struct {
	cat   *catalog.Catalog
	store blob.Store
	trk   *tracker.Tracker
	cfg   Config
	now   func() time.Time
}

// New creates a Scheduler.
func New(cat *catalog.Catalog, store blob.Store, trk *tracker.Tracker, cfg Config, opts ...Option) *Scheduler {
	if cfg.MoveConcurrency <= 0 {
		cfg.MoveConcurrency = 4
	}
	if cfg.Policy == (policy.Config{}) {
		cfg.Policy = policy.DefaultConfig()
	}

	s := &Scheduler{
		cat:   cat,
		store: store,
		trk:   trk,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce performs a single tiering run: evaluate every record, apply the
// resulting moves with bounded parallelism, and aggregate per-file outcomes.
//
// No lock is held across the sweep; each file's move is guarded by the
// catalog's tier-version CAS, so a concurrent run or user operation on the
// same file makes one side lose cleanly ("skipped, conflict") instead of
// double-moving. Cancelling ctx stops dispatching new moves; in-flight
// moves finish or roll back on their own, and the partial report is
// returned along with the context error.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	now := s.now()

	var (
		mu  sync.Mutex
		rep Report
	)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MoveConcurrency)

	sweepErr := s.cat.List(ctx, func(rec catalog.FileRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		mu.Lock()
		rep.Evaluated++
		mu.Unlock()

		d, ok, err := s.evaluate(ctx, rec, now)
		if err != nil {
			s.recordFailure(&mu, &rep, rec.ID, err)
			return nil
		}
		if !ok {
			return nil
		}

		g.Go(func() error {
			s.process(ctx, rec, d, now, &mu, &rep)
			return nil
		})
		return nil
	})

	// Per-file workers never return errors; Wait only synchronizes.
	_ = g.Wait()

	rep.Duration = time.Since(start)
	metrics.TieringRuns.Inc()
	metrics.RunDuration.Observe(rep.Duration.Seconds())

	if sweepErr != nil {
		if errors.Is(sweepErr, context.Canceled) || errors.Is(sweepErr, context.DeadlineExceeded) {
			return rep, sweepErr
		}
		return rep, fmt.Errorf("catalog sweep: %w", sweepErr)
	}
	return rep, nil
}

// evaluate computes the policy decision for one record. The frequency
// signal is only queried when promotion is even possible for the record's
// tier, saving an event-log query per HOT file.
func (s *Scheduler) evaluate(ctx context.Context, rec catalog.FileRecord, now time.Time) (policy.Decision, bool, error) {
	var frequency int64
	if rec.Tier != tier.Hot {
		var err error
		frequency, err = s.trk.FrequencySince(ctx, rec.ID, s.cfg.Policy.PromoteWindow, now)
		if err != nil {
			return policy.Decision{}, false, fmt.Errorf("frequency signal: %w", err)
		}
	}

	d, ok := policy.Decide(rec, frequency, now, s.cfg.Policy)
	return d, ok, nil
}

// process applies a decision for one file and, for demotions, re-evaluates
// the moved record so a file far past the COLD idle threshold settles in
// COLD within a single run, one adjacent step at a time. Promotions stop
// after one step; climbing back to HOT takes one run per tier.
func (s *Scheduler) process(ctx context.Context, rec catalog.FileRecord, d policy.Decision, now time.Time, mu *sync.Mutex, rep *Report) {
	for {
		if err := s.applyMove(ctx, rec, d); err != nil {
			if errors.Is(err, catalog.ErrConflict) {
				mu.Lock()
				rep.Skipped++
				mu.Unlock()
				slog.Debug("Tier move skipped, conflict", "file", rec.ID, "from", d.From, "to", d.To)
				return
			}
			s.recordFailure(mu, rep, rec.ID, err)
			return
		}

		mu.Lock()
		rep.Moved++
		rep.Decisions = append(rep.Decisions, d)
		mu.Unlock()
		metrics.FilesMoved.WithLabelValues(d.From.String(), d.To.String()).Inc()
		slog.Info("Moved file between tiers", "file", rec.ID, "from", d.From, "to", d.To, "reason", d.Reason)

		if d.Reason == policy.ReasonFreqPromote {
			return
		}

		fresh, err := s.cat.Get(ctx, rec.ID)
		if err != nil {
			// Deleted while we were moving it; nothing left to do.
			if !errors.Is(err, catalog.ErrNotFound) {
				s.recordFailure(mu, rep, rec.ID, err)
			}
			return
		}

		next, ok, err := s.evaluate(ctx, fresh, now)
		if err != nil {
			s.recordFailure(mu, rep, rec.ID, err)
			return
		}
		if !ok || next.Reason == policy.ReasonFreqPromote {
			return
		}
		rec, d = fresh, next
	}
}

// applyMove executes the scoped move transaction for one file:
// copy to destination tier, verify, commit the catalog tier change, then
// delete the source copy. Any failure before the catalog commit rolls back
// the destination copy, so the move is all-or-nothing from the catalog's
// point of view and a concurrent download can keep streaming the source
// blob until the commit.
func (s *Scheduler) applyMove(ctx context.Context, rec catalog.FileRecord, d policy.Decision) error {
	if err := s.store.Copy(ctx, d.From, d.To, rec.ID); err != nil {
		return fmt.Errorf("copy to %s: %w", d.To, err)
	}

	sum, size, err := s.store.Checksum(ctx, d.To, rec.ID)
	if err != nil {
		s.rollbackCopy(ctx, d.To, rec.ID)
		return fmt.Errorf("verify copy in %s: %w", d.To, err)
	}
	if sum != rec.Checksum || size != rec.Size {
		s.rollbackCopy(ctx, d.To, rec.ID)
		return fmt.Errorf("%w: %s: digest %s size %d, expected digest %s size %d",
			ErrVerificationFailed, rec.ID, sum, size, rec.Checksum, rec.Size)
	}

	if err := s.cat.UpdateTier(ctx, rec.ID, d.To, rec.TierVersion); err != nil {
		s.rollbackCopy(ctx, d.To, rec.ID)
		return err
	}

	// The catalog is committed; the move happened. A failed source delete
	// leaves a garbage blob, not an inconsistent file.
	if err := s.store.Delete(ctx, d.From, rec.ID); err != nil && !errors.Is(err, blob.ErrNotFound) {
		slog.Warn("Orphaned source payload after move", "file", rec.ID, "tier", d.From, "err", err)
	}
	return nil
}

func (s *Scheduler) rollbackCopy(ctx context.Context, t tier.Tier, id string) {
	if err := s.store.Delete(ctx, t, id); err != nil && !errors.Is(err, blob.ErrNotFound) {
		slog.Warn("Failed to roll back destination copy", "file", id, "tier", t, "err", err)
	}
}

func (s *Scheduler) recordFailure(mu *sync.Mutex, rep *Report, id string, err error) {
	kind := failureKind(err)

	mu.Lock()
	rep.Failures = append(rep.Failures, Failure{FileID: id, Kind: kind, Err: err})
	mu.Unlock()

	metrics.MoveFailures.WithLabelValues(kind).Inc()
	slog.Error("Tier move failed", "file", id, "kind", kind, "err", err)
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrVerificationFailed):
		return KindVerification
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return KindNotFound
	case errors.Is(err, catalog.ErrConflict):
		return KindConflict
	default:
		return KindStorage
	}
}

// Promote moves a file one tier toward HOT on behalf of an explicit user
// request, using the same move transaction as a scheduled decision. A file
// already in HOT is left untouched.
func (s *Scheduler) Promote(ctx context.Context, id string) (catalog.FileRecord, error) {
	rec, err := s.cat.Get(ctx, id)
	if err != nil {
		return catalog.FileRecord{}, err
	}
	if rec.Tier == tier.Hot {
		return rec, nil
	}

	d := policy.Decision{
		FileID: id,
		From:   rec.Tier,
		To:     rec.Tier.Warmer(),
		Reason: reasonExplicitPromote,
	}
	if err := s.applyMove(ctx, rec, d); err != nil {
		return catalog.FileRecord{}, err
	}

	metrics.FilesMoved.WithLabelValues(d.From.String(), d.To.String()).Inc()
	slog.Info("Moved file between tiers", "file", id, "from", d.From, "to", d.To, "reason", d.Reason)
	return s.cat.Get(ctx, id)
}

// Run executes tiering runs on a fixed interval until ctx is cancelled,
// compacting the access event log after each run. Intended to be launched
// from an errgroup alongside the HTTP listener.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rep, err := s.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("Tiering run failed", "err", err)
				continue
			}
			slog.Info("Tiering run finished",
				"evaluated", rep.Evaluated,
				"moved", rep.Moved,
				"skipped", rep.Skipped,
				"failures", len(rep.Failures),
				"duration", rep.Duration,
			)

			// Events are only consulted inside the promotion lookback
			// window; keep double that and drop the rest.
			cutoff := s.now().Add(-2 * s.cfg.Policy.PromoteWindow)
			if removed, err := s.trk.Compact(ctx, cutoff); err != nil {
				slog.Error("Access event compaction failed", "err", err)
			} else if removed > 0 {
				slog.Debug("Compacted access events", "removed", removed)
			}
		}
	}
}
