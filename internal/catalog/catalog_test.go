package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tiered/internal/tier"
)

// newTestCatalog creates a Catalog backed by a temporary SQLite database.
func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "metadata.sqlite")
	cat, err := Open(context.Background(), dbPath)
	require.NoError(t, err, "Open error")
	t.Cleanup(func() { _ = cat.Close() })

	return cat
}

func testRecord(id string, at time.Time) FileRecord {
	return FileRecord{
		ID:           id,
		Name:         id + ".bin",
		Size:         2 << 20,
		Tier:         tier.Hot,
		Checksum:     "deadbeef",
		ContentType:  "application/octet-stream",
		CreatedAt:    at,
		LastAccessed: at,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rec := testRecord("file-1", now)
	require.NoError(t, cat.Create(ctx, rec), "Create error")

	got, err := cat.Get(ctx, "file-1")
	require.NoError(t, err, "Get error")
	require.Equal(t, rec.Name, got.Name, "name")
	require.Equal(t, rec.Size, got.Size, "size")
	require.Equal(t, tier.Hot, got.Tier, "tier")
	require.Equal(t, rec.Checksum, got.Checksum, "checksum")
	require.True(t, got.CreatedAt.Equal(now), "created_at")
	require.True(t, got.LastAccessed.Equal(now), "last_accessed")
	require.Zero(t, got.AccessCount, "access count starts at zero")
	require.Zero(t, got.TierVersion, "tier version starts at zero")
}

func TestCreateDuplicateID(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, cat.Create(ctx, testRecord("dup", now)), "first Create error")

	err := cat.Create(ctx, testRecord("dup", now))
	require.ErrorIs(t, err, ErrExists, "second Create must report ErrExists")
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)

	_, err := cat.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound, "Get of unknown id")
}

func TestRecordAccessUpdatesFieldsAtomically(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, cat.Create(ctx, testRecord("f", base)), "Create error")

	at := base.Add(2 * time.Hour)
	require.NoError(t, cat.RecordAccess(ctx, "f", AccessRead, at), "RecordAccess error")

	got, err := cat.Get(ctx, "f")
	require.NoError(t, err, "Get error")
	require.True(t, got.LastAccessed.Equal(at), "last_accessed advanced")
	require.EqualValues(t, 1, got.AccessCount, "access count bumped")

	count, err := cat.CountEventsSince(ctx, "f", base)
	require.NoError(t, err, "CountEventsSince error")
	require.EqualValues(t, 1, count, "event appended alongside the field update")
}

func TestRecordAccessLastAccessedMonotone(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, cat.Create(ctx, testRecord("f", base)), "Create error")
	require.NoError(t, cat.RecordAccess(ctx, "f", AccessRead, base.Add(time.Hour)), "first access")

	// An out-of-order event must not move last_accessed backwards, but it
	// still counts as an access.
	require.NoError(t, cat.RecordAccess(ctx, "f", AccessRead, base.Add(-time.Hour)), "stale access")

	got, err := cat.Get(ctx, "f")
	require.NoError(t, err, "Get error")
	require.True(t, got.LastAccessed.Equal(base.Add(time.Hour)), "last_accessed must not regress")
	require.EqualValues(t, 2, got.AccessCount, "both accesses counted")
}

func TestRecordAccessNotFound(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)

	err := cat.RecordAccess(context.Background(), "missing", AccessWrite, time.Now())
	require.ErrorIs(t, err, ErrNotFound, "RecordAccess of unknown id")
}

func TestUpdateTierCAS(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, cat.Create(ctx, testRecord("f", now)), "Create error")

	rec, err := cat.Get(ctx, "f")
	require.NoError(t, err, "Get error")

	require.NoError(t, cat.UpdateTier(ctx, "f", tier.Warm, rec.TierVersion), "first UpdateTier error")

	// A second update with the stale version must conflict.
	err = cat.UpdateTier(ctx, "f", tier.Cold, rec.TierVersion)
	require.ErrorIs(t, err, ErrConflict, "stale tier version must conflict")

	got, err := cat.Get(ctx, "f")
	require.NoError(t, err, "Get error")
	require.Equal(t, tier.Warm, got.Tier, "tier after lost race")
	require.EqualValues(t, rec.TierVersion+1, got.TierVersion, "tier version bumped once")

	// Retrying with the fresh version succeeds.
	require.NoError(t, cat.UpdateTier(ctx, "f", tier.Cold, got.TierVersion), "retry with fresh version")
}

func TestUpdateTierNotFound(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)

	err := cat.UpdateTier(context.Background(), "missing", tier.Warm, 0)
	require.ErrorIs(t, err, ErrNotFound, "UpdateTier of unknown id")
}

func TestDeleteRollsBackOnCleanupFailure(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, cat.Create(ctx, testRecord("f", now)), "Create error")

	err := cat.Delete(ctx, "f", func(rec FileRecord) error {
		require.Equal(t, "f", rec.ID, "cleanup sees the record being deleted")
		return context.DeadlineExceeded
	})
	require.Error(t, err, "Delete must surface cleanup failure")

	_, err = cat.Get(ctx, "f")
	require.NoError(t, err, "record must survive a failed cleanup")

	// With a succeeding cleanup the record goes away.
	require.NoError(t, cat.Delete(ctx, "f", func(FileRecord) error { return nil }), "Delete error")
	_, err = cat.Get(ctx, "f")
	require.ErrorIs(t, err, ErrNotFound, "record gone after delete")
}

func TestDeleteNotFound(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)

	err := cat.Delete(context.Background(), "missing", nil)
	require.ErrorIs(t, err, ErrNotFound, "Delete of unknown id")
}

func TestListSweepsEveryRecordInOrder(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const total = 600 // spans multiple keyset batches
	want := make(map[string]bool, total)
	for i := 0; i < total; i++ {
		id := formatID(i)
		require.NoError(t, cat.Create(ctx, testRecord(id, now)), "Create %s", id)
		want[id] = true
	}

	var seen []string
	err := cat.List(ctx, func(rec FileRecord) error {
		seen = append(seen, rec.ID)
		return nil
	})
	require.NoError(t, err, "List error")
	require.Len(t, seen, total, "every record visited exactly once")

	for _, id := range seen {
		require.True(t, want[id], "unexpected id %s", id)
		delete(want, id)
	}
	require.Empty(t, want, "no record skipped")
}

func TestListStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		require.NoError(t, cat.Create(ctx, testRecord(formatID(i), now)), "Create error")
	}

	calls := 0
	err := cat.List(ctx, func(FileRecord) error {
		calls++
		if calls == 3 {
			return context.Canceled
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled, "callback error propagates")
	require.Equal(t, 3, calls, "sweep stops at the failing callback")
}

func TestStats(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, tr tier.Tier, size int64) {
		rec := testRecord(id, now)
		rec.Tier = tr
		rec.Size = size
		require.NoError(t, cat.Create(ctx, rec), "Create %s", id)
	}

	mk("a", tier.Hot, 5<<20)
	mk("b", tier.Hot, 3<<20)
	mk("c", tier.Warm, 8<<20)

	stats, err := cat.Stats(ctx)
	require.NoError(t, err, "Stats error")

	require.EqualValues(t, 3, stats.TotalFiles, "total files")
	require.EqualValues(t, 16<<20, stats.TotalSize, "total size")
	require.EqualValues(t, 2, stats.Tiers[tier.Hot].Count, "hot count")
	require.EqualValues(t, 8<<20, stats.Tiers[tier.Hot].TotalSize, "hot size")
	require.EqualValues(t, 1, stats.Tiers[tier.Warm].Count, "warm count")
	require.EqualValues(t, 0, stats.Tiers[tier.Cold].Count, "cold tier present even when empty")
}

func TestDeleteEventsBefore(t *testing.T) {
	t.Parallel()

	cat := newTestCatalog(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, cat.Create(ctx, testRecord("f", base)), "Create error")
	for i := 0; i < 5; i++ {
		require.NoError(t, cat.RecordAccess(ctx, "f", AccessRead, base.Add(time.Duration(i)*time.Hour)), "RecordAccess error")
	}

	removed, err := cat.DeleteEventsBefore(ctx, base.Add(3*time.Hour))
	require.NoError(t, err, "DeleteEventsBefore error")
	require.EqualValues(t, 3, removed, "events older than the cutoff removed")

	count, err := cat.CountEventsSince(ctx, "f", base)
	require.NoError(t, err, "CountEventsSince error")
	require.EqualValues(t, 2, count, "recent events survive compaction")

	got, err := cat.Get(ctx, "f")
	require.NoError(t, err, "Get error")
	require.EqualValues(t, 5, got.AccessCount, "aggregate counter unaffected by compaction")
}

func formatID(i int) string {
	return fmt.Sprintf("file-%04d", i)
}
