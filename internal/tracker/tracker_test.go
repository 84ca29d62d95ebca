package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tiered/internal/catalog"
	"tiered/internal/tier"
)

func newTestTracker(t *testing.T) (*Tracker, *catalog.Catalog) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "metadata.sqlite")
	cat, err := catalog.Open(context.Background(), dbPath)
	require.NoError(t, err, "Open error")
	t.Cleanup(func() { _ = cat.Close() })

	return New(cat), cat
}

func createFile(t *testing.T, cat *catalog.Catalog, id string, at time.Time) {
	t.Helper()

	require.NoError(t, cat.Create(context.Background(), catalog.FileRecord{
		ID:           id,
		Name:         id,
		Size:         1 << 20,
		Tier:         tier.Hot,
		Checksum:     "00",
		CreatedAt:    at,
		LastAccessed: at,
	}), "Create error")
}

func TestFrequencyWindow(t *testing.T) {
	t.Parallel()

	trk, cat := newTestTracker(t)
	ctx := context.Background()
	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	createFile(t, cat, "f", base)

	// Three accesses inside a 24h window ending at base+24h, one before it.
	require.NoError(t, trk.Record(ctx, "f", catalog.AccessRead, base.Add(-time.Hour)), "Record error")
	for _, offset := range []time.Duration{time.Hour, 6 * time.Hour, 23 * time.Hour} {
		require.NoError(t, trk.Record(ctx, "f", catalog.AccessRead, base.Add(offset)), "Record error")
	}

	now := base.Add(24 * time.Hour)
	freq, err := trk.FrequencySince(ctx, "f", 24*time.Hour, now)
	require.NoError(t, err, "FrequencySince error")
	require.EqualValues(t, 3, freq, "only in-window events counted")

	// A new in-window event must raise the count.
	require.NoError(t, trk.Record(ctx, "f", catalog.AccessWrite, now), "Record error")
	freq, err = trk.FrequencySince(ctx, "f", 24*time.Hour, now)
	require.NoError(t, err, "FrequencySince error")
	require.EqualValues(t, 4, freq, "frequency responds to new events")
}

func TestWindowBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	trk, cat := newTestTracker(t)
	ctx := context.Background()
	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	createFile(t, cat, "f", base)
	require.NoError(t, trk.Record(ctx, "f", catalog.AccessRead, base), "Record error")

	// An event exactly at now-window is inside the window.
	freq, err := trk.FrequencySince(ctx, "f", time.Hour, base.Add(time.Hour))
	require.NoError(t, err, "FrequencySince error")
	require.EqualValues(t, 1, freq, "boundary event counts")
}

func TestCompactKeepsRecentEvents(t *testing.T) {
	t.Parallel()

	trk, cat := newTestTracker(t)
	ctx := context.Background()
	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	createFile(t, cat, "f", base)
	for i := 0; i < 4; i++ {
		require.NoError(t, trk.Record(ctx, "f", catalog.AccessRead, base.Add(time.Duration(i)*24*time.Hour)), "Record error")
	}

	removed, err := trk.Compact(ctx, base.Add(2*24*time.Hour))
	require.NoError(t, err, "Compact error")
	require.EqualValues(t, 2, removed, "old events compacted")

	now := base.Add(4 * 24 * time.Hour)
	freq, err := trk.FrequencySince(ctx, "f", 3*24*time.Hour, now)
	require.NoError(t, err, "FrequencySince error")
	require.EqualValues(t, 2, freq, "recent events survive compaction")
}
