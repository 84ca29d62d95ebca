// Package tracker records file access events and derives the recency and
// frequency signals the tiering policy consumes. Events are append-only
// facts kept in the catalog's event log; old events can be compacted away
// without disturbing the aggregate counters on file records.
package tracker

import (
	"context"
	"time"

	"tiered/internal/catalog"
)

// Tracker derives access signals from the catalog's event log.
type Tracker struct {
	cat *catalog.Catalog
}

// New creates a Tracker over the given catalog.
func New(cat *catalog.Catalog) *Tracker {
	return &Tracker{cat: cat}
}

// Record registers a read or write of the file at the given instant. The
// event append and the update of the record's last-accessed/frequency fields
// happen in one catalog transaction, so the policy engine never sees one
// without the other.
func (t *Tracker) Record(ctx context.Context, id string, kind catalog.AccessKind, at time.Time) error {
	return t.cat.RecordAccess(ctx, id, kind, at)
}

// FrequencySince counts accesses of the file within the lookback window
// ending at now. The count is monotonically responsive to new events inside
// the window.
func (t *Tracker) FrequencySince(ctx context.Context, id string, window time.Duration, now time.Time) (int64, error) {
	return t.cat.CountEventsSince(ctx, id, now.Add(-window))
}

// Compact drops events older than before, bounding the event log's growth.
// Events still inside any policy lookback window should be retained by the
// caller choosing an appropriately old cutoff.
func (t *Tracker) Compact(ctx context.Context, before time.Time) (int64, error) {
	return t.cat.DeleteEventsBefore(ctx, before)
}
