// Package metrics exposes Prometheus instrumentation for the tiering
// engine. Collectors are registered on the default registry; cmd serves
// them via promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tiered/internal/catalog"
)

var (
	// TieringRuns counts completed tiering runs, including cancelled ones.
	TieringRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiered_tiering_runs_total",
		Help: "Number of tiering runs executed.",
	})

	// FilesMoved counts successful tier moves by direction.
	FilesMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiered_files_moved_total",
		Help: "Number of files moved between tiers.",
	}, []string{"from", "to"})

	// MoveFailures counts per-file move failures by kind.
	MoveFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiered_move_failures_total",
		Help: "Number of failed tier moves.",
	}, []string{"kind"})

	// RunDuration observes wall-clock duration of tiering runs.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tiered_tiering_run_duration_seconds",
		Help:    "Duration of tiering runs.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	// UploadedBytes counts payload bytes accepted by uploads.
	UploadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiered_uploaded_bytes_total",
		Help: "Payload bytes accepted by uploads.",
	})

	tierFiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tiered_tier_files",
		Help: "Current number of files per tier.",
	}, []string{"tier"})

	tierBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tiered_tier_bytes",
		Help: "Current payload bytes per tier.",
	}, []string{"tier"})
)

// ObserveStats refreshes the per-tier gauges from a catalog snapshot.
func ObserveStats(stats catalog.Stats) {
	for t, ts := range stats.Tiers {
		label := t.String()
		tierFiles.WithLabelValues(label).Set(float64(ts.Count))
		tierBytes.WithLabelValues(label).Set(float64(ts.TotalSize))
	}
}
