// Package policy implements the tiering decision function. It is pure:
// given a file record, its recent access frequency, and the current time, it
// decides whether the file should move one tier and in which direction. It
// performs no I/O and holds no state, which keeps it trivially testable.
package policy

import (
	"time"

	"tiered/internal/catalog"
	"tiered/internal/tier"
)

// Config holds the thresholds the decision rules compare against.
type Config struct {
	// HotIdle is how long a HOT file may go unaccessed before demotion to
	// WARM.
	HotIdle time.Duration

	// ColdIdle is how long any file may go unaccessed before demotion all
	// the way down to COLD.
	ColdIdle time.Duration

	// PromoteThreshold is the minimum number of accesses within
	// PromoteWindow that qualifies a file for promotion one tier toward HOT.
	PromoteThreshold int64

	// PromoteWindow is the lookback window for the promotion frequency
	// signal.
	PromoteWindow time.Duration
}

// DefaultConfig returns the standard thresholds: 30 days idle for demotion
// out of HOT, 90 days idle for demotion to COLD, and promotion at 10
// accesses within a 24 hour window.
func DefaultConfig() Config {
	return Config{
		HotIdle:          30 * 24 * time.Hour,
		ColdIdle:         90 * 24 * time.Hour,
		PromoteThreshold: 10,
		PromoteWindow:    24 * time.Hour,
	}
}

// Decision reasons, stable strings used in logs and run reports.
const (
	ReasonIdleCold    = "idle-demote-cold"
	ReasonIdleWarm    = "idle-demote-warm"
	ReasonFreqPromote = "frequency-promote"
)

// Decision describes a single approved one-step tier move.
type Decision struct {
	FileID string
	From   tier.Tier
	To     tier.Tier
	Reason string
}

// Decide evaluates the record against the rules in strict precedence order
// and returns the resulting move, or ok=false when the file should stay put.
//
// Rule order matters: demotion for long idleness wins over any pending
// promotion, so a file idle past the COLD threshold demotes even if it had a
// frequency spike before going quiet. Every decision is a single adjacent
// step; a file past the COLD idle threshold keeps qualifying on
// re-evaluation until it settles in COLD, while promotion moves exactly one
// tier per run, so reaching HOT from COLD takes two runs and a single burst
// of accesses never causes a two-tier jump. All threshold comparisons treat
// exact boundary values as eligible.
func Decide(rec catalog.FileRecord, frequency int64, now time.Time, cfg Config) (Decision, bool) {
	idle := now.Sub(rec.LastAccessed)

	switch {
	case idle >= cfg.ColdIdle && rec.Tier != tier.Cold:
		return Decision{
			FileID: rec.ID,
			From:   rec.Tier,
			To:     rec.Tier.Colder(),
			Reason: ReasonIdleCold,
		}, true

	case idle >= cfg.HotIdle && rec.Tier == tier.Hot:
		return Decision{
			FileID: rec.ID,
			From:   tier.Hot,
			To:     tier.Warm,
			Reason: ReasonIdleWarm,
		}, true

	case frequency >= cfg.PromoteThreshold && rec.Tier != tier.Hot:
		return Decision{
			FileID: rec.ID,
			From:   rec.Tier,
			To:     rec.Tier.Warmer(),
			Reason: ReasonFreqPromote,
		}, true
	}

	return Decision{}, false
}
