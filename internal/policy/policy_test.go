package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tiered/internal/catalog"
	"tiered/internal/tier"
)

var testNow = time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

func record(tr tier.Tier, idle time.Duration) catalog.FileRecord {
	return catalog.FileRecord{
		ID:           "f",
		Size:         5 << 20,
		Tier:         tr,
		LastAccessed: testNow.Add(-idle),
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func TestDecideTableDriven(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	tests := []struct {
		name       string
		tier       tier.Tier
		idle       time.Duration
		frequency  int64
		wantMove   bool
		wantTo     tier.Tier
		wantReason string
	}{
		{
			name:     "fresh hot file stays",
			tier:     tier.Hot,
			idle:     days(1),
			wantMove: false,
		},
		{
			name:       "hot idle 30 days demotes to warm",
			tier:       tier.Hot,
			idle:       days(30), // exact boundary is eligible
			wantMove:   true,
			wantTo:     tier.Warm,
			wantReason: ReasonIdleWarm,
		},
		{
			name:     "hot idle 29 days stays",
			tier:     tier.Hot,
			idle:     days(29),
			wantMove: false,
		},
		{
			name:       "hot idle 90 days demotes toward cold",
			tier:       tier.Hot,
			idle:       days(90),
			wantMove:   true,
			wantTo:     tier.Warm, // one adjacent step, re-evaluation continues the descent
			wantReason: ReasonIdleCold,
		},
		{
			name:       "warm idle 90 days demotes to cold",
			tier:       tier.Warm,
			idle:       days(90),
			wantMove:   true,
			wantTo:     tier.Cold,
			wantReason: ReasonIdleCold,
		},
		{
			name:     "warm idle 45 days stays",
			tier:     tier.Warm,
			idle:     days(45), // the 30 day rule only applies to HOT
			wantMove: false,
		},
		{
			name:     "cold idle 400 days stays",
			tier:     tier.Cold,
			idle:     days(400),
			wantMove: false,
		},
		{
			name:       "busy cold file promotes one tier only",
			tier:       tier.Cold,
			idle:       0,
			frequency:  cfg.PromoteThreshold,
			wantMove:   true,
			wantTo:     tier.Warm, // never COLD straight to HOT
			wantReason: ReasonFreqPromote,
		},
		{
			name:       "busy warm file promotes to hot",
			tier:       tier.Warm,
			idle:       0,
			frequency:  cfg.PromoteThreshold + 5,
			wantMove:   true,
			wantTo:     tier.Hot,
			wantReason: ReasonFreqPromote,
		},
		{
			name:      "busy hot file stays hot",
			tier:      tier.Hot,
			idle:      0,
			frequency: cfg.PromoteThreshold * 2,
			wantMove:  false,
		},
		{
			name:      "frequency below threshold stays",
			tier:      tier.Cold,
			idle:      0,
			frequency: cfg.PromoteThreshold - 1,
			wantMove:  false,
		},
		{
			name:       "demotion outranks promotion",
			tier:       tier.Warm,
			idle:       days(91),
			frequency:  cfg.PromoteThreshold * 10, // spike before going idle
			wantMove:   true,
			wantTo:     tier.Cold,
			wantReason: ReasonIdleCold,
		},
		{
			name:       "hot idle 31 days with stale spike demotes",
			tier:       tier.Hot,
			idle:       days(31),
			wantMove:   true,
			wantTo:     tier.Warm,
			wantReason: ReasonIdleWarm,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d, ok := Decide(record(tc.tier, tc.idle), tc.frequency, testNow, cfg)
			require.Equal(t, tc.wantMove, ok, "move decision")
			if !tc.wantMove {
				return
			}

			require.Equal(t, tc.tier, d.From, "from tier")
			require.Equal(t, tc.wantTo, d.To, "to tier")
			require.Equal(t, tc.wantReason, d.Reason, "reason")
			require.True(t, d.From.Adjacent(d.To), "decisions never skip a tier")
		})
	}
}

func TestDecideIsIdempotentOnSettledState(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	// Walk a 90-day idle HOT file down via repeated evaluation: it must
	// settle in COLD and then produce NoAction forever after.
	rec := record(tier.Hot, days(120))
	steps := 0
	for {
		d, ok := Decide(rec, 0, testNow, cfg)
		if !ok {
			break
		}
		require.True(t, d.From.Adjacent(d.To), "adjacent step")
		rec.Tier = d.To
		steps++
		require.LessOrEqual(t, steps, 2, "descent must terminate")
	}

	require.Equal(t, tier.Cold, rec.Tier, "settles in COLD")
	require.Equal(t, 2, steps, "HOT to COLD takes two adjacent steps")

	_, ok := Decide(rec, 0, testNow, cfg)
	require.False(t, ok, "settled state yields NoAction")
}
