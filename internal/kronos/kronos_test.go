package kronos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func TestClassify_Boundaries(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		ts   time.Time
		want Tier
	}{
		{"now", now, TierHot},
		{"future", now.Add(time.Minute), TierHot},
		{"exactly at hot cutoff", now.Add(-4 * time.Hour), TierHot},
		{"just past hot window", now.Add(-4*time.Hour - time.Second), TierWorking},
		{"two days", now.Add(-48 * time.Hour), TierWorking},
		{"just past working window", now.Add(-72*time.Hour - time.Second), TierLongterm},
		{"thirty days", now.Add(-30 * 24 * time.Hour), TierLongterm},
		{"exactly at longterm cutoff", now.Add(-90 * 24 * time.Hour), TierLongterm},
		{"just past longterm window", now.Add(-90*24*time.Hour - time.Second), TierArchive},
		{"ancient", time.Unix(0, 0), TierArchive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.ts, now, cfg))
		})
	}
}

func TestClassify_MonotonicInElapsedTime(t *testing.T) {
	cfg := DefaultConfig()
	rank := map[Tier]int{TierHot: 0, TierWorking: 1, TierLongterm: 2, TierArchive: 3}

	prev := rank[Classify(now, now, cfg)]
	for age := time.Duration(0); age <= 120*24*time.Hour; age += 37 * time.Minute {
		r := rank[Classify(now.Add(-age), now, cfg)]
		require.GreaterOrEqual(t, r, prev, "age %s", age)
		prev = r
	}
	assert.Equal(t, rank[TierArchive], prev)
}

func TestClassify_CustomWindows(t *testing.T) {
	cfg := Config{HotWindowHours: 1, WorkingWindowDays: 1, LongtermWindowDays: 7}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, TierWorking, Classify(now.Add(-2*time.Hour), now, cfg))
	assert.Equal(t, TierLongterm, Classify(now.Add(-2*24*time.Hour), now, cfg))
	assert.Equal(t, TierArchive, Classify(now.Add(-8*24*time.Hour), now, cfg))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := map[string]Config{
		"zero hot":              {HotWindowHours: 0, WorkingWindowDays: 3, LongtermWindowDays: 90},
		"negative working":      {HotWindowHours: 4, WorkingWindowDays: -1, LongtermWindowDays: 90},
		"zero longterm":         {HotWindowHours: 4, WorkingWindowDays: 3, LongtermWindowDays: 0},
		"hot wider than work":   {HotWindowHours: 100, WorkingWindowDays: 3, LongtermWindowDays: 90},
		"working wider than lt": {HotWindowHours: 4, WorkingWindowDays: 30, LongtermWindowDays: 7},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCutoffs_ClassifyMillisAndBounds(t *testing.T) {
	c := DefaultConfig().Cutoffs(now)

	assert.Equal(t, TierHot, c.ClassifyMillis(Millis(now)))
	assert.Equal(t, TierWorking, c.ClassifyMillis(Millis(now.Add(-5*time.Hour))))

	from, to, ok := c.Bounds(TierWorking)
	require.True(t, ok)
	assert.Equal(t, Millis(now.Add(-72*time.Hour)), from)
	assert.Equal(t, Millis(now.Add(-4*time.Hour)), to)

	_, _, ok = c.Bounds(Tier("unknown"))
	assert.False(t, ok)
}

func TestMillisRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1_741_953_600_123)
	assert.Equal(t, 1_741_953_600_123.0, Millis(ts))
	assert.True(t, FromMillis(Millis(ts)).Equal(ts))
}

func TestBreakdown(t *testing.T) {
	var b Breakdown
	b.Add(TierHot)
	b.Add(TierHot)
	b.Add(TierArchive)
	b.Add(Tier("bogus"))

	assert.Equal(t, Breakdown{Hot: 2, Archive: 1}, b)
	assert.Equal(t, 3, b.Total())
	assert.Equal(t, 2, b.Count(TierHot))
	assert.Equal(t, 0, b.Count(TierWorking))
	assert.Equal(t, 1, b.Count(TierArchive))
}

func TestQuotas_Slots(t *testing.T) {
	q := DefaultQuotas()
	require.NoError(t, q.Validate())

	slots := q.Slots(10)
	assert.Equal(t, 5, slots[TierHot])
	assert.Equal(t, 3, slots[TierWorking])
	assert.Equal(t, 2, slots[TierLongterm])
	assert.Equal(t, 0, slots[TierArchive])

	slots = q.Slots(3)
	assert.Equal(t, 3, slots[TierHot]+slots[TierWorking]+slots[TierLongterm])

	assert.Error(t, Quotas{Hot: 0.9, Working: 0.3}.Validate())
	assert.Error(t, Quotas{Hot: -0.1}.Validate())
}
