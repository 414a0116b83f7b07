// Package kronos classifies record ages into nested recency tiers.
//
// A record is hot when it is younger than the hot window, working when
// younger than the working window, longterm when younger than the longterm
// window and archive otherwise. Boundaries are inclusive on the younger side:
// a timestamp exactly at a cutoff belongs to the more recent tier.
package kronos

import (
	"fmt"
	"math"
	"time"
)

// Tier is a recency class.
type Tier string

// Tiers, from most to least recent.
const (
	TierHot      Tier = "hot"
	TierWorking  Tier = "working"
	TierLongterm Tier = "longterm"
	TierArchive  Tier = "archive"
)

// Tiers lists every tier in recency order.
var Tiers = []Tier{TierHot, TierWorking, TierLongterm, TierArchive}

// Config holds the window sizes. A Config is treated as immutable once it
// has been handed to a classifier or an actor.
type Config struct {
	HotWindowHours     int `yaml:"hot_window_hours"`
	WorkingWindowDays  int `yaml:"working_window_days"`
	LongtermWindowDays int `yaml:"longterm_window_days"`
}

// DefaultConfig returns 4 hours / 3 days / 90 days.
func DefaultConfig() Config {
	return Config{
		HotWindowHours:     4,
		WorkingWindowDays:  3,
		LongtermWindowDays: 90,
	}
}

// Validate checks that every window is positive and that the windows nest.
func (c Config) Validate() error {
	if c.HotWindowHours <= 0 {
		return fmt.Errorf("hot_window_hours must be positive, got %d", c.HotWindowHours)
	}
	if c.WorkingWindowDays <= 0 {
		return fmt.Errorf("working_window_days must be positive, got %d", c.WorkingWindowDays)
	}
	if c.LongtermWindowDays <= 0 {
		return fmt.Errorf("longterm_window_days must be positive, got %d", c.LongtermWindowDays)
	}
	if c.HotWindow() > c.WorkingWindow() {
		return fmt.Errorf("hot window (%s) must not exceed working window (%s)", c.HotWindow(), c.WorkingWindow())
	}
	if c.WorkingWindowDays > c.LongtermWindowDays {
		return fmt.Errorf("working window (%dd) must not exceed longterm window (%dd)", c.WorkingWindowDays, c.LongtermWindowDays)
	}
	return nil
}

// HotWindow returns the hot window as a duration.
func (c Config) HotWindow() time.Duration {
	return time.Duration(c.HotWindowHours) * time.Hour
}

// WorkingWindow returns the working window as a duration.
func (c Config) WorkingWindow() time.Duration {
	return time.Duration(c.WorkingWindowDays) * 24 * time.Hour
}

// LongtermWindow returns the longterm window as a duration.
func (c Config) LongtermWindow() time.Duration {
	return time.Duration(c.LongtermWindowDays) * 24 * time.Hour
}

// Cutoffs are the oldest instants still belonging to each bounded tier.
type Cutoffs struct {
	Hot      time.Time
	Working  time.Time
	Longterm time.Time
}

// Cutoffs computes the tier boundaries relative to now.
func (c Config) Cutoffs(now time.Time) Cutoffs {
	return Cutoffs{
		Hot:      now.Add(-c.HotWindow()),
		Working:  now.Add(-c.WorkingWindow()),
		Longterm: now.Add(-c.LongtermWindow()),
	}
}

// Classify returns the tier of ts. The cutoffs are applied hot first, so the
// tiers nest: hot ⊂ working ⊂ longterm, and archive holds everything older.
func Classify(ts, now time.Time, cfg Config) Tier {
	return cfg.Cutoffs(now).Classify(ts)
}

// Classify returns the tier of ts against precomputed cutoffs.
func (c Cutoffs) Classify(ts time.Time) Tier {
	switch {
	case !ts.Before(c.Hot):
		return TierHot
	case !ts.Before(c.Working):
		return TierWorking
	case !ts.Before(c.Longterm):
		return TierLongterm
	default:
		return TierArchive
	}
}

// ClassifyMillis classifies an epoch-millisecond timestamp.
func (c Cutoffs) ClassifyMillis(ms float64) Tier {
	return c.Classify(FromMillis(ms))
}

// Bounds returns the [from, to) range of epoch milliseconds covered by tier.
// Hot is open-ended towards the future and archive towards the past.
func (c Cutoffs) Bounds(t Tier) (from, to float64, ok bool) {
	switch t {
	case TierHot:
		return Millis(c.Hot), inf, true
	case TierWorking:
		return Millis(c.Working), Millis(c.Hot), true
	case TierLongterm:
		return Millis(c.Longterm), Millis(c.Working), true
	case TierArchive:
		return -inf, Millis(c.Longterm), true
	}
	return 0, 0, false
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}

// FromMillis converts epoch milliseconds to a time.
func FromMillis(ms float64) time.Time {
	sec := math.Floor(ms / 1000)
	nsec := (ms - sec*1000) * float64(time.Millisecond)
	return time.Unix(int64(sec), int64(nsec))
}

// Breakdown counts records per tier. Every tier is always reported, zeros included.
type Breakdown struct {
	Hot      int `json:"hot"`
	Working  int `json:"working"`
	Longterm int `json:"longterm"`
	Archive  int `json:"archive"`
}

// Add increments the counter of t.
func (b *Breakdown) Add(t Tier) {
	switch t {
	case TierHot:
		b.Hot++
	case TierWorking:
		b.Working++
	case TierLongterm:
		b.Longterm++
	case TierArchive:
		b.Archive++
	}
}

// Count returns the counter of t.
func (b Breakdown) Count(t Tier) int {
	switch t {
	case TierHot:
		return b.Hot
	case TierWorking:
		return b.Working
	case TierLongterm:
		return b.Longterm
	case TierArchive:
		return b.Archive
	}
	return 0
}

// Total returns the sum over all tiers.
func (b Breakdown) Total() int {
	return b.Hot + b.Working + b.Longterm + b.Archive
}

// Quotas are the shares of a retrieval reserved for each tier in tiered mode.
// Archive records only fill slots the other tiers leave unused.
type Quotas struct {
	Hot      float64 `yaml:"hot"`
	Working  float64 `yaml:"working"`
	Longterm float64 `yaml:"longterm"`
}

// DefaultQuotas returns 50% hot, 30% working, 20% longterm.
func DefaultQuotas() Quotas {
	return Quotas{Hot: 0.5, Working: 0.3, Longterm: 0.2}
}

// Validate checks that shares are non-negative and sum to at most 1.
func (q Quotas) Validate() error {
	if q.Hot < 0 || q.Working < 0 || q.Longterm < 0 {
		return fmt.Errorf("tier quotas must be non-negative")
	}
	if sum := q.Hot + q.Working + q.Longterm; sum > 1.0001 {
		return fmt.Errorf("tier quotas sum to %.2f, must not exceed 1", sum)
	}
	return nil
}

// Slots splits k result slots across tiers. Rounding leftovers go to the
// hottest tier so the slots always add up to k.
func (q Quotas) Slots(k int) map[Tier]int {
	slots := map[Tier]int{
		TierHot:      int(float64(k) * q.Hot),
		TierWorking:  int(float64(k) * q.Working),
		TierLongterm: int(float64(k) * q.Longterm),
	}
	slots[TierArchive] = 0
	used := slots[TierHot] + slots[TierWorking] + slots[TierLongterm]
	if used < k {
		slots[TierHot] += k - used
	}
	return slots
}

var inf = math.Inf(1)
