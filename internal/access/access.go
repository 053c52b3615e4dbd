// Package access implements the access pattern tracker: a bounded,
// time-windowed timestamp history per key, plus four derived analyses
// (periodic pattern detection, next-access prediction, related-key
// co-occurrence, and seasonal bucketing), each cached until the next
// recorded access for that key. The warming engine polls these analyses in
// the background; the cache facade feeds them on every hit.
package access

import (
	"sort"
	"sync"
	"time"
)

// Config controls the tracker's retention window and the thresholds used
// by its derived analyses.
type Config struct {
	Window             time.Duration // default 3600s
	PeriodicConfidence float64       // default 0.7
	RelatedThreshold   float64       // default 0.8
	CoOccurrenceTol    time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 3600 * time.Second
	}
	if c.PeriodicConfidence <= 0 {
		c.PeriodicConfidence = 0.7
	}
	if c.RelatedThreshold <= 0 {
		c.RelatedThreshold = 0.8
	}
	if c.CoOccurrenceTol <= 0 {
		c.CoOccurrenceTol = time.Second
	}
	return c
}

// Pattern is one detected periodic interval and its confidence: the
// fraction of observed inter-access intervals within 10% of Period.
type Pattern struct {
	Period     time.Duration
	Confidence float64
}

type record struct {
	timestamps []time.Time // ascending, pruned to the window on every append
	count      int64       // monotone, never decreases

	hourBuckets [24]int64
	dowBuckets  [7]int64
	woyBuckets  [53]int64

	cachedPatterns []Pattern
	patternsValid  bool
}

// Tracker holds per-key access history for every key the cache facade has
// seen, and answers the four derived analyses over it. The zero value is
// not ready; use New.
type Tracker struct {
	cfg  Config
	mu   sync.Mutex
	recs map[string]*record
	now  func() time.Time
}

func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.withDefaults(), recs: make(map[string]*record), now: time.Now}
}

// SetNow overrides the tracker's clock, for deterministic tests in other
// packages that exercise time-based analyses against a Tracker.
func (t *Tracker) SetNow(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// RecordAccess appends now to key's history, pruning entries older than the
// window, bumping the seasonal buckets, and invalidating the cached
// periodic-pattern analysis.
func (t *Tracker) RecordAccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r, ok := t.recs[key]
	if !ok {
		r = &record{}
		t.recs[key] = r
	}

	r.timestamps = append(r.timestamps, now)
	cutoff := now.Add(-t.cfg.Window)
	i := sort.Search(len(r.timestamps), func(i int) bool { return !r.timestamps[i].Before(cutoff) })
	r.timestamps = r.timestamps[i:]

	r.count++
	_, woy := now.ISOWeek()
	r.hourBuckets[now.Hour()]++
	r.dowBuckets[int(now.Weekday())]++
	if woy >= 1 && woy <= 53 {
		r.woyBuckets[woy-1]++
	}
	r.patternsValid = false
}

// AccessCount returns the monotone lifetime access counter for key.
func (t *Tracker) AccessCount(key string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.recs[key]
	if !ok {
		return 0
	}
	return r.count
}

// Timestamps returns a copy of key's retained (within-window) access times.
func (t *Tracker) Timestamps(key string) []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.recs[key]
	if !ok {
		return nil
	}
	out := make([]time.Time, len(r.timestamps))
	copy(out, r.timestamps)
	return out
}

// Keys returns every key with at least one retained access.
func (t *Tracker) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.recs))
	for k, r := range t.recs {
		if len(r.timestamps) > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// PeriodicPatterns returns key's detected periodic intervals, recomputing
// and caching them if a new access has been recorded since the last call.
func (t *Tracker) PeriodicPatterns(key string) []Pattern {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.recs[key]
	if !ok {
		return nil
	}
	if r.patternsValid {
		return append([]Pattern(nil), r.cachedPatterns...)
	}

	r.cachedPatterns = detectPatterns(r.timestamps, t.cfg.PeriodicConfidence)
	r.patternsValid = true
	return append([]Pattern(nil), r.cachedPatterns...)
}

// detectPatterns computes successive inter-access intervals and groups them
// into candidate periods (intervals within 10% of each other), reporting
// each candidate whose confidence exceeds minConfidence.
func detectPatterns(timestamps []time.Time, minConfidence float64) []Pattern {
	if len(timestamps) < 3 {
		return nil
	}
	intervals := make([]time.Duration, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		intervals = append(intervals, timestamps[i].Sub(timestamps[i-1]))
	}

	var patterns []Pattern
	used := make([]bool, len(intervals))
	for i, candidate := range intervals {
		if used[i] || candidate <= 0 {
			continue
		}
		tol := time.Duration(float64(candidate) * 0.1)
		var matches []time.Duration
		for j, other := range intervals {
			if used[j] {
				continue
			}
			if absDuration(other-candidate) <= tol {
				matches = append(matches, other)
				used[j] = true
			}
		}
		confidence := float64(len(matches)) / float64(len(intervals))
		if confidence > minConfidence {
			patterns = append(patterns, Pattern{Period: meanDuration(matches), Confidence: confidence})
		}
	}
	return patterns
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func meanDuration(ds []time.Duration) time.Duration {
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	if len(ds) == 0 {
		return 0
	}
	return sum / time.Duration(len(ds))
}

// NextAccess predicts key's next access time as the confidence-weighted
// mean of last_access+period over every detected pattern. ok is false when
// no pattern was detected.
func (t *Tracker) NextAccess(key string) (predicted time.Time, ok bool) {
	patterns := t.PeriodicPatterns(key)
	if len(patterns) == 0 {
		return time.Time{}, false
	}

	t.mu.Lock()
	r := t.recs[key]
	var last time.Time
	if len(r.timestamps) > 0 {
		last = r.timestamps[len(r.timestamps)-1]
	}
	t.mu.Unlock()
	if last.IsZero() {
		return time.Time{}, false
	}

	// The weighted mean of last+period equals last plus the weighted mean of
	// the periods; averaging offsets keeps full sub-second precision.
	var weightedOffset, totalWeight float64
	for _, p := range patterns {
		weightedOffset += float64(p.Period) * p.Confidence
		totalWeight += p.Confidence
	}
	if totalWeight == 0 {
		return time.Time{}, false
	}
	return last.Add(time.Duration(weightedOffset / totalWeight)), true
}

// Related reports every other tracked key whose temporal co-occurrence with
// key meets or exceeds threshold: the fraction of the two keys' timestamps
// falling within ±tol of each other, counted against the combined size of
// the two timestamp sets.
func (t *Tracker) Related(key string, threshold float64) []string {
	t.mu.Lock()
	self, ok := t.recs[key]
	if !ok || len(self.timestamps) == 0 {
		t.mu.Unlock()
		return nil
	}
	selfTimes := append([]time.Time(nil), self.timestamps...)
	others := make(map[string][]time.Time, len(t.recs))
	for k, r := range t.recs {
		if k == key || len(r.timestamps) == 0 {
			continue
		}
		others[k] = append([]time.Time(nil), r.timestamps...)
	}
	t.mu.Unlock()

	var related []string
	for other, otherTimes := range others {
		if coOccurrence(selfTimes, otherTimes, t.cfg.CoOccurrenceTol) >= threshold {
			related = append(related, other)
		}
	}
	sort.Strings(related)
	return related
}

// coOccurrence computes the fraction of timestamps in a and b that have a
// counterpart in the other set within tol, relative to len(a)+len(b).
func coOccurrence(a, b []time.Time, tol time.Duration) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matched := 0
	for _, ta := range a {
		if hasNeighborWithin(b, ta, tol) {
			matched++
		}
	}
	for _, tb := range b {
		if hasNeighborWithin(a, tb, tol) {
			matched++
		}
	}
	total := len(a) + len(b)
	return float64(matched) / float64(total)
}

func hasNeighborWithin(times []time.Time, target time.Time, tol time.Duration) bool {
	for _, t := range times {
		if absDuration(t.Sub(target)) <= tol {
			return true
		}
	}
	return false
}

// Seasonal returns key's seasonal score at t: the mean of its normalized
// hour-of-day, day-of-week, and week-of-year buckets, each in [0,1].
func (t *Tracker) Seasonal(key string, at time.Time) float64 {
	t.mu.Lock()
	r, ok := t.recs[key]
	if !ok {
		t.mu.Unlock()
		return 0
	}
	hour := normalizeBucket(r.hourBuckets[:], at.Hour())
	dow := normalizeBucket(r.dowBuckets[:], int(at.Weekday()))
	_, woy := at.ISOWeek()
	week := 0.0
	if woy >= 1 && woy <= 53 {
		week = normalizeBucket(r.woyBuckets[:], woy-1)
	}
	t.mu.Unlock()
	return (hour + dow + week) / 3
}

func normalizeBucket(buckets []int64, idx int) float64 {
	var max int64
	for _, v := range buckets {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		return 0
	}
	return float64(buckets[idx]) / float64(max)
}
