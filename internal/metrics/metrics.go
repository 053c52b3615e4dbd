// Package metrics implements the in-process metrics sink: counters, gauges,
// histograms, timers, and summaries with bounded tags and bounded series
// count, periodic aggregation, retention cleanup, stats queries, and two
// export formats (structured JSON and Prometheus text exposition).
package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Type identifies the kind of a metric series.
type Type int

const (
	Counter Type = iota
	Gauge
	Histogram
	Timer
	Summary
)

func (t Type) String() string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Histogram:
		return "histogram"
	case Timer:
		return "timer"
	case Summary:
		return "summary"
	default:
		return "unknown"
	}
}

// Point is one recorded sample.
type Point struct {
	Value     float64
	Timestamp time.Time
	Tags      map[string]string
}

type series struct {
	name   string
	typ    Type
	tags   map[string]string
	points []Point
}

func (s *series) oldest() time.Time {
	if len(s.points) == 0 {
		return time.Time{}
	}
	return s.points[0].Timestamp
}

// Config controls the sink's bounds and background cadence.
type Config struct {
	MaxTags             int           // default 10
	MaxMetrics          int           // default 10000 (applied when <= 0)
	AggregationInterval time.Duration // default 1 minute
	RetentionPeriod     time.Duration // default 24 hours
}

func (c Config) withDefaults() Config {
	if c.MaxTags <= 0 {
		c.MaxTags = 10
	}
	if c.MaxMetrics <= 0 {
		c.MaxMetrics = 10000
	}
	if c.AggregationInterval <= 0 {
		c.AggregationInterval = time.Minute
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 24 * time.Hour
	}
	return c
}

// Sink is the process-wide metrics collector. Per the design notes, the
// sink (along with the logger) is one of the only permitted process-wide
// singletons in the system; everything else is instance-scoped.
type Sink struct {
	cfg Config

	mu     sync.Mutex
	series map[string]*series
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a ready Sink; call Start to run its background aggregator and
// retention cleaner.
func New(cfg Config) *Sink {
	return &Sink{
		cfg:    cfg.withDefaults(),
		series: make(map[string]*series),
		now:    time.Now,
	}
}

// Start launches the aggregation and retention-cleanup loops; Stop (or
// cancelling ctx) halts them.
func (s *Sink) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.loop(ctx, s.cfg.AggregationInterval, s.aggregate)
	go s.loop(ctx, s.cfg.RetentionPeriod/4+time.Second, s.cleanup)
}

// Stop halts the background loops and waits for them to exit.
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sink) loop(ctx context.Context, interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func clampTags(tags map[string]string, max int) map[string]string {
	if len(tags) <= max {
		return tags
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, max)
	for _, k := range keys[:max] {
		out[k] = tags[k]
	}
	return out
}

// Key renders a metric's storage key as "name[k1=v1,k2=v2]" with tags
// sorted by key, the same form the checkpoint file uses.
func Key(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, tags[k])
	}
	return fmt.Sprintf("%s[%s]", name, strings.Join(parts, ","))
}

func (s *Sink) record(name string, typ Type, value float64, tags map[string]string) {
	tags = clampTags(tags, s.cfg.MaxTags)
	key := Key(name, tags)

	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.series[key]
	if !ok {
		if s.cfg.MaxMetrics > 0 && len(s.series) >= s.cfg.MaxMetrics {
			s.evictOldestLocked()
		}
		sr = &series{name: name, typ: typ, tags: tags}
		s.series[key] = sr
	}
	sr.points = append(sr.points, Point{Value: value, Timestamp: s.now(), Tags: tags})
}

// evictOldestLocked drops the series whose oldest sample is the oldest
// across all series, making room for a new one within the MaxMetrics
// bound. Caller holds s.mu.
func (s *Sink) evictOldestLocked() {
	var victim string
	var victimOldest time.Time
	first := true
	for k, sr := range s.series {
		o := sr.oldest()
		if first || o.Before(victimOldest) {
			victim, victimOldest, first = k, o, false
		}
	}
	if victim != "" {
		delete(s.series, victim)
	}
}

// IncrementCounter records a counter observation (delta, typically 1).
func (s *Sink) IncrementCounter(name string, delta float64, tags map[string]string) {
	s.record(name, Counter, delta, tags)
}

// SetGauge records a gauge's current value.
func (s *Sink) SetGauge(name string, value float64, tags map[string]string) {
	s.record(name, Gauge, value, tags)
}

// RecordHistogram records one histogram observation.
func (s *Sink) RecordHistogram(name string, value float64, tags map[string]string) {
	s.record(name, Histogram, value, tags)
}

// RecordTimer records a duration observation, stored in seconds.
func (s *Sink) RecordTimer(name string, d time.Duration, tags map[string]string) {
	s.record(name, Timer, d.Seconds(), tags)
}

// RecordSummary records one summary observation.
func (s *Sink) RecordSummary(name string, value float64, tags map[string]string) {
	s.record(name, Summary, value, tags)
}

// Stats is the result of a stats query over a metric's points.
type Stats struct {
	Count       int
	Min, Max    float64
	Mean        float64
	Median      float64
	StdDev      float64
	Percentiles map[float64]float64
}

// Query computes Stats over points in [from, to] for the given metric key,
// plus any requested percentiles (e.g. 0.95, 0.99).
func (s *Sink) Query(key string, from, to time.Time, percentiles ...float64) Stats {
	s.mu.Lock()
	sr, ok := s.series[key]
	var points []Point
	if ok {
		points = make([]Point, len(sr.points))
		copy(points, sr.points)
	}
	s.mu.Unlock()
	if !ok {
		return Stats{Percentiles: map[float64]float64{}}
	}

	values := make([]float64, 0, len(points))
	for _, p := range points {
		if (p.Timestamp.Equal(from) || p.Timestamp.After(from)) && (p.Timestamp.Equal(to) || p.Timestamp.Before(to)) {
			values = append(values, p.Value)
		}
	}
	return computeStats(values, percentiles)
}

func computeStats(values []float64, percentiles []float64) Stats {
	st := Stats{Percentiles: map[float64]float64{}}
	if len(values) == 0 {
		return st
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	st.Count = len(sorted)
	st.Min = sorted[0]
	st.Max = sorted[len(sorted)-1]

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	st.Mean = sum / float64(len(sorted))
	st.Median = percentile(sorted, 0.5)

	var variance float64
	for _, v := range sorted {
		d := v - st.Mean
		variance += d * d
	}
	variance /= float64(len(sorted))
	st.StdDev = math.Sqrt(variance)

	for _, p := range percentiles {
		st.Percentiles[p] = percentile(sorted, p)
	}
	return st
}

// percentile assumes sorted is sorted ascending.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// aggregate folds, for every series, points older than the aggregation
// interval into a single aggregate point (sum for counters, mean for
// everything else).
func (s *Sink) aggregate() {
	cutoff := s.now().Add(-s.cfg.AggregationInterval)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sr := range s.series {
		var old, recent []Point
		for _, p := range sr.points {
			if p.Timestamp.Before(cutoff) {
				old = append(old, p)
			} else {
				recent = append(recent, p)
			}
		}
		if len(old) <= 1 {
			continue
		}
		agg := aggregatePoints(sr.typ, old)
		sr.points = append([]Point{agg}, recent...)
	}
}

func aggregatePoints(typ Type, points []Point) Point {
	var sum float64
	latest := points[0].Timestamp
	for _, p := range points {
		sum += p.Value
		if p.Timestamp.After(latest) {
			latest = p.Timestamp
		}
	}
	value := sum
	if typ != Counter {
		value = sum / float64(len(points))
	}
	return Point{Value: value, Timestamp: latest}
}

// cleanup drops points older than the retention window from every series,
// and removes series left with no points.
func (s *Sink) cleanup() {
	cutoff := s.now().Add(-s.cfg.RetentionPeriod)

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sr := range s.series {
		kept := sr.points[:0]
		for _, p := range sr.points {
			if !p.Timestamp.Before(cutoff) {
				kept = append(kept, p)
			}
		}
		sr.points = kept
		if len(sr.points) == 0 {
			delete(s.series, key)
		}
	}
}

// SeriesSnapshot is a point-in-time copy of one metric series, for export.
type SeriesSnapshot struct {
	Name   string
	Type   Type
	Tags   map[string]string
	Points []Point
}

// Snapshot returns a copy of every series currently held, for export.
func (s *Sink) Snapshot() map[string]SeriesSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]SeriesSnapshot, len(s.series))
	for key, sr := range s.series {
		pts := make([]Point, len(sr.points))
		copy(pts, sr.points)
		out[key] = SeriesSnapshot{Name: sr.name, Type: sr.typ, Tags: sr.tags, Points: pts}
	}
	return out
}
