// Package breaker implements the circuit breaker: a per-service
// closed/half-open/open state machine whose "should this trip" decision is
// delegated to a pluggable Strategy (count-based, rate-based, health-based,
// or adaptive), fed by the health trend analyzer for the health-aware
// strategies.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datapunk/lake/internal/healthtrend"
	"github.com/datapunk/lake/internal/lakeerr"
	"github.com/datapunk/lake/internal/logging"
	"github.com/datapunk/lake/internal/metrics"
)

var log = logging.Component("breaker")

// Mode is the circuit's current admission state.
type Mode int

const (
	Closed Mode = iota
	HalfOpen
	Open
)

func (m Mode) String() string {
	switch m {
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// Config controls every strategy's thresholds plus the shared transition
// timings.
type Config struct {
	StrategyName string // "count", "rate", "health", "adaptive"; default "count"

	FailureThreshold int // count-based trip point, default 5

	WindowSize         time.Duration // rate-based rolling window, default 60s
	MinThroughput      int           // default 10
	ErrorRateThreshold float64       // default 0.5

	HealthThreshold float64 // default 0.3

	SuccessThreshold int           // half-open -> closed, default 3
	ResetTimeout     time.Duration // open -> half-open, default 30s
	HalfOpenWindow   time.Duration // half-open probation length, default = ResetTimeout
}

func (c Config) withDefaults() Config {
	if c.StrategyName == "" {
		c.StrategyName = "count"
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 60 * time.Second
	}
	if c.MinThroughput <= 0 {
		c.MinThroughput = 10
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = 0.5
	}
	if c.HealthThreshold <= 0 {
		c.HealthThreshold = 0.3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenWindow <= 0 {
		c.HalfOpenWindow = c.ResetTimeout
	}
	return c
}

// Snapshot is the counters a Strategy decides from.
type Snapshot struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	WindowSuccesses      int
	WindowFailures       int
}

// Strategy decides whether a Closed circuit should trip to Open.
type Strategy interface {
	Name() string
	ShouldOpen(snap Snapshot, cfg Config, trend healthtrend.Trend, hasTrend bool) bool
}

// ByName returns the built-in strategy registered under name, defaulting to
// count-based for an unrecognized name (validated separately as a
// ConfigError at the configuration boundary).
func ByName(name string) Strategy {
	switch name {
	case "rate":
		return rateStrategy{}
	case "health":
		return healthStrategy{}
	case "adaptive":
		return adaptiveStrategy{}
	default:
		return countStrategy{}
	}
}

type countStrategy struct{}

func (countStrategy) Name() string { return "count" }
func (countStrategy) ShouldOpen(snap Snapshot, cfg Config, _ healthtrend.Trend, _ bool) bool {
	return snap.ConsecutiveFailures >= cfg.FailureThreshold
}

type rateStrategy struct{}

func (rateStrategy) Name() string { return "rate" }
func (rateStrategy) ShouldOpen(snap Snapshot, cfg Config, _ healthtrend.Trend, _ bool) bool {
	total := snap.WindowSuccesses + snap.WindowFailures
	if total < cfg.MinThroughput {
		return false
	}
	rate := float64(snap.WindowFailures) / float64(total)
	return rate >= cfg.ErrorRateThreshold
}

type healthStrategy struct{}

func (healthStrategy) Name() string { return "health" }
func (healthStrategy) ShouldOpen(_ Snapshot, cfg Config, trend healthtrend.Trend, hasTrend bool) bool {
	if !hasTrend {
		return false
	}
	if trend.Direction == healthtrend.Degrading && trend.RSquared > 0.8 {
		return true
	}
	if len(trend.Predictions) > 0 && trend.Predictions[0].Score < cfg.HealthThreshold {
		return true
	}
	return false
}

type adaptiveStrategy struct{}

func (adaptiveStrategy) Name() string { return "adaptive" }
func (adaptiveStrategy) ShouldOpen(snap Snapshot, cfg Config, trend healthtrend.Trend, hasTrend bool) bool {
	if hasTrend && trend.RSquared > 0.8 {
		return healthStrategy{}.ShouldOpen(snap, cfg, trend, hasTrend)
	}
	if snap.WindowSuccesses+snap.WindowFailures >= cfg.MinThroughput {
		return rateStrategy{}.ShouldOpen(snap, cfg, trend, hasTrend)
	}
	return countStrategy{}.ShouldOpen(snap, cfg, trend, hasTrend)
}

// HealthFunc supplies the current health trend for a service, typically
// backed by a healthtrend.Analyzer. A nil HealthFunc disables health-aware
// strategies (they behave as if hasTrend were always false).
type HealthFunc func(service string) (healthtrend.Trend, bool)

type outcome struct {
	at      time.Time
	success bool
}

type circuitState struct {
	mode              Mode
	consecFailures    int
	consecSuccesses   int
	halfOpenSuccesses int
	lastChange        time.Time
	window            []outcome
}

// Breaker runs one state machine per service name.
type Breaker struct {
	cfg      Config
	strategy Strategy
	health   HealthFunc
	sink     *metrics.Sink
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*circuitState
}

// New constructs a Breaker. A nil sink disables transition metrics; every
// transition is still logged.
func New(cfg Config, health HealthFunc, sink *metrics.Sink) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:      cfg,
		strategy: ByName(cfg.StrategyName),
		health:   health,
		sink:     sink,
		now:      time.Now,
		states:   make(map[string]*circuitState),
	}
}

func (b *Breaker) stateFor(service string) *circuitState {
	st, ok := b.states[service]
	if !ok {
		st = &circuitState{mode: Closed, lastChange: b.now()}
		b.states[service] = st
	}
	return st
}

// CanExecute reports whether a call to service is currently admitted,
// performing any due Open->HalfOpen or HalfOpen->Open transition first.
func (b *Breaker) CanExecute(service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateFor(service)
	now := b.now()

	switch st.mode {
	case Open:
		if now.Sub(st.lastChange) >= b.cfg.ResetTimeout {
			b.transition(service, st, HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		if now.Sub(st.lastChange) >= b.cfg.HalfOpenWindow && st.halfOpenSuccesses < b.cfg.SuccessThreshold {
			b.transition(service, st, Open)
			return false
		}
		return true
	default:
		return true
	}
}

// Execute runs op if the circuit admits the call, records the outcome, and
// falls back (or returns a CircuitOpen error) when it does not. Rejections
// are distinct from call failures: they never feed the failure window.
func (b *Breaker) Execute(ctx context.Context, service string, op func(context.Context) error, fallback func(context.Context) error) error {
	if !b.CanExecute(service) {
		if fallback != nil {
			return fallback(ctx)
		}
		return lakeerr.New(lakeerr.CircuitOpen, "breaker.execute", nil)
	}

	err := op(ctx)
	b.RecordOutcome(service, err == nil)
	return err
}

// RecordOutcome updates service's rolling window and consecutive counters,
// and applies the Closed->Open or HalfOpen->Closed/Open transitions.
func (b *Breaker) RecordOutcome(service string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateFor(service)
	now := b.now()

	st.window = append(st.window, outcome{at: now, success: success})
	cutoff := now.Add(-b.cfg.WindowSize)
	i := 0
	for i < len(st.window) && st.window[i].at.Before(cutoff) {
		i++
	}
	st.window = st.window[i:]

	switch st.mode {
	case Closed:
		if success {
			st.consecFailures = 0
			st.consecSuccesses++
		} else {
			st.consecFailures++
			st.consecSuccesses = 0
		}
		if b.strategy.ShouldOpen(b.snapshotLocked(st), b.cfg, b.trendFor(service), b.health != nil) {
			b.transition(service, st, Open)
		}
	case HalfOpen:
		if success {
			st.halfOpenSuccesses++
			if st.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				b.transition(service, st, Closed)
			}
		} else {
			b.transition(service, st, Open)
		}
	case Open:
		// Outcomes should not arrive while open (CanExecute rejects first),
		// but are harmless to ignore if they do.
	}
}

func (b *Breaker) snapshotLocked(st *circuitState) Snapshot {
	var succ, fail int
	for _, o := range st.window {
		if o.success {
			succ++
		} else {
			fail++
		}
	}
	return Snapshot{
		ConsecutiveFailures:  st.consecFailures,
		ConsecutiveSuccesses: st.consecSuccesses,
		WindowSuccesses:      succ,
		WindowFailures:       fail,
	}
}

func (b *Breaker) trendFor(service string) healthtrend.Trend {
	if b.health == nil {
		return healthtrend.Trend{}
	}
	trend, ok := b.health(service)
	if !ok {
		return healthtrend.Trend{}
	}
	return trend
}

// transition moves st to mode, resetting the counters each new mode needs
// and emitting the metric and structured log record every transition
// requires. Caller holds b.mu.
func (b *Breaker) transition(service string, st *circuitState, mode Mode) {
	from := st.mode
	st.mode = mode
	st.lastChange = b.now()
	if mode == HalfOpen {
		st.halfOpenSuccesses = 0
	}
	if mode == Closed {
		st.consecFailures = 0
		st.consecSuccesses = 0
		st.halfOpenSuccesses = 0
	}
	if b.sink != nil {
		b.sink.IncrementCounter("breaker.transitions", 1, map[string]string{
			"service": service,
			"from":    from.String(),
			"to":      mode.String(),
		})
	}
	log.Info().
		Str("service", service).
		Str("from", from.String()).
		Str("to", mode.String()).
		Str("transition_id", uuid.NewString()).
		Msg("circuit state transition")
}

// State returns the current mode for service, for tests and status
// endpoints.
func (b *Breaker) State(service string) Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateFor(service).mode
}
