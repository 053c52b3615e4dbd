// Package warming implements the cache warming engine: a per-minute
// background ticker that, for each registered (glob pattern, config) pair,
// asks its enabled strategies for candidate keys, deduplicates and caps the
// result, then calls a caller-supplied fetch function and writes the
// result through the cache. Candidate selection is heuristic, driven by
// the access tracker's periodic, related-key, and seasonal analyses, so a
// learned predictor can replace a strategy without changing the engine.
package warming

import (
	"context"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/datapunk/lake/internal/access"
	"github.com/datapunk/lake/internal/lakeerr"
	"github.com/datapunk/lake/internal/logging"
)

var log = logging.Component("warming")

// FetchFunc retrieves a value for key from whatever origin the caller
// knows about. A nil result (with nil error) means "no value available;
// do not cache." Errors are caught by the engine and treated as nil.
type FetchFunc func(ctx context.Context, key string) ([]byte, error)

// Writer is the subset of the Cache Facade the engine needs to write a
// warmed value through.
type Writer interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Config is one registered pattern's warming configuration.
type Config struct {
	Strategies        []string // subset of "time", "related", "seasonal", "hybrid"
	WarmWindow        time.Duration
	SeasonalThreshold float64
	SeasonalMinAccess int64
	RelatedThreshold  float64
	BatchSize         int
	TTL               time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Strategies) == 0 {
		c.Strategies = []string{"hybrid"}
	}
	if c.WarmWindow <= 0 {
		c.WarmWindow = 300 * time.Second
	}
	if c.SeasonalThreshold <= 0 {
		c.SeasonalThreshold = 0.7
	}
	if c.SeasonalMinAccess <= 0 {
		c.SeasonalMinAccess = 24
	}
	if c.RelatedThreshold <= 0 {
		c.RelatedThreshold = 0.8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

type registration struct {
	pattern glob.Glob
	cfg     Config
}

// Engine ticks every minute over its registrations, fetching and writing
// through warmed candidates. It never evicts; a warmed entry may be
// immediately reclaimed by the eviction layer.
type Engine struct {
	tracker *access.Tracker
	present func(key string) bool
	fetch   FetchFunc
	writer  Writer

	mu   sync.Mutex
	regs []registration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New constructs an Engine. present reports whether key currently has a
// live cache entry (used by the related-key and seasonal strategies to
// restrict candidates to currently-missing keys).
func New(tracker *access.Tracker, present func(key string) bool, fetch FetchFunc, writer Writer) *Engine {
	return &Engine{tracker: tracker, present: present, fetch: fetch, writer: writer, now: time.Now}
}

// Register adds a (glob pattern, config) pair. Returns a ConfigError
// wrapping glob.Compile's error if pattern is malformed.
func (e *Engine) Register(pattern string, cfg Config) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return lakeerr.New(lakeerr.ConfigError, "warming.register", err)
	}
	e.mu.Lock()
	e.regs = append(e.regs, registration{pattern: g, cfg: cfg.withDefaults()})
	e.mu.Unlock()
	return nil
}

// Start launches the per-minute warming ticker.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Tick(ctx)
			}
		}
	}()
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Tick runs one warming pass over every registration, synchronously. Start
// calls this once a minute; tests call it directly.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	regs := append([]registration(nil), e.regs...)
	e.mu.Unlock()

	now := e.now()
	for _, r := range regs {
		candidates := e.candidatesFor(r, now)
		if len(candidates) > r.cfg.BatchSize {
			candidates = candidates[:r.cfg.BatchSize]
		}
		for _, key := range candidates {
			value, err := e.fetch(ctx, key)
			if err != nil {
				log.Warn().Str("key", key).Err(err).Msg("warming fetch failed")
				continue
			}
			if value == nil {
				continue
			}
			if _, err := e.writer.Set(ctx, key, value, r.cfg.TTL); err != nil {
				log.Warn().Str("key", key).Err(err).Msg("warming write-through failed")
			}
		}
	}
}

// candidatesFor unions the candidates of every strategy enabled for r,
// matched against keys tracked by the access tracker, and deduplicates.
func (e *Engine) candidatesFor(r registration, now time.Time) []string {
	strategies := r.cfg.Strategies
	if contains(strategies, "hybrid") {
		strategies = []string{"time", "related", "seasonal"}
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(key string) {
		if !r.pattern.Match(key) {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}

	for _, name := range strategies {
		switch name {
		case "time":
			for _, key := range e.tracker.Keys() {
				next, ok := e.tracker.NextAccess(key)
				if ok && !next.Before(now) && next.Sub(now) <= r.cfg.WarmWindow {
					add(key)
				}
			}
		case "related":
			for _, key := range e.tracker.Keys() {
				if !e.present(key) {
					continue
				}
				for _, related := range e.tracker.Related(key, r.cfg.RelatedThreshold) {
					if !e.present(related) {
						add(related)
					}
				}
			}
		case "seasonal":
			for _, key := range e.tracker.Keys() {
				if e.present(key) {
					continue
				}
				if e.tracker.AccessCount(key) < r.cfg.SeasonalMinAccess {
					continue
				}
				if e.tracker.Seasonal(key, now) > r.cfg.SeasonalThreshold {
					add(key)
				}
			}
		}
	}
	return out
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
