package cache

import (
	"context"
	"sync"
	"time"

	"github.com/datapunk/lake/internal/eviction"
	"github.com/datapunk/lake/internal/metrics"
	"github.com/datapunk/lake/internal/store"
)

// EnforcerConfig bounds a namespace's entry count and sets the background
// enforcement cadence.
type EnforcerConfig struct {
	Namespace string
	MaxSize   int           // 0 disables size enforcement
	Interval  time.Duration // default 1 hour
}

func (c EnforcerConfig) withDefaults() EnforcerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	return c
}

// Enforcer reclaims entries once a namespace grows past its configured
// maximum: it counts live keys, asks the eviction policy for the excess as
// candidates, deletes them, and records an eviction counter tagged with the
// policy name. It runs hourly in the background and can be invoked directly
// after writes.
type Enforcer struct {
	cfg        EnforcerConfig
	policy     eviction.Policy
	nodeStores map[string]store.Store
	sink       *metrics.Sink

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEnforcer(cfg EnforcerConfig, policy eviction.Policy, nodeStores map[string]store.Store, sink *metrics.Sink) *Enforcer {
	return &Enforcer{cfg: cfg.withDefaults(), policy: policy, nodeStores: nodeStores, sink: sink}
}

// Start launches the hourly enforcement loop; Stop halts it.
func (e *Enforcer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Enforce(ctx)
			}
		}
	}()
}

func (e *Enforcer) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Enforce runs one enforcement pass: if the namespace holds more entries
// than MaxSize, the excess is reclaimed through the eviction policy.
// Serialized so an overlapping tick and write-path call cannot double-evict.
func (e *Enforcer) Enforce(ctx context.Context) int {
	if e.cfg.MaxSize <= 0 || e.policy == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	count := e.countKeys(ctx)
	excess := count - e.cfg.MaxSize
	if excess <= 0 {
		return 0
	}

	candidates := e.policy.EvictionCandidates(excess)
	evicted := 0
	for _, key := range candidates {
		for _, s := range e.nodeStores {
			n, err := s.Del(ctx, key)
			if err != nil {
				log.Warn().Str("key", key).Err(err).Msg("eviction delete failed")
				continue
			}
			evicted += n
		}
		e.policy.Forget(key)
	}
	if evicted > 0 && e.sink != nil {
		e.sink.IncrementCounter("cache.evictions", float64(evicted), map[string]string{"policy": e.policy.Name()})
	}
	return evicted
}

// countKeys scans every node for live keys under the namespace. Keys
// replicated to more than one node count once per replica, which slightly
// overestimates; enforcement converges on the next pass.
func (e *Enforcer) countKeys(ctx context.Context) int {
	pattern := e.cfg.Namespace + ":*"
	count := 0
	for nodeID, s := range e.nodeStores {
		var cursor uint64
		for {
			next, keys, err := s.Scan(ctx, cursor, pattern, 1000)
			if err != nil {
				log.Warn().Str("node", nodeID).Err(err).Msg("enforcement scan failed")
				break
			}
			count += len(keys)
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return count
}
