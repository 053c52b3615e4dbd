// Package cache implements the cache facade: the single public entry point
// for get/set/delete/clear, namespaced key routing, backend selection
// (direct store vs. the replication engine), eviction and access tracking
// hookups, write-behind delegation, and metrics wrapping.
package cache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/datapunk/lake/internal/access"
	"github.com/datapunk/lake/internal/codec"
	"github.com/datapunk/lake/internal/eviction"
	"github.com/datapunk/lake/internal/lakeerr"
	"github.com/datapunk/lake/internal/logging"
	"github.com/datapunk/lake/internal/metrics"
	"github.com/datapunk/lake/internal/replication"
	"github.com/datapunk/lake/internal/store"
	"github.com/datapunk/lake/internal/writebehind"
)

var log = logging.Component("cache")

// Backend is the storage path a Facade delegates to: a single store
// directly, or the Replication Engine fanning out across the cluster.
// Unexported methods keep the only implementations the two this package
// provides below.
type Backend interface {
	write(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	read(ctx context.Context, key string) (value []byte, consistent bool, err error)
	delete(ctx context.Context, key string) (bool, error)
}

type storeBackend struct{ s store.Store }

// NewStoreBackend selects the single-node direct path: every operation
// talks to s with no quorum and no cross-node fan-out.
func NewStoreBackend(s store.Store) Backend { return storeBackend{s: s} }

func (b storeBackend) write(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := b.s.Set(ctx, key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (b storeBackend) read(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, true, lakeerr.ErrCacheMiss
		}
		return nil, true, err
	}
	return v, true, nil
}

func (b storeBackend) delete(ctx context.Context, key string) (bool, error) {
	n, err := b.s.Del(ctx, key)
	return n > 0, err
}

type replicationBackend struct{ e *replication.Engine }

// NewReplicationBackend selects the clustered path: reads and writes fan
// out to the nodes the ring places a key on, satisfying the configured
// quorum.
func NewReplicationBackend(e *replication.Engine) Backend { return replicationBackend{e: e} }

func (b replicationBackend) write(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return b.e.Write(ctx, key, value, ttl)
}

func (b replicationBackend) read(ctx context.Context, key string) ([]byte, bool, error) {
	return b.e.Read(ctx, key)
}

func (b replicationBackend) delete(ctx context.Context, key string) (bool, error) {
	return b.e.Delete(ctx, key)
}

// Config controls the facade's namespacing and write-behind mode.
type Config struct {
	Namespace   string
	WriteBehind bool
	DefaultTTL  time.Duration
}

// Deps are the collaborators a Facade wires together. Tracker, WriteBuffer,
// and Metrics are optional: a nil Tracker/WriteBuffer/Metrics simply skips
// that hookup, and a nil Policy disables eviction bookkeeping.
type Deps struct {
	Backend Backend
	// NodeStores lets Clear scan and delete across every store in the
	// cluster; in single-node mode this holds exactly one entry.
	NodeStores map[string]store.Store
	// Healthy returns the IDs of nodes currently safe to talk to,
	// typically the Node Registry's healthy snapshot. Clear skips (and
	// warns about) configured nodes missing from it, so one unreachable
	// node cannot hang the whole sweep. Nil treats every node as healthy.
	Healthy func() []string
	Policy      eviction.Policy
	Tracker     *access.Tracker
	WriteBuffer *writebehind.Buffer
	Codec       codec.Codec
	Metrics     *metrics.Sink
	// Enforcer, when set, bounds the namespace's entry count: every
	// successful synchronous write triggers an enforcement pass on top of
	// the enforcer's own hourly loop.
	Enforcer *Enforcer
}

// Facade is the public cache entry point.
type Facade struct {
	cfg   Config
	deps  Deps
	codec codec.Codec
	sf    singleflight.Group
}

// New constructs a ready Facade. A zero-value Deps.Codec defaults to JSON.
func New(cfg Config, deps Deps) *Facade {
	c := deps.Codec
	if c == nil {
		c = codec.JSON{}
	}
	return &Facade{cfg: cfg, deps: deps, codec: c}
}

func (f *Facade) namespacedKey(key string) string {
	if f.cfg.Namespace == "" {
		return key
	}
	return f.cfg.Namespace + ":" + key
}

// Get returns the stored value for key, or def on miss or error. Hits
// update the eviction policy, record an access in the tracker, and are
// deduplicated across concurrent callers for the same key via
// singleflight so a stampede of simultaneous misses issues one backend
// read.
func (f *Facade) Get(ctx context.Context, key string, def []byte) []byte {
	start := time.Now()
	nsKey := f.namespacedKey(key)

	result, err, _ := f.sf.Do(nsKey, func() (interface{}, error) {
		v, _, err := f.deps.Backend.read(ctx, nsKey)
		return v, err
	})

	f.recordTiming("cache.get", start)
	if err != nil {
		f.incr("cache.get.miss")
		if !lakeerr.Is(err, lakeerr.CacheMiss) {
			log.Warn().Str("key", nsKey).Err(err).Msg("cache read failed")
		}
		return def
	}

	value, _ := result.([]byte)
	f.incr("cache.get.hit")
	if f.deps.Policy != nil {
		f.deps.Policy.RecordAccess(nsKey)
	}
	if f.deps.Tracker != nil {
		f.deps.Tracker.RecordAccess(nsKey)
	}
	return value
}

// GetInto decodes the stored bytes for key into out using codec (or the
// facade default when codec is nil), returning true on a hit that decoded
// successfully.
func (f *Facade) GetInto(ctx context.Context, key string, out interface{}, c codec.Codec) bool {
	if c == nil {
		c = f.codec
	}
	raw := f.Get(ctx, key, nil)
	if raw == nil {
		return false
	}
	if err := c.Decode(raw, out); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("cache decode failed")
		return false
	}
	return true
}

// Set stores value under key with the given ttl (0 means no expiry, or
// the facade's DefaultTTL when set). In write-behind mode the write is
// buffered and Set returns true immediately without waiting on the
// backend.
func (f *Facade) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	start := time.Now()
	nsKey := f.namespacedKey(key)
	if ttl == 0 {
		ttl = f.cfg.DefaultTTL
	}

	if f.deps.Policy != nil {
		f.deps.Policy.RecordAccess(nsKey)
	}

	if f.cfg.WriteBehind && f.deps.WriteBuffer != nil {
		f.deps.WriteBuffer.Enqueue(ctx, nsKey, value)
		f.recordTiming("cache.set", start)
		f.incr("cache.set.buffered")
		return true
	}

	ok, err := f.deps.Backend.write(ctx, nsKey, value, ttl)
	f.recordTiming("cache.set", start)
	if err != nil || !ok {
		f.incr("cache.set.failure")
		if err != nil {
			log.Warn().Str("key", nsKey).Err(err).Msg("cache write failed")
		}
		return false
	}
	f.incr("cache.set.success")
	if f.deps.Enforcer != nil {
		f.deps.Enforcer.Enforce(ctx)
	}
	return true
}

// SetValue encodes v with codec (or the facade default) and stores it.
func (f *Facade) SetValue(ctx context.Context, key string, v interface{}, ttl time.Duration, c codec.Codec) bool {
	if c == nil {
		c = f.codec
	}
	raw, err := c.Encode(v)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("cache encode failed")
		return false
	}
	return f.Set(ctx, key, raw, ttl)
}

// Delete removes key from the cache, forgetting it in the eviction policy
// regardless of whether the backend reports it existed.
func (f *Facade) Delete(ctx context.Context, key string) bool {
	start := time.Now()
	nsKey := f.namespacedKey(key)

	ok, err := f.deps.Backend.delete(ctx, nsKey)
	f.recordTiming("cache.delete", start)
	if f.deps.Policy != nil {
		f.deps.Policy.Forget(nsKey)
	}
	if err != nil {
		f.incr("cache.delete.failure")
		log.Warn().Str("key", nsKey).Err(err).Msg("cache delete failed")
		return false
	}
	f.incr("cache.delete.success")
	return ok
}

// Clear deletes every key under namespace (the facade's own namespace if
// empty) across every currently-healthy node store, returning the count
// removed. Unreachable nodes are skipped with a warning rather than
// attempted.
func (f *Facade) Clear(ctx context.Context, namespace string) int {
	ns := namespace
	if ns == "" {
		ns = f.cfg.Namespace
	}
	pattern := ns + ":*"

	var healthy map[string]bool
	if f.deps.Healthy != nil {
		healthy = make(map[string]bool)
		for _, id := range f.deps.Healthy() {
			healthy[id] = true
		}
	}

	removed := 0
	for nodeID, s := range f.deps.NodeStores {
		if healthy != nil && !healthy[nodeID] {
			log.Warn().Str("node", nodeID).Msg("skipping unreachable node during clear")
			continue
		}
		var cursor uint64
		for {
			next, keys, err := s.Scan(ctx, cursor, pattern, 1000)
			if err != nil {
				log.Warn().Str("node", nodeID).Err(err).Msg("clear scan failed")
				break
			}
			if len(keys) > 0 {
				n, err := s.Del(ctx, keys...)
				if err != nil {
					log.Warn().Str("node", nodeID).Err(err).Msg("clear delete failed")
				}
				removed += n
				if f.deps.Policy != nil {
					for _, k := range keys {
						f.deps.Policy.Forget(k)
					}
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	f.incr("cache.clear")
	return removed
}

// EvictionCandidates exposes the eviction policy's next-to-reclaim keys,
// for an external capacity manager to act on; returns nil if no policy was
// configured.
func (f *Facade) EvictionCandidates(n int) []string {
	if f.deps.Policy == nil {
		return nil
	}
	return f.deps.Policy.EvictionCandidates(n)
}

func (f *Facade) recordTiming(name string, start time.Time) {
	if f.deps.Metrics == nil {
		return
	}
	f.deps.Metrics.RecordTimer(name+".duration", time.Since(start), map[string]string{"namespace": f.cfg.Namespace})
}

func (f *Facade) incr(name string) {
	if f.deps.Metrics == nil {
		return
	}
	f.deps.Metrics.IncrementCounter(name, 1, map[string]string{"namespace": f.cfg.Namespace})
}
