// Package replication implements the replication engine: quorum reads and
// writes across per-node stores placed by the hash ring, a pub/sub
// write-fan-out for eventual cross-node consistency, and a rebalancer that
// migrates keys whose owning node has changed.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/datapunk/lake/internal/lakeerr"
	"github.com/datapunk/lake/internal/logging"
	"github.com/datapunk/lake/internal/ringhash"
	"github.com/datapunk/lake/internal/store"
)

var log = logging.Component("replication")

// Config controls quorum sizing. Callers are expected to validate
// R <= |configured nodes| and W <= |configured nodes| at startup (a
// ConfigError); the engine itself simply cannot satisfy an unreachable
// quorum and reports QuorumNotMet/a CacheMiss as appropriate.
type Config struct {
	R int
	W int
}

// Envelope is the single wire format used by every pub/sub sync message.
// Every publisher wraps; subscribers never have to guess between raw value
// bytes and a wrapped entry.
type Envelope struct {
	MessageID  string `json:"message_id"`
	SourceID   string `json:"source_id"`
	Key        string `json:"key"`
	Value      []byte `json:"value"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// Engine fans reads and writes for a key out to the nodes the hash ring
// currently places it on.
type Engine struct {
	cfg         Config
	ring        *ringhash.Holder
	nodeStores  map[string]store.Store
	bus         store.Store
	sourceID    string
	syncChannel string
}

// New constructs an Engine. nodeStores maps node ID to that node's store;
// bus carries the cluster-wide pub/sub sync channel (in production this is
// typically the same Redis deployment every node's store talks to).
func New(cfg Config, ring *ringhash.Holder, nodeStores map[string]store.Store, bus store.Store, sourceID string) *Engine {
	if cfg.R <= 0 {
		cfg.R = 1
	}
	if cfg.W <= 0 {
		cfg.W = 1
	}
	return &Engine{cfg: cfg, ring: ring, nodeStores: nodeStores, bus: bus, sourceID: sourceID, syncChannel: "lake:sync"}
}

// healthyOrder returns, for key, the distinct node IDs in ring-walk order
// starting at its primary. The registry rebuilds the ring on every status
// transition, so every node in it is currently connected.
func (e *Engine) healthyOrder(key string) []string {
	r := e.ring.Load()
	if r == nil {
		return nil
	}
	return r.NodesFor(key, len(r.Nodes()))
}

// Write replicates value to the nodes owning key in ring order, succeeding
// as soon as W nodes acknowledge. When fewer than W nodes acknowledge after
// every healthy node was tried, it returns false together with a
// QuorumNotMet error.
func (e *Engine) Write(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	order := e.healthyOrder(key)
	if len(order) == 0 {
		return false, lakeerr.New(lakeerr.StoreUnavailable, "replication.write", nil)
	}

	acks := 0
	for _, nodeID := range order {
		s := e.nodeStores[nodeID]
		if s == nil {
			continue
		}
		if err := s.Set(ctx, key, value, ttl); err != nil {
			log.Warn().Str("node", nodeID).Str("key", key).Err(err).Msg("replicated write failed")
			continue
		}
		acks++
		if acks >= e.cfg.W {
			break
		}
	}

	if acks < e.cfg.W {
		return false, lakeerr.New(lakeerr.QuorumNotMet, "replication.write", nil)
	}

	e.publishSync(ctx, key, value, ttl)
	return true, nil
}

// Delete models a delete as a write with a 1-second TTL, so deletes ride
// the same quorum and sync path as writes.
func (e *Engine) Delete(ctx context.Context, key string) (bool, error) {
	return e.Write(ctx, key, []byte{}, time.Second)
}

// Read collects up to R values for key from its owning nodes in ring
// order, returning the first non-nil value and whether every collected
// value was byte-identical. A miss is reported via lakeerr.ErrCacheMiss
// when no owning node holds the key.
func (e *Engine) Read(ctx context.Context, key string) ([]byte, bool, error) {
	order := e.healthyOrder(key)
	if len(order) == 0 {
		return nil, false, lakeerr.New(lakeerr.StoreUnavailable, "replication.read", nil)
	}

	var values [][]byte
	for _, nodeID := range order {
		s := e.nodeStores[nodeID]
		if s == nil {
			continue
		}
		v, err := s.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, store.ErrKeyNotFound) {
				log.Warn().Str("node", nodeID).Str("key", key).Err(err).Msg("replicated read failed")
			}
			continue
		}
		values = append(values, v)
		if len(values) >= e.cfg.R {
			break
		}
	}

	if len(values) == 0 {
		return nil, false, lakeerr.ErrCacheMiss
	}

	consistent := true
	for _, v := range values[1:] {
		if string(v) != string(values[0]) {
			consistent = false
			break
		}
	}
	if !consistent {
		log.Warn().Str("key", key).Msg("inconsistent quorum read")
	}
	return values[0], consistent, nil
}

// publishSync wraps key/value/ttl in the uniform Envelope and publishes it
// on the cluster-wide sync channel. Failures are logged; sync is
// best-effort.
func (e *Engine) publishSync(ctx context.Context, key string, value []byte, ttl time.Duration) {
	env := Envelope{MessageID: uuid.NewString(), SourceID: e.sourceID, Key: key, Value: value, TTLSeconds: int64(ttl.Seconds())}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Warn().Err(err).Msg("sync envelope encode failed")
		return
	}
	if err := e.bus.Publish(ctx, e.syncChannel, payload); err != nil {
		log.Warn().Err(err).Msg("sync publish failed")
	}
}

// SubscribeSync runs until ctx is cancelled, applying every sync message
// this engine did not originate to the node the ring currently places the
// key on. Subscribers tolerate missed or out-of-order messages; a message
// is simply the most recent writer's value for that key (last-write-wins).
func (e *Engine) SubscribeSync(ctx context.Context) error {
	sub, err := e.bus.Subscribe(ctx, e.syncChannel)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	for msg := range sub.Channel() {
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			log.Warn().Err(err).Msg("sync envelope decode failed")
			continue
		}
		if env.SourceID == e.sourceID {
			continue
		}
		e.applySync(ctx, env)
	}
	return nil
}

func (e *Engine) applySync(ctx context.Context, env Envelope) {
	r := e.ring.Load()
	if r == nil {
		return
	}
	nodeID, ok := r.NodeFor(env.Key)
	if !ok {
		return
	}
	s := e.nodeStores[nodeID]
	if s == nil {
		return
	}
	ttl := time.Duration(env.TTLSeconds) * time.Second
	if err := s.Set(ctx, env.Key, env.Value, ttl); err != nil {
		log.Warn().Str("key", env.Key).Str("message_id", env.MessageID).Err(err).Msg("sync apply failed")
	}
}

// Strategy names the rebalancer's three migration strategies.
type Strategy string

const (
	Immediate Strategy = "immediate"
	Gradual   Strategy = "gradual"
	OffPeak   Strategy = "off-peak"
)

// RebalanceConfig controls the rebalancer's batching and off-peak gating.
type RebalanceConfig struct {
	Strategy        Strategy
	BatchSize       int           // default 100, used by gradual/off-peak
	InterBatchSleep time.Duration // default 1s
	OffPeakStart    int           // default 2 (02:00 local)
	OffPeakEnd      int           // default 5 (05:00 local)
}

func (c RebalanceConfig) withDefaults() RebalanceConfig {
	if c.Strategy == "" {
		c.Strategy = Gradual
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.InterBatchSleep <= 0 {
		c.InterBatchSleep = time.Second
	}
	if c.OffPeakStart == 0 && c.OffPeakEnd == 0 {
		c.OffPeakStart, c.OffPeakEnd = 2, 5
	}
	return c
}

// Rebalancer migrates keys under a namespace prefix to whichever node the
// current ring places them on, by copy-then-delete, preserving any
// remaining TTL. It is idempotent (a stable ring produces zero moves on a
// second pass) and interruptible (cancellation halts after the in-flight
// key finishes).
type Rebalancer struct {
	cfg        RebalanceConfig
	ring       *ringhash.Holder
	nodeStores map[string]store.Store
	clock      func() time.Time
}

func NewRebalancer(cfg RebalanceConfig, ring *ringhash.Holder, nodeStores map[string]store.Store) *Rebalancer {
	return &Rebalancer{cfg: cfg.withDefaults(), ring: ring, nodeStores: nodeStores, clock: time.Now}
}

// Run scans every node for keys matching prefix+"*" and migrates any whose
// current node disagrees with the ring's placement. Off-peak gates the
// whole run to the configured local-hour window; outside it, Run is a
// no-op that returns immediately.
func (rb *Rebalancer) Run(ctx context.Context, prefix string) error {
	if rb.cfg.Strategy == OffPeak {
		hour := rb.clock().Hour()
		if hour < rb.cfg.OffPeakStart || hour >= rb.cfg.OffPeakEnd {
			return nil
		}
	}

	moves := rb.planLocked(prefix)
	if rb.cfg.Strategy == Immediate {
		return rb.migrateBatch(ctx, moves)
	}

	for start := 0; start < len(moves); start += rb.cfg.BatchSize {
		end := start + rb.cfg.BatchSize
		if end > len(moves) {
			end = len(moves)
		}
		if err := rb.migrateBatch(ctx, moves[start:end]); err != nil {
			return err
		}
		if end < len(moves) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rb.cfg.InterBatchSleep):
			}
		}
	}
	return nil
}

type move struct {
	key    string
	fromID string
	toID   string
}

// planLocked scans every node's namespace for keys whose computed target
// node differs from their current node.
func (rb *Rebalancer) planLocked(prefix string) []move {
	r := rb.ring.Load()
	if r == nil {
		return nil
	}

	nodeIDs := make([]string, 0, len(rb.nodeStores))
	for id := range rb.nodeStores {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var moves []move
	for _, nodeID := range nodeIDs {
		s := rb.nodeStores[nodeID]
		var cursor uint64
		for {
			next, keys, err := s.Scan(context.Background(), cursor, prefix+"*", 1000)
			if err != nil {
				log.Warn().Str("node", nodeID).Err(err).Msg("rebalance scan failed")
				break
			}
			for _, key := range keys {
				target, ok := r.NodeFor(key)
				if ok && target != nodeID {
					moves = append(moves, move{key: key, fromID: nodeID, toID: target})
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return moves
}

// migrateBatch copies then deletes each key in order, preserving remaining
// TTL when the source store supports TTLReader. It stops (without error)
// as soon as ctx is cancelled, leaving any not-yet-processed key in place
// for the next run.
func (rb *Rebalancer) migrateBatch(ctx context.Context, moves []move) error {
	for _, m := range moves {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		from := rb.nodeStores[m.fromID]
		to := rb.nodeStores[m.toID]
		if from == nil || to == nil {
			continue
		}

		value, err := from.Get(ctx, m.key)
		if err != nil {
			continue
		}
		ttl := time.Duration(0)
		if ttlReader, ok := from.(store.TTLReader); ok {
			if remaining, has, err := ttlReader.TTL(ctx, m.key); err == nil && has {
				ttl = remaining
			}
		}
		if err := to.Set(ctx, m.key, value, ttl); err != nil {
			log.Warn().Str("key", m.key).Err(err).Msg("rebalance copy failed")
			continue
		}
		if _, err := from.Del(ctx, m.key); err != nil {
			log.Warn().Str("key", m.key).Err(err).Msg("rebalance delete-after-copy failed")
		}
	}
	return nil
}
