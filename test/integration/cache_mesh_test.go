// Package integration exercises the cache cluster and the resilience
// fabric together, end to end: quorum-replicated writes through the
// facade, ring-driven placement, rebalancing after membership changes,
// and mesh calls flowing breaker -> balancer -> upstream, with each call's
// outcome recorded in the health trend analyzer.
package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapunk/lake/internal/balancer"
	"github.com/datapunk/lake/internal/breaker"
	"github.com/datapunk/lake/internal/cache"
	"github.com/datapunk/lake/internal/eviction"
	"github.com/datapunk/lake/internal/healthtrend"
	"github.com/datapunk/lake/internal/lakeerr"
	"github.com/datapunk/lake/internal/metrics"
	"github.com/datapunk/lake/internal/replication"
	"github.com/datapunk/lake/internal/ringhash"
	"github.com/datapunk/lake/internal/store"
)

// flakyStore wraps a Store, failing writes on demand so quorum shortfalls
// can be forced.
type flakyStore struct {
	store.Store
	failWrites bool
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failWrites {
		return errors.New("injected write failure")
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func buildRing(ids ...string) *ringhash.Holder {
	nodes := make([]ringhash.Node, len(ids))
	for i, id := range ids {
		nodes[i] = ringhash.Node{ID: id, Weight: 1}
	}
	h := &ringhash.Holder{}
	h.Store(ringhash.Build(nodes, 32))
	return h
}

type cluster struct {
	ring   *ringhash.Holder
	stores map[string]store.Store
	flaky  map[string]*flakyStore
	engine *replication.Engine
	facade *cache.Facade
	sink   *metrics.Sink
}

func newCluster(t *testing.T, r, w int, ids ...string) *cluster {
	t.Helper()
	ring := buildRing(ids...)
	stores := make(map[string]store.Store, len(ids))
	flaky := make(map[string]*flakyStore, len(ids))
	for _, id := range ids {
		fs := &flakyStore{Store: store.NewMemoryStore()}
		flaky[id] = fs
		stores[id] = fs
	}
	bus := store.NewMemoryStore()
	engine := replication.New(replication.Config{R: r, W: w}, ring, stores, bus, ids[0])
	sink := metrics.New(metrics.Config{})
	facade := cache.New(cache.Config{Namespace: "it"}, cache.Deps{
		Backend:    cache.NewReplicationBackend(engine),
		NodeStores: stores,
		Policy:     eviction.NewLRU(),
		Metrics:    sink,
	})
	return &cluster{ring: ring, stores: stores, flaky: flaky, engine: engine, facade: facade, sink: sink}
}

func TestClusteredSetGetDeleteThroughFacade(t *testing.T) {
	c := newCluster(t, 2, 2, "node-a", "node-b", "node-c")
	ctx := context.Background()

	require.True(t, c.facade.Set(ctx, "user:1", []byte(`{"name":"a"}`), time.Hour))
	assert.Equal(t, `{"name":"a"}`, string(c.facade.Get(ctx, "user:1", nil)))

	require.True(t, c.facade.Delete(ctx, "user:1"))
	// Deletes are short-TTL tombstones; the value is an empty write until
	// the tombstone expires.
	assert.Empty(t, c.facade.Get(ctx, "user:1", nil))
}

func TestQuorumWriteSurvivesOneNodeFailure(t *testing.T) {
	c := newCluster(t, 2, 2, "node-a", "node-b", "node-c")
	ctx := context.Background()

	// One failing node leaves two of three acknowledging: W=2 still met.
	c.flaky["node-b"].failWrites = true
	require.True(t, c.facade.Set(ctx, "k1", []byte("v1"), time.Hour))
	assert.Equal(t, "v1", string(c.facade.Get(ctx, "k1", nil)))
}

func TestQuorumWriteFailsWithSingleAck(t *testing.T) {
	c := newCluster(t, 2, 2, "node-a", "node-b", "node-c")
	ctx := context.Background()

	c.flaky["node-a"].failWrites = true
	c.flaky["node-b"].failWrites = true

	ok, err := c.engine.Write(ctx, "it:k1", []byte("v1"), time.Hour)
	assert.False(t, ok)
	require.True(t, lakeerr.Is(err, lakeerr.QuorumNotMet))

	// The facade swallows the error into a safe false.
	assert.False(t, c.facade.Set(ctx, "k2", []byte("v2"), time.Hour))
}

func TestRingStabilityAcrossLookups(t *testing.T) {
	ring := buildRing("node-a", "node-b", "node-c")
	r := ring.Load()
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		first, ok := r.NodeFor(key)
		require.True(t, ok)
		for j := 0; j < 5; j++ {
			again, _ := r.NodeFor(key)
			assert.Equal(t, first, again)
		}
	}
}

func TestRebalanceAfterMembershipChangeIsIdempotent(t *testing.T) {
	c := newCluster(t, 1, 1, "node-a", "node-b")
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		require.True(t, c.facade.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Hour))
	}

	// A third node joins; placement for some keys moves to it.
	c.stores["node-c"] = &flakyStore{Store: store.NewMemoryStore()}
	c.ring.Store(ringhash.Build([]ringhash.Node{
		{ID: "node-a", Weight: 1}, {ID: "node-b", Weight: 1}, {ID: "node-c", Weight: 1},
	}, 32))

	rb := replication.NewRebalancer(replication.RebalanceConfig{Strategy: replication.Immediate}, c.ring, c.stores)
	require.NoError(t, rb.Run(ctx, "it:"))

	// Every key now lives on the node the ring says owns it.
	r := c.ring.Load()
	for id, s := range c.stores {
		_, keys, err := s.Scan(ctx, 0, "it:*", 1000)
		require.NoError(t, err)
		for _, key := range keys {
			owner, ok := r.NodeFor(key)
			require.True(t, ok)
			assert.Equal(t, owner, id, "key %s on wrong node", key)
		}
	}

	// A second run over a stable ring moves nothing.
	before := snapshotKeys(t, ctx, c.stores)
	require.NoError(t, rb.Run(ctx, "it:"))
	assert.Equal(t, before, snapshotKeys(t, ctx, c.stores))
}

func snapshotKeys(t *testing.T, ctx context.Context, stores map[string]store.Store) map[string][]string {
	t.Helper()
	out := make(map[string][]string, len(stores))
	for id, s := range stores {
		_, keys, err := s.Scan(ctx, 0, "it:*", 1000)
		require.NoError(t, err)
		out[id] = keys
	}
	return out
}

func TestMeshCallFlowWithRecovery(t *testing.T) {
	analyzer := healthtrend.New(healthtrend.Config{})
	sink := metrics.New(metrics.Config{})
	br := breaker.New(breaker.Config{
		StrategyName:     "count",
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     100 * time.Millisecond,
	}, func(service string) (healthtrend.Trend, bool) {
		tr := analyzer.Analyze(service, "primary")
		return tr, tr.Direction != healthtrend.Unknown
	}, sink)
	lb := balancer.New(balancer.Config{StrategyName: "least_conn"})
	ctx := context.Background()

	instances := []balancer.Instance{
		{ID: "a", Weight: 1, HealthScore: 0.9, ActiveConnections: 3},
		{ID: "b", Weight: 1, HealthScore: 0.8, ActiveConnections: 1},
	}

	call := func(fail bool) error {
		return br.Execute(ctx, "orders", func(context.Context) error {
			selected, err := lb.Select("orders", instances)
			if err != nil {
				return err
			}
			score := 1.0
			if fail {
				score = 0.0
			}
			analyzer.Record("orders", selected.ID, score)
			if fail {
				return errors.New("upstream error")
			}
			return nil
		}, nil)
	}

	// Five consecutive failures trip the circuit.
	for i := 0; i < 5; i++ {
		require.Error(t, call(true))
	}
	require.Equal(t, breaker.Open, br.State("orders"))

	err := call(false)
	require.True(t, lakeerr.Is(err, lakeerr.CircuitOpen))

	// After the reset timeout the circuit probes, and three successes close it.
	time.Sleep(150 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, call(false))
	}
	assert.Equal(t, breaker.Closed, br.State("orders"))

	// Every transition along the way left a tagged metric behind.
	opened := sink.Query(metrics.Key("breaker.transitions",
		map[string]string{"service": "orders", "from": "closed", "to": "open"}),
		time.Time{}, time.Now().Add(time.Hour))
	closed := sink.Query(metrics.Key("breaker.transitions",
		map[string]string{"service": "orders", "from": "half_open", "to": "closed"}),
		time.Time{}, time.Now().Add(time.Hour))
	assert.Equal(t, 1, opened.Count)
	assert.Equal(t, 1, closed.Count)
}

func TestAdaptiveBalancerPrefersLeastLoadedUnderSkew(t *testing.T) {
	lb := balancer.New(balancer.Config{StrategyName: "adaptive"})

	instances := []balancer.Instance{
		{ID: "a", Weight: 1, ActiveConnections: 10, HealthScore: 0.9},
		{ID: "b", Weight: 1, ActiveConnections: 10, HealthScore: 0.8},
		{ID: "c", Weight: 1, ActiveConnections: 10, HealthScore: 0.7},
		{ID: "d", Weight: 1, ActiveConnections: 10, HealthScore: 0.6},
		{ID: "e", Weight: 1, ActiveConnections: 100, HealthScore: 1.0},
	}

	// cv of connections is far above 0.3, so the adaptive path picks
	// least-connections, and the best load/health ratio wins.
	selected, err := lb.Select("svc", instances)
	require.NoError(t, err)
	assert.Equal(t, "a", selected.ID)
}
