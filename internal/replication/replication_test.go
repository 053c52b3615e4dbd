package replication

import (
	"context"
	"testing"
	"time"

	"github.com/datapunk/lake/internal/lakeerr"
	"github.com/datapunk/lake/internal/ringhash"
	"github.com/datapunk/lake/internal/store"
)

func ringOf(ids ...string) *ringhash.Holder {
	nodes := make([]ringhash.Node, len(ids))
	for i, id := range ids {
		nodes[i] = ringhash.Node{ID: id, Weight: 1}
	}
	h := &ringhash.Holder{}
	h.Store(ringhash.Build(nodes, 8))
	return h
}

func storesOf(ids ...string) map[string]store.Store {
	out := make(map[string]store.Store, len(ids))
	for _, id := range ids {
		out[id] = store.NewMemoryStore()
	}
	return out
}

func TestWriteSucceedsWhenQuorumReachable(t *testing.T) {
	ring := ringOf("a", "b", "c")
	stores := storesOf("a", "b", "c")
	bus := store.NewMemoryStore()
	eng := New(Config{R: 2, W: 2}, ring, stores, bus, "node-a")

	ok, err := eng.Write(context.Background(), "k1", []byte("v1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("want successful quorum write, got ok=%v err=%v", ok, err)
	}

	hits := 0
	for _, s := range stores {
		if v, err := s.Get(context.Background(), "k1"); err == nil && string(v) == "v1" {
			hits++
		}
	}
	if hits < 2 {
		t.Fatalf("want at least W=2 stores holding the value, got %d", hits)
	}
}

func TestWriteFailsWhenNoNodesHealthy(t *testing.T) {
	ring := ringOf()
	stores := storesOf()
	bus := store.NewMemoryStore()
	eng := New(Config{R: 1, W: 1}, ring, stores, bus, "node-a")

	_, err := eng.Write(context.Background(), "k1", []byte("v1"), time.Minute)
	if !lakeerr.Is(err, lakeerr.StoreUnavailable) {
		t.Fatalf("want StoreUnavailable, got %v", err)
	}
}

func TestReadReturnsCacheMissWhenAbsent(t *testing.T) {
	ring := ringOf("a", "b")
	stores := storesOf("a", "b")
	bus := store.NewMemoryStore()
	eng := New(Config{R: 1, W: 1}, ring, stores, bus, "node-a")

	_, _, err := eng.Read(context.Background(), "missing")
	if !lakeerr.Is(err, lakeerr.CacheMiss) {
		t.Fatalf("want CacheMiss, got %v", err)
	}
}

func TestReadDetectsInconsistency(t *testing.T) {
	ring := ringOf("a", "b")
	stores := storesOf("a", "b")
	bus := store.NewMemoryStore()

	order := ring.Load().NodesFor("k1", 2)
	stores[order[0]].Set(context.Background(), "k1", []byte("old"), time.Minute)
	stores[order[1]].Set(context.Background(), "k1", []byte("new"), time.Minute)

	eng := New(Config{R: 2, W: 1}, ring, stores, bus, "node-a")
	value, consistent, err := eng.Read(context.Background(), "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consistent {
		t.Fatalf("want inconsistent read detected across divergent replicas")
	}
	if string(value) != "old" {
		t.Fatalf("want first-collected (primary) value returned, got %q", value)
	}
}

func TestDeleteWritesShortTTLTombstone(t *testing.T) {
	ring := ringOf("a")
	stores := storesOf("a")
	bus := store.NewMemoryStore()
	eng := New(Config{R: 1, W: 1}, ring, stores, bus, "node-a")

	stores["a"].Set(context.Background(), "k1", []byte("v1"), time.Hour)
	ok, err := eng.Delete(context.Background(), "k1")
	if err != nil || !ok {
		t.Fatalf("want successful delete-as-write, got ok=%v err=%v", ok, err)
	}
	ttl, has, err := stores["a"].(*store.MemoryStore).TTL(context.Background(), "k1")
	if err != nil || !has {
		t.Fatalf("want a short TTL set on the tombstone, got has=%v err=%v", has, err)
	}
	if ttl > time.Second {
		t.Fatalf("want TTL <= 1s, got %v", ttl)
	}
}

func TestPublishSyncAppliedBySubscriberNotByOriginator(t *testing.T) {
	ring := ringOf("a", "b")
	stores := storesOf("a", "b")
	bus := store.NewMemoryStore()

	writer := New(Config{R: 1, W: 1}, ring, stores, bus, "writer")
	subscriberStores := storesOf("a", "b")
	subscriber := New(Config{R: 1, W: 1}, ring, subscriberStores, bus, "subscriber")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go subscriber.SubscribeSync(ctx)
	time.Sleep(10 * time.Millisecond)

	if _, err := writer.Write(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	target, _ := ring.Load().NodeFor("k1")
	v, err := subscriberStores[target].Get(context.Background(), "k1")
	if err != nil {
		t.Fatalf("want subscriber to have applied the synced write, got err: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("want synced value v1, got %q", v)
	}
}

func TestRebalancerMovesKeysToNewOwner(t *testing.T) {
	ring := ringOf("a")
	stores := storesOf("a")
	stores["a"].Set(context.Background(), "ns:k1", []byte("v1"), time.Hour)

	// Grow the ring; some keys under "ns:" will now belong to "b".
	ring.Store(ringhash.Build([]ringhash.Node{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}}, 8))
	stores["b"] = store.NewMemoryStore()

	target, _ := ring.Load().NodeFor("ns:k1")
	rb := NewRebalancer(RebalanceConfig{Strategy: Immediate}, ring, stores)
	if err := rb.Run(context.Background(), "ns:"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, err := stores[target].Get(context.Background(), "ns:k1")
	if err != nil {
		t.Fatalf("want key present on its new owner %q, got err: %v", target, err)
	}
	if string(v) != "v1" {
		t.Fatalf("want migrated value preserved, got %q", v)
	}

	if target != "a" {
		if _, err := stores["a"].Get(context.Background(), "ns:k1"); err == nil {
			t.Fatalf("want key removed from old owner after migration")
		}
	}
}

func TestRebalancerIsIdempotent(t *testing.T) {
	ring := ringOf("a", "b")
	stores := storesOf("a", "b")
	stores["a"].Set(context.Background(), "ns:k1", []byte("v1"), time.Hour)
	stores["b"].Set(context.Background(), "ns:k2", []byte("v2"), time.Hour)

	rb := NewRebalancer(RebalanceConfig{Strategy: Immediate}, ring, stores)
	if err := rb.Run(context.Background(), "ns:"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	moves := rb.planLocked("ns:")
	if len(moves) != 0 {
		t.Fatalf("want a stable ring to produce zero moves on a second pass, got %d", len(moves))
	}
}

func TestOffPeakRebalanceSkipsOutsideWindow(t *testing.T) {
	ring := ringOf("a")
	stores := storesOf("a")
	rb := NewRebalancer(RebalanceConfig{Strategy: OffPeak, OffPeakStart: 2, OffPeakEnd: 5}, ring, stores)
	rb.clock = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }

	if err := rb.Run(context.Background(), "ns:"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
