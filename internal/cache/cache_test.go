package cache

import (
	"context"
	"testing"
	"time"

	"github.com/datapunk/lake/internal/access"
	"github.com/datapunk/lake/internal/eviction"
	"github.com/datapunk/lake/internal/metrics"
	"github.com/datapunk/lake/internal/store"
	"github.com/datapunk/lake/internal/writebehind"
)

func TestSetThenGetRoundTrips(t *testing.T) {
	s := store.NewMemoryStore()
	f := New(Config{Namespace: "ns"}, Deps{
		Backend:    NewStoreBackend(s),
		NodeStores: map[string]store.Store{"a": s},
		Policy:     eviction.NewLRU(),
	})

	if !f.Set(context.Background(), "k1", []byte("v1"), time.Minute) {
		t.Fatalf("want Set to succeed")
	}
	got := f.Get(context.Background(), "k1", []byte("default"))
	if string(got) != "v1" {
		t.Fatalf("want v1, got %q", got)
	}
}

func TestGetMissReturnsDefault(t *testing.T) {
	s := store.NewMemoryStore()
	f := New(Config{Namespace: "ns"}, Deps{Backend: NewStoreBackend(s)})

	got := f.Get(context.Background(), "missing", []byte("default"))
	if string(got) != "default" {
		t.Fatalf("want default on miss, got %q", got)
	}
}

func TestGetHitRecordsAccessAndEviction(t *testing.T) {
	s := store.NewMemoryStore()
	s.Set(context.Background(), "ns:k1", []byte("v1"), time.Minute)
	policy := eviction.NewLRU()
	tracker := access.New(access.Config{Window: time.Hour})
	f := New(Config{Namespace: "ns"}, Deps{
		Backend: NewStoreBackend(s),
		Policy:  policy,
		Tracker: tracker,
	})

	f.Get(context.Background(), "k1", nil)
	if tracker.AccessCount("ns:k1") != 1 {
		t.Fatalf("want tracker to record the hit, got count %d", tracker.AccessCount("ns:k1"))
	}
	if len(policy.EvictionCandidates(10)) != 1 {
		t.Fatalf("want eviction policy to know about the accessed key")
	}
}

func TestDeleteForgetsEvictionState(t *testing.T) {
	s := store.NewMemoryStore()
	policy := eviction.NewLRU()
	f := New(Config{Namespace: "ns"}, Deps{Backend: NewStoreBackend(s), Policy: policy})

	f.Set(context.Background(), "k1", []byte("v1"), time.Minute)
	if !f.Delete(context.Background(), "k1") {
		t.Fatalf("want Delete to report success")
	}
	if len(policy.EvictionCandidates(10)) != 0 {
		t.Fatalf("want eviction state forgotten after delete")
	}
	if got := f.Get(context.Background(), "k1", []byte("gone")); string(got) != "gone" {
		t.Fatalf("want key gone after delete, got %q", got)
	}
}

func TestWriteBehindSetReturnsImmediatelyAndBuffers(t *testing.T) {
	s := store.NewMemoryStore()
	buf := writebehind.New(writebehind.Config{}, s)
	f := New(Config{Namespace: "ns", WriteBehind: true}, Deps{
		Backend:     NewStoreBackend(s),
		WriteBuffer: buf,
	})

	if !f.Set(context.Background(), "k1", []byte("v1"), time.Minute) {
		t.Fatalf("want buffered Set to report success immediately")
	}
	if buf.Len() != 1 {
		t.Fatalf("want one entry buffered, got %d", buf.Len())
	}
	if _, err := s.Get(context.Background(), "ns:k1"); err == nil {
		t.Fatalf("want the store untouched before flush")
	}

	buf.Flush(context.Background())
	v, err := s.Get(context.Background(), "ns:k1")
	if err != nil || string(v) != "v1" {
		t.Fatalf("want the buffered write to land after flush, got %q err %v", v, err)
	}
}

func TestTTLExpiryRecordsSingleMiss(t *testing.T) {
	s := store.NewMemoryStore()
	sink := metrics.New(metrics.Config{})
	f := New(Config{Namespace: "ns"}, Deps{Backend: NewStoreBackend(s), Metrics: sink})
	ctx := context.Background()

	if !f.Set(ctx, "k", []byte("v"), 50*time.Millisecond) {
		t.Fatalf("want Set to succeed")
	}
	time.Sleep(60 * time.Millisecond)

	if got := f.Get(ctx, "k", nil); got != nil {
		t.Fatalf("want nil after expiry, got %q", got)
	}
	key := metrics.Key("cache.get.miss", map[string]string{"namespace": "ns"})
	stats := sink.Query(key, time.Time{}, time.Now().Add(time.Hour))
	if stats.Count != 1 {
		t.Fatalf("want exactly one miss recorded, got %d", stats.Count)
	}
}

func TestClearDeletesEverythingUnderNamespace(t *testing.T) {
	s := store.NewMemoryStore()
	s.Set(context.Background(), "ns:a", []byte("1"), time.Minute)
	s.Set(context.Background(), "ns:b", []byte("2"), time.Minute)
	s.Set(context.Background(), "other:c", []byte("3"), time.Minute)

	f := New(Config{Namespace: "ns"}, Deps{
		Backend:    NewStoreBackend(s),
		NodeStores: map[string]store.Store{"a": s},
	})

	n := f.Clear(context.Background(), "")
	if n != 2 {
		t.Fatalf("want 2 keys cleared, got %d", n)
	}
	if v, err := s.Get(context.Background(), "other:c"); err != nil || string(v) != "3" {
		t.Fatalf("want unrelated namespace untouched, got %q err %v", v, err)
	}
}

func TestClearIteratesHealthyNodesOnly(t *testing.T) {
	reachable := store.NewMemoryStore()
	unreachable := store.NewMemoryStore()
	reachable.Set(context.Background(), "ns:a", []byte("1"), time.Minute)
	unreachable.Set(context.Background(), "ns:b", []byte("2"), time.Minute)

	f := New(Config{Namespace: "ns"}, Deps{
		Backend: NewStoreBackend(reachable),
		NodeStores: map[string]store.Store{
			"node-up":   reachable,
			"node-down": unreachable,
		},
		Healthy: func() []string { return []string{"node-up"} },
	})

	n := f.Clear(context.Background(), "")
	if n != 1 {
		t.Fatalf("want only the healthy node swept, got %d removed", n)
	}
	if v, err := unreachable.Get(context.Background(), "ns:b"); err != nil || string(v) != "2" {
		t.Fatalf("want the unreachable node skipped untouched, got %q err %v", v, err)
	}
	if _, err := reachable.Get(context.Background(), "ns:a"); err == nil {
		t.Fatalf("want the healthy node's key cleared")
	}
}

func TestSetValueAndGetIntoRoundTripStructuredValue(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	s := store.NewMemoryStore()
	f := New(Config{Namespace: "ns"}, Deps{Backend: NewStoreBackend(s)})

	if !f.SetValue(context.Background(), "k1", payload{Name: "alice"}, time.Minute, nil) {
		t.Fatalf("want SetValue to succeed")
	}
	var out payload
	if !f.GetInto(context.Background(), "k1", &out, nil) {
		t.Fatalf("want GetInto to succeed")
	}
	if out.Name != "alice" {
		t.Fatalf("want decoded name alice, got %q", out.Name)
	}
}
