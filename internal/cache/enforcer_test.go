package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/datapunk/lake/internal/eviction"
	"github.com/datapunk/lake/internal/metrics"
	"github.com/datapunk/lake/internal/store"
)

func TestFIFOEvictionAtCapacityTwo(t *testing.T) {
	s := store.NewMemoryStore()
	policy := eviction.NewFIFO()
	sink := metrics.New(metrics.Config{})
	enforcer := NewEnforcer(EnforcerConfig{Namespace: "ns", MaxSize: 2}, policy, map[string]store.Store{"a": s}, sink)
	f := New(Config{Namespace: "ns"}, Deps{
		Backend:    NewStoreBackend(s),
		NodeStores: map[string]store.Store{"a": s},
		Policy:     policy,
		Metrics:    sink,
		Enforcer:   enforcer,
	})
	ctx := context.Background()

	f.Set(ctx, "k1", []byte("v1"), time.Minute)
	f.Set(ctx, "k2", []byte("v2"), time.Minute)
	f.Set(ctx, "k3", []byte("v3"), time.Minute)

	if got := f.Get(ctx, "k1", nil); got != nil {
		t.Fatalf("want first-in key evicted, got %q", got)
	}
	if got := f.Get(ctx, "k2", nil); string(got) != "v2" {
		t.Fatalf("want k2 kept, got %q", got)
	}
	if got := f.Get(ctx, "k3", nil); string(got) != "v3" {
		t.Fatalf("want k3 kept, got %q", got)
	}

	key := metrics.Key("cache.evictions", map[string]string{"policy": "fifo"})
	stats := sink.Query(key, time.Time{}, time.Now().Add(time.Hour))
	if stats.Count != 1 || stats.Mean != 1 {
		t.Fatalf("want one eviction recorded with policy tag, got count %d value %v", stats.Count, stats.Mean)
	}
}

func TestEnforceIsNoOpUnderCapacity(t *testing.T) {
	s := store.NewMemoryStore()
	policy := eviction.NewLRU()
	enforcer := NewEnforcer(EnforcerConfig{Namespace: "ns", MaxSize: 10}, policy, map[string]store.Store{"a": s}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("ns:k%d", i)
		s.Set(ctx, key, []byte("v"), time.Minute)
		policy.RecordAccess(key)
	}

	if n := enforcer.Enforce(ctx); n != 0 {
		t.Fatalf("want no evictions under capacity, got %d", n)
	}
	for i := 0; i < 3; i++ {
		if ok, _ := s.Exists(ctx, fmt.Sprintf("ns:k%d", i)); !ok {
			t.Fatalf("want key k%d untouched", i)
		}
	}
}

func TestEnforceReclaimsExcessInPolicyOrder(t *testing.T) {
	s := store.NewMemoryStore()
	policy := eviction.NewFIFO()
	enforcer := NewEnforcer(EnforcerConfig{Namespace: "ns", MaxSize: 2}, policy, map[string]store.Store{"a": s}, nil)
	ctx := context.Background()

	for _, k := range []string{"ns:a", "ns:b", "ns:c", "ns:d"} {
		s.Set(ctx, k, []byte("v"), time.Minute)
		policy.RecordAccess(k)
	}

	if n := enforcer.Enforce(ctx); n != 2 {
		t.Fatalf("want 2 evictions, got %d", n)
	}
	for _, k := range []string{"ns:a", "ns:b"} {
		if ok, _ := s.Exists(ctx, k); ok {
			t.Fatalf("want oldest key %s evicted", k)
		}
	}
	for _, k := range []string{"ns:c", "ns:d"} {
		if ok, _ := s.Exists(ctx, k); !ok {
			t.Fatalf("want newest key %s kept", k)
		}
	}
}
