package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "user:1", []byte("a"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "user:1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "a" {
		t.Fatalf("got %q, want %q", got, "a")
	}

	n, err := s.Del(ctx, "user:1")
	if err != nil || n != 1 {
		t.Fatalf("Del: n=%d err=%v", n, err)
	}
	if _, err := s.Get(ctx, "user:1"); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Get(ctx, "k"); err != ErrKeyNotFound {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestMemoryStoreScanMatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Set(ctx, "ns:a", []byte("1"), 0)
	s.Set(ctx, "ns:b", []byte("2"), 0)
	s.Set(ctx, "other:c", []byte("3"), 0)

	_, keys, err := s.Scan(ctx, 0, "ns:*", 100)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestMemoryStoreSortedSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.ZAdd(ctx, "lru:ns", "k1", 10)
	s.ZAdd(ctx, "lru:ns", "k2", 5)
	s.ZAdd(ctx, "lru:ns", "k3", 20)

	members, err := s.ZRange(ctx, "lru:ns", 0, 1)
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	if len(members) != 2 || members[0].Member != "k2" || members[1].Member != "k1" {
		t.Fatalf("unexpected order: %+v", members)
	}

	score, ok, err := s.ZScore(ctx, "lru:ns", "k3")
	if err != nil || !ok || score != 20 {
		t.Fatalf("ZScore: score=%v ok=%v err=%v", score, ok, err)
	}
}

func TestMemoryStorePipeline(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Set(ctx, "k1", []byte("old"), 0)

	p := s.Pipeline()
	p.Set("k1", []byte("new"), 0)
	p.Del("k2")
	errs, err := p.Exec(ctx)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	for i, e := range errs {
		if e != nil {
			t.Fatalf("op %d failed: %v", i, e)
		}
	}

	got, _ := s.Get(ctx, "k1")
	if string(got) != "new" {
		t.Fatalf("got %q, want new", got)
	}
}

func TestMemoryStorePubSub(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	sub, err := s.Subscribe(ctx, "sync")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := s.Publish(ctx, "sync", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if string(msg.Payload) != "hello" {
			t.Fatalf("got %q, want hello", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
