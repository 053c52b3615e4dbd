package eviction

import "testing"

func TestLRUCandidatesAreLeastRecentlyUsed(t *testing.T) {
	p := NewLRU()
	p.RecordAccess("a")
	p.RecordAccess("b")
	p.RecordAccess("c")
	p.RecordAccess("a") // touch a again, making b the least recently used

	got := p.EvictionCandidates(1)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("got %v, want [b]", got)
	}
}

func TestFIFOIgnoresSubsequentAccesses(t *testing.T) {
	p := NewFIFO()
	p.RecordAccess("k1")
	p.RecordAccess("k2")
	p.RecordAccess("k3")
	p.RecordAccess("k1") // re-access should not move k1

	got := p.EvictionCandidates(1)
	if len(got) != 1 || got[0] != "k1" {
		t.Fatalf("got %v, want [k1]", got)
	}
}

func TestLFUCandidatesAreLeastFrequentlyUsed(t *testing.T) {
	p := NewLFU()
	p.RecordAccess("a")
	p.RecordAccess("a")
	p.RecordAccess("a")
	p.RecordAccess("b")

	got := p.EvictionCandidates(1)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("got %v, want [b]", got)
	}
}

func TestForgetRemovesFromCandidates(t *testing.T) {
	p := NewLRU()
	p.RecordAccess("a")
	p.RecordAccess("b")
	p.Forget("a")

	got := p.EvictionCandidates(5)
	for _, k := range got {
		if k == "a" {
			t.Fatalf("forgotten key %q still a candidate: %v", "a", got)
		}
	}
}

func TestTTLNeverProducesCandidates(t *testing.T) {
	p := NewTTL()
	p.RecordAccess("a")
	if got := p.EvictionCandidates(10); got != nil {
		t.Fatalf("expected no candidates from TTL policy, got %v", got)
	}
}

func TestByNameUnknownFallsBackToLRU(t *testing.T) {
	p := ByName("nonsense")
	if p.Name() != "lru" {
		t.Fatalf("got %q, want lru", p.Name())
	}
}
