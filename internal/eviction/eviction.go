// Package eviction implements the pluggable cache eviction policies: LRU,
// LFU, FIFO, Random, and TTL, each sharing the same small contract so the
// cache facade can swap one for another by name.
package eviction

import (
	"container/list"
	"math/rand"
	"sync"
	"time"
)

// Policy is the common contract every eviction strategy implements.
// RecordAccess is called on every read/write of key; EvictionCandidates
// returns up to n keys that should be reclaimed first; Forget removes a key
// from the policy's bookkeeping once it has been deleted from the store.
type Policy interface {
	Name() string
	RecordAccess(key string)
	EvictionCandidates(n int) []string
	Forget(key string)
}

// ByName constructs a fresh Policy instance for one of "lru", "lfu",
// "fifo", "random", "ttl". An unrecognized name falls back to LRU;
// strategy-name validation proper happens at the configuration boundary,
// which rejects unknown names before a cache is built.
func ByName(name string) Policy {
	switch name {
	case "lfu":
		return NewLFU()
	case "fifo":
		return NewFIFO()
	case "random":
		return NewRandom()
	case "ttl":
		return NewTTL()
	default:
		return NewLRU()
	}
}

// LRU evicts the least-recently-accessed keys first, using a doubly linked
// list ordered by recency (container/list, the idiomatic Go LRU building
// block) plus a map for O(1) lookup.
type LRU struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

func NewLRU() *LRU {
	return &LRU{order: list.New(), index: make(map[string]*list.Element)}
}

func (p *LRU) Name() string { return "lru" }

func (p *LRU) RecordAccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.index[key]; ok {
		p.order.MoveToFront(el)
		return
	}
	p.index[key] = p.order.PushFront(key)
}

func (p *LRU) EvictionCandidates(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for el := p.order.Back(); el != nil && len(out) < n; el = el.Prev() {
		out = append(out, el.Value.(string))
	}
	return out
}

func (p *LRU) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.index[key]; ok {
		p.order.Remove(el)
		delete(p.index, key)
	}
}

// LFU evicts the least-frequently-accessed keys first.
type LFU struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewLFU() *LFU {
	return &LFU{counts: make(map[string]int64)}
}

func (p *LFU) Name() string { return "lfu" }

func (p *LFU) RecordAccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[key]++
}

func (p *LFU) EvictionCandidates(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := make([]kc, 0, len(p.counts))
	for k, c := range p.counts {
		all = append(all, kc{k, c})
	}
	sortByCountAsc(all)
	if n > len(all) {
		n = len(all)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].key
	}
	return out
}

type kc struct {
	key   string
	count int64
}

func sortByCountAsc(all []kc) {
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].count < all[j-1].count; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
}

func (p *LFU) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, key)
}

// FIFO evicts the earliest-inserted keys first; subsequent accesses never
// change a key's position.
type FIFO struct {
	mu      sync.Mutex
	order   []string
	present map[string]struct{}
}

func NewFIFO() *FIFO {
	return &FIFO{present: make(map[string]struct{})}
}

func (p *FIFO) Name() string { return "fifo" }

func (p *FIFO) RecordAccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.present[key]; ok {
		return
	}
	p.present[key] = struct{}{}
	p.order = append(p.order, key)
}

func (p *FIFO) EvictionCandidates(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.order) {
		n = len(p.order)
	}
	out := make([]string, n)
	copy(out, p.order[:n])
	return out
}

func (p *FIFO) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.present, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Random evicts uniformly-sampled keys with no ordering bookkeeping beyond
// set membership.
type Random struct {
	mu      sync.Mutex
	present map[string]struct{}
	rng     *rand.Rand
}

func NewRandom() *Random {
	return &Random{present: make(map[string]struct{}), rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (p *Random) Name() string { return "random" }

func (p *Random) RecordAccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.present[key] = struct{}{}
}

func (p *Random) EvictionCandidates(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.present))
	for k := range p.present {
		keys = append(keys, k)
	}
	p.rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	if n > len(keys) {
		n = len(keys)
	}
	return keys[:n]
}

func (p *Random) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.present, key)
}

// TTL delegates entirely to the store's native expiry; it tracks nothing
// and never produces eviction candidates of its own.
type TTL struct{}

func NewTTL() *TTL { return &TTL{} }

func (p *TTL) Name() string                    { return "ttl" }
func (p *TTL) RecordAccess(string)             {}
func (p *TTL) EvictionCandidates(int) []string { return nil }
func (p *TTL) Forget(string)                   {}
