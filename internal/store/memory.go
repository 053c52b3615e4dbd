package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store entirely in heap memory: fast, unpersisted,
// and sufficient for tests and single-process deployments. Values are
// copied in and out, with TTL expiry, sorted sets, sets, and a simple
// in-process pub/sub fan-out on top.
type MemoryStore struct {
	mu        sync.RWMutex
	data      map[string]entry
	zsets     map[string]map[string]float64
	sets      map[string]map[string]struct{}
	subsMu    sync.Mutex
	subs      map[string][]chan Message
	closeOnce sync.Once
	closed    chan struct{}
}

type entry struct {
	value   []byte
	expires time.Time // zero value means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// NewMemoryStore returns an empty, ready-to-use in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]entry),
		zsets:  make(map[string]map[string]float64),
		sets:   make(map[string]map[string]struct{}),
		subs:   make(map[string][]chan Message),
		closed: make(chan struct{}),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := entry{value: stored}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.data[key] = e
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	return ok && !e.expired(time.Now()), nil
}

// Scan ignores cursor/count pagination (the whole key set is small enough to
// return in one call for an in-memory store) and always returns a 0 cursor.
func (m *MemoryStore) Scan(_ context.Context, _ uint64, match string, _ int64) (uint64, []string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var keys []string
	for k, e := range m.data {
		if e.expired(now) {
			continue
		}
		if match == "" || match == "*" {
			keys = append(keys, k)
			continue
		}
		if ok, _ := path.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return 0, keys, nil
}

// TTL reports key's remaining time-to-live. ok is false for a key with no
// expiry set or that does not exist.
func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	if !ok || e.expired(time.Now()) || e.expires.IsZero() {
		return 0, false, nil
	}
	return time.Until(e.expires), true, nil
}

func (m *MemoryStore) Pipeline() Pipeliner {
	return &memPipeline{store: m}
}

type memPipeline struct {
	store *MemoryStore
	ops   []func() error
}

func (p *memPipeline) Set(key string, value []byte, ttl time.Duration) {
	p.ops = append(p.ops, func() error {
		return p.store.Set(context.Background(), key, value, ttl)
	})
}

func (p *memPipeline) Del(key string) {
	p.ops = append(p.ops, func() error {
		_, err := p.store.Del(context.Background(), key)
		return err
	})
}

func (p *memPipeline) Exec(context.Context) ([]error, error) {
	errs := make([]error, len(p.ops))
	for i, op := range p.ops {
		errs[i] = op()
	}
	return errs, nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *MemoryStore) ZRange(_ context.Context, key string, start, stop int64) ([]ZMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	z := m.zsets[key]
	members := make([]ZMember, 0, len(z))
	for member, score := range z {
		members = append(members, ZMember{Member: member, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})

	n := int64(len(members))
	s, e := normalizeRange(start, stop, n)
	if s >= e {
		return []ZMember{}, nil
	}
	return members[s:e], nil
}

func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return 0, 0
	}
	return start, stop + 1
}

func (m *MemoryStore) ZRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z, ok := m.zsets[key]; ok {
		delete(z, member)
	}
	return nil
}

func (m *MemoryStore) ZIncrBy(_ context.Context, key, member string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] += delta
	return z[member], nil
}

func (m *MemoryStore) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zsets[key]
	if !ok {
		return 0, false, nil
	}
	score, ok := z[member]
	return score, ok, nil
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for mem := range s {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sets[key]; ok {
		for _, mem := range members {
			delete(s, mem)
		}
	}
	return nil
}

func (m *MemoryStore) SCard(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.sets[key])), nil
}

func (m *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- Message{Channel: channel, Payload: payload}:
		default:
			// slow subscriber; drop rather than block the publisher, since
			// pub/sub sync is best-effort.
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	ch := make(chan Message, 64)
	m.subsMu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.subsMu.Unlock()

	return &memSubscription{store: m, channel: channel, ch: ch}, nil
}

type memSubscription struct {
	store   *MemoryStore
	channel string
	ch      chan Message
	once    sync.Once
}

func (s *memSubscription) Channel() <-chan Message { return s.ch }

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.store.subsMu.Lock()
		defer s.store.subsMu.Unlock()
		subs := s.store.subs[s.channel]
		for i, ch := range subs {
			if ch == s.ch {
				s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
