package warming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/datapunk/lake/internal/access"
)

type fakeWriter struct {
	mu      sync.Mutex
	written map[string][]byte
}

func newFakeWriter() *fakeWriter { return &fakeWriter{written: make(map[string][]byte)} }

func (w *fakeWriter) Set(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written[key] = value
	return true, nil
}

func TestTimeBasedStrategyWarmsPredictedKey(t *testing.T) {
	tr := access.New(access.Config{})
	base := time.Now()
	period := 30 * time.Second
	for i := 0; i < 6; i++ {
		i := i
		tr.SetNow(func() time.Time { return base.Add(time.Duration(i) * period) })
		tr.RecordAccess("user:1")
	}

	writer := newFakeWriter()
	present := func(string) bool { return false }
	fetch := func(_ context.Context, key string) ([]byte, error) { return []byte("warmed:" + key), nil }

	e := New(tr, present, fetch, writer)
	e.now = func() time.Time { return base.Add(6 * period) }
	if err := e.Register("user:*", Config{Strategies: []string{"time"}, WarmWindow: time.Minute}); err != nil {
		t.Fatalf("register: %v", err)
	}
	e.Tick(context.Background())

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if _, ok := writer.written["user:1"]; !ok {
		t.Fatal("want user:1 warmed from its predicted next access")
	}
}

func TestRelatedStrategyWarmsMissingRelatedKey(t *testing.T) {
	tr := access.New(access.Config{})
	base := time.Now()
	for i := 0; i < 5; i++ {
		i := i
		tr.SetNow(func() time.Time { return base.Add(time.Duration(i) * time.Minute) })
		tr.RecordAccess("a")
		tr.RecordAccess("b")
	}

	present := map[string]bool{"a": true}
	writer := newFakeWriter()
	fetch := func(_ context.Context, key string) ([]byte, error) { return []byte("v"), nil }

	e := New(tr, func(k string) bool { return present[k] }, fetch, writer)
	if err := e.Register("*", Config{Strategies: []string{"related"}, RelatedThreshold: 0.8}); err != nil {
		t.Fatalf("register: %v", err)
	}
	e.Tick(context.Background())

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if _, ok := writer.written["b"]; !ok {
		t.Fatal("want b warmed as related to present key a")
	}
}

func TestFetchNilSkipsWrite(t *testing.T) {
	tr := access.New(access.Config{})
	base := time.Now()
	period := 30 * time.Second
	for i := 0; i < 6; i++ {
		i := i
		tr.SetNow(func() time.Time { return base.Add(time.Duration(i) * period) })
		tr.RecordAccess("k")
	}
	writer := newFakeWriter()
	e := New(tr, func(string) bool { return false }, func(context.Context, string) ([]byte, error) { return nil, nil }, writer)
	e.now = func() time.Time { return base.Add(6 * period) }
	_ = e.Register("*", Config{Strategies: []string{"time"}, WarmWindow: time.Minute})
	e.Tick(context.Background())

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.written) != 0 {
		t.Fatalf("want no writes when fetch returns nil, got %v", writer.written)
	}
}

func TestBatchSizeCapsCandidates(t *testing.T) {
	tr := access.New(access.Config{})
	base := time.Now()
	for _, key := range []string{"k1", "k2", "k3"} {
		for i := 0; i < 6; i++ {
			i := i
			tr.SetNow(func() time.Time { return base.Add(time.Duration(i) * 30 * time.Second) })
			tr.RecordAccess(key)
		}
	}
	writer := newFakeWriter()
	fetch := func(_ context.Context, key string) ([]byte, error) { return []byte("v"), nil }
	e := New(tr, func(string) bool { return false }, fetch, writer)
	e.now = func() time.Time { return base.Add(6 * 30 * time.Second) }
	_ = e.Register("*", Config{Strategies: []string{"time"}, WarmWindow: time.Minute, BatchSize: 1})
	e.Tick(context.Background())

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.written) != 1 {
		t.Fatalf("want batch size of 1 enforced, wrote %d", len(writer.written))
	}
}
