// Package writebehind implements the write-behind buffer: an in-memory map
// of pending writes that the cache facade enqueues into instead of writing
// through synchronously, flushed to the store on a timer or when it grows
// past its configured size.
package writebehind

import (
	"context"
	"sync"
	"time"

	"github.com/datapunk/lake/internal/logging"
	"github.com/datapunk/lake/internal/store"
)

var log = logging.Component("writebehind")

// Config controls flush cadence, per-flush TTL, and the overflow bound.
type Config struct {
	FlushInterval time.Duration // default 5s
	TTL           time.Duration // TTL applied to every flushed entry
	MaxBufferSize int           // default 10000 (applied when <= 0)
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 10000
	}
	return c
}

// Buffer batches writes destined for store, keyed by full (namespaced) key;
// duplicate Enqueue calls for the same key overwrite the pending value.
type Buffer struct {
	cfg   Config
	store store.Store

	mu      sync.Mutex
	pending map[string][]byte

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, s store.Store) *Buffer {
	return &Buffer{cfg: cfg.withDefaults(), store: s, pending: make(map[string][]byte)}
}

// Enqueue stages key/value for the next flush. If the buffer is at its
// configured size bound, it flushes synchronously first to make room.
func (b *Buffer) Enqueue(ctx context.Context, key string, value []byte) {
	b.mu.Lock()
	_, exists := b.pending[key]
	if !exists && len(b.pending) >= b.cfg.MaxBufferSize {
		b.mu.Unlock()
		b.Flush(ctx)
		b.mu.Lock()
	}
	b.pending[key] = append([]byte(nil), value...)
	b.mu.Unlock()
}

// Start launches the background flush loop; Stop drains the buffer once
// and halts it.
func (b *Buffer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Flush(context.Background())
			}
		}
	}()
}

// Stop halts the flush loop and drains any remaining buffered writes once
// before returning.
func (b *Buffer) Stop(ctx context.Context) {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.Flush(ctx)
}

// Flush atomically swaps the pending map for an empty one and issues a
// pipelined batch write of whatever it held. A batch failure is logged and
// the lost entries are not re-queued (at-most-once delivery).
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string][]byte)
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	pipe := b.store.Pipeline()
	for key, value := range batch {
		pipe.Set(key, value, b.cfg.TTL)
	}
	errs, err := pipe.Exec(ctx)
	if err != nil {
		log.Error().Err(err).Int("count", len(batch)).Msg("write-behind flush failed")
		return
	}
	for i, e := range errs {
		if e != nil {
			log.Warn().Err(e).Int("index", i).Msg("write-behind entry failed")
		}
	}
}

// Len reports the number of keys currently buffered, for tests and metrics.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
