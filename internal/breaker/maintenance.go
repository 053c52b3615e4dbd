package breaker

import (
	"context"
	"time"
)

// StartMaintenance launches a background loop that applies time-driven
// transitions (Open to HalfOpen after the reset timeout, HalfOpen back to
// Open when the probation window expires short of its successes) without
// waiting for the next call to arrive. Returns a stop function.
func (b *Breaker) StartMaintenance(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.maintain()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (b *Breaker) maintain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for service, st := range b.states {
		switch st.mode {
		case Open:
			if now.Sub(st.lastChange) >= b.cfg.ResetTimeout {
				b.transition(service, st, HalfOpen)
			}
		case HalfOpen:
			if now.Sub(st.lastChange) >= b.cfg.HalfOpenWindow && st.halfOpenSuccesses < b.cfg.SuccessThreshold {
				b.transition(service, st, Open)
			}
		}
	}
}
