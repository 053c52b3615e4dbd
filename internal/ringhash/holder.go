package ringhash

import "sync/atomic"

// Holder publishes a Ring for lock-free concurrent reads: writers call
// Store with a freshly Built Ring, readers call Load and get back an
// immutable snapshot with no synchronization other than the atomic load.
type Holder struct {
	ptr atomic.Pointer[Ring]
}

// Load returns the current Ring snapshot, or nil if none has been stored yet.
func (h *Holder) Load() *Ring {
	return h.ptr.Load()
}

// Store publishes r as the current snapshot.
func (h *Holder) Store(r *Ring) {
	h.ptr.Store(r)
}
