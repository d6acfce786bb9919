package conn

import "sync"

// Handle is a non-owning, generation-checked reference to a Connection
// registered in a Registry. Holding a Handle does not keep the Connection
// alive or prevent it from being torn down; Resolve after the fact
// detects that case instead of dereferencing a stale pointer.
type Handle struct {
	slot int
	gen  uint64
}

// Registry hands out generation-counted Handles to Connections so that two
// Connections can hold references to each other (a Link) without either
// one pinning the other's memory or racing its destruction. Grounded in
// the same slot-reuse idea as the teacher's UD queue slot arrays, applied
// here to whole connections instead of buffers.
type Registry struct {
	mu   sync.Mutex
	slot []*slotEntry
	free []int
}

type slotEntry struct {
	gen  uint64
	conn *Connection
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register assigns c a Handle. c must not already hold one from this
// Registry.
func (r *Registry) Register(c *Connection) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		e := r.slot[idx]
		e.conn = c
		return Handle{slot: idx, gen: e.gen}
	}

	e := &slotEntry{gen: 1, conn: c}
	r.slot = append(r.slot, e)
	return Handle{slot: len(r.slot) - 1, gen: e.gen}
}

// Unregister invalidates h and every other Handle pointing at the same
// slot, then makes the slot available for reuse under a new generation.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.slot < 0 || h.slot >= len(r.slot) {
		return
	}
	e := r.slot[h.slot]
	if e.gen != h.gen {
		return
	}
	e.conn = nil
	e.gen++
	r.free = append(r.free, h.slot)
}

// Resolve returns the Connection h refers to, or (nil, false) if the slot
// was reused or cleared since h was issued.
func (r *Registry) Resolve(h Handle) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.slot < 0 || h.slot >= len(r.slot) {
		return nil, false
	}
	e := r.slot[h.slot]
	if e.gen != h.gen || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}
