package buffer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/mediamesh/proxycore/internal/syncwait"
)

// ErrClosed is returned by Acquire once the pool has been drained by Close.
var ErrClosed = fmt.Errorf("buffer pool closed")

// Pool is a FIFO of free, pre-registered, fixed-size buffers carved out of
// one contiguous page-aligned allocation. Guarded by a mutex + condition
// variable; carries an atomic "available" flag so a caller that merely
// wants to know whether acquiring would block can skip the mutex.
//
// Invariant: every buffer handed out by Init is, at any instant, in
// exactly one of three places — the free FIFO, posted to the fabric, or
// held by the caller between Acquire and Release.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	block    []byte
	buffers  []*Buffer
	byAddr   map[unsafe.Pointer]*Buffer
	free     []*Buffer // ring-backed FIFO, oldest at index head
	head     int
	count    int
	region   MemoryRegion
	registar MemoryRegistrar

	available atomic.Bool
	closed    bool
}

// Init allocates one contiguous page-aligned block of n slots, each size
// bytes rounded up to a whole page, carves it into n buffers of capacity
// size (one per slot), registers the block with
// registrar, and enqueues all n buffers into the free FIFO.
func Init(n int, size uint32, registrar MemoryRegistrar) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("buffer pool: n must be positive, got %d", n)
	}
	if size == 0 {
		return nil, fmt.Errorf("buffer pool: buffer size must be positive")
	}

	pageSize := uintptr(os.Getpagesize())
	slotSize := alignUp(uintptr(size), pageSize)
	totalSize := slotSize * uintptr(n)

	// Over-allocate by one page so we can carve out a page-aligned window,
	// mirroring aligned_alloc(pagesize, ...) without cgo.
	raw := make([]byte, totalSize+pageSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	alignedBase := alignUp(base, pageSize)
	offset := alignedBase - base

	p := &Pool{
		block:    raw,
		buffers:  make([]*Buffer, n),
		byAddr:   make(map[unsafe.Pointer]*Buffer, n),
		free:     make([]*Buffer, n),
		count:    n,
		registar: registrar,
	}
	p.cond = sync.NewCond(&p.mu)

	region, err := registrar.RegisterMemory(unsafe.Pointer(&raw[offset]), totalSize)
	if err != nil {
		return nil, fmt.Errorf("buffer pool: register memory: %w", err)
	}
	p.region = region

	for i := 0; i < n; i++ {
		addr := unsafe.Pointer(uintptr(unsafe.Pointer(&raw[offset])) + uintptr(i)*slotSize)
		buf := &Buffer{Addr: addr, Capacity: size, region: region, index: i}
		p.buffers[i] = buf
		p.free[i] = buf
		p.byAddr[addr] = buf
	}
	p.available.Store(true)

	log.Debug().Int("count", n).Uint32("size", size).Msg("buffer pool initialized")
	return p, nil
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// Acquire blocks until a buffer is available, ctx is cancelled, or the
// pool is closed. FIFO order.
func (p *Pool) Acquire(ctx context.Context) (*Buffer, error) {
	if !p.available.Load() {
		// Fast-path miss is not authoritative; fall through to the
		// mutex-guarded check below rather than blocking speculatively.
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := syncwait.Wait(ctx, p.cond, func() bool {
		return p.closed || p.count > 0
	})
	if err != nil {
		return nil, err
	}
	if p.closed {
		return nil, ErrClosed
	}

	buf := p.free[p.head]
	p.free[p.head] = nil
	p.head = (p.head + 1) % len(p.free)
	p.count--
	if p.count == 0 {
		p.available.Store(false)
	}
	return buf, nil
}

// Release returns buf to the free FIFO and wakes at most one waiter.
// Idempotent only under the caller's own contract that a buffer is
// released by exactly one owner at a time.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	tail := (p.head + p.count) % len(p.free)
	p.free[tail] = buf
	p.count++
	p.available.Store(true)
	p.mu.Unlock()
	p.cond.Signal()
}

// Available reports, without blocking, whether an Acquire would currently
// succeed immediately. A false negative/positive race against a concurrent
// Release/Acquire is expected — this is a hint, not a guarantee.
func (p *Pool) Available() bool {
	return p.available.Load()
}

// Len returns the current number of free buffers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Empty reports whether the free FIFO currently holds zero buffers.
func (p *Pool) Empty() bool {
	return p.Len() == 0
}

// BufferAt resolves a raw address reported by a completion queue back to
// the Buffer that owns it. Safe to call after Close — Close leaves the
// lookup table in place, so the answer is unchanged.
func (p *Pool) BufferAt(addr unsafe.Pointer) (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.byAddr[addr]
	return b, ok
}

// Close drains all waiters with ErrClosed, deregisters the block's memory
// region, and releases the underlying allocation.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()

	var err error
	if p.registar != nil && p.region != nil {
		err = p.registar.DeregisterMemory(p.region)
	}
	p.block = nil
	p.buffers = nil
	p.free = nil
	log.Debug().Msg("buffer pool closed")
	return err
}
