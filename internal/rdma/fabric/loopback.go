package fabric

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// LoopbackFabric is an in-process, hardware-free Fabric. Two Endpoints
// configured with swapped local/remote addresses rendezvous through a
// package-level switchboard and are wired directly to each other: a
// PostSend on one copies bytes straight into the peer's next posted
// receive buffer and posts completions on both sides. Grounded in the
// same map-based mock queue the teacher's rdma_test.go uses for
// MockRDMAManager, generalized from probe packets to arbitrary payloads.
type LoopbackFabric struct {
	initialized atomic.Bool
}

// NewLoopbackFabric returns a ready-to-use LoopbackFabric.
func NewLoopbackFabric() *LoopbackFabric {
	return &LoopbackFabric{}
}

func (f *LoopbackFabric) DeviceInit(ctx context.Context) error {
	f.initialized.Store(true)
	return nil
}

func (f *LoopbackFabric) DeviceDestroy() error {
	f.initialized.Store(false)
	return nil
}

func (f *LoopbackFabric) EndpointInit(ctx context.Context, cfg EndpointConfig) (Endpoint, error) {
	if !f.initialized.Load() {
		return nil, fmt.Errorf("loopback fabric: device not initialized")
	}
	local := addrKey(cfg.LocalIP, cfg.LocalPort)
	remote := addrKey(cfg.RemoteIP, cfg.RemotePort)
	if local == "" || remote == "" {
		return nil, fmt.Errorf("loopback fabric: local and remote addresses are required")
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 32
	}

	ep := &loopbackEndpoint{
		cq:     make(chan Completion, depth*4),
		linked: make(chan struct{}),
	}

	globalSwitchboard.link(local, remote, ep)

	select {
	case <-ep.linked:
		return ep, nil
	case <-ctx.Done():
		globalSwitchboard.cancel(local, remote)
		return nil, ctx.Err()
	}
}

func addrKey(ip string, port int) string {
	if ip == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", ip, port)
}

// switchboard pairs up two EndpointInit calls whose local/remote
// addresses mirror each other.
type switchboard struct {
	mu      sync.Mutex
	pending map[string]*loopbackEndpoint
}

var globalSwitchboard = &switchboard{pending: make(map[string]*loopbackEndpoint)}

func (s *switchboard) link(local, remote string, ep *loopbackEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peerKey := remote + "|" + local
	if peer, ok := s.pending[peerKey]; ok {
		delete(s.pending, peerKey)
		ep.peer = peer
		peer.peer = ep
		close(ep.linked)
		close(peer.linked)
		return
	}
	s.pending[local+"|"+remote] = ep
}

func (s *switchboard) cancel(local, remote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, local+"|"+remote)
}

type loopbackRegion struct{ key uint32 }

func (r *loopbackRegion) LocalKey() uint32 { return r.key }

type postedRecv struct {
	addr     unsafe.Pointer
	capacity uint32
}

type loopbackEndpoint struct {
	mu        sync.Mutex
	recvQueue []postedRecv
	regionSeq uint32

	peer   *loopbackEndpoint
	linked chan struct{}

	cq     chan Completion
	closed atomic.Bool
}

func (e *loopbackEndpoint) RegisterMemory(addr unsafe.Pointer, length uintptr) (MemoryRegion, error) {
	e.mu.Lock()
	e.regionSeq++
	key := e.regionSeq
	e.mu.Unlock()
	return &loopbackRegion{key: key}, nil
}

func (e *loopbackEndpoint) DeregisterMemory(region MemoryRegion) error {
	return nil
}

func (e *loopbackEndpoint) PostRecv(addr unsafe.Pointer, capacity uint32, region MemoryRegion) error {
	if e.closed.Load() {
		return fmt.Errorf("loopback fabric: endpoint closed")
	}
	e.mu.Lock()
	e.recvQueue = append(e.recvQueue, postedRecv{addr: addr, capacity: capacity})
	e.mu.Unlock()
	return nil
}

func (e *loopbackEndpoint) PostSend(addr unsafe.Pointer, length uint32, region MemoryRegion) error {
	if e.closed.Load() {
		return fmt.Errorf("loopback fabric: endpoint closed")
	}
	peer := e.peer
	if peer == nil {
		return fmt.Errorf("loopback fabric: endpoint not connected")
	}

	peer.mu.Lock()
	if len(peer.recvQueue) == 0 {
		peer.mu.Unlock()
		e.enqueueCompletion(Completion{Kind: CompletionSend, Addr: addr, Length: length,
			Err: fmt.Errorf("loopback fabric: peer has no posted receive buffer")})
		return fmt.Errorf("loopback fabric: peer has no posted receive buffer")
	}
	rcv := peer.recvQueue[0]
	peer.recvQueue = peer.recvQueue[1:]
	peer.mu.Unlock()

	n := length
	if n > rcv.capacity {
		n = rcv.capacity
	}
	src := unsafe.Slice((*byte)(addr), n)
	dst := unsafe.Slice((*byte)(rcv.addr), n)
	copy(dst, src)

	peer.enqueueCompletion(Completion{Kind: CompletionRecv, Addr: rcv.addr, Length: n})
	e.enqueueCompletion(Completion{Kind: CompletionSend, Addr: addr, Length: length})
	return nil
}

func (e *loopbackEndpoint) enqueueCompletion(c Completion) {
	select {
	case e.cq <- c:
	default:
		// Completion queue overrun: drop with an error completion rather
		// than block the sender forever.
		go func() { e.cq <- Completion{Kind: c.Kind, Err: fmt.Errorf("loopback fabric: completion queue full")} }()
	}
}

func (e *loopbackEndpoint) CQRead(ctx context.Context, max int) ([]Completion, error) {
	if max <= 0 {
		max = 1
	}
	var out []Completion
	select {
	case c := <-e.cq:
		out = append(out, c)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for len(out) < max {
		select {
		case c := <-e.cq:
			out = append(out, c)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (e *loopbackEndpoint) Close() error {
	e.closed.Store(true)
	return nil
}
