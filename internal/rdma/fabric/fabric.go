// Package fabric defines the verbs-style transport seam between a
// connection's RDMA worker pair and whatever queue pair implementation
// backs it: real libibverbs hardware (cgofabric, build-tagged) or an
// in-process loopback used by tests and hardware-free development
// (loopbackfabric).
package fabric

import (
	"context"
	"unsafe"
)

// CompletionKind distinguishes a receive completion from a send
// completion on a polled completion queue.
type CompletionKind uint8

const (
	CompletionRecv CompletionKind = iota
	CompletionSend
)

// Completion is one polled work completion. Addr/Length describe the
// buffer involved; for a receive completion Length is the number of
// bytes actually written by the peer, which may be less than the
// buffer's capacity.
type Completion struct {
	Kind   CompletionKind
	Addr   unsafe.Pointer
	Length uint32
	Err    error
}

// MemoryRegion is the fabric-specific handle returned by RegisterMemory.
type MemoryRegion interface {
	LocalKey() uint32
}

// EndpointConfig parameters a single connected queue pair.
type EndpointConfig struct {
	LocalIP    string
	LocalPort  int
	RemoteIP   string
	RemotePort int
	QueueDepth int
}

// Endpoint is one connected queue pair: post sends and receives against
// registered memory, and poll its completion queue. Every method must be
// safe to call from the worker goroutines that own the connection's Rx
// and Tx loops; concurrent PostSend/PostRecv/CQRead calls from different
// goroutines on the same Endpoint are expected and must not race.
type Endpoint interface {
	// RegisterMemory pins addr[:length] for RDMA access and returns a
	// handle PostSend/PostRecv can reference.
	RegisterMemory(addr unsafe.Pointer, length uintptr) (MemoryRegion, error)

	// DeregisterMemory releases a region obtained from RegisterMemory.
	DeregisterMemory(region MemoryRegion) error

	// PostRecv posts addr[:capacity] as a receive buffer. The completion
	// queue later reports how many bytes the peer actually wrote to it.
	PostRecv(addr unsafe.Pointer, capacity uint32, region MemoryRegion) error

	// PostSend posts addr[:length] to be transmitted to the connected
	// peer.
	PostSend(addr unsafe.Pointer, length uint32, region MemoryRegion) error

	// CQRead blocks until at least one completion is available, ctx is
	// cancelled, or up to max completions have been drained, whichever
	// comes first. Returns ctx.Err() on cancellation.
	CQRead(ctx context.Context, max int) ([]Completion, error)

	// Close tears down the queue pair and its completion queue. Posted
	// work not yet completed is discarded.
	Close() error
}

// Fabric opens Endpoints against a device. Exactly one Fabric
// implementation backs a given build: cgofabric in production,
// loopbackfabric in tests and non-RDMA development environments.
type Fabric interface {
	// DeviceInit opens (or, for a device context that is already open,
	// joins) the underlying fabric device. rdma.OpenEndpoint calls it
	// before each EndpointInit.
	DeviceInit(ctx context.Context) error

	// EndpointInit creates one connected Endpoint per cfg. Establish
	// calls this; the returned Endpoint is owned by the caller and must
	// be Closed when the connection shuts down.
	EndpointInit(ctx context.Context, cfg EndpointConfig) (Endpoint, error)

	// DeviceDestroy releases the device context. rdma.Endpoint.Close
	// calls it once per endpoint, after closing that endpoint.
	DeviceDestroy() error
}
