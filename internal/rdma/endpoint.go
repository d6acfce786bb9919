package rdma

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/mediamesh/proxycore/internal/buffer"
	"github.com/mediamesh/proxycore/internal/rdma/fabric"
)

// Endpoint wraps one fabric.Endpoint together with the Config it was
// opened with, and adapts it to buffer.MemoryRegistrar so a Pool can
// register its block directly against the transport that will move data
// in and out of it.
type Endpoint struct {
	fab fabric.Fabric
	ep  fabric.Endpoint
	cfg Config
}

// OpenEndpoint brings fab's device up and opens one connected Endpoint
// against cfg. It calls DeviceInit once per endpoint, and Close calls
// DeviceDestroy once per endpoint. CGOFabric ref-counts these calls;
// LoopbackFabric does not, so its first DeviceDestroy marks the device
// down for every endpoint opened on it.
func OpenEndpoint(ctx context.Context, fab fabric.Fabric, cfg Config) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := fab.DeviceInit(ctx); err != nil {
		return nil, fmt.Errorf("rdma: device init: %w", err)
	}
	ep, err := fab.EndpointInit(ctx, fabric.EndpointConfig{
		LocalIP:    cfg.LocalIP,
		LocalPort:  cfg.LocalPort,
		RemoteIP:   cfg.RemoteIP,
		RemotePort: cfg.RemotePort,
		QueueDepth: cfg.QueueDepthOrDefault(),
	})
	if err != nil {
		_ = fab.DeviceDestroy()
		return nil, fmt.Errorf("rdma: endpoint init: %w", err)
	}
	return &Endpoint{fab: fab, ep: ep, cfg: cfg}, nil
}

// RegisterMemory implements buffer.MemoryRegistrar.
func (e *Endpoint) RegisterMemory(addr unsafe.Pointer, length uintptr) (buffer.MemoryRegion, error) {
	return e.ep.RegisterMemory(addr, length)
}

// DeregisterMemory implements buffer.MemoryRegistrar.
func (e *Endpoint) DeregisterMemory(region buffer.MemoryRegion) error {
	fr, ok := region.(fabric.MemoryRegion)
	if !ok {
		return fmt.Errorf("rdma: region was not issued by this endpoint's fabric")
	}
	return e.ep.DeregisterMemory(fr)
}

func (e *Endpoint) postRecv(buf *buffer.Buffer) error {
	region, ok := buf.Region().(fabric.MemoryRegion)
	if !ok {
		return fmt.Errorf("rdma: buffer region was not issued by this endpoint's fabric")
	}
	return e.ep.PostRecv(buf.Addr, buf.Capacity, region)
}

func (e *Endpoint) postSend(buf *buffer.Buffer) error {
	region, ok := buf.Region().(fabric.MemoryRegion)
	if !ok {
		return fmt.Errorf("rdma: buffer region was not issued by this endpoint's fabric")
	}
	return e.ep.PostSend(buf.Addr, buf.Len, region)
}

func (e *Endpoint) cqRead(ctx context.Context, max int) ([]fabric.Completion, error) {
	return e.ep.CQRead(ctx, max)
}

// Close tears down the connected endpoint and releases the device
// reference OpenEndpoint acquired.
func (e *Endpoint) Close() error {
	err := e.ep.Close()
	if derr := e.fab.DeviceDestroy(); derr != nil && err == nil {
		err = derr
	}
	return err
}
