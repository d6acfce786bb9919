package rdma

import (
	"context"
	"fmt"
	"sync"

	"github.com/mediamesh/proxycore/internal/buffer"
	"github.com/mediamesh/proxycore/internal/conn"
	"github.com/mediamesh/proxycore/internal/rdma/fabric"
	"github.com/mediamesh/proxycore/internal/telemetry"
)

// Connection implements conn.Hooks over a fabric-backed RDMA endpoint. A
// receiver's OnEstablish posts its buffer pool as receive buffers and
// starts a CQ-poller/processing worker pair that delivers arriving
// payloads into the owning conn.Connection; a transmitter's OnEstablish
// starts only the send-completion reaper and exposes Transmit for
// callers to push payloads out.
type Connection struct {
	cfg     Config
	fab     fabric.Fabric
	kind    conn.Kind
	metrics *telemetry.Metrics

	mu       sync.Mutex
	owner    *conn.Connection
	endpoint *Endpoint
	pool     *buffer.Pool
	rx       *rxWorkers
	tx       *txWorkers
}

// New returns a Connection ready to be wrapped in a conn.Connection via
// SetOwner before Configure/Establish are called on it.
func New(kind conn.Kind, fab fabric.Fabric, cfg Config, metrics *telemetry.Metrics) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Connection{cfg: cfg, fab: fab, kind: kind, metrics: metrics}, nil
}

// SetOwner records the conn.Connection this transport delivers received
// data into. Must be called before Establish.
func (c *Connection) SetOwner(owner *conn.Connection) {
	c.mu.Lock()
	c.owner = owner
	c.mu.Unlock()
}

// SetMetrics attaches (or replaces) the metrics sink Transmit/Deliver
// report against. Safe to call before Establish.
func (c *Connection) SetMetrics(metrics *telemetry.Metrics) {
	c.mu.Lock()
	c.metrics = metrics
	c.mu.Unlock()
}

// Transmit posts payload for sending. Valid only on a transmitter that
// has completed OnEstablish (i.e. its owning conn.Connection is Active).
func (c *Connection) Transmit(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()
	if tx == nil {
		return fmt.Errorf("rdma: connection not established")
	}
	if err := tx.Transmit(ctx, payload); err != nil {
		return err
	}
	c.metrics.RecordTxPosted(ctx)
	return nil
}

// PoolAvailable exposes the free-buffer count for the telemetry gauge
// callback to poll.
func (c *Connection) PoolAvailable() int64 {
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()
	if pool == nil {
		return 0
	}
	return int64(pool.Len())
}

func (c *Connection) OnEstablish(ctx context.Context) error {
	endpoint, err := OpenEndpoint(ctx, c.fab, c.cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", conn.ErrInitializationFailed, err)
	}

	slotSize := c.cfg.TransferSize
	pool, err := buffer.Init(c.cfg.QueueDepthOrDefault(), slotSize, endpoint)
	if err != nil {
		_ = endpoint.Close()
		return fmt.Errorf("%w: %w", conn.ErrMemoryRegistrationFailed, err)
	}

	c.mu.Lock()
	c.endpoint = endpoint
	c.pool = pool
	c.mu.Unlock()

	switch c.kind {
	case conn.KindReceiver:
		rx := newRxWorkers(endpoint, pool, c.deliver)
		if err := rx.start(ctx, c.cfg.QueueDepthOrDefault()); err != nil {
			_ = pool.Close()
			_ = endpoint.Close()
			c.mu.Lock()
			c.pool = nil
			c.endpoint = nil
			c.mu.Unlock()
			return err
		}
		c.mu.Lock()
		c.rx = rx
		c.mu.Unlock()
	case conn.KindTransmitter:
		tx := newTxWorkers(endpoint, pool)
		tx.start(ctx)
		c.mu.Lock()
		c.tx = tx
		c.mu.Unlock()
	}
	return nil
}

func (c *Connection) deliver(ctx context.Context, data []byte) error {
	c.mu.Lock()
	owner := c.owner
	c.mu.Unlock()
	if owner == nil {
		return nil
	}
	c.metrics.RecordRxDelivered(ctx)
	return owner.Deliver(ctx, data)
}

func (c *Connection) OnSuspend(ctx context.Context) error {
	c.mu.Lock()
	rx, tx := c.rx, c.tx
	c.mu.Unlock()
	if rx != nil {
		rx.suspend()
	}
	if tx != nil {
		tx.suspend()
	}
	return nil
}

func (c *Connection) OnResume(ctx context.Context) error {
	c.mu.Lock()
	rx, tx := c.rx, c.tx
	c.mu.Unlock()
	if rx != nil {
		rx.resume()
	}
	if tx != nil {
		tx.resume()
	}
	return nil
}

func (c *Connection) OnShutdown(ctx context.Context) error {
	c.mu.Lock()
	rx, tx, pool, endpoint := c.rx, c.tx, c.pool, c.endpoint
	c.rx, c.tx, c.pool, c.endpoint = nil, nil, nil, nil
	c.mu.Unlock()

	if rx != nil {
		rx.stop()
	}
	if tx != nil {
		tx.stop()
	}

	var err error
	if pool != nil {
		err = pool.Close()
	}
	if endpoint != nil {
		if eerr := endpoint.Close(); eerr != nil && err == nil {
			err = eerr
		}
	}
	return err
}

// OnReceive is the owning conn.Connection's own receive hook: Deliver
// calls it for every received payload before forwarding the payload
// along the Link. It does nothing; consumers of received data are other
// connections with their own Hooks, and are what SetLink points at.
func (c *Connection) OnReceive(ctx context.Context, data []byte) error {
	return nil
}
