package rdma

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediamesh/proxycore/internal/conn"
	"github.com/mediamesh/proxycore/internal/rdma/fabric"
)

// sinkHooks is a terminal downstream connection that records everything
// delivered to it, standing in for whatever real consumer a receiver
// connection is linked to.
type sinkHooks struct {
	conn.DefaultHooks
	mu       sync.Mutex
	received [][]byte
}

func (s *sinkHooks) OnEstablish(ctx context.Context) error { return nil }
func (s *sinkHooks) OnShutdown(ctx context.Context) error  { return nil }
func (s *sinkHooks) OnReceive(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, append([]byte(nil), data...))
	return nil
}

func (s *sinkHooks) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func buildEndpointPair(t *testing.T, transferSize uint32, queueDepth int) (txCfg, rxCfg Config, fab fabric.Fabric) {
	t.Helper()
	fab = fabric.NewLoopbackFabric()
	txCfg = Config{
		LocalIP: "127.0.0.1", LocalPort: 20000,
		RemoteIP: "127.0.0.1", RemotePort: 20001,
		TransferSize: transferSize, QueueDepth: queueDepth,
	}
	rxCfg = Config{
		LocalIP: "127.0.0.1", LocalPort: 20001,
		RemoteIP: "127.0.0.1", RemotePort: 20000,
		TransferSize: transferSize, QueueDepth: queueDepth,
	}
	return
}

// establishConnection is safe to call from a non-test goroutine: it
// returns errors instead of failing t directly, since testify's
// require.* must run on the goroutine executing the test function.
func establishConnection(ctx context.Context, kind conn.Kind, fab fabric.Fabric, cfg Config) (*conn.Connection, *Connection, error) {
	rdmaConn, err := New(kind, fab, cfg, nil)
	if err != nil {
		return nil, nil, err
	}

	c := conn.New(kind, rdmaConn)
	rdmaConn.SetOwner(c)

	if err := c.Configure(ctx); err != nil {
		return nil, nil, err
	}
	if err := c.Establish(ctx); err != nil {
		return nil, nil, err
	}
	return c, rdmaConn, nil
}

func TestRoundTripDeliversPayload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	txCfg, rxCfg, fab := buildEndpointPair(t, 4096, 4)

	var wg sync.WaitGroup
	var txConn, rxConn *conn.Connection
	var txRdma, rxRdma *Connection
	var txErr, rxErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		txConn, txRdma, txErr = establishConnection(ctx, conn.KindTransmitter, fab, txCfg)
	}()
	go func() {
		defer wg.Done()
		rxConn, rxRdma, rxErr = establishConnection(ctx, conn.KindReceiver, fab, rxCfg)
	}()
	wg.Wait()
	require.NoError(t, txErr)
	require.NoError(t, rxErr)
	defer txConn.Shutdown(ctx)
	defer rxConn.Shutdown(ctx)

	sink := &sinkHooks{}
	sinkConn := conn.New(conn.KindReceiver, sink)
	require.NoError(t, sinkConn.Configure(ctx))
	require.NoError(t, sinkConn.Establish(ctx))
	defer sinkConn.Shutdown(ctx)

	registry := conn.NewRegistry()
	rxConn.SetLink(conn.NewLink(registry, sinkConn))

	payload := []byte("hello over loopback rdma")
	require.NoError(t, txRdma.Transmit(ctx, payload))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	got := sink.received[0]
	sink.mu.Unlock()
	assert.Equal(t, payload, got)
	_ = rxRdma
}

func TestTransmitRejectsOversizedPayload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	txCfg, rxCfg, fab := buildEndpointPair(t, 16, 2)

	var wg sync.WaitGroup
	var txConn, rxConn *conn.Connection
	var txRdma *Connection
	var txErr, rxErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		txConn, txRdma, txErr = establishConnection(ctx, conn.KindTransmitter, fab, txCfg)
	}()
	go func() {
		defer wg.Done()
		rxConn, _, rxErr = establishConnection(ctx, conn.KindReceiver, fab, rxCfg)
	}()
	wg.Wait()
	require.NoError(t, txErr)
	require.NoError(t, rxErr)
	defer txConn.Shutdown(ctx)
	defer rxConn.Shutdown(ctx)

	err := txRdma.Transmit(ctx, make([]byte, 4096))
	assert.Error(t, err)
}

func TestTransmitBlocksWhenPoolExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	txCfg, rxCfg, fab := buildEndpointPair(t, 64, 1)

	var wg sync.WaitGroup
	var txConn, rxConn *conn.Connection
	var txRdma *Connection
	var txErr, rxErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		txConn, txRdma, txErr = establishConnection(ctx, conn.KindTransmitter, fab, txCfg)
	}()
	go func() {
		defer wg.Done()
		rxConn, _, rxErr = establishConnection(ctx, conn.KindReceiver, fab, rxCfg)
	}()
	wg.Wait()
	require.NoError(t, txErr)
	require.NoError(t, rxErr)
	defer txConn.Shutdown(ctx)
	defer rxConn.Shutdown(ctx)

	// The pool has exactly one buffer. Acquire it directly so nothing
	// reaps a completion to free it back up, then confirm a concurrent
	// Transmit observes backpressure rather than an unbounded queue.
	held, err := txRdma.pool.Acquire(ctx)
	require.NoError(t, err)
	defer txRdma.pool.Release(held)

	shortCtx, shortCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer shortCancel()

	err = txRdma.Transmit(shortCtx, []byte("blocked"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	fab := fabric.NewLoopbackFabric()
	_, err := New(conn.KindTransmitter, fab, Config{}, nil)
	assert.Error(t, err)
}

func TestEstablishTimesOutWithoutPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	fab := fabric.NewLoopbackFabric()
	cfg := Config{
		LocalIP: "127.0.0.1", LocalPort: 30000,
		RemoteIP: "127.0.0.1", RemotePort: 30001,
		TransferSize: 4096, QueueDepth: 2,
	}
	rdmaConn, err := New(conn.KindTransmitter, fab, cfg, nil)
	require.NoError(t, err)
	c := conn.New(conn.KindTransmitter, rdmaConn)
	rdmaConn.SetOwner(c)

	require.NoError(t, c.Configure(ctx))
	err = c.Establish(ctx)
	assert.ErrorIs(t, err, conn.ErrInitializationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, conn.StateClosed, c.State())
}
