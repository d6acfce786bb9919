package buffer

import (
	"context"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistrar satisfies MemoryRegistrar without touching any real fabric,
// mirroring the loopback style used for rdma.NewMockRDMAManager in the
// teacher's own device tests.
type fakeRegistrar struct {
	mu           sync.Mutex
	registered   int
	deregistered int
}

type fakeRegion struct{ key uint32 }

func (r *fakeRegion) LocalKey() uint32 { return r.key }

func (f *fakeRegistrar) RegisterMemory(addr unsafe.Pointer, length uintptr) (MemoryRegion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered++
	return &fakeRegion{key: uint32(f.registered)}, nil
}

func (f *fakeRegistrar) DeregisterMemory(region MemoryRegion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered++
	return nil
}

func TestPoolAcquireRelease(t *testing.T) {
	reg := &fakeRegistrar{}
	pool, err := Init(4, 1024, reg)
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, 4, pool.Len())
	assert.True(t, pool.Available())

	ctx := context.Background()
	buf, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, buf.Addr)
	assert.EqualValues(t, 1024, buf.Capacity)
	assert.Equal(t, 3, pool.Len())

	pool.Release(buf)
	assert.Equal(t, 4, pool.Len())
	assert.True(t, pool.Available())
}

func TestPoolExhaustionBlocksUntilRelease(t *testing.T) {
	reg := &fakeRegistrar{}
	pool, err := Init(1, 512, reg)
	require.NoError(t, err)
	defer pool.Close()

	buf, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, pool.Empty())

	done := make(chan struct{})
	go func() {
		b, err := pool.Acquire(context.Background())
		assert.NoError(t, err)
		assert.Same(t, buf, b)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned before a buffer was released")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(buf)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestPoolAcquireCancelledByContext(t *testing.T) {
	reg := &fakeRegistrar{}
	pool, err := Init(1, 512, reg)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolCloseUnblocksWaiters(t *testing.T) {
	reg := &fakeRegistrar{}
	pool, err := Init(1, 512, reg)
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pool.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Close")
	}

	assert.Equal(t, 1, reg.deregistered)
}

func TestPoolFIFOOrder(t *testing.T) {
	reg := &fakeRegistrar{}
	pool, err := Init(3, 256, reg)
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	third, err := pool.Acquire(ctx)
	require.NoError(t, err)

	pool.Release(first)
	pool.Release(second)
	pool.Release(third)

	got1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	got2, err := pool.Acquire(ctx)
	require.NoError(t, err)
	got3, err := pool.Acquire(ctx)
	require.NoError(t, err)

	assert.Same(t, first, got1)
	assert.Same(t, second, got2)
	assert.Same(t, third, got3)
}
