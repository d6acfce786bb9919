package conn

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHooks struct {
	DefaultHooks
	mu        sync.Mutex
	established int
	shutdowns   int
	received    [][]byte
	establishErr error
	shutdownErr   error
}

func (h *recordingHooks) OnEstablish(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.established++
	return h.establishErr
}

func (h *recordingHooks) OnShutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdowns++
	return h.shutdownErr
}

func (h *recordingHooks) OnReceive(ctx context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := append([]byte(nil), data...)
	h.received = append(h.received, cp)
	return nil
}

func TestConnectionLifecycleHappyPath(t *testing.T) {
	hooks := &recordingHooks{}
	c := New(KindReceiver, hooks)
	ctx := context.Background()

	assert.Equal(t, StateNotConfigured, c.State())

	require.NoError(t, c.Configure(ctx))
	assert.Equal(t, StateConfigured, c.State())

	require.NoError(t, c.Establish(ctx))
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, 1, hooks.established)

	require.NoError(t, c.Suspend(ctx))
	assert.Equal(t, StateSuspended, c.State())

	require.NoError(t, c.Resume(ctx))
	assert.Equal(t, StateActive, c.State())

	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, hooks.shutdowns)
}

func TestConnectionConfigureTwiceFails(t *testing.T) {
	c := New(KindTransmitter, &recordingHooks{})
	ctx := context.Background()

	require.NoError(t, c.Configure(ctx))
	err := c.Configure(ctx)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestConnectionEstablishFromWrongStateFails(t *testing.T) {
	c := New(KindTransmitter, &recordingHooks{})
	ctx := context.Background()

	err := c.Establish(ctx)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestConnectionEstablishFailureClosesConnection(t *testing.T) {
	hooks := &recordingHooks{establishErr: assertErr}
	c := New(KindReceiver, hooks)
	ctx := context.Background()

	require.NoError(t, c.Configure(ctx))
	err := c.Establish(ctx)
	assert.Error(t, err)
	assert.Equal(t, StateClosed, c.State())

	// A subsequent Shutdown still runs the hook exactly once; it must not
	// re-enter the already-failed OnEstablish's cleanup.
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, 1, hooks.shutdowns)
}

func TestConnectionShutdownIsIdempotent(t *testing.T) {
	hooks := &recordingHooks{}
	c := New(KindReceiver, hooks)
	ctx := context.Background()

	require.NoError(t, c.Configure(ctx))
	require.NoError(t, c.Establish(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Shutdown(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, hooks.shutdowns)
	assert.Equal(t, StateClosed, c.State())
}

func TestConnectionShutdownBeforeConfigureSkipsHook(t *testing.T) {
	hooks := &recordingHooks{}
	c := New(KindReceiver, hooks)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, 0, hooks.shutdowns)
	assert.Equal(t, StateClosed, c.State())
}

func TestLinkForwardsDeliveredData(t *testing.T) {
	registry := NewRegistry()
	upstreamHooks := &recordingHooks{}
	downstreamHooks := &recordingHooks{}

	upstream := New(KindReceiver, upstreamHooks)
	downstream := New(KindReceiver, downstreamHooks)

	ctx := context.Background()
	require.NoError(t, upstream.Configure(ctx))
	require.NoError(t, upstream.Establish(ctx))
	require.NoError(t, downstream.Configure(ctx))
	require.NoError(t, downstream.Establish(ctx))

	upstream.SetLink(NewLink(registry, downstream))

	payload := []byte("hello")
	require.NoError(t, upstream.deliver(ctx, payload))

	assert.Len(t, upstreamHooks.received, 1)
	assert.Len(t, downstreamHooks.received, 1)
	assert.Equal(t, payload, downstreamHooks.received[0])
}

func TestLinkToClosedPeerReturnsConnClosed(t *testing.T) {
	registry := NewRegistry()
	upstream := New(KindReceiver, &recordingHooks{})
	downstream := New(KindReceiver, &recordingHooks{})
	ctx := context.Background()

	require.NoError(t, upstream.Configure(ctx))
	require.NoError(t, upstream.Establish(ctx))

	link := NewLink(registry, downstream)
	upstream.SetLink(link)

	require.NoError(t, downstream.Shutdown(ctx))

	err := upstream.deliver(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrConnClosed)
}

var assertErr = &OpError{Op: "test", Err: ErrInitializationFailed}
