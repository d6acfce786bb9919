package conn

import "context"

// Hooks are the callbacks a transport (e.g. an RDMA endpoint) implements to
// participate in a Connection's lifecycle. Connection itself is transport
// agnostic; Hooks is the seam a concrete transport plugs into.
type Hooks interface {
	// OnEstablish runs the transport-specific setup that takes a
	// configured connection active: opening queues, posting initial
	// receive buffers, starting worker goroutines. Returning an error
	// aborts the Establish call and closes the connection; establishing
	// is not retryable, so OnEstablish must leave no resources behind on
	// failure that a later OnShutdown call would double-release.
	OnEstablish(ctx context.Context) error

	// OnSuspend pauses transport activity without releasing resources
	// acquired in OnEstablish. Called with the connection already marked
	// Suspended; a transport with nothing to pause may no-op.
	OnSuspend(ctx context.Context) error

	// OnResume undoes OnSuspend and returns the connection to active
	// service.
	OnResume(ctx context.Context) error

	// OnShutdown releases everything OnEstablish acquired. Called at
	// most once per connection, even if Shutdown is called multiple
	// times concurrently.
	OnShutdown(ctx context.Context) error

	// OnReceive delivers payload data pulled off the transport to
	// whatever consumes this connection's output. data aliases a pooled
	// buffer and must not be retained past the call.
	OnReceive(ctx context.Context, data []byte) error
}

// DefaultHooks gives Suspend/Resume no-op implementations for transports
// that have nothing to pause, so embedders only need to implement
// OnEstablish, OnShutdown, and OnReceive.
type DefaultHooks struct{}

func (DefaultHooks) OnSuspend(ctx context.Context) error { return nil }
func (DefaultHooks) OnResume(ctx context.Context) error  { return nil }
