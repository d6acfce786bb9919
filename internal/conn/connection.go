// Package conn implements the transport-agnostic connection lifecycle:
// a small state machine (not_configured -> configured -> active ->
// suspended -> closed) plus the non-owning Link that lets one connection
// forward received data to another without either side owning the
// other's lifetime.
package conn

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Connection drives a Hooks implementation through its lifecycle. All
// exported methods are safe for concurrent use; state is guarded by mu,
// which callers must never hold while invoking a Hooks method that in
// turn calls back into a lower layer expecting the mutex free (buffer
// pool, endpoint locks) — established convention across this module is
// state mutex, then pool mutex, then endpoint mutex, never the reverse.
type Connection struct {
	mu    sync.Mutex
	state State
	kind  Kind
	hooks Hooks

	link Link

	registry   *Registry
	registered bool
	handle     Handle

	shutdownOnce sync.Once
	shutdownErr  error
}

// New returns a Connection in StateNotConfigured wrapping hooks.
func New(kind Kind, hooks Hooks) *Connection {
	return &Connection{kind: kind, hooks: hooks}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Kind returns whether this connection is a transmitter or a receiver.
func (c *Connection) Kind() Kind { return c.kind }

// SetLink installs the peer this connection forwards received data to.
// Only meaningful for receivers; safe to call at any state, including
// before Configure.
func (c *Connection) SetLink(link Link) {
	c.mu.Lock()
	c.link = link
	c.mu.Unlock()
}

// Configure transitions NotConfigured -> Configured. Calling it again on a
// Configured, Active or Suspended connection is ErrAlreadyInitialized;
// calling it on a Closed connection is ErrWrongState.
func (c *Connection) Configure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateNotConfigured:
		c.state = StateConfigured
		return nil
	case StateConfigured, StateActive, StateSuspended:
		return opErr("Configure", ErrAlreadyInitialized)
	default: // StateClosed
		return opErr("Configure", ErrWrongState)
	}
}

// Establish transitions Configured -> Active, invoking hooks.OnEstablish.
// If OnEstablish fails, the connection transitions to Closed: establishing
// is a use-once transition, not a retryable one, so a caller that wants
// another attempt must build a new Connection. Calling it again on an
// Active or Suspended connection is ErrAlreadyInitialized and leaves the
// state unchanged.
func (c *Connection) Establish(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConfigured {
		st := c.state
		c.mu.Unlock()
		if st == StateActive || st == StateSuspended {
			return opErr("Establish", ErrAlreadyInitialized)
		}
		return opErr("Establish", stateErr(st))
	}
	c.mu.Unlock()

	if err := c.hooks.OnEstablish(ctx); err != nil {
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateClosed
		}
		c.mu.Unlock()
		return opErr("Establish", err)
	}

	c.mu.Lock()
	if c.state != StateConfigured {
		// Raced with a concurrent Shutdown while OnEstablish ran.
		c.mu.Unlock()
		return opErr("Establish", ErrConnClosed)
	}
	c.state = StateActive
	c.mu.Unlock()
	return nil
}

// Suspend transitions Active -> Suspended, invoking hooks.OnSuspend.
func (c *Connection) Suspend(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		return opErr("Suspend", stateErr(st))
	}
	c.state = StateSuspended
	c.mu.Unlock()

	if err := c.hooks.OnSuspend(ctx); err != nil {
		return opErr("Suspend", err)
	}
	return nil
}

// Resume transitions Suspended -> Active, invoking hooks.OnResume.
func (c *Connection) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateSuspended {
		st := c.state
		c.mu.Unlock()
		return opErr("Resume", stateErr(st))
	}
	c.mu.Unlock()

	if err := c.hooks.OnResume(ctx); err != nil {
		return opErr("Resume", err)
	}

	c.mu.Lock()
	if c.state == StateSuspended {
		c.state = StateActive
	}
	c.mu.Unlock()
	return nil
}

// Shutdown transitions any state to Closed and invokes hooks.OnShutdown
// exactly once, regardless of how many times or how concurrently
// Shutdown is called. Callers past the first receive the same error the
// first call got.
func (c *Connection) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = StateClosed
		h, registry, registered := c.handle, c.registry, c.registered
		c.registered = false
		c.mu.Unlock()

		if registered {
			registry.Unregister(h)
		}

		if prev == StateNotConfigured {
			// Never configured: nothing for the hooks to release.
			c.shutdownErr = nil
		} else {
			c.shutdownErr = c.hooks.OnShutdown(ctx)
		}
		if c.shutdownErr != nil {
			log.Warn().Err(c.shutdownErr).Str("kind", c.kind.String()).Msg("connection shutdown hook failed")
		}
	})
	return c.shutdownErr
}

// Deliver pushes inbound data into the connection: its own OnReceive hook
// runs first, then the data is forwarded to whatever this connection is
// linked to. Transports call this from their receive worker; it is the
// counterpart to Transmit on the sending side.
func (c *Connection) Deliver(ctx context.Context, data []byte) error {
	return c.deliver(ctx, data)
}

// deliver invokes the connection's own OnReceive hook, then forwards data
// to whatever this connection is linked to, if anything. Delivery to a
// suspended or closed connection is rejected before either hook runs.
func (c *Connection) deliver(ctx context.Context, data []byte) error {
	c.mu.Lock()
	st := c.state
	link := c.link
	c.mu.Unlock()

	if st != StateActive {
		return opErr("deliver", stateErr(st))
	}
	if err := c.hooks.OnReceive(ctx, data); err != nil {
		return opErr("deliver", err)
	}
	return link.Forward(ctx, data)
}

func stateErr(st State) error {
	if st == StateClosed {
		return ErrConnClosed
	}
	return ErrWrongState
}
