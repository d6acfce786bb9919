package conn

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Link is a non-owning reference from one Connection to the peer it
// forwards received data to. A Connection with no Link simply drops
// whatever it receives after invoking its own OnReceive hook.
type Link struct {
	registry *Registry
	handle   Handle
}

// NewLink builds a Link pointing at peer, registering it in registry if it
// is not already registered.
func NewLink(registry *Registry, peer *Connection) Link {
	peer.mu.Lock()
	h, ok := peer.handle, peer.registered
	peer.mu.Unlock()
	if !ok {
		h = registry.Register(peer)
		peer.mu.Lock()
		peer.registry = registry
		peer.handle = h
		peer.registered = true
		peer.mu.Unlock()
	}
	return Link{registry: registry, handle: h}
}

// Forward delivers data to the linked peer's OnReceive hook, if the peer
// is still live. A stale link (peer already shut down and its slot
// reused) is reported as ErrConnClosed rather than silently dropped, so
// callers can distinguish "no link configured" from "link is dead".
func (l Link) Forward(ctx context.Context, data []byte) error {
	if l.registry == nil {
		log.Warn().Int("bytes", len(data)).Msg("dropping delivered payload: connection has no link configured")
		return nil
	}
	peer, ok := l.registry.Resolve(l.handle)
	if !ok {
		return ErrConnClosed
	}
	return peer.deliver(ctx, data)
}

// Valid reports whether the link still resolves to a live peer.
func (l Link) Valid() bool {
	if l.registry == nil {
		return false
	}
	_, ok := l.registry.Resolve(l.handle)
	return ok
}
