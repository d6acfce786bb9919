// Package syncwait bridges context.Context cancellation with sync.Cond,
// which has no select-friendly way to observe a context on its own.
package syncwait

import (
	"context"
	"sync"
	"time"
)

// Wait blocks on cond until predicate returns true, ctx is done, or the
// pool the caller is waiting on is closed (signalled by predicate itself
// returning true for a "closed" state — callers encode that in predicate).
// cond's Locker must already be held by the caller, exactly as sync.Cond
// requires; Wait re-acquires it before returning.
func Wait(ctx context.Context, cond *sync.Cond, predicate func() bool) error {
	if predicate() {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-stop:
		}
	}()

	for !predicate() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cond.Wait()
	}
	return nil
}

// Sleep returns nil after d elapses, or ctx.Err() if ctx is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancelled reports whether ctx has been cancelled, without blocking.
func Cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
