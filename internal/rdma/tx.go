package rdma

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mediamesh/proxycore/internal/buffer"
	"github.com/mediamesh/proxycore/internal/conn"
	"github.com/mediamesh/proxycore/internal/rdma/fabric"
	"github.com/mediamesh/proxycore/internal/syncwait"
)

// txWorkers is the transmit-side worker pair: Transmit acquires a buffer,
// copies the caller's payload into it and posts a send; a CQ poller
// goroutine reaps send completions and returns their buffers to the
// pool. The pool itself is the sole admission control for outgoing
// traffic — Transmit blocks (cancellably) when it is empty rather than
// queuing unboundedly in front of the fabric.
type txWorkers struct {
	endpoint *Endpoint
	pool     *buffer.Pool

	suspended atomic.Bool
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

func newTxWorkers(endpoint *Endpoint, pool *buffer.Pool) *txWorkers {
	return &txWorkers{endpoint: endpoint, pool: pool}
}

func (w *txWorkers) start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.cqPollerLoop(workerCtx)
}

// Transmit blocks until a buffer is available, copies payload into it
// (payload must fit within the connection's configured transfer size),
// and posts the send. It returns once the send is posted, not once it
// completes — completion is reaped asynchronously by the CQ poller.
func (w *txWorkers) Transmit(ctx context.Context, payload []byte) error {
	buf, err := w.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	if uint32(len(payload)) > buf.Capacity {
		w.pool.Release(buf)
		return fmt.Errorf("%w: rdma: payload of %d bytes exceeds buffer capacity %d", conn.ErrBadArgument, len(payload), buf.Capacity)
	}
	n := copy(buf.Cap(), payload)
	buf.Len = uint32(n)

	if err := w.endpoint.postSend(buf); err != nil {
		w.pool.Release(buf)
		return fmt.Errorf("rdma: post send: %w", err)
	}
	return nil
}

func (w *txWorkers) cqPollerLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		if w.suspended.Load() {
			if err := syncwait.Sleep(ctx, time.Millisecond); err != nil {
				return
			}
			continue
		}
		completions, err := w.endpoint.cqRead(ctx, CQBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("rdma tx: cq read failed, stopping worker")
			w.cancel()
			return
		}
		for _, c := range completions {
			w.handleCompletion(c)
		}
	}
}

func (w *txWorkers) handleCompletion(c fabric.Completion) {
	buf, ok := w.pool.BufferAt(c.Addr)
	if !ok {
		log.Warn().Msg("rdma tx: completion for unknown buffer address")
		return
	}
	if c.Err != nil {
		log.Warn().Err(c.Err).Msg("rdma tx: send completion error")
	}
	w.pool.Release(buf)
}

func (w *txWorkers) suspend() { w.suspended.Store(true) }
func (w *txWorkers) resume()  { w.suspended.Store(false) }

func (w *txWorkers) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
