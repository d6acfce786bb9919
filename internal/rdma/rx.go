package rdma

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mediamesh/proxycore/internal/buffer"
	"github.com/mediamesh/proxycore/internal/rdma/fabric"
	"github.com/mediamesh/proxycore/internal/syncwait"
)

// rxWorkers is the receive-side worker pair: a CQ poller goroutine that
// drains completed receives off the fabric and hands them to a single
// processing goroutine over a bounded channel, matching the teacher's
// split between StartCQPoller and whatever consumes its output, adapted
// from the raw condvar cq.go uses to a channel since the payload itself
// (not just a wakeup) needs to cross the goroutine boundary.
type rxWorkers struct {
	endpoint *Endpoint
	pool     *buffer.Pool
	deliver  func(ctx context.Context, data []byte) error

	completions chan fabric.Completion
	suspended   atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func newRxWorkers(endpoint *Endpoint, pool *buffer.Pool, deliver func(context.Context, []byte) error) *rxWorkers {
	return &rxWorkers{
		endpoint:    endpoint,
		pool:        pool,
		deliver:     deliver,
		completions: make(chan fabric.Completion, CQBatchSize*2),
	}
}

// start posts one receive buffer per pool slot and launches the CQ
// poller and processing goroutines.
func (w *rxWorkers) start(ctx context.Context, queueDepth int) error {
	for i := 0; i < queueDepth; i++ {
		buf, err := w.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		if err := w.endpoint.postRecv(buf); err != nil {
			return err
		}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(2)
	go w.cqPollerLoop(workerCtx)
	go w.processingLoop(workerCtx)
	return nil
}

func (w *rxWorkers) cqPollerLoop(ctx context.Context) {
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
			log.Error().Err(err).Msg("rdma rx: cq read failed, stopping workers")
			w.cancel()
			return
		}
		for _, c := range completions {
			select {
			case w.completions <- c:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *rxWorkers) processingLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case c := <-w.completions:
			w.handleCompletion(ctx, c)
		case <-ctx.Done():
			return
		}
	}
}

func (w *rxWorkers) handleCompletion(ctx context.Context, c fabric.Completion) {
	buf, ok := w.pool.BufferAt(c.Addr)
	if !ok {
		log.Warn().Msg("rdma rx: completion for unknown buffer address")
		return
	}
	if c.Err != nil {
		log.Warn().Err(c.Err).Msg("rdma rx: completion error")
		w.repost(ctx, buf)
		return
	}

	buf.Len = c.Length
	if err := w.deliver(ctx, buf.Bytes()); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("rdma rx: delivery failed")
	}
	w.repost(ctx, buf)
}

func (w *rxWorkers) repost(ctx context.Context, buf *buffer.Buffer) {
	if err := w.endpoint.postRecv(buf); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("rdma rx: re-post recv failed")
	}
}

func (w *rxWorkers) suspend() { w.suspended.Store(true) }
func (w *rxWorkers) resume()  { w.suspended.Store(false) }

func (w *rxWorkers) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
