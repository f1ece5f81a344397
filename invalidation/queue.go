package invalidation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/tiercache/errors"
)

// Request is one queued invalidation. Requests move queued -> processing ->
// done, or back to queued with an incremented attempt count on failure until
// MaxRetries is exhausted, after which they are dropped and reported.
type Request struct {
	ID        uuid.UUID
	Keys      []string
	Strategy  Strategy
	Options   Options
	Timestamp time.Time
	Attempts  int
}

// Enqueue appends a request to the work queue and triggers the drain loop.
// Returns the request id for correlation with drop reports.
func (e *Engine) Enqueue(keys []string, strategy Strategy, opts Options) (uuid.UUID, error) {
	req := &Request{
		ID:        uuid.New(),
		Keys:      keys,
		Strategy:  strategy,
		Options:   opts,
		Timestamp: time.Now(),
	}

	e.queueMu.Lock()
	if e.closed {
		e.queueMu.Unlock()
		return uuid.Nil, errors.WrapInvalid(errors.ErrShuttingDown, "invalidation", "Enqueue", "engine closed")
	}
	if len(e.queue) >= e.cfg.QueueCapacity {
		e.queueMu.Unlock()
		return uuid.Nil, errors.WrapTransient(errors.ErrQueueFull, "invalidation", "Enqueue",
			"queue at capacity")
	}
	e.queue = append(e.queue, req)
	depth := len(e.queue)
	e.queueMu.Unlock()

	e.recordQueueDepth(depth)
	e.triggerDrain()
	return req.ID, nil
}

// QueueDepth returns the number of requests currently waiting.
func (e *Engine) QueueDepth() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.queue)
}

func (e *Engine) recordQueueDepth(depth int) {
	if e.metrics != nil {
		e.metrics.InvalidationQueueDepth.Set(float64(depth))
	}
}

// triggerDrain starts the drain loop unless one is already running. The loop
// is single-flight: a re-entrant trigger while draining is a no-op.
func (e *Engine) triggerDrain() {
	if !e.draining.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drainLoop(context.Background())
	}()
}

// drainLoop drains until the queue stays empty across the flag hand-off, so
// an enqueue racing with loop exit is never stranded.
func (e *Engine) drainLoop(ctx context.Context) {
	for {
		e.drainQueue(ctx)
		e.draining.Store(false)

		e.queueMu.Lock()
		empty := len(e.queue) == 0
		e.queueMu.Unlock()
		if empty || !e.draining.CompareAndSwap(false, true) {
			return
		}
	}
}

// drainQueue pops requests FIFO and processes each one until the queue is
// empty.
func (e *Engine) drainQueue(ctx context.Context) {
	for {
		e.queueMu.Lock()
		if len(e.queue) == 0 {
			e.queueMu.Unlock()
			return
		}
		req := e.queue[0]
		e.queue = e.queue[1:]
		depth := len(e.queue)
		e.queueMu.Unlock()

		e.recordQueueDepth(depth)
		e.process(ctx, req)
	}
}

// process runs one request. Failures re-queue with a backoff proportional to
// the attempt count; a request that exhausts MaxRetries is dropped and
// reported, never silently lost.
func (e *Engine) process(ctx context.Context, req *Request) {
	res, err := e.Invalidate(ctx, req.Keys, req.Strategy, req.Options)
	if err == nil && res.Failed == 0 {
		e.logger.Debug("invalidation request done",
			"id", req.ID, "strategy", req.Strategy, "invalidated", len(res.Invalidated))
		return
	}
	if err == nil {
		err = fmt.Errorf("partial batch failure: %d keys failed", res.Failed)
	}

	req.Attempts++
	if req.Attempts > e.cfg.MaxRetries {
		e.drop(req, err)
		return
	}

	if e.isClosed() {
		// Shutdown drain: no timers left to fire, retry inline.
		e.process(ctx, req)
		return
	}

	delay := time.Duration(req.Attempts) * e.cfg.RetryDelay
	e.logger.Warn("invalidation request failed, re-queueing",
		"id", req.ID, "attempt", req.Attempts, "delay", delay, "error", err)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-time.After(delay):
		case <-e.shutdown:
		}
		e.requeue(req)
	}()
}

// requeue puts a failed request back on the queue, bypassing the capacity
// check since the request was already admitted once.
func (e *Engine) requeue(req *Request) {
	e.queueMu.Lock()
	e.queue = append(e.queue, req)
	depth := len(e.queue)
	closed := e.closed
	e.queueMu.Unlock()

	e.recordQueueDepth(depth)
	if !closed {
		e.triggerDrain()
	}
}

func (e *Engine) isClosed() bool {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return e.closed
}

// drop reports an exhausted request via the drop handler and counter.
func (e *Engine) drop(req *Request, cause error) {
	err := fmt.Errorf("%w: %w", errors.ErrMaxRetriesExceeded, cause)
	if e.metrics != nil {
		e.metrics.InvalidationDrops.Inc()
	}
	e.logger.Error("invalidation request dropped after exhausting retries",
		"id", req.ID, "strategy", req.Strategy, "attempts", req.Attempts, "error", err)
	if e.dropHandler != nil {
		e.dropHandler(req, err)
	}
}
