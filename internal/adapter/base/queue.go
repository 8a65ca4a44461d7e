// Package base provides the shared outbound command queue for adapters
package base

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"golang.org/x/time/rate"

	"pingpong/internal/amount"
	"pingpong/internal/core"
	"pingpong/internal/engine"
)

// Events is the set of engine callbacks an adapter delivers into. The
// PositionManager satisfies it.
type Events interface {
	OnNewOrder(pos *engine.Position, orderID string)
	OnSubmitError(pos *engine.Position, reason string)
	OnCancelAck(pos *engine.Position)
	OnCancelRejected(pos *engine.Position)
	OnTicker(tickerData map[string]core.TickerInfo, sentMs int64)
	OnOpenOrders(orders []core.OrderInfo, sentMs int64)
	OnOrderStatus(orderID string, status core.OrderStatus, filledQty amount.Amount)
}

// request is one queued command, possibly bound to a position.
type request struct {
	pos       *engine.Position
	cancelled int32
}

func (r *request) abort()        { atomic.StoreInt32(&r.cancelled, 1) }
func (r *request) isAborted() bool { return atomic.LoadInt32(&r.cancelled) != 0 }

// QueueConfig tunes the send queue.
type QueueConfig struct {
	Workers        int
	Capacity       int
	RatePerSecond  float64
	Burst          int
	YieldThreshold int
}

// SendQueue runs outbound exchange commands on a worker pool with rate
// limiting. It owns the adapter side of flow control: the engine yields
// while the queue is deep, and aborted requests become no-ops before their
// reply is delivered.
type SendQueue struct {
	pool    *pond.WorkerPool
	limiter *rate.Limiter
	logger  core.ILogger

	pending        int64
	yieldThreshold int64

	mu       sync.Mutex
	inflight map[*request]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSendQueue creates a send queue.
func NewSendQueue(cfg QueueConfig, logger core.ILogger) *SendQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 8
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.YieldThreshold <= 0 {
		cfg.YieldThreshold = 16
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := pond.New(
		cfg.Workers,
		cfg.Capacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(60*time.Second),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("send queue panic recovered", "panic", p)
		}),
	)

	return &SendQueue{
		pool:           pool,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:         logger.WithField("component", "send_queue"),
		yieldThreshold: int64(cfg.YieldThreshold),
		inflight:       make(map[*request]struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Enqueue schedules task on the pool. The task receives an aborted predicate
// it must consult before delivering any reply for pos.
func (q *SendQueue) Enqueue(pos *engine.Position, task func(aborted func() bool)) {
	req := &request{pos: pos}

	q.mu.Lock()
	q.inflight[req] = struct{}{}
	q.mu.Unlock()
	atomic.AddInt64(&q.pending, 1)

	q.pool.Submit(func() {
		defer func() {
			atomic.AddInt64(&q.pending, -1)
			q.mu.Lock()
			delete(q.inflight, req)
			q.mu.Unlock()
		}()

		if err := q.limiter.Wait(q.ctx); err != nil {
			return
		}
		if req.isAborted() {
			return
		}
		task(req.isAborted)
	})
}

// Abort marks every in-flight request bound to pos so its reply is dropped.
func (q *SendQueue) Abort(pos *engine.Position) {
	if pos == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for req := range q.inflight {
		if req.pos == pos {
			req.abort()
		}
	}
}

// QueuedCommands reports the number of not-yet-completed commands.
func (q *SendQueue) QueuedCommands() int {
	return int(atomic.LoadInt64(&q.pending))
}

// YieldToFlowControl reports whether the engine should pause outbound work.
func (q *SendQueue) YieldToFlowControl() bool {
	return atomic.LoadInt64(&q.pending) >= q.yieldThreshold
}

// Stop drains the pool and stops accepting work.
func (q *SendQueue) Stop() {
	q.cancel()
	q.pool.StopAndWait()
}
