package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Queue is a BlockObserver that hands events to a slower observer through a
// bounded buffer. OnBlocked never blocks: when the buffer is full or the
// queue is closed the event is dropped.
type Queue struct {
	next    ratelimit.BlockObserver
	ch      chan ratelimit.BlockEvent
	log     zerolog.Logger
	dropLog *rate.Limiter
	dropped atomic.Uint64

	workers int
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Queue)

// WithSize sets the buffer capacity (default 256).
func WithSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan ratelimit.BlockEvent, n)
		}
	}
}

// WithWorkers sets how many goroutines deliver events (default 1).
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// NewQueue starts the delivery workers. Call Close to stop them.
func NewQueue(next ratelimit.BlockObserver, opts ...Option) *Queue {
	if next == nil {
		next = ratelimit.NoOpObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		next:    next,
		ch:      make(chan ratelimit.BlockEvent, 256),
		log:     zerolog.Nop(),
		dropLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
		workers: 1,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

func (q *Queue) OnBlocked(_ context.Context, ev ratelimit.BlockEvent) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop(ev)
		return
	}
	select {
	case q.ch <- ev:
	default:
		q.drop(ev)
	}
}

// Dropped reports how many events were discarded so far.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Close stops accepting events, delivers what is buffered and waits for the
// workers to exit.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
	return nil
}

func (q *Queue) run() {
	defer q.wg.Done()
	for ev := range q.ch {
		q.deliver(ev)
	}
}

func (q *Queue) deliver(ev ratelimit.BlockEvent) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Str("key", ev.Key).Msg("block observer panicked")
		}
	}()
	q.next.OnBlocked(q.ctx, ev)
}

func (q *Queue) drop(ev ratelimit.BlockEvent) {
	n := q.dropped.Add(1)
	if q.dropLog.Allow() {
		q.log.Warn().Str("key", ev.Key).Uint64("dropped_total", n).Msg("block notification dropped")
	}
}
