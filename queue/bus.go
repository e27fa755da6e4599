package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/resilience"
)

// Handler processes one message.
type Handler func(ctx context.Context, msg Message) error

// Options configures a Bus.
type Options struct {
	// Buffer is the channel capacity.
	// Default: 256
	Buffer int

	// Workers is the number of goroutines consuming the channel.
	// Default: 4
	Workers int

	// KindConcurrency bounds concurrent handlers of one kind.
	// Default: Workers
	KindConcurrency int

	// KindWait is how long a worker waits for a kind's bulkhead slot.
	// Default: 5s
	KindWait time.Duration

	// Retry configures handler retries.
	// Default: 3 attempts, 100ms initial delay
	Retry resilience.RetryConfig

	Logger observe.Logger
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Pending   int
	Processed int64
	Failed    int64
	Dropped   int64
}

// Bus is an in-process message queue with a worker pool.
//
// Contract:
// - Concurrency: all methods are safe for concurrent use.
// - Lifecycle: Run consumes until ctx is done or Close is called; after
// Close it drains what is buffered. Dispatch fails with ErrClosed once
// Close has started.
type Bus struct {
	opts   Options
	ch     chan Envelope
	logger observe.Logger

	hmu      sync.RWMutex
	handlers map[string]Handler
	execs    map[string]*resilience.Executor

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	sealed chan struct{}
	once   sync.Once

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a Bus.
func NewBus(opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.KindConcurrency <= 0 {
		opts.KindConcurrency = opts.Workers
	}
	if opts.KindWait <= 0 {
		opts.KindWait = 5 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 3
	}
	if opts.Retry.InitialDelay <= 0 {
		opts.Retry.InitialDelay = 100 * time.Millisecond
	}
	return &Bus{
		opts:     opts,
		ch:       make(chan Envelope, opts.Buffer),
		logger:   observe.OrNop(opts.Logger).WithComponent("queue"),
		handlers: make(map[string]Handler),
		execs:    make(map[string]*resilience.Executor),
		done:     make(chan struct{}),
		sealed:   make(chan struct{}),
	}
}

// Handle registers h for kind, replacing any previous handler.
func (b *Bus) Handle(kind string, h Handler) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	b.handlers[kind] = h
	if _, ok := b.execs[kind]; !ok {
		b.execs[kind] = resilience.NewExecutor(
			resilience.WithBulkhead(resilience.NewBulkhead(resilience.BulkheadConfig{
				MaxConcurrent: b.opts.KindConcurrency,
				MaxWait:       b.opts.KindWait,
			})),
			resilience.WithRetry(resilience.NewRetry(b.opts.Retry)),
		)
	}
}

// Dispatch enqueues msg. It blocks while the buffer is full until ctx is
// done or the bus closes.
func (b *Bus) Dispatch(ctx context.Context, msg Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	env := Envelope{ID: uuid.NewString(), Message: msg, EnqueuedAt: time.Now()}
	select {
	case b.ch <- env:
		b.logger.Debug(ctx, "message queued", observe.F("id", env.ID), observe.F("kind", msg.Kind()))
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until they exit.
func (b *Bus) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < b.opts.Workers; i++ {
		g.Go(func() error {
			b.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Close stops accepting messages and lets Run drain the buffer.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.sealed)
	})
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Pending:   len(b.ch),
		Processed: b.processed.Load(),
		Failed:    b.failed.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Capacity returns the buffer size.
func (b *Bus) Capacity() int {
	return cap(b.ch)
}

func (b *Bus) work(ctx context.Context) {
	for {
		select {
		case env := <-b.ch:
			b.process(ctx, env)
		case <-ctx.Done():
			return
		case <-b.sealed:
			for {
				select {
				case env := <-b.ch:
					b.process(ctx, env)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) process(ctx context.Context, env Envelope) {
	kind := env.Message.Kind()
	b.hmu.RLock()
	h, ok := b.handlers[kind]
	exec := b.execs[kind]
	b.hmu.RUnlock()

	if !ok {
		b.dropped.Add(1)
		b.logger.Warn(ctx, "no handler for message", observe.F("id", env.ID), observe.F("kind", kind))
		return
	}

	err := exec.Execute(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = resilience.Permanent(fmt.Errorf("queue: handler panic: %v", r))
			}
		}()
		return h(ctx, env.Message)
	})
	if err != nil {
		b.failed.Add(1)
		b.logger.Error(ctx, "message failed", observe.F("id", env.ID), observe.F("kind", kind), observe.Err(err))
		return
	}
	b.processed.Add(1)
	b.logger.Debug(ctx, "message processed", observe.F("id", env.ID), observe.F("kind", kind),
		observe.F("latency_ms", time.Since(env.EnqueuedAt).Milliseconds()))
}
