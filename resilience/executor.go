package resilience

import (
	"context"
	"time"
)

// Executor composes resilience patterns.
type Executor struct {
	circuitBreaker *CircuitBreaker
	retry          *Retry
	rateLimiter    *RateLimiter
	bulkhead       *Bulkhead
	timeout        *Timeout
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates a new resilience executor. With no options Execute
// simply calls the operation.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithCircuitBreaker adds a circuit breaker.
func WithCircuitBreaker(cb *CircuitBreaker) ExecutorOption {
	return func(e *Executor) { e.circuitBreaker = cb }
}

// WithRetry adds retries.
func WithRetry(r *Retry) ExecutorOption {
	return func(e *Executor) { e.retry = r }
}

// WithRateLimiter adds rate limiting.
func WithRateLimiter(rl *RateLimiter) ExecutorOption {
	return func(e *Executor) { e.rateLimiter = rl }
}

// WithBulkhead adds concurrency isolation.
func WithBulkhead(b *Bulkhead) ExecutorOption {
	return func(e *Executor) { e.bulkhead = b }
}

// WithTimeout bounds each attempt by d.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = NewTimeout(TimeoutConfig{Timeout: d}) }
}

// Execute runs op through the configured patterns. From the outside in:
// rate limiter, bulkhead, circuit breaker, retry, timeout. The timeout
// bounds each attempt and the breaker sees the outcome after retries.
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error) error {
	run := op
	if e.timeout != nil {
		run = wrap(e.timeout.Execute, run)
	}
	if e.retry != nil {
		run = wrap(e.retry.Execute, run)
	}
	if e.circuitBreaker != nil {
		run = wrap(e.circuitBreaker.Execute, run)
	}
	if e.bulkhead != nil {
		run = wrap(e.bulkhead.Execute, run)
	}
	if e.rateLimiter != nil {
		run = wrap(e.rateLimiter.Execute, run)
	}
	return run(ctx)
}

// CircuitBreaker returns the configured breaker, or nil.
func (e *Executor) CircuitBreaker() *CircuitBreaker {
	return e.circuitBreaker
}

func wrap(layer func(context.Context, func(context.Context) error) error, inner func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return layer(ctx, inner)
	}
}

// BackendPolicy is the configuration form of a backend executor.
type BackendPolicy struct {
	// Timeout bounds each backend call.
	// Default: 250ms
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// Attempts is the total attempts per call.
	// Default: 2
	Attempts int `yaml:"attempts" env:"ATTEMPTS"`

	// BreakerFailures opens the breaker after this many consecutive failures.
	// Default: 5
	BreakerFailures int `yaml:"breaker_failures" env:"BREAKER_FAILURES"`

	// BreakerReset is how long the breaker stays open.
	// Default: 10s
	BreakerReset time.Duration `yaml:"breaker_reset" env:"BREAKER_RESET"`
}

// NewBackendExecutor builds the executor used around remote cache calls.
func NewBackendExecutor(name string, p BackendPolicy, onStateChange func(name string, from, to State)) *Executor {
	if p.Timeout <= 0 {
		p.Timeout = 250 * time.Millisecond
	}
	if p.Attempts <= 0 {
		p.Attempts = 2
	}
	if p.BreakerReset <= 0 {
		p.BreakerReset = 10 * time.Second
	}
	return NewExecutor(
		WithCircuitBreaker(NewCircuitBreaker(CircuitBreakerConfig{
			Name:          name,
			MaxFailures:   p.BreakerFailures,
			ResetTimeout:  p.BreakerReset,
			OnStateChange: onStateChange,
		})),
		WithRetry(NewRetry(RetryConfig{
			MaxAttempts:  p.Attempts,
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Jitter:       true,
		})),
		WithTimeout(p.Timeout),
	)
}
