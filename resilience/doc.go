// Package resilience guards calls into cache backends and queue consumers.
//
// The patterns compose through an Executor; the execution order from the
// outside in is rate limiter, bulkhead, circuit breaker, retry, timeout:
//
//	exec := resilience.NewExecutor(
//	    resilience.WithCircuitBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "redis"})),
//	    resilience.WithRetry(resilience.NewRetry(resilience.RetryConfig{MaxAttempts: 2})),
//	    resilience.WithTimeout(250*time.Millisecond),
//	)
//	err := exec.Execute(ctx, func(ctx context.Context) error {
//	    return client.Set(ctx, key, record, ttl).Err()
//	})
//
// Errors wrapped with Permanent are never retried and never trip a breaker.
// KeyedRateLimiter keeps one token bucket per key; the response cache uses
// it to reject write storms of equal-priority entries.
package resilience
