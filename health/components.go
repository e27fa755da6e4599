package health

import (
	"context"
	"fmt"
	"runtime"

	"github.com/dustin/go-humanize"

	"github.com/jonwraymond/pagecache/cache"
	"github.com/jonwraymond/pagecache/queue"
	"github.com/jonwraymond/pagecache/resilience"
)

// Pinger is any component with a reachability probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheChecker probes the response cache backend and reports its size.
// An open circuit breaker is unhealthy, a half-open one degraded.
type CacheChecker struct {
	cache *cache.ResponseCache
}

// NewCacheChecker returns a checker named "cache".
func NewCacheChecker(c *cache.ResponseCache) *CacheChecker {
	return &CacheChecker{cache: c}
}

func (c *CacheChecker) Name() string { return "cache" }

func (c *CacheChecker) Check(ctx context.Context) Result {
	backend := c.cache.Backend()
	details := map[string]any{"backend": backend.Name()}

	halfOpen := false
	if b, ok := backend.(interface{ BreakerState() resilience.State }); ok {
		state := b.BreakerState()
		details["breaker"] = state.String()
		if state == resilience.StateOpen {
			return Unhealthy("circuit breaker open", ErrCheckFailed).WithDetails(details)
		}
		halfOpen = state == resilience.StateHalfOpen
	}
	if err := c.cache.Ping(ctx); err != nil {
		return Unhealthy("backend unreachable", err).WithDetails(details)
	}

	stats, err := c.cache.Stats(ctx)
	if err != nil {
		return Degraded("stats unavailable").WithDetails(details)
	}
	details["entries"] = stats.Entries
	details["bytes"] = stats.Bytes
	msg := fmt.Sprintf("%s entries, %s", humanize.Comma(int64(stats.Entries)), humanize.Bytes(uint64(stats.Bytes)))

	if halfOpen {
		return Degraded("circuit breaker half-open: " + msg).WithDetails(details)
	}
	return Healthy(msg).WithDetails(details)
}

// StoreChecker pings an object repository.
type StoreChecker struct {
	name string
	p    Pinger
}

// NewStoreChecker returns a checker that pings p.
func NewStoreChecker(name string, p Pinger) *StoreChecker {
	return &StoreChecker{name: name, p: p}
}

func (s *StoreChecker) Name() string { return s.name }

func (s *StoreChecker) Check(ctx context.Context) Result {
	if err := s.p.Ping(ctx); err != nil {
		return Unhealthy("repository unreachable", err)
	}
	return Healthy("repository reachable")
}

// QueueSource is the view of a message bus a QueueChecker needs.
type QueueSource interface {
	Stats() queue.Stats
	Capacity() int
}

// QueueChecker reports the message bus backlog. A backlog at or above
// Threshold of the buffer is degraded; a full buffer is unhealthy since
// dispatchers block on it.
type QueueChecker struct {
	src QueueSource

	// Threshold is the degraded fill ratio.
	// Default: 0.8
	Threshold float64
}

// NewQueueChecker returns a checker named "queue".
func NewQueueChecker(src QueueSource) *QueueChecker {
	return &QueueChecker{src: src, Threshold: 0.8}
}

func (q *QueueChecker) Name() string { return "queue" }

func (q *QueueChecker) Check(context.Context) Result {
	stats := q.src.Stats()
	capacity := q.src.Capacity()
	details := map[string]any{
		"pending":   stats.Pending,
		"capacity":  capacity,
		"processed": stats.Processed,
		"failed":    stats.Failed,
		"dropped":   stats.Dropped,
	}
	msg := fmt.Sprintf("%d/%d pending", stats.Pending, capacity)

	switch {
	case capacity > 0 && stats.Pending >= capacity:
		return Unhealthy("buffer full: "+msg, ErrCheckFailed).WithDetails(details)
	case capacity > 0 && float64(stats.Pending) >= q.Threshold*float64(capacity):
		return Degraded("backlog high: " + msg).WithDetails(details)
	}
	return Healthy(msg).WithDetails(details)
}

// RuntimeConfig configures a RuntimeChecker.
type RuntimeConfig struct {
	// MaxHeap is the heap size the ratios are measured against. Zero
	// disables the thresholds.
	MaxHeap uint64

	// Warning is the degraded heap ratio.
	// Default: 0.8
	Warning float64

	// Critical is the unhealthy heap ratio.
	// Default: 0.95
	Critical float64
}

// RuntimeChecker reports heap usage and goroutine count.
type RuntimeChecker struct {
	config RuntimeConfig
	read   func(*runtime.MemStats)
}

// NewRuntimeChecker returns a checker named "runtime".
func NewRuntimeChecker(config RuntimeConfig) *RuntimeChecker {
	if config.Warning <= 0 || config.Warning >= 1 {
		config.Warning = 0.8
	}
	if config.Critical <= 0 || config.Critical >= 1 {
		config.Critical = 0.95
	}
	if config.Critical < config.Warning {
		config.Critical = config.Warning
	}
	return &RuntimeChecker{config: config, read: runtime.ReadMemStats}
}

func (r *RuntimeChecker) Name() string { return "runtime" }

func (r *RuntimeChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context done", err)
	}
	var ms runtime.MemStats
	r.read(&ms)

	details := map[string]any{
		"heap_alloc": ms.HeapAlloc,
		"heap_sys":   ms.HeapSys,
		"num_gc":     ms.NumGC,
		"goroutines": runtime.NumGoroutine(),
	}
	msg := "heap " + humanize.Bytes(ms.HeapAlloc)
	if r.config.MaxHeap == 0 {
		return Healthy(msg).WithDetails(details)
	}

	ratio := float64(ms.HeapAlloc) / float64(r.config.MaxHeap)
	details["heap_ratio"] = ratio
	msg += " of " + humanize.Bytes(r.config.MaxHeap)
	switch {
	case ratio >= r.config.Critical:
		return Unhealthy("heap critical: "+msg, ErrCheckFailed).WithDetails(details)
	case ratio >= r.config.Warning:
		return Degraded("heap high: " + msg).WithDetails(details)
	}
	return Healthy(msg).WithDetails(details)
}
