package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jonwraymond/pagecache/cache"
	"github.com/jonwraymond/pagecache/queue"
	"github.com/jonwraymond/pagecache/resilience"
)

func fixed(name string, r Result) Checker {
	return NewCheckerFunc(name, func(context.Context) Result { return r })
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusHealthy, "healthy"},
		{StatusDegraded, "degraded"},
		{StatusUnhealthy, "unhealthy"},
		{Status(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]Result
		want    Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", map[string]Result{"a": Healthy(""), "b": Healthy("")}, StatusHealthy},
		{"one degraded", map[string]Result{"a": Healthy(""), "b": Degraded("")}, StatusDegraded},
		{"unhealthy wins", map[string]Result{"a": Degraded(""), "b": Unhealthy("", nil)}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overall(tt.results); got != tt.want {
				t.Errorf("Overall() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAggregator_RegisterKeepsOrder(t *testing.T) {
	agg := NewAggregator()
	agg.Register(fixed("b", Healthy("")))
	agg.Register(fixed("a", Healthy("")))
	agg.Register(fixed("b", Degraded("")))

	names := agg.Names()
	if len(names) != 2 || names[0] != "b" || names[1] != "a" {
		t.Fatalf("Names() = %v, want [b a]", names)
	}
	results := agg.CheckAll(context.Background())
	if results["b"].Status != StatusDegraded {
		t.Errorf("replaced checker not used: %v", results["b"].Status)
	}
}

func TestAggregator_CheckUnknown(t *testing.T) {
	agg := NewAggregator()
	if _, err := agg.Check(context.Background(), "missing"); !errors.Is(err, ErrCheckerNotFound) {
		t.Fatalf("err = %v, want ErrCheckerNotFound", err)
	}
}

func TestAggregator_Timeout(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Timeout: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	agg.Register(NewCheckerFunc("stuck", func(context.Context) Result {
		<-release
		return Healthy("late")
	}))
	agg.Register(fixed("fast", Healthy("ok")))

	results := agg.CheckAll(context.Background())
	if r := results["stuck"]; r.Status != StatusUnhealthy || !errors.Is(r.Err, ErrCheckTimeout) {
		t.Errorf("stuck = %+v, want timeout", r)
	}
	if r := results["fast"]; r.Status != StatusHealthy || r.Timestamp.IsZero() {
		t.Errorf("fast = %+v", r)
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		result   Result
		wantCode int
		wantBody string
	}{
		{Healthy(""), http.StatusOK, "OK"},
		{Degraded(""), http.StatusOK, "DEGRADED"},
		{Unhealthy("", nil), http.StatusServiceUnavailable, "UNHEALTHY"},
	}
	for _, tt := range tests {
		t.Run(tt.wantBody, func(t *testing.T) {
			agg := NewAggregator()
			agg.Register(fixed("c", tt.result))

			rec := httptest.NewRecorder()
			ReadinessHandler(agg)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.wantCode || rec.Body.String() != tt.wantBody {
				t.Errorf("got %d %q, want %d %q", rec.Code, rec.Body.String(), tt.wantCode, tt.wantBody)
			}
		})
	}
}

func TestRegisterHandlers(t *testing.T) {
	agg := NewAggregator()
	agg.Register(fixed("zeta", Healthy("fine")))
	agg.Register(fixed("alpha", Unhealthy("down", errors.New("refused"))))
	mux := http.NewServeMux()
	RegisterHandlers(mux, agg)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("/healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/health code = %d", rec.Code)
	}
	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != "unhealthy" || len(report.Checks) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if report.Checks[0].Name != "alpha" || report.Checks[0].Error != "refused" {
		t.Errorf("first check = %+v", report.Checks[0])
	}
}

type breakerBackend struct {
	*cache.MemoryBackend
	state resilience.State
}

func (b *breakerBackend) BreakerState() resilience.State { return b.state }

func TestCacheChecker(t *testing.T) {
	ctx := context.Background()
	backend := &breakerBackend{MemoryBackend: cache.NewMemoryBackend()}
	rc := cache.NewResponseCache(cache.Options{Backend: backend})
	if err := rc.Put(ctx, cache.Entry{Key: "output_a", Payload: make([]byte, 2048), Tags: []string{"output"}}, true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	checker := NewCacheChecker(rc)

	r := checker.Check(ctx)
	if r.Status != StatusHealthy {
		t.Fatalf("status = %v (%s)", r.Status, r.Message)
	}
	if r.Message != "1 entries, 2.0 kB" {
		t.Errorf("message = %q", r.Message)
	}
	if r.Details["entries"] != 1 || r.Details["breaker"] != "closed" {
		t.Errorf("details = %v", r.Details)
	}

	backend.state = resilience.StateHalfOpen
	if r := checker.Check(ctx); r.Status != StatusDegraded {
		t.Errorf("half-open status = %v", r.Status)
	}
	backend.state = resilience.StateOpen
	if r := checker.Check(ctx); r.Status != StatusUnhealthy {
		t.Errorf("open status = %v", r.Status)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestStoreChecker(t *testing.T) {
	ok := NewStoreChecker("objects", pingFunc(func(context.Context) error { return nil }))
	if ok.Name() != "objects" || ok.Check(context.Background()).Status != StatusHealthy {
		t.Error("reachable store should be healthy")
	}
	down := errors.New("disk I/O error")
	bad := NewStoreChecker("objects", pingFunc(func(context.Context) error { return down }))
	if r := bad.Check(context.Background()); r.Status != StatusUnhealthy || !errors.Is(r.Err, down) {
		t.Errorf("failing store = %+v", r)
	}
}

type queueStub struct {
	stats    queue.Stats
	capacity int
}

func (q queueStub) Stats() queue.Stats { return q.stats }
func (q queueStub) Capacity() int      { return q.capacity }

func TestQueueChecker(t *testing.T) {
	tests := []struct {
		pending int
		want    Status
	}{
		{0, StatusHealthy},
		{7, StatusHealthy},
		{8, StatusDegraded},
		{10, StatusUnhealthy},
	}
	for _, tt := range tests {
		c := NewQueueChecker(queueStub{stats: queue.Stats{Pending: tt.pending}, capacity: 10})
		if r := c.Check(context.Background()); r.Status != tt.want {
			t.Errorf("pending %d: status = %v, want %v", tt.pending, r.Status, tt.want)
		}
	}
}

func TestQueueChecker_Bus(t *testing.T) {
	bus := queue.NewBus(queue.Options{Buffer: 4})
	defer bus.Close()
	r := NewQueueChecker(bus).Check(context.Background())
	if r.Status != StatusHealthy || r.Message != "0/4 pending" {
		t.Errorf("result = %+v", r)
	}
}

func TestRuntimeChecker(t *testing.T) {
	c := NewRuntimeChecker(RuntimeConfig{MaxHeap: 1000})
	tests := []struct {
		heap uint64
		want Status
	}{
		{100, StatusHealthy},
		{850, StatusDegraded},
		{990, StatusUnhealthy},
	}
	for _, tt := range tests {
		c.read = func(ms *runtime.MemStats) { ms.HeapAlloc = tt.heap }
		r := c.Check(context.Background())
		if r.Status != tt.want {
			t.Errorf("heap %d: status = %v, want %v", tt.heap, r.Status, tt.want)
		}
		if !strings.Contains(r.Message, "of 1.0 kB") {
			t.Errorf("message = %q", r.Message)
		}
	}

	unbounded := NewRuntimeChecker(RuntimeConfig{})
	if r := unbounded.Check(context.Background()); r.Status != StatusHealthy {
		t.Errorf("unbounded status = %v", r.Status)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := unbounded.Check(ctx); r.Status != StatusUnhealthy {
		t.Errorf("cancelled status = %v", r.Status)
	}
}
