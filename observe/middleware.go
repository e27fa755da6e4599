package observe

import (
	"context"
	"time"
)

// OperationFunc is the unit of work Middleware wraps.
type OperationFunc func(ctx context.Context) error

// Middleware wraps operations with tracing, metrics and logging.
//
// Contract:
//   - Concurrency: Run is safe for concurrent use.
//   - Context: the span context is propagated into fn.
//   - Errors: errors from fn are recorded and returned unchanged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a Middleware. Nil components become no-ops.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = NopTracer()
	}
	return &Middleware{
		tracer:  tracer,
		metrics: MetricsOrNop(metrics),
		logger:  OrNop(logger),
	}
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}
	return NewMiddleware(obs.Tracer(), obs.Metrics(), obs.Logger()), nil
}

// Run executes fn inside a span for op.
func (m *Middleware) Run(ctx context.Context, op Operation, fn OperationFunc) error {
	if op.Name == "" {
		return ErrMissingOperationName
	}

	ctx, span := m.tracer.StartSpan(ctx, op)
	start := time.Now()
	err := fn(ctx)
	d := time.Since(start)
	m.tracer.EndSpan(span, err)

	m.metrics.RecordOperation(ctx, op, d, err)

	log := m.logger.WithComponent(op.Component)
	fields := []Field{
		F("op", op.Name),
		F("duration_ms", float64(d.Microseconds())/1000),
	}
	if op.Target != "" {
		fields = append(fields, F("target", op.Target))
	}
	if err != nil {
		log.Error(ctx, "operation failed", append(fields, Err(err))...)
	} else {
		log.Debug(ctx, "operation completed", fields...)
	}
	return err
}

// Wrap binds op to fn and returns a function running it under Run.
func (m *Middleware) Wrap(op Operation, fn OperationFunc) OperationFunc {
	return func(ctx context.Context) error {
		return m.Run(ctx, op, fn)
	}
}
