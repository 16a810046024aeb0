// Package tracing records start/end spans per logical control-plane
// operation and optionally exports them over OTLP.
package tracing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/valifi/agentctl/pkg/clock"
	"github.com/valifi/agentctl/pkg/config"
	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/monitoring"
	"github.com/valifi/agentctl/pkg/types"
)

// Tracer is the in-memory trace store. Every trace is owned by the
// operation that started it and closed exactly once.
type Tracer struct {
	mu      sync.RWMutex
	traces  map[string]*types.Trace
	clock   clock.Clock
	metrics *monitoring.MetricsStore
	otel    oteltrace.Tracer
	spans   map[string]oteltrace.Span // open otel spans by trace/span id
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock injects a time source.
func WithClock(c clock.Clock) Option {
	return func(t *Tracer) { t.clock = c }
}

// WithMetrics wires the store that receives trace.duration samples.
func WithMetrics(m *monitoring.MetricsStore) Option {
	return func(t *Tracer) { t.metrics = m }
}

// WithOTel mirrors traces and spans to an OpenTelemetry tracer.
func WithOTel(tracer oteltrace.Tracer) Option {
	return func(t *Tracer) { t.otel = tracer }
}

// New creates a tracer.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		traces: make(map[string]*types.Trace),
		clock:  clock.New(),
		spans:  make(map[string]oteltrace.Span),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartTrace opens a trace for one logical operation.
func (t *Tracer) StartTrace(agentType, operation string) *types.Trace {
	trace := &types.Trace{
		ID:        uuid.NewString(),
		AgentType: agentType,
		Operation: operation,
		StartTime: t.clock.Now(),
		Status:    types.TraceStatusRunning,
	}

	t.mu.Lock()
	t.traces[trace.ID] = trace
	if t.otel != nil {
		_, span := t.otel.Start(context.Background(), operation,
			oteltrace.WithAttributes(
				attribute.String("agent_type", agentType),
			))
		t.spans[trace.ID] = span
	}
	t.mu.Unlock()

	traceCopy := *trace
	return &traceCopy
}

// EndTrace closes a trace, computes its duration, and emits a
// trace.duration metric tagged with agentType, operation, and status.
func (t *Tracer) EndTrace(traceID string, failed bool) (*types.Trace, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	trace, ok := t.traces[traceID]
	if !ok {
		return nil, errors.NewNotFound("trace", traceID)
	}
	if trace.Status != types.TraceStatusRunning {
		return nil, errors.NewInvalidState("trace", traceID, string(trace.Status), "already ended")
	}

	now := t.clock.Now()
	trace.EndTime = &now
	if failed {
		trace.Status = types.TraceStatusFailed
	} else {
		trace.Status = types.TraceStatusCompleted
	}

	if span, ok := t.spans[traceID]; ok {
		span.End()
		delete(t.spans, traceID)
	}

	if t.metrics != nil {
		t.metrics.Record("trace.duration", float64(now.Sub(trace.StartTime).Milliseconds()), "ms", map[string]string{
			"agent_type": trace.AgentType,
			"operation":  trace.Operation,
			"status":     string(trace.Status),
		})
	}

	traceCopy := *trace
	return &traceCopy, nil
}

// AddSpan opens a span nested within a running trace.
func (t *Tracer) AddSpan(traceID, name string, tags map[string]string) (*types.Span, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	trace, ok := t.traces[traceID]
	if !ok {
		return nil, errors.NewNotFound("trace", traceID)
	}
	if trace.Status != types.TraceStatusRunning {
		return nil, errors.NewInvalidState("trace", traceID, string(trace.Status), "trace has ended")
	}

	var tagsCopy map[string]string
	if len(tags) > 0 {
		tagsCopy = make(map[string]string, len(tags))
		for k, v := range tags {
			tagsCopy[k] = v
		}
	}

	span := &types.Span{
		ID:        uuid.NewString(),
		Name:      name,
		StartTime: t.clock.Now(),
		Tags:      tagsCopy,
	}
	trace.Spans = append(trace.Spans, span)

	spanCopy := *span
	return &spanCopy, nil
}

// EndSpan closes a span within a trace.
func (t *Tracer) EndSpan(traceID, spanID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	trace, ok := t.traces[traceID]
	if !ok {
		return errors.NewNotFound("trace", traceID)
	}

	for _, span := range trace.Spans {
		if span.ID != spanID {
			continue
		}
		if span.EndTime != nil {
			return errors.NewInvalidState("span", spanID, "ended", "already ended")
		}
		now := t.clock.Now()
		span.EndTime = &now
		return nil
	}

	return errors.NewNotFound("span", spanID)
}

// SpanLog appends a log line to an open span.
func (t *Tracer) SpanLog(traceID, spanID, line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	trace, ok := t.traces[traceID]
	if !ok {
		return errors.NewNotFound("trace", traceID)
	}

	for _, span := range trace.Spans {
		if span.ID == spanID {
			span.Logs = append(span.Logs, line)
			return nil
		}
	}
	return errors.NewNotFound("span", spanID)
}

// GetTrace returns a copy of a trace.
func (t *Tracer) GetTrace(traceID string) (*types.Trace, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	trace, ok := t.traces[traceID]
	if !ok {
		return nil, errors.NewNotFound("trace", traceID)
	}

	traceCopy := *trace
	traceCopy.Spans = make([]*types.Span, len(trace.Spans))
	for i, span := range trace.Spans {
		spanCopy := *span
		traceCopy.Spans[i] = &spanCopy
	}
	return &traceCopy, nil
}

// InitOTel configures a global OTLP HTTP exporter from config and returns
// the tracer to pass to WithOTel, plus a shutdown function.
func InitOTel(ctx context.Context, cfg *config.TracingConfig) (oteltrace.Tracer, func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return otel.Tracer(cfg.ServiceName), tp.Shutdown, nil
}
