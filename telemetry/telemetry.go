// Package telemetry defines the structured logging, metrics, and tracing
// interfaces used throughout the core. Implementations are intentionally
// small so call sites can remain agnostic of the underlying provider and
// tests can supply lightweight stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured, key-value logging. Call sites log selected
// events (handshake success, credential lifecycle, task retries, late
// command responses, instance close, received events, transport errors)
// with the Field* keys below where they apply. Not every envelope crossing
// a component boundary is logged, and no call site sets the component,
// event, duration or outcome keys.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, gauge, and histogram helpers for runtime
// instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so components stay agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the core, per spec.md §4.9.
const (
	MetricActiveInstances    = "core_active_instances"
	MetricEnvelopesProcessed = "core_envelopes_processed_total"
	MetricCommandLatency     = "core_command_latency_seconds"
	MetricTaskQueueDepth     = "core_task_queue_depth"
	MetricHeartbeatMisses    = "core_heartbeat_miss_total"
)

// Event field keys used consistently across log records so they remain
// machine-parseable.
const (
	FieldComponent  = "component"
	FieldEvent      = "event"
	FieldTraceID    = "trace_id"
	FieldBotID      = "bot_id"
	FieldInstanceID = "instance_id"
	FieldCommandID  = "command_id"
	FieldDuration   = "duration"
	FieldOutcome    = "outcome"
)
