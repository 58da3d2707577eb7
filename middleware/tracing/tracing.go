// Package tracing provides OpenTelemetry integration for caravel.
//
// This package enables distributed tracing of saga processing: each
// consumed message becomes a span carrying its message type, correlation
// id, and outcome.
//
// Basic usage:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer(tracing.WithServiceName("orders"))
//	connection.Bind(bus, tracing.ConsumeMiddleware(tracer))
//
// The tracing middleware captures:
//   - Message type and consume duration
//   - Correlation, request, and scheduling token ids
//   - Error details when a saga turn fails
package tracing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	caravel "github.com/caravelmq/go-caravel"
)

const (
	// TracerName is the name of the caravel tracer.
	TracerName = "github.com/caravelmq/go-caravel"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "caravel"
)

// Tracer wraps an OpenTelemetry tracer for saga operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// ConsumeMiddleware creates middleware that traces message consumption.
func ConsumeMiddleware(tracer *Tracer) caravel.Middleware {
	return func(next caravel.Pipe) caravel.Pipe {
		return &consumePipe{tracer: tracer, next: next}
	}
}

type consumePipe struct {
	tracer *Tracer
	next   caravel.Pipe
}

// Send implements caravel.Pipe.
func (p *consumePipe) Send(cc caravel.ConsumeContext) error {
	spanName := fmt.Sprintf("consume.%s", cc.MessageType())

	ctx, span := p.tracer.StartSpan(cc.Context(), spanName,
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	headers := cc.Headers()
	attrs := []attribute.KeyValue{
		attribute.String("caravel.service", p.tracer.serviceName),
		attribute.String("caravel.message.type", cc.MessageType()),
	}
	if headers.CorrelationID != uuid.Nil {
		attrs = append(attrs, attribute.String("caravel.correlation_id", headers.CorrelationID.String()))
	}
	if headers.RequestID != uuid.Nil {
		attrs = append(attrs, attribute.String("caravel.request_id", headers.RequestID.String()))
	}
	if headers.TokenID != uuid.Nil {
		attrs = append(attrs, attribute.String("caravel.token_id", headers.TokenID.String()))
	}
	span.SetAttributes(attrs...)

	err := p.next.Send(tracedContext{ConsumeContext: cc, ctx: ctx})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// Probe implements caravel.Pipe.
func (p *consumePipe) Probe(pc *caravel.ProbeContext) {
	pc.Add("middleware", "tracing")
	p.next.Probe(pc.Section("next"))
}

// tracedContext carries the span context through the rest of the pipe.
type tracedContext struct {
	caravel.ConsumeContext
	ctx context.Context
}

func (tc tracedContext) Context() context.Context {
	return tc.ctx
}
