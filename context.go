package caravel

import (
	"context"
	"reflect"

	"github.com/google/uuid"
)

// Headers carry message routing and correlation metadata across the bus.
// These fields are preserved across scheduling and request round trips.
type Headers struct {
	// CorrelationID links the message to a saga instance.
	CorrelationID uuid.UUID `json:"correlationId,omitempty"`

	// RequestID identifies an outstanding request. Responses and faults
	// echo it so the originating saga can match its token.
	RequestID uuid.UUID `json:"requestId,omitempty"`

	// TokenID identifies a scheduled delivery. Stale deliveries whose
	// token no longer matches the instance are dropped.
	TokenID uuid.UUID `json:"tokenId,omitempty"`

	// ResponseAddress is where responses to this message are sent.
	ResponseAddress string `json:"responseAddress,omitempty"`
}

// ConsumeContext wraps one received message as it moves through the saga
// pipeline. It exposes the message, its headers, and the bus operations
// available while consuming it.
type ConsumeContext interface {
	// Context returns the ambient context for this delivery, carrying
	// the receive cancellation signal.
	Context() context.Context

	// MessageType returns the message type name.
	MessageType() string

	// Message returns the message payload.
	Message() any

	// Headers returns the message headers.
	Headers() Headers

	// CorrelationID returns the correlation id for this message, or
	// uuid.Nil when the message carries none.
	CorrelationID() uuid.UUID

	// Publish sends a message to all subscribed consumers.
	Publish(ctx context.Context, message any, opts ...SendOption) error

	// Send sends a message to a specific destination.
	Send(ctx context.Context, destination string, message any, opts ...SendOption) error

	// Respond sends a message back to the response address of the
	// consumed message, echoing its RequestID.
	Respond(ctx context.Context, message any, opts ...SendOption) error
}

// Pipe is a composable message-processing element: middleware, policy
// continuations, and saga handlers all chain through Send.
type Pipe interface {
	// Send processes the consume context.
	Send(cc ConsumeContext) error

	// Probe writes diagnostic information about the pipe.
	Probe(pc *ProbeContext)
}

// PipeFunc adapts a function to the Pipe interface.
type PipeFunc func(cc ConsumeContext) error

// Send implements Pipe.
func (f PipeFunc) Send(cc ConsumeContext) error {
	return f(cc)
}

// Probe implements Pipe.
func (f PipeFunc) Probe(pc *ProbeContext) {
	pc.Add("pipe", "func")
}

// Middleware wraps a pipe with additional behavior. Middleware is applied
// in the order it is declared.
type Middleware func(next Pipe) Pipe

// ChainMiddleware composes pipes from a base pipe and a middleware list.
func ChainMiddleware(base Pipe, middleware ...Middleware) Pipe {
	pipe := base
	for i := len(middleware) - 1; i >= 0; i-- {
		pipe = middleware[i](pipe)
	}
	return pipe
}

// ProbeContext collects diagnostic information from pipes and machines
// as a nested key-value structure.
type ProbeContext struct {
	values map[string]any
}

// NewProbeContext creates an empty ProbeContext.
func NewProbeContext() *ProbeContext {
	return &ProbeContext{values: make(map[string]any)}
}

// Add records a value under the given key.
func (pc *ProbeContext) Add(key string, value any) {
	pc.values[key] = value
}

// Section returns a nested ProbeContext stored under the given key.
func (pc *ProbeContext) Section(key string) *ProbeContext {
	if existing, ok := pc.values[key].(map[string]any); ok {
		return &ProbeContext{values: existing}
	}
	section := make(map[string]any)
	pc.values[key] = section
	return &ProbeContext{values: section}
}

// Result returns the collected values.
func (pc *ProbeContext) Result() map[string]any {
	return pc.values
}

// TypedMessage lets a message override its derived type name.
type TypedMessage interface {
	MessageType() string
}

// MessageTypeOf returns the message type name for a payload: the value of
// MessageType() if implemented, otherwise the struct type name.
func MessageTypeOf(message any) string {
	if tm, ok := message.(TypedMessage); ok {
		return tm.MessageType()
	}

	t := reflect.TypeOf(message)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}

// SendOption adjusts the headers of an outgoing message.
type SendOption func(*Headers)

// WithCorrelationID sets the correlation id header.
func WithCorrelationID(id uuid.UUID) SendOption {
	return func(h *Headers) {
		h.CorrelationID = id
	}
}

// WithRequestID sets the request id header.
func WithRequestID(id uuid.UUID) SendOption {
	return func(h *Headers) {
		h.RequestID = id
	}
}

// WithTokenID sets the scheduling token header.
func WithTokenID(id uuid.UUID) SendOption {
	return func(h *Headers) {
		h.TokenID = id
	}
}

// WithResponseAddress sets the response address header.
func WithResponseAddress(addr string) SendOption {
	return func(h *Headers) {
		h.ResponseAddress = addr
	}
}
