package caravel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrBusStopped is returned when a message is offered to a bus that has
// been stopped.
var ErrBusStopped = errors.New("caravel: bus stopped")

// Bus is an in-process loopback message bus. Messages are routed to
// handlers by message type; deliveries run concurrently, bounded by the
// configured concurrency limit. It is the transport used by tests and
// single-process deployments, and the reference for what a broker-backed
// transport must provide to saga endpoints.
type Bus struct {
	logger      Logger
	concurrency chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	handlers map[string][]Pipe
	stopped  bool
}

var _ SendEndpoint = (*Bus)(nil)

// BusOption configures a Bus.
type BusOption func(*busConfig)

type busConfig struct {
	logger      Logger
	concurrency int
}

// WithBusLogger sets the bus logger.
func WithBusLogger(logger Logger) BusOption {
	return func(c *busConfig) {
		c.logger = logger
	}
}

// WithConcurrency bounds the number of in-flight deliveries.
func WithConcurrency(n int) BusOption {
	return func(c *busConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// NewBus creates a started loopback bus.
func NewBus(opts ...BusOption) *Bus {
	cfg := &busConfig{
		logger:      &noopLogger{},
		concurrency: 16,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:      cfg.logger,
		concurrency: make(chan struct{}, cfg.concurrency),
		ctx:         ctx,
		cancel:      cancel,
		handlers:    make(map[string][]Pipe),
	}
}

// Handle registers a pipe for a message type. Multiple pipes for the
// same type each receive every message of that type.
func (b *Bus) Handle(messageType string, pipe Pipe) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[messageType] = append(b.handlers[messageType], pipe)
}

// Publish delivers the message to every handler of its type.
func (b *Bus) Publish(ctx context.Context, message any, opts ...SendOption) error {
	return b.dispatch(ctx, "", message, opts)
}

// Send delivers the message to every handler of its type. The loopback
// bus does not segregate queues, so the destination is recorded on the
// delivery for diagnostics only.
func (b *Bus) Send(ctx context.Context, destination string, message any, opts ...SendOption) error {
	return b.dispatch(ctx, destination, message, opts)
}

func (b *Bus) dispatch(ctx context.Context, destination string, message any, opts []SendOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var headers Headers
	for _, opt := range opts {
		opt(&headers)
	}

	messageType := MessageTypeOf(message)
	if messageType == "" {
		return fmt.Errorf("caravel: cannot derive message type for %T", message)
	}

	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return ErrBusStopped
	}
	pipes := b.handlers[messageType]
	b.mu.RUnlock()

	if len(pipes) == 0 {
		b.logger.Debug("no handlers for message", "messageType", messageType, "destination", destination)
		return nil
	}

	for _, pipe := range pipes {
		b.wg.Add(1)
		go b.deliver(pipe, messageType, message, headers)
	}
	return nil
}

func (b *Bus) deliver(pipe Pipe, messageType string, message any, headers Headers) {
	defer b.wg.Done()

	select {
	case b.concurrency <- struct{}{}:
		defer func() { <-b.concurrency }()
	case <-b.ctx.Done():
		return
	}

	cc := &busConsumeContext{
		bus:         b,
		ctx:         b.ctx,
		messageType: messageType,
		message:     message,
		headers:     headers,
	}

	if err := pipe.Send(cc); err != nil {
		b.faulted(cc, err)
	}
}

// faulted reports a failed delivery. When the message carries a response
// address, a Fault envelope echoing the request id is sent there so the
// originator can observe the failure.
func (b *Bus) faulted(cc *busConsumeContext, err error) {
	b.logger.Error("message handler faulted",
		"messageType", cc.messageType,
		"correlationId", cc.headers.CorrelationID,
		"error", err)

	if cc.headers.ResponseAddress == "" {
		return
	}

	fault := Fault{
		FaultedType: cc.messageType,
		Reason:      err.Error(),
	}
	sendErr := b.Send(b.ctx, cc.headers.ResponseAddress, fault,
		WithCorrelationID(cc.headers.CorrelationID),
		WithRequestID(cc.headers.RequestID))
	if sendErr != nil {
		b.logger.Error("fault delivery failed", "messageType", cc.messageType, "error", sendErr)
	}
}

// Stop rejects further messages and waits for in-flight deliveries,
// honoring the context deadline.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}

// Probe writes the registered message types.
func (b *Bus) Probe(pc *ProbeContext) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	section := pc.Section("bus")
	types := make([]string, 0, len(b.handlers))
	for messageType := range b.handlers {
		types = append(types, messageType)
	}
	section.Add("messageTypes", types)
	section.Add("concurrency", cap(b.concurrency))
}

type busConsumeContext struct {
	bus         *Bus
	ctx         context.Context
	messageType string
	message     any
	headers     Headers
}

var _ ConsumeContext = (*busConsumeContext)(nil)

func (cc *busConsumeContext) Context() context.Context {
	return cc.ctx
}

func (cc *busConsumeContext) MessageType() string {
	return cc.messageType
}

func (cc *busConsumeContext) Message() any {
	return cc.message
}

func (cc *busConsumeContext) Headers() Headers {
	return cc.headers
}

func (cc *busConsumeContext) CorrelationID() uuid.UUID {
	return cc.headers.CorrelationID
}

func (cc *busConsumeContext) Publish(ctx context.Context, message any, opts ...SendOption) error {
	return cc.bus.Publish(ctx, message, opts...)
}

func (cc *busConsumeContext) Send(ctx context.Context, destination string, message any, opts ...SendOption) error {
	return cc.bus.Send(ctx, destination, message, opts...)
}

// Respond sends the message to the consumed message's response address,
// echoing its request and correlation ids so the originator can match
// its outstanding tokens.
func (cc *busConsumeContext) Respond(ctx context.Context, message any, opts ...SendOption) error {
	if cc.headers.ResponseAddress == "" {
		return fmt.Errorf("caravel: message %s has no response address", cc.messageType)
	}

	base := []SendOption{
		WithCorrelationID(cc.headers.CorrelationID),
		WithRequestID(cc.headers.RequestID),
	}
	return cc.bus.Send(ctx, cc.headers.ResponseAddress, message, append(base, opts...)...)
}
