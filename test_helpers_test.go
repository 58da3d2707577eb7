package caravel

// test_helpers_test.go contains shared test doubles and utilities for
// caravel package tests. These types are only compiled during testing.

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/caravelmq/go-caravel/adapters"
)

// =============================================================================
// Shared Test Logger
// =============================================================================

// testLogger is a shared test implementation of Logger.
type testLogger struct {
	mu        sync.Mutex
	debugLogs []string
	infoLogs  []string
	warnLogs  []string
	errorLogs []string
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugLogs = append(l.debugLogs, msg)
}

func (l *testLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLogs = append(l.infoLogs, msg)
}

func (l *testLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnLogs = append(l.warnLogs, msg)
}

func (l *testLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLogs = append(l.errorLogs, msg)
}

func (l *testLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warnLogs)
}

func (l *testLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errorLogs)
}

// =============================================================================
// Shared Test Instances
// =============================================================================

// orderState is the state-machine instance used across tests.
type orderState struct {
	ID      uuid.UUID `json:"id"`
	State   string    `json:"state"`
	OrderID string    `json:"orderId"`
	Total   float64   `json:"total"`

	TimeoutToken uuid.UUID `json:"timeoutToken"`
	RequestToken uuid.UUID `json:"requestToken"`
}

func newOrderState() *orderState {
	return &orderState{}
}

func (o *orderState) CorrelationID() uuid.UUID      { return o.ID }
func (o *orderState) SetCorrelationID(id uuid.UUID) { o.ID = id }
func (o *orderState) CurrentState() string          { return o.State }
func (o *orderState) SetCurrentState(name string)   { o.State = name }

// =============================================================================
// Shared Test Messages
// =============================================================================

type orderSubmitted struct {
	OrderID       string    `json:"orderId"`
	CorrelationID uuid.UUID `json:"correlationId"`
	Total         float64   `json:"total"`
}

type orderAccepted struct {
	CorrelationID uuid.UUID `json:"correlationId"`
}

type orderCancelled struct {
	OrderID string `json:"orderId"`
}

// =============================================================================
// Fake Consume Context
// =============================================================================

// sentMessage records one outgoing message from a fake consume context.
type sentMessage struct {
	destination string
	message     any
	headers     Headers
}

// fakeConsumeContext is a recording ConsumeContext for unit tests.
type fakeConsumeContext struct {
	ctx         context.Context
	messageType string
	message     any
	headers     Headers

	mu        sync.Mutex
	published []sentMessage
	sent      []sentMessage
	responses []sentMessage
}

func newFakeConsumeContext(messageType string, message any, headers Headers) *fakeConsumeContext {
	return &fakeConsumeContext{
		ctx:         context.Background(),
		messageType: messageType,
		message:     message,
		headers:     headers,
	}
}

func (c *fakeConsumeContext) Context() context.Context { return c.ctx }
func (c *fakeConsumeContext) MessageType() string      { return c.messageType }
func (c *fakeConsumeContext) Message() any             { return c.message }
func (c *fakeConsumeContext) Headers() Headers         { return c.headers }
func (c *fakeConsumeContext) CorrelationID() uuid.UUID { return c.headers.CorrelationID }

func (c *fakeConsumeContext) Publish(ctx context.Context, message any, opts ...SendOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, record("", message, opts))
	return nil
}

func (c *fakeConsumeContext) Send(ctx context.Context, destination string, message any, opts ...SendOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, record(destination, message, opts))
	return nil
}

func (c *fakeConsumeContext) Respond(ctx context.Context, message any, opts ...SendOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, record(c.headers.ResponseAddress, message, opts))
	return nil
}

func record(destination string, message any, opts []SendOption) sentMessage {
	var headers Headers
	for _, opt := range opts {
		opt(&headers)
	}
	return sentMessage{destination: destination, message: message, headers: headers}
}

func (c *fakeConsumeContext) sentTo(destination string) []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []sentMessage
	for _, m := range c.sent {
		if m.destination == destination {
			out = append(out, m)
		}
	}
	return out
}

// =============================================================================
// Failing Storage
// =============================================================================

// failingStorage wraps a SagaStorage with per-operation error injection.
type failingStorage struct {
	adapters.SagaStorage

	mu          sync.Mutex
	loadErr     error
	insertErr   error
	updateErr   error
	deleteErr   error
	findErr     error
	insertCalls int
	deleteCalls int
}

func (s *failingStorage) Load(ctx context.Context, sagaType string, id uuid.UUID) (*adapters.SagaRecord, error) {
	s.mu.Lock()
	err := s.loadErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.SagaStorage.Load(ctx, sagaType, id)
}

func (s *failingStorage) Insert(ctx context.Context, record *adapters.SagaRecord) error {
	s.mu.Lock()
	s.insertCalls++
	err := s.insertErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.SagaStorage.Insert(ctx, record)
}

func (s *failingStorage) Update(ctx context.Context, record *adapters.SagaRecord) error {
	s.mu.Lock()
	err := s.updateErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.SagaStorage.Update(ctx, record)
}

func (s *failingStorage) Delete(ctx context.Context, sagaType string, id uuid.UUID, version int64) error {
	s.mu.Lock()
	s.deleteCalls++
	err := s.deleteErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.SagaStorage.Delete(ctx, sagaType, id, version)
}

func (s *failingStorage) Find(ctx context.Context, query adapters.Query) ([]uuid.UUID, error) {
	s.mu.Lock()
	err := s.findErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.SagaStorage.Find(ctx, query)
}

// =============================================================================
// Passthrough Saga Pipe
// =============================================================================

// recordingPipe records the saga contexts it receives and optionally
// mutates or fails.
type recordingPipe[T SagaInstance] struct {
	mu    sync.Mutex
	seen  []*SagaContext[T]
	handle func(sc *SagaContext[T]) error
}

func (p *recordingPipe[T]) Send(sc *SagaContext[T]) error {
	p.mu.Lock()
	p.seen = append(p.seen, sc)
	p.mu.Unlock()

	if p.handle != nil {
		return p.handle(sc)
	}
	return nil
}

func (p *recordingPipe[T]) Probe(pc *ProbeContext) {
	pc.Add("pipe", "recording")
}

func (p *recordingPipe[T]) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}
