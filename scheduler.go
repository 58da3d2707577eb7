package caravel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSchedulerStopped is returned when a delivery is requested after the
// scheduler shut down.
var ErrSchedulerStopped = errors.New("caravel: scheduler stopped")

// SendEndpoint delivers messages to a named destination. The bus
// satisfies this; tests substitute their own.
type SendEndpoint interface {
	Send(ctx context.Context, destination string, message any, opts ...SendOption) error
}

// Scheduler defers message delivery. ScheduleSend returns a token
// identifying the pending delivery; the token is also stamped on the
// delivered message's headers so state machines can detect stale
// deliveries. CancelScheduledSend is idempotent: cancelling a token that
// already fired or was never issued is a no-op.
type Scheduler interface {
	ScheduleSend(ctx context.Context, destination string, delay time.Duration, message any, opts ...SendOption) (uuid.UUID, error)
	CancelScheduledSend(ctx context.Context, tokenID uuid.UUID) error
}

// DelayScheduler holds scheduled deliveries in process timers. It is
// suitable for tests and single-node deployments; deliveries do not
// survive a restart.
type DelayScheduler struct {
	endpoint SendEndpoint
	logger   Logger

	mu      sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	stopped bool
}

var _ Scheduler = (*DelayScheduler)(nil)

// DelaySchedulerOption configures a DelayScheduler.
type DelaySchedulerOption func(*DelayScheduler)

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(logger Logger) DelaySchedulerOption {
	return func(s *DelayScheduler) {
		s.logger = logger
	}
}

// NewDelayScheduler creates a scheduler delivering through the given
// endpoint.
func NewDelayScheduler(endpoint SendEndpoint, opts ...DelaySchedulerOption) *DelayScheduler {
	s := &DelayScheduler{
		endpoint: endpoint,
		logger:   &noopLogger{},
		timers:   make(map[uuid.UUID]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleSend arranges delivery of message to destination after delay.
// The returned token is stamped on the delivered headers; caller options
// are applied first, so a request timeout can carry its request id as
// well.
func (s *DelayScheduler) ScheduleSend(ctx context.Context, destination string, delay time.Duration, message any, opts ...SendOption) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}

	token := uuid.New()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return uuid.Nil, ErrSchedulerStopped
	}

	sendOpts := append(append([]SendOption{}, opts...), WithTokenID(token))
	s.timers[token] = time.AfterFunc(delay, func() {
		s.fire(token, destination, message, sendOpts)
	})
	s.mu.Unlock()

	s.logger.Debug("scheduled delivery", "destination", destination, "delay", delay, "tokenId", token)
	return token, nil
}

func (s *DelayScheduler) fire(token uuid.UUID, destination string, message any, opts []SendOption) {
	s.mu.Lock()
	_, pending := s.timers[token]
	delete(s.timers, token)
	stopped := s.stopped
	s.mu.Unlock()

	if !pending || stopped {
		return
	}

	if err := s.endpoint.Send(context.Background(), destination, message, opts...); err != nil {
		s.logger.Error("scheduled delivery failed", "destination", destination, "tokenId", token, "error", err)
	}
}

// CancelScheduledSend stops the pending delivery for the token. Unknown
// tokens, including ones whose delivery already fired, are ignored.
func (s *DelayScheduler) CancelScheduledSend(ctx context.Context, tokenID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	timer, ok := s.timers[tokenID]
	delete(s.timers, tokenID)
	s.mu.Unlock()

	if ok {
		timer.Stop()
		s.logger.Debug("cancelled scheduled delivery", "tokenId", tokenID)
	}
	return nil
}

// Stop cancels every pending delivery. Further ScheduleSend calls return
// ErrSchedulerStopped.
func (s *DelayScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	timers := s.timers
	s.timers = make(map[uuid.UUID]*time.Timer)
	s.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
}
