package caravel

import (
	"time"

	"github.com/google/uuid"
)

// Schedule declares a deferred, cancellable message delivery for a state
// machine. The instance field reached through the token accessor tracks
// the one outstanding delivery; its Received event fires when the
// scheduled message arrives with a matching token.
type Schedule[T StateMachineInstance] struct {
	name  string
	delay time.Duration
	token func(instance T) *uuid.UUID

	// Received is raised when the scheduled message is delivered and the
	// token still matches.
	Received *Event
}

// Name returns the schedule name.
func (s *Schedule[T]) Name() string {
	return s.name
}

// Delay returns the default delivery delay.
func (s *Schedule[T]) Delay() time.Duration {
	return s.delay
}

// ScheduleOption configures a declared schedule.
type ScheduleOption func(*scheduleConfig)

type scheduleConfig struct {
	delay        time.Duration
	receivedOpts []EventOption
}

// WithDelay sets the default delivery delay.
func WithDelay(d time.Duration) ScheduleOption {
	return func(c *scheduleConfig) {
		c.delay = d
	}
}

// WithReceivedCorrelation configures correlation for the Received event,
// for deliveries that must be located by query instead of correlation id.
func WithReceivedCorrelation(opts ...EventOption) ScheduleOption {
	return func(c *scheduleConfig) {
		c.receivedOpts = append(c.receivedOpts, opts...)
	}
}

// ScheduleActivityOption configures one Schedule activity.
type ScheduleActivityOption[T StateMachineInstance] func(*activity[T])

// WithDelayFrom computes the delay per instance instead of using the
// schedule's default.
func WithDelayFrom[T StateMachineInstance](f func(ec *EventContext[T]) time.Duration) ScheduleActivityOption[T] {
	return func(a *activity[T]) {
		a.delay = f
	}
}
