package caravel

import (
	"github.com/google/uuid"
)

// SagaInstance is implemented by saga state structs. The correlation id
// is assigned once at creation and never reassigned.
type SagaInstance interface {
	// CorrelationID returns the instance's correlation id.
	CorrelationID() uuid.UUID

	// SetCorrelationID assigns the correlation id at creation time.
	SetCorrelationID(id uuid.UUID)
}

// StateMachineInstance is implemented by instances driven by a state
// machine. CurrentState returns the empty string before the first
// transition, which the runtime treats as the Initial state.
type StateMachineInstance interface {
	SagaInstance

	// CurrentState returns the current state name.
	CurrentState() string

	// SetCurrentState records a state transition.
	SetCurrentState(name string)
}

// InstanceFactory allocates a zero instance for deserialization or
// creation. Instances are pointer types in practice.
type InstanceFactory[T SagaInstance] func() T

// Logger defines the logging interface used throughout the library.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}
