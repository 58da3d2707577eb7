package caravel

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/caravelmq/go-caravel/adapters"
)

// Saga-related sentinel errors.
var (
	// ErrSagaNotFound indicates the requested saga does not exist.
	ErrSagaNotFound = adapters.ErrSagaNotFound

	// ErrSagaAlreadyExists indicates a saga with the same correlation id
	// already exists.
	ErrSagaAlreadyExists = adapters.ErrSagaAlreadyExists

	// ErrSaga is the sentinel all SagaError values match via errors.Is.
	ErrSaga = errors.New("caravel: saga error")

	// ErrMissingCorrelationID indicates the consumed message yielded no
	// usable correlation id.
	ErrMissingCorrelationID = errors.New("caravel: message has no correlation ID")

	// ErrMissingInstance indicates no instance was found for a policy
	// configured to fault when the instance is required.
	ErrMissingInstance = errors.New("caravel: saga instance not found")
)

// SagaError describes a failure while processing a message against a saga.
// It carries the saga type, the message type, and the correlation id so
// transport-level handlers can log and dead-letter with full context.
type SagaError struct {
	SagaType      string
	MessageType   string
	CorrelationID uuid.UUID
	Reason        error
}

// NewSagaError creates a SagaError wrapping the given reason.
func NewSagaError(sagaType, messageType string, correlationID uuid.UUID, reason error) *SagaError {
	return &SagaError{
		SagaType:      sagaType,
		MessageType:   messageType,
		CorrelationID: correlationID,
		Reason:        reason,
	}
}

// Error returns the error message.
func (e *SagaError) Error() string {
	return fmt.Sprintf("caravel: saga %s, message %s, correlation %s: %v",
		e.SagaType, e.MessageType, e.CorrelationID, e.Reason)
}

// Is reports whether this error matches ErrSaga.
func (e *SagaError) Is(target error) bool {
	return target == ErrSaga
}

// Unwrap returns the wrapped reason.
func (e *SagaError) Unwrap() error {
	return e.Reason
}
