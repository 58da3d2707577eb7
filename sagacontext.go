package caravel

import (
	"context"
)

// SagaContext wraps a consume context together with the saga instance
// resolved for it. It is valid for one turn: the instance is exclusively
// owned by the holder until the repository persists or discards it.
type SagaContext[T SagaInstance] struct {
	ConsumeContext

	ctx       context.Context
	instance  T
	completed bool
}

// NewSagaContext creates a SagaContext for one turn.
func NewSagaContext[T SagaInstance](ctx context.Context, cc ConsumeContext, instance T) *SagaContext[T] {
	return &SagaContext[T]{
		ConsumeContext: cc,
		ctx:            ctx,
		instance:       instance,
	}
}

// Context returns the turn's context, which carries the receive
// cancellation signal.
func (c *SagaContext[T]) Context() context.Context {
	return c.ctx
}

// Instance returns the saga instance for this turn.
func (c *SagaContext[T]) Instance() T {
	return c.instance
}

// SetCompleted marks the saga as completed. A completed instance is
// deleted instead of persisted when the turn ends.
func (c *SagaContext[T]) SetCompleted() {
	c.completed = true
}

// IsCompleted reports whether the saga was marked completed.
func (c *SagaContext[T]) IsCompleted() bool {
	return c.completed
}

// SagaPipe processes a saga context; the state-machine runtime and user
// handlers implement it as the repository's downstream continuation.
type SagaPipe[T SagaInstance] interface {
	// Send processes the saga context.
	Send(sc *SagaContext[T]) error

	// Probe writes diagnostic information about the pipe.
	Probe(pc *ProbeContext)
}

// SagaPipeFunc adapts a function to the SagaPipe interface.
type SagaPipeFunc[T SagaInstance] func(sc *SagaContext[T]) error

// Send implements SagaPipe.
func (f SagaPipeFunc[T]) Send(sc *SagaContext[T]) error {
	return f(sc)
}

// Probe implements SagaPipe.
func (f SagaPipeFunc[T]) Probe(pc *ProbeContext) {
	pc.Add("sagaPipe", "func")
}
