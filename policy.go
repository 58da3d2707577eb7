package caravel

import (
	"github.com/google/uuid"
)

// SagaPolicy decides, per message type, whether a message may create a
// new saga instance or requires an existing one, and what happens when
// neither holds.
type SagaPolicy[T SagaInstance] interface {
	// PreInsertInstance returns a materialized candidate instance when
	// this message may create a new saga and the instance should be
	// speculatively inserted before downstream processing. Returns
	// false when an existing instance is required or creation is
	// deferred to the missing pipe.
	PreInsertInstance(cc ConsumeContext) (T, bool)

	// Existing processes a found (or just-created) instance by
	// forwarding to the next pipe.
	Existing(sc *SagaContext[T], next SagaPipe[T]) error

	// Missing runs when no instance was found and pre-insert is not in
	// play. The pipe persists a new instance only if downstream
	// processing succeeds without marking completion.
	Missing(cc ConsumeContext, pipe *MissingPipe[T]) error
}

// NewSagaPolicyOption configures a newSagaPolicy.
type NewSagaPolicyOption[T SagaInstance] func(*newSagaPolicy[T])

// WithPreInsert enables speculative insertion of newly created instances
// before downstream processing, so a concurrent duplicate message for the
// same new key is rejected by the storage uniqueness constraint instead
// of creating two instances.
func WithPreInsert[T SagaInstance]() NewSagaPolicyOption[T] {
	return func(p *newSagaPolicy[T]) {
		p.preInsert = true
	}
}

// NewSagaPolicy returns a policy that creates a new instance when none
// exists. The factory materializes the instance from the consumed
// message; if it leaves the correlation id unset, the repository assigns
// the message's correlation id.
func NewSagaPolicy[T SagaInstance](factory func(cc ConsumeContext) T, opts ...NewSagaPolicyOption[T]) SagaPolicy[T] {
	p := &newSagaPolicy[T]{factory: factory}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type newSagaPolicy[T SagaInstance] struct {
	factory   func(cc ConsumeContext) T
	preInsert bool
}

func (p *newSagaPolicy[T]) PreInsertInstance(cc ConsumeContext) (T, bool) {
	if !p.preInsert {
		var zero T
		return zero, false
	}
	return p.factory(cc), true
}

func (p *newSagaPolicy[T]) Existing(sc *SagaContext[T], next SagaPipe[T]) error {
	return next.Send(sc)
}

func (p *newSagaPolicy[T]) Missing(cc ConsumeContext, pipe *MissingPipe[T]) error {
	instance := p.factory(cc)
	if instance.CorrelationID() == uuid.Nil {
		instance.SetCorrelationID(cc.CorrelationID())
	}
	return pipe.Send(NewSagaContext(cc.Context(), cc, instance))
}

// ExistingSagaPolicyOption configures an existingSagaPolicy.
type ExistingSagaPolicyOption[T SagaInstance] func(*existingSagaPolicy[T])

// WithMissingFault makes the policy fail with a SagaError when no
// instance exists, instead of the default silent no-op.
func WithMissingFault[T SagaInstance]() ExistingSagaPolicyOption[T] {
	return func(p *existingSagaPolicy[T]) {
		p.faultOnMissing = true
	}
}

// ExistingSagaPolicy returns a policy that requires an existing instance.
// When none exists the message completes silently, which lets multiple
// saga subscriptions share a message type without erroring.
func ExistingSagaPolicy[T SagaInstance](opts ...ExistingSagaPolicyOption[T]) SagaPolicy[T] {
	p := &existingSagaPolicy[T]{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type existingSagaPolicy[T SagaInstance] struct {
	faultOnMissing bool
}

func (p *existingSagaPolicy[T]) PreInsertInstance(cc ConsumeContext) (T, bool) {
	var zero T
	return zero, false
}

func (p *existingSagaPolicy[T]) Existing(sc *SagaContext[T], next SagaPipe[T]) error {
	return next.Send(sc)
}

func (p *existingSagaPolicy[T]) Missing(cc ConsumeContext, pipe *MissingPipe[T]) error {
	if p.faultOnMissing {
		return NewSagaError(pipe.sagaType, cc.MessageType(), cc.CorrelationID(), ErrMissingInstance)
	}
	return nil
}

// MissingPipe is the deferred-insert continuation handed to a policy's
// Missing path: it forwards the freshly created instance downstream and
// persists it only if processing succeeds and the saga was not completed.
type MissingPipe[T SagaInstance] struct {
	sagaType string
	next     SagaPipe[T]
	insert   func(sc *SagaContext[T]) error
}

func newMissingPipe[T SagaInstance](sagaType string, next SagaPipe[T], insert func(sc *SagaContext[T]) error) *MissingPipe[T] {
	return &MissingPipe[T]{
		sagaType: sagaType,
		next:     next,
		insert:   insert,
	}
}

// Send forwards the saga context downstream, then inserts the instance
// unless the turn marked it completed.
func (p *MissingPipe[T]) Send(sc *SagaContext[T]) error {
	if err := p.next.Send(sc); err != nil {
		return err
	}

	if sc.IsCompleted() {
		return nil
	}

	return p.insert(sc)
}

// Probe implements SagaPipe.
func (p *MissingPipe[T]) Probe(pc *ProbeContext) {
	pc.Add("missingPipe", p.sagaType)
	p.next.Probe(pc.Section("next"))
}
