package caravel

import (
	"context"
	"errors"
	"reflect"

	"github.com/google/uuid"

	"github.com/caravelmq/go-caravel/adapters"
)

// Repository locates or creates exactly one saga instance per correlated
// message and guarantees serialized turns per correlation id.
//
// Consistency is layered: a process-local lock serializes turns for the
// same key within this process, and the storage's insert uniqueness and
// version checks protect against other writers. A losing pre-insert is
// recovered locally by falling back to the now-existing record; all other
// storage failures propagate wrapped with saga and message context.
type Repository[T SagaInstance] struct {
	storage    adapters.SagaStorage
	factory    InstanceFactory[T]
	serializer Serializer
	logger     Logger
	sagaType   string
	locks      *keyLock
}

// RepositoryOption configures a Repository.
type RepositoryOption[T SagaInstance] func(*Repository[T])

// WithSerializer sets the instance serializer.
func WithSerializer[T SagaInstance](s Serializer) RepositoryOption[T] {
	return func(r *Repository[T]) {
		r.serializer = s
	}
}

// WithLogger sets the logger.
func WithLogger[T SagaInstance](l Logger) RepositoryOption[T] {
	return func(r *Repository[T]) {
		r.logger = l
	}
}

// WithSagaType overrides the saga type name derived from the instance type.
func WithSagaType[T SagaInstance](name string) RepositoryOption[T] {
	return func(r *Repository[T]) {
		r.sagaType = name
	}
}

// NewRepository creates a Repository over the given storage. The factory
// allocates zero instances for creation and deserialization.
func NewRepository[T SagaInstance](storage adapters.SagaStorage, factory InstanceFactory[T], opts ...RepositoryOption[T]) *Repository[T] {
	r := &Repository[T]{
		storage:    storage,
		factory:    factory,
		serializer: NewJSONSerializer(),
		logger:     &noopLogger{},
		sagaType:   instanceTypeName(factory()),
		locks:      newKeyLock(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// SagaType returns the saga type name used to key storage records.
func (r *Repository[T]) SagaType() string {
	return r.sagaType
}

// NewInstance allocates a zero instance from the repository factory.
func (r *Repository[T]) NewInstance() T {
	return r.factory()
}

// Send resolves the saga instance for the message's correlation id inside
// a per-key serialized turn and runs the policy against it.
//
// When no instance exists: a policy permitting pre-insert gets its
// candidate inserted immediately (losing the race falls back to the
// stored record); otherwise the policy's Missing path runs against a
// deferred-insert pipe. When the turn ends the instance is persisted,
// deleted (if completed), or discarded (if the turn failed).
func (r *Repository[T]) Send(ctx context.Context, cc ConsumeContext, policy SagaPolicy[T], next SagaPipe[T]) error {
	id := cc.CorrelationID()
	if id == uuid.Nil {
		return NewSagaError(r.sagaType, cc.MessageType(), uuid.Nil, ErrMissingCorrelationID)
	}

	unlock, err := r.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	record, err := r.storage.Load(ctx, r.sagaType, id)
	switch {
	case err == nil:
		return r.sendExisting(ctx, cc, policy, next, record)

	case errors.Is(err, adapters.ErrSagaNotFound):
		return r.sendMissing(ctx, cc, policy, next, id)

	default:
		return NewSagaError(r.sagaType, cc.MessageType(), id, err)
	}
}

// SendQuery resolves instances by property filter instead of correlation
// id. Every matching instance gets its own serialized turn; when nothing
// matches, the policy decides between creation and the missing path.
func (r *Repository[T]) SendQuery(ctx context.Context, cc ConsumeContext, query adapters.Query, policy SagaPolicy[T], next SagaPipe[T]) error {
	query.SagaType = r.sagaType

	ids, err := r.storage.Find(ctx, query)
	if err != nil {
		return NewSagaError(r.sagaType, cc.MessageType(), cc.CorrelationID(), err)
	}

	if len(ids) == 0 {
		return r.sendQueryMissing(ctx, cc, policy, next)
	}

	for _, id := range ids {
		if err := r.sendQueryExisting(ctx, cc, policy, next, id); err != nil {
			return err
		}
	}

	return nil
}

// sendQueryExisting runs one matched instance through a serialized turn.
// An instance deleted between Find and Load is skipped: the filter no
// longer has anything to match.
func (r *Repository[T]) sendQueryExisting(ctx context.Context, cc ConsumeContext, policy SagaPolicy[T], next SagaPipe[T], id uuid.UUID) error {
	unlock, err := r.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	record, err := r.storage.Load(ctx, r.sagaType, id)
	if err != nil {
		if errors.Is(err, adapters.ErrSagaNotFound) {
			return nil
		}
		return NewSagaError(r.sagaType, cc.MessageType(), id, err)
	}

	return r.sendExisting(ctx, cc, policy, next, record)
}

// sendQueryMissing handles a query that matched nothing. The candidate's
// correlation id comes from the policy's factory (or the message), so the
// turn still runs under a per-key lock.
func (r *Repository[T]) sendQueryMissing(ctx context.Context, cc ConsumeContext, policy SagaPolicy[T], next SagaPipe[T]) error {
	instance, ok := policy.PreInsertInstance(cc)
	if !ok {
		return policy.Missing(cc, r.missingPipe(cc, next))
	}

	if instance.CorrelationID() == uuid.Nil {
		instance.SetCorrelationID(cc.CorrelationID())
	}

	id := instance.CorrelationID()
	if id == uuid.Nil {
		return NewSagaError(r.sagaType, cc.MessageType(), uuid.Nil, ErrMissingCorrelationID)
	}

	unlock, err := r.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	return r.sendPreInsert(ctx, cc, policy, next, instance)
}

// sendExisting wraps a loaded record in a saga context, forwards it to
// the policy's Existing path, and persists the outcome. A failed turn
// leaves the stored record untouched.
func (r *Repository[T]) sendExisting(ctx context.Context, cc ConsumeContext, policy SagaPolicy[T], next SagaPipe[T], record *adapters.SagaRecord) error {
	instance := r.factory()
	if err := r.serializer.Deserialize(record.Data, instance); err != nil {
		return NewSagaError(r.sagaType, cc.MessageType(), record.CorrelationID, err)
	}

	sc := NewSagaContext(ctx, cc, instance)

	if err := policy.Existing(sc, next); err != nil {
		return err
	}

	return r.persist(ctx, cc, sc, record.Version)
}

// sendMissing handles the not-found path for id correlation.
func (r *Repository[T]) sendMissing(ctx context.Context, cc ConsumeContext, policy SagaPolicy[T], next SagaPipe[T], id uuid.UUID) error {
	instance, ok := policy.PreInsertInstance(cc)
	if !ok {
		return policy.Missing(cc, r.missingPipe(cc, next))
	}

	if instance.CorrelationID() == uuid.Nil {
		instance.SetCorrelationID(id)
	}

	return r.sendPreInsert(ctx, cc, policy, next, instance)
}

// sendPreInsert speculatively inserts a candidate instance, then runs it
// through the Existing path. Losing the insert race falls back to the
// stored record so the losing turn observes existing semantics and never
// duplicates the winner's creation side effects.
func (r *Repository[T]) sendPreInsert(ctx context.Context, cc ConsumeContext, policy SagaPolicy[T], next SagaPipe[T], instance T) error {
	id := instance.CorrelationID()

	record, err := r.newRecord(instance)
	if err != nil {
		return NewSagaError(r.sagaType, cc.MessageType(), id, err)
	}

	err = r.storage.Insert(ctx, record)
	switch {
	case err == nil:
		r.logger.Debug("Pre-inserted saga instance", "sagaType", r.sagaType, "correlationId", id)

	case errors.Is(err, adapters.ErrSagaAlreadyExists):
		existing, loadErr := r.storage.Load(ctx, r.sagaType, id)
		if loadErr != nil {
			return NewSagaError(r.sagaType, cc.MessageType(), id, loadErr)
		}
		r.logger.Debug("Pre-insert lost the race, using existing instance",
			"sagaType", r.sagaType, "correlationId", id)
		return r.sendExisting(ctx, cc, policy, next, existing)

	default:
		return NewSagaError(r.sagaType, cc.MessageType(), id, err)
	}

	sc := NewSagaContext(ctx, cc, instance)

	if err := policy.Existing(sc, next); err != nil {
		// The turn failed, so the speculative insert is rolled back to
		// honor the no-partial-save contract. Redelivery recreates it.
		if delErr := r.storage.Delete(ctx, r.sagaType, id, record.Version); delErr != nil {
			r.logger.Warn("Failed to remove pre-inserted instance after turn failure",
				"sagaType", r.sagaType, "correlationId", id, "error", delErr)
		}
		return err
	}

	return r.persist(ctx, cc, sc, record.Version)
}

// persist finishes a successful turn: delete when completed, otherwise
// save the mutated instance under the version observed at load.
func (r *Repository[T]) persist(ctx context.Context, cc ConsumeContext, sc *SagaContext[T], version int64) error {
	instance := sc.Instance()
	id := instance.CorrelationID()

	if sc.IsCompleted() {
		if err := r.storage.Delete(ctx, r.sagaType, id, version); err != nil {
			return NewSagaError(r.sagaType, cc.MessageType(), id, err)
		}
		r.logger.Debug("Saga completed and removed", "sagaType", r.sagaType, "correlationId", id)
		return nil
	}

	record, err := r.newRecord(instance)
	if err != nil {
		return NewSagaError(r.sagaType, cc.MessageType(), id, err)
	}
	record.Version = version

	if err := r.storage.Update(ctx, record); err != nil {
		return NewSagaError(r.sagaType, cc.MessageType(), id, err)
	}

	return nil
}

// missingPipe builds the deferred-insert continuation for a policy's
// Missing path.
func (r *Repository[T]) missingPipe(cc ConsumeContext, next SagaPipe[T]) *MissingPipe[T] {
	return newMissingPipe(r.sagaType, next, func(sc *SagaContext[T]) error {
		record, err := r.newRecord(sc.Instance())
		if err != nil {
			return NewSagaError(r.sagaType, cc.MessageType(), sc.Instance().CorrelationID(), err)
		}

		if err := r.storage.Insert(sc.Context(), record); err != nil {
			return NewSagaError(r.sagaType, cc.MessageType(), sc.Instance().CorrelationID(), err)
		}

		r.logger.Debug("Inserted saga instance", "sagaType", r.sagaType,
			"correlationId", sc.Instance().CorrelationID())
		return nil
	})
}

// newRecord serializes an instance into a storage record, lifting the
// current state name for state-machine instances.
func (r *Repository[T]) newRecord(instance T) (*adapters.SagaRecord, error) {
	data, err := r.serializer.Serialize(instance)
	if err != nil {
		return nil, err
	}

	record := &adapters.SagaRecord{
		CorrelationID: instance.CorrelationID(),
		SagaType:      r.sagaType,
		Data:          data,
	}

	if smi, ok := any(instance).(StateMachineInstance); ok {
		record.State = smi.CurrentState()
	}

	return record, nil
}

// instanceTypeName derives the saga type name from the instance's Go type.
// Computed once at repository construction.
func instanceTypeName(instance any) string {
	t := reflect.TypeOf(instance)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}
