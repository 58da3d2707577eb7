// Package sagas provides testing utilities for state-machine saga
// development: an in-process harness wiring a loopback bus, in-memory
// storage, and a delay scheduler around a machine, with helpers for
// observing published messages and waiting on instance state.
package sagas

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	caravel "github.com/caravelmq/go-caravel"
	"github.com/caravelmq/go-caravel/adapters"
	"github.com/caravelmq/go-caravel/adapters/memory"
)

// TB is an alias for testing.TB to enable easier mocking in tests.
type TB = testing.TB

// Defaults for Eventually-style waits.
const (
	DefaultWaitTimeout = 5 * time.Second
	DefaultWaitTick    = 10 * time.Millisecond
)

// Harness wires a machine to an in-memory repository over a loopback bus
// so saga behavior can be exercised end to end without a broker.
type Harness[T caravel.StateMachineInstance] struct {
	t TB

	Bus        *caravel.Bus
	Storage    *memory.Storage
	Repository *caravel.Repository[T]
	Scheduler  *caravel.DelayScheduler
	Connection *caravel.Connection[T]

	mu       sync.Mutex
	observed map[string][]any
}

// HarnessOption configures a Harness.
type HarnessOption[T caravel.StateMachineInstance] struct {
	repository []caravel.RepositoryOption[T]
	connect    []caravel.ConnectOption[T]
}

// WithRepositoryOptions forwards options to the harness repository.
func WithRepositoryOptions[T caravel.StateMachineInstance](opts ...caravel.RepositoryOption[T]) HarnessOption[T] {
	return HarnessOption[T]{repository: opts}
}

// WithConnectOptions forwards options to the harness connection.
func WithConnectOptions[T caravel.StateMachineInstance](opts ...caravel.ConnectOption[T]) HarnessOption[T] {
	return HarnessOption[T]{connect: opts}
}

// NewHarness builds and starts a harness for the machine. The factory
// allocates instances; the harness is stopped with the test.
func NewHarness[T caravel.StateMachineInstance](t TB, machine *caravel.Machine[T], factory caravel.InstanceFactory[T], opts ...HarnessOption[T]) *Harness[T] {
	t.Helper()

	var repoOpts []caravel.RepositoryOption[T]
	var connectOpts []caravel.ConnectOption[T]
	for _, opt := range opts {
		repoOpts = append(repoOpts, opt.repository...)
		connectOpts = append(connectOpts, opt.connect...)
	}

	h := &Harness[T]{
		t:        t,
		Bus:      caravel.NewBus(),
		Storage:  memory.NewStorage(),
		observed: make(map[string][]any),
	}
	h.Repository = caravel.NewRepository(h.Storage, factory, repoOpts...)
	h.Scheduler = caravel.NewDelayScheduler(h.Bus)

	connectOpts = append([]caravel.ConnectOption[T]{caravel.WithScheduler[T](h.Scheduler)}, connectOpts...)
	connection, err := caravel.Connect(machine, h.Repository, connectOpts...)
	if err != nil {
		t.Fatalf("connect machine: %v", err)
	}
	h.Connection = connection
	h.Connection.Bind(h.Bus)

	t.Cleanup(h.Stop)
	return h
}

// Stop shuts down the scheduler and bus, draining in-flight deliveries.
func (h *Harness[T]) Stop() {
	h.Scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultWaitTimeout)
	defer cancel()
	_ = h.Bus.Stop(ctx)
}

// Publish offers a message to the bus.
func (h *Harness[T]) Publish(message any, opts ...caravel.SendOption) {
	h.t.Helper()
	if err := h.Bus.Publish(context.Background(), message, opts...); err != nil {
		h.t.Fatalf("publish %T: %v", message, err)
	}
}

// Observe records every delivery of the given message types so tests can
// assert on produced messages. Call before publishing.
func (h *Harness[T]) Observe(messageTypes ...string) {
	for _, messageType := range messageTypes {
		mt := messageType
		h.Bus.Handle(mt, caravel.PipeFunc(func(cc caravel.ConsumeContext) error {
			h.mu.Lock()
			h.observed[mt] = append(h.observed[mt], cc.Message())
			h.mu.Unlock()
			return nil
		}))
	}
}

// Observed returns a snapshot of the recorded messages of a type.
func (h *Harness[T]) Observed(messageType string) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.observed[messageType]...)
}

// ObservedCount returns how many messages of a type were recorded.
func (h *Harness[T]) ObservedCount(messageType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observed[messageType])
}

// Instance loads the stored instance for a correlation id. Returns false
// when no instance exists.
func (h *Harness[T]) Instance(id uuid.UUID) (T, bool) {
	h.t.Helper()

	var zero T
	record, err := h.Storage.Load(context.Background(), h.Repository.SagaType(), id)
	if err != nil {
		if errors.Is(err, adapters.ErrSagaNotFound) {
			return zero, false
		}
		h.t.Fatalf("load instance %s: %v", id, err)
	}

	instance := h.Repository.NewInstance()
	if err := caravel.NewJSONSerializer().Deserialize(record.Data, instance); err != nil {
		h.t.Fatalf("deserialize instance %s: %v", id, err)
	}
	return instance, true
}

// FindByFilter returns the correlation ids of stored instances matching
// a property-equality filter, the same lookup query-correlated events
// use.
func (h *Harness[T]) FindByFilter(filter map[string]any) []uuid.UUID {
	h.t.Helper()

	ids, err := h.Storage.Find(context.Background(), adapters.Query{
		SagaType: h.Repository.SagaType(),
		Filter:   filter,
	})
	if err != nil {
		h.t.Fatalf("find instances: %v", err)
	}
	return ids
}

// Eventually polls the condition until it holds or the timeout expires.
func (h *Harness[T]) Eventually(condition func() bool, msgAndArgs ...any) {
	h.t.Helper()

	deadline := time.Now().Add(DefaultWaitTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(DefaultWaitTick)
	}

	if len(msgAndArgs) > 0 {
		format, _ := msgAndArgs[0].(string)
		h.t.Fatalf("condition never satisfied: "+format, msgAndArgs[1:]...)
		return
	}
	h.t.Fatal("condition never satisfied")
}

// WaitForState waits until the instance exists in the given state.
func (h *Harness[T]) WaitForState(id uuid.UUID, state string) T {
	h.t.Helper()

	var instance T
	h.Eventually(func() bool {
		record, err := h.Storage.Load(context.Background(), h.Repository.SagaType(), id)
		if err != nil || record.State != state {
			return false
		}
		loaded, ok := h.Instance(id)
		instance = loaded
		return ok
	}, "instance %s never reached state %s", id, state)
	return instance
}

// WaitForInstance waits until an instance exists for the correlation id.
func (h *Harness[T]) WaitForInstance(id uuid.UUID) T {
	h.t.Helper()

	var instance T
	h.Eventually(func() bool {
		loaded, ok := h.Instance(id)
		instance = loaded
		return ok
	}, "instance %s never created", id)
	return instance
}

// WaitForRemoved waits until no instance exists for the correlation id.
func (h *Harness[T]) WaitForRemoved(id uuid.UUID) {
	h.t.Helper()

	h.Eventually(func() bool {
		_, ok := h.Instance(id)
		return !ok
	}, "instance %s never removed", id)
}

// Drain waits for in-flight deliveries to settle: the condition holds
// continuously for the given duration.
func (h *Harness[T]) Drain(settle time.Duration) {
	time.Sleep(settle)
}
