package caravel

import (
	"errors"

	"github.com/google/uuid"
)

// Built-in state names. Instances begin in Initial; Final is terminal.
const (
	StateInitial = "Initial"
	StateFinal   = "Final"
)

// State is a node in a machine's state graph.
type State struct {
	name string
}

// Name returns the state name.
func (s *State) Name() string {
	return s.name
}

// EventKind distinguishes the closed set of event variants.
type EventKind int

const (
	// EventPlain is an ordinary typed signal.
	EventPlain EventKind = iota

	// EventRequest is one of a request's completion events
	// (Completed, Faulted, or TimeoutExpired), gated by the request token.
	EventRequest

	// EventSchedule is a schedule's Received event, gated by the
	// scheduling token.
	EventSchedule
)

// tokenHeader names which header a gated event matches against the
// instance token.
type tokenHeader int

const (
	gateNone tokenHeader = iota
	gateTokenID
	gateRequestID
)

// Event is a typed signal declared on a state machine. Each event is
// bound to exactly one message type.
type Event struct {
	name        string
	messageType string
	kind        EventKind
	gate        tokenHeader
	correlation eventCorrelation
}

// Name returns the event name.
func (e *Event) Name() string {
	return e.name
}

// EventMessageType returns the message type that raises this event.
func (e *Event) EventMessageType() string {
	return e.messageType
}

// Kind returns the event's variant.
func (e *Event) Kind() EventKind {
	return e.kind
}

// eventCorrelation maps an inbound message to a saga instance: either by
// id extraction or by property-equality query, with an optional id
// selector for instances created by query-correlated events.
type eventCorrelation struct {
	byID     func(message any) uuid.UUID
	byQuery  func(message any) map[string]any
	selectID func(cc ConsumeContext) uuid.UUID
}

// EventOption configures a declared event.
type EventOption func(*Event)

// CorrelateByID correlates the event by an id extracted from the message.
func CorrelateByID(extract func(message any) uuid.UUID) EventOption {
	return func(e *Event) {
		e.correlation.byID = extract
	}
}

// CorrelateByQuery correlates the event by property equality: the
// returned filter keys are the instance's JSON field names.
func CorrelateByQuery(filter func(message any) map[string]any) EventOption {
	return func(e *Event) {
		e.correlation.byQuery = filter
	}
}

// SelectID chooses the correlation id for instances created by a
// query-correlated event. Defaults to a random id.
func SelectID(selector func(cc ConsumeContext) uuid.UUID) EventOption {
	return func(e *Event) {
		e.correlation.selectID = selector
	}
}

type transitionKey struct {
	state string
	event string
}

type transition[T StateMachineInstance] struct {
	activities []activity[T]
	faults     []faultHandler[T]
}

type faultHandler[T StateMachineInstance] struct {
	target     error
	activities []activity[T]
}

// Machine is an immutable state-machine definition: states, events, and
// a transition table validated once at construction. One Machine serves
// all instances of its saga type.
type Machine[T StateMachineInstance] struct {
	name            string
	states          map[string]*State
	stateOrder      []*State
	events          map[string]*Event
	eventOrder      []*Event
	eventsByMessage map[string]*Event
	transitions     map[transitionKey]*transition[T]
	tokens          map[string]func(T) *uuid.UUID
	schedules       []*Schedule[T]
	requests        []*Request[T]
	initialEvents   map[string]bool

	completedWhenFinalized bool
}

// Name returns the machine name.
func (m *Machine[T]) Name() string {
	return m.name
}

// States returns the declared states, Initial first and Final last.
func (m *Machine[T]) States() []*State {
	return m.stateOrder
}

// Events returns the declared events in declaration order, including the
// events belonging to schedules and requests.
func (m *Machine[T]) Events() []*Event {
	return m.eventOrder
}

// Schedules returns the declared schedules.
func (m *Machine[T]) Schedules() []*Schedule[T] {
	return m.schedules
}

// Requests returns the declared requests.
func (m *Machine[T]) Requests() []*Request[T] {
	return m.requests
}

// GetState returns the current state of an instance. An instance that
// has never transitioned is in Initial.
func (m *Machine[T]) GetState(instance T) *State {
	name := instance.CurrentState()
	if name == "" {
		name = StateInitial
	}
	return m.states[name]
}

// EventForMessage returns the event bound to a message type.
func (m *Machine[T]) EventForMessage(messageType string) (*Event, bool) {
	e, ok := m.eventsByMessage[messageType]
	return e, ok
}

// IsInitialEvent reports whether the event may create a new instance,
// i.e. it appears in a transition out of the Initial state.
func (m *Machine[T]) IsInitialEvent(event *Event) bool {
	return m.initialEvents[event.name]
}

// CompletedWhenFinalized reports whether reaching Final marks the
// instance completed (and thus deleted by the repository).
func (m *Machine[T]) CompletedWhenFinalized() bool {
	return m.completedWhenFinalized
}

// EventPipe returns the saga pipe that raises the given event against
// the instance resolved by the repository. The scheduler and input
// address are the runtime collaborators for Schedule and Request
// activities.
func (m *Machine[T]) EventPipe(event *Event, scheduler Scheduler, inputAddress string) SagaPipe[T] {
	return &eventPipe[T]{
		machine:      m,
		event:        event,
		scheduler:    scheduler,
		inputAddress: inputAddress,
	}
}

type eventPipe[T StateMachineInstance] struct {
	machine      *Machine[T]
	event        *Event
	scheduler    Scheduler
	inputAddress string
}

// Send implements SagaPipe.
func (p *eventPipe[T]) Send(sc *SagaContext[T]) error {
	return p.machine.raise(sc, p.event, p.scheduler, p.inputAddress)
}

// Probe implements SagaPipe.
func (p *eventPipe[T]) Probe(pc *ProbeContext) {
	pc.Add("stateMachine", p.machine.name)
	pc.Add("event", p.event.name)
}

// raise evaluates one event against one instance: gate the token if the
// event is a schedule or request callback, look up the transition for
// (currentState, event), and run its activities in declaration order.
// An unmatched (state, event) pair is ignored, not an error.
func (m *Machine[T]) raise(sc *SagaContext[T], event *Event, scheduler Scheduler, inputAddress string) error {
	instance := sc.Instance()

	if accessor, gated := m.tokens[event.name]; gated {
		token := accessor(instance)
		if !m.matchToken(sc, event, *token) {
			// Stale or duplicate callback; the token was cleared or
			// replaced since this delivery was produced.
			return nil
		}
		*token = uuid.Nil
	}

	stateName := instance.CurrentState()
	if stateName == "" {
		stateName = StateInitial
	}

	tr, ok := m.transitions[transitionKey{state: stateName, event: event.name}]
	if !ok {
		return nil
	}

	ec := &EventContext[T]{
		SagaContext:  sc,
		machine:      m,
		event:        event,
		scheduler:    scheduler,
		inputAddress: inputAddress,
	}

	for _, act := range tr.activities {
		if err := m.runActivity(ec, act); err != nil {
			return m.runFaultHandlers(ec, tr, err)
		}
	}

	return nil
}

// matchToken compares the gating header of a delivery against the
// instance token.
func (m *Machine[T]) matchToken(sc *SagaContext[T], event *Event, token uuid.UUID) bool {
	if token == uuid.Nil {
		return false
	}

	var header uuid.UUID
	switch event.gate {
	case gateTokenID:
		header = sc.Headers().TokenID
	case gateRequestID:
		header = sc.Headers().RequestID
	default:
		return true
	}

	return header != uuid.Nil && header == token
}

// runFaultHandlers routes an activity failure to the first declared
// handler whose target matches. Mutations already applied by earlier
// activities are not rolled back; explicit compensation belongs to the
// workflow definition. An unhandled failure propagates as a delivery
// failure.
func (m *Machine[T]) runFaultHandlers(ec *EventContext[T], tr *transition[T], cause error) error {
	for _, fh := range tr.faults {
		if fh.target != nil && !errors.Is(cause, fh.target) {
			continue
		}

		for _, act := range fh.activities {
			if err := m.runActivity(ec, act); err != nil {
				return err
			}
		}
		return nil
	}

	return cause
}

// Probe writes the machine topology.
func (m *Machine[T]) Probe(pc *ProbeContext) {
	pc.Add("stateMachine", m.name)

	states := make([]string, 0, len(m.stateOrder))
	for _, s := range m.stateOrder {
		states = append(states, s.name)
	}
	pc.Add("states", states)

	events := pc.Section("events")
	for _, e := range m.eventOrder {
		events.Add(e.name, e.messageType)
	}

	transitions := pc.Section("transitions")
	for key := range m.transitions {
		transitions.Add(key.state+"/"+key.event, true)
	}
}
