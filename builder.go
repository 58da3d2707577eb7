package caravel

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MachineBuilder collects the states, events, and transitions of a state
// machine. Build validates the whole declaration at once and fails fast
// on duplicates or ambiguity instead of resolving conflicts at dispatch
// time.
type MachineBuilder[T StateMachineInstance] struct {
	name      string
	states    map[string]*State
	order     []*State
	events    map[string]*Event
	evOrder   []*Event
	schedules []*Schedule[T]
	requests  []*Request[T]

	declarations []stateDeclaration[T]

	completedWhenFinalized bool
	errs                   []error

	initial *State
	final   *State
}

type stateDeclaration[T StateMachineInstance] struct {
	state       *State
	transitions []*TransitionBuilder[T]
}

// NewMachineBuilder creates a builder for a machine with the given name.
// Initial and Final states are declared implicitly.
func NewMachineBuilder[T StateMachineInstance](name string) *MachineBuilder[T] {
	b := &MachineBuilder[T]{
		name:   name,
		states: make(map[string]*State),
		events: make(map[string]*Event),
	}

	b.initial = b.State(StateInitial)
	b.final = b.State(StateFinal)

	return b
}

// State declares a state. Declaring the same name twice returns the
// existing state.
func (b *MachineBuilder[T]) State(name string) *State {
	if s, ok := b.states[name]; ok {
		return s
	}

	s := &State{name: name}
	b.states[name] = s
	b.order = append(b.order, s)
	return s
}

// Initial returns the built-in Initial state.
func (b *MachineBuilder[T]) Initial() *State {
	return b.initial
}

// Final returns the built-in Final state.
func (b *MachineBuilder[T]) Final() *State {
	return b.final
}

// Event declares a plain event raised by the given message type.
func (b *MachineBuilder[T]) Event(messageType string, opts ...EventOption) *Event {
	return b.declareEvent(messageType, messageType, EventPlain, gateNone, opts...)
}

func (b *MachineBuilder[T]) declareEvent(name, messageType string, kind EventKind, gate tokenHeader, opts ...EventOption) *Event {
	if _, exists := b.events[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("caravel: event %q declared twice on machine %q", name, b.name))
		return b.events[name]
	}

	e := &Event{
		name:        name,
		messageType: messageType,
		kind:        kind,
		gate:        gate,
	}
	for _, opt := range opts {
		opt(e)
	}

	b.events[name] = e
	b.evOrder = append(b.evOrder, e)
	return e
}

// Schedule declares a deferred delivery. messageType is the scheduled
// message's type; token reaches the instance field tracking the
// outstanding delivery.
func (b *MachineBuilder[T]) Schedule(name, messageType string, token func(instance T) *uuid.UUID, opts ...ScheduleOption) *Schedule[T] {
	cfg := &scheduleConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Schedule[T]{
		name:  name,
		delay: cfg.delay,
		token: token,
	}
	s.Received = b.declareEvent(name+".Received", messageType, EventSchedule, gateTokenID, cfg.receivedOpts...)

	b.schedules = append(b.schedules, s)
	return s
}

// Request declares an outstanding correlated call. token reaches the
// instance field holding the pending request id.
func (b *MachineBuilder[T]) Request(name string, token func(instance T) *uuid.UUID, settings RequestSettings) *Request[T] {
	if settings.RequestType == "" {
		settings.RequestType = name
	}
	if settings.ResponseType == "" {
		b.errs = append(b.errs, fmt.Errorf("caravel: request %q on machine %q has no response type", name, b.name))
	}

	r := &Request[T]{
		name:     name,
		settings: settings,
		token:    token,
	}
	r.Completed = b.declareEvent(name+".Completed", settings.ResponseType, EventRequest, gateRequestID)
	r.Faulted = b.declareEvent(name+".Faulted", FaultMessageType(settings.RequestType), EventRequest, gateRequestID)
	r.TimeoutExpired = b.declareEvent(name+".TimeoutExpired", RequestTimeoutMessageType(settings.RequestType), EventRequest, gateRequestID)

	b.requests = append(b.requests, r)
	return r
}

// Initially declares the transitions out of the Initial state. Their
// events may create new instances.
func (b *MachineBuilder[T]) Initially(transitions ...*TransitionBuilder[T]) {
	b.During(b.initial, transitions...)
}

// During declares the transitions available in a state.
func (b *MachineBuilder[T]) During(state *State, transitions ...*TransitionBuilder[T]) {
	b.declarations = append(b.declarations, stateDeclaration[T]{
		state:       state,
		transitions: transitions,
	})
}

// DuringAny declares transitions available in every state except Initial.
func (b *MachineBuilder[T]) DuringAny(transitions ...*TransitionBuilder[T]) {
	for _, s := range b.order {
		if s.name == StateInitial {
			continue
		}
		b.During(s, transitions...)
	}
}

// SetCompletedWhenFinalized marks instances completed when they reach
// Final, so the repository deletes them at the end of the turn.
func (b *MachineBuilder[T]) SetCompletedWhenFinalized() {
	b.completedWhenFinalized = true
}

// Build assembles and validates the machine. It fails when a (state,
// event) pair is declared twice, a message type raises two different
// events, or a transition references an undeclared state or event.
func (b *MachineBuilder[T]) Build() (*Machine[T], error) {
	m := &Machine[T]{
		name:                   b.name,
		states:                 b.states,
		stateOrder:             b.order,
		events:                 b.events,
		eventOrder:             b.evOrder,
		eventsByMessage:        make(map[string]*Event),
		transitions:            make(map[transitionKey]*transition[T]),
		tokens:                 make(map[string]func(T) *uuid.UUID),
		schedules:              b.schedules,
		requests:               b.requests,
		initialEvents:          make(map[string]bool),
		completedWhenFinalized: b.completedWhenFinalized,
	}

	errs := b.errs

	for _, e := range b.evOrder {
		if other, taken := m.eventsByMessage[e.messageType]; taken {
			errs = append(errs, fmt.Errorf("caravel: message type %q bound to events %q and %q on machine %q",
				e.messageType, other.name, e.name, b.name))
			continue
		}
		m.eventsByMessage[e.messageType] = e
	}

	for _, s := range b.schedules {
		m.tokens[s.Received.name] = s.token
	}
	for _, r := range b.requests {
		m.tokens[r.Completed.name] = r.token
		m.tokens[r.Faulted.name] = r.token
		m.tokens[r.TimeoutExpired.name] = r.token
	}

	for _, decl := range b.declarations {
		if _, ok := b.states[decl.state.name]; !ok || b.states[decl.state.name] != decl.state {
			errs = append(errs, fmt.Errorf("caravel: state %q not declared on machine %q", decl.state.name, b.name))
			continue
		}

		for _, tb := range decl.transitions {
			if tb.err != nil {
				errs = append(errs, tb.err)
				continue
			}

			if declared, ok := b.events[tb.event.name]; !ok || declared != tb.event {
				errs = append(errs, fmt.Errorf("caravel: event %q not declared on machine %q", tb.event.name, b.name))
				continue
			}

			key := transitionKey{state: decl.state.name, event: tb.event.name}
			if _, dup := m.transitions[key]; dup {
				errs = append(errs, fmt.Errorf("caravel: duplicate transition for (%s, %s) on machine %q",
					key.state, key.event, b.name))
				continue
			}

			if err := b.validateActivities(tb.activities); err != nil {
				errs = append(errs, err)
				continue
			}
			for _, fh := range tb.faults {
				if err := b.validateActivities(fh.activities); err != nil {
					errs = append(errs, err)
				}
			}

			m.transitions[key] = &transition[T]{
				activities: tb.activities,
				faults:     tb.faults,
			}

			if decl.state.name == StateInitial {
				m.initialEvents[tb.event.name] = true
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return m, nil
}

// validateActivities checks that transition targets belong to this
// machine's state set.
func (b *MachineBuilder[T]) validateActivities(activities []activity[T]) error {
	for _, act := range activities {
		if act.kind != activityTransition {
			continue
		}
		if _, ok := b.states[act.target.name]; !ok {
			return fmt.Errorf("caravel: transition target state %q not declared on machine %q", act.target.name, b.name)
		}
	}
	return nil
}

// TransitionBuilder collects the ordered activity list for one (state,
// event) pair.
type TransitionBuilder[T StateMachineInstance] struct {
	event      *Event
	activities []activity[T]
	faults     []faultHandler[T]
	err        error
}

// When starts a transition declaration for the given event.
func When[T StateMachineInstance](event *Event) *TransitionBuilder[T] {
	tb := &TransitionBuilder[T]{event: event}
	if event == nil {
		tb.err = errors.New("caravel: When requires a declared event")
	}
	return tb
}

// Then appends an activity that mutates the instance or runs side
// effects.
func (tb *TransitionBuilder[T]) Then(fn func(ec *EventContext[T]) error) *TransitionBuilder[T] {
	tb.activities = append(tb.activities, activity[T]{kind: activityThen, mutate: fn})
	return tb
}

// Publish appends an activity that publishes a message.
func (tb *TransitionBuilder[T]) Publish(factory MessageFactory[T]) *TransitionBuilder[T] {
	tb.activities = append(tb.activities, activity[T]{kind: activityPublish, factory: factory})
	return tb
}

// Send appends an activity that sends a message to a destination.
func (tb *TransitionBuilder[T]) Send(destination string, factory MessageFactory[T]) *TransitionBuilder[T] {
	tb.activities = append(tb.activities, activity[T]{kind: activitySend, destination: destination, factory: factory})
	return tb
}

// Respond appends an activity that responds to the consumed message.
func (tb *TransitionBuilder[T]) Respond(factory MessageFactory[T]) *TransitionBuilder[T] {
	tb.activities = append(tb.activities, activity[T]{kind: activityRespond, factory: factory})
	return tb
}

// Schedule appends an activity that schedules the deferred delivery and
// stores its token on the instance.
func (tb *TransitionBuilder[T]) Schedule(s *Schedule[T], factory MessageFactory[T], opts ...ScheduleActivityOption[T]) *TransitionBuilder[T] {
	act := activity[T]{kind: activitySchedule, schedule: s, factory: factory}
	for _, opt := range opts {
		opt(&act)
	}
	tb.activities = append(tb.activities, act)
	return tb
}

// Unschedule appends an activity that cancels the outstanding delivery
// and clears its token.
func (tb *TransitionBuilder[T]) Unschedule(s *Schedule[T]) *TransitionBuilder[T] {
	tb.activities = append(tb.activities, activity[T]{kind: activityUnschedule, schedule: s})
	return tb
}

// Request appends an activity that starts the outstanding call and
// schedules its timeout fallback.
func (tb *TransitionBuilder[T]) Request(r *Request[T], factory MessageFactory[T]) *TransitionBuilder[T] {
	tb.activities = append(tb.activities, activity[T]{kind: activityRequest, request: r, factory: factory})
	return tb
}

// TransitionTo appends an activity that moves the instance to the given
// state.
func (tb *TransitionBuilder[T]) TransitionTo(s *State) *TransitionBuilder[T] {
	tb.activities = append(tb.activities, activity[T]{kind: activityTransition, target: s})
	return tb
}

// Finalize appends a transition to the Final state.
func (tb *TransitionBuilder[T]) Finalize() *TransitionBuilder[T] {
	tb.activities = append(tb.activities, activity[T]{kind: activityTransition, target: &State{name: StateFinal}})
	return tb
}

// Catch declares a fault handler for this transition. A nil target
// matches any error; otherwise the handler runs when errors.Is matches.
// Handlers are tried in declaration order.
func (tb *TransitionBuilder[T]) Catch(target error, handler *FaultBuilder[T]) *TransitionBuilder[T] {
	tb.faults = append(tb.faults, faultHandler[T]{target: target, activities: handler.activities})
	return tb
}

// FaultBuilder collects the activity list of a fault handler. Fault
// handlers may publish, respond, and transition, but nothing is rolled
// back on their behalf.
type FaultBuilder[T StateMachineInstance] struct {
	activities []activity[T]
}

// OnFault starts a fault handler declaration.
func OnFault[T StateMachineInstance]() *FaultBuilder[T] {
	return &FaultBuilder[T]{}
}

// Then appends a mutation activity.
func (fb *FaultBuilder[T]) Then(fn func(ec *EventContext[T]) error) *FaultBuilder[T] {
	fb.activities = append(fb.activities, activity[T]{kind: activityThen, mutate: fn})
	return fb
}

// Publish appends a publish activity.
func (fb *FaultBuilder[T]) Publish(factory MessageFactory[T]) *FaultBuilder[T] {
	fb.activities = append(fb.activities, activity[T]{kind: activityPublish, factory: factory})
	return fb
}

// Send appends a send activity.
func (fb *FaultBuilder[T]) Send(destination string, factory MessageFactory[T]) *FaultBuilder[T] {
	fb.activities = append(fb.activities, activity[T]{kind: activitySend, destination: destination, factory: factory})
	return fb
}

// Respond appends a respond activity.
func (fb *FaultBuilder[T]) Respond(factory MessageFactory[T]) *FaultBuilder[T] {
	fb.activities = append(fb.activities, activity[T]{kind: activityRespond, factory: factory})
	return fb
}

// TransitionTo appends a state transition.
func (fb *FaultBuilder[T]) TransitionTo(s *State) *FaultBuilder[T] {
	fb.activities = append(fb.activities, activity[T]{kind: activityTransition, target: s})
	return fb
}

// Finalize appends a transition to the Final state.
func (fb *FaultBuilder[T]) Finalize() *FaultBuilder[T] {
	fb.activities = append(fb.activities, activity[T]{kind: activityTransition, target: &State{name: StateFinal}})
	return fb
}
