package caravel

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventContext is handed to activity callbacks while a transition runs.
// It combines the saga context with the raising event and the runtime
// collaborators needed by Schedule and Request activities.
type EventContext[T StateMachineInstance] struct {
	*SagaContext[T]

	machine      *Machine[T]
	event        *Event
	scheduler    Scheduler
	inputAddress string
}

// Event returns the event being raised.
func (ec *EventContext[T]) Event() *Event {
	return ec.event
}

// Machine returns the machine definition.
func (ec *EventContext[T]) Machine() *Machine[T] {
	return ec.machine
}

// MessageFactory builds an outgoing message from the event context.
type MessageFactory[T StateMachineInstance] func(ec *EventContext[T]) (any, error)

// activityKind is the closed set of activity variants. Activities are
// matched through this tag, built once at machine construction.
type activityKind int

const (
	activityThen activityKind = iota
	activityPublish
	activitySend
	activityRespond
	activityRequest
	activitySchedule
	activityUnschedule
	activityTransition
)

// activity is one step of a transition. Exactly the fields for its kind
// are set.
type activity[T StateMachineInstance] struct {
	kind activityKind

	mutate      func(ec *EventContext[T]) error
	factory     MessageFactory[T]
	destination string
	schedule    *Schedule[T]
	request     *Request[T]
	delay       func(ec *EventContext[T]) time.Duration
	target      *State
}

// runActivity executes one activity against the event context.
func (m *Machine[T]) runActivity(ec *EventContext[T], act activity[T]) error {
	switch act.kind {
	case activityThen:
		return act.mutate(ec)

	case activityPublish:
		message, err := act.factory(ec)
		if err != nil {
			return err
		}
		return ec.Publish(ec.Context(), message,
			WithCorrelationID(ec.Instance().CorrelationID()))

	case activitySend:
		message, err := act.factory(ec)
		if err != nil {
			return err
		}
		return ec.Send(ec.Context(), act.destination, message,
			WithCorrelationID(ec.Instance().CorrelationID()))

	case activityRespond:
		message, err := act.factory(ec)
		if err != nil {
			return err
		}
		return ec.Respond(ec.Context(), message)

	case activityRequest:
		return m.runRequest(ec, act)

	case activitySchedule:
		return m.runSchedule(ec, act)

	case activityUnschedule:
		return m.runUnschedule(ec, act)

	case activityTransition:
		ec.Instance().SetCurrentState(act.target.name)
		if act.target.name == StateFinal && m.completedWhenFinalized {
			ec.SetCompleted()
		}
		return nil

	default:
		return fmt.Errorf("caravel: unknown activity kind %d", act.kind)
	}
}

// runRequest sends the request message to its service address, stamps a
// fresh token into the instance, and schedules the timeout fallback.
func (m *Machine[T]) runRequest(ec *EventContext[T], act activity[T]) error {
	req := act.request
	instance := ec.Instance()

	message, err := act.factory(ec)
	if err != nil {
		return err
	}

	requestID := uuid.New()

	err = ec.Send(ec.Context(), req.settings.ServiceAddress, message,
		WithRequestID(requestID),
		WithCorrelationID(instance.CorrelationID()),
		WithResponseAddress(ec.inputAddress))
	if err != nil {
		return err
	}

	if req.settings.Timeout > 0 {
		timeout := RequestTimeoutExpired{RequestType: req.settings.RequestType}
		_, err = ec.scheduler.ScheduleSend(ec.Context(), ec.inputAddress, req.settings.Timeout, timeout,
			WithRequestID(requestID),
			WithCorrelationID(instance.CorrelationID()))
		if err != nil {
			return err
		}
	}

	*req.token(instance) = requestID
	return nil
}

// runSchedule asks the scheduler for a deferred delivery and overwrites
// the instance token. A prior outstanding token is simply replaced; if
// its stale delivery still arrives, the token mismatch drops it.
func (m *Machine[T]) runSchedule(ec *EventContext[T], act activity[T]) error {
	sched := act.schedule
	instance := ec.Instance()

	message, err := act.factory(ec)
	if err != nil {
		return err
	}

	delay := sched.delay
	if act.delay != nil {
		delay = act.delay(ec)
	}

	token, err := ec.scheduler.ScheduleSend(ec.Context(), ec.inputAddress, delay, message,
		WithCorrelationID(instance.CorrelationID()))
	if err != nil {
		return err
	}

	*sched.token(instance) = token
	return nil
}

// runUnschedule cancels the outstanding delivery and clears the token.
func (m *Machine[T]) runUnschedule(ec *EventContext[T], act activity[T]) error {
	sched := act.schedule
	instance := ec.Instance()

	token := sched.token(instance)
	if *token == uuid.Nil {
		return nil
	}

	if err := ec.scheduler.CancelScheduledSend(ec.Context(), *token); err != nil {
		return err
	}

	*token = uuid.Nil
	return nil
}
