package caravel

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineBuilder_Build(t *testing.T) {
	t.Run("builds a minimal machine", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		accepted := b.State("Accepted")
		submitted := b.Event("orderSubmitted")

		b.Initially(
			When[*orderState](submitted).TransitionTo(accepted),
		)

		m, err := b.Build()

		require.NoError(t, err)
		assert.Equal(t, "Order", m.Name())
		assert.True(t, m.IsInitialEvent(submitted))

		bound, ok := m.EventForMessage("orderSubmitted")
		require.True(t, ok)
		assert.Equal(t, submitted, bound)
	})

	t.Run("declares Initial and Final implicitly", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")

		m, err := b.Build()

		require.NoError(t, err)
		states := m.States()
		require.NotEmpty(t, states)
		assert.Equal(t, StateInitial, states[0].Name())
		assert.Equal(t, StateFinal, states[1].Name())
	})

	t.Run("redeclaring a state returns the same state", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")

		first := b.State("Accepted")
		second := b.State("Accepted")

		assert.Same(t, first, second)
	})

	t.Run("rejects duplicate transition for same state and event", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		submitted := b.Event("orderSubmitted")

		b.Initially(
			When[*orderState](submitted).TransitionTo(b.Final()),
			When[*orderState](submitted).TransitionTo(b.Final()),
		)

		_, err := b.Build()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate transition")
	})

	t.Run("rejects event declared twice", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		b.Event("orderSubmitted")
		b.Event("orderSubmitted")

		_, err := b.Build()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "declared twice")
	})

	t.Run("rejects message type bound to two events", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		b.Event("orderSubmitted")
		b.Schedule("Submit", "orderSubmitted", func(o *orderState) *uuid.UUID { return &o.TimeoutToken })

		_, err := b.Build()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "bound to events")
	})

	t.Run("rejects transition to undeclared state", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		submitted := b.Event("orderSubmitted")
		other := NewMachineBuilder[*orderState]("Other").State("Elsewhere")

		b.Initially(
			When[*orderState](submitted).TransitionTo(other),
		)

		_, err := b.Build()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "not declared")
	})

	t.Run("rejects undeclared event", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		foreign := NewMachineBuilder[*orderState]("Other").Event("orderSubmitted")

		b.Initially(
			When[*orderState](foreign).Finalize(),
		)

		_, err := b.Build()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "not declared")
	})

	t.Run("rejects request without response type", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		b.Request("ProcessOrder", func(o *orderState) *uuid.UUID { return &o.RequestToken },
			RequestSettings{ServiceAddress: "order-service"})

		_, err := b.Build()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "no response type")
	})

	t.Run("collects every error", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		submitted := b.Event("orderSubmitted")
		b.Event("orderSubmitted")

		b.Initially(
			When[*orderState](submitted).Finalize(),
			When[*orderState](submitted).Finalize(),
		)

		_, err := b.Build()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "declared twice")
		assert.Contains(t, err.Error(), "duplicate transition")
	})
}

func TestMachineBuilder_Schedule(t *testing.T) {
	t.Run("declares the received event gated by token", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		timeout := b.Schedule("OrderTimeout", "orderTimeoutExpired",
			func(o *orderState) *uuid.UUID { return &o.TimeoutToken },
			WithDelay(10*time.Minute))

		m, err := b.Build()

		require.NoError(t, err)
		require.NotNil(t, timeout.Received)
		assert.Equal(t, EventSchedule, timeout.Received.Kind())
		assert.Equal(t, "orderTimeoutExpired", timeout.Received.EventMessageType())
		assert.Equal(t, 10*time.Minute, timeout.Delay())

		bound, ok := m.EventForMessage("orderTimeoutExpired")
		require.True(t, ok)
		assert.Equal(t, timeout.Received, bound)
	})
}

func TestMachineBuilder_Request(t *testing.T) {
	t.Run("declares the three completion events gated by request id", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		process := b.Request("ProcessOrder", func(o *orderState) *uuid.UUID { return &o.RequestToken },
			RequestSettings{
				ServiceAddress: "order-service",
				ResponseType:   "orderProcessed",
				Timeout:        30 * time.Second,
			})

		m, err := b.Build()
		require.NoError(t, err)

		require.NotNil(t, process.Completed)
		require.NotNil(t, process.Faulted)
		require.NotNil(t, process.TimeoutExpired)

		assert.Equal(t, "orderProcessed", process.Completed.EventMessageType())
		assert.Equal(t, FaultMessageType("ProcessOrder"), process.Faulted.EventMessageType())
		assert.Equal(t, RequestTimeoutMessageType("ProcessOrder"), process.TimeoutExpired.EventMessageType())

		for _, e := range []*Event{process.Completed, process.Faulted, process.TimeoutExpired} {
			assert.Equal(t, EventRequest, e.Kind())
			_, ok := m.EventForMessage(e.EventMessageType())
			assert.True(t, ok)
		}
	})

	t.Run("request type defaults to the request name", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		process := b.Request("ProcessOrder", func(o *orderState) *uuid.UUID { return &o.RequestToken },
			RequestSettings{ServiceAddress: "order-service", ResponseType: "orderProcessed"})

		_, err := b.Build()
		require.NoError(t, err)
		assert.Equal(t, "ProcessOrder", process.Settings().RequestType)
	})
}

func TestMachine_Introspection(t *testing.T) {
	build := func(t *testing.T) (*Machine[*orderState], *Event, *Event) {
		b := NewMachineBuilder[*orderState]("Order")
		accepted := b.State("Accepted")
		submitted := b.Event("orderSubmitted")
		acceptedEv := b.Event("orderAccepted")

		b.Initially(
			When[*orderState](submitted).TransitionTo(accepted),
		)
		b.During(accepted,
			When[*orderState](acceptedEv).Finalize(),
		)

		m, err := b.Build()
		require.NoError(t, err)
		return m, submitted, acceptedEv
	}

	t.Run("events in declaration order", func(t *testing.T) {
		m, _, _ := build(t)

		names := make([]string, 0, len(m.Events()))
		for _, e := range m.Events() {
			names = append(names, e.Name())
		}
		assert.Equal(t, []string{"orderSubmitted", "orderAccepted"}, names)
	})

	t.Run("initial events", func(t *testing.T) {
		m, submitted, acceptedEv := build(t)

		assert.True(t, m.IsInitialEvent(submitted))
		assert.False(t, m.IsInitialEvent(acceptedEv))
	})

	t.Run("current state lookup", func(t *testing.T) {
		m, _, _ := build(t)

		fresh := &orderState{}
		assert.Equal(t, StateInitial, m.GetState(fresh).Name())

		fresh.SetCurrentState("Accepted")
		assert.Equal(t, "Accepted", m.GetState(fresh).Name())
	})

	t.Run("probe reports topology", func(t *testing.T) {
		m, _, _ := build(t)
		pc := NewProbeContext()

		m.Probe(pc)

		result := pc.Result()
		assert.Equal(t, "Order", result["stateMachine"])
	})
}

func TestDuringAny(t *testing.T) {
	t.Run("registers the transition in every non-initial state", func(t *testing.T) {
		b := NewMachineBuilder[*orderState]("Order")
		accepted := b.State("Accepted")
		shipped := b.State("Shipped")
		submitted := b.Event("orderSubmitted")
		cancelled := b.Event("orderCancelled")

		b.Initially(
			When[*orderState](submitted).TransitionTo(accepted),
		)
		b.DuringAny(
			When[*orderState](cancelled).Finalize(),
		)

		m, err := b.Build()
		require.NoError(t, err)

		assert.False(t, m.IsInitialEvent(cancelled))

		inAccepted := &orderState{State: "Accepted"}
		assert.Equal(t, accepted, m.GetState(inAccepted))

		inShipped := &orderState{State: "Shipped"}
		assert.Equal(t, shipped, m.GetState(inShipped))
	})
}
