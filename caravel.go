// Package caravel provides saga orchestration primitives for message-driven
// Go applications.
//
// go-caravel manages long-lived, correlated conversations ("sagas") that span
// multiple asynchronous messages on an at-least-once message bus, including a
// declarative state-machine runtime with deferred timeouts and request/response
// correlation.
//
// # Quick Start
//
// Create a repository with the in-memory storage for development:
//
//	import (
//	    "github.com/caravelmq/go-caravel"
//	    "github.com/caravelmq/go-caravel/adapters/memory"
//	)
//
//	repo := caravel.NewRepository(memory.NewStorage(), func() *OrderState {
//	    return &OrderState{}
//	})
//
// For production, use the PostgreSQL storage:
//
//	import "github.com/caravelmq/go-caravel/adapters/postgres"
//
//	storage, err := postgres.Open(connStr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	repo := caravel.NewRepository(storage, newOrderState)
//
// # Defining Saga Instances
//
// An instance is a plain struct carrying the correlation id and any
// saga-scoped fields:
//
//	type OrderState struct {
//	    ID           uuid.UUID `json:"correlationId"`
//	    State        string    `json:"currentState"`
//	    MemberNumber string    `json:"memberNumber"`
//	    TimeoutToken uuid.UUID `json:"timeoutTokenId"`
//	}
//
//	func (s *OrderState) CorrelationID() uuid.UUID      { return s.ID }
//	func (s *OrderState) SetCorrelationID(id uuid.UUID) { s.ID = id }
//	func (s *OrderState) CurrentState() string          { return s.State }
//	func (s *OrderState) SetCurrentState(name string)   { s.State = name }
//
// # Declaring a State Machine
//
// State machines are declared with a builder that validates the transition
// table once, at construction:
//
//	b := caravel.NewMachineBuilder[*OrderState]("Order")
//
//	submitted := b.Event("OrderSubmitted")
//	accepted := b.State("Accepted")
//
//	b.Initially(
//	    caravel.When[*OrderState](submitted).
//	        Then(func(ec *caravel.EventContext[*OrderState]) error {
//	            ec.Instance().MemberNumber = ec.Message().(OrderSubmitted).MemberNumber
//	            return nil
//	        }).
//	        TransitionTo(accepted),
//	)
//
//	machine, err := b.Build()
//
// # Connecting to a Bus
//
// The connector binds each declared event's message type to the repository
// and hands back one pipe per message type:
//
//	bus := caravel.NewBus()
//	conn, err := caravel.Connect(machine, repo,
//	    caravel.WithScheduler(caravel.NewDelayScheduler(bus)),
//	)
//	conn.Bind(bus)
//
// Messages for the same correlation id are processed one turn at a time;
// messages for different ids run in parallel.
package caravel

// Version returns the library version string.
func Version() string {
	return "0.1.0"
}
