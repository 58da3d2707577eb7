package caravel

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/caravelmq/go-caravel/adapters"
)

// Connection binds a state machine to a repository and exposes one
// message pipe per declared event. Bind registers those pipes on a bus;
// Handlers exposes them for custom transports.
type Connection[T StateMachineInstance] struct {
	machine      *Machine[T]
	repository   *Repository[T]
	scheduler    Scheduler
	inputAddress string
	logger       Logger

	handlers map[string]Pipe
}

// ConnectOption configures a Connection.
type ConnectOption[T StateMachineInstance] func(*Connection[T])

// WithScheduler sets the scheduler used by Schedule and Request
// activities. Required when the machine declares any.
func WithScheduler[T StateMachineInstance](s Scheduler) ConnectOption[T] {
	return func(c *Connection[T]) {
		c.scheduler = s
	}
}

// WithInputAddress sets the endpoint address scheduled deliveries and
// request callbacks are sent back to. Defaults to the machine name.
func WithInputAddress[T StateMachineInstance](addr string) ConnectOption[T] {
	return func(c *Connection[T]) {
		c.inputAddress = addr
	}
}

// WithConnectionLogger sets the connection logger.
func WithConnectionLogger[T StateMachineInstance](logger Logger) ConnectOption[T] {
	return func(c *Connection[T]) {
		c.logger = logger
	}
}

// Connect wires a machine to a repository. Each declared event yields a
// handler pipe that extracts correlation from the message, resolves the
// instance through the repository under the event's saga policy, and
// raises the event inside the serialized turn. Middleware wraps every
// handler, outermost first.
func Connect[T StateMachineInstance](machine *Machine[T], repository *Repository[T], opts ...ConnectOption[T]) (*Connection[T], error) {
	c := &Connection[T]{
		machine:      machine,
		repository:   repository,
		inputAddress: machine.Name(),
		logger:       &noopLogger{},
		handlers:     make(map[string]Pipe),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.scheduler == nil && (len(machine.schedules) > 0 || len(machine.requests) > 0) {
		return nil, fmt.Errorf("caravel: machine %q declares schedules or requests and needs a scheduler", machine.Name())
	}

	for _, event := range machine.Events() {
		c.handlers[event.EventMessageType()] = c.eventHandler(event)
	}

	return c, nil
}

// eventHandler builds the full consume pipe for one event: correlation,
// policy, repository turn, machine dispatch.
func (c *Connection[T]) eventHandler(event *Event) Pipe {
	policy := c.policyFor(event)
	next := c.machine.EventPipe(event, c.scheduler, c.inputAddress)

	return &eventHandlerPipe[T]{
		connection: c,
		event:      event,
		policy:     policy,
		next:       next,
	}
}

// policyFor selects the saga policy for an event. Events declared out of
// Initial may create instances: id-correlated creations pre-insert so
// racing duplicates collapse onto one instance, while query-correlated
// creations defer the insert until the turn succeeds. All other events
// require an existing instance and ignore the message otherwise.
func (c *Connection[T]) policyFor(event *Event) SagaPolicy[T] {
	if !c.machine.IsInitialEvent(event) {
		return ExistingSagaPolicy[T]()
	}

	factory := func(cc ConsumeContext) T {
		instance := c.repository.NewInstance()
		if event.correlation.byQuery != nil {
			id := uuid.New()
			if event.correlation.selectID != nil {
				id = event.correlation.selectID(cc)
			}
			instance.SetCorrelationID(id)
		}
		return instance
	}

	if event.correlation.byQuery != nil {
		return NewSagaPolicy(factory)
	}
	return NewSagaPolicy(factory, WithPreInsert[T]())
}

type eventHandlerPipe[T StateMachineInstance] struct {
	connection *Connection[T]
	event      *Event
	policy     SagaPolicy[T]
	next       SagaPipe[T]
}

// Send implements Pipe. The consume context is re-correlated from the
// event's declaration before the repository turn: an id extractor
// overrides the transport correlation header, and a query filter routes
// through property-equality lookup.
func (p *eventHandlerPipe[T]) Send(cc ConsumeContext) error {
	c := p.connection

	if p.event.correlation.byQuery != nil {
		query := adapters.Query{Filter: p.event.correlation.byQuery(cc.Message())}
		return c.repository.SendQuery(cc.Context(), cc, query, p.policy, p.next)
	}

	if p.event.correlation.byID != nil {
		id := p.event.correlation.byID(cc.Message())
		cc = withCorrelationID(cc, id)
	}

	return c.repository.Send(cc.Context(), cc, p.policy, p.next)
}

// Probe implements Pipe.
func (p *eventHandlerPipe[T]) Probe(pc *ProbeContext) {
	pc.Add("sagaType", p.connection.repository.SagaType())
	pc.Add("event", p.event.Name())
	pc.Add("messageType", p.event.EventMessageType())
	p.next.Probe(pc.Section("next"))
}

// Handlers returns the consume pipe per message type.
func (c *Connection[T]) Handlers() map[string]Pipe {
	handlers := make(map[string]Pipe, len(c.handlers))
	for messageType, pipe := range c.handlers {
		handlers[messageType] = pipe
	}
	return handlers
}

// Bind registers every event handler on the bus, wrapping each with the
// given middleware.
func (c *Connection[T]) Bind(bus *Bus, middleware ...Middleware) {
	for messageType, pipe := range c.handlers {
		bus.Handle(messageType, ChainMiddleware(pipe, middleware...))
		c.logger.Debug("bound saga event handler",
			"sagaType", c.repository.SagaType(), "messageType", messageType)
	}
}

// Probe writes the connection topology: the machine and each bound
// handler.
func (c *Connection[T]) Probe(pc *ProbeContext) {
	c.machine.Probe(pc.Section("machine"))

	handlers := pc.Section("handlers")
	for messageType, pipe := range c.handlers {
		pipe.Probe(handlers.Section(messageType))
	}
}

// correlatedContext overrides the correlation id of a consumed message,
// carrying the id extracted by the event's declaration.
type correlatedContext struct {
	ConsumeContext
	id uuid.UUID
}

func withCorrelationID(cc ConsumeContext, id uuid.UUID) ConsumeContext {
	return &correlatedContext{ConsumeContext: cc, id: id}
}

func (cc *correlatedContext) CorrelationID() uuid.UUID {
	return cc.id
}

func (cc *correlatedContext) Headers() Headers {
	headers := cc.ConsumeContext.Headers()
	headers.CorrelationID = cc.id
	return headers
}
