package caravel

import (
	"time"

	"github.com/google/uuid"
)

// RequestSettings configure an outstanding correlated call: where the
// request is sent and how long to wait for a response before the timeout
// fallback fires.
type RequestSettings struct {
	// ServiceAddress is the destination the request message is sent to.
	ServiceAddress string `yaml:"serviceAddress"`

	// Timeout is how long to wait before raising TimeoutExpired.
	// Zero disables the timeout fallback.
	Timeout time.Duration `yaml:"-"`

	// RequestType is the request message type, used to bind fault and
	// timeout deliveries back to this request. Defaults to the request
	// name when declared on a builder.
	RequestType string `yaml:"requestType"`

	// ResponseType is the response message type that raises Completed.
	ResponseType string `yaml:"responseType"`
}

// Request declares an outstanding correlated call for a state machine.
// The instance field reached through the token accessor holds the
// pending request id; exactly one of Completed, Faulted, or
// TimeoutExpired clears it. Deliveries whose request id no longer
// matches the token are dropped.
type Request[T StateMachineInstance] struct {
	name     string
	settings RequestSettings
	token    func(instance T) *uuid.UUID

	// Completed is raised when the matching response arrives.
	Completed *Event

	// Faulted is raised when the service faults the request.
	Faulted *Event

	// TimeoutExpired is raised when the timeout fallback fires while
	// the request is still pending.
	TimeoutExpired *Event
}

// Name returns the request name.
func (r *Request[T]) Name() string {
	return r.name
}

// Settings returns the request settings.
func (r *Request[T]) Settings() RequestSettings {
	return r.settings
}

// Fault is the envelope delivered when a service fails to process a
// message that carried a response address.
type Fault struct {
	// FaultedType is the message type that faulted.
	FaultedType string `json:"faultedType"`

	// Reason is the failure description.
	Reason string `json:"reason"`
}

// MessageType implements TypedMessage.
func (f Fault) MessageType() string {
	return FaultMessageType(f.FaultedType)
}

// FaultMessageType returns the message type of a Fault for the given
// original message type.
func FaultMessageType(messageType string) string {
	return "Fault:" + messageType
}

// RequestTimeoutExpired is the timeout fallback delivery for a request.
type RequestTimeoutExpired struct {
	// RequestType is the request message type that timed out.
	RequestType string `json:"requestType"`
}

// MessageType implements TypedMessage.
func (r RequestTimeoutExpired) MessageType() string {
	return RequestTimeoutMessageType(r.RequestType)
}

// RequestTimeoutMessageType returns the message type of the timeout
// delivery for the given request message type.
func RequestTimeoutMessageType(requestType string) string {
	return "RequestTimeoutExpired:" + requestType
}
