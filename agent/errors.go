package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAgent is returned when a message targets an agent that is not
	// registered on the bus.
	ErrUnknownAgent = errors.New("agent not registered on message bus")

	// ErrQueryTimeout is returned when a query receives no response in time.
	ErrQueryTimeout = errors.New("query timed out")

	// ErrMissingCorrelation is returned when responding to a message that has no
	// correlation id.
	ErrMissingCorrelation = errors.New("cannot respond to message without correlation id")

	// ErrInvalidPriority is returned when a recommendation priority is not one of
	// low, normal, high or urgent.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrUnknownMethod is returned when a message selects a method the agent does
	// not expose.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrNoCollaborator is returned by Base helpers when the collaborator they
	// need was not provided.
	ErrNoCollaborator = errors.New("collaborator not configured")
)

// UnknownAgentError reports the agent name that could not be resolved.
type UnknownAgentError struct {
	Agent string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("agent %q not registered on message bus", e.Agent)
}

func (e *UnknownAgentError) Unwrap() error { return ErrUnknownAgent }

// UnknownMethodError is returned when a method-routed message names a method
// that is not in the agent's method table.
type UnknownMethodError struct {
	AgentName string
	Method    string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("method %q not found on agent %s", e.Method, e.AgentName)
}

func (e *UnknownMethodError) Unwrap() error { return ErrUnknownMethod }

// NotImplementedError is returned when a method is not implemented by an agent
type NotImplementedError struct {
	AgentName string
	Method    string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("agent %s does not implement %s", e.AgentName, e.Method)
}

// RemoteError is returned by Query when the target's handler failed and the
// processing loop answered with an error payload.
type RemoteError struct {
	Agent   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent %s: %s", e.Agent, e.Message)
}
