package agent

import (
	"context"
	"time"
)

// DefaultQueryTimeout is used by Query when the caller passes a non-positive timeout.
const DefaultQueryTimeout = 30 * time.Second

// Handler processes a message delivered to an agent. For queries and tasks
// carrying a correlation id, the returned value is sent back as the response.
type Handler func(ctx context.Context, msg *Message) (any, error)

// ErrorPayload is the response value produced when a handler fails while
// answering a query or task.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Bus provides the message passing infrastructure between agents.
// Agents never hold references to each other; every cross-agent effect goes
// through a Bus.
type Bus interface {
	// Register creates the inbound queue for name if it does not exist yet.
	// A non-nil handler becomes the agent's message processor, replacing any
	// previous handler. Registering twice is allowed.
	Register(name string, h Handler)

	// Unregister removes the agent's queue and handler. Messages that were
	// still queued are discarded.
	Unregister(name string)

	// Send enqueues a message for the target, which is either "agent" or
	// "agent:method". It returns the message id, or an error wrapping
	// ErrUnknownAgent when the target agent is not registered.
	Send(from, to string, payload any, kind Kind, opts ...SendOption) (string, error)

	// Query sends a query and waits for the first response. It fails with
	// ErrQueryTimeout when no response arrives before the timeout.
	Query(ctx context.Context, from, to string, payload any, timeout time.Duration, opts ...SendOption) (any, error)

	// Respond answers a task or query. When the original sender is still
	// waiting in Query the payload is handed over directly; otherwise it is
	// sent as a response message.
	Respond(original *Message, payload any, opts ...SendOption) (string, error)

	// Broadcast delivers an event to every registered agent except the sender
	// and the excluded agents, returning the ids of the delivered messages.
	Broadcast(from, event string, payload any, exclude ...string) []string
}

type sendOptions struct {
	correlationID string
	metadata      map[string]any
}

// SendOption customizes an outgoing message.
type SendOption func(*sendOptions)

// WithCorrelation sets the correlation id of the outgoing message.
func WithCorrelation(id string) SendOption {
	return func(o *sendOptions) { o.correlationID = id }
}

// WithMetadata merges md into the metadata of the outgoing message.
func WithMetadata(md map[string]any) SendOption {
	return func(o *sendOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			o.metadata[k] = v
		}
	}
}

func buildSendOptions(opts []SendOption) sendOptions {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.metadata == nil {
		o.metadata = make(map[string]any)
	}
	return o
}
