package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the purpose of a message on the bus.
type Kind string

const (
	// KindTask asks the receiving agent to perform work.
	KindTask Kind = "task"
	// KindQuery asks the receiving agent for information; a response is expected.
	KindQuery Kind = "query"
	// KindResponse answers a previous task or query.
	KindResponse Kind = "response"
	// KindEvent notifies agents that something happened.
	KindEvent Kind = "event"
)

// Metadata keys set by the bus.
const (
	MetaMethod = "method"
	MetaEvent  = "event"
)

// Message is the unit of communication between agents.
// Messages are created by the bus and must not be modified after they are sent;
// use Clone to obtain a private copy.
type Message struct {
	// ID is a unique identifier assigned by the bus.
	ID string

	// Kind is the message purpose.
	Kind Kind

	// From is the sending agent.
	From string

	// To is the receiving agent (without any method selector).
	To string

	// Payload is the opaque message body.
	Payload any

	// CorrelationID links a response to the task or query it answers.
	CorrelationID string

	// CreatedAt is the time the bus accepted the message.
	CreatedAt time.Time

	// Metadata carries routing hints such as the method selector or event name.
	Metadata map[string]any
}

// Method returns the method selector carried by the message, if any.
func (m *Message) Method() string {
	return m.GetMetadataString(MetaMethod, "")
}

// Event returns the event name of a broadcast message.
func (m *Message) Event() string {
	return m.GetMetadataString(MetaEvent, "")
}

// GetMetadata retrieves metadata by key, returning the default value if not found.
func (m *Message) GetMetadata(key string, defaultValue any) any {
	if m.Metadata == nil {
		return defaultValue
	}
	if val, ok := m.Metadata[key]; ok {
		return val
	}
	return defaultValue
}

// GetMetadataString is a convenience method to get metadata as a string.
func (m *Message) GetMetadataString(key, defaultValue string) string {
	if str, ok := m.GetMetadata(key, defaultValue).(string); ok {
		return str
	}
	return defaultValue
}

// DecodePayload converts the payload into v by round-tripping it through JSON.
// It accepts payloads that are already JSON encoded ([]byte or json.RawMessage).
//
//	var req BriefingRequest
//	if err := msg.DecodePayload(&req); err != nil {
//	    return nil, err
//	}
func (m *Message) DecodePayload(v any) error {
	if m.Payload == nil {
		return fmt.Errorf("message payload is empty")
	}
	var data []byte
	switch p := m.Payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}
	return json.Unmarshal(data, v)
}

// Clone creates a copy of the message with its own metadata map.
func (m *Message) Clone() *Message {
	clone := *m
	clone.Metadata = make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}

// String returns a human-readable representation of the message for debugging.
func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Kind:%s, From:%s, To:%s}", m.ID, m.Kind, m.From, m.To)
}

// Target builds an "agent:method" routing target. An empty method addresses the
// agent's default handler.
func Target(agentName, method string) string {
	if method == "" {
		return agentName
	}
	return agentName + ":" + method
}

// ParseTarget splits a routing target into the agent name and method selector.
func ParseTarget(target string) (agentName, method string) {
	agentName, method, _ = strings.Cut(target, ":")
	return agentName, method
}
