// Package toolloop runs a bounded tool-calling conversation turn against a
// reasoning engine.
//
// The loop asks the engine for a reply, executes any tool calls it requests,
// feeds the outputs back, and repeats until the engine answers with plain
// text or MaxRounds tool rounds have been executed. It always produces
// non-empty text.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/aixgo-dev/aide/internal/observability"
	metrics "github.com/aixgo-dev/aide/pkg/observability"
)

// MaxRounds is the maximum number of tool execution rounds per turn.
const MaxRounds = 5

// Apology is returned when the engine produced no usable text.
const Apology = "I apologize, but I couldn't generate a response."

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Turn is one role-tagged entry of a conversation.
type Turn struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec declares a tool to the engine.
type ToolSpec struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ToolCall is a tool invocation requested by the engine. Arguments is either
// a decoded object or its JSON encoding (string, []byte or json.RawMessage).
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// ToolOutput is the result of one tool call.
type ToolOutput struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output any    `json:"output"`
}

// Reply is an engine response. Handle identifies the response so tool
// outputs can be submitted against it.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
	Handle    string
}

// Engine is the reasoning-engine client.
type Engine interface {
	Complete(ctx context.Context, turns []Turn) (string, error)
	CompleteWithTools(ctx context.Context, turns []Turn, tools []ToolSpec) (*Reply, error)
	SubmitToolResults(ctx context.Context, handle string, outputs []ToolOutput) (*Reply, error)
}

// Releaser is implemented by engines that keep state for a reply until its
// tool results are submitted. The loop releases the last reply when the
// round limit leaves its tool calls unanswered.
type Releaser interface {
	Release(handle string)
}

// Executor runs tools. Application-level failures are returned as values,
// never as errors.
type Executor interface {
	Execute(ctx context.Context, caller, name string, args map[string]any) any
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, caller, name string, args map[string]any) any

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, caller, name string, args map[string]any) any {
	return f(ctx, caller, name, args)
}

// Round records one executed tool round.
type Round struct {
	Number  int          `json:"number"`
	Calls   []ToolCall   `json:"calls"`
	Outputs []ToolOutput `json:"outputs"`
}

// Result is the outcome of a turn.
type Result struct {
	Text string `json:"text"`
	// Rounds holds the executed tool rounds; empty when the engine answered directly.
	Rounds []Round `json:"rounds,omitempty"`
	// Truncated is set when the round limit cut off pending tool calls.
	Truncated bool `json:"truncated"`
}

// Loop runs tool-calling turns.
type Loop struct {
	engine    Engine
	executor  Executor
	maxRounds int
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxRounds overrides the round limit. Non-positive values are ignored.
func WithMaxRounds(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxRounds = n
		}
	}
}

// New creates a Loop.
func New(engine Engine, executor Executor, opts ...Option) *Loop {
	l := &Loop{engine: engine, executor: executor, maxRounds: MaxRounds}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes one conversational turn on behalf of caller. Engine errors
// are returned; tool failures are fed back to the engine as output.
func (l *Loop) Run(ctx context.Context, caller string, turns []Turn, tools []ToolSpec) (*Result, error) {
	ctx, span := observability.StartSpanWithContext(ctx, "toolloop.run", map[string]any{
		"caller": caller,
		"tools":  len(tools),
	})
	defer span.End()

	if len(tools) == 0 || l.executor == nil {
		text, err := l.engine.Complete(ctx, turns)
		if err != nil {
			span.SetError(err)
			return nil, fmt.Errorf("complete: %w", err)
		}
		metrics.RecordToolRounds(0, false)
		return &Result{Text: orApology(text)}, nil
	}

	reply, err := l.engine.CompleteWithTools(ctx, turns, tools)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("complete with tools: %w", err)
	}

	result := &Result{}
	for len(reply.ToolCalls) > 0 && len(result.Rounds) < l.maxRounds {
		round := Round{Number: len(result.Rounds) + 1, Calls: reply.ToolCalls}
		log.Printf("[ToolLoop] %s: tool round %d (%d call(s))", caller, round.Number, len(reply.ToolCalls))

		for _, call := range reply.ToolCalls {
			round.Outputs = append(round.Outputs, ToolOutput{
				CallID: call.ID,
				Name:   call.Name,
				Output: l.execute(ctx, caller, call),
			})
		}
		result.Rounds = append(result.Rounds, round)

		reply, err = l.engine.SubmitToolResults(ctx, reply.Handle, round.Outputs)
		if err != nil {
			span.SetError(err)
			return nil, fmt.Errorf("submit tool results (round %d): %w", round.Number, err)
		}
	}

	if len(reply.ToolCalls) > 0 {
		result.Truncated = true
		if rel, ok := l.engine.(Releaser); ok && reply.Handle != "" {
			rel.Release(reply.Handle)
		}
		log.Printf("[ToolLoop] %s: stopped after %d rounds with %d tool call(s) pending", caller, len(result.Rounds), len(reply.ToolCalls))
	}
	result.Text = orApology(reply.Text)

	span.SetAttribute("rounds", len(result.Rounds))
	span.SetAttribute("truncated", result.Truncated)
	metrics.RecordToolRounds(len(result.Rounds), result.Truncated)
	return result, nil
}

func (l *Loop) execute(ctx context.Context, caller string, call ToolCall) (out any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ToolLoop] tool %s panicked: %v", call.Name, r)
			out = map[string]any{"error": fmt.Sprintf("tool %s failed", call.Name)}
		}
	}()
	return l.executor.Execute(ctx, caller, call.Name, ParseArguments(call.Arguments))
}

// ParseArguments normalizes tool call arguments into an object. Malformed
// encodings yield an empty object.
func ParseArguments(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case string:
		return decodeArguments([]byte(v))
	case []byte:
		return decodeArguments(v)
	case json.RawMessage:
		return decodeArguments(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return map[string]any{}
		}
		return decodeArguments(data)
	}
}

func decodeArguments(data []byte) map[string]any {
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err == nil && args != nil {
		return args
	}
	// Doubly encoded: a JSON string holding the object.
	var inner string
	if err := json.Unmarshal(data, &inner); err == nil {
		if err := json.Unmarshal([]byte(inner), &args); err == nil && args != nil {
			return args
		}
	}
	return map[string]any{}
}

func orApology(text string) string {
	if strings.TrimSpace(text) == "" {
		return Apology
	}
	return text
}
