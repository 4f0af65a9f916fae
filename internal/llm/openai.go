// Package llm connects aide to an OpenAI-compatible reasoning engine and
// validates tool arguments.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/aixgo-dev/aide/pkg/toolloop"
)

const (
	DefaultModel            = openai.GPT4oMini
	defaultMaxConversations = 256
)

// ErrUnknownHandle is returned when tool results are submitted against a
// response the engine no longer holds.
var ErrUnknownHandle = errors.New("unknown response handle")

// ChatClient is the subset of the go-openai client the engine uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config configures an OpenAIEngine.
type Config struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Model       string  `yaml:"model,omitempty"`
	Temperature float32 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`

	// MaxConversations bounds how many tool-calling responses are kept
	// waiting for their results.
	MaxConversations int `yaml:"max_conversations,omitempty"`
}

type conversation struct {
	messages []openai.ChatCompletionMessage
	tools    []openai.Tool
}

// OpenAIEngine implements toolloop.Engine with chat completions. Tool-calling
// responses are kept under a handle until their results are submitted.
type OpenAIEngine struct {
	client ChatClient
	cfg    Config

	mu    sync.Mutex
	convs map[string]*conversation
	order []string
}

// NewOpenAIEngine creates an engine for the OpenAI API or a compatible
// endpoint when BaseURL is set.
func NewOpenAIEngine(cfg Config) (*OpenAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewOpenAIEngineWithClient(openai.NewClientWithConfig(clientCfg), cfg), nil
}

// NewOpenAIEngineWithClient creates an engine over a custom client (useful for testing)
func NewOpenAIEngineWithClient(client ChatClient, cfg Config) *OpenAIEngine {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = defaultMaxConversations
	}
	return &OpenAIEngine{
		client: client,
		cfg:    cfg,
		convs:  make(map[string]*conversation),
	}
}

// Complete implements toolloop.Engine.
func (e *OpenAIEngine) Complete(ctx context.Context, turns []toolloop.Turn) (string, error) {
	msg, err := e.create(ctx, toMessages(turns), nil)
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// CompleteWithTools implements toolloop.Engine.
func (e *OpenAIEngine) CompleteWithTools(ctx context.Context, turns []toolloop.Turn, tools []toolloop.ToolSpec) (*toolloop.Reply, error) {
	conv := &conversation{messages: toMessages(turns), tools: toTools(tools)}
	return e.step(ctx, conv)
}

// SubmitToolResults implements toolloop.Engine. Each handle can be used once.
func (e *OpenAIEngine) SubmitToolResults(ctx context.Context, handle string, outputs []toolloop.ToolOutput) (*toolloop.Reply, error) {
	e.mu.Lock()
	conv, ok := e.convs[handle]
	if ok {
		e.forgetLocked(handle)
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}

	for _, out := range outputs {
		conv.messages = append(conv.messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    encodeOutput(out.Output),
			Name:       out.Name,
			ToolCallID: out.CallID,
		})
	}
	return e.step(ctx, conv)
}

func (e *OpenAIEngine) step(ctx context.Context, conv *conversation) (*toolloop.Reply, error) {
	msg, err := e.create(ctx, conv.messages, conv.tools)
	if err != nil {
		return nil, err
	}
	reply := &toolloop.Reply{Text: msg.Content}
	if len(msg.ToolCalls) == 0 {
		return reply, nil
	}

	for _, tc := range msg.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, toolloop.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	conv.messages = append(conv.messages, msg)
	reply.Handle = e.remember(conv)
	return reply, nil
}

func (e *OpenAIEngine) create(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error) {
	req := openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		Messages:    messages,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	}
	if len(tools) > 0 {
		req.Tools = tools
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message, nil
}

func (e *OpenAIEngine) remember(conv *conversation) string {
	handle := uuid.NewString()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.convs[handle] = conv
	e.order = append(e.order, handle)
	for len(e.order) > e.cfg.MaxConversations {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.convs, oldest)
		log.Printf("[LLM] Dropped unanswered tool-calling response %s", oldest)
	}
	return handle
}

func (e *OpenAIEngine) forgetLocked(handle string) {
	delete(e.convs, handle)
	for i, h := range e.order {
		if h == handle {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

// Release implements toolloop.Releaser. It drops a response whose tool
// results will never be submitted.
func (e *OpenAIEngine) Release(handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forgetLocked(handle)
}

// Pending returns how many tool-calling responses await results.
func (e *OpenAIEngine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.convs)
}

func toMessages(turns []toolloop.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msg := openai.ChatCompletionMessage{
			Role:       t.Role,
			Content:    t.Content,
			ToolCallID: t.ToolCallID,
		}
		for _, tc := range t.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: encodeArguments(tc.Arguments),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toTools(specs []toolloop.ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		params := s.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func encodeArguments(args any) string {
	switch a := args.(type) {
	case nil:
		return "{}"
	case string:
		return a
	case []byte:
		return string(a)
	case json.RawMessage:
		return string(a)
	}
	return encodeOutput(args)
}

func encodeOutput(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("[LLM] Warning: failed to marshal tool output: %v", err)
		return `{"error":"unserializable tool output"}`
	}
	return string(b)
}
