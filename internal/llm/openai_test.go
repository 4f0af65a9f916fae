package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/aide/pkg/toolloop"
)

// mockChatClient replays canned responses and records requests.
type mockChatClient struct {
	mu        sync.Mutex
	responses []openai.ChatCompletionResponse
	errs      []error
	calls     []openai.ChatCompletionRequest
}

func (m *mockChatClient) add(resp openai.ChatCompletionResponse, err error) {
	m.responses = append(m.responses, resp)
	m.errs = append(m.errs, err)
}

func (m *mockChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.calls)
	m.calls = append(m.calls, req)
	if i >= len(m.responses) {
		return openai.ChatCompletionResponse{}, nil
	}
	return m.responses[i], m.errs[i]
}

func textResponse(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text},
	}}}
}

func toolResponse(id, name, args string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       id,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: name, Arguments: args},
			}},
		},
	}}}
}

func TestOpenAIEngine_Complete(t *testing.T) {
	client := &mockChatClient{}
	client.add(textResponse("Good morning"), nil)
	e := NewOpenAIEngineWithClient(client, Config{})

	text, err := e.Complete(context.Background(), []toolloop.Turn{
		{Role: toolloop.RoleSystem, Content: "be brief"},
		{Role: toolloop.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Good morning", text)

	require.Len(t, client.calls, 1)
	assert.Equal(t, DefaultModel, client.calls[0].Model)
	assert.Len(t, client.calls[0].Messages, 2)
	assert.Empty(t, client.calls[0].Tools)
}

func TestOpenAIEngine_ToolRoundTrip(t *testing.T) {
	client := &mockChatClient{}
	client.add(toolResponse("call_1", "current_time", `{"timezone":"UTC"}`), nil)
	client.add(textResponse("It is noon."), nil)
	e := NewOpenAIEngineWithClient(client, Config{Model: "gpt-test"})

	reply, err := e.CompleteWithTools(context.Background(),
		[]toolloop.Turn{{Role: toolloop.RoleUser, Content: "what time is it?"}},
		[]toolloop.ToolSpec{{Name: "current_time", Description: "Current time"}},
	)
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "call_1", reply.ToolCalls[0].ID)
	assert.Equal(t, `{"timezone":"UTC"}`, reply.ToolCalls[0].Arguments)
	require.NotEmpty(t, reply.Handle)
	assert.Equal(t, 1, e.Pending())

	final, err := e.SubmitToolResults(context.Background(), reply.Handle, []toolloop.ToolOutput{
		{CallID: "call_1", Name: "current_time", Output: map[string]any{"time": "12:00"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "It is noon.", final.Text)
	assert.Empty(t, final.ToolCalls)
	assert.Equal(t, 0, e.Pending())

	require.Len(t, client.calls, 2)
	second := client.calls[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, openai.ChatMessageRoleAssistant, second.Messages[1].Role)
	assert.Equal(t, openai.ChatMessageRoleTool, second.Messages[2].Role)
	assert.Equal(t, "call_1", second.Messages[2].ToolCallID)
	assert.JSONEq(t, `{"time":"12:00"}`, second.Messages[2].Content)
	require.Len(t, second.Tools, 1)
	assert.Equal(t, "current_time", second.Tools[0].Function.Name)

	_, err = e.SubmitToolResults(context.Background(), reply.Handle, nil)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestOpenAIEngine_BoundsPendingResponses(t *testing.T) {
	client := &mockChatClient{}
	for i := 0; i < 3; i++ {
		client.add(toolResponse("c", "t", "{}"), nil)
	}
	e := NewOpenAIEngineWithClient(client, Config{MaxConversations: 2})

	var handles []string
	for i := 0; i < 3; i++ {
		r, err := e.CompleteWithTools(context.Background(), nil, []toolloop.ToolSpec{{Name: "t"}})
		require.NoError(t, err)
		handles = append(handles, r.Handle)
	}
	assert.Equal(t, 2, e.Pending())

	_, err := e.SubmitToolResults(context.Background(), handles[0], nil)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestOpenAIEngine_Errors(t *testing.T) {
	client := &mockChatClient{}
	client.add(openai.ChatCompletionResponse{}, errors.New("rate limited"))
	client.add(openai.ChatCompletionResponse{}, nil)
	e := NewOpenAIEngineWithClient(client, Config{})

	_, err := e.Complete(context.Background(), nil)
	assert.ErrorContains(t, err, "rate limited")

	_, err = e.CompleteWithTools(context.Background(), nil, nil)
	assert.EqualError(t, err, "no choices in response")

	_, err = NewOpenAIEngine(Config{})
	assert.Error(t, err)
}

func TestToMessages_EncodesAssistantToolCalls(t *testing.T) {
	msgs := toMessages([]toolloop.Turn{{
		Role: toolloop.RoleAssistant,
		ToolCalls: []toolloop.ToolCall{
			{ID: "a", Name: "x", Arguments: map[string]any{"n": 1}},
			{ID: "b", Name: "y", Arguments: `{"m":2}`},
			{ID: "c", Name: "z"},
		},
	}})
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 3)
	assert.JSONEq(t, `{"n":1}`, msgs[0].ToolCalls[0].Function.Arguments)
	assert.Equal(t, `{"m":2}`, msgs[0].ToolCalls[1].Function.Arguments)
	assert.Equal(t, "{}", msgs[0].ToolCalls[2].Function.Arguments)
}

func TestNewOpenAIEngine_CompatibleEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(textResponse("echo: " + req.Messages[len(req.Messages)-1].Content))
	}))
	defer srv.Close()

	e, err := NewOpenAIEngine(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "local"})
	require.NoError(t, err)

	text, err := e.Complete(context.Background(), []toolloop.Turn{{Role: toolloop.RoleUser, Content: "ping"}})
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", text)
}

func TestOpenAIEngine_ReleaseAtRoundLimit(t *testing.T) {
	client := &mockChatClient{}
	for i := 0; i < 3; i++ {
		client.add(toolResponse("c", "lookup", "{}"), nil)
	}
	e := NewOpenAIEngineWithClient(client, Config{})
	exec := toolloop.ExecutorFunc(func(ctx context.Context, caller, name string, args map[string]any) any {
		return "ok"
	})

	res, err := toolloop.New(e, exec, toolloop.WithMaxRounds(2)).Run(context.Background(), "chat", nil,
		[]toolloop.ToolSpec{{Name: "lookup"}})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 0, e.Pending())

	e.Release("never-issued")
	assert.Equal(t, 0, e.Pending())
}
