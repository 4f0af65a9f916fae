package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/aide/agent"
	"github.com/aixgo-dev/aide/pkg/ledger"
	"github.com/aixgo-dev/aide/pkg/memory"
	"github.com/aixgo-dev/aide/pkg/recommend"
)

func echoTool(name string) Tool {
	return Tool{
		Name: name,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			return map[string]any{"caller": caller, "text": args["text"]}, nil
		},
	}
}

func errorOf(t *testing.T, out any) string {
	t.Helper()
	m, ok := out.(map[string]any)
	require.True(t, ok, "expected map result, got %T", out)
	msg, _ := m["error"].(string)
	return msg
}

func TestExecutor_Register(t *testing.T) {
	e := NewExecutor(Config{})

	require.NoError(t, e.Register(echoTool("echo")))
	assert.EqualError(t, e.Register(echoTool("echo")), "tool echo already registered")
	assert.EqualError(t, e.Register(Tool{Handler: echoTool("x").Handler}), "tool name cannot be empty")
	assert.EqualError(t, e.Register(Tool{Name: "nil"}), "tool handler cannot be nil")

	require.NoError(t, e.Register(echoTool("another")))
	specs := e.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "echo", specs[0].Name)
	assert.Equal(t, "another", specs[1].Name)
}

func TestExecutor_Execute(t *testing.T) {
	e := NewExecutor(Config{})
	require.NoError(t, e.Register(echoTool("echo")))
	require.NoError(t, e.Register(Tool{
		Name: "broken",
		Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			return nil, errors.New("backend down")
		},
	}))

	out := e.Execute(context.Background(), "chat", "echo", map[string]any{"text": "hi"})
	assert.Equal(t, map[string]any{"caller": "chat", "text": "hi"}, out)

	assert.Equal(t, "tool not found: missing",
		errorOf(t, e.Execute(context.Background(), "chat", "missing", nil)))
	assert.Equal(t, "argument validation failed: missing required field: text",
		errorOf(t, e.Execute(context.Background(), "chat", "echo", nil)))
	assert.Equal(t, "argument validation failed: unknown field: extra",
		errorOf(t, e.Execute(context.Background(), "chat", "echo", map[string]any{"text": "a", "extra": 1})))
	assert.Equal(t, "backend down",
		errorOf(t, e.Execute(context.Background(), "chat", "broken", nil)))
}

func TestExecutor_Timeout(t *testing.T) {
	e := NewExecutor(Config{DefaultTimeout: 20 * time.Millisecond})
	require.NoError(t, e.Register(Tool{
		Name: "slow",
		Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	out := e.Execute(context.Background(), "chat", "slow", nil)
	assert.Equal(t, context.DeadlineExceeded.Error(), errorOf(t, out))
}

func TestExecutor_RateLimitPerCaller(t *testing.T) {
	e := NewExecutor(Config{RequestsPerSecond: 0.001, Burst: 2})
	require.NoError(t, e.Register(echoTool("echo")))
	args := map[string]any{"text": "x"}

	for i := 0; i < 2; i++ {
		assert.Empty(t, errorOf(t, e.Execute(context.Background(), "noisy", "echo", args)))
	}
	assert.Equal(t, "rate limit exceeded for tool: echo",
		errorOf(t, e.Execute(context.Background(), "noisy", "echo", args)))

	// Other callers have their own budget.
	assert.Empty(t, errorOf(t, e.Execute(context.Background(), "quiet", "echo", args)))
}

func TestRateLimiter_GlobalLimit(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.Allow(string(rune('a' + i))) {
			allowed++
		}
	}
	assert.Equal(t, 4, allowed)
}

func TestRateLimiter_DeniedCallerKeepsGlobalBudget(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	require.True(t, rl.Allow("noisy"))
	for i := 0; i < 20; i++ {
		assert.False(t, rl.Allow("noisy"))
	}

	// Three global tokens remain for everyone else.
	for _, caller := range []string{"a", "b", "c"} {
		assert.True(t, rl.Allow(caller), caller)
	}
	assert.False(t, rl.Allow("d"))
}

func TestRateLimiter_GlobalRefusalReturnsCallerToken(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	for _, caller := range []string{"a", "b", "c", "d"} {
		require.True(t, rl.Allow(caller))
	}
	assert.False(t, rl.Allow("e"))

	// The refused call did not spend e's own token.
	assert.Equal(t, 1.0, rl.getClientLimiter("e").Tokens())
}

type summaryAgent struct {
	*agent.Base
}

func (a *summaryAgent) Execute(ctx context.Context) (agent.Outcome, error) {
	return agent.Outcome{Summary: "done", ItemsProcessed: 2}, nil
}

func TestRegisterBuiltins_SkipsMissingDeps(t *testing.T) {
	e := NewExecutor(Config{})
	require.NoError(t, RegisterBuiltins(e, BuiltinDeps{}))

	specs := e.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, ToolCurrentTime, specs[0].Name)

	err := RegisterBuiltins(e, BuiltinDeps{})
	assert.ErrorContains(t, err, "register current_time")
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()

	runs := ledger.New(ledger.NewMemoryStore())
	runs.Run(ctx, &summaryAgent{Base: agent.NewBase("digest", "", agent.Collaborators{})})

	recs := recommend.NewMemoryStore()
	_, err := recs.Create(ctx, agent.Recommendation{AgentName: "digest", Title: "Reply to Bob", Priority: agent.PriorityHigh})
	require.NoError(t, err)

	mem := memory.NewStore(memory.Config{})
	_, err = mem.Add(ctx, memory.DefaultUser, "prefers morning meetings", nil)
	require.NoError(t, err)

	kb := memory.NewKnowledgeBase()
	_, err = kb.Add(ctx, memory.Knowledge{Category: "team", Title: "Oncall", Content: "Alice is oncall this week"})
	require.NoError(t, err)

	bus := agent.NewLocalBus(agent.WithPollInterval(10 * time.Millisecond))
	bus.Register("chat", nil)
	bus.Register("calendar", func(ctx context.Context, msg *agent.Message) (any, error) {
		return map[string]any{"method": msg.Method(), "free": true}, nil
	})
	bus.StartProcessors(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.StopProcessors(stopCtx)
	})

	fixed := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	e := NewExecutor(Config{})
	require.NoError(t, RegisterBuiltins(e, BuiltinDeps{
		Runs:            runs,
		Recommendations: recs,
		Memories:        mem,
		Knowledge:       kb,
		MemoryWriter:    mem,
		KnowledgeWriter: kb,
		Bus:             bus,
		QueryTimeout:    time.Second,
		Now:             func() time.Time { return fixed },
	}))
	assert.Len(t, e.Specs(), 8)

	t.Run("current_time", func(t *testing.T) {
		out := e.Execute(ctx, "chat", ToolCurrentTime, nil).(map[string]any)
		assert.Equal(t, "2026-03-02T09:30:00Z", out["time"])
		assert.Equal(t, "Monday", out["weekday"])

		assert.Equal(t, "unknown timezone: Nowhere/City",
			errorOf(t, e.Execute(ctx, "chat", ToolCurrentTime, map[string]any{"timezone": "Nowhere/City"})))
	})

	t.Run("recent_agent_runs", func(t *testing.T) {
		out := e.Execute(ctx, "chat", ToolRecentAgentRuns, map[string]any{"agent": "digest", "limit": 5.0}).(map[string]any)
		assert.Equal(t, 1, out["count"])
		records := out["runs"].([]agent.RunRecord)
		assert.Equal(t, "done", records[0].Summary)
	})

	t.Run("list_recommendations", func(t *testing.T) {
		out := e.Execute(ctx, "chat", ToolListRecommendations, map[string]any{"status": "pending"}).(map[string]any)
		assert.Equal(t, 1, out["count"])

		assert.Contains(t,
			errorOf(t, e.Execute(ctx, "chat", ToolListRecommendations, map[string]any{"priority": "critical"})),
			"priority must be one of")
	})

	t.Run("search_memories", func(t *testing.T) {
		out := e.Execute(ctx, "chat", ToolSearchMemories, map[string]any{"query": "morning meetings"}).(map[string]any)
		assert.Equal(t, 1, out["count"])
	})

	t.Run("search_knowledge", func(t *testing.T) {
		out := e.Execute(ctx, "chat", ToolSearchKnowledge, map[string]any{"category": "team"}).(map[string]any)
		assert.Equal(t, 1, out["count"])

		assert.Equal(t, "query or category is required",
			errorOf(t, e.Execute(ctx, "chat", ToolSearchKnowledge, nil)))
	})

	t.Run("remember", func(t *testing.T) {
		out := e.Execute(ctx, "chat", ToolRemember, map[string]any{"content": "allergic to peanuts"}).(map[string]any)
		assert.Equal(t, "allergic to peanuts", out["remembered"])

		all, err := mem.All(ctx, memory.DefaultUser)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "chat", all[1].Metadata["source"])

		assert.Equal(t, "memory content is empty",
			errorOf(t, e.Execute(ctx, "chat", ToolRemember, map[string]any{"content": "  "})))
	})

	t.Run("add_knowledge", func(t *testing.T) {
		out := e.Execute(ctx, "chat", ToolAddKnowledge, map[string]any{
			"title":   "Standup",
			"content": "Standup is at 9:15 in room 4",
			"tags":    []any{"meetings", 7},
		}).(map[string]any)
		assert.Equal(t, "general", out["category"])

		found, err := kb.Search(ctx, "when is standup", 1)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "Standup", found[0].Title)
		assert.Equal(t, []string{"meetings"}, found[0].Tags)
	})

	t.Run("ask_agent", func(t *testing.T) {
		out := e.Execute(ctx, "chat", ToolAskAgent, map[string]any{"agent": "calendar", "method": "availability"}).(map[string]any)
		assert.Equal(t, "calendar", out["agent"])
		assert.Equal(t, map[string]any{"method": "availability", "free": true}, out["answer"])

		assert.Equal(t, "agent cannot ask itself",
			errorOf(t, e.Execute(ctx, "calendar", ToolAskAgent, map[string]any{"agent": "calendar"})))
		assert.Contains(t,
			errorOf(t, e.Execute(ctx, "chat", ToolAskAgent, map[string]any{"agent": "ghost"})),
			"ghost")
	})
}
