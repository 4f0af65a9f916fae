package aide

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/aide/agent"
	"github.com/aixgo-dev/aide/internal/registry"
	"github.com/aixgo-dev/aide/pkg/observability"
	"github.com/aixgo-dev/aide/pkg/recommend"
	"github.com/aixgo-dev/aide/pkg/toolloop"
)

// mapFileReader serves files from memory.
type mapFileReader map[string]string

func (m mapFileReader) ReadFile(path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, errors.New("file not found: " + path)
	}
	return []byte(data), nil
}

func newTestLoader(files map[string]string, env map[string]string) *ConfigLoader {
	cl := NewConfigLoader(mapFileReader(files))
	cl.getenv = func(k string) string { return env[k] }
	return cl
}

const testConfig = `
server:
  addr: 127.0.0.1:0
llm:
  model: gpt-test
scheduler:
  enabled: true
  timezone: Europe/Berlin
  grace_window: 2m
agents:
  - name: chat
    role: chat
  - name: inbox
    role: prompt
    description: Inbox triage
    prompt: Summarize unread mail that needs a reply.
    schedule: "0 7 * * 1-5"
    keywords: [email, inbox]
    priority: high
    timeout: 90s
    prompt_config:
      recommendation_title: Mail to answer
`

func TestLoadConfig(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{"aide.yaml": testConfig}, nil).LoadConfig("aide.yaml")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:0", cfg.Server.Addr)
	assert.Equal(t, "gpt-test", cfg.LLM.Model)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, registry.DefaultFallback, cfg.Fallback)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.GraceWindow.Duration)
	assert.Equal(t, "Europe/Berlin", cfg.location().String())

	require.Len(t, cfg.Agents, 2)
	inbox := cfg.Agents[1]
	assert.Equal(t, agent.PriorityHigh, inbox.Priority)
	assert.Equal(t, 90*time.Second, inbox.Timeout.Duration)
	assert.Equal(t, []string{"email", "inbox"}, inbox.Keywords)
	assert.Contains(t, inbox.Extra, "prompt_config")
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := newTestLoader(nil, nil).LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.True(t, cfg.Scheduler.Enabled)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "chat", cfg.Agents[0].Role)
	assert.Equal(t, time.UTC, cfg.location())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"OPENAI_API_KEY":         "sk-test",
		"OPENAI_BASE_URL":        "http://localhost:11434/v1",
		"AIDE_STORE":             "sqlite",
		"AIDE_SQLITE_PATH":       "/tmp/x.db",
		"AIDE_SCHEDULER_ENABLED": "false",
	}
	cfg, err := newTestLoader(map[string]string{"aide.yaml": testConfig}, env).LoadConfig("aide.yaml")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "http://localhost:11434/v1", cfg.LLM.BaseURL)
	assert.Equal(t, StoreSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/x.db", cfg.Store.SQLitePath)
	assert.False(t, cfg.Scheduler.Enabled)

	_, err = newTestLoader(nil, map[string]string{"AIDE_SCHEDULER_ENABLED": "maybe"}).LoadConfig("")
	assert.ErrorContains(t, err, "AIDE_SCHEDULER_ENABLED")
}

func TestLoadConfig_Errors(t *testing.T) {
	files := map[string]string{
		"bad.yaml":      "agents: [[[",
		"dup.yaml":      "agents:\n  - {name: a, role: chat}\n  - {name: a, role: chat}",
		"store.yaml":    "store: {backend: mongo}\nagents: []",
		"redis.yaml":    "store: {backend: redis}\nagents: []",
		"tz.yaml":       "scheduler: {timezone: Mars/Olympus}\nagents: []",
		"priority.yaml": "agents:\n  - {name: a, role: chat, priority: asap}",
		"norole.yaml":   "agents:\n  - {name: a}",
		"kb.yaml":       "agents: []\nknowledge:\n  - {category: team, tags: [x]}",
	}
	tests := map[string]string{
		"missing.yaml":  "failed to read config",
		"bad.yaml":      "failed to parse config",
		"dup.yaml":      "duplicate name",
		"store.yaml":    "unknown backend",
		"redis.yaml":    "requires an address",
		"tz.yaml":       "scheduler",
		"priority.yaml": "invalid priority",
		"norole.yaml":   "role is required",
		"kb.yaml":       "knowledge[0]: needs a title or content",
	}
	loader := newTestLoader(files, nil)
	for path, want := range tests {
		t.Run(path, func(t *testing.T) {
			_, err := loader.LoadConfig(path)
			assert.ErrorContains(t, err, want)
		})
	}
}

// scriptedEngine answers every request with the next scripted text.
type scriptedEngine struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (e *scriptedEngine) next(turns []toolloop.Turn) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(turns) > 0 {
		e.prompts = append(e.prompts, turns[len(turns)-1].Content)
	}
	if len(e.replies) == 0 {
		return ""
	}
	r := e.replies[0]
	e.replies = e.replies[1:]
	return r
}

func (e *scriptedEngine) Complete(ctx context.Context, turns []toolloop.Turn) (string, error) {
	return e.next(turns), nil
}

func (e *scriptedEngine) CompleteWithTools(ctx context.Context, turns []toolloop.Turn, tools []toolloop.ToolSpec) (*toolloop.Reply, error) {
	return &toolloop.Reply{Text: e.next(turns)}, nil
}

func (e *scriptedEngine) SubmitToolResults(ctx context.Context, handle string, outputs []toolloop.ToolOutput) (*toolloop.Reply, error) {
	return nil, errors.New("unexpected tool results")
}

func newTestApp(t *testing.T, engine toolloop.Engine, mutate func(*Config)) *App {
	t.Helper()
	cfg, err := newTestLoader(map[string]string{"aide.yaml": testConfig}, nil).LoadConfig("aide.yaml")
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}
	app, err := New(cfg, WithEngine(engine))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})
	return app
}

func TestNew_RequiresEngineKey(t *testing.T) {
	cfg := DefaultConfig()
	_, err := New(cfg)
	assert.ErrorContains(t, err, "reasoning engine")
}

func TestNew_UnknownRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents = append(cfg.Agents, agent.Def{Name: "x", Role: "unknown-role"})
	_, err := New(cfg, WithEngine(&scriptedEngine{}))
	assert.EqualError(t, err, "unknown role: unknown-role")
}

func TestApp_Wiring(t *testing.T) {
	app := newTestApp(t, &scriptedEngine{}, nil)

	assert.True(t, app.Registry.Has("chat"))
	assert.True(t, app.Registry.Has("inbox"))
	assert.Equal(t, []string{"inbox"}, app.Registry.ScheduledAgents())
	assert.True(t, app.Bus.IsRegistered("inbox"))
	assert.Len(t, app.Tools.Specs(), 8)
}

func TestApp_Chat(t *testing.T) {
	engine := &scriptedEngine{replies: []string{"Two mails need replies.", "Hello!"}}
	app := newTestApp(t, engine, nil)
	ctx := context.Background()

	name, reply, err := app.Chat(ctx, "anything new in my inbox?", nil)
	require.NoError(t, err)
	assert.Equal(t, "inbox", name)
	assert.Equal(t, "Two mails need replies.", reply)

	name, reply, err = app.Chat(ctx, "hi", &agent.ChatContext{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "chat", name)
	assert.Equal(t, "Hello!", reply)

	turns, err := app.History.Recent(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 2)

	// Exhausted script: the loop falls back to the apology.
	_, reply, err = app.Chat(ctx, "still there?", nil)
	require.NoError(t, err)
	assert.Equal(t, toolloop.Apology, reply)
}

func TestApp_ChatWithoutFallback(t *testing.T) {
	app := newTestApp(t, &scriptedEngine{}, func(c *Config) { c.Agents = c.Agents[1:] })

	_, _, err := app.Chat(context.Background(), "book a flight", nil)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestApp_TriggerRecordsRunAndRecommendation(t *testing.T) {
	engine := &scriptedEngine{replies: []string{"Reply to Bob about the contract."}}
	app := newTestApp(t, engine, nil)
	ctx := context.Background()

	res := app.Trigger(ctx, "inbox")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Reply to Bob about the contract.", res.Run.Summary)
	assert.Equal(t, []string{"Summarize unread mail that needs a reply."}, engine.prompts)

	last, err := app.Ledger.LastRun(ctx, "inbox")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, agent.RunCompleted, last.Status)

	recs, err := app.Recommendations.List(ctx, recommend.Filter{AgentName: "inbox"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Mail to answer", recs[0].Title)
	assert.Equal(t, agent.PriorityHigh, recs[0].Priority)

	assert.False(t, app.Trigger(ctx, "ghost").Success)
}

func TestApp_StartStopAndHTTP(t *testing.T) {
	app := newTestApp(t, &scriptedEngine{replies: []string{"pong"}}, nil)
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	assert.True(t, app.Scheduler.Running())
	next, ok := app.Scheduler.NextRunTime("inbox")
	require.True(t, ok)
	assert.Equal(t, 7, next.In(app.Config().location()).Hour())

	health := app.Health.Check(ctx)
	assert.Equal(t, observability.StatusHealthy, health.Status)
	assert.Contains(t, health.Details, "jobs")

	srv := httptest.NewServer(app.Server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/agents")
	require.NoError(t, err)
	var infos []registry.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	resp.Body.Close()
	assert.Len(t, infos, 2)

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Agents answer queries over the bus once processors run.
	answer, err := app.Bus.Query(ctx, "inbox", "chat:ask", map[string]any{"message": "ping"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"response": "pong"}, answer)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(stopCtx))
	assert.False(t, app.Scheduler.Running())
	assert.False(t, app.Bus.Running())
	assert.Equal(t, observability.StatusDegraded, app.Health.Check(ctx).Status)
}

func TestApp_SQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aide.db")
	engine := &scriptedEngine{replies: []string{"Nothing urgent."}}
	app := newTestApp(t, engine, func(c *Config) {
		c.Store = StoreConfig{Backend: StoreSQLite, SQLitePath: path}
	})

	res := app.Trigger(context.Background(), "inbox")
	require.True(t, res.Success, res.Error)

	count, err := app.Recommendations.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	res2, ok := app.Health.Check(context.Background()).Result("sqlite")
	require.True(t, ok)
	assert.Equal(t, observability.StatusHealthy, res2.Status)
	assert.True(t, res2.Critical)
}

func TestApp_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	engine := &scriptedEngine{replies: []string{"All clear.", "Hi!"}}
	app := newTestApp(t, engine, func(c *Config) {
		c.Store = StoreConfig{Backend: StoreRedis, Redis: RedisConfig{Addr: mr.Addr(), Prefix: "test:"}}
	})
	ctx := context.Background()

	res := app.Trigger(ctx, "inbox")
	require.True(t, res.Success, res.Error)

	_, _, err := app.Chat(ctx, "hello", &agent.ChatContext{SessionID: "s1"})
	require.NoError(t, err)

	var ledgerKeys, historyKeys int
	for _, k := range mr.Keys() {
		switch {
		case strings.HasPrefix(k, "test:ledger:"):
			ledgerKeys++
		case strings.HasPrefix(k, "test:history:"):
			historyKeys++
		}
	}
	assert.NotZero(t, ledgerKeys)
	assert.NotZero(t, historyKeys)
}

func TestApp_ServeCancelledContext(t *testing.T) {
	for i := 0; i < 10; i++ {
		app := newTestApp(t, &scriptedEngine{}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		done := make(chan error, 1)
		go func() { done <- app.Serve(ctx) }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("Serve did not return for a cancelled context (attempt %d)", i)
		}
		assert.False(t, app.Scheduler.Running())
	}
}

// toolEngine asks for one tool call on its first request, then answers
// with text. It keeps the system prompt of every request.
type toolEngine struct {
	mu       sync.Mutex
	call     *toolloop.ToolCall
	text     string
	systems  []string
	received []toolloop.ToolOutput
}

func (e *toolEngine) Complete(ctx context.Context, turns []toolloop.Turn) (string, error) {
	return e.text, nil
}

func (e *toolEngine) CompleteWithTools(ctx context.Context, turns []toolloop.Turn, tools []toolloop.ToolSpec) (*toolloop.Reply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(turns) > 0 && turns[0].Role == toolloop.RoleSystem {
		e.systems = append(e.systems, turns[0].Content)
	}
	if e.call != nil {
		call := *e.call
		e.call = nil
		return &toolloop.Reply{ToolCalls: []toolloop.ToolCall{call}, Handle: "h1"}, nil
	}
	return &toolloop.Reply{Text: e.text}, nil
}

func (e *toolEngine) SubmitToolResults(ctx context.Context, handle string, outputs []toolloop.ToolOutput) (*toolloop.Reply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, outputs...)
	return &toolloop.Reply{Text: "Noted."}, nil
}

func TestApp_MemoryAndKnowledgeWritePaths(t *testing.T) {
	engine := &toolEngine{
		call: &toolloop.ToolCall{ID: "c1", Name: "remember", Arguments: `{"content":"prefers tea over coffee"}`},
		text: "Tea at 9:15.",
	}
	app := newTestApp(t, engine, func(c *Config) {
		c.Knowledge = []KnowledgeItem{{Category: "team", Title: "Standup", Content: "Standup is at 9:15 in room 4"}}
	})
	ctx := context.Background()

	// Seeded from config.
	items, err := app.Knowledge.ByCategory(ctx, "team")
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Written by an agent through the remember tool.
	_, reply, err := app.Chat(ctx, "I like tea better than coffee", nil)
	require.NoError(t, err)
	assert.Equal(t, "Noted.", reply)
	require.Len(t, engine.received, 1)
	assert.Empty(t, errorValue(engine.received[0].Output))

	mems, err := app.Memories.All(ctx, "")
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "prefers tea over coffee", mems[0].Content)
	assert.Equal(t, "chat", mems[0].Metadata["source"])

	// Written over the control API.
	srv := httptest.NewServer(app.Server.Handler())
	defer srv.Close()
	resp, err := http.Post(srv.URL+"/knowledge", "application/json",
		strings.NewReader(`{"category":"travel","title":"Badge","content":"Visitor badges at the front desk"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"team", "travel"}, app.Knowledge.Categories())

	// Both reach the next conversation.
	_, reply, err = app.Chat(ctx, "when is standup and do I like tea?", nil)
	require.NoError(t, err)
	assert.Equal(t, "Tea at 9:15.", reply)
	require.Len(t, engine.systems, 2)
	assert.Contains(t, engine.systems[1], "- prefers tea over coffee")
	assert.Contains(t, engine.systems[1], "[team] Standup: Standup is at 9:15 in room 4")
}

func errorValue(out any) string {
	m, _ := out.(map[string]any)
	msg, _ := m["error"].(string)
	return msg
}

func TestRun_ConfigFileNotFound(t *testing.T) {
	err := Run("/nonexistent/config.yaml")
	assert.ErrorContains(t, err, "failed to read config")
}
