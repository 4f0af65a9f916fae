package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/aide/pkg/memory"
)

type briefingAgent struct {
	*Base
	runs int
}

func newBriefingAgent(t *testing.T, collab Collaborators) *briefingAgent {
	t.Helper()
	a := &briefingAgent{Base: NewBase("briefing", "Morning briefing", collab)}
	require.NoError(t, a.HandleMethod("latest", func(ctx context.Context, msg *Message) (any, error) {
		return map[string]any{"runs": a.runs}, nil
	}))
	type windowRequest struct {
		Days int `json:"days"`
	}
	require.NoError(t, a.HandleMethod("window", Method(func(ctx context.Context, req windowRequest) (any, error) {
		if req.Days <= 0 {
			return nil, errors.New("days must be positive")
		}
		return req.Days * 24, nil
	})))
	return a
}

func (a *briefingAgent) Execute(ctx context.Context) (Outcome, error) {
	a.runs++
	return Outcome{Summary: "Briefing ready", ItemsProcessed: 1}, nil
}

type recorder struct {
	recs []Recommendation
}

func (r *recorder) Create(ctx context.Context, rec Recommendation) (string, error) {
	r.recs = append(r.recs, rec)
	return "rec-1", nil
}

func TestBase_Defaults(t *testing.T) {
	a := newBriefingAgent(t, Collaborators{})
	var _ Agent = a

	assert.Equal(t, "briefing", a.Name())
	assert.Equal(t, "Morning briefing", a.Description())
	assert.False(t, a.CanHandle("anything"))

	_, err := a.Handle(context.Background(), "hi", nil)
	var nie *NotImplementedError
	require.ErrorAs(t, err, &nie)
	assert.Equal(t, "Handle", nie.Method)

	ack, err := a.OnMessage(context.Background(), &Message{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"received": true}, ack)

	assert.ElementsMatch(t, []string{"latest", "window"}, a.Methods())
}

func TestBase_HandleMethodRejectsBadEntries(t *testing.T) {
	a := newBriefingAgent(t, Collaborators{})
	noop := func(ctx context.Context, msg *Message) (any, error) { return nil, nil }

	assert.Error(t, a.HandleMethod("", noop))
	assert.Error(t, a.HandleMethod("nil", nil))
	assert.Error(t, a.HandleMethod("latest", noop))
}

func TestBase_MissingCollaborators(t *testing.T) {
	a := newBriefingAgent(t, Collaborators{})
	ctx := context.Background()

	_, err := a.Send("x", "", nil, KindTask)
	assert.ErrorIs(t, err, ErrNoCollaborator)
	_, err = a.Query(ctx, "x", "", nil, time.Second)
	assert.ErrorIs(t, err, ErrNoCollaborator)
	assert.Nil(t, a.Broadcast("evt", nil))
	_, err = a.Recommend(ctx, "t", "c", "high", nil)
	assert.ErrorIs(t, err, ErrNoCollaborator)
	_, err = a.SearchKnowledge(ctx, "q", 5)
	assert.ErrorIs(t, err, ErrNoCollaborator)
	_, err = a.SearchMemories(ctx, "u", "q", 5)
	assert.ErrorIs(t, err, ErrNoCollaborator)
	_, err = a.LastRun(ctx)
	assert.ErrorIs(t, err, ErrNoCollaborator)
	_, err = a.RecentRuns(ctx, 5, time.Hour)
	assert.ErrorIs(t, err, ErrNoCollaborator)
}

func TestBase_Recommend(t *testing.T) {
	rec := &recorder{}
	a := newBriefingAgent(t, Collaborators{Recommendations: rec})

	id, err := a.Recommend(context.Background(), "Prep", "Review notes", "", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", id)
	require.Len(t, rec.recs, 1)
	assert.Equal(t, "briefing", rec.recs[0].AgentName)
	assert.Equal(t, PriorityNormal, rec.recs[0].Priority)

	_, err = a.Recommend(context.Background(), "Prep", "Review notes", "critical", nil)
	assert.ErrorIs(t, err, ErrInvalidPriority)
	assert.Len(t, rec.recs, 1)
}

func TestBase_SearchDelegates(t *testing.T) {
	store := memory.NewStore(memory.Config{})
	_, err := store.Add(context.Background(), "u1", "prefers morning meetings", nil)
	require.NoError(t, err)
	kb := memory.NewKnowledgeBase()
	_, err = kb.Add(context.Background(), memory.Knowledge{Category: "team", Title: "Alice", Content: "Alice leads platform"})
	require.NoError(t, err)

	a := newBriefingAgent(t, Collaborators{Memories: store, Knowledge: kb})

	mems, err := a.SearchMemories(context.Background(), "u1", "morning meetings", 5)
	require.NoError(t, err)
	require.Len(t, mems, 1)

	items, err := a.KnowledgeByCategory(context.Background(), "team")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Alice", items[0].Title)
}

func TestDispatcher(t *testing.T) {
	a := newBriefingAgent(t, Collaborators{})
	h := Dispatcher(a)
	ctx := context.Background()

	got, err := h(ctx, &Message{Metadata: map[string]any{MetaMethod: "latest"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"runs": 0}, got)

	got, err = h(ctx, &Message{Payload: map[string]any{"days": 2}, Metadata: map[string]any{MetaMethod: "window"}})
	require.NoError(t, err)
	assert.Equal(t, 48, got)

	_, err = h(ctx, &Message{Payload: map[string]any{"days": 0}, Metadata: map[string]any{MetaMethod: "window"}})
	assert.EqualError(t, err, "days must be positive")

	_, err = h(ctx, &Message{Metadata: map[string]any{MetaMethod: "nope"}})
	assert.ErrorIs(t, err, ErrUnknownMethod)

	got, err = h(ctx, &Message{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"received": true}, got)
}

func TestAttach_QueryByMethod(t *testing.T) {
	bus := NewLocalBus(WithPollInterval(10 * time.Millisecond))
	a := newBriefingAgent(t, Collaborators{Bus: bus})
	asker := NewBase("chat", "", Collaborators{Bus: bus})
	Attach(bus, a)
	bus.Register("chat", nil)

	bus.StartProcessors(context.Background())
	t.Cleanup(func() { _ = bus.StopProcessors(context.Background()) })

	got, err := asker.Query(context.Background(), "briefing", "window", map[string]any{"days": 1}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 24, got)

	_, err = asker.Query(context.Background(), "briefing", "missing", nil, time.Second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "missing")
}

func TestParsePriority(t *testing.T) {
	for _, p := range []string{"low", "normal", "high", "urgent"} {
		got, err := ParsePriority(p)
		require.NoError(t, err)
		assert.Equal(t, Priority(p), got)
	}
	_, err := ParsePriority("critical")
	assert.ErrorIs(t, err, ErrInvalidPriority)

	assert.Less(t, PriorityUrgent.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityLow.Rank(), Priority("bogus").Rank())
}

func TestRunRecord_Duration(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	r := RunRecord{StartedAt: start, Status: RunRunning}
	assert.Zero(t, r.Duration())
	assert.False(t, r.Status.Terminal())

	end := start.Add(90 * time.Second)
	r.CompletedAt, r.Status = &end, RunCompleted
	assert.Equal(t, 90*time.Second, r.Duration())
	assert.True(t, r.Status.Terminal())
}
