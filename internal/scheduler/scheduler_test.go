package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/aide/agent"
	"github.com/aixgo-dev/aide/pkg/ledger"
)

type countingAgent struct {
	*agent.Base
	runs  atomic.Int32
	fail  bool
	delay time.Duration
}

func newCountingAgent(name string) *countingAgent {
	return &countingAgent{Base: agent.NewBase(name, "", agent.Collaborators{})}
}

func (c *countingAgent) Execute(ctx context.Context) (agent.Outcome, error) {
	c.runs.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return agent.Outcome{}, ctx.Err()
		}
	}
	if c.fail {
		return agent.Outcome{}, errors.New("budget check failed")
	}
	return agent.Outcome{Summary: "ok"}, nil
}

type agentMap map[string]agent.Agent

func (m agentMap) Get(name string) (agent.Agent, bool) {
	a, ok := m[name]
	return a, ok
}

func newTestScheduler(t *testing.T, jobs []JobSpec, agents agentMap) *Scheduler {
	t.Helper()
	s := New(Config{Enabled: true, Jobs: jobs}, agents, ledger.New(ledger.NewMemoryStore()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestStart_SkipsUnknownAgentsAndBadExpressions(t *testing.T) {
	agents := agentMap{"briefing": newCountingAgent("briefing"), "anomaly": newCountingAgent("anomaly")}
	s := newTestScheduler(t, []JobSpec{
		{Agent: "briefing", Cron: "0 7 * * 1-5"},
		{Agent: "anomaly", Cron: "not a cron"},
		{Agent: "ghost", Cron: "0 * * * *"},
	}, agents)

	require.NoError(t, s.Start())
	assert.True(t, s.Running())

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "agent_briefing", jobs[0].ID)
	assert.Equal(t, "0 7 * * 1-5", jobs[0].Schedule)
	require.NotNil(t, jobs[0].NextRun)

	next, ok := s.NextRunTime("briefing")
	require.True(t, ok)
	assert.Equal(t, 7, next.Hour())
	assert.Equal(t, time.UTC, next.Location())

	_, ok = s.NextRunTime("anomaly")
	assert.False(t, ok)
}

func TestStart_Disabled(t *testing.T) {
	s := New(Config{Enabled: false, Jobs: []JobSpec{{Agent: "a", Cron: "* * * * *"}}}, agentMap{}, ledger.New(ledger.NewMemoryStore()))
	require.NoError(t, s.Start())
	assert.False(t, s.Running())
	assert.Empty(t, s.Jobs())
	assert.False(t, s.Pause("a"))
}

func TestStart_Twice(t *testing.T) {
	s := newTestScheduler(t, []JobSpec{{Agent: "a", Cron: "@hourly"}}, agentMap{"a": newCountingAgent("a")})
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.Len(t, s.Jobs(), 1)
}

func TestScheduledFiring(t *testing.T) {
	a := newCountingAgent("ticker")
	l := ledger.New(ledger.NewMemoryStore())
	s := New(Config{Enabled: true, Jobs: []JobSpec{{Agent: "ticker", Cron: "@every 1s"}}}, agentMap{"ticker": a}, l)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return a.runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Running())

	last, err := l.LastRun(context.Background(), "ticker")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, agent.RunCompleted, last.Status)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.NotNil(t, jobs[0].LastFired)
}

func TestPauseResume(t *testing.T) {
	a := newCountingAgent("briefing")
	s := newTestScheduler(t, []JobSpec{{Agent: "briefing", Cron: "0 7 * * *"}}, agentMap{"briefing": a})
	require.NoError(t, s.Start())

	before, ok := s.NextRunTime("briefing")
	require.True(t, ok)

	require.True(t, s.Pause("briefing"))
	assert.True(t, s.Jobs()[0].Paused)
	after, ok := s.NextRunTime("briefing")
	require.True(t, ok, "paused jobs keep their entry")
	assert.Equal(t, before, after)

	j := s.jobs["briefing"]
	assert.Equal(t, OutcomePaused, s.fire(context.Background(), j, time.Now()))
	assert.Equal(t, int32(0), a.runs.Load())

	require.True(t, s.Resume("briefing"))
	assert.False(t, s.Jobs()[0].Paused)
	assert.Equal(t, OutcomeCompleted, s.fire(context.Background(), j, time.Now()))
	assert.Equal(t, int32(1), a.runs.Load())

	assert.False(t, s.Pause("ghost"))
	assert.False(t, s.Resume("ghost"))
}

func TestFire_GraceWindow(t *testing.T) {
	a := newCountingAgent("briefing")
	s := newTestScheduler(t, []JobSpec{{Agent: "briefing", Cron: "0 7 * * *"}}, agentMap{"briefing": a})
	require.NoError(t, s.Start())

	fixed := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	j := s.jobs["briefing"]

	assert.Equal(t, OutcomeCompleted, s.fire(context.Background(), j, fixed.Add(-4*time.Minute)))
	assert.Equal(t, OutcomeMissed, s.fire(context.Background(), j, fixed.Add(-6*time.Minute)))
	assert.Equal(t, int32(1), a.runs.Load())
}

func TestFire_FailedRun(t *testing.T) {
	a := newCountingAgent("anomaly")
	a.fail = true
	s := newTestScheduler(t, []JobSpec{{Agent: "anomaly", Cron: "@hourly"}}, agentMap{"anomaly": a})
	require.NoError(t, s.Start())

	assert.Equal(t, OutcomeFailed, s.fire(context.Background(), s.jobs["anomaly"], time.Now()))
}

func TestFire_JobTimeout(t *testing.T) {
	a := newCountingAgent("slow")
	a.delay = time.Second
	s := newTestScheduler(t, []JobSpec{{Agent: "slow", Cron: "@hourly", Timeout: 20 * time.Millisecond}}, agentMap{"slow": a})
	require.NoError(t, s.Start())

	start := time.Now()
	assert.Equal(t, OutcomeFailed, s.fire(context.Background(), s.jobs["slow"], time.Now()))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWithinGrace(t *testing.T) {
	at := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	assert.True(t, withinGrace(at, at, DefaultGraceWindow))
	assert.True(t, withinGrace(at, at.Add(5*time.Minute), DefaultGraceWindow))
	assert.False(t, withinGrace(at, at.Add(5*time.Minute+time.Second), DefaultGraceWindow))
	assert.True(t, withinGrace(at, at.Add(-time.Second), DefaultGraceWindow))
}

func TestTrigger(t *testing.T) {
	a := newCountingAgent("briefing")
	failing := newCountingAgent("anomaly")
	failing.fail = true
	s := newTestScheduler(t, []JobSpec{{Agent: "briefing", Cron: "0 7 * * *"}},
		agentMap{"briefing": a, "anomaly": failing})

	// Works before Start and while paused.
	res := s.Trigger(context.Background(), "briefing")
	assert.True(t, res.Success)
	assert.Equal(t, agent.RunCompleted, res.Run.Status)

	require.NoError(t, s.Start())
	require.True(t, s.Pause("briefing"))
	res = s.Trigger(context.Background(), "briefing")
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), a.runs.Load())

	res = s.Trigger(context.Background(), "anomaly")
	assert.False(t, res.Success)
	assert.Equal(t, "budget check failed", res.Error)

	res = s.Trigger(context.Background(), "ghost")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}

func TestStop_WaitsForRunningJobs(t *testing.T) {
	a := newCountingAgent("slow")
	a.delay = 300 * time.Millisecond
	s := New(Config{Enabled: true, Jobs: []JobSpec{{Agent: "slow", Cron: "@every 1s"}}}, agentMap{"slow": a}, ledger.New(ledger.NewMemoryStore()))
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return a.runs.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	var stopErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stopErr = s.Stop(ctx)
	}()
	wg.Wait()
	require.NoError(t, stopErr)

	// Stopping twice is a no-op.
	require.NoError(t, s.Stop(context.Background()))
}
