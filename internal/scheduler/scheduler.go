// Package scheduler fires agent runs on cron schedules.
//
// Every job runs its agent through an agent.Runner, so scheduled firings are
// recorded in the run ledger. Jobs are rebuilt from configuration on every
// Start; nothing is persisted.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aixgo-dev/aide/agent"
	"github.com/aixgo-dev/aide/pkg/observability"
)

// DefaultGraceWindow is how late a firing may start before it counts as missed.
const DefaultGraceWindow = 5 * time.Minute

// Fire outcomes reported to metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeMissed    = "missed"
	OutcomePaused    = "paused"
	OutcomeNotFound  = "not_found"
)

// JobSpec binds an agent to a crontab expression.
type JobSpec struct {
	Agent   string        `yaml:"agent" json:"agent"`
	Cron    string        `yaml:"cron" json:"cron"`
	Timeout time.Duration `yaml:"-" json:"timeout,omitempty"`
}

// Config configures a Scheduler.
type Config struct {
	Enabled     bool
	Location    *time.Location // UTC when nil
	GraceWindow time.Duration  // DefaultGraceWindow when zero
	Jobs        []JobSpec
}

// AgentSource resolves agent names. The registry implements it.
type AgentSource interface {
	Get(name string) (agent.Agent, bool)
}

// TriggerResult is the outcome of a manual trigger.
type TriggerResult struct {
	Success bool            `json:"success"`
	Agent   string          `json:"agent"`
	Error   string          `json:"error,omitempty"`
	Run     agent.RunResult `json:"run"`
}

// JobStatus describes a scheduled job.
type JobStatus struct {
	ID        string     `json:"id"`
	Agent     string     `json:"agent"`
	Schedule  string     `json:"schedule"`
	Paused    bool       `json:"paused"`
	NextRun   *time.Time `json:"next_run_time,omitempty"`
	LastFired *time.Time `json:"last_fired,omitempty"`
}

type job struct {
	id      string
	spec    JobSpec
	entryID cron.EntryID
	paused  atomic.Bool

	mu        sync.Mutex
	lastFired time.Time
}

// Scheduler runs agents on their cron schedules.
type Scheduler struct {
	cfg    Config
	agents AgentSource
	runner agent.Runner
	logger cron.Logger

	mu      sync.RWMutex
	cron    *cron.Cron
	jobs    map[string]*job
	running bool
	now     func() time.Time
}

// JobID returns the job id of an agent.
func JobID(agentName string) string {
	return "agent_" + agentName
}

// New creates a Scheduler. It does not start it.
func New(cfg Config, agents AgentSource, runner agent.Runner) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	return &Scheduler{
		cfg:    cfg,
		agents: agents,
		runner: runner,
		logger: cron.PrintfLogger(log.New(log.Writer(), "[Scheduler] ", log.Flags())),
		jobs:   make(map[string]*job),
		now:    time.Now,
	}
}

// Start registers one job per configured agent and starts the cron loop.
// Agents that are not registered and invalid expressions are logged and
// skipped. A disabled scheduler logs and does nothing.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		log.Printf("[Scheduler] Scheduler is disabled in settings")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		log.Printf("[Scheduler] WARNING: scheduler is already running")
		return nil
	}

	s.cron = cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(s.logger),
		cron.WithChain(cron.Recover(s.logger), cron.SkipIfStillRunning(s.logger)),
	)
	s.jobs = make(map[string]*job)

	for _, spec := range s.cfg.Jobs {
		if _, ok := s.agents.Get(spec.Agent); !ok {
			log.Printf("[Scheduler] WARNING: agent %q not registered, skipping schedule", spec.Agent)
			continue
		}
		j := &job{id: JobID(spec.Agent), spec: spec}
		entryID, err := s.cron.AddFunc(spec.Cron, func() { s.fireEntry(j) })
		if err != nil {
			log.Printf("[Scheduler] Failed to register job for agent %q: %v", spec.Agent, err)
			continue
		}
		j.entryID = entryID
		s.jobs[spec.Agent] = j
		log.Printf("[Scheduler] Registered job %q with schedule %q", j.id, spec.Cron)
	}

	s.cron.Start()
	s.running = true
	log.Printf("[Scheduler] Agent scheduler started with %d job(s)", len(s.jobs))
	for _, st := range s.jobsLocked() {
		if st.NextRun != nil {
			log.Printf("[Scheduler] Scheduled job: %s - next run: %s", st.ID, st.NextRun.Format(time.RFC3339))
		}
	}
	s.updateGaugeLocked()
	return nil
}

// Stop stops firing new jobs and waits for running jobs to finish, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	done := s.cron.Stop()
	s.running = false
	s.mu.Unlock()

	select {
	case <-done.Done():
		log.Printf("[Scheduler] Agent scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// Running reports whether the cron loop is active.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// fireEntry is the cron callback. The entry's Prev is the time the firing
// was scheduled for.
func (s *Scheduler) fireEntry(j *job) {
	s.mu.RLock()
	c := s.cron
	s.mu.RUnlock()

	scheduled := s.now()
	if c != nil {
		if e := c.Entry(j.entryID); e.Valid() && !e.Prev.IsZero() {
			scheduled = e.Prev
		}
	}
	s.fire(context.Background(), j, scheduled)
}

func (s *Scheduler) fire(ctx context.Context, j *job, scheduled time.Time) string {
	name := j.spec.Agent
	if j.paused.Load() {
		observability.RecordSchedulerFire(name, OutcomePaused)
		return OutcomePaused
	}
	now := s.now()
	if !withinGrace(scheduled, now, s.cfg.GraceWindow) {
		log.Printf("[Scheduler] WARNING: job %s missed its %s firing by %s, skipping",
			j.id, scheduled.Format(time.RFC3339), now.Sub(scheduled).Round(time.Second))
		observability.RecordSchedulerFire(name, OutcomeMissed)
		return OutcomeMissed
	}

	a, ok := s.agents.Get(name)
	if !ok {
		log.Printf("[Scheduler] Agent %q not found in registry", name)
		observability.RecordSchedulerFire(name, OutcomeNotFound)
		return OutcomeNotFound
	}

	j.mu.Lock()
	j.lastFired = now
	j.mu.Unlock()

	log.Printf("[Scheduler] Scheduled execution of agent %q", name)
	if j.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.spec.Timeout)
		defer cancel()
	}
	res := s.runner.Run(ctx, a)
	outcome := OutcomeCompleted
	if !res.OK() {
		outcome = OutcomeFailed
	}
	observability.RecordSchedulerFire(name, outcome)
	return outcome
}

// withinGrace reports whether a firing scheduled for scheduled may still run
// at now.
func withinGrace(scheduled, now time.Time, grace time.Duration) bool {
	return now.Sub(scheduled) <= grace
}

// Trigger runs an agent immediately, regardless of its schedule or pause
// state, and waits for the run to finish.
func (s *Scheduler) Trigger(ctx context.Context, name string) TriggerResult {
	log.Printf("[Scheduler] Manual trigger of agent %q", name)

	a, ok := s.agents.Get(name)
	if !ok {
		return TriggerResult{Agent: name, Error: fmt.Sprintf("agent %q not found", name)}
	}
	res := s.runner.Run(ctx, a)
	return TriggerResult{Success: res.OK(), Agent: name, Error: res.Error, Run: res}
}

// Pause stops an agent's job from firing. The entry stays registered so its
// next run time remains available. It reports whether the job exists.
func (s *Scheduler) Pause(name string) bool {
	return s.setPaused(name, true)
}

// Resume re-enables a paused job on its original schedule.
func (s *Scheduler) Resume(name string) bool {
	return s.setPaused(name, false)
}

func (s *Scheduler) setPaused(name string, paused bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[name]
	if !ok {
		log.Printf("[Scheduler] No job for agent %q", name)
		return false
	}
	j.paused.Store(paused)
	if paused {
		log.Printf("[Scheduler] Paused job %q", j.id)
	} else {
		log.Printf("[Scheduler] Resumed job %q", j.id)
	}
	s.updateGaugeLocked()
	return true
}

// NextRunTime returns the next scheduled firing of an agent's job. Paused
// jobs still report the time their schedule would fire.
func (s *Scheduler) NextRunTime(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[name]
	if !ok || s.cron == nil {
		return time.Time{}, false
	}
	e := s.cron.Entry(j.entryID)
	if !e.Valid() || e.Next.IsZero() {
		return time.Time{}, false
	}
	return e.Next, true
}

// Jobs lists the registered jobs ordered by job id.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobsLocked()
}

func (s *Scheduler) jobsLocked() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			ID:       j.id,
			Agent:    j.spec.Agent,
			Schedule: j.spec.Cron,
			Paused:   j.paused.Load(),
		}
		if s.cron != nil {
			if e := s.cron.Entry(j.entryID); e.Valid() && !e.Next.IsZero() {
				next := e.Next
				st.NextRun = &next
			}
		}
		j.mu.Lock()
		if !j.lastFired.IsZero() {
			last := j.lastFired
			st.LastFired = &last
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (s *Scheduler) updateGaugeLocked() {
	paused := 0
	for _, j := range s.jobs {
		if j.paused.Load() {
			paused++
		}
	}
	observability.SetScheduledJobs(len(s.jobs)-paused, paused)
}
