package agent

import (
	"context"
	"fmt"
	"time"
)

// Agent is the interface that all agents must implement.
//
// Execute performs scheduled or manually triggered bulk work and should only be
// invoked through a run ledger so that every invocation is recorded. Handle
// answers ad-hoc requests routed by CanHandle. OnMessage receives peer
// messages from the bus.
//
// Embedding *Base supplies the default behavior for everything except Execute.
type Agent interface {
	// Name returns the unique identifier for this agent. It doubles as the
	// agent's address on the bus.
	Name() string

	// Description is a short human readable summary of what the agent does.
	Description() string

	// Execute runs the agent's bulk work and reports what it did.
	Execute(ctx context.Context) (Outcome, error)

	// CanHandle is a cheap, side-effect free routing predicate.
	CanHandle(input string) bool

	// Handle answers an ad-hoc request. cc may be nil.
	Handle(ctx context.Context, input string, cc *ChatContext) (string, error)

	// OnMessage processes a message delivered by the bus that did not select
	// a method.
	OnMessage(ctx context.Context, msg *Message) (any, error)
}

// Outcome is what a successful Execute reports.
type Outcome struct {
	Summary        string `json:"summary"`
	ItemsProcessed int    `json:"items_processed"`
}

// ChatContext carries optional caller information for Handle.
type ChatContext struct {
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Source    string         `json:"source,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunStatus is the state of a RunRecord.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// RunRecord is one Execute invocation as stored by the run ledger.
type RunRecord struct {
	ID             string     `json:"id"`
	AgentName      string     `json:"agent_name"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Status         RunStatus  `json:"status"`
	Summary        string     `json:"summary,omitempty"`
	ItemsProcessed int        `json:"items_processed"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r RunRecord) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunResult is the uniform outcome of running an agent through the ledger.
// Failures are reported here rather than as errors.
type RunResult struct {
	RunID          string        `json:"run_id,omitempty"`
	AgentName      string        `json:"agent_name"`
	Status         RunStatus     `json:"status"`
	Summary        string        `json:"summary,omitempty"`
	ItemsProcessed int           `json:"items_processed"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// OK reports whether the run completed successfully.
func (r RunResult) OK() bool {
	return r.Status == RunCompleted
}

// RunFilter selects run records.
type RunFilter struct {
	AgentName string
	Limit     int
	Since     time.Duration
}

// RunHistory gives read access to recorded runs.
type RunHistory interface {
	// LastRun returns the most recent run of the agent, or nil if it never ran.
	LastRun(ctx context.Context, agentName string) (*RunRecord, error)
	// ListRecent returns runs newest first.
	ListRecent(ctx context.Context, filter RunFilter) ([]RunRecord, error)
}

// Runner executes an agent under run bookkeeping.
type Runner interface {
	Run(ctx context.Context, a Agent) RunResult
}

// Priority ranks a recommendation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities from most to least urgent. Unknown values sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// ParsePriority validates a priority name.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if p.Rank() > 3 {
		return "", fmt.Errorf("%w: %q (must be low, normal, high or urgent)", ErrInvalidPriority, s)
	}
	return p, nil
}

// Recommendation is a suggestion an agent surfaces to the user.
type Recommendation struct {
	AgentName string         `json:"agent_name"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Priority  Priority       `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Recommender persists recommendations.
type Recommender interface {
	Create(ctx context.Context, rec Recommendation) (string, error)
}
