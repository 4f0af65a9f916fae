// Package ledger records agent executions.
//
// Ledger.Run is the only supported way to invoke an agent's Execute from
// outside the agent. It creates a running record, executes the agent and
// always finalizes the record, whether Execute returns, fails, panics or is
// cancelled.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aixgo-dev/aide/agent"
	"github.com/aixgo-dev/aide/internal/observability"
	metrics "github.com/aixgo-dev/aide/pkg/observability"
)

// DefaultSummary is recorded when a successful run reports no summary.
const DefaultSummary = "Completed successfully"

// DefaultSince is the look-back window used when a filter does not set one.
const DefaultSince = 24 * time.Hour

// finalizeTimeout bounds the store write that closes a run.
const finalizeTimeout = 5 * time.Second

var (
	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinalized is returned when completing a run that already reached a
	// terminal status.
	ErrRunFinalized = errors.New("run already finalized")
)

// Completion carries the terminal state of a run.
type Completion struct {
	Status         agent.RunStatus
	Summary        string
	ItemsProcessed int
	ErrorMessage   string
}

// Store persists run records.
type Store interface {
	// Create inserts a running record and returns its id.
	Create(ctx context.Context, agentName string) (string, error)
	// Complete moves a running record to a terminal status.
	Complete(ctx context.Context, id string, c Completion) error
	// Get returns a record by id.
	Get(ctx context.Context, id string) (*agent.RunRecord, error)
	// LastRun returns the newest record of an agent, or nil.
	LastRun(ctx context.Context, agentName string) (*agent.RunRecord, error)
	// ListRecent returns records newest first.
	ListRecent(ctx context.Context, filter agent.RunFilter) ([]agent.RunRecord, error)
}

// Ledger wraps agent execution with run bookkeeping. It implements
// agent.Runner and agent.RunHistory.
type Ledger struct {
	store Store
}

// New creates a Ledger on top of store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// LastRun implements agent.RunHistory.
func (l *Ledger) LastRun(ctx context.Context, agentName string) (*agent.RunRecord, error) {
	return l.store.LastRun(ctx, agentName)
}

// ListRecent implements agent.RunHistory.
func (l *Ledger) ListRecent(ctx context.Context, filter agent.RunFilter) ([]agent.RunRecord, error) {
	return l.store.ListRecent(ctx, normalizeFilter(filter))
}

// Run executes a under a run record. It never returns an error: failures are
// reported in the result.
func (l *Ledger) Run(ctx context.Context, a agent.Agent) (result agent.RunResult) {
	name := a.Name()
	start := time.Now()
	result = agent.RunResult{AgentName: name}

	ctx, span := observability.StartSpanWithContext(ctx, "agent.run", map[string]any{"agent": name})
	defer span.End()

	runID, err := l.store.Create(ctx, name)
	if err != nil {
		log.Printf("[Ledger] Failed to create run record for %s: %v", name, err)
		span.SetError(err)
		result.Status = agent.RunFailed
		result.Error = fmt.Sprintf("create run record: %v", err)
		result.Duration = time.Since(start)
		metrics.RecordAgentRun(name, string(result.Status), result.Duration)
		return result
	}
	result.RunID = runID
	log.Printf("[Ledger] Starting run %s for agent %s", runID, name)

	var (
		outcome agent.Outcome
		execErr error
	)

	defer func() {
		if r := recover(); r != nil {
			execErr = fmt.Errorf("panic: %v", r)
		}

		completion := Completion{Status: agent.RunCompleted}
		if execErr != nil {
			completion.Status = agent.RunFailed
			completion.ErrorMessage = execErr.Error()
		} else {
			completion.Summary = outcome.Summary
			if completion.Summary == "" {
				completion.Summary = DefaultSummary
			}
			completion.ItemsProcessed = outcome.ItemsProcessed
		}

		// Finalize even when ctx was cancelled.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()

		result.Status = completion.Status
		result.Summary = completion.Summary
		result.ItemsProcessed = completion.ItemsProcessed
		result.Error = completion.ErrorMessage
		result.Duration = time.Since(start)

		if err := l.store.Complete(fctx, runID, completion); err != nil {
			log.Printf("[Ledger] Failed to finalize run %s for %s: %v", runID, name, err)
			if result.Error == "" {
				result.Error = fmt.Sprintf("finalize run record: %v", err)
			}
		}

		if execErr != nil {
			span.SetError(execErr)
			log.Printf("[Ledger] Run %s for %s failed after %s: %v", runID, name, result.Duration, execErr)
		} else {
			log.Printf("[Ledger] Run %s for %s completed in %s: %s", runID, name, result.Duration, result.Summary)
		}
		span.SetAttribute("status", string(result.Status))
		metrics.RecordAgentRun(name, string(result.Status), result.Duration)
	}()

	outcome, execErr = a.Execute(ctx)
	return result
}

func normalizeFilter(f agent.RunFilter) agent.RunFilter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Since <= 0 {
		f.Since = DefaultSince
	}
	return f
}

func finalize(rec *agent.RunRecord, c Completion, at time.Time) error {
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinalized, rec.ID, rec.Status)
	}
	if !c.Status.Terminal() {
		return fmt.Errorf("complete run %s: status %q is not terminal", rec.ID, c.Status)
	}
	rec.Status = c.Status
	rec.Summary = c.Summary
	rec.ItemsProcessed = c.ItemsProcessed
	rec.ErrorMessage = c.ErrorMessage
	rec.CompletedAt = &at
	return nil
}
