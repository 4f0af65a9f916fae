// Package recommend stores the recommendations agents surface to the user.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aixgo-dev/aide/agent"
)

// Status is the lifecycle state of a recommendation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusViewed    Status = "viewed"
	StatusActioned  Status = "actioned"
	StatusDismissed Status = "dismissed"
)

var (
	// ErrNotFound is returned for unknown recommendation ids.
	ErrNotFound = errors.New("recommendation not found")
	// ErrInvalidStatus is returned for status values outside the lifecycle.
	ErrInvalidStatus = errors.New("invalid status")
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusViewed, StatusActioned, StatusDismissed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q (must be pending, viewed, actioned or dismissed)", ErrInvalidStatus, s)
}

// Record is a stored recommendation.
type Record struct {
	ID        string         `json:"id"`
	AgentName string         `json:"agent_name"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Priority  agent.Priority `json:"priority"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	ViewedAt  *time.Time     `json:"viewed_at,omitempty"`
	ActedAt   *time.Time     `json:"acted_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Filter selects recommendations. Zero fields do not filter.
type Filter struct {
	AgentName string
	Status    Status
	Priority  agent.Priority
	Limit     int
	Offset    int
}

// Store persists recommendations. Create satisfies agent.Recommender.
type Store interface {
	Create(ctx context.Context, rec agent.Recommendation) (string, error)
	Get(ctx context.Context, id string) (*Record, error)
	// UpdateStatus sets the status. viewed stamps ViewedAt; actioned and
	// dismissed stamp ActedAt.
	UpdateStatus(ctx context.Context, id string, status Status) error
	// List returns matches ordered urgent to low, newest first within a priority.
	List(ctx context.Context, f Filter) ([]Record, error)
	CountPending(ctx context.Context) (int, error)
	Delete(ctx context.Context, id string) error
}

// Stats summarises pending recommendations.
type Stats struct {
	TotalPending int            `json:"total_pending"`
	ByPriority   map[string]int `json:"by_priority"`
	ByAgent      map[string]int `json:"by_agent"`
}

// PendingStats computes statistics over pending recommendations.
func PendingStats(ctx context.Context, store Store) (Stats, error) {
	pending, err := store.List(ctx, Filter{Status: StatusPending, Limit: 1000})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		TotalPending: len(pending),
		ByPriority: map[string]int{
			string(agent.PriorityLow):    0,
			string(agent.PriorityNormal): 0,
			string(agent.PriorityHigh):   0,
			string(agent.PriorityUrgent): 0,
		},
		ByAgent: make(map[string]int),
	}
	for _, rec := range pending {
		stats.ByPriority[string(rec.Priority)]++
		stats.ByAgent[rec.AgentName]++
	}
	return stats, nil
}

func validate(rec agent.Recommendation) (agent.Priority, error) {
	if rec.Priority == "" {
		rec.Priority = agent.PriorityNormal
	}
	p, err := agent.ParsePriority(string(rec.Priority))
	if err != nil {
		return "", err
	}
	if rec.AgentName == "" || rec.Title == "" {
		return "", errors.New("recommendation needs an agent name and a title")
	}
	return p, nil
}

func applyStatus(rec *Record, status Status, at time.Time) {
	rec.Status = status
	switch status {
	case StatusViewed:
		rec.ViewedAt = &at
	case StatusActioned, StatusDismissed:
		rec.ActedAt = &at
	}
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		ri, rj := recs[i].Priority.Rank(), recs[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

func page(recs []Record, f Filter) []Record {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(recs) {
		return []Record{}
	}
	recs = recs[f.Offset:]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}
