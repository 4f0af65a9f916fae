package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/aide/agent"
)

// MemoryStore keeps run records in process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*agent.RunRecord
	order   []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*agent.RunRecord)}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, agentName string) (string, error) {
	rec := &agent.RunRecord{
		ID:        uuid.NewString(),
		AgentName: agentName,
		StartedAt: time.Now().UTC(),
		Status:    agent.RunRunning,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec.ID, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(ctx context.Context, id string, c Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrRunNotFound
	}
	return finalize(rec, c, time.Now().UTC())
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*agent.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *rec
	return &cp, nil
}

// LastRun implements Store.
func (s *MemoryStore) LastRun(ctx context.Context, agentName string) (*agent.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		if rec := s.records[s.order[i]]; rec.AgentName == agentName {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

// ListRecent implements Store.
func (s *MemoryStore) ListRecent(ctx context.Context, filter agent.RunFilter) ([]agent.RunRecord, error) {
	filter = normalizeFilter(filter)
	cutoff := time.Now().UTC().Add(-filter.Since)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]agent.RunRecord, 0)
	for i := len(s.order) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		rec := s.records[s.order[i]]
		if filter.AgentName != "" && rec.AgentName != filter.AgentName {
			continue
		}
		if rec.StartedAt.Before(cutoff) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}
