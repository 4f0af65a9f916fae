package recommend

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/aide/agent"
)

// MemoryStore keeps recommendations in process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, rec agent.Recommendation) (string, error) {
	p, err := validate(rec)
	if err != nil {
		return "", err
	}
	r := &Record{
		ID:        uuid.NewString(),
		AgentName: rec.AgentName,
		Title:     rec.Title,
		Content:   rec.Content,
		Priority:  p,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		Metadata:  rec.Metadata,
	}

	s.mu.Lock()
	s.records[r.ID] = r
	s.mu.Unlock()

	log.Printf("[Recommend] Created recommendation %s: %s (priority: %s)", r.ID, r.Title, r.Priority)
	return r.ID, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	applyStatus(r, status, time.Now().UTC())
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.AgentName != "" && r.AgentName != f.AgentName {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Priority != "" && r.Priority != f.Priority {
			continue
		}
		out = append(out, *r)
	}
	s.mu.RUnlock()

	sortRecords(out)
	return page(out, f), nil
}

// CountPending implements Store.
func (s *MemoryStore) CountPending(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}
