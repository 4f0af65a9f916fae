// Package memory provides the long-term memory, knowledge base and
// conversation history collaborators used by agents.
package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a memory, knowledge item or thread does not exist.
var ErrNotFound = errors.New("not found")

// DefaultUser is the user id used when callers do not provide one.
const DefaultUser = "default"

// Config holds configuration for the memory store
type Config struct {
	MaxMemories         int     // Maximum number of memories retained per user
	SimilarityThreshold float64 // Minimum similarity score for search results
}

// Memory is a remembered fact about a user.
type Memory struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Score     float64        `json:"score,omitempty"`
}

type storedMemory struct {
	Memory
	vector termVector
}

// Store keeps memories in process and ranks them with a bag-of-words cosine
// similarity.
type Store struct {
	config   Config
	memories map[string][]storedMemory
	mu       sync.RWMutex
}

// NewStore creates an empty memory store.
func NewStore(cfg Config) *Store {
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = 500
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.1
	}
	return &Store{
		config:   cfg,
		memories: make(map[string][]storedMemory),
	}
}

// Add stores a memory for the user. The oldest memory is evicted when the
// user is over capacity.
func (s *Store) Add(ctx context.Context, userID, content string, metadata map[string]any) (Memory, error) {
	if strings.TrimSpace(content) == "" {
		return Memory{}, errors.New("memory content is empty")
	}
	if userID == "" {
		userID = DefaultUser
	}

	mem := Memory{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.memories[userID], storedMemory{Memory: mem, vector: vectorize(content)})
	if len(list) > s.config.MaxMemories {
		list = list[len(list)-s.config.MaxMemories:]
	}
	s.memories[userID] = list
	return mem, nil
}

// Search returns the user's memories most similar to query, best first.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]Memory, error) {
	if userID == "" {
		userID = DefaultUser
	}
	if limit <= 0 {
		limit = 5
	}
	qv := vectorize(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	scored := make([]Memory, 0)
	for _, m := range s.memories[userID] {
		score := cosineSimilarity(qv, m.vector)
		if score >= s.config.SimilarityThreshold {
			mem := m.Memory
			mem.Score = score
			scored = append(scored, mem)
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if limit < len(scored) {
		scored = scored[:limit]
	}
	return scored, nil
}

// All returns every memory for the user, newest first.
func (s *Store) All(ctx context.Context, userID string) ([]Memory, error) {
	if userID == "" {
		userID = DefaultUser
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.memories[userID]
	out := make([]Memory, len(list))
	for i, m := range list {
		out[len(list)-1-i] = m.Memory
	}
	return out, nil
}

// Delete removes a memory by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for user, list := range s.memories {
		for i, m := range list {
			if m.ID == id {
				s.memories[user] = append(list[:i], list[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}

// Clear removes all memories of a user.
func (s *Store) Clear(ctx context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memories, userID)
}

// Count returns the number of stored memories across users.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, list := range s.memories {
		n += len(list)
	}
	return n
}

// termVector is a sparse term-frequency vector.
type termVector map[string]float64

func vectorize(text string) termVector {
	v := make(termVector)
	for _, tok := range tokenize(text) {
		v[tok]++
	}
	return v
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// cosineSimilarity computes cosine similarity between two term vectors
func cosineSimilarity(a, b termVector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for term, wa := range a {
		normA += wa * wa
		if wb, ok := b[term]; ok {
			dotProduct += wa * wb
		}
	}
	for _, wb := range b {
		normB += wb * wb
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
