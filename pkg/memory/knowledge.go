package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Knowledge is a curated item in the knowledge base.
type Knowledge struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Score     float64   `json:"score,omitempty"`
}

// KnowledgeBase holds categorised knowledge items.
type KnowledgeBase struct {
	mu        sync.RWMutex
	items     map[string]Knowledge
	vectors   map[string]termVector
	order     []string
	threshold float64
}

// NewKnowledgeBase creates an empty knowledge base.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		items:     make(map[string]Knowledge),
		vectors:   make(map[string]termVector),
		threshold: 0.1,
	}
}

// Add inserts an item and returns it with its assigned id.
func (kb *KnowledgeBase) Add(ctx context.Context, item Knowledge) (Knowledge, error) {
	if strings.TrimSpace(item.Title) == "" && strings.TrimSpace(item.Content) == "" {
		return Knowledge{}, errors.New("knowledge item needs a title or content")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Category == "" {
		item.Category = "general"
	}
	item.UpdatedAt = time.Now().UTC()
	item.Score = 0

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.items[item.ID]; !exists {
		kb.order = append(kb.order, item.ID)
	}
	kb.items[item.ID] = item
	kb.vectors[item.ID] = vectorize(item.Title + " " + item.Content + " " + strings.Join(item.Tags, " "))
	return item, nil
}

// Update replaces the content of an existing item.
func (kb *KnowledgeBase) Update(ctx context.Context, id, content string) (Knowledge, error) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	item, ok := kb.items[id]
	if !ok {
		return Knowledge{}, ErrNotFound
	}
	item.Content = content
	item.UpdatedAt = time.Now().UTC()
	kb.items[id] = item
	kb.vectors[id] = vectorize(item.Title + " " + item.Content + " " + strings.Join(item.Tags, " "))
	return item, nil
}

// Delete removes an item.
func (kb *KnowledgeBase) Delete(ctx context.Context, id string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, ok := kb.items[id]; !ok {
		return ErrNotFound
	}
	delete(kb.items, id)
	delete(kb.vectors, id)
	for i, existing := range kb.order {
		if existing == id {
			kb.order = append(kb.order[:i], kb.order[i+1:]...)
			break
		}
	}
	return nil
}

// Search returns the items most similar to query, best first.
func (kb *KnowledgeBase) Search(ctx context.Context, query string, limit int) ([]Knowledge, error) {
	if limit <= 0 {
		limit = 5
	}
	qv := vectorize(query)

	kb.mu.RLock()
	defer kb.mu.RUnlock()

	results := make([]Knowledge, 0)
	for _, id := range kb.order {
		score := cosineSimilarity(qv, kb.vectors[id])
		if score < kb.threshold {
			continue
		}
		item := kb.items[id]
		item.Score = score
		results = append(results, item)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}

// ByCategory lists the items of a category in insertion order.
func (kb *KnowledgeBase) ByCategory(ctx context.Context, category string) ([]Knowledge, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	results := make([]Knowledge, 0)
	for _, id := range kb.order {
		if item := kb.items[id]; strings.EqualFold(item.Category, category) {
			results = append(results, item)
		}
	}
	return results, nil
}

// All lists every item in insertion order.
func (kb *KnowledgeBase) All(ctx context.Context) ([]Knowledge, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	results := make([]Knowledge, 0, len(kb.order))
	for _, id := range kb.order {
		results = append(results, kb.items[id])
	}
	return results, nil
}

// Categories returns the distinct categories, sorted.
func (kb *KnowledgeBase) Categories() []string {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, item := range kb.items {
		seen[item.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
