package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MaxHistoryMessages bounds how many turns a thread keeps and returns by default.
const MaxHistoryMessages = 20

// Turn is one message of a conversation thread.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// History stores conversation threads.
type History interface {
	// Append adds turns to the end of a thread, creating it if needed.
	Append(ctx context.Context, threadID string, turns ...Turn) error
	// Recent returns up to limit of the newest turns, oldest first.
	Recent(ctx context.Context, threadID string, limit int) ([]Turn, error)
	// Clear removes all turns of a thread.
	Clear(ctx context.Context, threadID string) error
}

// MemoryHistory keeps threads in process.
type MemoryHistory struct {
	mu      sync.RWMutex
	threads map[string][]Turn
	max     int
}

// NewMemoryHistory creates a history that retains at most maxTurns per thread.
func NewMemoryHistory(maxTurns int) *MemoryHistory {
	if maxTurns <= 0 {
		maxTurns = MaxHistoryMessages * 5
	}
	return &MemoryHistory{threads: make(map[string][]Turn), max: maxTurns}
}

// Append implements History.
func (h *MemoryHistory) Append(ctx context.Context, threadID string, turns ...Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	thread := h.threads[threadID]
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		thread = append(thread, t)
	}
	if len(thread) > h.max {
		thread = thread[len(thread)-h.max:]
	}
	h.threads[threadID] = thread
	return nil
}

// Recent implements History.
func (h *MemoryHistory) Recent(ctx context.Context, threadID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = MaxHistoryMessages
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	thread := h.threads[threadID]
	if len(thread) > limit {
		thread = thread[len(thread)-limit:]
	}
	out := make([]Turn, len(thread))
	copy(out, thread)
	return out, nil
}

// Clear implements History.
func (h *MemoryHistory) Clear(ctx context.Context, threadID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.threads, threadID)
	return nil
}

// RedisHistory keeps each thread in a Redis list.
type RedisHistory struct {
	client *redis.Client
	prefix string
	max    int
	ttl    time.Duration
}

// NewRedisHistoryFromClient creates a Redis history from an existing client.
func NewRedisHistoryFromClient(client *redis.Client, prefix string, maxTurns int, ttl time.Duration) *RedisHistory {
	if prefix == "" {
		prefix = "aide:history:"
	}
	if maxTurns <= 0 {
		maxTurns = MaxHistoryMessages * 5
	}
	return &RedisHistory{client: client, prefix: prefix, max: maxTurns, ttl: ttl}
}

func (h *RedisHistory) threadKey(threadID string) string {
	return h.prefix + "thread:" + threadID
}

// Append implements History.
func (h *RedisHistory) Append(ctx context.Context, threadID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]any, 0, len(turns))
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		values = append(values, data)
	}

	key := h.threadKey(threadID)
	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, int64(-h.max), -1)
	if h.ttl > 0 {
		pipe.Expire(ctx, key, h.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Recent implements History.
func (h *RedisHistory) Recent(ctx context.Context, threadID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = MaxHistoryMessages
	}
	raw, err := h.client.LRange(ctx, h.threadKey(threadID), int64(-limit), -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read history: %w", err)
	}

	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Clear implements History.
func (h *RedisHistory) Clear(ctx context.Context, threadID string) error {
	if err := h.client.Del(ctx, h.threadKey(threadID)).Err(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
