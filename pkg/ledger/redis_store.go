package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/aide/agent"
)

// RedisStore keeps run records in Redis. Each record is a JSON value; a
// sorted set per agent and a global sorted set index them by start time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix (default: "aide:ledger:").
	Prefix string
	// TTL expires run records (0 = keep forever).
	TTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient creates a store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "aide:ledger:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client { return s.client }

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) runKey(id string) string {
	return s.prefix + "run:" + id
}

func (s *RedisStore) agentIndexKey(agentName string) string {
	return s.prefix + "agent:" + agentName
}

func (s *RedisStore) globalIndexKey() string {
	return s.prefix + "runs"
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, agentName string) (string, error) {
	rec := agent.RunRecord{
		ID:        uuid.NewString(),
		AgentName: agentName,
		StartedAt: time.Now().UTC(),
		Status:    agent.RunRunning,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal run: %w", err)
	}

	score := float64(rec.StartedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(rec.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.agentIndexKey(agentName), redis.Z{Score: score, Member: rec.ID})
	pipe.ZAdd(ctx, s.globalIndexKey(), redis.Z{Score: score, Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return rec.ID, nil
}

// Complete implements Store. The read-check-write runs under WATCH so two
// completions cannot both succeed.
func (s *RedisStore) Complete(ctx context.Context, id string, c Completion) error {
	key := s.runKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrRunNotFound
			}
			return fmt.Errorf("get run: %w", err)
		}
		var rec agent.RunRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal run: %w", err)
		}
		if err := finalize(&rec, c, time.Now().UTC()); err != nil {
			return err
		}
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		return nil
	}, key)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*agent.RunRecord, error) {
	data, err := s.client.Get(ctx, s.runKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	var rec agent.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &rec, nil
}

// LastRun implements Store.
func (s *RedisStore) LastRun(ctx context.Context, agentName string) (*agent.RunRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.agentIndexKey(agentName), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("last run: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rec, err := s.Get(ctx, ids[0])
	if errors.Is(err, ErrRunNotFound) {
		// Expired record still indexed.
		return nil, nil
	}
	return rec, err
}

// ListRecent implements Store.
func (s *RedisStore) ListRecent(ctx context.Context, filter agent.RunFilter) ([]agent.RunRecord, error) {
	filter = normalizeFilter(filter)
	index := s.globalIndexKey()
	if filter.AgentName != "" {
		index = s.agentIndexKey(filter.AgentName)
	}
	cutoff := time.Now().UTC().Add(-filter.Since).UnixNano()

	ids, err := s.client.ZRevRangeByScore(ctx, index, &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(cutoff, 10),
		Max:   "+inf",
		Count: int64(filter.Limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if len(ids) == 0 {
		return []agent.RunRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}

	out := make([]agent.RunRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec agent.RunRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
