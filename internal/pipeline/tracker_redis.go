package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// RedisTracker keeps one hash per parent job, one field per modality. HSETNX
// makes the first report win across workers.
type RedisTracker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisTracker creates a tracker whose hashes expire after ttl
func NewRedisTracker(rdb *redis.Client, prefix string, ttl, poll time.Duration) *RedisTracker {
	if prefix == "" {
		prefix = "pipeline"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &RedisTracker{rdb: rdb, prefix: prefix, ttl: ttl, poll: poll}
}

func (t *RedisTracker) key(parent uuid.UUID) string {
	return fmt.Sprintf("%s:job:%s", t.prefix, parent)
}

func (t *RedisTracker) Report(ctx context.Context, parent uuid.UUID, result ModalityResult) (bool, error) {
	value, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal modality result: %w", err)
	}

	key := t.key(parent)
	var set *redis.BoolCmd
	_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		set = pipe.HSetNX(ctx, key, string(result.Modality), value)
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to report modality result: %w", err)
	}
	return set.Val(), nil
}

func (t *RedisTracker) Results(ctx context.Context, parent uuid.UUID) (map[domain.Modality]ModalityResult, error) {
	fields, err := t.rdb.HGetAll(ctx, t.key(parent)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read modality results: %w", err)
	}

	out := make(map[domain.Modality]ModalityResult, len(fields))
	for field, value := range fields {
		var r ModalityResult
		if err := json.Unmarshal([]byte(value), &r); err != nil {
			return nil, fmt.Errorf("failed to decode result of %s: %w", field, err)
		}
		out[domain.Modality(field)] = r
	}
	return out, nil
}

func (t *RedisTracker) Wait(ctx context.Context, parent uuid.UUID, expected []domain.Modality) (map[domain.Modality]ModalityResult, error) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	results := map[domain.Modality]ModalityResult{}
	for {
		current, err := t.Results(ctx, parent)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			return results, err
		}
		results = current
		if complete(results, expected) {
			return results, nil
		}

		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-ticker.C:
		}
	}
}
