package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger remembers which replicas were snapshotted on a given UTC date
type Ledger interface {
	Mark(ctx context.Context, date, replicaID string) error
	Done(ctx context.Context, date string) (map[string]bool, error)
}

// DateKey formats t as the ledger's date key
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RedisLedger keeps one set per date under backup:done:<date>
type RedisLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLedger creates a ledger whose sets expire after ttl
func NewRedisLedger(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisLedger{rdb: rdb, ttl: ttl}
}

func ledgerKey(date string) string {
	return "backup:done:" + date
}

func (l *RedisLedger) Mark(ctx context.Context, date, replicaID string) error {
	key := ledgerKey(date)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, replicaID)
		pipe.Expire(ctx, key, l.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s done: %w", replicaID, err)
	}
	return nil
}

func (l *RedisLedger) Done(ctx context.Context, date string) (map[string]bool, error) {
	ids, err := l.rdb.SMembers(ctx, ledgerKey(date)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read backup ledger: %w", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// MemoryLedger is an in-process Ledger
type MemoryLedger struct {
	mu   sync.Mutex
	done map[string]map[string]bool
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{done: make(map[string]map[string]bool)}
}

func (l *MemoryLedger) Mark(ctx context.Context, date, replicaID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done[date] == nil {
		l.done[date] = make(map[string]bool)
	}
	l.done[date][replicaID] = true
	return nil
}

func (l *MemoryLedger) Done(ctx context.Context, date string) (map[string]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]bool, len(l.done[date]))
	for id := range l.done[date] {
		out[id] = true
	}
	return out, nil
}
