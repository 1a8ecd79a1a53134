package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLeaseTable keeps leases as SET NX PX keys and member heartbeats as a
// sorted set scored by expiry
type RedisLeaseTable struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLeaseTable creates a lease table under prefix
func NewRedisLeaseTable(rdb *redis.Client, prefix string) *RedisLeaseTable {
	return &RedisLeaseTable{rdb: rdb, prefix: prefix, now: time.Now}
}

func (t *RedisLeaseTable) leaseKey(group string, partition int) string {
	return fmt.Sprintf("%s:lease:%s:%d", t.prefix, group, partition)
}

func (t *RedisLeaseTable) membersKey(group string) string {
	return fmt.Sprintf("%s:members:%s", t.prefix, group)
}

func (t *RedisLeaseTable) Heartbeat(ctx context.Context, group, member string, ttl time.Duration) error {
	expires := t.now().Add(ttl).UnixMilli()
	return t.rdb.ZAdd(ctx, t.membersKey(group), redis.Z{Score: float64(expires), Member: member}).Err()
}

func (t *RedisLeaseTable) Leave(ctx context.Context, group, member string) error {
	return t.rdb.ZRem(ctx, t.membersKey(group), member).Err()
}

func (t *RedisLeaseTable) LiveMembers(ctx context.Context, group string) ([]string, error) {
	key := t.membersKey(group)
	cutoff := "(" + strconv.FormatInt(t.now().UnixMilli(), 10)
	if err := t.rdb.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		return nil, err
	}
	return t.rdb.ZRange(ctx, key, 0, -1).Result()
}

func (t *RedisLeaseTable) Acquire(ctx context.Context, group string, partition int, member string, ttl time.Duration) (bool, error) {
	return t.rdb.SetNX(ctx, t.leaseKey(group, partition), member, ttl).Result()
}

func (t *RedisLeaseTable) Renew(ctx context.Context, group string, partition int, member string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, t.rdb, []string{t.leaseKey(group, partition)}, member, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *RedisLeaseTable) Release(ctx context.Context, group string, partition int, member string) error {
	return releaseScript.Run(ctx, t.rdb, []string{t.leaseKey(group, partition)}, member).Err()
}

func (t *RedisLeaseTable) Owner(ctx context.Context, group string, partition int) (string, error) {
	owner, err := t.rdb.Get(ctx, t.leaseKey(group, partition)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}
