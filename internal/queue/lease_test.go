package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
	"github.com/cuongbtq/offchain-agent/shared/logger"
)

func TestFairShare(t *testing.T) {
	tests := []struct {
		partitions, members, want int
	}{
		{partitions: 4, members: 1, want: 4},
		{partitions: 4, members: 2, want: 2},
		{partitions: 4, members: 3, want: 2},
		{partitions: 4, members: 5, want: 1},
		{partitions: 4, members: 0, want: 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FairShare(tt.partitions, tt.members))
	}
}

func TestPartitionFor(t *testing.T) {
	id := uuid.NewString()
	p := PartitionFor(id, 8)
	assert.Equal(t, p, PartitionFor(id, 8), "partition must be stable for a key")
	assert.GreaterOrEqual(t, p, 0)
	assert.Less(t, p, 8)
	assert.Equal(t, 0, PartitionFor(id, 1))
}

func TestStreamIDTime(t *testing.T) {
	ts, ok := StreamIDTime("1700000000123-4")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000123), ts.UnixMilli())

	_, ok = StreamIDTime("")
	assert.False(t, ok)
	_, ok = StreamIDTime("abc-1")
	assert.False(t, ok)
}

func TestCoordinator_RebalanceAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	table := NewMemoryLeaseTable(func() time.Time { return now })
	ttl := 10 * time.Second

	a := NewCoordinator(table, "media:workers", "worker-a", 4, ttl, logger.NewNop())
	b := NewCoordinator(table, "media:workers", "worker-b", 4, ttl, logger.NewNop())

	owned, err := a.Rebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, owned, "a lone member owns every partition")

	// b joins: it finds nothing free until a sheds its surplus
	owned, err = b.Rebalance(ctx)
	require.NoError(t, err)
	assert.Empty(t, owned)

	ownedA, err := a.Rebalance(ctx)
	require.NoError(t, err)
	assert.Len(t, ownedA, 2)

	ownedB, err := b.Rebalance(ctx)
	require.NoError(t, err)
	assert.Len(t, ownedB, 2)
	assertDisjoint(t, ownedA, ownedB)
	assertOwners(t, table, "media:workers", 4)

	// a stops heartbeating; once its leases expire b takes over
	now = now.Add(ttl + time.Second)
	ownedB, err = b.Rebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, ownedB)

	// a comes back and finds its old leases gone
	ownedA, err = a.Rebalance(ctx)
	require.NoError(t, err)
	assert.Empty(t, ownedA)
}

func TestCoordinator_StopReleases(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryLeaseTable(nil)

	a := NewCoordinator(table, "g", "worker-a", 2, time.Minute, logger.NewNop())
	_, err := a.Rebalance(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Stop(ctx))

	members, err := table.LiveMembers(ctx, "g")
	require.NoError(t, err)
	assert.Empty(t, members)

	owner, err := table.Owner(ctx, "g", 0)
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestRedisLeaseTable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	table := NewRedisLeaseTable(rdb, "test")
	ttl := 5 * time.Second

	ok, err := table.Acquire(ctx, "g", 0, "a", ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = table.Acquire(ctx, "g", 0, "b", ttl)
	require.NoError(t, err)
	assert.False(t, ok, "a held lease cannot be acquired")

	ok, err = table.Renew(ctx, "g", 0, "b", ttl)
	require.NoError(t, err)
	assert.False(t, ok, "only the owner may renew")

	ok, err = table.Renew(ctx, "g", 0, "a", ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, table.Release(ctx, "g", 0, "b"))
	owner, err := table.Owner(ctx, "g", 0)
	require.NoError(t, err)
	assert.Equal(t, "a", owner, "release by a non-owner is ignored")

	mr.FastForward(ttl + time.Second)
	owner, err = table.Owner(ctx, "g", 0)
	require.NoError(t, err)
	assert.Empty(t, owner)

	ok, err = table.Acquire(ctx, "g", 0, "b", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is reassigned")
}

func TestRedisLeaseTable_Members(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	now := time.Now()
	table := NewRedisLeaseTable(rdb, "test")
	table.now = func() time.Time { return now }

	require.NoError(t, table.Heartbeat(ctx, "g", "a", 10*time.Second))
	require.NoError(t, table.Heartbeat(ctx, "g", "b", 30*time.Second))

	members, err := table.LiveMembers(ctx, "g")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	now = now.Add(20 * time.Second)
	members, err = table.LiveMembers(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	require.NoError(t, table.Leave(ctx, "g", "b"))
	members, err = table.LiveMembers(ctx, "g")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestStreamClient_PublishPartitions(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	so := StreamOptions{Prefix: "jobs", Partitions: 4, Group: "workers", Consumer: "w1"}
	client := NewStreamClient(rdb, NewMemoryLeaseTable(nil), so, testOptions(), logger.NewNop())

	env := newEnvelope()
	require.NoError(t, client.Publish(ctx, testQueue, env))
	require.NoError(t, client.Publish(ctx, testQueue, env.Redelivery()))

	p := PartitionFor(env.JobID.String(), 4)
	n, err := rdb.XLen(ctx, StreamKey("jobs", testQueue, p)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "copies of one job land on the same partition")

	for i := 0; i < 4; i++ {
		assert.True(t, mr.Exists(StreamKey("jobs", testQueue, i)), "every partition stream is created with its group")
	}
}

func TestStreamClient_ConsumeRedeliversAndCommits(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	so := StreamOptions{
		Prefix:            "jobs",
		Partitions:        2,
		Group:             "workers",
		Consumer:          "w1",
		VisibilityTimeout: time.Minute,
		LeaseTTL:          300 * time.Millisecond,
		Block:             50 * time.Millisecond,
	}
	client := NewStreamClient(rdb, NewMemoryLeaseTable(nil), so, testOptions(), logger.NewNop())

	env := newEnvelope()
	require.NoError(t, client.Publish(ctx, testQueue, env))

	attempts := make(chan uint32, 4)
	stop := runConsumer(t, client, func(ctx context.Context, e envelope.Envelope) error {
		attempts <- e.Attempt
		if e.Attempt == 0 {
			return domain.NewTransientError(errors.New("flaky"))
		}
		return nil
	})

	for _, want := range []uint32{0, 1} {
		select {
		case got := <-attempts:
			assert.Equal(t, want, got)
		case <-time.After(3 * time.Second):
			t.Fatalf("delivery with attempt %d not received", want)
		}
	}

	stream := StreamKey("jobs", testQueue, PartitionFor(env.JobID.String(), 2))
	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, stream, "workers").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond, "both deliveries are committed")
	require.NoError(t, stop())
}

func TestStreamClient_ReclaimsCrashedConsumerEntries(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	so := StreamOptions{
		Prefix:            "jobs",
		Partitions:        1,
		Group:             "workers",
		Consumer:          "w1",
		VisibilityTimeout: 100 * time.Millisecond,
		LeaseTTL:          300 * time.Millisecond,
		Block:             20 * time.Millisecond,
	}
	client := NewStreamClient(rdb, NewMemoryLeaseTable(nil), so, testOptions(), logger.NewNop())

	env := newEnvelope()
	require.NoError(t, client.Publish(ctx, testQueue, env))

	// w0 reads the entry and dies before settling it
	stream := StreamKey("jobs", testQueue, 0)
	res, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "workers",
		Consumer: "w0",
		Streams:  []string{stream, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, res[0].Messages, 1)

	attempts := make(chan uint32, 2)
	stop := runConsumer(t, client, func(ctx context.Context, e envelope.Envelope) error {
		attempts <- e.Attempt
		return nil
	})

	select {
	case got := <-attempts:
		assert.Equal(t, uint32(1), got, "a reclaimed entry counts the lost delivery")
	case <-time.After(3 * time.Second):
		t.Fatal("pending entry was not reclaimed")
	}

	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, stream, "workers").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
}

func TestStreamClient_RequeuedDeliveriesCountTowardsLimit(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	so := StreamOptions{
		Prefix:     "jobs",
		Partitions: 1,
		Group:      "workers",
		Consumer:   "w1",
		LeaseTTL:   300 * time.Millisecond,
		Block:      20 * time.Millisecond,
	}
	client := NewStreamClient(rdb, NewMemoryLeaseTable(nil), so, testOptions(), logger.NewNop())

	env := newEnvelope()
	body, err := envelope.Encode(env)
	require.NoError(t, err)
	stream := StreamKey("jobs", testQueue, 0)
	require.NoError(t, rdb.XGroupCreateMkStream(ctx, stream, "workers", "0").Err())
	// An entry requeued after three unsettled deliveries
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"body": body, "deliveries": 3},
	}).Err())

	called := make(chan struct{}, 1)
	stop := runConsumer(t, client, func(ctx context.Context, e envelope.Envelope) error {
		called <- struct{}{}
		return nil
	})

	dead := DeadStreamKey("jobs", testQueue)
	require.Eventually(t, func() bool {
		n, err := rdb.XLen(ctx, dead).Result()
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	assert.Empty(t, called, "the handler must not run past the delivery limit")

	msgs, err := rdb.XRange(ctx, dead, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Values["reason"], "max deliveries exceeded")
}

func assertDisjoint(t *testing.T, a, b []int) {
	t.Helper()
	seen := make(map[int]bool)
	for _, p := range a {
		seen[p] = true
	}
	for _, p := range b {
		assert.False(t, seen[p], "partition %d owned twice", p)
	}
}

func assertOwners(t *testing.T, table LeaseTable, group string, partitions int) {
	t.Helper()
	for p := 0; p < partitions; p++ {
		owner, err := table.Owner(context.Background(), group, p)
		require.NoError(t, err)
		assert.NotEmpty(t, owner, "partition %d has no owner", p)
	}
}
