package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/offchain-agent/internal/config"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
	"github.com/cuongbtq/offchain-agent/internal/queue"
	"github.com/cuongbtq/offchain-agent/shared/logger"
)

func TestInitQueue_PullMode(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{Queue: config.QueueConfig{
		Mode:          config.QueueModePull,
		Names:         config.QueueNames{Media: "media", Embedding: "embedding", Backup: "backup"},
		Partitions:    2,
		Group:         "workers",
		Consumer:      "w1",
		MaxDeliveries: 3,
	}}

	client, closer, err := InitQueue(cfg, rdb, logger.NewNop())
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, queue.ModePull, client.Mode())

	env := envelope.New(uuid.New(), envelope.JobTypeBackup, "backup://all")
	require.NoError(t, client.Publish(context.Background(), "backup", env))

	var total int64
	for p := 0; p < 2; p++ {
		n, err := rdb.XLen(context.Background(), queue.StreamKey("jobs", "backup", p)).Result()
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, int64(1), total)
}

func TestInitQueue_UnknownMode(t *testing.T) {
	_, _, err := InitQueue(&config.Config{Queue: config.QueueConfig{Mode: "kafka"}}, nil, logger.NewNop())
	assert.Error(t, err)
}

func TestStreamOptions(t *testing.T) {
	so := StreamOptions(&config.QueueConfig{Partitions: 8, Group: "g", Consumer: "c"})
	assert.Equal(t, "jobs", so.Prefix)
	assert.Equal(t, 8, so.Partitions)
	assert.Equal(t, "c", so.Consumer)

	so = StreamOptions(&config.QueueConfig{})
	assert.NotEmpty(t, so.Consumer)
}

func TestQueueOptions(t *testing.T) {
	opts := QueueOptions(&config.QueueConfig{
		MaxDeliveries: 7,
		Prefetch:      3,
		Publish:       config.RetryConfig{MaxAttempts: 2},
	})
	assert.Equal(t, 7, opts.MaxDeliveries)
	assert.Equal(t, 3, opts.Concurrency)
	assert.Equal(t, 2, opts.PublishRetry.MaxAttempts)
}
