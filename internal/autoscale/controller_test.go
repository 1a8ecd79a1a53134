package autoscale

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/offchain-agent/internal/envelope"
	"github.com/cuongbtq/offchain-agent/internal/metrics"
	"github.com/cuongbtq/offchain-agent/internal/queue"
	"github.com/cuongbtq/offchain-agent/shared/logger"
	"github.com/cuongbtq/offchain-agent/shared/retry"
)

type recordingEmitter struct {
	mu        sync.Mutex
	decisions []Decision
}

func (r *recordingEmitter) Emit(ctx context.Context, d Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return nil
}

func TestController_TickFollowsQueueDepth(t *testing.T) {
	ctx := context.Background()
	client := queue.NewMemoryClient(queue.NewMemoryBroker(time.Minute), queue.DefaultOptions(), logger.NewNop())

	policy := testPolicy()
	policy.HighWater = 5
	policy.MessagesPerWorker = 2
	rec := &recordingEmitter{}
	c := NewController(client, "autoscale-test", policy, time.Second, 0, []Emitter{rec, GaugeEmitter{}}, logger.NewNop())
	assert.Equal(t, 1, c.Current(), "initial count is clamped to the floor")

	for i := 0; i < 9; i++ {
		env := envelope.New(uuid.New(), envelope.JobTypeExtractMedia, "s3://media/a.mp4")
		require.NoError(t, client.Publish(ctx, "autoscale-test", env))
	}

	d, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, d.Target)
	assert.Equal(t, 1, d.Previous)
	assert.Equal(t, ReasonBacklog, d.Reason)
	assert.Equal(t, int64(9), d.Sample.Depth)
	assert.Equal(t, 5, c.Current())
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.ScaleTarget.WithLabelValues("autoscale-test")))
	require.Len(t, rec.decisions, 1)
}

func TestWebhookEmitter(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
		got   Decision
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := NewWebhookEmitter(srv.URL, srv.Client(), retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	err := e.Emit(context.Background(), Decision{Queue: "media", Target: 7, Previous: 3, Reason: ReasonBacklog})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 7, got.Target)
	assert.Equal(t, "media", got.Queue)
}

func TestWebhookEmitter_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewWebhookEmitter(srv.URL, srv.Client(), retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	assert.Error(t, e.Emit(context.Background(), Decision{Queue: "media", Target: 1}))
	assert.Equal(t, int32(1), calls.Load())
}
