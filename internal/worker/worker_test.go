package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/offchain-agent/internal/backup"
	"github.com/cuongbtq/offchain-agent/internal/cancel"
	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
	"github.com/cuongbtq/offchain-agent/internal/pipeline"
	"github.com/cuongbtq/offchain-agent/internal/queue"
	"github.com/cuongbtq/offchain-agent/internal/worker/storage"
	"github.com/cuongbtq/offchain-agent/shared/logger"
	"github.com/cuongbtq/offchain-agent/shared/retry"
)

const maxDeliveries = 3

var testQueues = Queues{Media: "media", Embedding: "embedding", Backup: "backup"}

type fakeMedia struct {
	extract func(ctx context.Context, env envelope.Envelope) (*domain.OutcomeReport, error)
	embed   func(ctx context.Context, env envelope.Envelope) error
	calls   atomic.Int32
}

func (f *fakeMedia) HandleExtract(ctx context.Context, env envelope.Envelope) (*domain.OutcomeReport, error) {
	f.calls.Add(1)
	return f.extract(ctx, env)
}

func (f *fakeMedia) HandleEmbedding(ctx context.Context, env envelope.Envelope) error {
	f.calls.Add(1)
	return f.embed(ctx, env)
}

type fakeBackup struct {
	got chan backup.Request
}

func (f *fakeBackup) Run(ctx context.Context, jobID string, req backup.Request) (*domain.OutcomeReport, error) {
	f.got <- req
	report := &domain.OutcomeReport{JobID: jobID}
	report.Add(domain.UnitOutcome{Unit: "R1", Status: domain.UnitSucceeded, Attempts: 1})
	report.Add(domain.UnitOutcome{Unit: "R2", Status: domain.UnitFailed, ErrorClass: domain.ClassTransient})
	report.Finalize()
	return report, nil
}

type harness struct {
	broker *queue.MemoryBroker
	client *queue.Client
	store  *storage.MemoryStorage
	bus    *cancel.MemoryBus
}

func newHarness(t *testing.T, media MediaHandler, runner BackupRunner) *harness {
	t.Helper()
	fast := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	h := &harness{
		broker: queue.NewMemoryBroker(time.Minute),
		store:  storage.NewMemoryStorage(),
		bus:    cancel.NewMemoryBus(),
	}
	h.client = queue.NewMemoryClient(h.broker, queue.Options{
		MaxDeliveries: maxDeliveries,
		Concurrency:   2,
		PublishRetry:  fast,
		ReceiveRetry:  fast,
		SettleTimeout: time.Second,
	}, logger.NewNop())

	w := NewWorker(&Config{
		Logger:            logger.NewNop(),
		Consumer:          h.client,
		Store:             h.store,
		Media:             media,
		Backup:            runner,
		Cancels:           cancel.NewRegistry(time.Minute),
		CancelBus:         h.bus,
		Queues:            testQueues,
		JobTimeout:        5 * time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
		MaxDeliveries:     maxDeliveries,
	})

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})

	require.Eventually(t, func() bool { return h.bus.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) publish(t *testing.T, queueName string, env envelope.Envelope) {
	t.Helper()
	require.NoError(t, h.client.Publish(context.Background(), queueName, env))
}

func (h *harness) waitStatus(t *testing.T, jobID uuid.UUID, status string) *domain.JobRun {
	t.Helper()
	var run *domain.JobRun
	require.Eventually(t, func() bool {
		got, err := h.store.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		run = got
		return got.Status == status
	}, 3*time.Second, 5*time.Millisecond, "job never reached %s", status)
	return run
}

func (h *harness) waitSettled(t *testing.T, queueName string) {
	t.Helper()
	require.Eventually(t, func() bool {
		ready, inflight := h.broker.Pending(queueName)
		return ready == 0 && inflight == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func mediaEnvelope() envelope.Envelope {
	env := envelope.New(uuid.New(), envelope.JobTypeExtractMedia, "s3://media/S1.mp4")
	env.SourceID = "S1"
	return env
}

func reportWith(status domain.RunStatus) func(context.Context, envelope.Envelope) (*domain.OutcomeReport, error) {
	return func(_ context.Context, env envelope.Envelope) (*domain.OutcomeReport, error) {
		return &domain.OutcomeReport{JobID: env.JobID.String(), Status: status}, nil
	}
}

func TestWorker_RecordsJobOutcome(t *testing.T) {
	tests := []struct {
		name       string
		extract    func(context.Context, envelope.Envelope) (*domain.OutcomeReport, error)
		wantStatus string
		wantStage  string
		wantReason string
		wantDead   bool
	}{
		{
			name:       "completed report",
			extract:    reportWith(domain.RunCompleted),
			wantStatus: domain.JobStatusCompleted,
			wantStage:  string(domain.StageReceived),
		},
		{
			name:       "partial report",
			extract:    reportWith(domain.RunPartial),
			wantStatus: domain.JobStatusPartial,
			wantStage:  string(domain.StageReceived),
		},
		{
			name: "permanent stage failure",
			extract: func(context.Context, envelope.Envelope) (*domain.OutcomeReport, error) {
				return nil, &pipeline.FailureError{
					Stage:  domain.StageFetching,
					Reason: domain.ReasonFetchError,
					Err:    domain.NewPermanentError(errors.New("object not found")),
				}
			},
			wantStatus: domain.JobStatusFailed,
			wantStage:  string(domain.StageFailed),
			wantReason: string(domain.ReasonFetchError),
			wantDead:   true,
		},
		{
			name: "transient failure on every delivery",
			extract: func(context.Context, envelope.Envelope) (*domain.OutcomeReport, error) {
				return nil, domain.NewTransientError(errors.New("ml endpoint unavailable"))
			},
			wantStatus: domain.JobStatusFailed,
			wantStage:  string(domain.StageFailed),
			wantReason: "ml endpoint unavailable",
			wantDead:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			media := &fakeMedia{extract: tt.extract}
			h := newHarness(t, media, nil)
			env := mediaEnvelope()
			h.publish(t, "media", env)

			run := h.waitStatus(t, env.JobID, tt.wantStatus)
			h.waitSettled(t, "media")

			assert.Equal(t, tt.wantStage, run.Stage)
			assert.Contains(t, run.Reason, tt.wantReason)
			assert.Equal(t, tt.wantDead, len(h.broker.DeadLetters("media")) == 1)
		})
	}
}

func TestWorker_TransientFailureIsRetried(t *testing.T) {
	media := &fakeMedia{extract: func(_ context.Context, env envelope.Envelope) (*domain.OutcomeReport, error) {
		if env.Attempt == 0 {
			return nil, domain.NewTransientError(errors.New("timeout"))
		}
		return &domain.OutcomeReport{JobID: env.JobID.String(), Status: domain.RunCompleted}, nil
	}}
	h := newHarness(t, media, nil)
	env := mediaEnvelope()
	h.publish(t, "media", env)

	run := h.waitStatus(t, env.JobID, domain.JobStatusCompleted)
	h.waitSettled(t, "media")

	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, int32(2), media.calls.Load())
	assert.Empty(t, h.broker.DeadLetters("media"))
}

func TestWorker_CancelAbortsRunningJob(t *testing.T) {
	started := make(chan struct{})
	media := &fakeMedia{extract: func(ctx context.Context, env envelope.Envelope) (*domain.OutcomeReport, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, media, nil)
	env := mediaEnvelope()
	h.publish(t, "media", env)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	require.NoError(t, h.bus.Publish(context.Background(), env.JobID))

	run := h.waitStatus(t, env.JobID, domain.JobStatusCanceled)
	h.waitSettled(t, "media")

	assert.Equal(t, string(domain.StageFailed), run.Stage)
	assert.Equal(t, string(domain.ReasonCancelled), run.Reason)
	assert.Empty(t, h.broker.DeadLetters("media"), "cancelled jobs are acked")
}

func TestWorker_SkipsFinishedJobs(t *testing.T) {
	media := &fakeMedia{extract: reportWith(domain.RunCompleted)}
	h := newHarness(t, media, nil)
	env := mediaEnvelope()
	h.store.Seed(domain.JobRun{JobID: env.JobID.String(), JobType: string(env.JobType), Status: domain.JobStatusCanceled})

	h.publish(t, "media", env)
	h.waitSettled(t, "media")

	assert.Equal(t, int32(0), media.calls.Load())
	run, err := h.store.Get(context.Background(), env.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, run.Status)
}

func TestWorker_Backup(t *testing.T) {
	runner := &fakeBackup{got: make(chan backup.Request, 1)}
	h := newHarness(t, nil, runner)

	req := backup.Request{ReplicaIDs: []string{"R1", "R2"}}
	env := envelope.New(uuid.New(), envelope.JobTypeBackup, req.PayloadRef())
	h.publish(t, "backup", env)

	run := h.waitStatus(t, env.JobID, domain.JobStatusPartial)
	h.waitSettled(t, "backup")
	assert.Equal(t, req.ReplicaIDs, (<-runner.got).ReplicaIDs)

	var report domain.OutcomeReport
	require.NoError(t, json.Unmarshal(run.Outcome, &report))
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "R2", report.Failed()[0].Unit)
}

func TestWorker_InvalidBackupRequestIsDeadLettered(t *testing.T) {
	runner := &fakeBackup{got: make(chan backup.Request, 1)}
	h := newHarness(t, nil, runner)

	env := envelope.New(uuid.New(), envelope.JobTypeBackup, "s3://not-a-backup")
	h.publish(t, "backup", env)

	run := h.waitStatus(t, env.JobID, domain.JobStatusFailed)
	h.waitSettled(t, "backup")

	assert.Equal(t, string(domain.StageFailed), run.Stage)
	assert.Len(t, h.broker.DeadLetters("backup"), 1)
	assert.Empty(t, runner.got)
}

func TestWorker_CancellingParentAbortsSubJobs(t *testing.T) {
	started := make(chan struct{})
	media := &fakeMedia{embed: func(ctx context.Context, env envelope.Envelope) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newHarness(t, media, nil)

	parent := mediaEnvelope()
	sub := parent.SubJob(domain.ModalityAudio, "s3://media/artifacts/S1/audio/abc")
	h.publish(t, "embedding", sub)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("sub-job never started")
	}
	require.NoError(t, h.bus.Publish(context.Background(), parent.JobID))
	h.waitSettled(t, "embedding")

	assert.Empty(t, h.broker.DeadLetters("embedding"))
	_, err := h.store.Get(context.Background(), sub.JobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound, "sub-jobs are not recorded in the ledger")
}

func TestOutcome(t *testing.T) {
	w := NewWorker(&Config{Logger: logger.NewNop(), MaxDeliveries: 3})
	live := context.Background()
	stopped, stop := context.WithCancel(context.Background())
	stop()

	env := mediaEnvelope()
	last := env
	last.Attempt = 2

	tests := []struct {
		name       string
		ctx        context.Context
		env        envelope.Envelope
		report     *domain.OutcomeReport
		err        error
		wantStatus string
		wantStage  domain.Stage
	}{
		{name: "success without report", ctx: live, env: env, wantStatus: domain.JobStatusCompleted},
		{name: "partial report keeps the recorded stage", ctx: live, env: env, report: &domain.OutcomeReport{Status: domain.RunPartial}, wantStatus: domain.JobStatusPartial},
		{name: "cancelled", ctx: live, env: env, err: domain.ErrCancelled, wantStatus: domain.JobStatusCanceled, wantStage: domain.StageFailed},
		{name: "transient with deliveries left", ctx: live, env: env, err: errors.New("reset"), wantStatus: domain.JobStatusPending},
		{name: "transient on last delivery", ctx: live, env: last, err: errors.New("reset"), wantStatus: domain.JobStatusFailed, wantStage: domain.StageFailed},
		{name: "permanent during shutdown is requeued", ctx: stopped, env: env, err: domain.NewPermanentError(errors.New("bad")), wantStatus: domain.JobStatusPending},
		{name: "fatal", ctx: live, env: env, err: domain.NewFatalError(errors.New("disk full")), wantStatus: domain.JobStatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, stage, _ := w.outcome(tt.ctx, tt.env, tt.report, tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantStage, stage)
		})
	}
}
