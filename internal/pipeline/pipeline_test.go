package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
	"github.com/cuongbtq/offchain-agent/internal/queue"
	"github.com/cuongbtq/offchain-agent/internal/reconciler"
	"github.com/cuongbtq/offchain-agent/shared/logger"
	"github.com/cuongbtq/offchain-agent/shared/objectstore"
	"github.com/cuongbtq/offchain-agent/shared/retry"
)

const embeddingQueue = "embedding"

type fakeExtractor struct {
	noAudio bool
	err     error
}

func (f *fakeExtractor) Extract(ctx context.Context, source []byte) (*Extraction, error) {
	if f.err != nil {
		return nil, f.err
	}
	x := &Extraction{
		Video:    source,
		Frames:   [][]byte{append([]byte("frame-1:"), source...), append([]byte("frame-2:"), source...)},
		Metadata: append([]byte(`{"probe":`), append(source, '}')...),
	}
	if !f.noAudio {
		x.Audio = append([]byte("audio:"), source...)
	}
	return x, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls map[domain.Modality]int
	fail  func(m domain.Modality, call int) error
}

func newFakeEmbedder(fail func(m domain.Modality, call int) error) *fakeEmbedder {
	return &fakeEmbedder{calls: make(map[domain.Modality]int), fail: fail}
}

func (f *fakeEmbedder) Embed(ctx context.Context, sourceID string, m domain.Modality, input []byte) (Embedding, error) {
	f.mu.Lock()
	f.calls[m]++
	call := f.calls[m]
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(m, call); err != nil {
			return Embedding{}, err
		}
	}
	return Embedding{
		Vector:       []float32{float32(len(input)), float32(len(m)), 0.5},
		ModelVersion: "clip-v1",
	}, nil
}

func (f *fakeEmbedder) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type stageLog struct {
	mu     sync.Mutex
	stages map[uuid.UUID][]domain.Stage
}

func (s *stageLog) RecordStage(ctx context.Context, jobID uuid.UUID, stage domain.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stages == nil {
		s.stages = make(map[uuid.UUID][]domain.Stage)
	}
	s.stages[jobID] = append(s.stages[jobID], stage)
	return nil
}

func (s *stageLog) of(jobID uuid.UUID) []domain.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Stage(nil), s.stages[jobID]...)
}

type harness struct {
	orch     *Orchestrator
	store    *objectstore.MemoryStore
	rows     *reconciler.MemoryStore
	client   *queue.Client
	tracker  *MemoryTracker
	embedder *fakeEmbedder
	stages   *stageLog
}

func newHarness(t *testing.T, extractor Extractor, embedder *fakeEmbedder, waitTimeout time.Duration) *harness {
	t.Helper()
	store := objectstore.NewMemoryStore("media")
	rows := reconciler.NewMemoryStore()
	client := queue.NewMemoryClient(queue.NewMemoryBroker(time.Minute), queue.Options{
		MaxDeliveries: 5,
		Concurrency:   2,
		PublishRetry:  retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		ReceiveRetry:  retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		SettleTimeout: time.Second,
	}, logger.NewNop())
	tracker := NewMemoryTracker()
	stages := &stageLog{}

	orch := New(Deps{
		Fetcher:    NewSourceFetcher(store, nil, 0),
		Extractor:  extractor,
		Embedder:   embedder,
		Store:      store,
		Tracker:    tracker,
		Publisher:  client,
		Reconciler: reconciler.New(rows, rows, logger.NewNop()),
		Stages:     stages,
	}, Config{
		EmbeddingQueue:   embeddingQueue,
		FetchRetry:       retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		ModalityAttempts: 3,
		WaitTimeout:      waitTimeout,
	}, logger.NewNop())

	return &harness{
		orch:     orch,
		store:    store,
		rows:     rows,
		client:   client,
		tracker:  tracker,
		embedder: embedder,
		stages:   stages,
	}
}

// startEmbeddingWorkers consumes the embedding queue until the test ends
func (h *harness) startEmbeddingWorkers(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.client.Consume(ctx, embeddingQueue, h.orch.HandleEmbedding)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) upload(t *testing.T, sourceID string) envelope.Envelope {
	t.Helper()
	uri, err := h.store.Put(context.Background(), "uploads/"+sourceID+".mp4", []byte("video bytes of "+sourceID), "video/mp4")
	require.NoError(t, err)
	env := envelope.New(uuid.New(), envelope.JobTypeExtractMedia, uri)
	env.SourceID = sourceID
	return env
}

func TestHandleExtract_AudioPermanentFailureCompletesPartially(t *testing.T) {
	embedder := newFakeEmbedder(func(m domain.Modality, _ int) error {
		if m == domain.ModalityAudio {
			return domain.NewPermanentError(errors.New("unsupported sample format"))
		}
		return nil
	})
	h := newHarness(t, &fakeExtractor{}, embedder, 5*time.Second)
	h.startEmbeddingWorkers(t)
	env := h.upload(t, "S1")

	report, err := h.orch.HandleExtract(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, domain.RunPartial, report.Status)
	audio, ok := report.Unit("S1/audio")
	require.True(t, ok)
	assert.Equal(t, domain.UnitFailed, audio.Status)
	assert.Equal(t, domain.ClassPermanent, audio.ErrorClass)
	assert.Equal(t, 1, audio.Attempts)

	for _, unit := range []string{"S1/video", "S1/metadata"} {
		u, ok := report.Unit(unit)
		require.True(t, ok, unit)
		assert.Equal(t, domain.UnitSucceeded, u.Status, unit)
	}

	embeddings := h.rows.Embeddings("S1")
	assert.Len(t, embeddings, 2)
	assert.Contains(t, embeddings, domain.ModalityVideo)
	assert.Contains(t, embeddings, domain.ModalityMetadata)
	assert.NotContains(t, embeddings, domain.ModalityAudio)

	assert.Equal(t, []domain.Stage{
		domain.StageReceived,
		domain.StageFetching,
		domain.StageExtracting,
		domain.StageEmbedding,
		domain.StagePersisting,
		domain.StageCompleted,
	}, h.stages.of(env.JobID))
}

func TestHandleExtract_TransientModalityFailureIsRetried(t *testing.T) {
	embedder := newFakeEmbedder(func(m domain.Modality, call int) error {
		if m == domain.ModalityAudio && call == 1 {
			return domain.NewTransientError(errors.New("inference timeout"))
		}
		return nil
	})
	h := newHarness(t, &fakeExtractor{}, embedder, 5*time.Second)
	h.startEmbeddingWorkers(t)

	report, err := h.orch.HandleExtract(context.Background(), h.upload(t, "S1"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, report.Status)
	audio, ok := report.Unit("S1/audio")
	require.True(t, ok)
	assert.Equal(t, domain.UnitRetriedSucceeded, audio.Status)
	assert.Equal(t, 2, audio.Attempts)
	assert.Len(t, h.rows.Embeddings("S1"), 3)
}

func TestHandleExtract_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, newFakeEmbedder(nil), 5*time.Second)
	h.startEmbeddingWorkers(t)
	env := h.upload(t, "S1")

	first, err := h.orch.HandleExtract(context.Background(), env)
	require.NoError(t, err)
	writes := h.store.Writes()
	artifacts := len(h.rows.Artifacts("S1"))
	calls := h.embedder.total()

	second, err := h.orch.HandleExtract(context.Background(), env.Redelivery())
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, writes, h.store.Writes(), "no object is written twice")
	assert.Len(t, h.rows.Artifacts("S1"), artifacts)
	assert.Len(t, h.rows.Embeddings("S1"), 3)
	assert.Equal(t, calls, h.embedder.total(), "reported modalities are not embedded again")
}

func TestHandleExtract_ConcurrentDuplicatesProduceOneRowPerKey(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, newFakeEmbedder(nil), 5*time.Second)
	h.startEmbeddingWorkers(t)
	env := h.upload(t, "S1")

	var wg sync.WaitGroup
	reports := make([]*domain.OutcomeReport, 2)
	errs := make([]error, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = h.orch.HandleExtract(context.Background(), env)
		}(i)
	}
	wg.Wait()

	for i := range reports {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.RunCompleted, reports[i].Status)
	}

	// video, audio, metadata, two frames and three embeddings
	assert.Len(t, h.rows.Artifacts("S1"), 8)
	assert.Len(t, h.rows.Embeddings("S1"), 3)
}

func TestHandleExtract_MissingAudioTrackIsSkipped(t *testing.T) {
	h := newHarness(t, &fakeExtractor{noAudio: true}, newFakeEmbedder(nil), 5*time.Second)
	h.startEmbeddingWorkers(t)

	report, err := h.orch.HandleExtract(context.Background(), h.upload(t, "S1"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, report.Status)
	audio, ok := report.Unit("S1/audio")
	require.True(t, ok)
	assert.Equal(t, domain.UnitSkipped, audio.Status)
	assert.Len(t, h.rows.Embeddings("S1"), 2)
}

func TestHandleExtract_Failures(t *testing.T) {
	tests := []struct {
		name       string
		extractor  Extractor
		env        func(h *harness) envelope.Envelope
		wantStage  domain.Stage
		wantReason domain.FailureReason
		wantClass  domain.ErrorClass
	}{
		{
			name:      "missing source exhausts fetch retries",
			extractor: &fakeExtractor{},
			env: func(h *harness) envelope.Envelope {
				env := envelope.New(uuid.New(), envelope.JobTypeExtractMedia, "s3://media/uploads/absent.mp4")
				env.SourceID = "S9"
				return env
			},
			wantStage:  domain.StageFetching,
			wantReason: domain.ReasonFetchError,
			wantClass:  domain.ClassPermanent,
		},
		{
			name:      "unsupported payload scheme",
			extractor: &fakeExtractor{},
			env: func(h *harness) envelope.Envelope {
				env := envelope.New(uuid.New(), envelope.JobTypeExtractMedia, "ftp://host/a.mp4")
				env.SourceID = "S9"
				return env
			},
			wantStage:  domain.StageFetching,
			wantReason: domain.ReasonFetchError,
			wantClass:  domain.ClassPermanent,
		},
		{
			name:       "corrupt source is terminal",
			extractor:  &fakeExtractor{err: domain.NewPermanentError(domain.ErrUnsupportedMedia)},
			wantStage:  domain.StageExtracting,
			wantReason: domain.ReasonExtractError,
			wantClass:  domain.ClassPermanent,
		},
		{
			name:      "missing source id",
			extractor: &fakeExtractor{},
			env: func(h *harness) envelope.Envelope {
				return envelope.New(uuid.New(), envelope.JobTypeExtractMedia, "s3://media/uploads/a.mp4")
			},
			wantStage:  domain.StageReceived,
			wantReason: domain.ReasonInvalidInput,
			wantClass:  domain.ClassPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.extractor, newFakeEmbedder(nil), time.Second)
			env := h.upload(t, "S1")
			if tt.env != nil {
				env = tt.env(h)
			}

			report, err := h.orch.HandleExtract(context.Background(), env)
			require.Error(t, err)
			assert.Nil(t, report)

			var failure *FailureError
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, tt.wantStage, failure.Stage)
			assert.Equal(t, tt.wantReason, failure.Reason)
			assert.Equal(t, tt.wantClass, domain.Classify(err))
		})
	}
}

func TestHandleExtract_CancelledJobFails(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, newFakeEmbedder(nil), 5*time.Second)
	env := h.upload(t, "S1")

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(domain.ErrCancelled)

	_, err := h.orch.HandleExtract(ctx, env)

	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, domain.ReasonCancelled, failure.Reason)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, domain.ClassCancelled, domain.Classify(err))
}

func TestHandleExtract_WaitTimeoutIsTransient(t *testing.T) {
	// No embedding workers: results never arrive
	h := newHarness(t, &fakeExtractor{}, newFakeEmbedder(nil), 50*time.Millisecond)

	_, err := h.orch.HandleExtract(context.Background(), h.upload(t, "S1"))
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestHandleExtract_PersistFailureIsRetryable(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, newFakeEmbedder(nil), 5*time.Second)
	h.startEmbeddingWorkers(t)
	env := h.upload(t, "S1")

	h.rows.FailWith(errors.New("connection refused"))
	_, err := h.orch.HandleExtract(context.Background(), env)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.NotContains(t, h.stages.of(env.JobID), domain.StageCompleted)

	h.rows.FailWith(nil)
	report, err := h.orch.HandleExtract(context.Background(), env.Redelivery())
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, report.Status)
	assert.Len(t, h.rows.Embeddings("S1"), 3)
}

func TestHandleEmbedding_SkipsReportedModality(t *testing.T) {
	embedder := newFakeEmbedder(nil)
	h := newHarness(t, &fakeExtractor{}, embedder, time.Second)
	ctx := context.Background()

	uri, err := h.store.Put(ctx, "artifacts/S1/audio/x", []byte("wav"), "audio/wav")
	require.NoError(t, err)
	parent := h.upload(t, "S1")
	sub := parent.SubJob(domain.ModalityAudio, uri)

	require.NoError(t, h.orch.HandleEmbedding(ctx, sub))
	require.NoError(t, h.orch.HandleEmbedding(ctx, sub.Redelivery()))
	assert.Equal(t, 1, embedder.total())

	results, err := h.tracker.Results(ctx, parent.JobID)
	require.NoError(t, err)
	require.Contains(t, results, domain.ModalityAudio)
	assert.Equal(t, domain.UnitSucceeded, results[domain.ModalityAudio].Status)
}

func TestHandleEmbedding_BudgetExhaustion(t *testing.T) {
	embedder := newFakeEmbedder(func(domain.Modality, int) error {
		return domain.NewTransientError(errors.New("inference timeout"))
	})
	h := newHarness(t, &fakeExtractor{}, embedder, time.Second)
	ctx := context.Background()

	uri, err := h.store.Put(ctx, "artifacts/S1/video/x", []byte("mp4"), "video/mp4")
	require.NoError(t, err)
	sub := h.upload(t, "S1").SubJob(domain.ModalityVideo, uri)

	// attempts 1 and 2 stay retryable; attempt 3 spends the budget
	for i := 0; i < 2; i++ {
		err := h.orch.HandleEmbedding(ctx, sub)
		assert.True(t, domain.IsTransient(err))
		sub = sub.Redelivery()
	}
	err = h.orch.HandleEmbedding(ctx, sub)
	assert.True(t, domain.IsPermanent(err))

	results, err := h.tracker.Results(ctx, *sub.ParentID)
	require.NoError(t, err)
	assert.Equal(t, domain.UnitFailed, results[domain.ModalityVideo].Status)
	assert.Equal(t, 3, results[domain.ModalityVideo].Attempts)
	assert.Equal(t, domain.ClassTransient, results[domain.ModalityVideo].ErrorClass)
}
