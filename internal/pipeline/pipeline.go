package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
	"github.com/cuongbtq/offchain-agent/internal/metrics"
	"github.com/cuongbtq/offchain-agent/internal/reconciler"
	"github.com/cuongbtq/offchain-agent/shared/objectstore"
	"github.com/cuongbtq/offchain-agent/shared/retry"
	"github.com/cuongbtq/offchain-agent/shared/tracing"
)

// FailureError moves a job to the Failed stage with a reason. It wraps the
// cause so the queue still sees its class.
type FailureError struct {
	Stage  domain.Stage
	Reason domain.FailureReason
	Err    error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("job failed in %s (%s): %v", e.Stage, e.Reason, e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

func fail(stage domain.Stage, reason domain.FailureReason, err error) error {
	return &FailureError{Stage: stage, Reason: reason, Err: err}
}

// Publisher is the subset of the queue client the orchestrator needs
type Publisher interface {
	Publish(ctx context.Context, queue string, env envelope.Envelope) error
}

// StageRecorder records stage transitions of a job
type StageRecorder interface {
	RecordStage(ctx context.Context, jobID uuid.UUID, stage domain.Stage) error
}

// Config tunes the orchestrator
type Config struct {
	EmbeddingQueue   string
	Modalities       []domain.Modality
	FetchRetry       retry.Policy
	ModalityAttempts int           // deliveries of one sub-job before it is reported failed
	WaitTimeout      time.Duration // how long a parent waits for sub-job results per delivery
}

func (c Config) withDefaults() Config {
	if c.EmbeddingQueue == "" {
		c.EmbeddingQueue = "embedding"
	}
	if len(c.Modalities) == 0 {
		c.Modalities = domain.AllModalities
	}
	if c.FetchRetry.MaxAttempts <= 0 {
		c.FetchRetry = retry.DefaultPolicy()
	}
	if c.ModalityAttempts <= 0 {
		c.ModalityAttempts = 3
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 2 * time.Minute
	}
	return c
}

// Orchestrator drives media jobs through fetch, extraction, modality
// fan-out and persistence
type Orchestrator struct {
	fetcher    Fetcher
	extractor  Extractor
	embedder   Embedder
	store      objectstore.Store
	tracker    Tracker
	publisher  Publisher
	reconciler *reconciler.Reconciler
	stages     StageRecorder
	cfg        Config
	logger     *slog.Logger
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Fetcher    Fetcher
	Extractor  Extractor
	Embedder   Embedder
	Store      objectstore.Store
	Tracker    Tracker
	Publisher  Publisher
	Reconciler *reconciler.Reconciler
	Stages     StageRecorder // optional
}

// New creates an orchestrator
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		fetcher:    deps.Fetcher,
		extractor:  deps.Extractor,
		embedder:   deps.Embedder,
		store:      deps.Store,
		tracker:    deps.Tracker,
		publisher:  deps.Publisher,
		reconciler: deps.Reconciler,
		stages:     deps.Stages,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// storedArtifact is an artifact written to the object store but not yet
// recorded by the reconciler
type storedArtifact struct {
	record   domain.MediaArtifactRecord
	modality domain.Modality // set when the artifact feeds a modality sub-job
}

// HandleExtract runs one delivery of an ExtractMedia job. Every step is keyed
// by content, so a redelivery re-derives the same keys and only redoes work
// that did not finish.
func (o *Orchestrator) HandleExtract(ctx context.Context, env envelope.Envelope) (*domain.OutcomeReport, error) {
	if env.SourceID == "" {
		return nil, fail(domain.StageReceived, domain.ReasonInvalidInput,
			domain.NewPermanentError(fmt.Errorf("%w: source_id is required", domain.ErrInvalidPayload)))
	}

	logger := o.logger.With(
		slog.String("job_id", env.JobID.String()),
		slog.String("trace_id", env.TraceID.String()),
		slog.String("source_id", env.SourceID),
	)
	ctx, span := tracing.StartSpan(ctx, "pipeline.extract",
		attribute.String("job_id", env.JobID.String()),
		attribute.String("trace_id", env.TraceID.String()),
		attribute.Int("attempt", int(env.Attempt)),
	)
	var err error
	defer func() { tracing.End(span, err) }()

	o.record(ctx, env.JobID, domain.StageReceived, logger)

	var source []byte
	err = o.stage(ctx, env.JobID, domain.StageFetching, logger, func(ctx context.Context) error {
		var ferr error
		source, ferr = o.fetch(ctx, env.PayloadRef, logger)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	var extraction *Extraction
	err = o.stage(ctx, env.JobID, domain.StageExtracting, logger, func(ctx context.Context) error {
		var xerr error
		extraction, xerr = o.extractor.Extract(ctx, source)
		if domain.IsPermanent(xerr) {
			return fail(domain.StageExtracting, domain.ReasonExtractError, xerr)
		}
		return xerr
	})
	if err != nil {
		return nil, err
	}

	var (
		artifacts []storedArtifact
		results   map[domain.Modality]ModalityResult
		skipped   []domain.Modality
	)
	err = o.stage(ctx, env.JobID, domain.StageEmbedding, logger, func(ctx context.Context) error {
		var serr error
		if artifacts, serr = o.storeArtifacts(ctx, env.SourceID, extraction); serr != nil {
			return serr
		}
		results, skipped, serr = o.fanOut(ctx, env, artifacts, logger)
		return serr
	})
	if err != nil {
		return nil, err
	}

	err = o.stage(ctx, env.JobID, domain.StagePersisting, logger, func(ctx context.Context) error {
		return o.persist(ctx, env.SourceID, artifacts, results)
	})
	if err != nil {
		return nil, err
	}

	report := &domain.OutcomeReport{JobID: env.JobID.String()}
	for _, m := range o.cfg.Modalities {
		unit := env.SourceID + "/" + string(m)
		if r, ok := results[m]; ok {
			report.Add(domain.UnitOutcome{
				Unit:       unit,
				Status:     r.Status,
				Attempts:   r.Attempts,
				ErrorClass: r.ErrorClass,
				Reason:     r.Reason,
			})
			continue
		}
		if slices.Contains(skipped, m) {
			report.Add(domain.UnitOutcome{Unit: unit, Status: domain.UnitSkipped, Reason: "no input for modality"})
		}
	}
	report.Finalize()

	o.record(ctx, env.JobID, domain.StageCompleted, logger)
	logger.Info("Media job completed",
		slog.String("status", string(report.Status)),
		slog.Int("failed_units", len(report.Failed())),
	)
	return report, nil
}

// stage runs fn as one pipeline stage. Cancellation observed at any point
// turns into Failed(cancelled).
func (o *Orchestrator) stage(ctx context.Context, jobID uuid.UUID, stage domain.Stage, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if cancelled(ctx) {
		return fail(stage, domain.ReasonCancelled, domain.ErrCancelled)
	}
	o.record(ctx, jobID, stage, logger)

	ctx, span := tracing.StartSpan(ctx, "pipeline.stage", attribute.String("stage", string(stage)))
	start := time.Now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	tracing.End(span, err)

	if err != nil && cancelled(ctx) {
		return fail(stage, domain.ReasonCancelled, domain.ErrCancelled)
	}
	if err != nil {
		logger.Warn("Pipeline stage failed",
			slog.String("stage", string(stage)),
			slog.String("error_class", string(domain.Classify(err))),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (o *Orchestrator) record(ctx context.Context, jobID uuid.UUID, stage domain.Stage, logger *slog.Logger) {
	if o.stages == nil {
		return
	}
	if err := o.stages.RecordStage(ctx, jobID, stage); err != nil {
		logger.Warn("Failed to record stage",
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()),
		)
	}
}

// cancelled reports whether ctx was cancelled on request, as opposed to a
// shutdown or a deadline
func cancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), domain.ErrCancelled)
}

func (o *Orchestrator) fetch(ctx context.Context, ref string, logger *slog.Logger) ([]byte, error) {
	policy := o.cfg.FetchRetry
	policy.Retryable = domain.IsTransient
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("Fetch failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}

	var source []byte
	_, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		var ferr error
		source, ferr = o.fetcher.Fetch(ctx, ref)
		return ferr
	})
	switch {
	case err == nil:
		return source, nil
	case ctx.Err() != nil:
		return nil, err
	case domain.IsFatal(err):
		return nil, err
	}
	return nil, fail(domain.StageFetching, domain.ReasonFetchError, domain.NewPermanentError(err))
}

// ArtifactKey is the object key of an artifact; the hash makes it stable
func ArtifactKey(sourceID string, kind domain.ArtifactKind, contentHash string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s", sourceID, kind, contentHash)
}

func (o *Orchestrator) put(ctx context.Context, sourceID string, kind domain.ArtifactKind, data []byte, contentType string) (domain.MediaArtifactRecord, error) {
	hash := objectstore.ContentHash(data)
	uri, err := o.store.Put(ctx, ArtifactKey(sourceID, kind, hash), data, contentType)
	if err != nil {
		if ctx.Err() != nil {
			return domain.MediaArtifactRecord{}, err
		}
		return domain.MediaArtifactRecord{}, domain.NewTransientError(fmt.Errorf("failed to store %s artifact: %w", kind, err))
	}
	return domain.MediaArtifactRecord{
		SourceID:    sourceID,
		Kind:        kind,
		StorageURI:  uri,
		ContentHash: hash,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (o *Orchestrator) storeArtifacts(ctx context.Context, sourceID string, x *Extraction) ([]storedArtifact, error) {
	type blob struct {
		kind        domain.ArtifactKind
		data        []byte
		contentType string
		modality    domain.Modality
	}
	blobs := []blob{
		{kind: domain.ArtifactVideo, data: x.Video, contentType: "application/octet-stream", modality: domain.ModalityVideo},
		{kind: domain.ArtifactMetadata, data: x.Metadata, contentType: "application/json", modality: domain.ModalityMetadata},
	}
	if len(x.Audio) > 0 {
		blobs = append(blobs, blob{kind: domain.ArtifactAudio, data: x.Audio, contentType: "audio/wav", modality: domain.ModalityAudio})
	}
	for _, frame := range x.Frames {
		blobs = append(blobs, blob{kind: domain.ArtifactFrame, data: frame, contentType: "image/png"})
	}

	out := make([]storedArtifact, 0, len(blobs))
	for _, b := range blobs {
		if len(b.data) == 0 {
			continue
		}
		rec, err := o.put(ctx, sourceID, b.kind, b.data, b.contentType)
		if err != nil {
			return nil, err
		}
		out = append(out, storedArtifact{record: rec, modality: b.modality})
	}
	return out, nil
}

// fanOut publishes a sub-job for each modality that has no result yet and
// waits for all of them. Modalities without input are skipped.
func (o *Orchestrator) fanOut(ctx context.Context, env envelope.Envelope, artifacts []storedArtifact, logger *slog.Logger) (map[domain.Modality]ModalityResult, []domain.Modality, error) {
	inputs := make(map[domain.Modality]string)
	for _, a := range artifacts {
		if a.modality != "" {
			inputs[a.modality] = a.record.StorageURI
		}
	}

	var expected, skipped []domain.Modality
	for _, m := range o.cfg.Modalities {
		if _, ok := inputs[m]; ok {
			expected = append(expected, m)
		} else {
			skipped = append(skipped, m)
		}
	}

	have, err := o.tracker.Results(ctx, env.JobID)
	if err != nil {
		return nil, nil, domain.NewTransientError(err)
	}
	for _, m := range expected {
		if _, ok := have[m]; ok {
			continue
		}
		sub := env.SubJob(m, inputs[m])
		if err := o.publisher.Publish(ctx, o.cfg.EmbeddingQueue, sub); err != nil {
			return nil, nil, domain.NewTransientError(fmt.Errorf("failed to dispatch %s sub-job: %w", m, err))
		}
		logger.Debug("Modality sub-job dispatched",
			slog.String("modality", string(m)),
			slog.String("sub_job_id", sub.JobID.String()),
		)
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.WaitTimeout)
	defer cancel()
	results, err := o.tracker.Wait(waitCtx, env.JobID, expected)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, domain.NewTransientError(fmt.Errorf("waiting for modality results: %d of %d arrived: %w",
			len(results), len(expected), err))
	}
	return results, skipped, nil
}

func (o *Orchestrator) persist(ctx context.Context, sourceID string, artifacts []storedArtifact, results map[domain.Modality]ModalityResult) error {
	for _, a := range artifacts {
		if _, err := o.reconciler.PersistArtifact(ctx, a.record); err != nil {
			return err
		}
	}

	for _, m := range o.cfg.Modalities {
		r, ok := results[m]
		if !ok || !r.Succeeded() {
			continue
		}

		if _, err := o.reconciler.PersistArtifact(ctx, domain.MediaArtifactRecord{
			SourceID:    sourceID,
			Kind:        domain.ArtifactEmbedding,
			StorageURI:  r.StorageURI,
			ContentHash: r.ContentHash,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}

		blob, err := o.store.Get(ctx, r.StorageURI)
		if err != nil {
			return domain.NewTransientError(fmt.Errorf("failed to load %s embedding: %w", m, err))
		}
		vector, err := DecodeVector(blob)
		if err != nil {
			return domain.NewPermanentError(err)
		}
		if _, err := o.reconciler.UpsertEmbedding(ctx, domain.EmbeddingRecord{
			SourceID:     sourceID,
			Modality:     m,
			Vector:       vector,
			ModelVersion: r.ModelVersion,
		}); err != nil {
			return err
		}
	}
	return nil
}

// HandleEmbedding runs one delivery of a modality sub-job. The result goes to
// the tracker; a failure is reported there once the modality's budget is
// spent so the parent can complete partially.
func (o *Orchestrator) HandleEmbedding(ctx context.Context, env envelope.Envelope) error {
	parent := *env.ParentID
	logger := o.logger.With(
		slog.String("job_id", env.JobID.String()),
		slog.String("parent_id", parent.String()),
		slog.String("modality", string(env.Modality)),
	)
	ctx, span := tracing.StartSpan(ctx, "pipeline.embed",
		attribute.String("parent_id", parent.String()),
		attribute.String("modality", string(env.Modality)),
		attribute.String("trace_id", env.TraceID.String()),
	)
	var err error
	defer func() { tracing.End(span, err) }()

	have, err := o.tracker.Results(ctx, parent)
	if err != nil {
		return domain.NewTransientError(err)
	}
	if _, done := have[env.Modality]; done {
		logger.Debug("Modality already reported, skipping duplicate delivery")
		return nil
	}

	attempts := int(env.Attempt) + 1
	result, err := o.embed(ctx, env)
	if err == nil {
		result.Attempts = attempts
		result.Status = domain.SucceededStatus(attempts)
		_, err = o.tracker.Report(ctx, parent, result)
		if err != nil {
			return domain.NewTransientError(err)
		}
		logger.Info("Modality embedded",
			slog.Int("attempts", attempts),
			slog.String("model_version", result.ModelVersion),
		)
		return nil
	}

	if ctx.Err() != nil || domain.IsFatal(err) {
		return err
	}
	if !domain.IsPermanent(err) && attempts < o.cfg.ModalityAttempts {
		return err
	}

	failed := ModalityResult{
		Modality:   env.Modality,
		Status:     domain.UnitFailed,
		Attempts:   attempts,
		ErrorClass: domain.Classify(err),
		Reason:     err.Error(),
	}
	if _, rerr := o.tracker.Report(ctx, parent, failed); rerr != nil {
		return domain.NewTransientError(rerr)
	}
	logger.Warn("Modality failed",
		slog.Int("attempts", attempts),
		slog.String("error_class", string(failed.ErrorClass)),
		slog.String("error", err.Error()),
	)
	return domain.NewPermanentError(fail(domain.StageEmbedding, domain.ReasonEmbedError, err))
}

func (o *Orchestrator) embed(ctx context.Context, env envelope.Envelope) (ModalityResult, error) {
	input, err := o.store.Get(ctx, env.PayloadRef)
	if err != nil {
		if errors.Is(err, objectstore.ErrInvalidURI) {
			return ModalityResult{}, domain.NewPermanentError(err)
		}
		return ModalityResult{}, domain.NewTransientError(fmt.Errorf("failed to load modality input: %w", err))
	}

	emb, err := o.embedder.Embed(ctx, env.SourceID, env.Modality, input)
	if err != nil {
		return ModalityResult{}, err
	}

	rec, err := o.put(ctx, env.SourceID, domain.ArtifactEmbedding, EncodeVector(emb.Vector), "application/octet-stream")
	if err != nil {
		return ModalityResult{}, err
	}
	return ModalityResult{
		Modality:     env.Modality,
		StorageURI:   rec.StorageURI,
		ContentHash:  rec.ContentHash,
		ModelVersion: emb.ModelVersion,
	}, nil
}
