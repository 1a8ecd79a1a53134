package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/offchain-agent/internal/backup"
	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
	"github.com/cuongbtq/offchain-agent/internal/pipeline"
	"github.com/cuongbtq/offchain-agent/internal/queue"
)

const recordTimeout = 5 * time.Second

func (w *Worker) handler(queueName string) queue.Handler {
	return func(ctx context.Context, env envelope.Envelope) error {
		if env.JobType == envelope.JobTypeGenerateEmbedding {
			return w.processSubJob(ctx, env)
		}
		return w.processJob(ctx, queueName, env)
	}
}

// processJob runs one delivery of a top-level job with timeout, heartbeat,
// cancellation and status updates. The returned error drives the queue
// disposition.
func (w *Worker) processJob(ctx context.Context, queueName string, env envelope.Envelope) error {
	logger := w.logger.With(
		slog.String("job_id", env.JobID.String()),
		slog.String("job_type", string(env.JobType)),
		slog.Uint64("attempt", uint64(env.Attempt)),
	)

	run, err := w.store.Begin(ctx, queueName, env)
	if err != nil {
		logger.Error("Failed to begin job run",
			slog.String("error", err.Error()),
		)
		return domain.NewTransientError(err)
	}
	if domain.IsTerminalStatus(run.Status) {
		logger.Info("Job already finished, skipping",
			slog.String("status", run.Status),
		)
		return nil
	}

	consumerCtx := ctx
	ctx, release := w.cancels.Register(ctx, env.JobID)
	defer release()

	jobCtx, cancelJob := context.WithTimeout(ctx, w.jobTimeout)
	defer cancelJob()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, env.JobID, heartbeatDone)
	defer close(heartbeatDone)

	report, err := w.execute(jobCtx, env)
	err = asCancelled(jobCtx, err)

	status, stage, reason := w.outcome(consumerCtx, env, report, err)

	recCtx, recCancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer recCancel()
	if ferr := w.store.Finish(recCtx, env.JobID, status, stage, reason, report); ferr != nil {
		logger.Error("Failed to update job status",
			slog.String("status", status),
			slog.String("error", ferr.Error()),
		)
	}

	switch {
	case err == nil:
		logger.Info("Job completed",
			slog.String("status", status),
		)
	case status == domain.JobStatusPending:
		logger.Warn("Job will be retried",
			slog.Int("max_deliveries", w.maxDeliveries),
			slog.String("error", err.Error()),
		)
	default:
		logger.Error("Job execution failed",
			slog.String("status", status),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// processSubJob runs one delivery of a modality sub-job. Sub-jobs are not
// recorded in the job ledger; their results flow to the parent through the
// tracker. They are registered under the parent so cancelling the parent
// aborts them.
func (w *Worker) processSubJob(ctx context.Context, env envelope.Envelope) error {
	if w.media == nil {
		return domain.NewPermanentError(fmt.Errorf("%w: %s", domain.ErrUnsupportedJobType, env.JobType))
	}

	ids := []uuid.UUID{env.JobID}
	if env.ParentID != nil {
		ids = append(ids, *env.ParentID)
	}
	ctx, release := w.cancels.Register(ctx, ids...)
	defer release()

	jobCtx, cancelJob := context.WithTimeout(ctx, w.jobTimeout)
	defer cancelJob()

	return asCancelled(jobCtx, w.media.HandleEmbedding(jobCtx, env))
}

func (w *Worker) execute(ctx context.Context, env envelope.Envelope) (*domain.OutcomeReport, error) {
	switch {
	case env.JobType == envelope.JobTypeExtractMedia && w.media != nil:
		return w.media.HandleExtract(ctx, env)

	case env.JobType == envelope.JobTypeBackup && w.backup != nil:
		req, err := backup.ParseRequest(env.PayloadRef)
		if err != nil {
			return nil, domain.NewPermanentError(err)
		}
		return w.backup.Run(ctx, env.JobID.String(), req)
	}
	return nil, domain.NewPermanentError(fmt.Errorf("%w: %s", domain.ErrUnsupportedJobType, env.JobType))
}

// outcome maps the result of a delivery to the job ledger. It follows the
// queue's disposition rules so the ledger agrees with what happens to the
// message. Successful runs leave the stage alone, so a partial media run
// keeps the COMPLETED stage the pipeline recorded next to status PARTIAL.
func (w *Worker) outcome(consumerCtx context.Context, env envelope.Envelope, report *domain.OutcomeReport, err error) (string, domain.Stage, string) {
	if err == nil {
		if report == nil {
			return domain.JobStatusCompleted, "", ""
		}
		return domain.JobStatusFor(report.Status), "", ""
	}

	reason := err.Error()
	var fe *pipeline.FailureError
	if errors.As(err, &fe) {
		reason = string(fe.Reason)
	}

	class := domain.Classify(err)
	switch {
	case class == domain.ClassCancelled:
		return domain.JobStatusCanceled, domain.StageFailed, string(domain.ReasonCancelled)
	case consumerCtx.Err() != nil:
		return domain.JobStatusPending, "", "interrupted by shutdown"
	case class == domain.ClassFatal:
		return domain.JobStatusPending, "", reason
	case class == domain.ClassPermanent:
		return domain.JobStatusFailed, domain.StageFailed, reason
	case int(env.Attempt)+1 >= w.maxDeliveries:
		return domain.JobStatusFailed, domain.StageFailed, reason
	}
	return domain.JobStatusPending, "", reason
}

// asCancelled marks err as a cancellation when ctx was cancelled on request;
// handlers may surface the bare context error
func asCancelled(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, domain.ErrCancelled) {
		return err
	}
	if errors.Is(context.Cause(ctx), domain.ErrCancelled) {
		return fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}
	return err
}

// sendJobHeartbeat periodically refreshes the job run while it executes
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID uuid.UUID, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.store.Touch(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
