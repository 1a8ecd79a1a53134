package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/offchain-agent/internal/api/dto"
	"github.com/cuongbtq/offchain-agent/internal/backup"
	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
)

// TriggerMedia handles POST /api/v1/media/jobs
// Enqueues an ExtractMedia job; the idempotency key fixes the job ID
func (h *JobHandler) TriggerMedia(c *gin.Context) {
	var req dto.TriggerMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	env := envelope.New(envelope.IDFromKey("media:"+req.IdempotencyKey), envelope.JobTypeExtractMedia, req.PayloadRef)
	env.SourceID = req.SourceID
	h.trigger(c, h.queues.Media, env)
}

// TriggerBackup handles POST /api/v1/backups/run
// Enqueues a Backup job over every registered replica or a selection
func (h *JobHandler) TriggerBackup(c *gin.Context) {
	var req dto.TriggerBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobID := uuid.New()
	if req.IdempotencyKey != "" {
		jobID = envelope.IDFromKey("backup:" + req.IdempotencyKey)
	}
	br := backup.Request{ReplicaIDs: req.ReplicaIDs, Limit: req.Limit}
	h.trigger(c, h.queues.Backup, envelope.New(jobID, envelope.JobTypeBackup, br.PayloadRef()))
}

// trigger publishes env unless a run with its ID exists and answers 202
// without waiting for the job
func (h *JobHandler) trigger(c *gin.Context, queueName string, env envelope.Envelope) {
	ctx := c.Request.Context()
	jobID := env.JobID.String()

	existing, err := h.storage.GetJobByID(ctx, jobID)
	switch {
	case err == nil:
		h.logger.Info("Duplicate trigger, job already exists",
			slog.String("job_id", jobID),
			slog.String("status", existing.Status),
		)
		c.JSON(http.StatusOK, dto.TriggerResponse{
			JobID:      existing.JobID,
			JobType:    existing.JobType,
			PayloadRef: existing.PayloadRef,
			Status:     existing.Status,
			Duplicate:  true,
		})
		return
	case !errors.Is(err, domain.ErrJobNotFound):
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	if err := h.queue.Publish(ctx, queueName, env); err != nil {
		h.logger.Error("Failed to publish job",
			slog.String("job_id", jobID),
			slog.String("queue", queueName),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	// The worker creates the row on first delivery if this insert is lost
	now := time.Now().UTC()
	run := &domain.JobRun{
		JobID:      jobID,
		JobType:    string(env.JobType),
		Queue:      queueName,
		PayloadRef: env.PayloadRef,
		Status:     domain.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := h.storage.CreatePending(ctx, run); err != nil {
		h.logger.Warn("Failed to record triggered job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("Job triggered",
		slog.String("job_id", jobID),
		slog.String("job_type", string(env.JobType)),
		slog.String("trace_id", env.TraceID.String()),
	)
	c.JSON(http.StatusAccepted, dto.TriggerResponse{
		JobID:      jobID,
		JobType:    string(env.JobType),
		PayloadRef: env.PayloadRef,
		Status:     domain.JobStatusPending,
	})
}
