package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/offchain-agent/internal/api/dto"
	"github.com/cuongbtq/offchain-agent/internal/api/storage"
	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// StatusCancelRequested is answered when a running job was signalled
const StatusCancelRequested = "CANCEL_REQUESTED"

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves the run of a job with its stage and outcome report
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	run, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		h.respondStoreError(c, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, toDTO(run))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	runs, err := h.storage.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(runs) > req.PageSize
	if hasMore {
		runs = runs[:req.PageSize]
	}

	jobs := make([]dto.JobDTO, len(runs))
	for i := range runs {
		jobs[i] = toDTO(&runs[i])
	}

	var nextCursor string
	if hasMore {
		last := runs[len(runs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// A pending job is cancelled in place; every worker is told to abort it in
// case a delivery is already running
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	run, err := h.storage.GetJobByID(ctx, jobID)
	if err != nil {
		h.respondStoreError(c, "Failed to get job", err)
		return
	}
	if domain.IsTerminalStatus(run.Status) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "job already finished",
			"status": run.Status,
		})
		return
	}

	status := StatusCancelRequested
	if run.Status == domain.JobStatusPending {
		cancelled, err := h.storage.MarkCancelled(ctx, jobID)
		if err != nil {
			h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
			return
		}
		if cancelled {
			status = domain.JobStatusCanceled
		}
	}

	if err := h.cancelBus.Publish(ctx, uuid.MustParse(jobID)); err != nil {
		if status != domain.JobStatusCanceled {
			h.logger.Error("Failed to broadcast cancellation",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Failed to broadcast cancellation",
			})
			return
		}
		h.logger.Warn("Failed to broadcast cancellation of pending job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("Job cancellation requested",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)
	c.JSON(http.StatusAccepted, dto.CancelJobResponse{JobID: jobID, Status: status})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Permanently deletes a job run in a terminal state
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	err := h.storage.DeleteJob(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotTerminal) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "job is still in flight",
		})
		return
	}
	if err != nil {
		h.respondStoreError(c, "Failed to delete job", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// QueueDepth handles GET /api/v1/queues/:queue/depth
func (h *JobHandler) QueueDepth(c *gin.Context) {
	name := c.Param("queue")
	if !h.knownQueue(name) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown queue",
		})
		return
	}

	sample, err := h.queue.Depth(c.Request.Context(), name)
	if err != nil {
		h.logger.Error("Failed to sample queue depth",
			slog.String("queue", name),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to sample queue depth",
		})
		return
	}

	c.JSON(http.StatusOK, dto.QueueDepthResponse{
		Queue:               name,
		Depth:               sample.Depth,
		OldestMessageAgeSec: sample.OldestMessageAge.Seconds(),
		SampledAt:           sample.SampledAt.UTC().Format(time.RFC3339),
	})
}

func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

func (h *JobHandler) respondStoreError(c *gin.Context, msg string, err error) {
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}
	h.logger.Error(msg, slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": msg,
	})
}

func toDTO(run *domain.JobRun) dto.JobDTO {
	return dto.JobDTO{
		JobID:      run.JobID,
		JobType:    run.JobType,
		Queue:      run.Queue,
		PayloadRef: run.PayloadRef,
		Status:     run.Status,
		Stage:      run.Stage,
		Attempt:    run.Attempt,
		Reason:     run.Reason,
		Outcome:    run.Outcome,
		CreatedAt:  run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  run.UpdatedAt.Format(time.RFC3339),
	}
}
