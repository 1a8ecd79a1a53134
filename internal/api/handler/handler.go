package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/offchain-agent/internal/api/storage"
	"github.com/cuongbtq/offchain-agent/internal/cancel"
	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
)

// JobStore is the job_runs access used by the handlers
type JobStore interface {
	CreatePending(ctx context.Context, run *domain.JobRun) (bool, error)
	GetJobByID(ctx context.Context, jobID string) (*domain.JobRun, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.JobRun, error)
	MarkCancelled(ctx context.Context, jobID string) (bool, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// Queue publishes envelopes and samples queue depth
type Queue interface {
	Publish(ctx context.Context, queue string, env envelope.Envelope) error
	Depth(ctx context.Context, queue string) (domain.QueueDepthSample, error)
}

// Queues names the queues triggers publish to
type Queues struct {
	Media     string
	Embedding string
	Backup    string
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     JobStore
	Queue     Queue
	CancelBus cancel.Bus
	Queues    Queues

	// CORSOrigins lists the browser origins allowed to call the API; empty allows all
	CORSOrigins []string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	storage   JobStore
	queue     Queue
	cancelBus cancel.Bus
	queues    Queues
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		storage:   deps.Store,
		queue:     deps.Queue,
		cancelBus: deps.CancelBus,
		queues:    deps.Queues,
	}
}

func (h *JobHandler) knownQueue(name string) bool {
	return name != "" && (name == h.queues.Media || name == h.queues.Embedding || name == h.queues.Backup)
}
