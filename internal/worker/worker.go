package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/offchain-agent/internal/backup"
	"github.com/cuongbtq/offchain-agent/internal/cancel"
	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
	"github.com/cuongbtq/offchain-agent/internal/queue"
)

// Consumer is the part of the queue client the worker consumes with
type Consumer interface {
	Consume(ctx context.Context, queue string, h queue.Handler, opts ...queue.ConsumeOption) error
}

// JobStore records job runs
type JobStore interface {
	Begin(ctx context.Context, queue string, env envelope.Envelope) (*domain.JobRun, error)
	Touch(ctx context.Context, jobID uuid.UUID) error
	Finish(ctx context.Context, jobID uuid.UUID, status string, stage domain.Stage, reason string, outcome *domain.OutcomeReport) error
}

// MediaHandler runs media jobs and their modality sub-jobs
type MediaHandler interface {
	HandleExtract(ctx context.Context, env envelope.Envelope) (*domain.OutcomeReport, error)
	HandleEmbedding(ctx context.Context, env envelope.Envelope) error
}

// BackupRunner runs backup jobs
type BackupRunner interface {
	Run(ctx context.Context, jobID string, req backup.Request) (*domain.OutcomeReport, error)
}

// Queues names the queues consumed by the worker; an empty name is skipped
type Queues struct {
	Media     string
	Embedding string
	Backup    string
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Consumer  Consumer
	Store     JobStore
	Media     MediaHandler // nil disables the media and embedding queues
	Backup    BackupRunner // nil disables the backup queue
	Cancels   *cancel.Registry
	CancelBus cancel.Bus // optional
	Queues    Queues

	// Concurrency is the number of handler goroutines per queue name
	Concurrency       map[string]int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	// MaxDeliveries must match the queue client; a transient failure on the
	// last delivery is recorded as final
	MaxDeliveries int
}

// Worker consumes job queues and records each job's run
type Worker struct {
	logger            *slog.Logger
	consumer          Consumer
	store             JobStore
	media             MediaHandler
	backup            BackupRunner
	cancels           *cancel.Registry
	bus               cancel.Bus
	queues            Queues
	concurrency       map[string]int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	maxDeliveries     int

	mu   sync.Mutex
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		consumer:          cfg.Consumer,
		store:             cfg.Store,
		media:             cfg.Media,
		backup:            cfg.Backup,
		cancels:           cfg.Cancels,
		bus:               cfg.CancelBus,
		queues:            cfg.Queues,
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		maxDeliveries:     cfg.MaxDeliveries,
	}
	if w.cancels == nil {
		w.cancels = cancel.NewRegistry(0)
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 30 * time.Minute
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 30 * time.Second
	}
	if w.maxDeliveries <= 0 {
		w.maxDeliveries = queue.DefaultOptions().MaxDeliveries
	}
	return w
}

// Start consumes every configured queue and blocks until ctx is cancelled,
// Stop is called or a consumer fails
func (w *Worker) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	w.mu.Lock()
	w.stop = stop
	w.mu.Unlock()
	defer stop()

	w.wg.Add(1)
	defer w.wg.Done()

	var names []string
	if w.media != nil {
		names = append(names, w.queues.Media, w.queues.Embedding)
	}
	if w.backup != nil {
		names = append(names, w.queues.Backup)
	}

	w.logger.Info("Starting worker",
		slog.Any("queues", names),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Int("max_deliveries", w.maxDeliveries),
	)

	g, gctx := errgroup.WithContext(ctx)
	if w.bus != nil {
		g.Go(func() error {
			return w.bus.Subscribe(gctx, w.onCancel)
		})
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		g.Go(func() error {
			return w.consumer.Consume(gctx, name, w.handler(name), queue.WithConcurrency(w.concurrency[name]))
		})
	}

	err := g.Wait()
	if err != nil {
		w.logger.Error("Worker stopped with error",
			slog.String("error", err.Error()),
		)
		return err
	}
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs to settle
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.mu.Lock()
	stop := w.stop
	w.mu.Unlock()
	if stop != nil {
		stop()
	}
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker) onCancel(jobID uuid.UUID) {
	n := w.cancels.Cancel(jobID)
	w.logger.Info("Cancellation received",
		slog.String("job_id", jobID.String()),
		slog.Int("running", n),
	)
}
