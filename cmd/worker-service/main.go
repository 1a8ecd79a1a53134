package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/offchain-agent/internal/backup"
	"github.com/cuongbtq/offchain-agent/internal/bootstrap"
	"github.com/cuongbtq/offchain-agent/internal/cancel"
	"github.com/cuongbtq/offchain-agent/internal/config"
	"github.com/cuongbtq/offchain-agent/internal/pipeline"
	"github.com/cuongbtq/offchain-agent/internal/reconciler"
	"github.com/cuongbtq/offchain-agent/internal/worker"
	"github.com/cuongbtq/offchain-agent/internal/worker/storage"
	"github.com/cuongbtq/offchain-agent/shared/objectstore"
	"github.com/cuongbtq/offchain-agent/shared/postgresql"
	"github.com/cuongbtq/offchain-agent/shared/redisdb"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue_mode", cfg.Queue.Mode),
	)

	// Create context for graceful shutdown
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	shutdownTracing, err := bootstrap.InitTracing(ctx, "offchain-agent-worker", cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Initialize PostgreSQL client
	dbClient, err := bootstrap.InitPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	redisClient, err := bootstrap.InitRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer redisClient.Close()

	queueClient, broker, err := bootstrap.InitQueue(cfg, redisClient.GetClient(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer broker.Close()

	appLogger.Info("Queue client ready",
		slog.String("mode", string(queueClient.Mode())),
	)

	objectStore, err := objectstore.NewMinioStore(ctx, &objectstore.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		UseSSL:    cfg.Storage.UseSSL,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	jobStore := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	media := initPipeline(cfg, objectStore, jobStore, queueClient, dbClient, redisClient, appLogger.Logger)
	backups := initBackup(cfg, objectStore, dbClient, redisClient, appLogger.Logger)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:    appLogger.Logger,
		Consumer:  queueClient,
		Store:     jobStore,
		Media:     media,
		Backup:    backups,
		Cancels:   cancel.NewRegistry(cfg.Worker.CancelTTL),
		CancelBus: cancel.NewRedisBus(redisClient.GetClient(), cfg.Redis.CancelChannel, appLogger.Logger),
		Queues: worker.Queues{
			Media:     cfg.Queue.Names.Media,
			Embedding: cfg.Queue.Names.Embedding,
			Backup:    cfg.Queue.Names.Backup,
		},
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
	})

	metricsSrv := startMetricsServer(cfg.Server.Port, appLogger.Logger)

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.String("error", err.Error()),
		)
		runErr = err
	}

	// Cancel context to stop worker
	cancelRun()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Failed to stop metrics server", slog.String("error", err.Error()))
		}
	}

	if err := queueClient.Close(); err != nil {
		appLogger.Warn("Failed to close queue client", slog.String("error", err.Error()))
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		appLogger.Warn("Failed to flush traces", slog.String("error", err.Error()))
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initPipeline wires the media pipeline orchestrator
func initPipeline(
	cfg *config.Config,
	store objectstore.Store,
	stages pipeline.StageRecorder,
	publisher pipeline.Publisher,
	db *postgresql.Client,
	rdb *redisdb.Client,
	logger *slog.Logger,
) *pipeline.Orchestrator {
	pc := cfg.Pipeline
	httpClient := &http.Client{Timeout: pc.HTTPTimeout}
	records := reconciler.NewPostgresStore(db.GetDB())

	return pipeline.New(pipeline.Deps{
		Fetcher:    pipeline.NewSourceFetcher(store, httpClient, pc.MaxSourceBytes),
		Extractor:  pipeline.NewFFmpegExtractor(pc.FFmpegPath, pc.FFprobePath, pc.FrameRate, pc.MaxFrames, logger),
		Embedder:   pipeline.NewHTTPEmbedder(pc.MLEndpoint, httpClient),
		Store:      store,
		Tracker:    pipeline.NewRedisTracker(rdb.GetClient(), "pipeline", pc.TrackerTTL, pc.TrackerPoll),
		Publisher:  publisher,
		Reconciler: reconciler.New(records, records, logger),
		Stages:     stages,
	}, pipeline.Config{
		EmbeddingQueue:   cfg.Queue.Names.Embedding,
		Modalities:       pc.ModalityList(),
		FetchRetry:       pc.Fetch.Policy(),
		ModalityAttempts: pc.ModalityAttempts,
		WaitTimeout:      pc.WaitTimeout,
	}, logger)
}

// initBackup wires the backup orchestrator
func initBackup(
	cfg *config.Config,
	store objectstore.Store,
	db *postgresql.Client,
	rdb *redisdb.Client,
	logger *slog.Logger,
) *backup.Orchestrator {
	bc := cfg.Backup

	var registry backup.Registry = backup.NewPostgresRegistry(db.GetDB())
	if bc.Registry == config.RegistryStatic {
		registry = backup.StaticRegistry(bc.Replicas)
	}

	return backup.New(
		registry,
		backup.NewHTTPSnapshotSource(bc.SnapshotEndpoint, &http.Client{Timeout: bc.ReplicaTimeout}),
		store,
		backup.NewPostgresVersionStore(db.GetDB()),
		backup.NewRedisLedger(rdb.GetClient(), bc.LedgerTTL),
		backup.Config{
			Concurrency:        bc.Concurrency,
			ReplicaTimeout:     bc.ReplicaTimeout,
			RunBudget:          bc.RunBudget,
			SnapshotRetry:      bc.SnapshotRetry.Policy(),
			SkipCompletedToday: bc.SkipCompletedToday,
			ProgressEvery:      bc.ProgressEvery,
		},
		logger,
	)
}

// startMetricsServer exposes Prometheus metrics on port; 0 disables it
func startMetricsServer(port int, logger *slog.Logger) *http.Server {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed",
				slog.String("error", err.Error()),
			)
		}
	}()

	logger.Info("Metrics server listening", slog.String("address", srv.Addr))
	return srv
}
