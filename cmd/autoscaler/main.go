package main

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/offchain-agent/internal/autoscale"
	"github.com/cuongbtq/offchain-agent/internal/bootstrap"
	"github.com/cuongbtq/offchain-agent/internal/config"
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

	defaultConfigPath := os.Getenv("AUTOSCALER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/autoscaler/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAutoscaleConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting autoscaler",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.Any("queues", cfg.Autoscale.Queues),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	defer queueClient.Close()

	emitters := initEmitters(&cfg.Autoscale, appLogger.Logger)
	policy := autoscale.Policy{
		HighWater:         cfg.Autoscale.HighWater,
		LowWater:          cfg.Autoscale.LowWater,
		Staleness:         cfg.Autoscale.Staleness,
		LowWindow:         cfg.Autoscale.LowWindow,
		Cooldown:          cfg.Autoscale.Cooldown,
		Floor:             cfg.Autoscale.Floor,
		Ceiling:           cfg.Autoscale.Ceiling,
		MessagesPerWorker: cfg.Autoscale.MessagesPerWorker,
	}

	if port := cfg.Autoscale.MetricsPort; port != 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range cfg.Autoscale.Queues {
		controller := autoscale.NewController(queueClient, queue, policy, cfg.Autoscale.Interval, cfg.Autoscale.Initial, emitters, appLogger.Logger)
		g.Go(func() error {
			return controller.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Autoscaler stopped with error", slog.String("error", err.Error()))
		return err
	}

	appLogger.Info("Autoscaler shutdown complete")
	return nil
}

// initEmitters builds the configured scale target emitters; log is the default
func initEmitters(cfg *config.AutoscaleConfig, logger *slog.Logger) []autoscale.Emitter {
	names := cfg.Emitters
	if len(names) == 0 {
		names = []string{config.EmitterLog}
	}

	emitters := make([]autoscale.Emitter, 0, len(names))
	for _, name := range names {
		switch name {
		case config.EmitterLog:
			emitters = append(emitters, autoscale.NewLogEmitter(logger))
		case config.EmitterGauge:
			emitters = append(emitters, autoscale.GaugeEmitter{})
		case config.EmitterWebhook:
			emitters = append(emitters, autoscale.NewWebhookEmitter(cfg.WebhookURL, &http.Client{Timeout: 10 * time.Second}, cfg.Webhook.Policy()))
		}
	}
	return emitters
}
