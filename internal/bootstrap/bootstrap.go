// Package bootstrap builds the infrastructure clients shared by the service
// binaries from their configuration.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/offchain-agent/internal/config"
	"github.com/cuongbtq/offchain-agent/internal/queue"
	"github.com/cuongbtq/offchain-agent/shared/logger"
	"github.com/cuongbtq/offchain-agent/shared/postgresql"
	"github.com/cuongbtq/offchain-agent/shared/rabbitmq"
	"github.com/cuongbtq/offchain-agent/shared/redisdb"
	"github.com/cuongbtq/offchain-agent/shared/tracing"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	}

	return logger.New(loggerCfg)
}

// InitPostgreSQL initializes the PostgreSQL database client and applies the
// embedded migrations when configured to
func InitPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	client, err := postgresql.NewClient(dbConfig, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := client.Migrate(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return client, nil
}

// InitRedis initializes the Redis client
func InitRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redisdb.Client, error) {
	return redisdb.NewClient(&redisdb.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// InitTracing installs the tracer provider for service
func InitTracing(ctx context.Context, service string, cfg *config.Config, logger *slog.Logger) (func(context.Context) error, error) {
	return tracing.Init(ctx, service, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		Headers:     cfg.Tracing.Headers,
		SampleRatio: cfg.Tracing.SampleRatio,
		Environment: cfg.App.Environment,
	}, logger)
}

// QueueOptions converts the queue section to client options
func QueueOptions(cfg *config.QueueConfig) queue.Options {
	return queue.Options{
		MaxDeliveries: cfg.MaxDeliveries,
		Concurrency:   cfg.Prefetch,
		PublishRetry:  cfg.Publish.Policy(),
	}
}

// InitQueue creates the queue client for the configured mode. The returned
// closer releases the broker connection owned by the client.
func InitQueue(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (*queue.Client, io.Closer, error) {
	opts := QueueOptions(&cfg.Queue)

	switch cfg.Queue.Mode {
	case config.QueueModePush:
		rc := cfg.RabbitMQ
		client, err := rabbitmq.NewClient(&rabbitmq.Config{
			Host:               rc.Host,
			Port:               rc.Port,
			User:               rc.User,
			Password:           rc.Password,
			VHost:              rc.VHost,
			ExchangeName:       rc.Exchange.Name,
			ExchangeType:       rc.Exchange.Type,
			ExchangeDurable:    rc.Exchange.Durable,
			ExchangeAutoDelete: rc.Exchange.AutoDelete,
			Queues:             cfg.Queue.Names.All(),
			RetryAttempts:      rc.Connection.RetryAttempts,
			RetryInterval:      rc.Connection.RetryInterval,
			Heartbeat:          rc.Connection.Heartbeat,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		ro := queue.RabbitOptions{
			ConsumerTag: rc.ConsumerTag,
			Prefetch:    cfg.Queue.Prefetch,
		}
		return queue.NewRabbitClient(client, ro, opts, logger), client, nil

	case config.QueueModePull:
		so := StreamOptions(&cfg.Queue)
		leases := queue.NewRedisLeaseTable(rdb, so.Prefix)
		return queue.NewStreamClient(rdb, leases, so, opts, logger), nopCloser{}, nil
	}

	return nil, nil, fmt.Errorf("invalid queue mode: %q", cfg.Queue.Mode)
}

// StreamOptions converts the queue section to pull transport options. The
// consumer name defaults to the host name so restarts keep their identity.
func StreamOptions(cfg *config.QueueConfig) queue.StreamOptions {
	consumer := cfg.Consumer
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	prefix := cfg.StreamPrefix
	if prefix == "" {
		prefix = "jobs"
	}
	return queue.StreamOptions{
		Prefix:            prefix,
		Partitions:        cfg.Partitions,
		Group:             cfg.Group,
		Consumer:          consumer,
		VisibilityTimeout: cfg.VisibilityTimeout,
		LeaseTTL:          cfg.LeaseTTL,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
