package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/shared/retry"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Queue transport modes
const (
	QueueModePush = "push"
	QueueModePull = "pull"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Storage   StorageConfig   `yaml:"storage"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Backup    BackupConfig    `yaml:"backup"`
	Autoscale AutoscaleConfig `yaml:"autoscale"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds the push-mode broker connection and exchange
type RabbitMQConfig struct {
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	User        string           `yaml:"user"`
	Password    string           `yaml:"password"`
	VHost       string           `yaml:"vhost"`
	Exchange    ExchangeConfig   `yaml:"exchange"`
	ConsumerTag string           `yaml:"consumer_tag"`
	Connection  ConnectionConfig `yaml:"connection"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// RedisConfig holds the Redis connection used by the pull transport, the
// fan-in tracker, the cancel bus and the backup ledger
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"pool_size"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	CancelChannel string        `yaml:"cancel_channel"`
}

// QueueNames are the logical queues
type QueueNames struct {
	Media     string `yaml:"media"`
	Embedding string `yaml:"embedding"`
	Backup    string `yaml:"backup"`
}

// All returns every configured queue name
func (n QueueNames) All() []string {
	return []string{n.Media, n.Embedding, n.Backup}
}

// QueueConfig selects and tunes the queue transport
type QueueConfig struct {
	Mode              string        `yaml:"mode"` // push or pull
	Names             QueueNames    `yaml:"names"`
	MaxDeliveries     int           `yaml:"max_deliveries"`
	Prefetch          int           `yaml:"prefetch"`
	StreamPrefix      string        `yaml:"stream_prefix"`
	Partitions        int           `yaml:"partitions"`
	Group             string        `yaml:"group"`
	Consumer          string        `yaml:"consumer"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	Publish           RetryConfig   `yaml:"publish"`
}

// RetryConfig describes a bounded exponential backoff
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// Policy converts the config to a retry policy. A zero config yields a zero
// policy, which components replace with their defaults.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Multiplier:  r.Multiplier,
	}
}

// StorageConfig holds the S3-compatible object store
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// PipelineConfig tunes the media pipeline
type PipelineConfig struct {
	Modalities       []string      `yaml:"modalities"`
	Fetch            RetryConfig   `yaml:"fetch"`
	ModalityAttempts int           `yaml:"modality_attempts"`
	WaitTimeout      time.Duration `yaml:"wait_timeout"`
	MLEndpoint       string        `yaml:"ml_endpoint"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	FFmpegPath       string        `yaml:"ffmpeg_path"`
	FFprobePath      string        `yaml:"ffprobe_path"`
	FrameRate        int           `yaml:"frame_rate"`
	MaxFrames        int           `yaml:"max_frames"`
	TrackerTTL       time.Duration `yaml:"tracker_ttl"`
	TrackerPoll      time.Duration `yaml:"tracker_poll"`
	MaxSourceBytes   int64         `yaml:"max_source_bytes"`
}

// ModalityList returns the configured modalities; empty means all of them
func (p PipelineConfig) ModalityList() []domain.Modality {
	out := make([]domain.Modality, 0, len(p.Modalities))
	for _, m := range p.Modalities {
		out = append(out, domain.Modality(m))
	}
	return out
}

// Backup replica registry sources
const (
	RegistryPostgres = "postgres"
	RegistryStatic   = "static"
)

// BackupConfig tunes the backup orchestrator
type BackupConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	ReplicaTimeout     time.Duration `yaml:"replica_timeout"`
	RunBudget          time.Duration `yaml:"run_budget"`
	Registry           string        `yaml:"registry"` // postgres or static
	Replicas           []string      `yaml:"replicas"` // static registry
	SnapshotEndpoint   string        `yaml:"snapshot_endpoint"`
	SnapshotRetry      RetryConfig   `yaml:"snapshot_retry"`
	SkipCompletedToday bool          `yaml:"skip_completed_today"`
	ProgressEvery      int           `yaml:"progress_every"`
	LedgerTTL          time.Duration `yaml:"ledger_ttl"`
}

// Autoscale emitters
const (
	EmitterLog     = "log"
	EmitterGauge   = "gauge"
	EmitterWebhook = "webhook"
)

// AutoscaleConfig tunes the autoscale controller
type AutoscaleConfig struct {
	Queues            []string      `yaml:"queues"`
	Interval          time.Duration `yaml:"interval"`
	HighWater         int64         `yaml:"high_water"`
	LowWater          int64         `yaml:"low_water"`
	Staleness         time.Duration `yaml:"staleness"`
	LowWindow         time.Duration `yaml:"low_window"`
	Cooldown          time.Duration `yaml:"cooldown"`
	Floor             int           `yaml:"floor"`
	Ceiling           int           `yaml:"ceiling"`
	Initial           int           `yaml:"initial"`
	MessagesPerWorker int64         `yaml:"messages_per_worker"`
	Emitters          []string      `yaml:"emitters"`
	WebhookURL        string        `yaml:"webhook_url"`
	Webhook           RetryConfig   `yaml:"webhook_retry"`
	MetricsPort       int           `yaml:"metrics_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       map[string]int `yaml:"concurrency"` // per queue name
	JobTimeout        time.Duration  `yaml:"job_timeout"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration  `yaml:"shutdown_timeout"`
	CancelTTL         time.Duration  `yaml:"cancel_ttl"`
}

// Load reads the configuration file, expanding ${VAR} placeholders from the
// environment before parsing
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.setDefaults()

	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Queue.Names.Media == "" {
		c.Queue.Names.Media = "media"
	}
	if c.Queue.Names.Embedding == "" {
		c.Queue.Names.Embedding = "embedding"
	}
	if c.Queue.Names.Backup == "" {
		c.Queue.Names.Backup = "backup"
	}
	if c.Queue.MaxDeliveries == 0 {
		c.Queue.MaxDeliveries = 5
	}
	if c.Backup.Registry == "" {
		c.Backup.Registry = RegistryPostgres
	}
}

// Validate checks the sections shared by every process: the queue transport
// and the Redis connection behind the cancel bus
func (c *Config) Validate() error {
	switch c.Queue.Mode {
	case QueueModePush:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	case QueueModePull:
		if c.Queue.Partitions <= 0 {
			return fmt.Errorf("queue partitions must be greater than 0 in pull mode")
		}
		if c.Queue.Group == "" {
			return fmt.Errorf("queue consumer group is required in pull mode")
		}
	case "":
		return fmt.Errorf("queue mode is required (push or pull)")
	default:
		return fmt.Errorf("invalid queue mode: %q (must be push or pull)", c.Queue.Mode)
	}

	for _, name := range c.Queue.Names.All() {
		if name == "" {
			return fmt.Errorf("queue names must not be empty")
		}
	}

	if c.Queue.MaxDeliveries <= 0 {
		return fmt.Errorf("queue max_deliveries must be greater than 0")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

// ValidateAPIConfig checks the sections used by the API service
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.validateDatabase()
}

// ValidateWorkerConfig checks the sections used by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Storage.Endpoint == "" {
		return fmt.Errorf("storage endpoint is required")
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	for queue, n := range c.Worker.Concurrency {
		if n <= 0 {
			return fmt.Errorf("worker concurrency for %s must be greater than 0", queue)
		}
	}

	// A message would be reclaimed by another consumer while still running
	if c.Queue.Mode == QueueModePull && c.Queue.VisibilityTimeout > 0 && c.Queue.VisibilityTimeout <= c.Worker.JobTimeout {
		return fmt.Errorf("queue visibility_timeout (%s) must exceed worker job_timeout (%s)", c.Queue.VisibilityTimeout, c.Worker.JobTimeout)
	}

	if c.Pipeline.ModalityAttempts > c.Queue.MaxDeliveries {
		return fmt.Errorf("pipeline modality_attempts (%d) must not exceed queue max_deliveries (%d)", c.Pipeline.ModalityAttempts, c.Queue.MaxDeliveries)
	}

	for _, m := range c.Pipeline.ModalityList() {
		if !m.Valid() {
			return fmt.Errorf("unknown modality: %q", m)
		}
	}

	if c.Pipeline.MLEndpoint == "" {
		return fmt.Errorf("pipeline ml_endpoint is required")
	}

	switch c.Backup.Registry {
	case RegistryPostgres:
	case RegistryStatic:
		if len(c.Backup.Replicas) == 0 {
			return fmt.Errorf("backup replicas are required with the static registry")
		}
	default:
		return fmt.Errorf("invalid backup registry: %q (must be postgres or static)", c.Backup.Registry)
	}

	if c.Backup.SnapshotEndpoint == "" {
		return fmt.Errorf("backup snapshot_endpoint is required")
	}

	return nil
}

// ValidateAutoscaleConfig checks the sections used by the autoscaler
func (c *Config) ValidateAutoscaleConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	a := c.Autoscale
	if len(a.Queues) == 0 {
		return fmt.Errorf("autoscale queues are required")
	}

	if a.Floor < 0 || a.Ceiling < a.Floor {
		return fmt.Errorf("invalid autoscale bounds: floor %d, ceiling %d", a.Floor, a.Ceiling)
	}

	if a.Ceiling == 0 {
		return fmt.Errorf("autoscale ceiling must be greater than 0")
	}

	if a.LowWater > a.HighWater {
		return fmt.Errorf("autoscale low_water (%d) must not exceed high_water (%d)", a.LowWater, a.HighWater)
	}

	if a.MessagesPerWorker < 0 {
		return fmt.Errorf("autoscale messages_per_worker must not be negative")
	}

	var errs []error
	for _, e := range a.Emitters {
		switch e {
		case EmitterLog, EmitterGauge:
		case EmitterWebhook:
			if a.WebhookURL == "" {
				errs = append(errs, fmt.Errorf("autoscale webhook_url is required by the webhook emitter"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown autoscale emitter: %q", e))
		}
	}

	if a.MetricsPort != 0 && (a.MetricsPort < MinPort || a.MetricsPort > MaxPort) {
		errs = append(errs, fmt.Errorf("invalid autoscale metrics port: %d", a.MetricsPort))
	}

	return errors.Join(errs...)
}
