package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

func TestLoad(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")

	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "s3cret", cfg.Database.Password)
				assert.Equal(t, "jobs", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, QueueModePush, cfg.Queue.Mode)
				assert.Equal(t, 30*time.Minute, cfg.Worker.JobTimeout)
				assert.Equal(t, 8, cfg.Worker.Concurrency["embedding"])
				assert.Equal(t, []domain.Modality{domain.ModalityVideo, domain.ModalityAudio}, cfg.Pipeline.ModalityList())
				assert.Equal(t, "offchain-agent-worker", cfg.App.Name)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/pull_mode.yaml")
	require.NoError(t, err)

	assert.Equal(t, QueueNames{Media: "media", Embedding: "embedding", Backup: "backup"}, cfg.Queue.Names)
	assert.Equal(t, 5, cfg.Queue.MaxDeliveries)
	assert.Equal(t, RegistryPostgres, cfg.Backup.Registry)
	require.NoError(t, cfg.Validate())
}

// validConfig returns a config accepted by every validator
func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "agent_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "jobs"},
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			Mode:          QueueModePush,
			Names:         QueueNames{Media: "media", Embedding: "embedding", Backup: "backup"},
			MaxDeliveries: 5,
		},
		Storage:  StorageConfig{Endpoint: "localhost:9000", Bucket: "artifacts"},
		Pipeline: PipelineConfig{ModalityAttempts: 3, MLEndpoint: "http://ml/embed"},
		Backup: BackupConfig{
			Registry:         RegistryPostgres,
			SnapshotEndpoint: "http://replicas",
		},
		Autoscale: AutoscaleConfig{
			Queues:    []string{"media"},
			HighWater: 100,
			LowWater:  10,
			Floor:     1,
			Ceiling:   10,
			Emitters:  []string{EmitterLog},
		},
		Worker: WorkerConfig{
			JobTimeout:        30 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:      "missing queue mode",
			mutate:    func(c *Config) { c.Queue.Mode = "" },
			errString: "queue mode is required",
		},
		{
			name:      "unknown queue mode",
			mutate:    func(c *Config) { c.Queue.Mode = "kafka" },
			errString: "invalid queue mode",
		},
		{
			name:      "empty rabbitmq host in push mode",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			errString: "rabbitmq exchange name is required",
		},
		{
			name: "pull mode ignores rabbitmq",
			mutate: func(c *Config) {
				c.Queue.Mode = QueueModePull
				c.Queue.Partitions = 4
				c.Queue.Group = "workers"
				c.RabbitMQ = RabbitMQConfig{}
			},
		},
		{
			name: "pull mode without partitions",
			mutate: func(c *Config) {
				c.Queue.Mode = QueueModePull
				c.Queue.Group = "workers"
			},
			errString: "queue partitions must be greater than 0",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.Queue.Names.Embedding = "" },
			errString: "queue names must not be empty",
		},
		{
			name:      "missing redis",
			mutate:    func(c *Config) { c.Redis.Addr = "" },
			errString: "redis addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateAPIConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:      "missing bucket",
			mutate:    func(c *Config) { c.Storage.Bucket = "" },
			errString: "storage bucket is required",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			errString: "worker job_timeout must be greater than 0",
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = map[string]int{"media": 0} },
			errString: "worker concurrency for media",
		},
		{
			name: "visibility shorter than job timeout",
			mutate: func(c *Config) {
				c.Queue.Mode = QueueModePull
				c.Queue.Partitions = 4
				c.Queue.Group = "workers"
				c.Queue.VisibilityTimeout = 10 * time.Minute
			},
			errString: "must exceed worker job_timeout",
		},
		{
			name:      "modality attempts above max deliveries",
			mutate:    func(c *Config) { c.Pipeline.ModalityAttempts = 6 },
			errString: "must not exceed queue max_deliveries",
		},
		{
			name:      "unknown modality",
			mutate:    func(c *Config) { c.Pipeline.Modalities = []string{"video", "smell"} },
			errString: "unknown modality",
		},
		{
			name:      "static registry without replicas",
			mutate:    func(c *Config) { c.Backup.Registry = RegistryStatic },
			errString: "backup replicas are required",
		},
		{
			name:      "unknown registry",
			mutate:    func(c *Config) { c.Backup.Registry = "etcd" },
			errString: "invalid backup registry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateWorkerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateAutoscaleConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:      "no queues",
			mutate:    func(c *Config) { c.Autoscale.Queues = nil },
			errString: "autoscale queues are required",
		},
		{
			name:      "ceiling below floor",
			mutate:    func(c *Config) { c.Autoscale.Ceiling = 0; c.Autoscale.Floor = 2 },
			errString: "invalid autoscale bounds",
		},
		{
			name:      "inverted water marks",
			mutate:    func(c *Config) { c.Autoscale.LowWater = 500 },
			errString: "must not exceed high_water",
		},
		{
			name:      "webhook without url",
			mutate:    func(c *Config) { c.Autoscale.Emitters = []string{EmitterWebhook} },
			errString: "webhook_url is required",
		},
		{
			name:      "unknown emitter",
			mutate:    func(c *Config) { c.Autoscale.Emitters = []string{"pager"} },
			errString: "unknown autoscale emitter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateAutoscaleConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.NoError(t, cfg.ValidateAPIConfig())
	require.NoError(t, cfg.ValidateWorkerConfig())
	require.NoError(t, cfg.ValidateAutoscaleConfig())
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
}
