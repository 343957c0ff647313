package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
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

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "jobs_db", cfg.Database.Database)
				assert.True(t, cfg.RabbitMQ.Enabled)
				assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "jobs_queue", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "search.index", cfg.RabbitMQ.EventsRoutingKey)
				assert.Equal(t, 20, cfg.RabbitMQ.Consumer.PrefetchCount)
				assert.Equal(t, "job-api-service", cfg.App.Name)

				require.Len(t, cfg.Jobs.WorkerClasses, 2)
				assert.Equal(t, "llama", cfg.Jobs.WorkerClasses[1].Name)
				assert.Equal(t, 5, cfg.Jobs.WorkerClasses[1].RetryLimit)
				assert.Equal(t, 10*time.Minute, cfg.Jobs.WorkerClasses[1].StaleAfter)
				assert.Equal(t, time.Minute, cfg.Jobs.ReconcileInterval)
				assert.True(t, cfg.Jobs.ReconcileOnStartup)

				assert.Equal(t, 100, cfg.Commands.SuccessCapacity)
				assert.Equal(t, []string{"ViewMetrics"}, cfg.Commands.Ignore)
				assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)

				assert.Equal(t, []string{"gemma", "llama"}, cfg.Agent.Classes)
				assert.Equal(t, 2*time.Minute, cfg.Agent.JobTimeout)
				// not set in the file
				assert.Equal(t, 30*time.Second, cfg.Agent.ShutdownTimeout)
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, "rank", cfg.Jobs.RankClass)
	assert.Equal(t, 3, cfg.Jobs.DefaultRetryLimit)
	assert.Equal(t, 5*time.Minute, cfg.Jobs.DefaultStaleAfter)
	assert.Equal(t, 30*time.Second, cfg.Jobs.DequeueTimeout)
	assert.Equal(t, 45*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 250, cfg.Commands.SuccessCapacity)
	assert.Equal(t, 250, cfg.Commands.FailureCapacity)
	assert.Equal(t, 1000, cfg.Commands.DurationSamples)
	assert.Equal(t, "search.index", cfg.RabbitMQ.EventsRoutingKey)
	assert.False(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, cfg.ValidateAPIConfig())
}

// validAPIConfig returns a config that passes ValidateAPIConfig
func validAPIConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "jobs_db",
		},
		RabbitMQ: RabbitMQConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    5672,
			Exchange: ExchangeConfig{
				Name: "jobs_exchange",
			},
			Queue: QueueConfig{
				Name: "jobs_queue",
			},
		},
		Jobs: JobsConfig{
			WorkerClasses: []WorkerClassConfig{{Name: "gemma"}, {Name: "llama"}},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = -1 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "write timeout shorter than long poll",
			mutate:    func(c *Config) { c.Server.WriteTimeout = 10 * time.Second },
			wantErr:   true,
			errString: "write_timeout",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name: "memory driver needs no database",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Driver: DriverMemory}
			},
		},
		{
			name:      "unknown driver",
			mutate:    func(c *Config) { c.Database.Driver = "sqlite" },
			wantErr:   true,
			errString: "unknown database driver",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name: "rabbitmq disabled skips broker checks",
			mutate: func(c *Config) {
				c.RabbitMQ = RabbitMQConfig{}
			},
		},
		{
			name:      "no worker classes",
			mutate:    func(c *Config) { c.Jobs.WorkerClasses = nil },
			wantErr:   true,
			errString: "at least one worker class",
		},
		{
			name: "duplicate worker class",
			mutate: func(c *Config) {
				c.Jobs.WorkerClasses = append(c.Jobs.WorkerClasses, WorkerClassConfig{Name: "gemma"})
			},
			wantErr:   true,
			errString: "duplicate worker class",
		},
		{
			name: "negative retry limit",
			mutate: func(c *Config) {
				c.Jobs.WorkerClasses[0].RetryLimit = -1
			},
			wantErr:   true,
			errString: "retry_limit must not be negative",
		},
		{
			name:      "zero dispatch concurrency",
			mutate:    func(c *Config) { c.Commands.DispatchConcurrency = 0 },
			wantErr:   true,
			errString: "dispatch_concurrency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validAPIConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateAgentConfig(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Agent: AgentConfig{
			APIURL:      "http://localhost:8080",
			ExecutorURL: "http://localhost:9000/generate",
			Classes:     []string{"gemma"},
		}}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:      "missing api url",
			mutate:    func(c *Config) { c.Agent.APIURL = "" },
			wantErr:   true,
			errString: "api_url is required",
		},
		{
			name:      "relative api url",
			mutate:    func(c *Config) { c.Agent.APIURL = "localhost" },
			wantErr:   true,
			errString: "invalid agent api_url",
		},
		{
			name:      "missing executor url",
			mutate:    func(c *Config) { c.Agent.ExecutorURL = "" },
			wantErr:   true,
			errString: "executor_url is required",
		},
		{
			name:      "no classes",
			mutate:    func(c *Config) { c.Agent.Classes = nil },
			wantErr:   true,
			errString: "classes must not be empty",
		},
		{
			name:      "negative concurrency",
			mutate:    func(c *Config) { c.Agent.Concurrency = -2 },
			wantErr:   true,
			errString: "concurrency must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.ValidateAgentConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_BuildRegistry(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	registry, err := cfg.BuildRegistry()
	require.NoError(t, err)

	assert.Equal(t, []string{"gemma", "llama", "rank"}, registry.Names())
	assert.Equal(t, 3, registry.RetryLimit("gemma"))
	assert.Equal(t, 5, registry.RetryLimit("llama"))
	assert.Equal(t, 5*time.Minute, registry.StaleAfter("gemma"))
	assert.Equal(t, 10*time.Minute, registry.StaleAfter("llama"))
	assert.Equal(t, 3, registry.RetryLimit("rank"))
}

func TestConfig_BuildRegistryKeepsConfiguredRankPolicy(t *testing.T) {
	cfg := validAPIConfig()
	cfg.Jobs.WorkerClasses = append(cfg.Jobs.WorkerClasses, WorkerClassConfig{Name: "rank", RetryLimit: 7})

	registry, err := cfg.BuildRegistry()
	require.NoError(t, err)

	assert.Equal(t, 7, registry.RetryLimit("rank"))
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateAgentConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	t.Run("port constants are correct", func(t *testing.T) {
		assert.Equal(t, 1, MinPort)
		assert.Equal(t, 65535, MaxPort)
	})

	t.Run("invalid port range", func(t *testing.T) {
		invalidPorts := []int{0, -1, 65536, 70000}
		for _, port := range invalidPorts {
			valid := port >= MinPort && port <= MaxPort
			assert.False(t, valid, "port %d should be invalid", port)
		}
	})
}
