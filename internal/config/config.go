package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/answer-queue/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DriverPostgres stores jobs in PostgreSQL
	DriverPostgres = "postgres"
	// DriverMemory keeps jobs in process memory, for local runs and tests
	DriverMemory = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Commands CommandsConfig `yaml:"commands"`
	Auth     AuthConfig     `yaml:"auth"`
	Agent    AgentConfig    `yaml:"agent"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
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

	ConnectRetries       int           `yaml:"connect_retries"`
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled          bool             `yaml:"enabled"`
	Host             string           `yaml:"host"`
	Port             int              `yaml:"port"`
	User             string           `yaml:"user"`
	Password         string           `yaml:"password"`
	VHost            string           `yaml:"vhost"`
	Exchange         ExchangeConfig   `yaml:"exchange"`
	Queue            QueueConfig      `yaml:"queue"`
	RoutingKey       string           `yaml:"routing_key"`
	EventsRoutingKey string           `yaml:"events_routing_key"`
	Connection       ConnectionConfig `yaml:"connection"`
	Publish          PublishConfig    `yaml:"publish"`
	Consumer         ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
	Concurrency   int `yaml:"concurrency"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerClassConfig is one entry of jobs.worker_classes
type WorkerClassConfig struct {
	Name       string        `yaml:"name"`
	RetryLimit int           `yaml:"retry_limit"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// JobsConfig holds the worker class registry and lifecycle policy
type JobsConfig struct {
	WorkerClasses      []WorkerClassConfig `yaml:"worker_classes"`
	RankClass          string              `yaml:"rank_class"`
	DefaultRetryLimit  int                 `yaml:"default_retry_limit"`
	DefaultStaleAfter  time.Duration       `yaml:"default_stale_after"`
	DequeueTimeout     time.Duration       `yaml:"dequeue_timeout"`
	ReconcileOnStartup bool                `yaml:"reconcile_on_startup"`
	ReconcileInterval  time.Duration       `yaml:"reconcile_interval"`
}

// CommandsConfig holds command engine settings
type CommandsConfig struct {
	SuccessCapacity     int      `yaml:"success_capacity"`
	FailureCapacity     int      `yaml:"failure_capacity"`
	DurationSamples     int      `yaml:"duration_samples"`
	Ignore              []string `yaml:"ignore"`
	DispatchConcurrency int      `yaml:"dispatch_concurrency"`
}

// AuthConfig holds the HS256 secret used to verify admin tokens
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentConfig holds worker-service configuration
type AgentConfig struct {
	APIURL          string        `yaml:"api_url"`
	Token           string        `yaml:"token"`
	WorkerName      string        `yaml:"worker_name"`
	Classes         []string      `yaml:"classes"`
	Concurrency     int           `yaml:"concurrency"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	ExecutorURL     string        `yaml:"executor_url"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file, then fills unset values with defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills zero values with the documented defaults
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "jobs.commands"
	}
	if c.RabbitMQ.EventsRoutingKey == "" {
		c.RabbitMQ.EventsRoutingKey = "search.index"
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}
	if c.RabbitMQ.Consumer.PrefetchCount == 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 10
	}
	if c.RabbitMQ.Consumer.Concurrency == 0 {
		c.RabbitMQ.Consumer.Concurrency = 4
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if c.Jobs.RankClass == "" {
		c.Jobs.RankClass = domain.RankWorkerClass
	}
	if c.Jobs.DefaultRetryLimit == 0 {
		c.Jobs.DefaultRetryLimit = domain.DefaultRetryLimit
	}
	if c.Jobs.DefaultStaleAfter == 0 {
		c.Jobs.DefaultStaleAfter = domain.DefaultStaleAfter
	}
	if c.Jobs.DequeueTimeout == 0 {
		c.Jobs.DequeueTimeout = domain.DefaultDequeueTimeout
	}

	// Long polls hold the response open, so the write deadline has to outlast them.
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = c.Jobs.DequeueTimeout + 15*time.Second
	}

	if c.Commands.SuccessCapacity == 0 {
		c.Commands.SuccessCapacity = 250
	}
	if c.Commands.FailureCapacity == 0 {
		c.Commands.FailureCapacity = 250
	}
	if c.Commands.DurationSamples == 0 {
		c.Commands.DurationSamples = 1000
	}
	if c.Commands.DispatchConcurrency == 0 {
		c.Commands.DispatchConcurrency = 8
	}

	if c.Agent.Concurrency == 0 {
		c.Agent.Concurrency = 1
	}
	if c.Agent.PollTimeout == 0 {
		c.Agent.PollTimeout = domain.DefaultDequeueTimeout
	}
	if c.Agent.JobTimeout == 0 {
		c.Agent.JobTimeout = 5 * time.Minute
	}
	if c.Agent.ShutdownTimeout == 0 {
		c.Agent.ShutdownTimeout = 30 * time.Second
	}
}

// ValidateAPIConfig checks the settings the api-service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Jobs.DequeueTimeout {
		return fmt.Errorf("server write_timeout (%s) must be greater than jobs dequeue_timeout (%s)",
			c.Server.WriteTimeout, c.Jobs.DequeueTimeout)
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unknown database driver: %q", c.Database.Driver)
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	}

	if len(c.Jobs.WorkerClasses) == 0 {
		return fmt.Errorf("at least one worker class is required")
	}
	seen := make(map[string]struct{}, len(c.Jobs.WorkerClasses))
	for _, wc := range c.Jobs.WorkerClasses {
		if wc.Name == "" {
			return fmt.Errorf("worker class name is required")
		}
		if _, dup := seen[wc.Name]; dup {
			return fmt.Errorf("duplicate worker class: %q", wc.Name)
		}
		seen[wc.Name] = struct{}{}
		if wc.RetryLimit < 0 {
			return fmt.Errorf("worker class %q: retry_limit must not be negative", wc.Name)
		}
		if wc.StaleAfter < 0 {
			return fmt.Errorf("worker class %q: stale_after must not be negative", wc.Name)
		}
	}

	if c.Jobs.DefaultRetryLimit < 0 {
		return fmt.Errorf("jobs default_retry_limit must not be negative")
	}
	if c.Jobs.ReconcileInterval < 0 {
		return fmt.Errorf("jobs reconcile_interval must not be negative")
	}

	if c.Commands.SuccessCapacity < 0 || c.Commands.FailureCapacity < 0 {
		return fmt.Errorf("commands buffer capacities must not be negative")
	}
	if c.Commands.DispatchConcurrency <= 0 {
		return fmt.Errorf("commands dispatch_concurrency must be greater than 0")
	}

	return nil
}

// ValidateAgentConfig checks the settings the worker-service depends on
func (c *Config) ValidateAgentConfig() error {
	if c.Agent.APIURL == "" {
		return fmt.Errorf("agent api_url is required")
	}
	if _, err := url.ParseRequestURI(c.Agent.APIURL); err != nil {
		return fmt.Errorf("invalid agent api_url: %w", err)
	}

	if c.Agent.ExecutorURL == "" {
		return fmt.Errorf("agent executor_url is required")
	}
	if _, err := url.ParseRequestURI(c.Agent.ExecutorURL); err != nil {
		return fmt.Errorf("invalid agent executor_url: %w", err)
	}

	if len(c.Agent.Classes) == 0 {
		return fmt.Errorf("agent classes must not be empty")
	}

	if c.Agent.Concurrency <= 0 {
		return fmt.Errorf("agent concurrency must be greater than 0")
	}

	if c.Agent.PollTimeout <= 0 {
		return fmt.Errorf("agent poll_timeout must be greater than 0")
	}

	if c.Agent.JobTimeout <= 0 {
		return fmt.Errorf("agent job_timeout must be greater than 0")
	}

	if c.Agent.ShutdownTimeout <= 0 {
		return fmt.Errorf("agent shutdown_timeout must be greater than 0")
	}

	return nil
}

// BuildRegistry creates the worker class registry. The rank class is always registered.
func (c *Config) BuildRegistry() (*domain.Registry, error) {
	registry := domain.NewRegistry(c.Jobs.DefaultRetryLimit, c.Jobs.DefaultStaleAfter)

	for _, wc := range c.Jobs.WorkerClasses {
		err := registry.Register(domain.WorkerClass{
			Name:       wc.Name,
			RetryLimit: wc.RetryLimit,
			StaleAfter: wc.StaleAfter,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register worker class: %w", err)
		}
	}

	if !registry.Has(c.Jobs.RankClass) {
		if err := registry.Register(domain.WorkerClass{Name: c.Jobs.RankClass}); err != nil {
			return nil, fmt.Errorf("failed to register rank class: %w", err)
		}
	}

	return registry, nil
}
