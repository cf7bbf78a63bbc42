package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DriverRedis selects the Redis broker
	DriverRedis = "redis"
	// DriverRabbitMQ selects the RabbitMQ broker
	DriverRabbitMQ = "rabbitmq"

	// FailurePolicyMove moves failed jobs into the failed registry
	FailurePolicyMove = "move"
	// FailurePolicyRetain keeps failed jobs in place, marked failed
	FailurePolicyRetain = "retain"

	// DefaultQueue is bound when no queues are configured
	DefaultQueue = "default"
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Broker   BrokerConfig   `yaml:"broker"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// BrokerConfig selects and configures the message broker
type BrokerConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	DB           int           `yaml:"db"`
	Password     string        `yaml:"password"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// RabbitMQConfig holds RabbitMQ connection configuration
type RabbitMQConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	VHost             string        `yaml:"vhost"`
	Durable           bool          `yaml:"durable"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
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
	RecordRuns      bool          `yaml:"record_runs"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// ServerConfig holds HTTP server configuration. For the worker a zero
// port disables the status server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkerConfig holds work loop configuration
type WorkerConfig struct {
	Name              string          `yaml:"name"`
	Queues            []string        `yaml:"queues"`
	PollTimeout       time.Duration   `yaml:"poll_timeout"`
	Burst             bool            `yaml:"burst"`
	MaxJobs           int             `yaml:"max_jobs"`
	JobTimeout        time.Duration   `yaml:"job_timeout"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	FailurePolicy     string          `yaml:"failure_policy"`
	ResultTTL         time.Duration   `yaml:"result_ttl"`
	FailureTTL        time.Duration   `yaml:"failure_ttl"`
	// ShutdownTimeout bounds the wait for the current job after a stop
	// signal. Zero waits until the job finishes.
	ShutdownTimeout   time.Duration   `yaml:"shutdown_timeout"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig bounds reconnection after a lost broker connection.
// Zero attempts disables reconnection.
type ReconnectConfig struct {
	Attempts          int           `yaml:"attempts"`
	Interval          time.Duration `yaml:"interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "jobworker",
			Version:     "dev",
			Environment: "development",
		},
		Broker: BrokerConfig{
			Driver: DriverRedis,
			Redis: RedisConfig{
				Host:        "localhost",
				Port:        6379,
				KeyPrefix:   "rq",
				DialTimeout: 5 * time.Second,
			},
			RabbitMQ: RabbitMQConfig{
				Host:          "localhost",
				Port:          5672,
				User:          "guest",
				Password:      "guest",
				VHost:         "/",
				Durable:       true,
				RetryAttempts: 1,
				Heartbeat:     10 * time.Second,
				PollInterval:  200 * time.Millisecond,
			},
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Server: ServerConfig{
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			Queues:            []string{DefaultQueue},
			PollTimeout:       5 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			FailurePolicy:     FailurePolicyMove,
			Reconnect: ReconnectConfig{
				Interval:          time.Second,
				BackoffMultiplier: 2,
			},
		},
	}
}

// Load reads and parses the configuration file on top of Default
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadOptional behaves like Load but falls back to Default when the file
// does not exist
func LoadOptional(configPath string) (*Config, error) {
	config, err := Load(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides broker and worker settings from the environment.
// RQ_DEFAULT_* follow the variable names the surrounding application uses.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("BROKER_DRIVER"); v != "" {
		c.Broker.Driver = v
	}

	host := getenv("RQ_DEFAULT_HOST")
	password := getenv("RQ_DEFAULT_PASSWORD")
	port, err := envInt(getenv, "RQ_DEFAULT_PORT")
	if err != nil {
		return err
	}
	db, err := envInt(getenv, "RQ_DEFAULT_DB")
	if err != nil {
		return err
	}

	switch c.Broker.Driver {
	case DriverRabbitMQ:
		if host != "" {
			c.Broker.RabbitMQ.Host = host
		}
		if port != nil {
			c.Broker.RabbitMQ.Port = *port
		}
		if password != "" {
			c.Broker.RabbitMQ.Password = password
		}
	default:
		if host != "" {
			c.Broker.Redis.Host = host
		}
		if port != nil {
			c.Broker.Redis.Port = *port
		}
		if db != nil {
			c.Broker.Redis.DB = *db
		}
		if password != "" {
			c.Broker.Redis.Password = password
		}
	}

	if v := getenv("WORKER_QUEUES"); v != "" {
		c.Worker.Queues = SplitQueues(v)
	}
	if v := getenv("WORKER_NAME"); v != "" {
		c.Worker.Name = v
	}

	return nil
}

func envInt(getenv func(string) string, key string) (*int, error) {
	v := getenv(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q is not an integer", key, v)
	}
	return &n, nil
}

// SplitQueues parses a comma-separated queue list. Blank entries are kept
// so that binding can reject them.
func SplitQueues(s string) []string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// ValidateBroker checks the selected broker settings
func (c *Config) ValidateBroker() error {
	switch c.Broker.Driver {
	case DriverRedis:
		if c.Broker.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
		if c.Broker.Redis.Port < MinPort || c.Broker.Redis.Port > MaxPort {
			return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Broker.Redis.Port, MinPort, MaxPort)
		}
		if c.Broker.Redis.DB < 0 {
			return fmt.Errorf("invalid redis db index: %d", c.Broker.Redis.DB)
		}
	case DriverRabbitMQ:
		if c.Broker.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.Broker.RabbitMQ.Port < MinPort || c.Broker.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.Broker.RabbitMQ.Port, MinPort, MaxPort)
		}
	default:
		return fmt.Errorf("unknown broker driver: %q", c.Broker.Driver)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if !c.Database.Enabled {
		return nil
	}
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

// ValidateWorkerConfig checks what the worker process needs. Queue names
// are checked when the queues are bound, not here.
func (c *Config) ValidateWorkerConfig() error {
	if err := c.ValidateBroker(); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Worker.PollTimeout <= 0 {
		return fmt.Errorf("worker poll_timeout must be greater than 0")
	}
	if c.Worker.MaxJobs < 0 {
		return fmt.Errorf("worker max_jobs must not be negative")
	}
	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("worker job_timeout must not be negative")
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}
	switch c.Worker.FailurePolicy {
	case FailurePolicyMove, FailurePolicyRetain:
	default:
		return fmt.Errorf("worker failure_policy must be %q or %q", FailurePolicyMove, FailurePolicyRetain)
	}
	if c.Worker.FailurePolicy == FailurePolicyRetain && c.Broker.Driver == DriverRabbitMQ {
		return fmt.Errorf("worker failure_policy %q is not supported by the %s driver", FailurePolicyRetain, DriverRabbitMQ)
	}
	if c.Worker.ShutdownTimeout < 0 {
		return fmt.Errorf("worker shutdown_timeout must not be negative")
	}
	if c.Worker.Reconnect.Attempts < 0 {
		return fmt.Errorf("worker reconnect attempts must not be negative")
	}
	if c.Server.Port != 0 && (c.Server.Port < MinPort || c.Server.Port > MaxPort) {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return nil
}

// ValidateAPIConfig checks what the producer API needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return c.ValidateBroker()
}
