package config

import (
	"os"
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
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, "redis.internal", cfg.Broker.Redis.Host)
			assert.Equal(t, 6380, cfg.Broker.Redis.Port)
			assert.Equal(t, 2, cfg.Broker.Redis.DB)
			assert.Equal(t, []string{"high", "default", "low"}, cfg.Worker.Queues)
			assert.Equal(t, 2*time.Second, cfg.Worker.PollTimeout)
			assert.Equal(t, FailurePolicyRetain, cfg.Worker.FailurePolicy)
			assert.Equal(t, 3, cfg.Worker.Reconnect.Attempts)
			assert.Equal(t, "jobs_db", cfg.Database.Database)

			// Unset keys keep their defaults
			assert.Equal(t, 2.0, cfg.Worker.Reconnect.BackoffMultiplier)
			assert.Zero(t, cfg.Worker.ShutdownTimeout)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	cfg, err := LoadOptional("testdata/nonexistent.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = LoadOptional("testdata/malformed.yaml")
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DriverRedis, cfg.Broker.Driver)
	assert.Equal(t, []string{DefaultQueue}, cfg.Worker.Queues)
	assert.Equal(t, 6379, cfg.Broker.Redis.Port)
	assert.Equal(t, 0, cfg.Broker.Redis.DB)
	assert.Equal(t, 0, cfg.Worker.Reconnect.Attempts)
	assert.NoError(t, cfg.ValidateWorkerConfig())
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Run("redis overrides", func(t *testing.T) {
		env := map[string]string{
			"RQ_DEFAULT_HOST":     "cache",
			"RQ_DEFAULT_PORT":     "6390",
			"RQ_DEFAULT_DB":       "3",
			"RQ_DEFAULT_PASSWORD": "pw",
			"WORKER_QUEUES":       "high, default",
		}
		cfg := Default()
		require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

		assert.Equal(t, "cache", cfg.Broker.Redis.Host)
		assert.Equal(t, 6390, cfg.Broker.Redis.Port)
		assert.Equal(t, 3, cfg.Broker.Redis.DB)
		assert.Equal(t, "pw", cfg.Broker.Redis.Password)
		assert.Equal(t, []string{"high", "default"}, cfg.Worker.Queues)
	})

	t.Run("rabbitmq overrides", func(t *testing.T) {
		env := map[string]string{
			"BROKER_DRIVER":   "rabbitmq",
			"RQ_DEFAULT_HOST": "mq",
			"RQ_DEFAULT_PORT": "5673",
		}
		cfg := Default()
		require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

		assert.Equal(t, DriverRabbitMQ, cfg.Broker.Driver)
		assert.Equal(t, "mq", cfg.Broker.RabbitMQ.Host)
		assert.Equal(t, 5673, cfg.Broker.RabbitMQ.Port)
		assert.Equal(t, "localhost", cfg.Broker.Redis.Host)
	})

	t.Run("invalid port", func(t *testing.T) {
		cfg := Default()
		err := cfg.ApplyEnv(func(k string) string {
			if k == "RQ_DEFAULT_PORT" {
				return "sixty"
			}
			return ""
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "RQ_DEFAULT_PORT")
	})

	t.Run("process environment", func(t *testing.T) {
		t.Setenv("RQ_DEFAULT_HOST", "from-env")
		cfg := Default()
		t.Setenv("WORKER_QUEUES", "high,low")
		require.NoError(t, cfg.ApplyEnv(os.Getenv))
		assert.Equal(t, "from-env", cfg.Broker.Redis.Host)
		assert.Equal(t, []string{"high", "low"}, cfg.Worker.Queues)
	})
}

func TestSplitQueues(t *testing.T) {
	assert.Equal(t, []string{"a"}, SplitQueues("a"))
	assert.Equal(t, []string{"a", "b"}, SplitQueues(" a , b "))
	assert.Equal(t, []string{"a", ""}, SplitQueues("a,"))
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:      "unknown driver",
			mutate:    func(c *Config) { c.Broker.Driver = "kafka" },
			errString: "unknown broker driver",
		},
		{
			name:      "empty redis host",
			mutate:    func(c *Config) { c.Broker.Redis.Host = "" },
			errString: "redis host is required",
		},
		{
			name:      "redis port too high",
			mutate:    func(c *Config) { c.Broker.Redis.Port = 70000 },
			errString: "invalid redis port",
		},
		{
			name:      "negative redis db",
			mutate:    func(c *Config) { c.Broker.Redis.DB = -1 },
			errString: "invalid redis db index",
		},
		{
			name: "empty rabbitmq host",
			mutate: func(c *Config) {
				c.Broker.Driver = DriverRabbitMQ
				c.Broker.RabbitMQ.Host = ""
			},
			errString: "rabbitmq host is required",
		},
		{
			name: "database enabled without name",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Database = ""
			},
			errString: "database name is required",
		},
		{
			name:      "zero poll timeout",
			mutate:    func(c *Config) { c.Worker.PollTimeout = 0 },
			errString: "poll_timeout",
		},
		{
			name:      "negative max jobs",
			mutate:    func(c *Config) { c.Worker.MaxJobs = -1 },
			errString: "max_jobs",
		},
		{
			name:      "unknown failure policy",
			mutate:    func(c *Config) { c.Worker.FailurePolicy = "drop" },
			errString: "failure_policy",
		},
		{
			name: "retain policy on rabbitmq",
			mutate: func(c *Config) {
				c.Broker.Driver = DriverRabbitMQ
				c.Worker.FailurePolicy = FailurePolicyRetain
			},
			errString: "not supported by the rabbitmq driver",
		},
		{
			name:   "retain policy on redis",
			mutate: func(c *Config) { c.Worker.FailurePolicy = FailurePolicyRetain },
		},
		{
			name:      "negative shutdown timeout",
			mutate:    func(c *Config) { c.Worker.ShutdownTimeout = -time.Second },
			errString: "shutdown_timeout",
		},
		{
			name:      "negative reconnect attempts",
			mutate:    func(c *Config) { c.Worker.Reconnect.Attempts = -2 },
			errString: "reconnect attempts",
		},
		{
			name:      "status server port out of range",
			mutate:    func(c *Config) { c.Server.Port = 65536 },
			errString: "invalid server port",
		},
		{
			name:   "blank queue names are left to binding",
			mutate: func(c *Config) { c.Worker.Queues = []string{""} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	cfg := Default()
	err := cfg.ValidateAPIConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")

	cfg.Server.Port = 8080
	assert.NoError(t, cfg.ValidateAPIConfig())
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)

		err = cfg.ValidateWorkerConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid redis port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)

		err = cfg.ValidateWorkerConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
}
