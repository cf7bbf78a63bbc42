// Package broker opens the broker selected by configuration.
package broker

import (
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobworker/internal/broker/rabbitbroker"
	"github.com/cuongbtq/jobworker/internal/broker/redisbroker"
	"github.com/cuongbtq/jobworker/internal/config"
	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/jobworker/shared/redis"
)

// Broker is what both binaries need from a connected broker
type Broker interface {
	worker.Source
	worker.Producer
	worker.Inspector
}

// Open connects to the configured broker. Connection failures wrap
// domain.ErrConnection.
func Open(cfg *config.Config, logger *slog.Logger) (Broker, error) {
	switch cfg.Broker.Driver {
	case config.DriverRedis:
		return openRedis(cfg, logger)
	case config.DriverRabbitMQ:
		return openRabbitMQ(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown broker driver: %q", cfg.Broker.Driver)
	}
}

func openRedis(cfg *config.Config, logger *slog.Logger) (Broker, error) {
	rc := cfg.Broker.Redis
	client, err := sharedredis.NewClient(&sharedredis.Config{
		Host:         rc.Host,
		Port:         rc.Port,
		DB:           rc.DB,
		Password:     rc.Password,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		PoolSize:     rc.PoolSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}
	logger.Info("Opened redis broker", slog.String("addr", client.Addr()))

	return redisbroker.New(client, redisbroker.Config{
		KeyPrefix:     rc.KeyPrefix,
		FailurePolicy: cfg.Worker.FailurePolicy,
		ResultTTL:     cfg.Worker.ResultTTL,
		FailureTTL:    cfg.Worker.FailureTTL,
	}, logger), nil
}

func openRabbitMQ(cfg *config.Config, logger *slog.Logger) (Broker, error) {
	rc := cfg.Broker.RabbitMQ
	client, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:              rc.Host,
		Port:              rc.Port,
		User:              rc.User,
		Password:          rc.Password,
		VHost:             rc.VHost,
		QueueDurable:      rc.Durable,
		RetryAttempts:     rc.RetryAttempts,
		RetryInterval:     rc.RetryInterval,
		Heartbeat:         rc.Heartbeat,
		ConnectionTimeout: rc.ConnectionTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}

	return rabbitbroker.New(client, rabbitbroker.Config{
		PollInterval: rc.PollInterval,
	}, logger), nil
}
