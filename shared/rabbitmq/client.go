package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when an operation needs a live channel
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	QueueDurable      bool
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
}

// Client represents a RabbitMQ client. Queues are addressed directly
// through the default exchange, so the routing key is the queue name.
type Client struct {
	config *Config
	logger *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	closeChan   chan *amqp.Error
	isConnected bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

func (c *Client) dsn() string {
	vhost := c.config.VHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		vhost,
	)
}

// connect dials the broker. RetryAttempts <= 1 means a single attempt.
func (c *Client) connect() error {
	attempts := c.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.String("host", c.config.Host),
			slog.Int("port", c.config.Port),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		conn, err = amqp.DialConfig(c.dsn(), amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	closeChan := make(chan *amqp.Error, 1)
	channel.NotifyClose(closeChan)

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.closeChan = closeChan
	c.isConnected = true
	c.mu.Unlock()

	c.logger.Info("Successfully connected to RabbitMQ")
	return nil
}

// Reconnect drops the current connection, if any, and dials again
func (c *Client) Reconnect() error {
	c.closeConn()
	return c.connect()
}

func (c *Client) current() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isConnected || c.channel == nil || c.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

// DeclareQueue declares a queue; declaring an existing queue is a no-op
func (c *Client) DeclareQueue(name string) error {
	channel, err := c.current()
	if err != nil {
		return err
	}

	_, err = channel.QueueDeclare(
		name,                  // name
		c.config.QueueDurable, // durable
		false,                 // auto-delete
		false,                 // exclusive
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", name, err)
	}

	return nil
}

// QueueLength returns the number of ready messages in an existing queue
func (c *Client) QueueLength(name string) (int, error) {
	channel, err := c.current()
	if err != nil {
		return 0, err
	}

	q, err := channel.QueueDeclarePassive(name, c.config.QueueDurable, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %q: %w", name, err)
	}
	return q.Messages, nil
}

// Get fetches at most one message from queue without auto-ack
func (c *Client) Get(queue string) (amqp.Delivery, bool, error) {
	channel, err := c.current()
	if err != nil {
		return amqp.Delivery{}, false, err
	}

	msg, ok, err := channel.Get(queue, false)
	if err != nil {
		return amqp.Delivery{}, false, fmt.Errorf("failed to get message from %q: %w", queue, err)
	}
	return msg, ok, nil
}

// PublishToQueue publishes a persistent message to the named queue
func (c *Client) PublishToQueue(ctx context.Context, queue string, body []byte, contentType string) error {
	channel, err := c.current()
	if err != nil {
		return err
	}

	err = channel.PublishWithContext(
		ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("queue", queue),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("queue", queue),
		slog.Int("body_size", len(body)),
	)
	return nil
}

// Ack acknowledges a delivery
func (c *Client) Ack(tag uint64) error {
	channel, err := c.current()
	if err != nil {
		return err
	}
	return channel.Ack(tag, false)
}

// Nack rejects a delivery, optionally returning it to its queue
func (c *Client) Nack(tag uint64, requeue bool) error {
	channel, err := c.current()
	if err != nil {
		return err
	}
	return channel.Nack(tag, false, requeue)
}

// Lost returns a channel that receives when the broker closes the channel
func (c *Client) Lost() <-chan *amqp.Error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeChan
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isConnected = false

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
		}
	}
	c.channel = nil
	c.conn = nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")
	c.closeConn()
	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}
