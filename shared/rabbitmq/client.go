package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/offchain-agent/shared/retry"
)

// ErrNotConnected is returned when the connection has been closed
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	Queues             []string // logical queues; each gets a dead-letter twin
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
}

// DeadLetterExchange is the exchange rejected messages are routed to
func (c *Config) DeadLetterExchange() string {
	return c.ExchangeName + ".dlx"
}

// DeadLetterQueue is the queue holding rejected messages of queue
func DeadLetterQueue(queue string) string {
	return queue + ".dead"
}

// publishChannel is the part of *amqp.Channel the publisher uses
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Client represents a RabbitMQ client. The publish channel is shared and
// guarded by a mutex; consumers get their own channel.
type Client struct {
	config *Config
	conn   *amqp.Connection
	logger *slog.Logger

	mu          sync.Mutex
	channel     publishChannel
	openChannel func() (publishChannel, error)

	closed bool
}

// NewClient creates a new RabbitMQ client and declares the topology
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}
	client.openChannel = func() (publishChannel, error) {
		return client.conn.Channel()
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	policy := retry.Policy{
		MaxAttempts: max(c.config.RetryAttempts, 1),
		BaseDelay:   c.config.RetryInterval,
		MaxDelay:    c.config.RetryInterval * 8,
		Multiplier:  2,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Error("Failed to connect to RabbitMQ",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
				slog.Duration("retry_after", delay),
			)
		},
	}

	_, err := retry.Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
		)
		conn, err := amqp.DialConfig(dsn, amqpConfig)
		if err != nil {
			return err
		}
		c.conn = conn
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	c.logger.Info("Successfully connected to RabbitMQ")

	ch, err := c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(ch); err != nil {
		ch.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange and queues: %w", err)
	}

	// Monitor the publish channel
	c.mu.Lock()
	c.watchLocked(ch)
	c.mu.Unlock()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.Any("queues", c.config.Queues),
	)

	return nil
}

// setup declares the work exchange, the dead-letter exchange, and every queue
// with its dead-letter twin
func (c *Client) setup(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := ch.ExchangeDeclare(
		c.config.DeadLetterExchange(),
		amqp.ExchangeDirect,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	for _, queue := range c.config.Queues {
		if err := c.declareQueue(ch, queue); err != nil {
			return err
		}
	}
	return nil
}

// declareQueue declares queue as a durable quorum queue, which keeps the
// x-delivery-count header, plus its dead-letter twin
func (c *Client) declareQueue(ch *amqp.Channel, queue string) error {
	dead := DeadLetterQueue(queue)
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", dead, err)
	}
	if err := ch.QueueBind(dead, queue, c.config.DeadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", dead, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    c.config.DeadLetterExchange(),
		"x-dead-letter-routing-key": queue,
		"x-queue-type":              "quorum",
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		args,  // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	// The routing key equals the queue name
	if err := ch.QueueBind(queue, queue, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	return nil
}

// Publish publishes a message routed to queue
func (c *Client) Publish(ctx context.Context, queue string, body []byte, contentType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrNotConnected
	}
	if err := c.reopenLocked(); err != nil {
		return err
	}

	err := c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName, // exchange
		queue,                 // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("queue", queue),
		slog.Int("body_size", len(body)),
	)
	return nil
}

// watchLocked installs ch as the publish channel and logs when the broker
// closes it. The next Publish reopens a closed channel.
func (c *Client) watchLocked(ch publishChannel) {
	c.channel = ch
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-closed
		if !ok || amqpErr == nil {
			return
		}
		c.logger.Warn("RabbitMQ publish channel closed",
			slog.Int("code", amqpErr.Code),
			slog.String("reason", amqpErr.Reason),
		)
	}()
}

// reopenLocked replaces a closed publish channel
func (c *Client) reopenLocked() error {
	if c.channel != nil && !c.channel.IsClosed() {
		return nil
	}

	ch, err := c.openChannel()
	if err != nil {
		return fmt.Errorf("failed to reopen channel: %w", err)
	}
	c.watchLocked(ch)
	c.logger.Info("RabbitMQ publish channel reopened")
	return nil
}

// OpenChannel opens a dedicated channel with the given prefetch, for consumers
func (c *Client) OpenChannel(prefetch int) (*amqp.Channel, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	return ch, nil
}

// QueueDepth returns the number of ready messages in queue
func (c *Client) QueueDepth(queue string) (int, error) {
	if !c.IsConnected() {
		return 0, ErrNotConnected
	}

	// A passive declare on a missing queue closes the channel, so use a throwaway one
	ch, err := c.conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	c.closed = true
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.String("error", err.Error()),
			)
		}
	}
	c.mu.Unlock()

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.String("error", err.Error()),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}
