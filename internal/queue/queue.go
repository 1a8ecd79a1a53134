package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
	"github.com/cuongbtq/offchain-agent/internal/metrics"
	"github.com/cuongbtq/offchain-agent/shared/retry"
)

// Handler processes one envelope. The returned error decides the message's
// fate: nil acks, transient errors redeliver with attempt+1, permanent errors
// dead-letter and fatal errors stop the consumer.
type Handler func(ctx context.Context, env envelope.Envelope) error

// Mode selects the transport behind a Client
type Mode string

const (
	ModePush   Mode = "push"
	ModePull   Mode = "pull"
	ModeMemory Mode = "memory"
)

// PublishError is returned once transport-level publish retries are exhausted
type PublishError struct {
	Queue string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish to %s: %v", e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumeError is returned when consumption of a queue stops abnormally
type ConsumeError struct {
	Queue string
	Err   error
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("failed to consume from %s: %v", e.Queue, e.Err)
}

func (e *ConsumeError) Unwrap() error {
	return e.Err
}

// transport moves encoded envelopes. It never retries on its own; Client
// applies the retry policy around it.
type transport interface {
	publish(ctx context.Context, queue, key string, body []byte) error
	// receive feeds out until ctx is done or the transport fails. Deliveries
	// not handed over before returning must be released back to the queue.
	receive(ctx context.Context, queue string, out chan<- *delivery) error
	depth(ctx context.Context, queue string) (domain.QueueDepthSample, error)
	close() error
}

// delivery is one received message plus the actions that settle it
type delivery struct {
	body []byte
	// deliveries is how many times the broker has handed out this copy,
	// counting this one. Attempts recorded in the body come on top of it.
	deliveries int

	ack        func(ctx context.Context) error
	retry      func(ctx context.Context, body []byte) error
	deadLetter func(ctx context.Context, body []byte, reason string) error
	requeue    func(ctx context.Context) error
}

// Options tune a Client
type Options struct {
	// MaxDeliveries bounds how many times a transiently failing message is
	// delivered before it is dead-lettered
	MaxDeliveries int
	// Concurrency is the default number of handler goroutines per Consume
	Concurrency int
	// PublishRetry is applied to transport-level publish failures
	PublishRetry retry.Policy
	// ReceiveRetry bounds consecutive transport failures while consuming
	ReceiveRetry retry.Policy
	// SettleTimeout bounds ack/nack calls made after the handler returns
	SettleTimeout time.Duration
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		MaxDeliveries: 5,
		Concurrency:   4,
		PublishRetry:  retry.DefaultPolicy(),
		ReceiveRetry: retry.Policy{
			MaxAttempts: 8,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Multiplier:  2,
		},
		SettleTimeout: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = d.MaxDeliveries
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.PublishRetry.MaxAttempts <= 0 {
		o.PublishRetry = d.PublishRetry
	}
	if o.ReceiveRetry.MaxAttempts <= 0 {
		o.ReceiveRetry = d.ReceiveRetry
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = d.SettleTimeout
	}
	return o
}

// Client publishes and consumes job envelopes over one transport
type Client struct {
	transport transport
	opts      Options
	mode      Mode
	logger    *slog.Logger
}

func newClient(t transport, mode Mode, opts Options, logger *slog.Logger) *Client {
	return &Client{
		transport: t,
		opts:      opts.withDefaults(),
		mode:      mode,
		logger:    logger.With(slog.String("queue_mode", string(mode))),
	}
}

// Mode returns the transport mode of the client
func (c *Client) Mode() Mode {
	return c.mode
}

// Publish encodes env and publishes it to queue, retrying transport failures
// with backoff and jitter before returning a PublishError
func (c *Client) Publish(ctx context.Context, queue string, env envelope.Envelope) error {
	body, err := envelope.Encode(env)
	if err != nil {
		return &PublishError{Queue: queue, Err: domain.NewPermanentError(err)}
	}

	policy := c.opts.PublishRetry
	policy.Retryable = func(err error) bool { return !domain.IsPermanent(err) }
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.PublishRetries.WithLabelValues(queue).Inc()
		c.logger.Warn("Publish failed, retrying",
			slog.String("queue", queue),
			slog.String("job_id", env.JobID.String()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()),
		)
	}

	if _, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		return c.transport.publish(ctx, queue, env.JobID.String(), body)
	}); err != nil {
		c.logger.Error("Failed to publish job",
			slog.String("queue", queue),
			slog.String("job_id", env.JobID.String()),
			slog.String("error", err.Error()),
		)
		return &PublishError{Queue: queue, Err: err}
	}

	metrics.JobsPublished.WithLabelValues(queue, string(env.JobType)).Inc()
	c.logger.Debug("Job published",
		slog.String("queue", queue),
		slog.String("job_id", env.JobID.String()),
		slog.String("job_type", string(env.JobType)),
		slog.Uint64("attempt", uint64(env.Attempt)),
	)
	return nil
}

// Depth samples the backlog of queue
func (c *Client) Depth(ctx context.Context, queue string) (domain.QueueDepthSample, error) {
	sample, err := c.transport.depth(ctx, queue)
	if err != nil {
		return domain.QueueDepthSample{}, fmt.Errorf("failed to sample depth of %s: %w", queue, err)
	}
	sample.QueueName = queue
	if sample.SampledAt.IsZero() {
		sample.SampledAt = time.Now()
	}

	metrics.QueueDepth.WithLabelValues(queue).Set(float64(sample.Depth))
	metrics.QueueOldestAge.WithLabelValues(queue).Set(sample.OldestMessageAge.Seconds())
	return sample, nil
}

// Close releases the transport
func (c *Client) Close() error {
	return c.transport.close()
}
