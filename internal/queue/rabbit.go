package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/shared/rabbitmq"
)

const contentType = "application/vnd.offchain-agent.envelope"

// RabbitOptions configure the push transport
type RabbitOptions struct {
	ConsumerTag string
	Prefetch    int
}

// NewRabbitClient creates a push-mode Client. The broker delivers to the
// consumer, redelivery is requested explicitly by publishing a copy with a
// bumped attempt, and rejected messages travel the dead-letter exchange.
// Work queues are quorum queues so the broker counts deliveries that were
// never settled.
func NewRabbitClient(rc *rabbitmq.Client, ro RabbitOptions, opts Options, logger *slog.Logger) *Client {
	if ro.Prefetch <= 0 {
		ro.Prefetch = opts.withDefaults().Concurrency
	}
	return newClient(&rabbitTransport{client: rc, opts: ro, logger: logger}, ModePush, opts, logger)
}

type rabbitTransport struct {
	client *rabbitmq.Client
	opts   RabbitOptions
	logger *slog.Logger
}

func (t *rabbitTransport) publish(ctx context.Context, queue, key string, body []byte) error {
	err := t.client.Publish(ctx, queue, body, contentType)
	if errors.Is(err, rabbitmq.ErrNotConnected) {
		return domain.NewPermanentError(err)
	}
	return err
}

func (t *rabbitTransport) receive(ctx context.Context, queue string, out chan<- *delivery) error {
	ch, err := t.client.OpenChannel(t.opts.Prefetch)
	if err != nil {
		return err
	}
	defer ch.Close()

	tag := t.opts.ConsumerTag
	if tag != "" {
		tag = tag + "-" + queue
	}

	deliveries, err := ch.Consume(
		queue, // queue
		tag,   // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	t.logger.Info("RabbitMQ consumer started",
		slog.String("queue", queue),
		slog.String("consumer_tag", tag),
		slog.Int("prefetch", t.opts.Prefetch),
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("rabbitmq channel closed")
			}
			return fmt.Errorf("rabbitmq channel closed: %w", amqpErr)

		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}

			d := t.delivery(queue, msg)
			select {
			case out <- d:
			case <-ctx.Done():
				// NACK the message so it can be reprocessed
				if err := msg.Nack(false, true); err != nil {
					t.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", err.Error()),
					)
				}
				return nil
			}
		}
	}
}

func (t *rabbitTransport) delivery(queue string, msg amqp.Delivery) *delivery {
	return &delivery{
		body:       msg.Body,
		deliveries: deliveryCount(msg),
		ack: func(context.Context) error {
			return msg.Ack(false)
		},
		retry: func(ctx context.Context, body []byte) error {
			if err := t.client.Publish(ctx, queue, body, contentType); err != nil {
				return err
			}
			return msg.Ack(false)
		},
		deadLetter: func(_ context.Context, _ []byte, reason string) error {
			t.logger.Warn("Rejecting message to dead-letter exchange",
				slog.String("queue", queue),
				slog.String("dead_letter_queue", rabbitmq.DeadLetterQueue(queue)),
				slog.String("reason", reason),
			)
			return msg.Nack(false, false)
		},
		requeue: func(context.Context) error {
			return msg.Nack(false, true)
		},
	}
}

// deliveryCount derives how often msg has been delivered. Quorum queues
// count earlier deliveries in the x-delivery-count header; classic queues
// only flag a redelivery.
func deliveryCount(msg amqp.Delivery) int {
	switch n := msg.Headers["x-delivery-count"].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if msg.Redelivered {
		return 2
	}
	return 1
}

// depth reports ready messages only; the broker does not expose message age
func (t *rabbitTransport) depth(ctx context.Context, queue string) (domain.QueueDepthSample, error) {
	n, err := t.client.QueueDepth(queue)
	if err != nil {
		return domain.QueueDepthSample{}, err
	}
	return domain.QueueDepthSample{Depth: int64(n), SampledAt: time.Now()}, nil
}

func (t *rabbitTransport) close() error {
	return nil
}
