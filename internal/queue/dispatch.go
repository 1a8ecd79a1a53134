package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
	"github.com/cuongbtq/offchain-agent/internal/metrics"
)

// Disposition labels how a consumed message was settled
const (
	DispositionAcked        = "acked"
	DispositionRedelivered  = "redelivered"
	DispositionDeadLettered = "dead_lettered"
	DispositionRequeued     = "requeued"
	DispositionCancelled    = "cancelled"
)

// ConsumeOption adjusts a single Consume call
type ConsumeOption func(*consumeSettings)

type consumeSettings struct {
	concurrency int
}

// WithConcurrency sets the number of handler goroutines
func WithConcurrency(n int) ConsumeOption {
	return func(s *consumeSettings) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Consume runs h over messages of queue until ctx is cancelled. A dispatcher
// goroutine receives from the transport and feeds a bounded pool of handler
// goroutines. It returns nil on cancellation and a ConsumeError when the
// transport keeps failing or a handler reports a fatal error.
func (c *Client) Consume(ctx context.Context, queue string, h Handler, opts ...ConsumeOption) error {
	settings := consumeSettings{concurrency: c.opts.Concurrency}
	for _, opt := range opts {
		opt(&settings)
	}

	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	c.logger.Info("Starting consumer",
		slog.String("queue", queue),
		slog.Int("concurrency", settings.concurrency),
	)

	deliveries := make(chan *delivery)
	recvDone := make(chan error, 1)
	go func() {
		defer close(deliveries)
		recvDone <- c.receiveLoop(ctx, queue, deliveries)
	}()

	var wg sync.WaitGroup
	for i := 0; i < settings.concurrency; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			for d := range deliveries {
				c.handle(ctx, queue, d, h, stop)
			}
			c.logger.Debug("Consumer goroutine stopped",
				slog.String("queue", queue),
				slog.Int("worker_num", workerNum),
			)
		}(i)
	}

	recvErr := <-recvDone
	wg.Wait()

	c.logger.Info("Consumer stopped", slog.String("queue", queue))

	if cause := context.Cause(ctx); cause != nil && domain.IsFatal(cause) {
		return &ConsumeError{Queue: queue, Err: cause}
	}
	if recvErr != nil {
		return &ConsumeError{Queue: queue, Err: recvErr}
	}
	return nil
}

// receiveLoop restarts the transport receive after failures with backoff,
// giving up after ReceiveRetry.MaxAttempts consecutive failures
func (c *Client) receiveLoop(ctx context.Context, queue string, out chan<- *delivery) error {
	policy := c.opts.ReceiveRetry
	failures := 0

	for {
		started := time.Now()
		err := c.transport.receive(ctx, queue, out)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("transport stopped unexpectedly")
		}

		// A receive that ran for a while before failing resets the budget
		if time.Since(started) > policy.MaxDelay {
			failures = 0
		}
		failures++
		if failures >= policy.MaxAttempts {
			return fmt.Errorf("transport failed %d times in a row: %w", failures, err)
		}

		delay := policy.Delay(failures)
		c.logger.Warn("Queue transport failed, restarting receive",
			slog.String("queue", queue),
			slog.Int("failures", failures),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// handle decodes, runs and settles one delivery
func (c *Client) handle(ctx context.Context, queue string, d *delivery, h Handler, stop context.CancelCauseFunc) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.SettleTimeout)
	defer cancel()

	env, err := envelope.Decode(d.body)
	if err != nil {
		c.logger.Error("Failed to decode message, dead-lettering",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		c.settle(settleCtx, queue, d, d.body, DispositionDeadLettered, err.Error())
		return
	}
	if d.deliveries > 1 {
		env.Attempt += uint32(d.deliveries - 1)
	}

	log := c.logger.With(
		slog.String("queue", queue),
		slog.String("job_id", env.JobID.String()),
		slog.String("trace_id", env.TraceID.String()),
		slog.String("job_type", string(env.JobType)),
		slog.Uint64("attempt", uint64(env.Attempt)),
	)
	log.Debug("Message received")

	// A worker that crashes or hangs never settles; the broker's own count
	// still grows and stops the message here
	if int(env.Attempt) >= c.opts.MaxDeliveries {
		reason := fmt.Sprintf("max deliveries exceeded: delivered %d times without settling", env.Attempt+1)
		log.Error("Message exceeded max deliveries, dead-lettering",
			slog.Int("max_deliveries", c.opts.MaxDeliveries),
		)
		c.settle(settleCtx, queue, d, mustEncode(env), DispositionDeadLettered, reason)
		return
	}

	err = h(ctx, env)

	disposition, body, reason := c.decide(ctx, env, err)
	switch disposition {
	case DispositionAcked:
		log.Debug("Message acknowledged")
	case DispositionCancelled:
		log.Info("Job cancelled, message acknowledged")
	case DispositionRedelivered:
		log.Warn("Job failed, requesting redelivery",
			slog.String("error", err.Error()),
		)
	case DispositionDeadLettered:
		log.Error("Job failed permanently, dead-lettering",
			slog.String("error_class", string(domain.Classify(err))),
			slog.String("error", err.Error()),
		)
	case DispositionRequeued:
		if err != nil && domain.IsFatal(err) {
			log.Error("Fatal error, stopping consumer",
				slog.String("error", err.Error()),
			)
			stop(err)
		} else {
			log.Info("Consumer shutting down, message requeued")
		}
	}

	c.settle(settleCtx, queue, d, body, disposition, reason)
}

// decide maps a handler result to a disposition
func (c *Client) decide(ctx context.Context, env envelope.Envelope, err error) (string, []byte, string) {
	if err == nil {
		return DispositionAcked, nil, ""
	}

	class := domain.Classify(err)
	if class == domain.ClassCancelled {
		return DispositionCancelled, nil, ""
	}
	// Shutdown: hand the message back untouched
	if ctx.Err() != nil {
		return DispositionRequeued, nil, ""
	}

	switch class {
	case domain.ClassFatal:
		return DispositionRequeued, nil, ""
	case domain.ClassPermanent:
		return DispositionDeadLettered, mustEncode(env), err.Error()
	}

	if int(env.Attempt)+1 >= c.opts.MaxDeliveries {
		return DispositionDeadLettered, mustEncode(env), "max deliveries exceeded: " + err.Error()
	}
	return DispositionRedelivered, mustEncode(env.Redelivery()), ""
}

// settle applies disposition to d. A failed redelivery falls back to a
// requeue so the broker still hands the message out again.
func (c *Client) settle(ctx context.Context, queue string, d *delivery, body []byte, disposition, reason string) {
	var err error
	switch disposition {
	case DispositionAcked, DispositionCancelled:
		err = d.ack(ctx)
	case DispositionRedelivered:
		if err = d.retry(ctx, body); err != nil {
			c.logger.Warn("Failed to publish redelivery, requeueing original",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			disposition = DispositionRequeued
			err = d.requeue(ctx)
		}
	case DispositionDeadLettered:
		metrics.DeadLettered.WithLabelValues(queue).Inc()
		err = d.deadLetter(ctx, body, reason)
	case DispositionRequeued:
		err = d.requeue(ctx)
	}

	metrics.JobsProcessed.WithLabelValues(queue, disposition).Inc()
	if err != nil {
		c.logger.Error("Failed to settle message",
			slog.String("queue", queue),
			slog.String("disposition", disposition),
			slog.String("error", err.Error()),
		)
	}
}

// mustEncode re-encodes an envelope that was decoded successfully, which
// cannot fail validation
func mustEncode(env envelope.Envelope) []byte {
	body, err := envelope.Encode(env)
	if err != nil {
		panic(fmt.Sprintf("re-encoding a decoded envelope failed: %v", err))
	}
	return body
}
