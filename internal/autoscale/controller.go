package autoscale

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// Sampler reads the backlog of a queue
type Sampler interface {
	Depth(ctx context.Context, queue string) (domain.QueueDepthSample, error)
}

// Controller polls one queue and emits scale targets
type Controller struct {
	sampler  Sampler
	queue    string
	policy   Policy
	interval time.Duration
	emitters []Emitter
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	state State
}

// NewController creates a controller starting from initial workers, clamped to
// the policy bounds
func NewController(sampler Sampler, queue string, policy Policy, interval time.Duration, initial int, emitters []Emitter, logger *slog.Logger) *Controller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Controller{
		sampler:  sampler,
		queue:    queue,
		policy:   policy,
		interval: interval,
		emitters: emitters,
		logger:   logger.With(slog.String("queue", queue)),
		now:      time.Now,
		state:    State{Current: clamp(initial, policy.Floor, policy.Ceiling)},
	}
}

// Run samples on every interval until ctx is done
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Starting autoscale controller",
		slog.Duration("interval", c.interval),
		slog.Int("floor", c.policy.Floor),
		slog.Int("ceiling", c.policy.Ceiling),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("Failed to sample queue depth", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Autoscale controller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick takes one sample and emits the resulting decision. A failed sample
// leaves the state untouched.
func (c *Controller) Tick(ctx context.Context) (Decision, error) {
	sample, err := c.sampler.Depth(ctx, c.queue)
	if err != nil {
		return Decision{}, err
	}

	c.mu.Lock()
	now := c.now()
	previous := c.state.Current
	target, reason, next := Decide(c.policy, c.state, sample, now)
	c.state = next
	c.mu.Unlock()

	d := Decision{
		Queue:     c.queue,
		Target:    target,
		Previous:  previous,
		Reason:    reason,
		Sample:    sample,
		DecidedAt: now,
	}
	for _, e := range c.emitters {
		if err := e.Emit(ctx, d); err != nil {
			c.logger.Warn("Failed to emit scale target",
				slog.Int("target", target),
				slog.String("error", err.Error()),
			)
		}
	}
	return d, nil
}

// Current returns the last emitted target
func (c *Controller) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Current
}
