package autoscale

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/metrics"
	"github.com/cuongbtq/offchain-agent/shared/retry"
)

// Decision is one scale target handed to emitters
type Decision struct {
	Queue     string                  `json:"queue"`
	Target    int                     `json:"target"`
	Previous  int                     `json:"previous"`
	Reason    Reason                  `json:"reason"`
	Sample    domain.QueueDepthSample `json:"sample"`
	DecidedAt time.Time               `json:"decided_at"`
}

// Emitter publishes a decision to whatever resizes the pool
type Emitter interface {
	Emit(ctx context.Context, d Decision) error
}

// LogEmitter writes decisions to the log; changes at info level
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a log emitter
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(ctx context.Context, d Decision) error {
	level := slog.LevelDebug
	if d.Target != d.Previous {
		level = slog.LevelInfo
	}
	e.logger.Log(ctx, level, "Scale target",
		slog.String("queue", d.Queue),
		slog.Int("target", d.Target),
		slog.Int("previous", d.Previous),
		slog.String("reason", string(d.Reason)),
		slog.Int64("depth", d.Sample.Depth),
		slog.Duration("oldest_age", d.Sample.OldestMessageAge),
	)
	return nil
}

// GaugeEmitter exposes the target on the autoscale Prometheus gauge
type GaugeEmitter struct{}

func (GaugeEmitter) Emit(ctx context.Context, d Decision) error {
	metrics.ScaleTarget.WithLabelValues(d.Queue).Set(float64(d.Target))
	return nil
}

// WebhookEmitter posts decisions as JSON to the pool manager
type WebhookEmitter struct {
	url    string
	client *http.Client
	policy retry.Policy
}

// NewWebhookEmitter creates a webhook emitter; a nil client uses
// http.DefaultClient
func NewWebhookEmitter(url string, client *http.Client, policy retry.Policy) *WebhookEmitter {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookEmitter{url: url, client: client, policy: policy}
}

func (e *WebhookEmitter) Emit(ctx context.Context, d Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	policy := e.policy
	policy.Retryable = domain.IsTransient
	_, err = retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			return domain.NewPermanentError(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return domain.NewTransientError(err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return domain.NewTransientError(fmt.Errorf("pool manager returned %d", resp.StatusCode))
		default:
			return domain.NewPermanentError(fmt.Errorf("pool manager returned %d", resp.StatusCode))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to post scale target: %w", err)
	}
	return nil
}
