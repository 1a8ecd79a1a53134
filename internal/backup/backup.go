package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/metrics"
	"github.com/cuongbtq/offchain-agent/shared/objectstore"
	"github.com/cuongbtq/offchain-agent/shared/retry"
	"github.com/cuongbtq/offchain-agent/shared/tracing"
)

// Request selects the replicas of one run
type Request struct {
	ReplicaIDs []string // explicit selection; empty means every registered replica
	Limit      int      // cap on replicas attempted; 0 means no cap
}

// PayloadRef renders r as the payload_ref of a Backup job
func (r Request) PayloadRef() string {
	q := url.Values{}
	if r.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.Limit))
	}
	target := "all"
	if len(r.ReplicaIDs) > 0 {
		target = "selected"
		q.Set("ids", strings.Join(r.ReplicaIDs, ","))
	}
	ref := "backup://" + target
	if len(q) > 0 {
		ref += "?" + q.Encode()
	}
	return ref
}

// ParseRequest parses backup://all or backup://selected?ids=R1,R2 with an
// optional limit parameter
func ParseRequest(ref string) (Request, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "backup" {
		return Request{}, fmt.Errorf("%w: backup payload_ref %q", domain.ErrInvalidPayload, ref)
	}

	var req Request
	if v := u.Query().Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil || req.Limit < 0 {
			return Request{}, fmt.Errorf("%w: limit %q", domain.ErrInvalidPayload, v)
		}
	}

	switch u.Host {
	case "all":
	case "selected":
		for _, id := range strings.Split(u.Query().Get("ids"), ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.ReplicaIDs = append(req.ReplicaIDs, id)
			}
		}
		if len(req.ReplicaIDs) == 0 {
			return Request{}, fmt.Errorf("%w: no replica ids selected", domain.ErrInvalidPayload)
		}
	default:
		return Request{}, fmt.Errorf("%w: backup target %q", domain.ErrInvalidPayload, u.Host)
	}
	return req, nil
}

// Config tunes the orchestrator
type Config struct {
	Concurrency        int
	ReplicaTimeout     time.Duration // bound on one replica's snapshot and upload
	RunBudget          time.Duration // bound on the whole run
	SnapshotRetry      retry.Policy
	SkipCompletedToday bool
	ProgressEvery      int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.ReplicaTimeout <= 0 {
		c.ReplicaTimeout = 2 * time.Minute
	}
	if c.RunBudget <= 0 {
		c.RunBudget = time.Hour
	}
	if c.SnapshotRetry.MaxAttempts <= 0 {
		c.SnapshotRetry = retry.DefaultPolicy()
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 500
	}
	return c
}

// Orchestrator snapshots replicas in parallel with per-replica isolation
type Orchestrator struct {
	registry Registry
	source   SnapshotSource
	store    objectstore.Store
	versions VersionStore
	ledger   Ledger // optional
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a backup orchestrator; ledger may be nil
func New(registry Registry, source SnapshotSource, store objectstore.Store, versions VersionStore, ledger Ledger, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		source:   source,
		store:    store,
		versions: versions,
		ledger:   ledger,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// SnapshotKey is the object key of one snapshot version. The content hash
// keeps a version number freed by a failed commit from resolving to the
// bytes of the abandoned attempt.
func SnapshotKey(replicaID string, version uint64, contentHash string) string {
	return fmt.Sprintf("snapshots/%s/%d/%s", replicaID, version, contentHash)
}

// Run snapshots the replicas selected by req. Per-replica failures are
// reported in the outcome and never abort the others; replicas not attempted
// within the run budget are reported unreached. The returned error is set
// only when the run could not start or was cancelled.
func (o *Orchestrator) Run(ctx context.Context, jobID string, req Request) (*domain.OutcomeReport, error) {
	logger := o.logger.With(slog.String("job_id", jobID))
	ctx, span := tracing.StartSpan(ctx, "backup.run", attribute.String("job_id", jobID))
	var err error
	defer func() { tracing.End(span, err) }()

	report := &domain.OutcomeReport{JobID: jobID}
	date := DateKey(o.now())

	var replicas []string
	if replicas, err = o.resolve(ctx, req, report, date); err != nil {
		return nil, err
	}

	logger.Info("Starting backup run",
		slog.Int("replicas", len(replicas)),
		slog.Int("concurrency", o.cfg.Concurrency),
		slog.String("date", date),
	)

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunBudget)
	defer cancel()

	outcomes := make([]domain.UnitOutcome, len(replicas))
	for i, id := range replicas {
		outcomes[i] = domain.UnitOutcome{Unit: id, Status: domain.UnitUnreached, Reason: "run budget exhausted"}
	}

	var completed, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Concurrency)
	for i, id := range replicas {
		g.Go(func() error {
			if runCtx.Err() != nil {
				return nil
			}
			outcome, reached := o.snapshot(runCtx, id, date, logger)
			if !reached {
				return nil
			}
			outcomes[i] = outcome

			if outcome.Status == domain.UnitFailed {
				failed.Add(1)
			}
			if n := completed.Add(1); n%int64(o.cfg.ProgressEvery) == 0 {
				logger.Info("Backup progress",
					slog.Int64("completed", n),
					slog.Int("total", len(replicas)),
					slog.Int64("failed", failed.Load()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, u := range outcomes {
		report.Add(u)
	}

	if errors.Is(context.Cause(ctx), domain.ErrCancelled) {
		err = domain.ErrCancelled
		report.Finalize()
		logger.Warn("Backup run cancelled", slog.Int64("completed", completed.Load()))
		return report, err
	}

	report.Finalize()
	for _, u := range report.Units {
		metrics.SnapshotResults.WithLabelValues(string(u.Status)).Inc()
	}

	if bad := report.Failed(); len(bad) > 0 {
		ids := make([]string, 0, len(bad))
		for _, u := range bad {
			ids = append(ids, u.Unit)
		}
		logger.Error("Backup run finished with failed replicas",
			slog.String("status", string(report.Status)),
			slog.Int("failed", len(bad)),
			slog.Any("replica_ids", ids),
		)
	} else {
		logger.Info("Backup run completed", slog.Int("replicas", len(replicas)))
	}
	return report, nil
}

// resolve resolves the replicas to attempt. Replicas already done today and
// selected replicas missing from the registry go straight into report.
func (o *Orchestrator) resolve(ctx context.Context, req Request, report *domain.OutcomeReport, date string) ([]string, error) {
	registered, err := o.registry.Replicas(ctx)
	if err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("failed to enumerate replicas: %w", err))
	}

	replicas := registered
	if len(req.ReplicaIDs) > 0 {
		replicas = nil
		for _, id := range req.ReplicaIDs {
			if !slices.Contains(registered, id) {
				report.Add(domain.UnitOutcome{
					Unit:       id,
					Status:     domain.UnitFailed,
					ErrorClass: domain.ClassPermanent,
					Reason:     "replica is not registered",
				})
				continue
			}
			replicas = append(replicas, id)
		}
	}

	if o.cfg.SkipCompletedToday && o.ledger != nil {
		done, err := o.ledger.Done(ctx, date)
		if err != nil {
			return nil, domain.NewTransientError(err)
		}
		pending := replicas[:0:0]
		for _, id := range replicas {
			if done[id] {
				report.Add(domain.UnitOutcome{Unit: id, Status: domain.UnitSkipped, Reason: "already backed up today"})
				continue
			}
			pending = append(pending, id)
		}
		replicas = pending
	}

	if req.Limit > 0 && len(replicas) > req.Limit {
		replicas = replicas[:req.Limit]
	}
	return replicas, nil
}

// snapshot backs up one replica. It reports false when the run budget ran
// out before the replica finished, leaving it unreached.
func (o *Orchestrator) snapshot(runCtx context.Context, replicaID, date string, logger *slog.Logger) (domain.UnitOutcome, bool) {
	ctx, span := tracing.StartSpan(runCtx, "backup.replica", attribute.String("replica_id", replicaID))
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ReplicaTimeout)
	defer cancel()

	policy := o.cfg.SnapshotRetry
	policy.Retryable = domain.IsTransient

	var rec domain.SnapshotRecord
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		data, err := o.source.Snapshot(ctx, replicaID)
		if err != nil {
			return err
		}
		hash := objectstore.ContentHash(data)
		rec, err = o.versions.Append(ctx, replicaID, func(ctx context.Context, version uint64) (string, error) {
			uri, err := o.store.Put(ctx, SnapshotKey(replicaID, version, hash), data, "application/octet-stream")
			if err != nil {
				return "", domain.NewTransientError(fmt.Errorf("failed to upload snapshot: %w", err))
			}
			return uri, nil
		})
		return err
	})
	tracing.End(span, err)

	if err != nil {
		if runCtx.Err() != nil {
			return domain.UnitOutcome{}, false
		}
		logger.Warn("Failed to back up replica",
			slog.String("replica_id", replicaID),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return domain.UnitOutcome{
			Unit:       replicaID,
			Status:     domain.UnitFailed,
			Attempts:   attempts,
			ErrorClass: domain.Classify(err),
			Reason:     err.Error(),
		}, true
	}

	if o.ledger != nil {
		if err := o.ledger.Mark(runCtx, date, replicaID); err != nil {
			logger.Warn("Failed to update backup ledger",
				slog.String("replica_id", replicaID),
				slog.String("error", err.Error()),
			)
		}
	}

	logger.Debug("Replica backed up",
		slog.String("replica_id", replicaID),
		slog.Uint64("version", rec.Version),
		slog.String("storage_uri", rec.StorageURI),
	)
	return domain.UnitOutcome{
		Unit:     replicaID,
		Status:   domain.SucceededStatus(attempts),
		Attempts: attempts,
	}, true
}
