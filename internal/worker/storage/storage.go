package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
)

// Storage keeps the job_runs ledger for the workers
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Begin marks a delivery of env as running. Jobs already in a terminal state
// are left untouched and returned as they are, so the caller can skip them.
func (s *Storage) Begin(ctx context.Context, queue string, env envelope.Envelope) (*domain.JobRun, error) {
	query := `
		INSERT INTO job_runs (job_id, job_type, queue, payload_ref, status, stage, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status,
		    stage = EXCLUDED.stage,
		    attempt = EXCLUDED.attempt,
		    queue = EXCLUDED.queue,
		    updated_at = NOW()
		WHERE job_runs.status NOT IN ($8, $9, $10, $11)
		RETURNING job_id, job_type, queue, payload_ref, status, stage, attempt, reason, outcome, created_at, updated_at
	`

	var run domain.JobRun
	err := s.db.GetContext(ctx, &run, query,
		env.JobID, string(env.JobType), queue, env.PayloadRef,
		domain.JobStatusRunning, string(domain.StageReceived), int(env.Attempt),
		domain.JobStatusCompleted, domain.JobStatusPartial, domain.JobStatusFailed, domain.JobStatusCanceled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// The conflicting row is terminal
		return s.Get(ctx, env.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to begin job run: %w", err)
	}

	s.logger.Debug("Job run started",
		slog.String("job_id", run.JobID),
		slog.Int("attempt", run.Attempt),
	)
	return &run, nil
}

// Get retrieves a job run by its ID
func (s *Storage) Get(ctx context.Context, jobID uuid.UUID) (*domain.JobRun, error) {
	query := `
		SELECT job_id, job_type, queue, payload_ref, status, stage, attempt, reason, outcome, created_at, updated_at
		FROM job_runs
		WHERE job_id = $1
	`

	var run domain.JobRun
	if err := s.db.GetContext(ctx, &run, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job run: %w", err)
	}
	return &run, nil
}

// RecordStage stores the current pipeline stage of a running job
func (s *Storage) RecordStage(ctx context.Context, jobID uuid.UUID, stage domain.Stage) error {
	query := `
		UPDATE job_runs
		SET stage = $1, updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	if _, err := s.db.ExecContext(ctx, query, string(stage), jobID, domain.JobStatusRunning); err != nil {
		return fmt.Errorf("failed to record stage: %w", err)
	}
	return nil
}

// Touch refreshes updated_at of a running job so stalled runs can be told
// apart from long ones
func (s *Storage) Touch(ctx context.Context, jobID uuid.UUID) error {
	query := `
		UPDATE job_runs
		SET updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID.String()),
		)
	}
	return nil
}

// Finish records the result of a delivery. Status PENDING means the job goes
// back to the queue for another delivery.
func (s *Storage) Finish(ctx context.Context, jobID uuid.UUID, status string, stage domain.Stage, reason string, outcome *domain.OutcomeReport) error {
	query := `
		UPDATE job_runs
		SET status = $1,
		    stage = COALESCE(NULLIF($2, ''), stage),
		    reason = $3,
		    outcome = COALESCE($4, outcome),
		    updated_at = NOW()
		WHERE job_id = $5
	`

	var outcomeJSON any
	if outcome != nil {
		b, err := json.Marshal(outcome)
		if err != nil {
			return fmt.Errorf("failed to marshal outcome: %w", err)
		}
		outcomeJSON = string(b)
	}

	if _, err := s.db.ExecContext(ctx, query, status, string(stage), reason, outcomeJSON, jobID); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID.String()),
		slog.String("status", status),
	)
	return nil
}
