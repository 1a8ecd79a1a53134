package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/shared/postgresql"
)

const jobColumns = `job_id, job_type, queue, payload_ref, status, stage, attempt, reason, outcome, created_at, updated_at`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// CreatePending records a triggered job. It reports false when a run with the
// same ID already exists.
func (s *Storage) CreatePending(ctx context.Context, run *domain.JobRun) (bool, error) {
	query := `
		INSERT INTO job_runs (
			job_id, job_type, queue, payload_ref, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (job_id) DO NOTHING
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		run.JobID,
		run.JobType,
		run.Queue,
		run.PayloadRef,
		run.Status,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create job: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.JobRun, error) {
	var run domain.JobRun
	query := `SELECT ` + jobColumns + ` FROM job_runs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &run, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &run, nil
}

type JobFilter struct {
	JobType  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 runs, newest first; the extra row tells
// the caller whether another page exists
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.JobRun, error) {
	query := `SELECT ` + jobColumns + ` FROM job_runs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var runs []domain.JobRun
	err := s.db.SelectContext(ctx, &runs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return runs, nil
}

// MarkCancelled cancels a job that no worker has picked up yet. It reports
// false when the job is not pending.
func (s *Storage) MarkCancelled(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE job_runs
		SET status = $1, stage = $2, reason = $3, updated_at = NOW()
		WHERE job_id = $4 AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusCanceled, string(domain.StageFailed), string(domain.ReasonCancelled),
		jobID, domain.JobStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteJob removes a run in a terminal state
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	return postgresql.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var status string
		err := tx.GetContext(ctx, &status, `SELECT status FROM job_runs WHERE job_id = $1 FOR UPDATE`, jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		if !domain.IsTerminalStatus(status) {
			return domain.ErrJobNotTerminal
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM job_runs WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return nil
	})
}
