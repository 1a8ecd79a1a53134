package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// MemoryStorage is an in-process job_runs table for handler tests
type MemoryStorage struct {
	mu   sync.Mutex
	runs map[string]domain.JobRun
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{runs: make(map[string]domain.JobRun)}
}

func (s *MemoryStorage) CreatePending(_ context.Context, run *domain.JobRun) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.JobID]; ok {
		return false, nil
	}
	s.runs[run.JobID] = *run
	return true, nil
}

func (s *MemoryStorage) GetJobByID(_ context.Context, jobID string) (*domain.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &run, nil
}

func (s *MemoryStorage) ListJobs(_ context.Context, filter JobFilter) ([]domain.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.JobRun
	for _, run := range s.runs {
		if filter.JobType != "" && run.JobType != filter.JobType {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil && !before(run, c) {
			continue
		}
		out = append(out, run)
	}

	slices.SortFunc(out, func(a, b domain.JobRun) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.JobID > b.JobID:
			return -1
		case a.JobID < b.JobID:
			return 1
		}
		return 0
	})
	if len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

// before mirrors (created_at, job_id) < (cursor.created_at, cursor.job_id)
func before(run domain.JobRun, c *JobCursor) bool {
	if run.CreatedAt.Equal(c.CreatedAt) {
		return run.JobID < c.JobID
	}
	return run.CreatedAt.Before(c.CreatedAt)
}

func (s *MemoryStorage) MarkCancelled(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok || run.Status != domain.JobStatusPending {
		return false, nil
	}
	run.Status = domain.JobStatusCanceled
	run.Stage = string(domain.StageFailed)
	run.Reason = string(domain.ReasonCancelled)
	run.UpdatedAt = time.Now().UTC()
	s.runs[jobID] = run
	return true, nil
}

func (s *MemoryStorage) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !domain.IsTerminalStatus(run.Status) {
		return domain.ErrJobNotTerminal
	}
	delete(s.runs, jobID)
	return nil
}

// Put stores run as is
func (s *MemoryStorage) Put(run domain.JobRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.JobID] = run
}
