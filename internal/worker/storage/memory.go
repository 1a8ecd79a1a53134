package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/envelope"
)

// MemoryStorage is an in-process job_runs ledger with the same transitions as
// Storage
type MemoryStorage struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]*domain.JobRun
	stages map[uuid.UUID][]domain.Stage
}

// NewMemoryStorage creates an empty ledger
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs:   make(map[uuid.UUID]*domain.JobRun),
		stages: make(map[uuid.UUID][]domain.Stage),
	}
}

// Seed stores run as is; tests use it for jobs created by the API
func (s *MemoryStorage) Seed(run domain.JobRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.MustParse(run.JobID)
	s.runs[id] = &run
}

func (s *MemoryStorage) Begin(_ context.Context, queue string, env envelope.Envelope) (*domain.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	run, ok := s.runs[env.JobID]
	if ok && domain.IsTerminalStatus(run.Status) {
		cp := *run
		return &cp, nil
	}
	if !ok {
		run = &domain.JobRun{
			JobID:      env.JobID.String(),
			JobType:    string(env.JobType),
			PayloadRef: env.PayloadRef,
			CreatedAt:  now,
		}
		s.runs[env.JobID] = run
	}
	run.Queue = queue
	run.Status = domain.JobStatusRunning
	run.Stage = string(domain.StageReceived)
	run.Attempt = int(env.Attempt)
	run.UpdatedAt = now

	cp := *run
	return &cp, nil
}

func (s *MemoryStorage) Get(_ context.Context, jobID uuid.UUID) (*domain.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStorage) RecordStage(_ context.Context, jobID uuid.UUID, stage domain.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok || run.Status != domain.JobStatusRunning {
		return nil
	}
	run.Stage = string(stage)
	run.UpdatedAt = time.Now().UTC()
	s.stages[jobID] = append(s.stages[jobID], stage)
	return nil
}

func (s *MemoryStorage) Touch(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[jobID]; ok && run.Status == domain.JobStatusRunning {
		run.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStorage) Finish(_ context.Context, jobID uuid.UUID, status string, stage domain.Stage, reason string, outcome *domain.OutcomeReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	run.Status = status
	if stage != "" {
		run.Stage = string(stage)
	}
	run.Reason = reason
	if outcome != nil {
		b, err := json.Marshal(outcome)
		if err != nil {
			return fmt.Errorf("failed to marshal outcome: %w", err)
		}
		run.Outcome = b
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// Stages returns the stages recorded for jobID in order
func (s *MemoryStorage) Stages(jobID uuid.UUID) []domain.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Stage(nil), s.stages[jobID]...)
}
