package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// ModalityResult is the terminal report of one embedding sub-job
type ModalityResult struct {
	Modality     domain.Modality   `json:"modality"`
	Status       domain.UnitStatus `json:"status"`
	Attempts     int               `json:"attempts"`
	ErrorClass   domain.ErrorClass `json:"error_class,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	StorageURI   string            `json:"storage_uri,omitempty"`
	ContentHash  string            `json:"content_hash,omitempty"`
	ModelVersion string            `json:"model_version,omitempty"`
}

// Succeeded reports whether the sub-job produced an embedding
func (r ModalityResult) Succeeded() bool {
	return r.Status == domain.UnitSucceeded || r.Status == domain.UnitRetriedSucceeded
}

// Tracker is the fan-in point between a parent job and its sub-jobs. The
// first terminal result reported for a modality wins; later reports from
// duplicate deliveries are dropped.
type Tracker interface {
	Report(ctx context.Context, parent uuid.UUID, result ModalityResult) (bool, error)
	Results(ctx context.Context, parent uuid.UUID) (map[domain.Modality]ModalityResult, error)
	// Wait blocks until every expected modality has a result. When ctx ends
	// first it returns what has arrived together with ctx's error.
	Wait(ctx context.Context, parent uuid.UUID, expected []domain.Modality) (map[domain.Modality]ModalityResult, error)
}

func complete(results map[domain.Modality]ModalityResult, expected []domain.Modality) bool {
	for _, m := range expected {
		if _, ok := results[m]; !ok {
			return false
		}
	}
	return true
}

// MemoryTracker is an in-process Tracker
type MemoryTracker struct {
	mu      sync.Mutex
	results map[uuid.UUID]map[domain.Modality]ModalityResult
	changed chan struct{}
}

// NewMemoryTracker creates an empty tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		results: make(map[uuid.UUID]map[domain.Modality]ModalityResult),
		changed: make(chan struct{}),
	}
}

func (t *MemoryTracker) Report(ctx context.Context, parent uuid.UUID, result ModalityResult) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	byModality, ok := t.results[parent]
	if !ok {
		byModality = make(map[domain.Modality]ModalityResult)
		t.results[parent] = byModality
	}
	if _, ok := byModality[result.Modality]; ok {
		return false, nil
	}
	byModality[result.Modality] = result

	close(t.changed)
	t.changed = make(chan struct{})
	return true, nil
}

func (t *MemoryTracker) Results(ctx context.Context, parent uuid.UUID) (map[domain.Modality]ModalityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(parent), nil
}

func (t *MemoryTracker) Wait(ctx context.Context, parent uuid.UUID, expected []domain.Modality) (map[domain.Modality]ModalityResult, error) {
	for {
		t.mu.Lock()
		results := t.snapshotLocked(parent)
		changed := t.changed
		t.mu.Unlock()

		if complete(results, expected) {
			return results, nil
		}

		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-changed:
		}
	}
}

func (t *MemoryTracker) snapshotLocked(parent uuid.UUID) map[domain.Modality]ModalityResult {
	out := make(map[domain.Modality]ModalityResult, len(t.results[parent]))
	for m, r := range t.results[parent] {
		out[m] = r
	}
	return out
}
