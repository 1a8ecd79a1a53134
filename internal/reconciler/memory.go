package reconciler

import (
	"context"
	"sync"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

type artifactKey struct {
	sourceID string
	kind     domain.ArtifactKind
	hash     string
}

type embeddingKey struct {
	sourceID     string
	modality     domain.Modality
	modelVersion string
}

// MemoryStore is an in-process ArtifactStore and EmbeddingStore
type MemoryStore struct {
	mu         sync.Mutex
	artifacts  map[artifactKey]domain.MediaArtifactRecord
	embeddings map[embeddingKey]domain.EmbeddingRecord
	fail       error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts:  make(map[artifactKey]domain.MediaArtifactRecord),
		embeddings: make(map[embeddingKey]domain.EmbeddingRecord),
	}
}

// FailWith makes every subsequent insert return err; nil restores writes
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *MemoryStore) InsertArtifact(ctx context.Context, rec domain.MediaArtifactRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}

	key := artifactKey{rec.SourceID, rec.Kind, rec.ContentHash}
	if _, ok := s.artifacts[key]; ok {
		return false, nil
	}
	s.artifacts[key] = rec
	return true, nil
}

func (s *MemoryStore) InsertEmbedding(ctx context.Context, rec domain.EmbeddingRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}

	key := embeddingKey{rec.SourceID, rec.Modality, rec.ModelVersion}
	if _, ok := s.embeddings[key]; ok {
		return false, nil
	}
	rec.Vector = append([]float32(nil), rec.Vector...)
	s.embeddings[key] = rec
	return true, nil
}

// Artifacts returns every stored artifact of sourceID
func (s *MemoryStore) Artifacts(sourceID string) []domain.MediaArtifactRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MediaArtifactRecord
	for k, rec := range s.artifacts {
		if k.sourceID == sourceID {
			out = append(out, rec)
		}
	}
	return out
}

// Embeddings returns every stored embedding of sourceID keyed by modality
func (s *MemoryStore) Embeddings(sourceID string) map[domain.Modality]domain.EmbeddingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Modality]domain.EmbeddingRecord)
	for k, rec := range s.embeddings {
		if k.sourceID == sourceID {
			out[k.modality] = rec
		}
	}
	return out
}
