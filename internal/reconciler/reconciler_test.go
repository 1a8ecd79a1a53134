package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/shared/logger"
)

func newTestReconciler() (*Reconciler, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, store, logger.NewNop()), store
}

func TestPersistArtifact(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReconciler()

	rec := domain.MediaArtifactRecord{
		SourceID:    "S1",
		Kind:        domain.ArtifactAudio,
		StorageURI:  "s3://media/artifacts/S1/audio/abc",
		ContentHash: "abc",
	}

	result, err := r.PersistArtifact(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteWritten, result)

	result, err = r.PersistArtifact(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteDuplicate, result, "a repeated key is a no-op, not an error")

	other := rec
	other.ContentHash = "def"
	other.StorageURI = "s3://media/artifacts/S1/audio/def"
	result, err = r.PersistArtifact(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteWritten, result)

	assert.Len(t, store.Artifacts("S1"), 2)
}

func TestPersistArtifact_Concurrent(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReconciler()
	rec := domain.MediaArtifactRecord{SourceID: "S1", Kind: domain.ArtifactVideo, StorageURI: "s3://m/v", ContentHash: "h"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		written int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := r.PersistArtifact(ctx, rec)
			assert.NoError(t, err)
			if result == domain.WriteWritten {
				mu.Lock()
				written++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, written)
	assert.Len(t, store.Artifacts("S1"), 1)
}

func TestUpsertEmbedding(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReconciler()

	rec := domain.EmbeddingRecord{
		SourceID:     "S1",
		Modality:     domain.ModalityVideo,
		Vector:       []float32{0.1, 0.2, 0.3},
		ModelVersion: "clip-v1",
	}

	result, err := r.UpsertEmbedding(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteWritten, result)

	changed := rec
	changed.Vector = []float32{9, 9, 9}
	result, err = r.UpsertEmbedding(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteDuplicate, result)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, store.Embeddings("S1")[domain.ModalityVideo].Vector)

	newModel := rec
	newModel.ModelVersion = "clip-v2"
	result, err = r.UpsertEmbedding(ctx, newModel)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteWritten, result)
}

func TestReconciler_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid records are permanent", func(t *testing.T) {
		r, _ := newTestReconciler()

		_, err := r.PersistArtifact(ctx, domain.MediaArtifactRecord{SourceID: "S1"})
		assert.True(t, domain.IsPermanent(err))
		assert.ErrorIs(t, err, ErrInvalidRecord)

		_, err = r.UpsertEmbedding(ctx, domain.EmbeddingRecord{SourceID: "S1", Modality: "smell", ModelVersion: "v1", Vector: []float32{1}})
		assert.True(t, domain.IsPermanent(err))
	})

	t.Run("store failures are transient", func(t *testing.T) {
		r, store := newTestReconciler()
		store.FailWith(errors.New("connection refused"))

		_, err := r.PersistArtifact(ctx, domain.MediaArtifactRecord{SourceID: "S1", Kind: domain.ArtifactFrame, StorageURI: "s3://m/f", ContentHash: "h"})
		assert.True(t, domain.IsTransient(err))

		_, err = r.UpsertEmbedding(ctx, domain.EmbeddingRecord{SourceID: "S1", Modality: domain.ModalityAudio, ModelVersion: "v1", Vector: []float32{1}})
		assert.True(t, domain.IsTransient(err))
	})
}
