package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/internal/metrics"
)

// ErrInvalidRecord is returned for records missing part of their key
var ErrInvalidRecord = errors.New("invalid record")

// ArtifactStore inserts artifact rows keyed by (source_id, artifact_kind,
// content_hash). Insert reports false when the key already existed.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, rec domain.MediaArtifactRecord) (bool, error)
}

// EmbeddingStore inserts vectors keyed by (source_id, modality,
// model_version). Insert reports false when the key already existed.
type EmbeddingStore interface {
	InsertEmbedding(ctx context.Context, rec domain.EmbeddingRecord) (bool, error)
}

// Reconciler writes pipeline outputs idempotently. A write whose key was
// already seen is reported as a duplicate and treated as success.
type Reconciler struct {
	artifacts  ArtifactStore
	embeddings EmbeddingStore
	logger     *slog.Logger
}

// New creates a reconciler over the given stores
func New(artifacts ArtifactStore, embeddings EmbeddingStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{artifacts: artifacts, embeddings: embeddings, logger: logger}
}

// PersistArtifact records an artifact. Store failures are transient.
func (r *Reconciler) PersistArtifact(ctx context.Context, rec domain.MediaArtifactRecord) (domain.WriteResult, error) {
	if rec.SourceID == "" || rec.Kind == "" || rec.ContentHash == "" || rec.StorageURI == "" {
		return "", domain.NewPermanentError(fmt.Errorf("%w: artifact %+v", ErrInvalidRecord, rec))
	}

	inserted, err := r.artifacts.InsertArtifact(ctx, rec)
	if err != nil {
		return "", domain.NewTransientError(fmt.Errorf("failed to persist artifact: %w", err))
	}

	result := resultOf(inserted)
	metrics.ReconcilerWrites.WithLabelValues("artifact", string(result)).Inc()
	r.logger.Debug("Artifact reconciled",
		slog.String("source_id", rec.SourceID),
		slog.String("artifact_kind", string(rec.Kind)),
		slog.String("content_hash", rec.ContentHash),
		slog.String("result", string(result)),
	)
	return result, nil
}

// UpsertEmbedding records an embedding vector. Store failures are transient.
func (r *Reconciler) UpsertEmbedding(ctx context.Context, rec domain.EmbeddingRecord) (domain.WriteResult, error) {
	if rec.SourceID == "" || !rec.Modality.Valid() || rec.ModelVersion == "" || len(rec.Vector) == 0 {
		return "", domain.NewPermanentError(fmt.Errorf("%w: embedding for %s/%s", ErrInvalidRecord, rec.SourceID, rec.Modality))
	}

	inserted, err := r.embeddings.InsertEmbedding(ctx, rec)
	if err != nil {
		return "", domain.NewTransientError(fmt.Errorf("failed to upsert embedding: %w", err))
	}

	result := resultOf(inserted)
	metrics.ReconcilerWrites.WithLabelValues("embedding", string(result)).Inc()
	r.logger.Debug("Embedding reconciled",
		slog.String("source_id", rec.SourceID),
		slog.String("modality", string(rec.Modality)),
		slog.String("model_version", rec.ModelVersion),
		slog.String("result", string(result)),
	)
	return result, nil
}

func resultOf(inserted bool) domain.WriteResult {
	if inserted {
		return domain.WriteWritten
	}
	return domain.WriteDuplicate
}
