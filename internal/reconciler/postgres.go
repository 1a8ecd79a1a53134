package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/shared/postgresql"
)

// PostgresStore keeps artifacts in media_artifacts and vectors in the
// pgvector table embedding_vectors, with a summary row in embedding_rows
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a store over db
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertArtifact(ctx context.Context, rec domain.MediaArtifactRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO media_artifacts (source_id, artifact_kind, content_hash, storage_uri, created_at)
		VALUES (:source_id, :artifact_kind, :content_hash, :storage_uri, :created_at)
		ON CONFLICT (source_id, artifact_kind, content_hash) DO NOTHING
	`
	res, err := s.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		return false, fmt.Errorf("failed to insert artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) InsertEmbedding(ctx context.Context, rec domain.EmbeddingRecord) (bool, error) {
	var inserted bool
	err := postgresql.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO embedding_vectors (source_id, modality, model_version, embedding)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (source_id, modality, model_version) DO NOTHING
		`, rec.SourceID, string(rec.Modality), rec.ModelVersion, pgvector.NewVector(rec.Vector))
		if err != nil {
			return fmt.Errorf("failed to insert embedding vector: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		inserted = true

		_, err = tx.ExecContext(ctx, `
			INSERT INTO embedding_rows (source_id, modality, model_version, dimensions)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (source_id, modality, model_version) DO NOTHING
		`, rec.SourceID, string(rec.Modality), rec.ModelVersion, len(rec.Vector))
		if err != nil {
			return fmt.Errorf("failed to insert embedding row: %w", err)
		}
		return nil
	})
	return inserted, err
}

