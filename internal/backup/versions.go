package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/offchain-agent/internal/domain"
	"github.com/cuongbtq/offchain-agent/shared/postgresql"
)

// WriteFunc stores the snapshot for version and returns its storage URI
type WriteFunc func(ctx context.Context, version uint64) (string, error)

// VersionStore assigns snapshot versions. Assignment is serialized per
// replica and a version is only committed once write succeeds, so the
// sequence of a replica never has gaps.
type VersionStore interface {
	Append(ctx context.Context, replicaID string, write WriteFunc) (domain.SnapshotRecord, error)
	List(ctx context.Context, replicaID string) ([]domain.SnapshotRecord, error)
}

// PostgresVersionStore keeps snapshot_records. A transaction-scoped advisory
// lock on the replica serializes concurrent runs.
type PostgresVersionStore struct {
	db *sqlx.DB
}

// NewPostgresVersionStore creates a version store over db
func NewPostgresVersionStore(db *sqlx.DB) *PostgresVersionStore {
	return &PostgresVersionStore{db: db}
}

func (s *PostgresVersionStore) Append(ctx context.Context, replicaID string, write WriteFunc) (domain.SnapshotRecord, error) {
	var rec domain.SnapshotRecord
	err := postgresql.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, replicaID); err != nil {
			return fmt.Errorf("failed to lock replica: %w", err)
		}

		var version uint64
		if err := tx.GetContext(ctx, &version,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM snapshot_records WHERE replica_id = $1`, replicaID); err != nil {
			return fmt.Errorf("failed to read next version: %w", err)
		}

		uri, err := write(ctx, version)
		if err != nil {
			return err
		}

		rec = domain.SnapshotRecord{
			ReplicaID:  replicaID,
			Version:    version,
			StorageURI: uri,
			TakenAt:    time.Now().UTC(),
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO snapshot_records (replica_id, version, storage_uri, taken_at)
			VALUES (:replica_id, :version, :storage_uri, :taken_at)
		`, rec)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot record: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.SnapshotRecord{}, err
	}
	return rec, nil
}

func (s *PostgresVersionStore) List(ctx context.Context, replicaID string) ([]domain.SnapshotRecord, error) {
	var out []domain.SnapshotRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT replica_id, version, storage_uri, taken_at
		FROM snapshot_records
		WHERE replica_id = $1
		ORDER BY version
	`, replicaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return out, nil
}

// MemoryVersionStore is an in-process VersionStore
type MemoryVersionStore struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	records map[string][]domain.SnapshotRecord
}

// NewMemoryVersionStore creates an empty store
func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{
		locks:   make(map[string]*sync.Mutex),
		records: make(map[string][]domain.SnapshotRecord),
	}
}

func (s *MemoryVersionStore) lock(replicaID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[replicaID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[replicaID] = l
	}
	return l
}

func (s *MemoryVersionStore) Append(ctx context.Context, replicaID string, write WriteFunc) (domain.SnapshotRecord, error) {
	l := s.lock(replicaID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	version := uint64(len(s.records[replicaID])) + 1
	s.mu.Unlock()

	uri, err := write(ctx, version)
	if err != nil {
		return domain.SnapshotRecord{}, err
	}

	rec := domain.SnapshotRecord{ReplicaID: replicaID, Version: version, StorageURI: uri, TakenAt: time.Now().UTC()}
	s.mu.Lock()
	s.records[replicaID] = append(s.records[replicaID], rec)
	s.mu.Unlock()
	return rec, nil
}

func (s *MemoryVersionStore) List(ctx context.Context, replicaID string) ([]domain.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SnapshotRecord(nil), s.records[replicaID]...), nil
}
