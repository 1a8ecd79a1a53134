package backup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// Registry enumerates the replicas to back up
type Registry interface {
	Replicas(ctx context.Context) ([]string, error)
}

// StaticRegistry is a fixed replica list, usually from configuration
type StaticRegistry []string

func (r StaticRegistry) Replicas(ctx context.Context) ([]string, error) {
	return append([]string(nil), r...), nil
}

// PostgresRegistry reads enabled replicas from the replicas table
type PostgresRegistry struct {
	db *sqlx.DB
}

// NewPostgresRegistry creates a registry over db
func NewPostgresRegistry(db *sqlx.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) Replicas(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT replica_id FROM replicas WHERE enabled ORDER BY replica_id`); err != nil {
		return nil, fmt.Errorf("failed to list replicas: %w", err)
	}
	return ids, nil
}

// SnapshotSource takes a point-in-time snapshot of a replica
type SnapshotSource interface {
	Snapshot(ctx context.Context, replicaID string) ([]byte, error)
}

// HTTPSnapshotSource downloads snapshots from the replica management API
type HTTPSnapshotSource struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSnapshotSource creates a source for endpoint; a nil client uses
// http.DefaultClient
func NewHTTPSnapshotSource(endpoint string, client *http.Client) *HTTPSnapshotSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSnapshotSource{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

// Snapshot requests a snapshot of replicaID. 5xx, 408 and 429 responses and
// network errors are transient; other statuses are permanent.
func (s *HTTPSnapshotSource) Snapshot(ctx context.Context, replicaID string) ([]byte, error) {
	u := s.endpoint + "/v1/replicas/" + url.PathEscape(replicaID) + "/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, domain.NewPermanentError(fmt.Errorf("failed to build snapshot request: %w", err))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("failed to request snapshot of %s: %w", replicaID, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("snapshot of %s returned %d", replicaID, resp.StatusCode)
		switch {
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
			return nil, domain.NewTransientError(err)
		default:
			return nil, domain.NewPermanentError(err)
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("failed to read snapshot of %s: %w", replicaID, err))
	}
	return data, nil
}
