package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Failure is a webhook delivery that exhausted the intake retry budget. The
// provider received a 200 so it stops retrying; the row is what remains for
// operator reconciliation.
type Failure struct {
	ID              uuid.UUID
	Provider        string
	ProviderEventID string
	Kind            string
	Detail          string
	Body            string
	CreatedAt       time.Time
}

type FailureStore struct {
	db rowQuerier
}

func NewFailureStore(pool *pgxpool.Pool) *FailureStore {
	if pool == nil {
		panic("ingest: pgx pool required")
	}
	return &FailureStore{db: pool}
}

func newFailureStoreWithDB(db rowQuerier) *FailureStore {
	return &FailureStore{db: db}
}

func (s *FailureStore) Record(ctx context.Context, f Failure) error {
	query := `
		INSERT INTO ingest_failures (provider, provider_event_id, kind, detail, body)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.Exec(ctx, query, f.Provider, f.ProviderEventID, f.Kind, f.Detail, f.Body); err != nil {
		return fmt.Errorf("ingest: record failure: %w", err)
	}
	return nil
}

// ListRecent returns the newest failures first, for the admin endpoint.
func (s *FailureStore) ListRecent(ctx context.Context, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, provider, provider_event_id, kind, detail, body, created_at
		FROM ingest_failures
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ingest: list failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.ID, &f.Provider, &f.ProviderEventID, &f.Kind, &f.Detail, &f.Body, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("ingest: scan failure: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ingest: iterate failures: %w", err)
	}
	return out, nil
}
