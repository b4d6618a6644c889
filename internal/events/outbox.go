package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StoredEvent is an outbox row as seen by the dispatcher.
type StoredEvent struct {
	Envelope
	CreatedAt    time.Time
	AvailableAt  time.Time
	Attempts     int
	LastError    string
	DispatchedAt *time.Time
}

// Querier is the subset of pgx used by read/write helpers.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool adds transaction support on top of Querier.
type PgxPool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxStore persists domain events for at-least-once dispatch.
type OutboxStore struct {
	db          PgxPool
	maxAttempts int
}

func NewOutboxStore(pool *pgxpool.Pool, maxAttempts int) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return newOutboxStoreWithDB(pool, maxAttempts)
}

func newOutboxStoreWithDB(db PgxPool, maxAttempts int) *OutboxStore {
	if maxAttempts <= 0 {
		maxAttempts = 6
	}
	return &OutboxStore{db: db, maxAttempts: maxAttempts}
}

// MaxAttempts reports the retry budget rows are leased under.
func (s *OutboxStore) MaxAttempts() int { return s.maxAttempts }

const leaseQuery = `
	SELECT event_id, tenant_id, event_name, schema_version, payload,
	       correlation_id, COALESCE(causation_id, ''), occurred_at,
	       created_at, available_at, attempts, COALESCE(last_error, '')
	FROM outbox_events
	WHERE dispatched_at IS NULL AND available_at <= now() AND attempts < $1
	ORDER BY created_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
`

// Lease opens a transaction and row-locks a batch of pending events. Rows
// stay locked until Commit or Rollback, and SKIP LOCKED keeps concurrent
// workers off each other's batches. A nil lease means nothing was pending.
func (s *OutboxStore) Lease(ctx context.Context, limit int) (*Lease, error) {
	if limit <= 0 {
		limit = 100
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("events: begin lease: %w", err)
	}
	rows, err := tx.Query(ctx, leaseQuery, s.maxAttempts, limit)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("events: lease pending: %w", err)
	}
	events, err := scanStoredEvents(rows)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if len(events) == 0 {
		_ = tx.Rollback(ctx)
		return nil, nil
	}
	return &Lease{tx: tx, maxAttempts: s.maxAttempts, Events: events}, nil
}

// Lease is a locked batch of outbox rows plus the transaction holding the locks.
type Lease struct {
	tx          pgx.Tx
	maxAttempts int
	Events      []StoredEvent
}

// MarkDispatched records successful delivery to every consumer.
func (l *Lease) MarkDispatched(ctx context.Context, eventID uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET dispatched_at = now(), last_error = NULL
		WHERE event_id = $1 AND dispatched_at IS NULL
	`
	if _, err := l.tx.Exec(ctx, query, eventID); err != nil {
		return fmt.Errorf("events: mark dispatched: %w", err)
	}
	return nil
}

// Reschedule makes the row visible again after the given delay, measured
// against the database clock.
func (l *Lease) Reschedule(ctx context.Context, eventID uuid.UUID, delay time.Duration, lastError string) error {
	query := `
		UPDATE outbox_events
		SET attempts = attempts + 1,
		    available_at = now() + ($2 * interval '1 millisecond'),
		    last_error = $3
		WHERE event_id = $1
	`
	if _, err := l.tx.Exec(ctx, query, eventID, delay.Milliseconds(), truncateError(lastError)); err != nil {
		return fmt.Errorf("events: reschedule: %w", err)
	}
	return nil
}

// MarkDead pushes the row past the retry budget so it surfaces only in the
// dead-letter view, envelope intact.
func (l *Lease) MarkDead(ctx context.Context, eventID uuid.UUID, lastError string) error {
	query := `
		UPDATE outbox_events
		SET attempts = GREATEST(attempts + 1, $2),
		    last_error = $3
		WHERE event_id = $1
	`
	if _, err := l.tx.Exec(ctx, query, eventID, l.maxAttempts, truncateError(lastError)); err != nil {
		return fmt.Errorf("events: mark dead: %w", err)
	}
	return nil
}

// Commit releases the row locks and publishes the outcome updates.
func (l *Lease) Commit(ctx context.Context) error {
	if err := l.tx.Commit(ctx); err != nil {
		return fmt.Errorf("events: commit lease: %w", err)
	}
	return nil
}

// Rollback abandons the lease; untouched rows become visible immediately.
func (l *Lease) Rollback(ctx context.Context) {
	_ = l.tx.Rollback(ctx)
}

// CountPending reports rows visible to the lease query right now.
func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	query := `
		SELECT count(*)
		FROM outbox_events
		WHERE dispatched_at IS NULL AND available_at <= now() AND attempts < $1
	`
	var n int64
	if err := s.db.QueryRow(ctx, query, s.maxAttempts).Scan(&n); err != nil {
		return 0, fmt.Errorf("events: count pending: %w", err)
	}
	return n, nil
}

// ListDeadLetters returns undispatched rows that exhausted the retry budget,
// oldest first.
func (s *OutboxStore) ListDeadLetters(ctx context.Context, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT event_id, tenant_id, event_name, schema_version, payload,
		       correlation_id, COALESCE(causation_id, ''), occurred_at,
		       created_at, available_at, attempts, COALESCE(last_error, '')
		FROM outbox_events
		WHERE dispatched_at IS NULL AND attempts >= $1
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, s.maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("events: list dead letters: %w", err)
	}
	return scanStoredEvents(rows)
}

// ReplayDeadLetters zeroes the attempt counter so the dispatcher picks the
// rows up again. Only undispatched rows are touched.
func (s *OutboxStore) ReplayDeadLetters(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		UPDATE outbox_events
		SET attempts = 0, last_error = NULL, available_at = now()
		WHERE event_id = ANY($1) AND dispatched_at IS NULL
	`
	ct, err := s.db.Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("events: replay dead letters: %w", err)
	}
	return ct.RowsAffected(), nil
}

// ResetRange re-queues every event in the inclusive event-id range, including
// already dispatched ones. Used by the reprocess command; consumers are
// idempotent so re-delivery is safe.
func (s *OutboxStore) ResetRange(ctx context.Context, from, to uuid.UUID) (int64, error) {
	query := `
		UPDATE outbox_events
		SET dispatched_at = NULL, attempts = 0, last_error = NULL, available_at = now()
		WHERE event_id >= $1 AND event_id <= $2
	`
	ct, err := s.db.Exec(ctx, query, from, to)
	if err != nil {
		return 0, fmt.Errorf("events: reset range: %w", err)
	}
	return ct.RowsAffected(), nil
}

// SweepDispatched deletes rows dispatched more than retentionDays ago and
// returns the count removed.
func (s *OutboxStore) SweepDispatched(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	query := `
		DELETE FROM outbox_events
		WHERE dispatched_at IS NOT NULL
		  AND dispatched_at < now() - ($1 * interval '1 day')
	`
	ct, err := s.db.Exec(ctx, query, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("events: sweep dispatched: %w", err)
	}
	return ct.RowsAffected(), nil
}

func scanStoredEvents(rows pgx.Rows) ([]StoredEvent, error) {
	defer rows.Close()
	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var payload []byte
		if err := rows.Scan(
			&ev.EventID, &ev.TenantID, &ev.EventName, &ev.SchemaVersion, &payload,
			&ev.CorrelationID, &ev.CausationID, &ev.OccurredAt,
			&ev.CreatedAt, &ev.AvailableAt, &ev.Attempts, &ev.LastError,
		); err != nil {
			return nil, fmt.Errorf("events: scan outbox row: %w", err)
		}
		ev.Payload = append([]byte(nil), payload...)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: iterate outbox rows: %w", err)
	}
	return events, nil
}

func truncateError(msg string) string {
	const maxLen = 2000
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
