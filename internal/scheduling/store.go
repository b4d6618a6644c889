package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nevermiss-ai/textback-platform/internal/events"
)

// External busy sources. Values match the external_busy check constraint.
const (
	SourceGoogle = "google"
	SourceJobber = "jobber"
)

// Hold release reasons carried on AppointmentReleased events.
const (
	ReleaseReasonExpired   = "expired"
	ReleaseReasonCancelled = "cancelled"
)

var nowFunc = time.Now

// Hold is a short-lived reservation that blocks booking races without
// holding a transaction open.
type Hold struct {
	ID         uuid.UUID
	TenantID   string
	ResourceID uuid.UUID
	Timeslot   Timeslot
	ExpiresAt  time.Time
	CreatedBy  string
	CreatedAt  time.Time
}

// Appointment is a confirmed booking. The exclusion constraint on
// (resource_id, timeslot) makes overlap impossible however the row gets in.
type Appointment struct {
	ID            uuid.UUID
	TenantID      string
	ResourceID    uuid.UUID
	Timeslot      Timeslot
	ServiceItemID *uuid.UUID
	CustomerPhone string
	BookedAt      time.Time
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists holds, appointments, and the external-busy shadow.
type Store struct {
	pool events.PgxPool
}

// NewStore builds a store backed by the provided pool.
func NewStore(pool events.PgxPool) *Store {
	if pool == nil {
		panic("scheduling: pool cannot be nil")
	}
	return &Store{pool: pool}
}

func newStoreWithDB(db events.PgxPool) *Store { return &Store{pool: db} }

// Begin opens a transaction on the underlying pool.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// ListBusy returns every busy interval per resource inside the window:
// confirmed appointments, unexpired holds, and external shadow rows.
// Expiry is judged by the database clock.
func (s *Store) ListBusy(ctx context.Context, resourceIDs []uuid.UUID, window Timeslot) (map[uuid.UUID][]Timeslot, error) {
	query := `
		SELECT resource_id, lower(timeslot), upper(timeslot)
		FROM appointments
		WHERE resource_id = ANY($1) AND timeslot && tstzrange($2, $3, '[)')
		UNION ALL
		SELECT resource_id, lower(timeslot), upper(timeslot)
		FROM holds
		WHERE resource_id = ANY($1) AND timeslot && tstzrange($2, $3, '[)') AND expires_at > now()
		UNION ALL
		SELECT resource_id, lower(timeslot), upper(timeslot)
		FROM external_busy
		WHERE resource_id = ANY($1) AND timeslot && tstzrange($2, $3, '[)')
	`
	rows, err := s.pool.Query(ctx, query, resourceIDs, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list busy: %w", err)
	}
	defer rows.Close()

	busy := make(map[uuid.UUID][]Timeslot, len(resourceIDs))
	for rows.Next() {
		var id uuid.UUID
		var slot Timeslot
		if err := rows.Scan(&id, &slot.Start, &slot.End); err != nil {
			return nil, fmt.Errorf("scheduling: scan busy: %w", err)
		}
		busy[id] = append(busy[id], slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduling: busy rows: %w", err)
	}
	return busy, nil
}

// hasConflictTx reports whether the slot overlaps anything already booked,
// held, or externally busy on the resource.
func (s *Store) hasConflictTx(ctx context.Context, q querier, resourceID uuid.UUID, slot Timeslot) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE resource_id = $1 AND timeslot && tstzrange($2, $3, '[)')
		) OR EXISTS (
			SELECT 1 FROM holds
			WHERE resource_id = $1 AND timeslot && tstzrange($2, $3, '[)') AND expires_at > now()
		) OR EXISTS (
			SELECT 1 FROM external_busy
			WHERE resource_id = $1 AND timeslot && tstzrange($2, $3, '[)')
		)
	`
	var conflicted bool
	if err := q.QueryRow(ctx, query, resourceID, slot.Start, slot.End).Scan(&conflicted); err != nil {
		return false, fmt.Errorf("scheduling: conflict check: %w", err)
	}
	return conflicted, nil
}

// insertHoldTx writes a hold row and fills in the database-assigned id,
// expiry, and creation time.
func (s *Store) insertHoldTx(ctx context.Context, q querier, h *Hold, ttl time.Duration) error {
	query := `
		INSERT INTO holds (tenant_id, resource_id, timeslot, expires_at, created_by)
		VALUES ($1, $2, tstzrange($3, $4, '[)'), now() + ($5 * interval '1 millisecond'), $6)
		RETURNING id, expires_at, created_at
	`
	err := q.QueryRow(ctx, query,
		h.TenantID, h.ResourceID, h.Timeslot.Start, h.Timeslot.End, ttl.Milliseconds(), h.CreatedBy,
	).Scan(&h.ID, &h.ExpiresAt, &h.CreatedAt)
	if err != nil {
		return fmt.Errorf("scheduling: insert hold: %w", err)
	}
	return nil
}

// holdForUpdateTx locks the hold row for the rest of the transaction.
// Returns (nil, false, nil) when no such hold exists. The expired flag is
// computed against the database clock while the row is locked.
func (s *Store) holdForUpdateTx(ctx context.Context, q querier, tenantID string, holdID uuid.UUID) (*Hold, bool, error) {
	query := `
		SELECT id, tenant_id, resource_id, lower(timeslot), upper(timeslot),
		       expires_at, created_by, created_at, expires_at <= now()
		FROM holds
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`
	var h Hold
	var expired bool
	err := q.QueryRow(ctx, query, tenantID, holdID).Scan(
		&h.ID, &h.TenantID, &h.ResourceID, &h.Timeslot.Start, &h.Timeslot.End,
		&h.ExpiresAt, &h.CreatedBy, &h.CreatedAt, &expired)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scheduling: lock hold: %w", err)
	}
	return &h, expired, nil
}

func (s *Store) deleteHoldTx(ctx context.Context, q querier, holdID uuid.UUID) error {
	if _, err := q.Exec(ctx, `DELETE FROM holds WHERE id = $1`, holdID); err != nil {
		return fmt.Errorf("scheduling: delete hold: %w", err)
	}
	return nil
}

// insertAppointmentTx writes an appointment row. An exclusion-constraint
// violation means the slot was taken between hold and booking; callers
// receive ErrSlotConflict and decide what to surface.
func (s *Store) insertAppointmentTx(ctx context.Context, q querier, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	query := `
		INSERT INTO appointments (id, tenant_id, resource_id, timeslot, service_item_id, customer_phone)
		VALUES ($1, $2, $3, tstzrange($4, $5, '[)'), $6, $7)
		RETURNING booked_at
	`
	err := q.QueryRow(ctx, query,
		a.ID, a.TenantID, a.ResourceID, a.Timeslot.Start, a.Timeslot.End, a.ServiceItemID, a.CustomerPhone,
	).Scan(&a.BookedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
			return ErrSlotConflict
		}
		return fmt.Errorf("scheduling: insert appointment: %w", err)
	}
	return nil
}

// GetAppointment fetches one appointment scoped to the tenant, or nil.
func (s *Store) GetAppointment(ctx context.Context, tenantID string, id uuid.UUID) (*Appointment, error) {
	query := `
		SELECT id, tenant_id, resource_id, lower(timeslot), upper(timeslot),
		       service_item_id, customer_phone, booked_at
		FROM appointments
		WHERE tenant_id = $1 AND id = $2
	`
	var a Appointment
	err := s.pool.QueryRow(ctx, query, tenantID, id).Scan(
		&a.ID, &a.TenantID, &a.ResourceID, &a.Timeslot.Start, &a.Timeslot.End,
		&a.ServiceItemID, &a.CustomerPhone, &a.BookedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduling: get appointment: %w", err)
	}
	return &a, nil
}

// deleteAppointmentTx removes an appointment and returns the deleted row,
// or nil when nothing matched.
func (s *Store) deleteAppointmentTx(ctx context.Context, q querier, tenantID string, id uuid.UUID) (*Appointment, error) {
	query := `
		DELETE FROM appointments
		WHERE tenant_id = $1 AND id = $2
		RETURNING id, tenant_id, resource_id, lower(timeslot), upper(timeslot),
		          service_item_id, customer_phone, booked_at
	`
	var a Appointment
	err := q.QueryRow(ctx, query, tenantID, id).Scan(
		&a.ID, &a.TenantID, &a.ResourceID, &a.Timeslot.Start, &a.Timeslot.End,
		&a.ServiceItemID, &a.CustomerPhone, &a.BookedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduling: delete appointment: %w", err)
	}
	return &a, nil
}

// ReleaseExpired deletes every hold past its expiry and emits an
// AppointmentReleased event per hold in the same transaction. Returns the
// number released.
func (s *Store) ReleaseExpired(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduling: begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		DELETE FROM holds
		WHERE expires_at <= now()
		RETURNING id, tenant_id, resource_id, lower(timeslot), upper(timeslot)
	`)
	if err != nil {
		return 0, fmt.Errorf("scheduling: release expired: %w", err)
	}

	var released []Hold
	for rows.Next() {
		var h Hold
		if err := rows.Scan(&h.ID, &h.TenantID, &h.ResourceID, &h.Timeslot.Start, &h.Timeslot.End); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scheduling: scan released: %w", err)
		}
		released = append(released, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("scheduling: release rows: %w", err)
	}

	releasedAt := nowFunc().UTC()
	for _, h := range released {
		_, err := events.Append(ctx, tx, h.TenantID, "", events.AppointmentReleased{
			HoldID:     h.ID.String(),
			ResourceID: h.ResourceID.String(),
			Start:      h.Timeslot.Start,
			End:        h.Timeslot.End,
			Reason:     ReleaseReasonExpired,
			ReleasedAt: releasedAt,
		})
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("scheduling: commit release: %w", err)
	}
	return len(released), nil
}

// ReplaceBusy swaps the external-busy shadow for one resource and source
// with a fresh snapshot. Returns the number of rows written.
func (s *Store) ReplaceBusy(ctx context.Context, tenantID string, resourceID uuid.UUID, source string, slots []Timeslot) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduling: begin replace busy: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `DELETE FROM external_busy WHERE resource_id = $1 AND source = $2`, resourceID, source)
	if err != nil {
		return 0, fmt.Errorf("scheduling: clear busy: %w", err)
	}

	written := 0
	for _, slot := range slots {
		if !slot.IsValid() {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO external_busy (tenant_id, resource_id, source, timeslot)
			VALUES ($1, $2, $3, tstzrange($4, $5, '[)'))
		`, tenantID, resourceID, source, slot.Start, slot.End)
		if err != nil {
			return 0, fmt.Errorf("scheduling: insert busy: %w", err)
		}
		written++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("scheduling: commit replace busy: %w", err)
	}
	return written, nil
}

// SyncConflicts returns local appointments that overlap the resource's
// external-busy shadow for a source. A non-empty result means the external
// calendar booked over a slot we had already confirmed.
func (s *Store) SyncConflicts(ctx context.Context, resourceID uuid.UUID, source string) ([]Appointment, error) {
	query := `
		SELECT DISTINCT a.id, a.tenant_id, a.resource_id, lower(a.timeslot), upper(a.timeslot),
		       a.service_item_id, a.customer_phone, a.booked_at
		FROM appointments a
		JOIN external_busy e ON e.resource_id = a.resource_id AND e.timeslot && a.timeslot
		WHERE a.resource_id = $1 AND e.source = $2
		ORDER BY lower(a.timeslot)
	`
	rows, err := s.pool.Query(ctx, query, resourceID, source)
	if err != nil {
		return nil, fmt.Errorf("scheduling: sync conflicts: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ResourceID, &a.Timeslot.Start, &a.Timeslot.End,
			&a.ServiceItemID, &a.CustomerPhone, &a.BookedAt); err != nil {
			return nil, fmt.Errorf("scheduling: scan conflict: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduling: conflict rows: %w", err)
	}
	return out, nil
}
