// Package directory holds the tenant catalog: tenants, the service items
// conversations may quote, and the bookable resources scheduling runs on.
package directory

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Tenant struct {
	ID               string
	Name             string
	GreetingTemplate string
	HelpTemplate     string
	Timezone         string
	QuietHoursStart  *int
	QuietHoursEnd    *int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type ServiceItem struct {
	ID              uuid.UUID
	TenantID        string
	Name            string
	PriceCents      int64
	Currency        string
	DurationMinutes int
	Active          bool
}

type Resource struct {
	ID               uuid.UUID
	TenantID         string
	Name             string
	Active           bool
	ServiceItemIDs   []string
	GoogleCalendarID string
	JobberCalendarID string
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, greeting_template, help_template, timezone,
		       quiet_hours_start, quiet_hours_end, created_at, updated_at
		FROM tenants WHERE id = $1`, id).Scan(
		&t.ID, &t.Name, &t.GreetingTemplate, &t.HelpTemplate, &t.Timezone,
		&t.QuietHoursStart, &t.QuietHoursEnd, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) UpsertTenant(ctx context.Context, t *Tenant) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, greeting_template, help_template, timezone,
		    quiet_hours_start, quiet_hours_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO UPDATE SET
		    name=EXCLUDED.name, greeting_template=EXCLUDED.greeting_template,
		    help_template=EXCLUDED.help_template, timezone=EXCLUDED.timezone,
		    quiet_hours_start=EXCLUDED.quiet_hours_start,
		    quiet_hours_end=EXCLUDED.quiet_hours_end, updated_at=$8`,
		t.ID, t.Name, t.GreetingTemplate, t.HelpTemplate, t.Timezone,
		t.QuietHoursStart, t.QuietHoursEnd, now)
	return err
}

func (r *Repository) ListServiceItems(ctx context.Context, tenantID string, activeOnly bool) ([]ServiceItem, error) {
	query := `
		SELECT id, tenant_id, name, price_cents, currency, duration_minutes, active
		FROM service_items WHERE tenant_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY name ASC`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServiceItem
	for rows.Next() {
		var s ServiceItem
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Name, &s.PriceCents,
			&s.Currency, &s.DurationMinutes, &s.Active); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if out == nil {
		out = []ServiceItem{}
	}
	return out, rows.Err()
}

func (r *Repository) GetServiceItem(ctx context.Context, tenantID string, id uuid.UUID) (*ServiceItem, error) {
	var s ServiceItem
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, price_cents, currency, duration_minutes, active
		FROM service_items WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(
		&s.ID, &s.TenantID, &s.Name, &s.PriceCents, &s.Currency, &s.DurationMinutes, &s.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) UpsertServiceItem(ctx context.Context, s *ServiceItem) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO service_items (id, tenant_id, name, price_cents, currency, duration_minutes, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    name=EXCLUDED.name, price_cents=EXCLUDED.price_cents, currency=EXCLUDED.currency,
		    duration_minutes=EXCLUDED.duration_minutes, active=EXCLUDED.active`,
		s.ID, s.TenantID, s.Name, s.PriceCents, s.Currency, s.DurationMinutes, s.Active)
	return err
}

func (r *Repository) ListResources(ctx context.Context, tenantID string, activeOnly bool) ([]Resource, error) {
	query := `
		SELECT id, tenant_id, name, active, service_item_ids,
		       COALESCE(google_calendar_id, ''), COALESCE(jobber_calendar_id, '')
		FROM resources WHERE tenant_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY name ASC`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResources(rows)
}

func (r *Repository) GetResource(ctx context.Context, tenantID string, id uuid.UUID) (*Resource, error) {
	var res Resource
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, active, service_item_ids,
		       COALESCE(google_calendar_id, ''), COALESCE(jobber_calendar_id, '')
		FROM resources WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(
		&res.ID, &res.TenantID, &res.Name, &res.Active, pq.Array(&res.ServiceItemIDs),
		&res.GoogleCalendarID, &res.JobberCalendarID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res.ServiceItemIDs == nil {
		res.ServiceItemIDs = []string{}
	}
	return &res, nil
}

func (r *Repository) UpsertResource(ctx context.Context, res *Resource) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resources (id, tenant_id, name, active, service_item_ids, google_calendar_id, jobber_calendar_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		ON CONFLICT (id) DO UPDATE SET
		    name=EXCLUDED.name, active=EXCLUDED.active,
		    service_item_ids=EXCLUDED.service_item_ids,
		    google_calendar_id=EXCLUDED.google_calendar_id,
		    jobber_calendar_id=EXCLUDED.jobber_calendar_id`,
		res.ID, res.TenantID, res.Name, res.Active, pq.Array(res.ServiceItemIDs),
		res.GoogleCalendarID, res.JobberCalendarID)
	return err
}

// ListCalendarResources returns every active resource linked to an external
// calendar, across all tenants. The pollers iterate this set.
func (r *Repository) ListCalendarResources(ctx context.Context) ([]Resource, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, active, service_item_ids,
		       COALESCE(google_calendar_id, ''), COALESCE(jobber_calendar_id, '')
		FROM resources
		WHERE active AND (google_calendar_id IS NOT NULL OR jobber_calendar_id IS NOT NULL)
		ORDER BY tenant_id, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResources(rows)
}

// FindResourceByCalendarRef resolves a calendar push notification back to the
// resource it belongs to. Returns nil when the ref is unknown.
func (r *Repository) FindResourceByCalendarRef(ctx context.Context, source, ref string) (*Resource, error) {
	column := "google_calendar_id"
	if source == "jobber" {
		column = "jobber_calendar_id"
	}
	var res Resource
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, active, service_item_ids,
		       COALESCE(google_calendar_id, ''), COALESCE(jobber_calendar_id, '')
		FROM resources WHERE `+column+` = $1`, ref).Scan(
		&res.ID, &res.TenantID, &res.Name, &res.Active, pq.Array(&res.ServiceItemIDs),
		&res.GoogleCalendarID, &res.JobberCalendarID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res.ServiceItemIDs == nil {
		res.ServiceItemIDs = []string{}
	}
	return &res, nil
}

func scanResources(rows *sql.Rows) ([]Resource, error) {
	var out []Resource
	for rows.Next() {
		var res Resource
		if err := rows.Scan(&res.ID, &res.TenantID, &res.Name, &res.Active,
			pq.Array(&res.ServiceItemIDs), &res.GoogleCalendarID, &res.JobberCalendarID); err != nil {
			return nil, err
		}
		if res.ServiceItemIDs == nil {
			res.ServiceItemIDs = []string{}
		}
		out = append(out, res)
	}
	if out == nil {
		out = []Resource{}
	}
	return out, rows.Err()
}
