// Package compliance owns the campaign registry, inbound number routing,
// and the opt-out list. The conversation engine consults it before every
// outbound SMS.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevermiss-ai/textback-platform/internal/events"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

var nowFunc = time.Now

// PhoneRoute maps an inbound destination number to its tenant.
type PhoneRoute struct {
	TenantID    string
	E164        string
	Receiving   bool
	CampaignRef string
}

type Store struct {
	db events.PgxPool
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("compliance: pgx pool required")
	}
	return &Store{db: pool}
}

func newStoreWithDB(db events.PgxPool) *Store {
	return &Store{db: db}
}

// Status returns the campaign status for the tenant. Tenants without a
// campaign row are pending, which denies sends.
func (s *Store) Status(ctx context.Context, tenantID string) (string, error) {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM compliance_campaigns WHERE tenant_id = $1`, tenantID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return StatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("compliance: campaign status: %w", err)
	}
	return status, nil
}

// SetStatus upserts the campaign row and, when the status actually changed,
// appends compliance.StatusChanged in the same transaction. Returns whether
// a transition happened.
func (s *Store) SetStatus(ctx context.Context, tenantID, status, campaignRef string) (bool, error) {
	switch status {
	case StatusPending, StatusApproved, StatusRejected:
	default:
		return false, fmt.Errorf("compliance: unknown campaign status %q", status)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("compliance: begin set status: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev := StatusPending
	err = tx.QueryRow(ctx, `SELECT status FROM compliance_campaigns WHERE tenant_id = $1 FOR UPDATE`, tenantID).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("compliance: lock campaign: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO compliance_campaigns (tenant_id, status, campaign_ref, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), now())
		ON CONFLICT (tenant_id) DO UPDATE SET
		    status = EXCLUDED.status,
		    campaign_ref = COALESCE(EXCLUDED.campaign_ref, compliance_campaigns.campaign_ref),
		    updated_at = now()`,
		tenantID, status, campaignRef)
	if err != nil {
		return false, fmt.Errorf("compliance: upsert campaign: %w", err)
	}

	changed := prev != status
	if changed {
		_, err = events.Append(ctx, tx, tenantID, uuid.NewString(), events.ComplianceStatusChanged{
			PreviousStatus: prev,
			Status:         status,
			ChangedAt:      nowFunc().UTC(),
		})
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("compliance: commit set status: %w", err)
	}
	return changed, nil
}

// ResolveNumber finds the tenant owning an inbound destination number.
// Returns nil when the number is unknown; intake answers 200 no-op so the
// carrier does not retry.
func (s *Store) ResolveNumber(ctx context.Context, e164 string) (*PhoneRoute, error) {
	var route PhoneRoute
	err := s.db.QueryRow(ctx, `
		SELECT tenant_id, e164, receiving, COALESCE(campaign_ref, '')
		FROM tenant_phone_numbers WHERE e164 = $1`, e164).Scan(
		&route.TenantID, &route.E164, &route.Receiving, &route.CampaignRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compliance: resolve number: %w", err)
	}
	return &route, nil
}

func (s *Store) UpsertNumber(ctx context.Context, route PhoneRoute) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tenant_phone_numbers (tenant_id, e164, receiving, campaign_ref)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (tenant_id, e164) DO UPDATE SET
		    receiving = EXCLUDED.receiving,
		    campaign_ref = EXCLUDED.campaign_ref`,
		route.TenantID, route.E164, route.Receiving, route.CampaignRef)
	if err != nil {
		return fmt.Errorf("compliance: upsert number: %w", err)
	}
	return nil
}

// AddOptOut records a STOP. Duplicate opt-outs are no-ops; the unique key
// makes the insert idempotent.
func (s *Store) AddOptOut(ctx context.Context, tenantID, phone, source string) (bool, error) {
	if source == "" {
		source = "sms_stop"
	}
	ct, err := s.db.Exec(ctx, `
		INSERT INTO opt_outs (tenant_id, phone, source)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, phone) DO NOTHING`,
		tenantID, phone, source)
	if err != nil {
		return false, fmt.Errorf("compliance: add opt-out: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) IsOptedOut(ctx context.Context, tenantID, phone string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM opt_outs WHERE tenant_id = $1 AND phone = $2`, tenantID, phone).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compliance: check opt-out: %w", err)
	}
	return true, nil
}
