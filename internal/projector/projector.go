// Package projector maintains the KPI read model from outbox events. It is
// purely additive: it owns first_response_trackers, daily_kpi_rollups, and
// revenue_attributions, and never touches transactional tables.
package projector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevermiss-ai/textback-platform/internal/events"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// Projector folds events into the read model. Writes tolerate any event
// order: latency is computed once, whichever of inbound or outbound lands
// last, and revenue is keyed by appointment id so replays cannot double it.
type Projector struct {
	db     *sql.DB
	logger *logging.Logger
	tracer trace.Tracer
}

func New(db *sql.DB, logger *logging.Logger) *Projector {
	if db == nil {
		panic("projector: db cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Projector{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("textback.internal.projector"),
	}
}

// Handle implements the outbox consumer contract.
func (p *Projector) Handle(ctx context.Context, env events.Envelope) events.Result {
	ctx, span := p.tracer.Start(ctx, "projector.handle")
	defer span.End()

	switch env.EventName {
	case (events.CallDetected{}).EventName():
		return p.resultOf(env, p.recordInbound(ctx, env, true))
	case (events.InboundSmsReceived{}).EventName():
		return p.resultOf(env, p.recordInbound(ctx, env, false))
	case (events.ConversationStarted{}).EventName():
		return p.resultOf(env, p.bumpConversations(ctx, env))
	case (events.OutboundQueued{}).EventName():
		return p.resultOf(env, p.recordOutbound(ctx, env))
	case (events.AppointmentBooked{}).EventName():
		evt, err := events.Decode[events.AppointmentBooked](env)
		if err != nil {
			return events.DeadLetter(err)
		}
		return p.resultOf(env, p.recordBooking(ctx, env.TenantID, evt))
	case (events.AppointmentCancelled{}).EventName():
		evt, err := events.Decode[events.AppointmentCancelled](env)
		if err != nil {
			return events.DeadLetter(err)
		}
		return p.resultOf(env, p.recordCancellation(ctx, env.TenantID, evt))
	}
	return events.OK()
}

func (p *Projector) resultOf(env events.Envelope, err error) events.Result {
	if err != nil {
		p.logger.Error("projection failed",
			"event_id", env.EventID, "event_name", env.EventName, "tenant_id", env.TenantID, "error", err)
		return events.Retry(err)
	}
	return events.OK()
}

// recordInbound stores the correlation's first inbound timestamp and, when
// an outbound was already projected (reordered delivery), settles latency.
// CallDetected additionally counts toward the daily call counter.
func (p *Projector) recordInbound(ctx context.Context, env events.Envelope, isCall bool) error {
	if env.CorrelationID != "" {
		query := `
			INSERT INTO first_response_trackers (tenant_id, correlation_id, inbound_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, correlation_id) DO UPDATE
			SET inbound_at = COALESCE(first_response_trackers.inbound_at, EXCLUDED.inbound_at),
			    latency_ms = CASE
			        WHEN first_response_trackers.latency_ms IS NULL
			             AND first_response_trackers.inbound_at IS NULL
			             AND first_response_trackers.outbound_at IS NOT NULL
			        THEN GREATEST(0, (EXTRACT(EPOCH FROM (first_response_trackers.outbound_at - EXCLUDED.inbound_at)) * 1000)::bigint)
			        ELSE first_response_trackers.latency_ms
			    END
		`
		if _, err := p.db.ExecContext(ctx, query, env.TenantID, env.CorrelationID, env.OccurredAt.UTC()); err != nil {
			return fmt.Errorf("projector: upsert inbound tracker: %w", err)
		}
		if err := p.refreshPercentiles(ctx, env.TenantID, env.OccurredAt); err != nil {
			return err
		}
	}
	if !isCall {
		return nil
	}
	return p.bumpCounter(ctx, env.TenantID, env.OccurredAt, "calls_detected")
}

// recordOutbound sets the outbound timestamp and computes latency exactly
// once: only when the inbound is already present and the outbound was
// previously null. An outbound that arrives first is stored so the inbound
// side can settle latency later.
func (p *Projector) recordOutbound(ctx context.Context, env events.Envelope) error {
	if env.CorrelationID == "" {
		return nil
	}
	query := `
		INSERT INTO first_response_trackers (tenant_id, correlation_id, outbound_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, correlation_id) DO UPDATE
		SET outbound_at = COALESCE(first_response_trackers.outbound_at, EXCLUDED.outbound_at),
		    latency_ms = CASE
		        WHEN first_response_trackers.outbound_at IS NULL
		             AND first_response_trackers.inbound_at IS NOT NULL
		        THEN GREATEST(0, (EXTRACT(EPOCH FROM (EXCLUDED.outbound_at - first_response_trackers.inbound_at)) * 1000)::bigint)
		        ELSE first_response_trackers.latency_ms
		    END
	`
	if _, err := p.db.ExecContext(ctx, query, env.TenantID, env.CorrelationID, env.OccurredAt.UTC()); err != nil {
		return fmt.Errorf("projector: upsert outbound tracker: %w", err)
	}
	return p.refreshPercentiles(ctx, env.TenantID, env.OccurredAt)
}

func (p *Projector) bumpConversations(ctx context.Context, env events.Envelope) error {
	return p.bumpCounter(ctx, env.TenantID, env.OccurredAt, "conversations_started")
}

// recordBooking attributes revenue and bumps the booked counter. The
// attribution insert is keyed by appointment id; when it loses (replayed
// event), the counter and revenue stay untouched so a duplicate
// AppointmentBooked can never double revenue.
func (p *Projector) recordBooking(ctx context.Context, tenantID string, evt events.AppointmentBooked) error {
	apptID, err := uuid.Parse(evt.AppointmentID)
	if err != nil {
		return fmt.Errorf("projector: bad appointment id %q: %w", evt.AppointmentID, err)
	}
	var serviceItemID any
	if evt.ServiceItemID != "" {
		itemID, err := uuid.Parse(evt.ServiceItemID)
		if err != nil {
			return fmt.Errorf("projector: bad service item id %q: %w", evt.ServiceItemID, err)
		}
		serviceItemID = itemID
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO revenue_attributions (appointment_id, tenant_id, service_item_id, price_cents, currency, booked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (appointment_id) DO NOTHING
	`, apptID, tenantID, serviceItemID, evt.PriceCents, evt.Currency, evt.BookedAt.UTC())
	if err != nil {
		return fmt.Errorf("projector: insert revenue attribution: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("projector: attribution rows affected: %w", err)
	}
	if inserted == 0 {
		return nil
	}

	day := dayStart(evt.BookedAt)
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO daily_kpi_rollups (tenant_id, day, appointments_booked, revenue_cents)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (tenant_id, day) DO UPDATE
		SET appointments_booked = daily_kpi_rollups.appointments_booked + 1,
		    revenue_cents = daily_kpi_rollups.revenue_cents + EXCLUDED.revenue_cents,
		    updated_at = now()
	`, tenantID, day, evt.PriceCents)
	if err != nil {
		return fmt.Errorf("projector: bump booking rollup: %w", err)
	}
	return nil
}

// recordCancellation counts the cancellation; attributed revenue stays as
// booked.
func (p *Projector) recordCancellation(ctx context.Context, tenantID string, evt events.AppointmentCancelled) error {
	return p.bumpCounter(ctx, tenantID, evt.CancelledAt, "appointments_cancelled")
}

// bumpCounter increments one rollup column for the event's UTC date.
// Counter columns are fixed strings chosen by callers, never user input.
func (p *Projector) bumpCounter(ctx context.Context, tenantID string, at time.Time, column string) error {
	query := fmt.Sprintf(`
		INSERT INTO daily_kpi_rollups (tenant_id, day, %[1]s)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, day) DO UPDATE
		SET %[1]s = daily_kpi_rollups.%[1]s + 1, updated_at = now()
	`, column)
	if _, err := p.db.ExecContext(ctx, query, tenantID, dayStart(at)); err != nil {
		return fmt.Errorf("projector: bump %s: %w", column, err)
	}
	return nil
}

// refreshPercentiles recomputes the day's first-response percentiles
// exactly from that day's tracker rows.
func (p *Projector) refreshPercentiles(ctx context.Context, tenantID string, at time.Time) error {
	day := dayStart(at)
	query := `
		INSERT INTO daily_kpi_rollups (tenant_id, day, first_response_p50_ms, first_response_p95_ms)
		SELECT $1, $2,
		       percentile_disc(0.5) WITHIN GROUP (ORDER BY latency_ms),
		       percentile_disc(0.95) WITHIN GROUP (ORDER BY latency_ms)
		FROM first_response_trackers
		WHERE tenant_id = $1 AND latency_ms IS NOT NULL
		  AND inbound_at >= $2 AND inbound_at < $2 + interval '1 day'
		ON CONFLICT (tenant_id, day) DO UPDATE
		SET first_response_p50_ms = EXCLUDED.first_response_p50_ms,
		    first_response_p95_ms = EXCLUDED.first_response_p95_ms,
		    updated_at = now()
	`
	if _, err := p.db.ExecContext(ctx, query, tenantID, day); err != nil {
		return fmt.Errorf("projector: refresh percentiles: %w", err)
	}
	return nil
}

func dayStart(at time.Time) time.Time {
	u := at.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
