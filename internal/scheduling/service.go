package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevermiss-ai/textback-platform/internal/directory"
	"github.com/nevermiss-ai/textback-platform/internal/events"
	"github.com/nevermiss-ai/textback-platform/internal/observability/metrics"
	"github.com/nevermiss-ai/textback-platform/internal/tenancy"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// Sentinel errors the HTTP layer maps onto status codes.
var (
	ErrValidation       = errors.New("scheduling: invalid request")
	ErrResourceNotFound = errors.New("scheduling: resource not found")
	ErrResourceInactive = errors.New("scheduling: resource inactive")
	ErrSlotConflict     = errors.New("scheduling: timeslot conflict")
	ErrHoldNotFound     = errors.New("scheduling: hold not found")
	ErrHoldExpired      = errors.New("scheduling: hold expired")
)

type resourceDirectory interface {
	ListResources(ctx context.Context, tenantID string, activeOnly bool) ([]directory.Resource, error)
	GetResource(ctx context.Context, tenantID string, id uuid.UUID) (*directory.Resource, error)
	GetServiceItem(ctx context.Context, tenantID string, id uuid.UUID) (*directory.ServiceItem, error)
}

// ServiceConfig wires the booking engine's collaborators. Store and
// Directory are required.
type ServiceConfig struct {
	Store     *Store
	Directory resourceDirectory
	Metrics   *metrics.SchedulingMetrics
	Logger    *logging.Logger

	HoldTTL       time.Duration // default 15m
	Granularity   time.Duration // default 15m
	MaxWindowDays int           // default 14
}

// Service runs availability search and the hold/book/cancel lifecycle.
type Service struct {
	store         *Store
	directory     resourceDirectory
	metrics       *metrics.SchedulingMetrics
	logger        *logging.Logger
	tracer        trace.Tracer
	holdTTL       time.Duration
	granularity   time.Duration
	maxWindowDays int
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Store == nil {
		panic("scheduling: store cannot be nil")
	}
	if cfg.Directory == nil {
		panic("scheduling: directory cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	holdTTL := cfg.HoldTTL
	if holdTTL <= 0 {
		holdTTL = 15 * time.Minute
	}
	granularity := cfg.Granularity
	if granularity <= 0 {
		granularity = 15 * time.Minute
	}
	maxWindowDays := cfg.MaxWindowDays
	if maxWindowDays <= 0 {
		maxWindowDays = 14
	}
	return &Service{
		store:         cfg.Store,
		directory:     cfg.Directory,
		metrics:       cfg.Metrics,
		logger:        logger,
		tracer:        otel.Tracer("textback.internal.scheduling"),
		holdTTL:       holdTTL,
		granularity:   granularity,
		maxWindowDays: maxWindowDays,
	}
}

// SearchRequest narrows an availability search. Empty ResourceIDs means
// every active resource of the tenant. StepMinutes zero uses the
// configured granularity.
type SearchRequest struct {
	ResourceIDs     []uuid.UUID
	DurationMinutes int
	Window          Timeslot
	StepMinutes     int
}

// SearchAvailability computes bookable openings: busy is the union of
// appointments, unexpired holds, and the external shadow; free is its
// inversion within the window; slots are every duration-length sub-window
// at step granularity. Results are ordered by resource, then start.
func (s *Service) SearchAvailability(ctx context.Context, tenantID string, req SearchRequest) ([]Slot, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.search")
	defer span.End()
	span.SetAttributes(attribute.String("textback.tenant_id", tenantID))

	if req.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration_minutes must be positive", ErrValidation)
	}
	if !req.Window.IsValid() {
		return nil, fmt.Errorf("%w: window start must precede end", ErrValidation)
	}
	window := NewTimeslot(req.Window.Start, req.Window.End)
	if cap := window.Start.AddDate(0, 0, s.maxWindowDays); window.End.After(cap) {
		window.End = cap
	}
	step := s.granularity
	if req.StepMinutes > 0 {
		step = time.Duration(req.StepMinutes) * time.Minute
	}
	duration := time.Duration(req.DurationMinutes) * time.Minute

	resources, err := s.directory.ListResources(ctx, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list resources: %w", err)
	}
	if len(req.ResourceIDs) > 0 {
		requested := make(map[uuid.UUID]bool, len(req.ResourceIDs))
		for _, id := range req.ResourceIDs {
			requested[id] = true
		}
		filtered := resources[:0]
		for _, r := range resources {
			if requested[r.ID] {
				filtered = append(filtered, r)
			}
		}
		resources = filtered
	}
	if len(resources) == 0 {
		return []Slot{}, nil
	}
	sort.Slice(resources, func(i, j int) bool {
		return resources[i].ID.String() < resources[j].ID.String()
	})

	ids := make([]uuid.UUID, len(resources))
	for i, r := range resources {
		ids[i] = r.ID
	}
	busy, err := s.store.ListBusy(ctx, ids, window)
	if err != nil {
		return nil, err
	}

	slots := []Slot{}
	for _, r := range resources {
		slots = append(slots, availableSlots(r.ID, window, busy[r.ID], duration, step)...)
	}
	return slots, nil
}

// HoldRequest reserves one timeslot on one resource.
type HoldRequest struct {
	ResourceID uuid.UUID
	Slot       Timeslot
	CreatedBy  string
}

// CreateHold verifies the slot is free and reserves it for the hold TTL,
// emitting AppointmentHeld in the same transaction. There is no exclusion
// constraint on holds, so two racing holds can both succeed; the
// appointment constraint settles that race at booking time.
func (s *Service) CreateHold(ctx context.Context, tenantID string, req HoldRequest) (*Hold, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.hold")
	defer span.End()
	span.SetAttributes(attribute.String("textback.tenant_id", tenantID))

	if !req.Slot.IsValid() {
		return nil, fmt.Errorf("%w: timeslot start must precede end", ErrValidation)
	}
	resource, err := s.directory.GetResource(ctx, tenantID, req.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("scheduling: get resource: %w", err)
	}
	if resource == nil {
		s.metrics.ObserveHold("resource_missing")
		return nil, ErrResourceNotFound
	}
	if !resource.Active {
		s.metrics.ObserveHold("inactive_resource")
		return nil, ErrResourceInactive
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduling: begin hold: %w", err)
	}
	defer tx.Rollback(ctx)

	conflicted, err := s.store.hasConflictTx(ctx, tx, req.ResourceID, req.Slot)
	if err != nil {
		return nil, err
	}
	if conflicted {
		s.metrics.ObserveHold("conflict")
		return nil, ErrSlotConflict
	}

	hold := &Hold{
		TenantID:   tenantID,
		ResourceID: req.ResourceID,
		Timeslot:   NewTimeslot(req.Slot.Start, req.Slot.End),
		CreatedBy:  req.CreatedBy,
	}
	if err := s.store.insertHoldTx(ctx, tx, hold, s.holdTTL); err != nil {
		return nil, err
	}

	_, err = events.Append(ctx, tx, tenantID, tenancy.CorrelationID(ctx), events.AppointmentHeld{
		HoldID:     hold.ID.String(),
		ResourceID: hold.ResourceID.String(),
		Start:      hold.Timeslot.Start,
		End:        hold.Timeslot.End,
		ExpiresAt:  hold.ExpiresAt,
		CreatedBy:  hold.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("scheduling: commit hold: %w", err)
	}
	s.metrics.ObserveHold("ok")
	s.logger.Info("hold created",
		"tenant_id", tenantID, "hold_id", hold.ID, "resource_id", hold.ResourceID,
		"start", hold.Timeslot.Start, "expires_at", hold.ExpiresAt)
	return hold, nil
}

// BookRequest converts a hold into a confirmed appointment.
type BookRequest struct {
	HoldID        uuid.UUID
	ServiceItemID *uuid.UUID
	CustomerPhone string
}

// BookAppointment converts a hold into an appointment in one transaction:
// lock the hold, verify it is unexpired by the database clock, insert the
// appointment (the exclusion constraint is the final overlap guard),
// delete the hold, and emit AppointmentBooked with the catalog price
// snapshotted at booking time.
func (s *Service) BookAppointment(ctx context.Context, tenantID string, req BookRequest) (*Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("textback.tenant_id", tenantID),
		attribute.String("textback.hold_id", req.HoldID.String()),
	)

	if req.CustomerPhone == "" {
		return nil, fmt.Errorf("%w: customer_phone is required", ErrValidation)
	}

	var priceCents int64
	currency := "USD"
	if req.ServiceItemID != nil {
		item, err := s.directory.GetServiceItem(ctx, tenantID, *req.ServiceItemID)
		if err != nil {
			return nil, fmt.Errorf("scheduling: get service item: %w", err)
		}
		if item == nil {
			return nil, fmt.Errorf("%w: unknown service item", ErrValidation)
		}
		priceCents = item.PriceCents
		currency = item.Currency
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduling: begin booking: %w", err)
	}
	defer tx.Rollback(ctx)

	hold, expired, err := s.store.holdForUpdateTx(ctx, tx, tenantID, req.HoldID)
	if err != nil {
		return nil, err
	}
	if hold == nil {
		s.metrics.ObserveBooking("hold_missing")
		return nil, ErrHoldNotFound
	}
	if expired {
		// The GC would reap this hold anyway; releasing it here keeps the
		// released event adjacent to the booking attempt that found it dead.
		if err := s.store.deleteHoldTx(ctx, tx, hold.ID); err != nil {
			return nil, err
		}
		_, err = events.Append(ctx, tx, tenantID, tenancy.CorrelationID(ctx), events.AppointmentReleased{
			HoldID:     hold.ID.String(),
			ResourceID: hold.ResourceID.String(),
			Start:      hold.Timeslot.Start,
			End:        hold.Timeslot.End,
			Reason:     ReleaseReasonExpired,
			ReleasedAt: nowFunc().UTC(),
		})
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("scheduling: commit expired hold: %w", err)
		}
		s.metrics.ObserveBooking("hold_expired")
		return nil, ErrHoldExpired
	}

	appt := &Appointment{
		TenantID:      tenantID,
		ResourceID:    hold.ResourceID,
		Timeslot:      hold.Timeslot,
		ServiceItemID: req.ServiceItemID,
		CustomerPhone: req.CustomerPhone,
	}
	if err := s.store.insertAppointmentTx(ctx, tx, appt); err != nil {
		if errors.Is(err, ErrSlotConflict) {
			s.metrics.ObserveBooking("conflict")
		}
		return nil, err
	}
	if err := s.store.deleteHoldTx(ctx, tx, hold.ID); err != nil {
		return nil, err
	}

	var serviceItemID string
	if req.ServiceItemID != nil {
		serviceItemID = req.ServiceItemID.String()
	}
	_, err = events.Append(ctx, tx, tenantID, tenancy.CorrelationID(ctx), events.AppointmentBooked{
		AppointmentID: appt.ID.String(),
		HoldID:        hold.ID.String(),
		ResourceID:    appt.ResourceID.String(),
		Start:         appt.Timeslot.Start,
		End:           appt.Timeslot.End,
		ServiceItemID: serviceItemID,
		CustomerPhone: appt.CustomerPhone,
		PriceCents:    priceCents,
		Currency:      currency,
		BookedAt:      nowFunc().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("scheduling: commit booking: %w", err)
	}
	s.metrics.ObserveBooking("ok")
	s.logger.Info("appointment booked",
		"tenant_id", tenantID, "appointment_id", appt.ID, "resource_id", appt.ResourceID,
		"start", appt.Timeslot.Start, "price_cents", priceCents)
	return appt, nil
}

// CancelAppointment deletes the appointment and emits
// AppointmentCancelled. Attributed revenue is left as booked. Returns
// false when the appointment does not exist for the tenant.
func (s *Service) CancelAppointment(ctx context.Context, tenantID string, id uuid.UUID) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("textback.tenant_id", tenantID))

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("scheduling: begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	appt, err := s.store.deleteAppointmentTx(ctx, tx, tenantID, id)
	if err != nil {
		return false, err
	}
	if appt == nil {
		return false, nil
	}

	_, err = events.Append(ctx, tx, tenantID, tenancy.CorrelationID(ctx), events.AppointmentCancelled{
		AppointmentID: appt.ID.String(),
		ResourceID:    appt.ResourceID.String(),
		Start:         appt.Timeslot.Start,
		End:           appt.Timeslot.End,
		CancelledAt:   nowFunc().UTC(),
	})
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("scheduling: commit cancel: %w", err)
	}
	s.metrics.ObserveBooking("cancelled")
	s.logger.Info("appointment cancelled", "tenant_id", tenantID, "appointment_id", id)
	return true, nil
}

// ReleaseExpiredHolds reaps expired holds. The hold GC worker calls this
// on its tick.
func (s *Service) ReleaseExpiredHolds(ctx context.Context) (int, error) {
	n, err := s.store.ReleaseExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired holds released", "count", n)
	}
	return n, nil
}
