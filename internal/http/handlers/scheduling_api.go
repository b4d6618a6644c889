package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nevermiss-ai/textback-platform/internal/scheduling"
	"github.com/nevermiss-ai/textback-platform/internal/tenancy"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

type schedulingService interface {
	SearchAvailability(ctx context.Context, tenantID string, req scheduling.SearchRequest) ([]scheduling.Slot, error)
	CreateHold(ctx context.Context, tenantID string, req scheduling.HoldRequest) (*scheduling.Hold, error)
	BookAppointment(ctx context.Context, tenantID string, req scheduling.BookRequest) (*scheduling.Appointment, error)
	CancelAppointment(ctx context.Context, tenantID string, id uuid.UUID) (bool, error)
}

// SchedulingAPIHandler is the tenant-scoped booking surface. The router puts
// the tenant on the context before these run; a request without one is a
// routing bug and answers 401.
type SchedulingAPIHandler struct {
	service schedulingService
	logger  *logging.Logger
}

func NewSchedulingAPIHandler(service schedulingService, logger *logging.Logger) *SchedulingAPIHandler {
	if service == nil {
		panic("handlers: scheduling service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SchedulingAPIHandler{service: service, logger: logger}
}

type searchAvailabilityRequest struct {
	ResourceIDs     []string  `json:"resource_ids"`
	DurationMinutes int       `json:"duration_minutes"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	StepMinutes     int       `json:"step_minutes"`
}

type slotResponse struct {
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

func (h *SchedulingAPIHandler) Search(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.TenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, "tenant required", http.StatusUnauthorized)
		return
	}
	var req searchAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	resourceIDs := make([]uuid.UUID, 0, len(req.ResourceIDs))
	for _, raw := range req.ResourceIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid resource id", http.StatusBadRequest)
			return
		}
		resourceIDs = append(resourceIDs, id)
	}

	slots, err := h.service.SearchAvailability(r.Context(), tenantID, scheduling.SearchRequest{
		ResourceIDs:     resourceIDs,
		DurationMinutes: req.DurationMinutes,
		Window:          scheduling.Timeslot{Start: req.WindowStart, End: req.WindowEnd},
		StepMinutes:     req.StepMinutes,
	})
	if err != nil {
		h.writeSchedulingError(w, err, "availability search failed")
		return
	}

	out := make([]slotResponse, len(slots))
	for i, s := range slots {
		out[i] = slotResponse{ResourceID: s.ResourceID.String(), Start: s.Start, End: s.End}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": out})
}

type createHoldRequest struct {
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	CreatedBy  string    `json:"created_by"`
}

func (h *SchedulingAPIHandler) CreateHold(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.TenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, "tenant required", http.StatusUnauthorized)
		return
	}
	var req createHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	resourceID, err := uuid.Parse(req.ResourceID)
	if err != nil {
		http.Error(w, "invalid resource_id", http.StatusBadRequest)
		return
	}

	hold, err := h.service.CreateHold(r.Context(), tenantID, scheduling.HoldRequest{
		ResourceID: resourceID,
		Slot:       scheduling.Timeslot{Start: req.Start, End: req.End},
		CreatedBy:  req.CreatedBy,
	})
	if err != nil {
		h.writeSchedulingError(w, err, "hold creation failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"hold_id":     hold.ID,
		"resource_id": hold.ResourceID,
		"start":       hold.Timeslot.Start,
		"end":         hold.Timeslot.End,
		"expires_at":  hold.ExpiresAt,
	})
}

type bookAppointmentRequest struct {
	HoldID        string `json:"hold_id"`
	ServiceItemID string `json:"service_item_id"`
	CustomerPhone string `json:"customer_phone"`
}

func (h *SchedulingAPIHandler) BookAppointment(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.TenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, "tenant required", http.StatusUnauthorized)
		return
	}
	var req bookAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	holdID, err := uuid.Parse(req.HoldID)
	if err != nil {
		http.Error(w, "invalid hold_id", http.StatusBadRequest)
		return
	}
	var serviceItemID *uuid.UUID
	if req.ServiceItemID != "" {
		id, err := uuid.Parse(req.ServiceItemID)
		if err != nil {
			http.Error(w, "invalid service_item_id", http.StatusBadRequest)
			return
		}
		serviceItemID = &id
	}

	appt, err := h.service.BookAppointment(r.Context(), tenantID, scheduling.BookRequest{
		HoldID:        holdID,
		ServiceItemID: serviceItemID,
		CustomerPhone: req.CustomerPhone,
	})
	if err != nil {
		h.writeSchedulingError(w, err, "booking failed")
		return
	}

	resp := map[string]any{
		"appointment_id": appt.ID,
		"resource_id":    appt.ResourceID,
		"start":          appt.Timeslot.Start,
		"end":            appt.Timeslot.End,
		"customer_phone": appt.CustomerPhone,
		"booked_at":      appt.BookedAt,
	}
	if appt.ServiceItemID != nil {
		resp["service_item_id"] = *appt.ServiceItemID
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *SchedulingAPIHandler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.TenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, "tenant required", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "appointmentID"))
	if err != nil {
		http.Error(w, "invalid appointment id", http.StatusBadRequest)
		return
	}

	found, err := h.service.CancelAppointment(r.Context(), tenantID, id)
	if err != nil {
		h.writeSchedulingError(w, err, "cancellation failed")
		return
	}
	if !found {
		http.Error(w, "appointment not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSchedulingError maps the service sentinels onto the API statuses:
// validation 400, missing 404, inactive 403, conflict 409, expired hold 410.
func (h *SchedulingAPIHandler) writeSchedulingError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, scheduling.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, scheduling.ErrResourceNotFound):
		http.Error(w, "resource not found", http.StatusNotFound)
	case errors.Is(err, scheduling.ErrResourceInactive):
		http.Error(w, "resource inactive", http.StatusForbidden)
	case errors.Is(err, scheduling.ErrSlotConflict):
		http.Error(w, "timeslot conflict", http.StatusConflict)
	case errors.Is(err, scheduling.ErrHoldNotFound):
		http.Error(w, "hold not found", http.StatusNotFound)
	case errors.Is(err, scheduling.ErrHoldExpired):
		http.Error(w, "hold expired", http.StatusGone)
	default:
		h.logger.Error(logMsg, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
