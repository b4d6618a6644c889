package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nevermiss-ai/textback-platform/internal/compliance"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

type campaignStore interface {
	Status(ctx context.Context, tenantID string) (string, error)
	SetStatus(ctx context.Context, tenantID, status, campaignRef string) (bool, error)
}

// AdminComplianceHandler manages the per-tenant campaign status that gates
// every outbound SMS. A transition here fans out through the outbox: the
// conversation consumer blocks or unblocks the tenant's threads.
type AdminComplianceHandler struct {
	store  campaignStore
	logger *logging.Logger
}

func NewAdminComplianceHandler(store campaignStore, logger *logging.Logger) *AdminComplianceHandler {
	if store == nil {
		panic("handlers: compliance store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminComplianceHandler{store: store, logger: logger}
}

// GetStatus returns the tenant's campaign status.
func (h *AdminComplianceHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	status, err := h.store.Status(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("campaign status lookup failed", "tenant_id", tenantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "status": status})
}

type setCampaignStatusRequest struct {
	Status      string `json:"status"`
	CampaignRef string `json:"campaign_ref"`
}

// SetStatus upserts the campaign row. Idempotent: repeating the current
// status reports changed=false and emits nothing.
func (h *AdminComplianceHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var req setCampaignStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	switch status {
	case compliance.StatusPending, compliance.StatusApproved, compliance.StatusRejected:
	default:
		http.Error(w, "status must be pending, approved, or rejected", http.StatusBadRequest)
		return
	}

	changed, err := h.store.SetStatus(r.Context(), tenantID, status, req.CampaignRef)
	if err != nil {
		h.logger.Error("campaign status update failed", "tenant_id", tenantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if changed {
		h.logger.Info("campaign status changed", "tenant_id", tenantID, "status", status)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"status":    status,
		"changed":   changed,
	})
}
