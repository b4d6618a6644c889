package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nevermiss-ai/textback-platform/internal/ingest"
	"github.com/nevermiss-ai/textback-platform/internal/kpi"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

type failureLister interface {
	ListRecent(ctx context.Context, limit int) ([]ingest.Failure, error)
}

type kpiReader interface {
	Rollups(ctx context.Context, tenantID string, days int) ([]kpi.Rollup, error)
	FirstResponseSnapshot() (*kpi.FirstResponseSnapshot, error)
}

// AdminOpsHandler serves the reconciliation and dashboard reads: terminal
// intake failures and the per-tenant KPI rollups.
type AdminOpsHandler struct {
	failures failureLister
	kpi      kpiReader
	logger   *logging.Logger
}

func NewAdminOpsHandler(failures failureLister, reader kpiReader, logger *logging.Logger) *AdminOpsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminOpsHandler{failures: failures, kpi: reader, logger: logger}
}

type failureView struct {
	ID              uuid.UUID `json:"id"`
	Provider        string    `json:"provider"`
	ProviderEventID string    `json:"provider_event_id"`
	Kind            string    `json:"kind"`
	Detail          string    `json:"detail"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListFailures returns the newest terminal intake failures. The stored raw
// body stays out of the response; operators pull it from the table when a
// specific delivery needs replay.
func (h *AdminOpsHandler) ListFailures(w http.ResponseWriter, r *http.Request) {
	if h.failures == nil {
		http.Error(w, "failure store not configured", http.StatusServiceUnavailable)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	failures, err := h.failures.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("list ingest failures failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]failureView, len(failures))
	for i, f := range failures {
		out[i] = failureView{
			ID:              f.ID,
			Provider:        f.Provider,
			ProviderEventID: f.ProviderEventID,
			Kind:            f.Kind,
			Detail:          f.Detail,
			CreatedAt:       f.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": out})
}

// Kpi returns the tenant's daily rollups for the trailing window plus a
// live snapshot of the first-response latency distribution.
func (h *AdminOpsHandler) Kpi(w http.ResponseWriter, r *http.Request) {
	if h.kpi == nil {
		http.Error(w, "kpi reader not configured", http.StatusServiceUnavailable)
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))

	rollups, err := h.kpi.Rollups(r.Context(), tenantID, days)
	if err != nil {
		h.logger.Error("kpi rollup read failed", "tenant_id", tenantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	snapshot, err := h.kpi.FirstResponseSnapshot()
	if err != nil {
		// The rollups still stand on their own when the registry read fails.
		h.logger.Warn("first-response snapshot unavailable", "error", err)
		snapshot = nil
	}

	resp := map[string]any{
		"tenant_id": tenantID,
		"rollups":   rollups,
	}
	if snapshot != nil {
		resp["first_response"] = snapshot
	}
	writeJSON(w, http.StatusOK, resp)
}
