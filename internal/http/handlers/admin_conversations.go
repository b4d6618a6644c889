package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nevermiss-ai/textback-platform/internal/conversation"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

type conversationAdminStore interface {
	ListByState(ctx context.Context, tenantID, state string, limit int) ([]conversation.Conversation, error)
	GetConversation(ctx context.Context, tenantID string, id uuid.UUID) (*conversation.Conversation, error)
	Transcript(ctx context.Context, tenantID string, conversationID uuid.UUID, limit int) ([]conversation.Message, error)
	Takeover(ctx context.Context, tenantID string, id uuid.UUID) (bool, error)
	Release(ctx context.Context, tenantID string, id uuid.UUID) (bool, error)
	Close(ctx context.Context, tenantID string, id uuid.UUID, reason string) (bool, error)
}

// AdminConversationHandler is the operator console backend: browse threads,
// read transcripts, and move a thread between AI and human control.
type AdminConversationHandler struct {
	store  conversationAdminStore
	logger *logging.Logger
}

func NewAdminConversationHandler(store conversationAdminStore, logger *logging.Logger) *AdminConversationHandler {
	if store == nil {
		panic("handlers: conversation store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminConversationHandler{store: store, logger: logger}
}

type conversationSummary struct {
	ID             uuid.UUID  `json:"id"`
	CallerPhone    string     `json:"caller_phone"`
	State          string     `json:"state"`
	CorrelationID  string     `json:"correlation_id"`
	OpenedAt       time.Time  `json:"opened_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

type messageView struct {
	ID          uuid.UUID `json:"id"`
	Direction   string    `json:"direction"`
	Body        string    `json:"body"`
	Status      string    `json:"status"`
	ProviderRef string    `json:"provider_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// List returns the tenant's conversations, optionally filtered by state.
func (h *AdminConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	state := r.URL.Query().Get("state")
	switch state {
	case "", conversation.StateOpen, conversation.StateHuman, conversation.StateClosed, conversation.StateBlocked:
	default:
		http.Error(w, "unknown state", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	convos, err := h.store.ListByState(r.Context(), tenantID, state, limit)
	if err != nil {
		h.logger.Error("list conversations failed", "tenant_id", tenantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]conversationSummary, len(convos))
	for i, c := range convos {
		out[i] = summarize(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

// Get returns one conversation with its transcript.
func (h *AdminConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	id, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	convo, err := h.store.GetConversation(r.Context(), tenantID, id)
	if err != nil {
		h.logger.Error("get conversation failed", "tenant_id", tenantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if convo == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	msgs, err := h.store.Transcript(r.Context(), tenantID, id, limit)
	if err != nil {
		h.logger.Error("load transcript failed", "tenant_id", tenantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = messageView{
			ID:          m.ID,
			Direction:   m.Direction,
			Body:        m.Body,
			Status:      m.Status,
			ProviderRef: m.ProviderRef,
			CreatedAt:   m.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": summarize(*convo),
		"messages":     views,
	})
}

// Takeover suspends AI replies so an operator can drive the thread.
func (h *AdminConversationHandler) Takeover(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "takeover", h.store.Takeover)
}

// Release hands a taken-over thread back to the engine.
func (h *AdminConversationHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "release", h.store.Release)
}

// Close ends the thread manually.
func (h *AdminConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "close", func(ctx context.Context, tenantID string, id uuid.UUID) (bool, error) {
		return h.store.Close(ctx, tenantID, id, conversation.CloseReasonManual)
	})
}

func (h *AdminConversationHandler) transition(w http.ResponseWriter, r *http.Request, name string, op func(context.Context, string, uuid.UUID) (bool, error)) {
	tenantID := chi.URLParam(r, "tenantID")
	id, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	ok, err := op(r.Context(), tenantID, id)
	if err != nil {
		h.logger.Error("conversation transition failed",
			"op", name, "tenant_id", tenantID, "conversation_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		// Wrong state for the transition, or not this tenant's thread.
		http.Error(w, "conversation not in required state", http.StatusConflict)
		return
	}
	h.logger.Info("conversation transition",
		"op", name, "tenant_id", tenantID, "conversation_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "applied": true})
}

func summarize(c conversation.Conversation) conversationSummary {
	return conversationSummary{
		ID:             c.ID,
		CallerPhone:    c.CallerPhone,
		State:          c.State,
		CorrelationID:  c.CorrelationID,
		OpenedAt:       c.OpenedAt,
		ClosedAt:       c.ClosedAt,
		LastActivityAt: c.LastActivityAt,
	}
}
