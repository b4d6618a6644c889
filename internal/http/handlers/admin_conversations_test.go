package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nevermiss-ai/textback-platform/internal/conversation"
)

type fakeConversationStore struct {
	conversations []conversation.Conversation
	conversation  *conversation.Conversation
	messages      []conversation.Message
	applied       bool
	err           error

	listedState string
	closeReason string
}

func (f *fakeConversationStore) ListByState(_ context.Context, _, state string, _ int) ([]conversation.Conversation, error) {
	f.listedState = state
	return f.conversations, f.err
}

func (f *fakeConversationStore) GetConversation(_ context.Context, _ string, _ uuid.UUID) (*conversation.Conversation, error) {
	return f.conversation, f.err
}

func (f *fakeConversationStore) Transcript(_ context.Context, _ string, _ uuid.UUID, _ int) ([]conversation.Message, error) {
	return f.messages, f.err
}

func (f *fakeConversationStore) Takeover(_ context.Context, _ string, _ uuid.UUID) (bool, error) {
	return f.applied, f.err
}

func (f *fakeConversationStore) Release(_ context.Context, _ string, _ uuid.UUID) (bool, error) {
	return f.applied, f.err
}

func (f *fakeConversationStore) Close(_ context.Context, _ string, _ uuid.UUID, reason string) (bool, error) {
	f.closeReason = reason
	return f.applied, f.err
}

func adminConversationRequest(method, path, tenantID, conversationID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("tenantID", tenantID)
	if conversationID != "" {
		rctx.URLParams.Add("conversationID", conversationID)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestListConversationsFiltersByState(t *testing.T) {
	store := &fakeConversationStore{conversations: []conversation.Conversation{{
		ID:          uuid.New(),
		TenantID:    "tenant-1",
		CallerPhone: "+13105551212",
		State:       conversation.StateOpen,
		OpenedAt:    time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
	}}}
	h := NewAdminConversationHandler(store, nil)

	req := adminConversationRequest(http.MethodGet,
		"/admin/conversations/tenant-1?state=open", "tenant-1", "")
	rec := httptest.NewRecorder()
	h.List(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.listedState != conversation.StateOpen {
		t.Fatalf("expected state filter passed through, got %q", store.listedState)
	}
	var resp struct {
		Conversations []conversationSummary `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0].CallerPhone != "+13105551212" {
		t.Fatalf("unexpected conversations: %+v", resp.Conversations)
	}
}

func TestListConversationsRejectsUnknownState(t *testing.T) {
	h := NewAdminConversationHandler(&fakeConversationStore{}, nil)

	req := adminConversationRequest(http.MethodGet,
		"/admin/conversations/tenant-1?state=paused", "tenant-1", "")
	rec := httptest.NewRecorder()
	h.List(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetConversationReturnsTranscript(t *testing.T) {
	convoID := uuid.New()
	store := &fakeConversationStore{
		conversation: &conversation.Conversation{
			ID:          convoID,
			TenantID:    "tenant-1",
			CallerPhone: "+13105551212",
			State:       conversation.StateOpen,
		},
		messages: []conversation.Message{
			{ID: uuid.New(), Direction: conversation.DirectionOut, Body: "Sorry we missed you!", Status: "delivered"},
			{ID: uuid.New(), Direction: conversation.DirectionIn, Body: "can I book tomorrow?", Status: "received"},
		},
	}
	h := NewAdminConversationHandler(store, nil)

	req := adminConversationRequest(http.MethodGet,
		"/admin/conversations/tenant-1/"+convoID.String(), "tenant-1", convoID.String())
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Conversation conversationSummary `json:"conversation"`
		Messages     []messageView       `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Conversation.ID != convoID {
		t.Fatalf("expected conversation %s, got %s", convoID, resp.Conversation.ID)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].Direction != conversation.DirectionOut {
		t.Fatalf("unexpected transcript: %+v", resp.Messages)
	}
}

func TestGetConversationUnknownAnswers404(t *testing.T) {
	h := NewAdminConversationHandler(&fakeConversationStore{}, nil)

	id := uuid.NewString()
	req := adminConversationRequest(http.MethodGet,
		"/admin/conversations/tenant-1/"+id, "tenant-1", id)
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTakeoverAppliesTransition(t *testing.T) {
	store := &fakeConversationStore{applied: true}
	h := NewAdminConversationHandler(store, nil)

	id := uuid.NewString()
	req := adminConversationRequest(http.MethodPost,
		"/admin/conversations/tenant-1/"+id+"/takeover", "tenant-1", id)
	rec := httptest.NewRecorder()
	h.Takeover(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Applied bool `json:"applied"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Applied {
		t.Fatalf("expected applied=true")
	}
}

func TestTakeoverWrongStateAnswers409(t *testing.T) {
	store := &fakeConversationStore{applied: false}
	h := NewAdminConversationHandler(store, nil)

	id := uuid.NewString()
	req := adminConversationRequest(http.MethodPost,
		"/admin/conversations/tenant-1/"+id+"/takeover", "tenant-1", id)
	rec := httptest.NewRecorder()
	h.Takeover(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestCloseUsesManualReason(t *testing.T) {
	store := &fakeConversationStore{applied: true}
	h := NewAdminConversationHandler(store, nil)

	id := uuid.NewString()
	req := adminConversationRequest(http.MethodPost,
		"/admin/conversations/tenant-1/"+id+"/close", "tenant-1", id)
	rec := httptest.NewRecorder()
	h.Close(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if store.closeReason != conversation.CloseReasonManual {
		t.Fatalf("expected manual close reason, got %q", store.closeReason)
	}
}
