package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nevermiss-ai/textback-platform/internal/scheduling"
)

type fakeSyncer struct {
	known  bool
	err    error
	source string
	ref    string
	calls  int
}

func (f *fakeSyncer) MarkDirtyByRef(_ context.Context, source, ref string) (bool, error) {
	f.calls++
	f.source, f.ref = source, ref
	return f.known, f.err
}

func newCalendarHandler(syncer *fakeSyncer) *CalendarWebhookHandler {
	return NewCalendarWebhookHandler(CalendarWebhookConfig{
		Syncer:       syncer,
		GoogleToken:  "channel-token",
		JobberSecret: "jobber-secret",
	})
}

func TestGooglePushMarksCalendarDirty(t *testing.T) {
	syncer := &fakeSyncer{known: true}
	h := newCalendarHandler(syncer)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar/google", nil)
	req.Header.Set("X-Goog-Channel-Token", "channel-token")
	req.Header.Set("X-Goog-Channel-ID", "primary-cal")
	req.Header.Set("X-Goog-Resource-State", "exists")

	rec := httptest.NewRecorder()
	h.HandleGooglePush(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if syncer.source != scheduling.SourceGoogle || syncer.ref != "primary-cal" {
		t.Fatalf("unexpected dirty mark: source=%q ref=%q", syncer.source, syncer.ref)
	}
}

func TestGooglePushRejectsBadToken(t *testing.T) {
	syncer := &fakeSyncer{known: true}
	h := newCalendarHandler(syncer)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar/google", nil)
	req.Header.Set("X-Goog-Channel-Token", "wrong")
	req.Header.Set("X-Goog-Channel-ID", "primary-cal")

	rec := httptest.NewRecorder()
	h.HandleGooglePush(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if syncer.calls != 0 {
		t.Fatalf("rejected push must not touch the syncer")
	}
}

func TestGooglePushIgnoresSyncHandshake(t *testing.T) {
	syncer := &fakeSyncer{known: true}
	h := newCalendarHandler(syncer)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar/google", nil)
	req.Header.Set("X-Goog-Channel-Token", "channel-token")
	req.Header.Set("X-Goog-Channel-ID", "primary-cal")
	req.Header.Set("X-Goog-Resource-State", "sync")

	rec := httptest.NewRecorder()
	h.HandleGooglePush(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if syncer.calls != 0 {
		t.Fatalf("sync handshake must not mark anything dirty")
	}
}

func TestGooglePushAnswers200WhenMarkFails(t *testing.T) {
	syncer := &fakeSyncer{err: errors.New("db down")}
	h := newCalendarHandler(syncer)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar/google", nil)
	req.Header.Set("X-Goog-Channel-Token", "channel-token")
	req.Header.Set("X-Goog-Channel-ID", "primary-cal")

	rec := httptest.NewRecorder()
	h.HandleGooglePush(rec, req)

	// The poller refreshes on its own cadence, so a failed hint is not worth
	// a provider retry storm.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func signJobberBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestJobberWebhookMarksCalendarDirty(t *testing.T) {
	syncer := &fakeSyncer{known: true}
	h := newCalendarHandler(syncer)

	body := `{"calendar_ref":"jobber-42"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar/jobber", strings.NewReader(body))
	req.Header.Set("X-Jobber-Hmac-SHA256", signJobberBody("jobber-secret", []byte(body)))

	rec := httptest.NewRecorder()
	h.HandleJobberWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if syncer.source != scheduling.SourceJobber || syncer.ref != "jobber-42" {
		t.Fatalf("unexpected dirty mark: source=%q ref=%q", syncer.source, syncer.ref)
	}
}

func TestJobberWebhookRejectsBadSignature(t *testing.T) {
	syncer := &fakeSyncer{known: true}
	h := newCalendarHandler(syncer)

	body := `{"calendar_ref":"jobber-42"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar/jobber", strings.NewReader(body))
	req.Header.Set("X-Jobber-Hmac-SHA256", signJobberBody("other-secret", []byte(body)))

	rec := httptest.NewRecorder()
	h.HandleJobberWebhook(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if syncer.calls != 0 {
		t.Fatalf("rejected webhook must not touch the syncer")
	}
}

func TestJobberWebhookRequiresCalendarRef(t *testing.T) {
	syncer := &fakeSyncer{known: true}
	h := newCalendarHandler(syncer)

	body := `{"event":"job.updated"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar/jobber", strings.NewReader(body))
	req.Header.Set("X-Jobber-Hmac-SHA256", signJobberBody("jobber-secret", []byte(body)))

	rec := httptest.NewRecorder()
	h.HandleJobberWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCalendarPushForUnknownRefAnswers200(t *testing.T) {
	syncer := &fakeSyncer{known: false}
	h := newCalendarHandler(syncer)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar/google", nil)
	req.Header.Set("X-Goog-Channel-Token", "channel-token")
	req.Header.Set("X-Goog-Channel-ID", "retired-cal")

	rec := httptest.NewRecorder()
	h.HandleGooglePush(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if syncer.calls != 1 {
		t.Fatalf("expected one dirty-mark attempt, got %d", syncer.calls)
	}
}
