package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/nevermiss-ai/textback-platform/internal/observability/metrics"
	"github.com/nevermiss-ai/textback-platform/internal/scheduling"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

const kindCalendarPush = "calendar_push"

type dirtyMarker interface {
	MarkDirtyByRef(ctx context.Context, source, ref string) (bool, error)
}

// CalendarWebhookHandler accepts change notifications from the external
// calendars and marks the affected resource dirty. The poller does the
// actual refresh; nothing here makes an outbound call, so a burst of pushes
// costs one flag flip each.
type CalendarWebhookHandler struct {
	syncer       dirtyMarker
	metrics      *metrics.IntakeMetrics
	logger       *logging.Logger
	googleToken  string
	jobberSecret string
}

type CalendarWebhookConfig struct {
	Syncer       dirtyMarker
	Metrics      *metrics.IntakeMetrics
	Logger       *logging.Logger
	GoogleToken  string
	JobberSecret string
}

func NewCalendarWebhookHandler(cfg CalendarWebhookConfig) *CalendarWebhookHandler {
	if cfg.Syncer == nil {
		panic("handlers: calendar syncer required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &CalendarWebhookHandler{
		syncer:       cfg.Syncer,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		googleToken:  cfg.GoogleToken,
		jobberSecret: cfg.JobberSecret,
	}
}

// HandleGooglePush receives Calendar API channel notifications. Channels are
// registered with the calendar reference as the channel id and a shared
// token, so authenticity rides on the token header and routing on the id.
func (h *CalendarWebhookHandler) HandleGooglePush(w http.ResponseWriter, r *http.Request) {
	if h.googleToken == "" || r.Header.Get("X-Goog-Channel-Token") != h.googleToken {
		h.logger.Warn("google push with bad channel token")
		h.metrics.ObserveReceived(scheduling.SourceGoogle, kindCalendarPush, outcomeRejected)
		http.Error(w, "invalid channel token", http.StatusUnauthorized)
		return
	}

	// The handshake sent at watch registration carries state "sync" and
	// references nothing that changed.
	if strings.EqualFold(r.Header.Get("X-Goog-Resource-State"), "sync") {
		h.metrics.ObserveReceived(scheduling.SourceGoogle, kindCalendarPush, outcomeIgnored)
		w.WriteHeader(http.StatusOK)
		return
	}

	ref := strings.TrimSpace(r.Header.Get("X-Goog-Channel-ID"))
	if ref == "" {
		http.Error(w, "missing channel id", http.StatusBadRequest)
		return
	}
	h.markDirty(r.Context(), w, scheduling.SourceGoogle, ref)
}

// HandleJobberWebhook receives change notifications signed with HMAC-SHA256
// over the raw body.
func (h *CalendarWebhookHandler) HandleJobberWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !verifyJobberSignature(h.jobberSecret, r.Header.Get("X-Jobber-Hmac-SHA256"), body) {
		h.logger.Warn("jobber webhook signature rejected")
		h.metrics.ObserveReceived(scheduling.SourceJobber, kindCalendarPush, outcomeRejected)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload struct {
		CalendarRef string `json:"calendar_ref"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || strings.TrimSpace(payload.CalendarRef) == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	h.markDirty(r.Context(), w, scheduling.SourceJobber, payload.CalendarRef)
}

func (h *CalendarWebhookHandler) markDirty(ctx context.Context, w http.ResponseWriter, source, ref string) {
	known, err := h.syncer.MarkDirtyByRef(ctx, source, ref)
	if err != nil {
		h.logger.Error("calendar dirty mark failed", "source", source, "ref", ref, "error", err)
		h.metrics.ObserveReceived(source, kindCalendarPush, outcomeFailed)
		// The poller refreshes every resource on its next tick anyway.
		w.WriteHeader(http.StatusOK)
		return
	}
	if !known {
		// Stale watch for a calendar no one owns anymore.
		h.logger.Warn("calendar push for unknown reference", "source", source, "ref", ref)
		h.metrics.ObserveReceived(source, kindCalendarPush, outcomeUnroutable)
		w.WriteHeader(http.StatusOK)
		return
	}
	h.metrics.ObserveReceived(source, kindCalendarPush, outcomeAccepted)
	w.WriteHeader(http.StatusOK)
}

func verifyJobberSignature(secret, signature string, body []byte) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
