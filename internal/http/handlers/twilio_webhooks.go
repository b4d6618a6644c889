package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevermiss-ai/textback-platform/internal/compliance"
	"github.com/nevermiss-ai/textback-platform/internal/events"
	"github.com/nevermiss-ai/textback-platform/internal/ingest"
	"github.com/nevermiss-ai/textback-platform/internal/messaging"
	"github.com/nevermiss-ai/textback-platform/internal/observability/metrics"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

var nowFunc = time.Now

const providerTwilio = "twilio"

// Webhook kinds distinguish the three carrier callback endpoints on
// receipts, failures, and metrics.
const (
	kindVoiceStatus    = "voice_status"
	kindInboundSms     = "inbound_sms"
	kindDeliveryStatus = "delivery_status"
)

// Intake outcomes reported on the received counter.
const (
	outcomeAccepted   = "accepted"
	outcomeDuplicate  = "duplicate"
	outcomeUnroutable = "unroutable"
	outcomeIgnored    = "ignored"
	outcomeRejected   = "rejected"
	outcomeFailed     = "failed"
)

type receiptStore interface {
	RecordTx(ctx context.Context, tx pgx.Tx, provider, providerEventID, kind string, body []byte) (bool, error)
}

type numberRouter interface {
	ResolveNumber(ctx context.Context, e164 string) (*compliance.PhoneRoute, error)
}

type correlationSource interface {
	ActiveCorrelation(ctx context.Context, tenantID, caller string, window time.Duration) (string, error)
}

type failureSink interface {
	Record(ctx context.Context, f ingest.Failure) error
}

// TwilioWebhookHandler terminates the carrier callbacks: voice status,
// inbound SMS, and delivery status. Each handler verifies the signature,
// then commits the receipt and the outbox events it gates in one
// transaction. Everything past the signature check answers 200 so the
// carrier stops retrying; deliveries that exhaust the retry budget land in
// ingest_failures for operator reconciliation.
type TwilioWebhookHandler struct {
	db            events.PgxPool
	receipts      receiptStore
	routes        numberRouter
	conversations correlationSource
	failures      failureSink
	retrier       *ingest.Retrier
	metrics       *metrics.IntakeMetrics
	logger        *logging.Logger
	tracer        trace.Tracer
	authToken     string
	reuseWindow   time.Duration
}

type TwilioWebhookConfig struct {
	DB            events.PgxPool
	Receipts      receiptStore
	Routes        numberRouter
	Conversations correlationSource
	Failures      failureSink
	Retrier       *ingest.Retrier
	Metrics       *metrics.IntakeMetrics
	Logger        *logging.Logger
	AuthToken     string
	ReuseWindow   time.Duration
}

func NewTwilioWebhookHandler(cfg TwilioWebhookConfig) *TwilioWebhookHandler {
	if cfg.DB == nil {
		panic("handlers: db pool required")
	}
	if cfg.Receipts == nil || cfg.Routes == nil || cfg.Conversations == nil {
		panic("handlers: receipt, route, and conversation stores required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Retrier == nil {
		cfg.Retrier = ingest.NewRetrier(6, 30*time.Second)
	}
	if cfg.ReuseWindow <= 0 {
		cfg.ReuseWindow = 10 * time.Minute
	}
	return &TwilioWebhookHandler{
		db:            cfg.DB,
		receipts:      cfg.Receipts,
		routes:        cfg.Routes,
		conversations: cfg.Conversations,
		failures:      cfg.Failures,
		retrier:       cfg.Retrier,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		tracer:        otel.Tracer("textback.internal.intake"),
		authToken:     cfg.AuthToken,
		reuseWindow:   cfg.ReuseWindow,
	}
}

// HandleVoiceStatus classifies final call statuses. Only no-answer, busy,
// and failed become missed-call events; everything else is acknowledged and
// dropped.
func (h *TwilioWebhookHandler) HandleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	start := nowFunc()
	ctx, span := h.tracer.Start(r.Context(), "intake.voice_status")
	defer span.End()

	body, ok := h.verifiedForm(w, r, kindVoiceStatus)
	if !ok {
		return
	}
	callSID := strings.TrimSpace(r.PostForm.Get("CallSid"))
	status := strings.ToLower(strings.TrimSpace(r.PostForm.Get("CallStatus")))
	from := messaging.NormalizeE164(r.PostForm.Get("From"))
	to := messaging.NormalizeE164(r.PostForm.Get("To"))
	if callSID == "" || from == "" || to == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	reason, missed := missedCallReason(status)
	if !missed {
		h.metrics.ObserveReceived(providerTwilio, kindVoiceStatus, outcomeIgnored)
		w.WriteHeader(http.StatusOK)
		return
	}

	outcome := h.accept(ctx, intakeDelivery{
		kind:            kindVoiceStatus,
		providerEventID: callSID,
		body:            body,
		tenantNumber:    to,
		caller:          from,
		event: func(now time.Time) events.Event {
			return events.CallDetected{
				CallSID:    callSID,
				FromE164:   from,
				ToE164:     to,
				Reason:     reason,
				DetectedAt: now,
			}
		},
	})
	h.respond(w, kindVoiceStatus, outcome, start)
}

// HandleInboundSms accepts a customer text and emits the inbound event the
// conversation engine consumes.
func (h *TwilioWebhookHandler) HandleInboundSms(w http.ResponseWriter, r *http.Request) {
	start := nowFunc()
	ctx, span := h.tracer.Start(r.Context(), "intake.inbound_sms")
	defer span.End()

	body, ok := h.verifiedForm(w, r, kindInboundSms)
	if !ok {
		return
	}
	messageSID := strings.TrimSpace(r.PostForm.Get("MessageSid"))
	from := messaging.NormalizeE164(r.PostForm.Get("From"))
	to := messaging.NormalizeE164(r.PostForm.Get("To"))
	text := r.PostForm.Get("Body")
	if messageSID == "" || from == "" || to == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	outcome := h.accept(ctx, intakeDelivery{
		kind:            kindInboundSms,
		providerEventID: messageSID,
		body:            body,
		tenantNumber:    to,
		caller:          from,
		event: func(now time.Time) events.Event {
			return events.InboundSmsReceived{
				MessageID:   uuid.NewString(),
				FromE164:    from,
				ToE164:      to,
				Body:        text,
				ProviderRef: messageSID,
				ReceivedAt:  now,
			}
		},
	})
	h.respond(w, kindInboundSms, outcome, start)
}

// HandleDeliveryStatus folds a status callback for an outbound message into
// a delivery event. The tenant is resolved through the sending number, the
// receipt is keyed by message SID plus canonical status so distinct
// transitions for one message each land once.
func (h *TwilioWebhookHandler) HandleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	start := nowFunc()
	ctx, span := h.tracer.Start(r.Context(), "intake.delivery_status")
	defer span.End()

	body, ok := h.verifiedForm(w, r, kindDeliveryStatus)
	if !ok {
		return
	}
	messageSID := strings.TrimSpace(r.PostForm.Get("MessageSid"))
	from := messaging.NormalizeE164(r.PostForm.Get("From"))
	to := messaging.NormalizeE164(r.PostForm.Get("To"))
	if messageSID == "" || from == "" || to == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	status := messaging.CanonicalDeliveryStatus(r.PostForm.Get("MessageStatus"))
	if status == "" {
		h.metrics.ObserveReceived(providerTwilio, kindDeliveryStatus, outcomeIgnored)
		w.WriteHeader(http.StatusOK)
		return
	}

	outcome := h.accept(ctx, intakeDelivery{
		kind:            kindDeliveryStatus,
		providerEventID: messageSID + ":" + status,
		body:            body,
		tenantNumber:    from,
		caller:          to,
		event: func(now time.Time) events.Event {
			return events.DeliveryUpdated{
				ProviderRef: messageSID,
				Status:      status,
				UpdatedAt:   now,
			}
		},
	})
	h.respond(w, kindDeliveryStatus, outcome, start)
}

// verifiedForm reads the raw body, restores it for form parsing, and checks
// the provider signature. A false return means the response was written.
func (h *TwilioWebhookHandler) verifiedForm(w http.ResponseWriter, r *http.Request, kind string) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return nil, false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if !messaging.VerifyTwilioSignature(r, h.authToken) {
		h.logger.Warn("twilio webhook signature rejected", "kind", kind)
		h.metrics.ObserveReceived(providerTwilio, kind, outcomeRejected)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

// intakeDelivery is one verified webhook on its way into the outbox.
type intakeDelivery struct {
	kind            string
	providerEventID string
	body            []byte
	tenantNumber    string
	caller          string
	event           func(now time.Time) events.Event
}

// accept runs the persist phase under the intake retry policy and reports
// the outcome. Exhausting the budget records an ingest failure; the caller
// still answers 200.
func (h *TwilioWebhookHandler) accept(ctx context.Context, in intakeDelivery) string {
	var outcome string
	err := h.retrier.Do(ctx, func(ctx context.Context) error {
		out, err := h.acceptOnce(ctx, in)
		if err != nil {
			return err
		}
		outcome = out
		return nil
	})
	if err != nil {
		h.logger.Error("webhook intake exhausted retries",
			"provider", providerTwilio, "kind", in.kind,
			"provider_event_id", in.providerEventID, "error", err)
		h.recordFailure(ctx, in, err)
		return outcomeFailed
	}
	return outcome
}

// acceptOnce claims the receipt and appends the outbox events in a single
// transaction. Duplicates and unroutable numbers end the pipeline early
// without error.
func (h *TwilioWebhookHandler) acceptOnce(ctx context.Context, in intakeDelivery) (string, error) {
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("handlers: begin ingest: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	first, err := h.receipts.RecordTx(ctx, tx, providerTwilio, in.providerEventID, in.kind, in.body)
	if err != nil {
		return "", err
	}
	if !first {
		return outcomeDuplicate, nil
	}

	route, err := h.routes.ResolveNumber(ctx, in.tenantNumber)
	if err != nil {
		return "", err
	}
	if route == nil || !route.Receiving {
		// Keep the receipt so replays of a number we do not serve stay cheap.
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("handlers: commit unroutable receipt: %w", err)
		}
		h.logger.Warn("webhook for unroutable number",
			"kind", in.kind, "number", in.tenantNumber)
		return outcomeUnroutable, nil
	}

	correlationID, err := h.conversations.ActiveCorrelation(ctx, route.TenantID, in.caller, h.reuseWindow)
	if err != nil {
		return "", err
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	if _, err := events.Append(ctx, tx, route.TenantID, correlationID, in.event(nowFunc().UTC())); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("handlers: commit ingest: %w", err)
	}
	return outcomeAccepted, nil
}

func (h *TwilioWebhookHandler) recordFailure(ctx context.Context, in intakeDelivery, cause error) {
	if h.failures == nil {
		return
	}
	err := h.failures.Record(ctx, ingest.Failure{
		Provider:        providerTwilio,
		ProviderEventID: in.providerEventID,
		Kind:            in.kind,
		Detail:          cause.Error(),
		Body:            string(in.body),
	})
	if err != nil {
		h.logger.Error("failed to record ingest failure",
			"kind", in.kind, "provider_event_id", in.providerEventID, "error", err)
	}
}

// respond acknowledges the carrier. Every outcome past the signature check
// is a 200; retries from the provider cannot make a failed delivery succeed.
func (h *TwilioWebhookHandler) respond(w http.ResponseWriter, kind, outcome string, start time.Time) {
	h.metrics.ObserveReceived(providerTwilio, kind, outcome)
	if outcome == outcomeDuplicate {
		h.metrics.ObserveDuplicate(providerTwilio)
	}
	h.metrics.ObserveWebhookLatency(providerTwilio, kind, nowFunc().Sub(start).Seconds())
	w.WriteHeader(http.StatusOK)
}

// missedCallReason classifies a final voice status. Completed calls and
// in-flight statuses produce no event.
func missedCallReason(status string) (string, bool) {
	switch status {
	case "no-answer", "busy", "failed":
		return status, true
	}
	return "", false
}
