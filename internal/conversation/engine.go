package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevermiss-ai/textback-platform/internal/compliance"
	"github.com/nevermiss-ai/textback-platform/internal/directory"
	"github.com/nevermiss-ai/textback-platform/internal/events"
	msgcompliance "github.com/nevermiss-ai/textback-platform/internal/messaging/compliance"
	"github.com/nevermiss-ai/textback-platform/internal/observability/metrics"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// Outbound triggers carried on queued events and metrics labels.
const (
	TriggerMissedCall = "missed_call"
	TriggerInboundSMS = "inbound_sms"
)

// transcriptContextLimit bounds how many cached turns feed the composer.
const transcriptContextLimit = 20

type tenantDirectory interface {
	GetTenant(ctx context.Context, id string) (*directory.Tenant, error)
	ListServiceItems(ctx context.Context, tenantID string, activeOnly bool) ([]directory.ServiceItem, error)
}

type sendGate interface {
	CanSend(ctx context.Context, tenantID, phone string) (compliance.Decision, error)
}

type optOutWriter interface {
	AddOptOut(ctx context.Context, tenantID, phone, source string) (bool, error)
}

// EngineConfig wires the engine's collaborators. Store, Directory, Gate,
// and OptOuts are required. A nil Composer means template-only replies; a
// nil Transcript disables cached context.
type EngineConfig struct {
	Store      *Store
	Directory  tenantDirectory
	Gate       sendGate
	OptOuts    optOutWriter
	Composer   Composer
	Transcript *TranscriptCache
	Metrics    *metrics.ConversationMetrics
	Logger     *logging.Logger

	// FirstSmsSLO is the queue-latency budget for the first reply after a
	// trigger event. Breaches are logged, not blocked. Defaults to 5s.
	FirstSmsSLO time.Duration
}

// Engine runs the conversation state machine: it turns missed calls and
// inbound texts into queued outbound messages, honors carrier keywords,
// and applies compliance and delivery transitions.
type Engine struct {
	store       *Store
	directory   tenantDirectory
	gate        sendGate
	optOuts     optOutWriter
	composer    Composer
	transcript  *TranscriptCache
	templates   *TemplateComposer
	metrics     *metrics.ConversationMetrics
	logger      *logging.Logger
	tracer      trace.Tracer
	firstSmsSLO time.Duration
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Store == nil {
		panic("conversation: store cannot be nil")
	}
	if cfg.Directory == nil {
		panic("conversation: directory cannot be nil")
	}
	if cfg.Gate == nil {
		panic("conversation: gate cannot be nil")
	}
	if cfg.OptOuts == nil {
		panic("conversation: opt-out store cannot be nil")
	}
	composer := cfg.Composer
	if composer == nil {
		composer = NewTemplateComposer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	slo := cfg.FirstSmsSLO
	if slo <= 0 {
		slo = 5 * time.Second
	}
	return &Engine{
		store:       cfg.Store,
		directory:   cfg.Directory,
		gate:        cfg.Gate,
		optOuts:     cfg.OptOuts,
		composer:    composer,
		transcript:  cfg.Transcript,
		templates:   NewTemplateComposer(),
		metrics:     cfg.Metrics,
		logger:      logger,
		tracer:      otel.Tracer("textback.internal.conversation.engine"),
		firstSmsSLO: slo,
	}
}

// HandleMissedCall runs the first-reply flow for a classified missed call.
func (e *Engine) HandleMissedCall(ctx context.Context, env events.Envelope, evt events.CallDetected) error {
	return e.startThread(ctx, env, startRequest{
		caller:   evt.FromE164,
		business: evt.ToE164,
		trigger:  TriggerMissedCall,
	})
}

// HandleInboundSms routes an inbound text by carrier keyword and thread state.
func (e *Engine) HandleInboundSms(ctx context.Context, env events.Envelope, evt events.InboundSmsReceived) error {
	ctx, span := e.tracer.Start(ctx, "conversation.inbound")
	defer span.End()

	caller, business := evt.FromE164, evt.ToE164

	switch msgcompliance.DetectKeyword(evt.Body) {
	case msgcompliance.KeywordStop:
		return e.handleStop(ctx, env, caller, evt)
	case msgcompliance.KeywordHelp:
		return e.handleHelp(ctx, env, caller, business, evt)
	}

	convo, err := e.store.FindActiveByCaller(ctx, env.TenantID, caller)
	if err != nil {
		return err
	}
	if convo == nil {
		blocked, err := e.store.FindBlockedByCaller(ctx, env.TenantID, caller)
		if err != nil {
			return err
		}
		if blocked != nil {
			// The thread stays recorded but nothing is sent while blocked.
			return e.appendInbound(ctx, env, blocked, evt)
		}
		return e.startThread(ctx, env, startRequest{
			caller:      caller,
			business:    business,
			trigger:     TriggerInboundSMS,
			inboundBody: evt.Body,
			inboundRef:  evt.ProviderRef,
		})
	}

	if convo.State == StateHuman {
		// An operator owns the thread; record the message and stand down.
		return e.appendInbound(ctx, env, convo, evt)
	}
	return e.replyInThread(ctx, env, convo, business, evt)
}

// HandleComplianceChange blocks or unblocks the tenant's threads when the
// campaign status transitions.
func (e *Engine) HandleComplianceChange(ctx context.Context, env events.Envelope, evt events.ComplianceStatusChanged) error {
	if evt.Status == compliance.StatusApproved {
		n, err := e.store.UnblockAll(ctx, env.TenantID)
		if err != nil {
			return err
		}
		if n > 0 {
			e.logger.Info("conversations unblocked after campaign approval",
				"tenant_id", env.TenantID, "count", n)
		}
		return nil
	}

	n, err := e.store.BlockActive(ctx, env.TenantID)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Info("conversations blocked on campaign status change",
			"tenant_id", env.TenantID, "status", evt.Status, "count", n)
	}
	return nil
}

// HandleDeliveryUpdate applies a normalized carrier delivery transition.
func (e *Engine) HandleDeliveryUpdate(ctx context.Context, env events.Envelope, evt events.DeliveryUpdated) error {
	var msgID uuid.UUID
	if evt.MessageID != "" {
		id, err := uuid.Parse(evt.MessageID)
		if err != nil {
			e.logger.Warn("delivery update carries malformed message id, dropping",
				"tenant_id", env.TenantID, "message_id", evt.MessageID)
			return nil
		}
		msgID = id
	}

	applied, err := e.store.ApplyDeliveryUpdate(ctx, env.TenantID, msgID, evt.ProviderRef, evt.Status)
	if err != nil {
		return err
	}
	if applied {
		e.metrics.ObserveOutbound(evt.Status, false)
	} else {
		e.logger.Debug("delivery update matched nothing or was stale",
			"tenant_id", env.TenantID, "status", evt.Status)
	}
	return nil
}

type startRequest struct {
	caller        string
	business      string
	trigger       string
	inboundBody   string
	inboundRef    string
	replyOverride string
}

// startThread is the first-reply flow: gate, compose, then one transaction
// carrying the message rows and outbox events.
func (e *Engine) startThread(ctx context.Context, env events.Envelope, req startRequest) error {
	ctx, span := e.tracer.Start(ctx, "conversation.start")
	defer span.End()

	tenant, err := e.directory.GetTenant(ctx, env.TenantID)
	if err != nil {
		return err
	}
	if tenant == nil {
		e.logger.Warn("dropping contact for unknown tenant", "tenant_id", env.TenantID)
		return nil
	}

	decision, err := e.gate.CanSend(ctx, env.TenantID, req.caller)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return e.blockThread(ctx, env, req.caller, decision.Reason)
	}

	// Compose before the transaction opens. Only persistence sits between
	// here and the commit that makes the outbound visible to the outbox.
	body := req.replyOverride
	if body == "" {
		res, err := e.composeReply(ctx, tenant, "", req.caller, req.trigger, req.inboundBody, true)
		if err != nil {
			return err
		}
		body = res.Body
	}

	var deferUntil time.Time
	if req.trigger == TriggerMissedCall {
		deferUntil = e.quietHoursDeferral(tenant)
	}

	queued, convo, err := e.commitReply(ctx, replyCommit{
		env:         env,
		caller:      req.caller,
		business:    req.business,
		trigger:     req.trigger,
		inboundBody: req.inboundBody,
		inboundRef:  req.inboundRef,
		replyBody:   body,
		dedupKey:    "reply:" + env.EventID.String(),
		deferUntil:  deferUntil,
	})
	if err != nil {
		return err
	}
	if !queued {
		return nil
	}

	e.metrics.ObserveOutbound("queued", false)
	latency := nowFunc().Sub(env.OccurredAt)
	e.metrics.ObserveFirstResponse(req.trigger, latency.Seconds())
	if latency > e.firstSmsSLO {
		e.logger.Warn("first reply queued late",
			"conversation_id", convo.ID,
			"trigger", req.trigger,
			"latency_ms", latency.Milliseconds(),
		)
	}
	e.cacheTurn(ctx, convo.ID.String(), req.inboundBody, body)
	return nil
}

// replyInThread re-invokes the composer for an inbound message on an open
// thread.
func (e *Engine) replyInThread(ctx context.Context, env events.Envelope, convo *Conversation, business string, evt events.InboundSmsReceived) error {
	tenant, err := e.directory.GetTenant(ctx, env.TenantID)
	if err != nil {
		return err
	}
	if tenant == nil {
		e.logger.Warn("dropping inbound for unknown tenant", "tenant_id", env.TenantID)
		return nil
	}

	decision, err := e.gate.CanSend(ctx, env.TenantID, evt.FromE164)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		if err := e.appendInbound(ctx, env, convo, evt); err != nil {
			return err
		}
		if _, err := e.store.Block(ctx, env.TenantID, convo.ID); err != nil {
			return err
		}
		if err := e.store.appendEvent(ctx, env.TenantID, env.CorrelationID, events.ComplianceBlocked{
			ConversationID: convo.ID.String(),
			CallerE164:     evt.FromE164,
			CampaignStatus: decision.Reason,
			BlockedAt:      nowFunc().UTC(),
		}, events.WithCausationID(env.EventID.String())); err != nil {
			return err
		}
		e.metrics.ObserveOutbound("blocked", true)
		return nil
	}

	res, err := e.composeReply(ctx, tenant, convo.ID.String(), evt.FromE164, TriggerInboundSMS, evt.Body, false)
	if err != nil {
		return err
	}

	queued, _, err := e.commitReply(ctx, replyCommit{
		env:         env,
		convo:       convo,
		caller:      evt.FromE164,
		business:    business,
		trigger:     TriggerInboundSMS,
		inboundBody: evt.Body,
		inboundRef:  evt.ProviderRef,
		replyBody:   res.Body,
		dedupKey:    "reply:" + env.EventID.String(),
	})
	if err != nil {
		return err
	}
	if !queued {
		return nil
	}

	e.metrics.ObserveOutbound("queued", false)
	e.cacheTurn(ctx, convo.ID.String(), evt.Body, res.Body)
	return nil
}

// handleStop records the opt-out first, then closes the thread. The
// opt-out write is idempotent, so a retry after a partial failure is safe.
func (e *Engine) handleStop(ctx context.Context, env events.Envelope, caller string, evt events.InboundSmsReceived) error {
	added, err := e.optOuts.AddOptOut(ctx, env.TenantID, caller, "sms_stop")
	if err != nil {
		return err
	}
	if added {
		e.metrics.ObserveOptOut()
	}

	convo, err := e.store.FindActiveByCaller(ctx, env.TenantID, caller)
	if err != nil {
		return err
	}
	if convo == nil {
		e.logger.Info("stop received with no active conversation", "tenant_id", env.TenantID)
		return nil
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation: begin stop: %w", err)
	}
	defer tx.Rollback(ctx)

	inbound := &Message{
		TenantID:       env.TenantID,
		ConversationID: convo.ID,
		Direction:      DirectionIn,
		Body:           evt.Body,
		ProviderRef:    evt.ProviderRef,
		Status:         "delivered",
		ClientDedupKey: "in:" + env.EventID.String(),
	}
	if err := e.store.insertMessageTx(ctx, tx, inbound); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil
		}
		return err
	}
	if _, err := e.store.closeTx(ctx, tx, env.TenantID, convo.ID, CloseReasonStop); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation: commit stop: %w", err)
	}

	if err := e.transcript.Drop(ctx, convo.ID.String()); err != nil {
		e.logger.Warn("transcript drop failed", "error", err.Error())
	}
	return nil
}

// handleHelp answers the carrier HELP keyword with the tenant template.
// HELP responses go out even on operator-held threads.
func (e *Engine) handleHelp(ctx context.Context, env events.Envelope, caller, business string, evt events.InboundSmsReceived) error {
	tenant, err := e.directory.GetTenant(ctx, env.TenantID)
	if err != nil {
		return err
	}
	if tenant == nil {
		e.logger.Warn("dropping help request for unknown tenant", "tenant_id", env.TenantID)
		return nil
	}

	body, err := e.templates.RenderHelp(tenant, caller)
	if err != nil {
		return err
	}

	convo, err := e.store.FindActiveByCaller(ctx, env.TenantID, caller)
	if err != nil {
		return err
	}
	if convo == nil {
		return e.startThread(ctx, env, startRequest{
			caller:        caller,
			business:      business,
			trigger:       TriggerInboundSMS,
			inboundBody:   evt.Body,
			inboundRef:    evt.ProviderRef,
			replyOverride: body,
		})
	}

	queued, _, err := e.commitReply(ctx, replyCommit{
		env:         env,
		convo:       convo,
		caller:      caller,
		business:    business,
		trigger:     TriggerInboundSMS,
		inboundBody: evt.Body,
		inboundRef:  evt.ProviderRef,
		replyBody:   body,
		dedupKey:    "help:" + env.EventID.String(),
	})
	if err != nil {
		return err
	}
	if !queued {
		return nil
	}

	e.metrics.ObserveOutbound("queued", false)
	e.cacheTurn(ctx, convo.ID.String(), evt.Body, body)
	return nil
}

// blockThread records a gate denial: the caller gets a blocked thread (or
// keeps the existing one) and a notification event, never an SMS.
func (e *Engine) blockThread(ctx context.Context, env events.Envelope, caller, reason string) error {
	existing, err := e.store.FindBlockedByCaller(ctx, env.TenantID, caller)
	if err != nil {
		return err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation: begin block: %w", err)
	}
	defer tx.Rollback(ctx)

	convo := existing
	if convo == nil {
		convo, err = e.store.createBlockedTx(ctx, tx, env.TenantID, caller, env.CorrelationID)
		if err != nil {
			return err
		}
	}
	if _, err := events.Append(ctx, tx, env.TenantID, env.CorrelationID, events.ComplianceBlocked{
		ConversationID: convo.ID.String(),
		CallerE164:     caller,
		CampaignStatus: reason,
		BlockedAt:      nowFunc().UTC(),
	}, events.WithCausationID(env.EventID.String())); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation: commit block: %w", err)
	}

	e.metrics.ObserveOutbound("blocked", true)
	e.logger.Info("contact suppressed by compliance gate",
		"tenant_id", env.TenantID, "reason", reason)
	return nil
}

// appendInbound records an inbound message with no reply.
func (e *Engine) appendInbound(ctx context.Context, env events.Envelope, convo *Conversation, evt events.InboundSmsReceived) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	msg := &Message{
		TenantID:       env.TenantID,
		ConversationID: convo.ID,
		Direction:      DirectionIn,
		Body:           evt.Body,
		ProviderRef:    evt.ProviderRef,
		Status:         "delivered",
		ClientDedupKey: "in:" + env.EventID.String(),
	}
	if err := e.store.insertMessageTx(ctx, tx, msg); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil
		}
		return err
	}
	if err := e.store.touchActivityTx(ctx, tx, convo.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation: commit append: %w", err)
	}

	e.cacheTurn(ctx, convo.ID.String(), evt.Body, "")
	return nil
}

func (e *Engine) composeReply(ctx context.Context, tenant *directory.Tenant, conversationID, caller, trigger, inboundBody string, firstContact bool) (ComposeResult, error) {
	in := ComposeInput{
		Tenant:       tenant,
		CallerPhone:  caller,
		Trigger:      trigger,
		InboundBody:  inboundBody,
		FirstContact: firstContact,
	}
	if inboundBody != "" {
		catalog, err := e.directory.ListServiceItems(ctx, tenant.ID, true)
		if err != nil {
			return ComposeResult{}, err
		}
		in.Catalog = catalog
	}
	if conversationID != "" {
		entries, err := e.transcript.List(ctx, conversationID, transcriptContextLimit)
		if err != nil {
			e.logger.Warn("transcript read failed, composing without context", "error", err.Error())
		} else {
			in.Transcript = entries
		}
	}

	res, err := e.composer.Compose(ctx, in)
	if err != nil {
		return ComposeResult{}, err
	}
	e.metrics.ObserveCompose(res.Source)
	return res, nil
}

type replyCommit struct {
	env         events.Envelope
	convo       *Conversation
	caller      string
	business    string
	trigger     string
	inboundBody string
	inboundRef  string
	replyBody   string
	dedupKey    string
	deferUntil  time.Time
}

// commitReply writes the inbound row (when present), the queued outbound
// row, and the outbox events in one transaction. A duplicate dedup key
// means the reply was already committed by an earlier delivery; the whole
// transaction rolls back and queued comes back false.
func (e *Engine) commitReply(ctx context.Context, plan replyCommit) (bool, *Conversation, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("conversation: begin reply: %w", err)
	}
	defer tx.Rollback(ctx)

	convo := plan.convo
	created := false
	if convo == nil {
		convo, created, err = e.store.getOrCreateTx(ctx, tx, plan.env.TenantID, plan.caller, plan.env.CorrelationID, StateOpen)
		if err != nil {
			return false, nil, err
		}
	}

	if plan.inboundBody != "" {
		inbound := &Message{
			TenantID:       plan.env.TenantID,
			ConversationID: convo.ID,
			Direction:      DirectionIn,
			Body:           plan.inboundBody,
			ProviderRef:    plan.inboundRef,
			Status:         "delivered",
			ClientDedupKey: "in:" + plan.env.EventID.String(),
		}
		if err := e.store.insertMessageTx(ctx, tx, inbound); err != nil {
			if errors.Is(err, ErrDuplicateMessage) {
				return false, nil, nil
			}
			return false, nil, err
		}
	}

	outbound := &Message{
		ID:             uuid.New(),
		TenantID:       plan.env.TenantID,
		ConversationID: convo.ID,
		Direction:      DirectionOut,
		Body:           plan.replyBody,
		Status:         "queued",
		ClientDedupKey: plan.dedupKey,
	}
	if err := e.store.insertMessageTx(ctx, tx, outbound); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return false, nil, nil
		}
		return false, nil, err
	}

	now := nowFunc().UTC()
	causation := events.WithCausationID(plan.env.EventID.String())
	if created {
		if _, err := events.Append(ctx, tx, plan.env.TenantID, plan.env.CorrelationID, events.ConversationStarted{
			ConversationID: convo.ID.String(),
			CallerE164:     plan.caller,
			Trigger:        plan.trigger,
			StartedAt:      now,
		}, causation); err != nil {
			return false, nil, err
		}
	}

	queueOpts := []events.AppendOption{causation}
	if !plan.deferUntil.IsZero() {
		queueOpts = append(queueOpts, events.WithAvailableAt(plan.deferUntil))
	}
	if _, err := events.Append(ctx, tx, plan.env.TenantID, plan.env.CorrelationID, events.OutboundQueued{
		MessageID:      outbound.ID.String(),
		ConversationID: convo.ID.String(),
		ToE164:         plan.caller,
		FromE164:       plan.business,
		Body:           plan.replyBody,
		ClientDedupKey: plan.dedupKey,
		Trigger:        plan.trigger,
		QueuedAt:       now,
	}, queueOpts...); err != nil {
		return false, nil, err
	}

	if !created {
		if err := e.store.touchActivityTx(ctx, tx, convo.ID); err != nil {
			return false, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("conversation: commit reply: %w", err)
	}
	return true, convo, nil
}

// quietHoursDeferral returns when a missed-call greeting may go out, or
// the zero time for immediate dispatch.
func (e *Engine) quietHoursDeferral(tenant *directory.Tenant) time.Time {
	qh, err := msgcompliance.QuietHoursFor(tenant.QuietHoursStart, tenant.QuietHoursEnd, tenant.Timezone)
	if err != nil {
		e.logger.Warn("invalid quiet hours config, sending immediately",
			"tenant_id", tenant.ID, "error", err.Error())
		return time.Time{}
	}
	now := nowFunc()
	if !qh.Contains(now) {
		return time.Time{}
	}
	return qh.NextOpen(now)
}

func (e *Engine) cacheTurn(ctx context.Context, conversationID, inboundBody, outboundBody string) {
	if e.transcript == nil {
		return
	}
	if inboundBody != "" {
		if err := e.transcript.Append(ctx, conversationID, TranscriptEntry{Direction: DirectionIn, Body: inboundBody}); err != nil {
			e.logger.Warn("transcript append failed", "error", err.Error())
		}
	}
	if outboundBody != "" {
		if err := e.transcript.Append(ctx, conversationID, TranscriptEntry{Direction: DirectionOut, Body: outboundBody}); err != nil {
			e.logger.Warn("transcript append failed", "error", err.Error())
		}
	}
}
