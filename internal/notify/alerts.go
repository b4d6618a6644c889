package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nevermiss-ai/textback-platform/internal/events"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// blockedAlertWindow caps compliance.Blocked emails at one per tenant per
// window. A suspended tenant with live inbound traffic emits a Blocked event
// per message; the ops inbox needs one heads-up, not the stream.
const blockedAlertWindow = time.Hour

var nowFunc = time.Now

// Alerter emails the operations inbox when compliance suppresses outbound
// traffic or a tenant's campaign status changes. It consumes outbox events
// under the compliance. prefix.
type Alerter struct {
	email  EmailSender
	to     string
	logger *logging.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time // tenant_id -> last Blocked alert
}

// NewAlerter creates the compliance alert consumer. An empty recipient
// disables alerting; events are acknowledged without sending.
func NewAlerter(email EmailSender, opsEmail string, logger *logging.Logger) *Alerter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Alerter{
		email:    email,
		to:       strings.TrimSpace(opsEmail),
		logger:   logger,
		lastSent: make(map[string]time.Time),
	}
}

func (a *Alerter) enabled() bool {
	return a.email != nil && a.to != ""
}

// Handle implements events.Consumer.
func (a *Alerter) Handle(ctx context.Context, env events.Envelope) events.Result {
	switch env.EventName {
	case (events.ComplianceBlocked{}).EventName():
		evt, err := events.Decode[events.ComplianceBlocked](env)
		if err != nil {
			return events.DeadLetter(err)
		}
		return a.alertBlocked(ctx, env, evt)
	case (events.ComplianceStatusChanged{}).EventName():
		evt, err := events.Decode[events.ComplianceStatusChanged](env)
		if err != nil {
			return events.DeadLetter(err)
		}
		return a.alertStatusChanged(ctx, env, evt)
	default:
		return events.OK()
	}
}

func (a *Alerter) alertBlocked(ctx context.Context, env events.Envelope, evt events.ComplianceBlocked) events.Result {
	if !a.enabled() {
		return events.OK()
	}
	if !a.shouldSendBlocked(env.TenantID) {
		a.logger.Debug("suppressing repeat blocked alert", "tenant_id", env.TenantID)
		return events.OK()
	}

	msg := EmailMessage{
		To:      a.to,
		ToName:  "TextBack Ops",
		Subject: fmt.Sprintf("[TextBack] Outbound SMS blocked for tenant %s", env.TenantID),
		Body: fmt.Sprintf(
			"Outbound messaging was suppressed by the compliance gate.\n\n"+
				"Tenant: %s\n"+
				"Campaign status: %s\n"+
				"Caller: %s\n"+
				"Blocked at: %s\n\n"+
				"Inbound traffic keeps arriving while blocked; replies resume automatically once the campaign is approved.",
			env.TenantID,
			evt.CampaignStatus,
			maskPhone(evt.CallerE164),
			evt.BlockedAt.Format(time.RFC3339)),
	}
	if err := a.email.Send(ctx, msg); err != nil {
		a.rollbackBlocked(env.TenantID)
		return events.Retry(fmt.Errorf("notify: blocked alert: %w", err))
	}
	return events.OK()
}

func (a *Alerter) alertStatusChanged(ctx context.Context, env events.Envelope, evt events.ComplianceStatusChanged) events.Result {
	if !a.enabled() {
		return events.OK()
	}

	msg := EmailMessage{
		To:      a.to,
		ToName:  "TextBack Ops",
		Subject: fmt.Sprintf("[TextBack] Campaign status for tenant %s: %s", env.TenantID, evt.Status),
		Body: fmt.Sprintf(
			"Campaign registration status changed.\n\n"+
				"Tenant: %s\n"+
				"Previous status: %s\n"+
				"New status: %s\n"+
				"Changed at: %s\n",
			env.TenantID,
			evt.PreviousStatus,
			evt.Status,
			evt.ChangedAt.Format(time.RFC3339)),
	}
	if err := a.email.Send(ctx, msg); err != nil {
		return events.Retry(fmt.Errorf("notify: status alert: %w", err))
	}
	return events.OK()
}

func (a *Alerter) shouldSendBlocked(tenantID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := nowFunc()
	if last, ok := a.lastSent[tenantID]; ok && now.Sub(last) < blockedAlertWindow {
		return false
	}
	a.lastSent[tenantID] = now
	return true
}

// rollbackBlocked clears the throttle mark so the retried delivery can send.
func (a *Alerter) rollbackBlocked(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.lastSent, tenantID)
}

// maskPhone keeps the last four digits of an E.164 number for alert bodies.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
