package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nevermiss-ai/textback-platform/internal/events"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// MessageMarker finalizes a stored message once a provider accepts it.
// The conversation store implements it.
type MessageMarker interface {
	MarkSent(ctx context.Context, tenantID string, messageID uuid.UUID, providerRef string) error
}

// SendReserver claims and releases outbound dedup keys.
type SendReserver interface {
	Reserve(ctx context.Context, tenantID, dedupKey, messageID string) (bool, error)
	RecordResult(ctx context.Context, tenantID, dedupKey, providerRef string) error
	Lookup(ctx context.Context, tenantID, dedupKey string) (LedgerEntry, bool, error)
	Release(ctx context.Context, tenantID, dedupKey string) error
}

// OutboundConsumer sends queued messages when their OutboundQueued events
// arrive from the outbox. Deliveries are at-least-once, so every path
// through Handle has to be safe to repeat: the ledger claim decides whether
// a replay sends, finishes marking, or waits. A nil ledger skips the
// cross-process claim and relies on outbox dedup alone, which is fine for
// single-process deployments.
type OutboundConsumer struct {
	sender Sender
	ledger SendReserver
	marker MessageMarker
	logger *logging.Logger
}

// NewOutboundConsumer wires the sender pipeline into the outbox dispatcher.
func NewOutboundConsumer(sender Sender, ledger SendReserver, marker MessageMarker, logger *logging.Logger) *OutboundConsumer {
	if sender == nil {
		panic("messaging: sender cannot be nil")
	}
	if marker == nil {
		panic("messaging: message marker cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OutboundConsumer{
		sender: sender,
		ledger: ledger,
		marker: marker,
		logger: logger,
	}
}

var _ events.Consumer = (*OutboundConsumer)(nil)

func (c *OutboundConsumer) Handle(ctx context.Context, env events.Envelope) events.Result {
	if env.EventName != (events.OutboundQueued{}).EventName() {
		return events.OK()
	}

	var evt events.OutboundQueued
	if err := json.Unmarshal(env.Payload, &evt); err != nil {
		return events.DeadLetter(fmt.Errorf("messaging: decode %s: %w", env.EventName, err))
	}
	messageID, err := uuid.Parse(evt.MessageID)
	if err != nil {
		return events.DeadLetter(fmt.Errorf("messaging: bad message id %q: %w", evt.MessageID, err))
	}
	dedupKey := evt.ClientDedupKey
	if dedupKey == "" {
		dedupKey = evt.MessageID
	}

	if c.ledger != nil {
		fresh, err := c.ledger.Reserve(ctx, env.TenantID, dedupKey, evt.MessageID)
		if err != nil {
			return events.Retry(err)
		}
		if !fresh {
			return c.finishReplay(ctx, env.TenantID, dedupKey, messageID)
		}
	}

	res, err := c.sender.Send(ctx, OutboundSMS{
		TenantID:  env.TenantID,
		MessageID: evt.MessageID,
		To:        evt.ToE164,
		From:      evt.FromE164,
		Body:      evt.Body,
	})
	if err != nil {
		if c.ledger != nil {
			if relErr := c.ledger.Release(ctx, env.TenantID, dedupKey); relErr != nil {
				c.logger.Error("release send claim failed",
					"error", relErr, "tenant_id", env.TenantID, "message_id", evt.MessageID)
			}
		}
		return events.Retry(fmt.Errorf("messaging: send: %w", err))
	}

	if c.ledger != nil {
		if err := c.ledger.RecordResult(ctx, env.TenantID, dedupKey, res.ProviderRef); err != nil {
			// The ref is still in hand, so marking proceeds. A replay after a
			// crash here parks on the claim until the attempt budget runs out.
			c.logger.Error("record send result failed",
				"error", err, "tenant_id", env.TenantID, "message_id", evt.MessageID)
		}
	}
	if err := c.marker.MarkSent(ctx, env.TenantID, messageID, res.ProviderRef); err != nil {
		// The provider accepted, so the claim must stay. The retry lands in
		// finishReplay and repeats only the mark.
		return events.Retry(fmt.Errorf("messaging: mark sent: %w", err))
	}
	return events.OK()
}

// finishReplay handles a redelivered event whose dedup key is already
// claimed. If the original attempt recorded a provider ref, only the mark
// is repeated. A claim without a ref means a send is in flight or died
// mid-call, and the safe move is to wait rather than text twice.
func (c *OutboundConsumer) finishReplay(ctx context.Context, tenantID, dedupKey string, messageID uuid.UUID) events.Result {
	entry, ok, err := c.ledger.Lookup(ctx, tenantID, dedupKey)
	if err != nil {
		return events.Retry(err)
	}
	if !ok {
		return events.Retry(fmt.Errorf("messaging: send claim missing for %s", messageID))
	}
	if entry.ProviderRef == "" {
		return events.RetryAfter(fmt.Errorf("messaging: send outcome unknown for %s", messageID), 30*time.Second)
	}
	if err := c.marker.MarkSent(ctx, tenantID, messageID, entry.ProviderRef); err != nil {
		return events.Retry(fmt.Errorf("messaging: mark sent: %w", err))
	}
	c.logger.Info("outbound send already claimed; mark finished",
		"tenant_id", tenantID, "message_id", messageID)
	return events.OK()
}
