package livefeed

import (
	"context"

	"github.com/nevermiss-ai/textback-platform/internal/conversation"
	"github.com/nevermiss-ai/textback-platform/internal/events"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// Publisher pushes items to connected watchers.
type Publisher interface {
	Publish(conversationID string, item Item)
}

// ConversationSource resolves the active conversation for a caller. Inbound
// SMS events carry phone numbers, not conversation ids.
type ConversationSource interface {
	FindActiveByCaller(ctx context.Context, tenantID, caller string) (*conversation.Conversation, error)
}

// Consumer maps outbox envelopes onto feed items. Every path acks: the feed
// never holds up or dead-letters an event other consumers rely on.
type Consumer struct {
	feed          Publisher
	conversations ConversationSource
	logger        *logging.Logger
}

func NewConsumer(feed Publisher, conversations ConversationSource, logger *logging.Logger) *Consumer {
	if feed == nil {
		panic("livefeed: feed cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Consumer{feed: feed, conversations: conversations, logger: logger}
}

// Handle implements events.Consumer.
func (c *Consumer) Handle(ctx context.Context, env events.Envelope) events.Result {
	switch env.EventName {
	case (events.InboundSmsReceived{}).EventName():
		evt, err := events.Decode[events.InboundSmsReceived](env)
		if err != nil {
			c.drop(env, err)
			return events.OK()
		}
		c.publishInbound(ctx, env, evt)
	case (events.OutboundQueued{}).EventName():
		evt, err := events.Decode[events.OutboundQueued](env)
		if err != nil {
			c.drop(env, err)
			return events.OK()
		}
		c.feed.Publish(evt.ConversationID, Item{
			Kind:           "message",
			ConversationID: evt.ConversationID,
			Direction:      conversation.DirectionOut,
			Body:           evt.Body,
			At:             evt.QueuedAt,
		})
	case (events.ConversationStarted{}).EventName():
		evt, err := events.Decode[events.ConversationStarted](env)
		if err != nil {
			c.drop(env, err)
			return events.OK()
		}
		c.feed.Publish(evt.ConversationID, Item{
			Kind:           "state",
			ConversationID: evt.ConversationID,
			Detail:         "started",
			Caller:         evt.CallerE164,
			At:             evt.StartedAt,
		})
	case (events.ConversationClosed{}).EventName():
		evt, err := events.Decode[events.ConversationClosed](env)
		if err != nil {
			c.drop(env, err)
			return events.OK()
		}
		c.feed.Publish(evt.ConversationID, Item{
			Kind:           "state",
			ConversationID: evt.ConversationID,
			Detail:         "closed",
			Reason:         evt.Reason,
			Caller:         evt.CallerE164,
			At:             evt.ClosedAt,
		})
	case (events.ComplianceBlocked{}).EventName():
		evt, err := events.Decode[events.ComplianceBlocked](env)
		if err != nil {
			c.drop(env, err)
			return events.OK()
		}
		if evt.ConversationID != "" {
			c.feed.Publish(evt.ConversationID, Item{
				Kind:           "state",
				ConversationID: evt.ConversationID,
				Detail:         "blocked",
				Reason:         evt.CampaignStatus,
				Caller:         evt.CallerE164,
				At:             evt.BlockedAt,
			})
		}
	}
	return events.OK()
}

// publishInbound resolves the caller's active conversation. The resolve can
// race the engine creating that conversation; a miss just skips the item.
func (c *Consumer) publishInbound(ctx context.Context, env events.Envelope, evt events.InboundSmsReceived) {
	if c.conversations == nil {
		return
	}
	convo, err := c.conversations.FindActiveByCaller(ctx, env.TenantID, evt.FromE164)
	if err != nil || convo == nil {
		c.logger.Debug("livefeed: no active conversation for inbound",
			"tenant_id", env.TenantID, "error", errString(err))
		return
	}
	c.feed.Publish(convo.ID.String(), Item{
		Kind:           "message",
		ConversationID: convo.ID.String(),
		Direction:      conversation.DirectionIn,
		Body:           evt.Body,
		Caller:         evt.FromE164,
		At:             evt.ReceivedAt,
	})
}

func (c *Consumer) drop(env events.Envelope, err error) {
	c.logger.Warn("livefeed: dropping undecodable envelope",
		"event_id", env.EventID, "event_name", env.EventName, "error", err)
}

func errString(err error) string {
	if err == nil {
		return "none"
	}
	return err.Error()
}
