package conversation

import (
	"context"
	"errors"

	"github.com/nevermiss-ai/textback-platform/internal/events"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// EventConsumer routes outbox envelopes into the engine. It is registered
// under the telephony, messaging, and compliance prefixes and ignores
// event names it does not own. Every handled path is idempotent, so
// redeliveries and fan-out retries are safe.
type EventConsumer struct {
	engine *Engine
	logger *logging.Logger
}

func NewEventConsumer(engine *Engine, logger *logging.Logger) *EventConsumer {
	if engine == nil {
		panic("conversation: engine cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EventConsumer{engine: engine, logger: logger}
}

func (c *EventConsumer) Handle(ctx context.Context, env events.Envelope) events.Result {
	switch env.EventName {
	case (events.CallDetected{}).EventName():
		evt, err := events.Decode[events.CallDetected](env)
		if err != nil {
			return events.DeadLetter(err)
		}
		if evt.FromE164 == "" || evt.ToE164 == "" {
			return events.DeadLetter(errors.New("conversation: call event missing phone numbers"))
		}
		if err := c.engine.HandleMissedCall(ctx, env, evt); err != nil {
			return events.Retry(err)
		}
		return events.OK()

	case (events.InboundSmsReceived{}).EventName():
		evt, err := events.Decode[events.InboundSmsReceived](env)
		if err != nil {
			return events.DeadLetter(err)
		}
		if evt.FromE164 == "" || evt.ToE164 == "" {
			return events.DeadLetter(errors.New("conversation: inbound event missing phone numbers"))
		}
		if err := c.engine.HandleInboundSms(ctx, env, evt); err != nil {
			return events.Retry(err)
		}
		return events.OK()

	case (events.DeliveryUpdated{}).EventName():
		evt, err := events.Decode[events.DeliveryUpdated](env)
		if err != nil {
			return events.DeadLetter(err)
		}
		if err := c.engine.HandleDeliveryUpdate(ctx, env, evt); err != nil {
			return events.Retry(err)
		}
		return events.OK()

	case (events.ComplianceStatusChanged{}).EventName():
		evt, err := events.Decode[events.ComplianceStatusChanged](env)
		if err != nil {
			return events.DeadLetter(err)
		}
		if err := c.engine.HandleComplianceChange(ctx, env, evt); err != nil {
			return events.Retry(err)
		}
		return events.OK()
	}

	// Another consumer on the shared prefixes owns this event.
	return events.OK()
}
