package messaging

import (
	"context"

	"github.com/google/uuid"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// OutboundSMS is one message handed to a provider.
type OutboundSMS struct {
	TenantID  string
	MessageID string
	To        string
	From      string
	Body      string
}

// SendResult reports what the provider accepted.
type SendResult struct {
	ProviderRef string
	Status      string
}

// Sender delivers a single SMS through one provider attempt chain.
type Sender interface {
	Send(ctx context.Context, sms OutboundSMS) (SendResult, error)
}

// StubSender logs sends without calling any provider. Used in dev
// environments that have no SMS credentials configured.
type StubSender struct {
	logger *logging.Logger
}

func NewStubSender(logger *logging.Logger) *StubSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubSender{logger: logger}
}

var _ Sender = (*StubSender)(nil)

func (s *StubSender) Send(_ context.Context, sms OutboundSMS) (SendResult, error) {
	s.logger.Info("stub sms send",
		"tenant_id", sms.TenantID,
		"message_id", sms.MessageID,
		"to", sms.To,
		"chars", len(sms.Body),
	)
	return SendResult{ProviderRef: "stub-" + uuid.NewString(), Status: DeliverySent}, nil
}
