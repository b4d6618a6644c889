package messaging

import (
	"context"
	"errors"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// FailoverSender attempts a primary send, then falls back to a secondary
// provider on error.
type FailoverSender struct {
	primary       Sender
	secondary     Sender
	primaryName   string
	secondaryName string
	logger        *logging.Logger
}

// NewFailoverSender builds a failover sender with named providers.
func NewFailoverSender(primary Sender, primaryName string, secondary Sender, secondaryName string, logger *logging.Logger) *FailoverSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &FailoverSender{
		primary:       primary,
		secondary:     secondary,
		primaryName:   primaryName,
		secondaryName: secondaryName,
		logger:        logger,
	}
}

var _ Sender = (*FailoverSender)(nil)

// Send tries the primary provider first, then the secondary on failure.
func (f *FailoverSender) Send(ctx context.Context, sms OutboundSMS) (SendResult, error) {
	if f == nil || f.primary == nil {
		return SendResult{}, errors.New("messaging: failover primary sender not configured")
	}
	res, err := f.primary.Send(ctx, sms)
	if err == nil {
		return res, nil
	}
	if f.secondary == nil {
		return SendResult{}, err
	}
	f.logger.Warn("primary sms send failed; attempting fallback",
		"provider", f.primaryName,
		"fallback", f.secondaryName,
		"error", err,
		"to", sms.To,
	)
	res, fallbackErr := f.secondary.Send(ctx, sms)
	if fallbackErr != nil {
		f.logger.Error("fallback sms send failed",
			"provider", f.secondaryName,
			"error", fallbackErr,
			"to", sms.To,
		)
		return SendResult{}, fallbackErr
	}
	return res, nil
}
