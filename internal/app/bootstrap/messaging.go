package bootstrap

import (
	"strings"

	appconfig "github.com/nevermiss-ai/textback-platform/internal/config"
	"github.com/nevermiss-ai/textback-platform/internal/messaging"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// BuildSmsSender creates the outbound SMS sender from config. With both
// providers configured the auto preference yields Twilio with Telnyx
// failover. Outside production a missing provider degrades to the stub
// sender so the pipeline stays testable end to end.
func BuildSmsSender(cfg *appconfig.Config, logger *logging.Logger) (messaging.Sender, string, string) {
	if cfg == nil {
		return nil, "", "missing config"
	}
	if logger == nil {
		logger = logging.Default()
	}

	sender, provider, reason := messaging.BuildSender(messaging.SenderConfig{
		Preference:         cfg.SMSProvider,
		TwilioAccountSID:   cfg.TwilioAccountSID,
		TwilioAuthToken:    cfg.TwilioAuthToken,
		TwilioFromNumber:   cfg.TwilioFromNumber,
		TelnyxAPIKey:       cfg.TelnyxAPIKey,
		TelnyxProfileID:    cfg.TelnyxProfileID,
		DeliveryWebhookURL: deliveryCallbackURL(cfg),
	}, logger)
	if sender != nil {
		return sender, provider, reason
	}
	if cfg.Env != "production" {
		logger.Warn("no SMS provider configured; using stub sender", "reason", reason)
		return messaging.NewStubSender(logger), "stub", reason
	}
	return nil, provider, reason
}

func deliveryCallbackURL(cfg *appconfig.Config) string {
	base := strings.TrimSpace(cfg.StatusCallbackBase)
	if base == "" {
		base = strings.TrimSpace(cfg.PublicBaseURL)
	}
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/webhooks/twilio/status"
}
