package messaging

import (
	"fmt"
	"strings"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

const (
	// SMSProviderAuto tries Twilio first, then Telnyx.
	SMSProviderAuto = "auto"
	// SMSProviderTwilio forces the Twilio sender when credentials exist.
	SMSProviderTwilio = "twilio"
	// SMSProviderTelnyx forces the Telnyx sender when credentials exist.
	SMSProviderTelnyx = "telnyx"
)

// SenderConfig captures the credentials required to build outbound senders.
type SenderConfig struct {
	Preference         string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	TelnyxAPIKey       string
	TelnyxProfileID    string
	DeliveryWebhookURL string
}

// BuildSender instantiates a Sender based on the preferred provider. It
// returns the sender, the provider that was selected, and a reason when no
// provider could be initialized.
func BuildSender(cfg SenderConfig, logger *logging.Logger) (Sender, string, string) {
	if logger == nil {
		logger = logging.Default()
	}
	preference := strings.ToLower(strings.TrimSpace(cfg.Preference))
	if preference == "" {
		preference = SMSProviderAuto
	}

	missing := map[string]string{}
	var twilioSender Sender
	var telnyxSender Sender

	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		twilioSender = NewTwilioSender(TwilioConfig{
			AccountSID:        cfg.TwilioAccountSID,
			AuthToken:         cfg.TwilioAuthToken,
			DefaultFrom:       cfg.TwilioFromNumber,
			StatusCallbackURL: cfg.DeliveryWebhookURL,
			Logger:            logger,
		})
	} else {
		var reasons []string
		if cfg.TwilioAccountSID == "" {
			reasons = append(reasons, "TWILIO_ACCOUNT_SID missing")
		}
		if cfg.TwilioAuthToken == "" {
			reasons = append(reasons, "TWILIO_AUTH_TOKEN missing")
		}
		missing[SMSProviderTwilio] = strings.Join(reasons, ", ")
	}

	if cfg.TelnyxAPIKey != "" && cfg.TelnyxProfileID != "" {
		telnyxSender = NewTelnyxSender(TelnyxConfig{
			APIKey:             cfg.TelnyxAPIKey,
			MessagingProfileID: cfg.TelnyxProfileID,
			WebhookURL:         cfg.DeliveryWebhookURL,
			Logger:             logger,
		})
	} else {
		var reasons []string
		if cfg.TelnyxAPIKey == "" {
			reasons = append(reasons, "TELNYX_API_KEY missing")
		}
		if cfg.TelnyxProfileID == "" {
			reasons = append(reasons, "TELNYX_MESSAGING_PROFILE_ID missing")
		}
		missing[SMSProviderTelnyx] = strings.Join(reasons, ", ")
	}

	if preference != SMSProviderAuto {
		if preference == SMSProviderTwilio && twilioSender != nil {
			return twilioSender, SMSProviderTwilio, ""
		}
		if preference == SMSProviderTelnyx && telnyxSender != nil {
			return telnyxSender, SMSProviderTelnyx, ""
		}
		reason := missing[preference]
		if reason == "" {
			reason = fmt.Sprintf("%s sender not configured", preference)
		}
		return nil, "", reason
	}

	if twilioSender != nil && telnyxSender != nil {
		return NewFailoverSender(twilioSender, SMSProviderTwilio, telnyxSender, SMSProviderTelnyx, logger),
			SMSProviderTwilio + "+" + SMSProviderTelnyx, ""
	}
	if twilioSender != nil {
		return twilioSender, SMSProviderTwilio, ""
	}
	if telnyxSender != nil {
		return telnyxSender, SMSProviderTelnyx, ""
	}

	var reasons []string
	for _, provider := range []string{SMSProviderTwilio, SMSProviderTelnyx} {
		if msg := missing[provider]; msg != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s", provider, msg))
		}
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no SMS providers configured")
	}
	return nil, "", strings.Join(reasons, "; ")
}
