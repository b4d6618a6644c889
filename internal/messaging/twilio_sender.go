package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

var twilioSendTracer = otel.Tracer("textback.internal.messaging.twilio_send")

const twilioDefaultBaseURL = "https://api.twilio.com"

// TwilioConfig carries the credentials and callback settings for the
// Twilio sender.
type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	DefaultFrom       string
	StatusCallbackURL string
	BaseURL           string
	HTTPClient        *http.Client
	Logger            *logging.Logger
}

// TwilioSender posts SMS messages using Twilio's REST API.
type TwilioSender struct {
	accountSID        string
	authToken         string
	from              string
	statusCallbackURL string
	baseURL           string
	httpClient        *http.Client
	sleep             func(time.Duration)
	logger            *logging.Logger
}

// NewTwilioSender builds a sender with sane defaults.
func NewTwilioSender(cfg TwilioConfig) *TwilioSender {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = twilioDefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioSender{
		accountSID:        cfg.AccountSID,
		authToken:         cfg.AuthToken,
		from:              cfg.DefaultFrom,
		statusCallbackURL: cfg.StatusCallbackURL,
		baseURL:           baseURL,
		httpClient:        httpClient,
		sleep:             time.Sleep,
		logger:            logger,
	}
}

var _ Sender = (*TwilioSender)(nil)

// Send dispatches a single SMS, retrying transient failures up to three
// attempts. Non-rate-limit 4xx responses fail immediately.
func (s *TwilioSender) Send(ctx context.Context, sms OutboundSMS) (SendResult, error) {
	if s.accountSID == "" || s.authToken == "" {
		return SendResult{}, errors.New("messaging: twilio credentials missing")
	}
	if sms.To == "" {
		return SendResult{}, errors.New("messaging: to required")
	}
	from := sms.From
	if from == "" {
		from = s.from
	}
	if from == "" {
		return SendResult{}, errors.New("messaging: from required")
	}
	if strings.TrimSpace(sms.Body) == "" {
		return SendResult{}, errors.New("messaging: body required")
	}

	ctx, span := twilioSendTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("textback.tenant_id", sms.TenantID),
		attribute.String("textback.to", sms.To),
	)

	payload := url.Values{}
	payload.Set("To", sms.To)
	payload.Set("From", from)
	payload.Set("Body", sms.Body)
	if cb := s.callbackURL(sms.MessageID); cb != "" {
		payload.Set("StatusCallback", cb)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSID)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
		if err != nil {
			lastErr = err
			break
		}
		req.SetBasicAuth(s.accountSID, s.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				result := SendResult{Status: DeliverySent}
				var parsed struct {
					SID    string `json:"sid"`
					Status string `json:"status"`
				}
				if err := json.Unmarshal(body, &parsed); err == nil {
					result.ProviderRef = parsed.SID
					if status := CanonicalDeliveryStatus(parsed.Status); status != "" {
						result.Status = status
					}
				}
				s.logger.Info("twilio sms sent",
					"tenant_id", sms.TenantID,
					"to", sms.To,
					"provider_ref", result.ProviderRef,
				)
				return result, nil
			}
			lastErr = fmt.Errorf("twilio send failed: %s", formatTwilioError(resp.StatusCode, body))
			// Don't retry non-rate-limit 4xx errors.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
				break
			}
		}

		if attempt < 3 {
			s.sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
	}
	return SendResult{}, lastErr
}

// callbackURL appends the message id to the configured status-callback URL
// so delivery callbacks can be matched to the stored row even before the
// provider ref lands on it.
func (s *TwilioSender) callbackURL(messageID string) string {
	if s.statusCallbackURL == "" {
		return ""
	}
	cb := s.statusCallbackURL
	if messageID != "" {
		sep := "?"
		if strings.Contains(cb, "?") {
			sep = "&"
		}
		cb += sep + "message_id=" + url.QueryEscape(messageID)
	}
	return cb
}

type twilioAPIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func formatTwilioError(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Sprintf("status %d", status)
	}
	var parsed twilioAPIError
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Message)
	}
	// Fallback: return raw body (already truncated by the read limit).
	return fmt.Sprintf("status %d: %s", status, trimmed)
}
