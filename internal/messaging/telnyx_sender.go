package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

var telnyxSendTracer = otel.Tracer("textback.internal.messaging.telnyx_send")

const telnyxDefaultBaseURL = "https://api.telnyx.com"

// TelnyxConfig carries the credentials for the Telnyx sender.
type TelnyxConfig struct {
	APIKey             string
	MessagingProfileID string
	WebhookURL         string
	BaseURL            string
	HTTPClient         *http.Client
	Logger             *logging.Logger
}

// TelnyxSender posts SMS messages using Telnyx's V2 API.
type TelnyxSender struct {
	apiKey             string
	messagingProfileID string
	webhookURL         string
	baseURL            string
	httpClient         *http.Client
	sleep              func(time.Duration)
	logger             *logging.Logger
}

// NewTelnyxSender builds a sender for the Telnyx V2 API.
func NewTelnyxSender(cfg TelnyxConfig) *TelnyxSender {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = telnyxDefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &TelnyxSender{
		apiKey:             cfg.APIKey,
		messagingProfileID: cfg.MessagingProfileID,
		webhookURL:         cfg.WebhookURL,
		baseURL:            baseURL,
		httpClient:         httpClient,
		sleep:              time.Sleep,
		logger:             logger,
	}
}

var _ Sender = (*TelnyxSender)(nil)

// Send dispatches a single SMS via the Telnyx V2 API, retrying transient
// failures up to three attempts.
func (s *TelnyxSender) Send(ctx context.Context, sms OutboundSMS) (SendResult, error) {
	if s.apiKey == "" {
		return SendResult{}, errors.New("messaging: telnyx api key missing")
	}
	if sms.To == "" {
		return SendResult{}, errors.New("messaging: to required")
	}
	if sms.From == "" {
		return SendResult{}, errors.New("messaging: from required")
	}
	if strings.TrimSpace(sms.Body) == "" {
		return SendResult{}, errors.New("messaging: body required")
	}

	ctx, span := telnyxSendTracer.Start(ctx, "messaging.telnyx.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("textback.tenant_id", sms.TenantID),
		attribute.String("textback.to", sms.To),
	)

	payload := map[string]any{
		"from": sms.From,
		"to":   sms.To,
		"text": sms.Body,
	}
	if s.messagingProfileID != "" {
		payload["messaging_profile_id"] = s.messagingProfileID
	}
	if s.webhookURL != "" {
		payload["webhook_url"] = s.webhookURL
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("messaging: marshal telnyx payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v2/messages", bytes.NewReader(bodyBytes))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				result := SendResult{Status: DeliverySent}
				var parsed struct {
					Data struct {
						ID     string `json:"id"`
						Status string `json:"status"`
					} `json:"data"`
				}
				if err := json.Unmarshal(body, &parsed); err == nil {
					result.ProviderRef = parsed.Data.ID
					if status := CanonicalDeliveryStatus(parsed.Data.Status); status != "" {
						result.Status = status
					}
				}
				s.logger.Info("telnyx sms sent",
					"tenant_id", sms.TenantID,
					"to", sms.To,
					"provider_ref", result.ProviderRef,
				)
				return result, nil
			}
			if errBody := strings.TrimSpace(string(body)); errBody != "" {
				lastErr = fmt.Errorf("telnyx send failed: status %d: %s", resp.StatusCode, errBody)
			} else {
				lastErr = fmt.Errorf("telnyx send failed: status %d", resp.StatusCode)
			}
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
		s.logger.Error("failed to send telnyx sms", "error", lastErr, "tenant_id", sms.TenantID, "to", sms.To)
	}
	return SendResult{}, lastErr
}
