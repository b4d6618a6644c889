package bootstrap

import (
	"context"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/nevermiss-ai/textback-platform/internal/config"
	"github.com/nevermiss-ai/textback-platform/internal/notify"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// BuildEmailSender creates the operator email sender: SES when a verified
// sender address is configured, SendGrid as fallback, and both chained when
// available. Outside production a missing provider degrades to the stub
// sender so alert paths stay observable in logs.
func BuildEmailSender(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) notify.EmailSender {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var ses notify.EmailSender
	if strings.TrimSpace(cfg.SESSender) != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Warn("ses unavailable", "error", err)
		} else if s := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESSender,
			FromName:  cfg.SendGridFromName,
		}, logger); s != nil {
			ses = s
		}
	}

	var sendgrid notify.EmailSender
	if s := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SESSender,
		FromName:  cfg.SendGridFromName,
	}, logger); s != nil {
		sendgrid = s
	}

	switch {
	case ses != nil && sendgrid != nil:
		logger.Info("email sender configured", "primary", "ses", "fallback", "sendgrid")
		return notify.NewFailoverSender(ses, sendgrid, logger)
	case ses != nil:
		logger.Info("email sender configured", "provider", "ses")
		return ses
	case sendgrid != nil:
		logger.Info("email sender configured", "provider", "sendgrid")
		return sendgrid
	}

	if cfg.Env != "production" {
		logger.Warn("no email provider configured; using stub sender")
		return notify.NewStubEmailSender(logger)
	}
	return nil
}
