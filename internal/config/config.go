package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	PublicBaseURL      string
	LogLevel           string
	DatabaseURL        string
	CORSAllowedOrigins []string

	InternalServiceKey string
	AdminJWTSecret     string

	SMSProvider        string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	TelnyxAPIKey       string
	TelnyxProfileID    string
	StatusCallbackBase string
	PauseOutboundSMS   bool
	WebhookRateLimit   float64
	WebhookRateBurst   int

	HoldTTL              time.Duration
	SearchGranularity    time.Duration
	SearchMaxWindowDays  int
	GooglePollInterval   time.Duration
	JobberPollInterval   time.Duration
	JobberBaseURL        string
	JobberAPIToken       string
	JobberWebhookSecret  string
	GoogleCalendarAPIKey string
	GoogleChannelToken   string

	OutboxBatchSize         int
	OutboxConcurrency       int
	OutboxDispatcherOff     bool
	RetryMaxAttempts        int
	RetryBackoffCap         time.Duration
	OutboxRetentionDays     int
	ReceiptRetentionDays    int
	MessageRetentionDays    int
	MetadataRetentionMonths int

	AIComposeDeadline       time.Duration
	InactivityCloseAfter    time.Duration
	CorrelationReuseWindow  time.Duration
	FirstSmsSLO             time.Duration
	ConversationHistoryMax  int64
	ConversationHistoryTTL  time.Duration

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	BedrockModelID      string
	GeminiAPIKey        string
	GeminiModelID       string
	SendLedgerTable     string
	EventRelayQueueURL  string
	ArchiveBucket       string

	RedisURL      string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	SESSender        string
	SendGridAPIKey   string
	SendGridFromName string
	OpsAlertEmail    string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS"),

		InternalServiceKey: getEnv("INTERNAL_SERVICE_KEY", ""),
		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),

		SMSProvider:        getEnv("SMS_PROVIDER", "auto"),
		TwilioAccountSID:   getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:    getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:   getEnv("TWILIO_FROM_NUMBER", ""),
		TelnyxAPIKey:       getEnv("TELNYX_API_KEY", ""),
		TelnyxProfileID:    getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		StatusCallbackBase: getEnv("SMS_STATUS_CALLBACK_BASE_URL", ""),
		PauseOutboundSMS:   getEnvAsBool("PAUSE_OUTBOUND_SMS", false),
		WebhookRateLimit:   getEnvAsFloat("WEBHOOK_RATE_LIMIT", 25),
		WebhookRateBurst:   getEnvAsInt("WEBHOOK_RATE_BURST", 50),

		HoldTTL:              getEnvAsMinutes("HOLD_TTL_MINUTES", 15),
		SearchGranularity:    getEnvAsMinutes("SEARCH_GRANULARITY_MINUTES", 15),
		SearchMaxWindowDays:  getEnvAsInt("SEARCH_MAX_WINDOW_DAYS", 14),
		GooglePollInterval:   getEnvAsSeconds("GOOGLE_POLL_SECONDS", 60),
		JobberPollInterval:   getEnvAsSeconds("JOBBER_POLL_SECONDS", 120),
		JobberBaseURL:        getEnv("JOBBER_BASE_URL", ""),
		JobberAPIToken:       getEnv("JOBBER_API_TOKEN", ""),
		JobberWebhookSecret:  getEnv("JOBBER_WEBHOOK_SECRET", ""),
		GoogleCalendarAPIKey: getEnv("GOOGLE_CALENDAR_API_KEY", ""),
		GoogleChannelToken:   getEnv("GOOGLE_CHANNEL_TOKEN", ""),

		OutboxBatchSize:         getEnvAsInt("OUTBOX_BATCH_SIZE", 100),
		OutboxConcurrency:       getEnvAsInt("OUTBOX_CONCURRENCY", 2),
		OutboxDispatcherOff:     getEnvAsBool("OUTBOX_DISPATCHER_DISABLED", false),
		RetryMaxAttempts:        getEnvAsInt("RETRY_MAX_ATTEMPTS", 6),
		RetryBackoffCap:         getEnvAsSeconds("RETRY_BACKOFF_CAP_SECONDS", 30),
		OutboxRetentionDays:     getEnvAsInt("OUTBOX_RETENTION_DAYS", 30),
		ReceiptRetentionDays:    getEnvAsInt("RECEIPT_RETENTION_DAYS", 90),
		MessageRetentionDays:    getEnvAsInt("MESSAGE_RETENTION_DAYS", 180),
		MetadataRetentionMonths: getEnvAsInt("METADATA_RETENTION_MONTHS", 13),

		AIComposeDeadline:      getEnvAsMillis("AI_COMPOSE_DEADLINE_MS", 3500),
		InactivityCloseAfter:   getEnvAsHours("CONVERSATION_INACTIVITY_CLOSE_HOURS", 72),
		CorrelationReuseWindow: getEnvAsMinutes("CORRELATION_REUSE_WINDOW_MINUTES", 10),
		FirstSmsSLO:            getEnvAsSeconds("FIRST_SMS_SLO_SECONDS", 5),
		ConversationHistoryMax: int64(getEnvAsInt("CONVERSATION_HISTORY_MAX", 250)),
		ConversationHistoryTTL: getEnvAsDuration("CONVERSATION_HISTORY_TTL", 90*24*time.Hour),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:       getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		SendLedgerTable:     getEnv("SEND_LEDGER_TABLE", ""),
		EventRelayQueueURL:  getEnv("EVENT_RELAY_QUEUE_URL", ""),
		ArchiveBucket:       getEnv("ARCHIVE_BUCKET", ""),

		RedisURL:      getEnv("REDIS_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		SESSender:        getEnv("SES_SENDER", ""),
		SendGridAPIKey:   getEnv("SENDGRID_API_KEY", ""),
		SendGridFromName: getEnv("SENDGRID_FROM_NAME", "TextBack"),
		OpsAlertEmail:    getEnv("OPS_ALERT_EMAIL", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsSlice splits a comma-separated environment variable, dropping
// empty entries. Returns nil when the variable is unset.
func getEnvAsSlice(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsFloat retrieves an environment variable as a float or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// The *_MINUTES/_SECONDS/_MS/_HOURS variables are documented as plain integers,
// so they get dedicated readers instead of time.ParseDuration.
func getEnvAsMinutes(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Minute
}

func getEnvAsSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Second
}

func getEnvAsMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}

func getEnvAsHours(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Hour
}
