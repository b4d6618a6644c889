package archive

import "time"

// ConversationRecord is the JSON document written to S3 when the retention
// sweeper archives a conversation before deleting its rows.
type ConversationRecord struct {
	Version        string            `json:"version"` // "1.0"
	ConversationID string            `json:"conversation_id"`
	TenantID       string            `json:"tenant_id"`
	CallerHash     string            `json:"caller_hash"` // sha256 of the caller phone
	CorrelationID  string            `json:"correlation_id"`
	State          string            `json:"state"`
	OpenedAt       time.Time         `json:"opened_at"`
	ClosedAt       *time.Time        `json:"closed_at,omitempty"`
	ArchivedAt     time.Time         `json:"archived_at"`
	MessageCount   int               `json:"message_count"`
	Messages       []ArchivedMessage `json:"messages"`
}

// ArchivedMessage is a single SMS turn inside an archived conversation.
type ArchivedMessage struct {
	Direction string    `json:"direction"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ManifestEntry is one JSONL line in the daily manifest file.
type ManifestEntry struct {
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id"`
	S3Key          string `json:"s3_key"`
	ArchivedAt     string `json:"archived_at"`
	MessageCount   int    `json:"message_count"`
}
