package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store writes expired conversations to S3 before the retention sweeper
// deletes their rows.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
}

// NewStore creates an archive Store. If bucket is empty, all operations are
// no-ops and Enabled reports false.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled reports whether archival is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// ArchiveConversation writes a ConversationRecord as JSON to S3 and appends
// it to the daily manifest. It returns the object key, or "" when archival
// is disabled.
func (s *Store) ArchiveConversation(ctx context.Context, record *ConversationRecord) (string, error) {
	if !s.Enabled() {
		return "", nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("archive: marshal record: %w", err)
	}

	day := record.ArchivedAt
	if day.IsZero() {
		day = time.Now().UTC()
	}

	key := fmt.Sprintf("conversations/v1/by-date/%d/%02d/%02d/%s.json",
		day.Year(), day.Month(), day.Day(), record.ConversationID)

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 put %s: %w", key, err)
	}

	s.logger.Info("archived conversation",
		"conversation_id", record.ConversationID,
		"tenant_id", record.TenantID,
		"s3_key", key,
		"message_count", record.MessageCount)

	entry := ManifestEntry{
		ConversationID: record.ConversationID,
		TenantID:       record.TenantID,
		S3Key:          key,
		ArchivedAt:     day.Format(time.RFC3339),
		MessageCount:   record.MessageCount,
	}
	if err := s.AppendManifest(ctx, day, entry); err != nil {
		// The conversation object is already durable; a manifest gap is
		// recoverable by listing the by-date prefix.
		s.logger.Warn("failed to append manifest", "error", err, "conversation_id", record.ConversationID)
	}

	return key, nil
}

// AppendManifest appends a JSONL line to the daily manifest object.
// S3 has no append, so this is a read-modify-write.
func (s *Store) AppendManifest(ctx context.Context, day time.Time, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	key := manifestKey(day)

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("archive: s3 get manifest %s: %w", key, err)
		}
	} else {
		existing, _ = io.ReadAll(getResp.Body)
		getResp.Body.Close()
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest %s: %w", key, err)
	}
	return nil
}

// ManifestURI returns the s3:// URI of the daily manifest, recorded on
// retention_runs rows. Empty when archival is disabled.
func (s *Store) ManifestURI(day time.Time) string {
	if !s.Enabled() {
		return ""
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, manifestKey(day))
}

func manifestKey(day time.Time) string {
	return fmt.Sprintf("conversations/v1/manifests/%s.jsonl", day.UTC().Format("2006-01-02"))
}

// isNotFound checks for an S3 missing-key error. The SDK surfaces NoSuchKey
// through a wrapped smithy error, so match on the message.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "404")
}
