package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const transcriptKeyPrefix = "transcript:"

// transcriptTTL matches the inactivity close window so cached context
// never outlives the conversation it belongs to.
const transcriptTTL = 72 * time.Hour

// TranscriptEntry is one cached turn handed to the composer.
type TranscriptEntry struct {
	Direction string    `json:"direction"`
	Body      string    `json:"body"`
	At        time.Time `json:"at"`
}

// TranscriptCache keeps a bounded per-conversation message history in
// Redis so composition never rereads Postgres on the hot path. A nil
// cache is valid and degrades to no context.
type TranscriptCache struct {
	redis       *redis.Client
	tracer      trace.Tracer
	maxMessages int64
	ttl         time.Duration
}

func NewTranscriptCache(redisClient *redis.Client) *TranscriptCache {
	if redisClient == nil {
		return nil
	}
	return &TranscriptCache{
		redis:       redisClient,
		tracer:      otel.Tracer("textback.internal.conversation.transcript"),
		maxMessages: 50,
		ttl:         transcriptTTL,
	}
}

// WithLimits overrides the per-conversation entry cap and key TTL.
// Non-positive values keep the defaults.
func (c *TranscriptCache) WithLimits(maxMessages int64, ttl time.Duration) *TranscriptCache {
	if c == nil {
		return nil
	}
	if maxMessages > 0 {
		c.maxMessages = maxMessages
	}
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

func (c *TranscriptCache) Append(ctx context.Context, conversationID string, entry TranscriptEntry) error {
	if c == nil || c.redis == nil {
		return nil
	}
	if conversationID == "" {
		return errors.New("conversation: transcript conversationID required")
	}
	if entry.At.IsZero() {
		entry.At = nowFunc().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("conversation: marshal transcript entry: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "conversation.transcript.append")
	defer span.End()

	key := transcriptKey(conversationID)
	pipe := c.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, c.ttl)
	if c.maxMessages > 0 {
		pipe.LTrim(ctx, key, -c.maxMessages, -1)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: append transcript entry: %w", err)
	}
	return nil
}

func (c *TranscriptCache) List(ctx context.Context, conversationID string, limit int64) ([]TranscriptEntry, error) {
	if c == nil || c.redis == nil {
		return nil, nil
	}
	if conversationID == "" {
		return nil, errors.New("conversation: transcript conversationID required")
	}

	ctx, span := c.tracer.Start(ctx, "conversation.transcript.list")
	defer span.End()

	start := int64(0)
	end := int64(-1)
	if limit > 0 {
		start = -limit
	}

	key := transcriptKey(conversationID)
	raw, err := c.redis.LRange(ctx, key, start, end).Result()
	if err != nil {
		span.RecordError(err)
		if err == redis.Nil {
			return []TranscriptEntry{}, nil
		}
		return nil, fmt.Errorf("conversation: list transcript: %w", err)
	}

	out := make([]TranscriptEntry, 0, len(raw))
	for _, item := range raw {
		var entry TranscriptEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Drop removes a conversation's cached transcript, used when the thread closes.
func (c *TranscriptCache) Drop(ctx context.Context, conversationID string) error {
	if c == nil || c.redis == nil {
		return nil
	}
	if conversationID == "" {
		return errors.New("conversation: transcript conversationID required")
	}
	if err := c.redis.Del(ctx, transcriptKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("conversation: drop transcript: %w", err)
	}
	return nil
}

func transcriptKey(conversationID string) string {
	return transcriptKeyPrefix + conversationID
}
