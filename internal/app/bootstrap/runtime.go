package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/nevermiss-ai/textback-platform/internal/config"
	"github.com/nevermiss-ai/textback-platform/internal/conversation"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// REDIS_URL wins over the split REDIS_ADDR settings when both are present.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var redisOptions *redis.Options
	switch {
	case strings.TrimSpace(cfg.RedisURL) != "":
		parsed, err := redis.ParseURL(strings.TrimSpace(cfg.RedisURL))
		if err != nil {
			logger.Warn("invalid REDIS_URL", "error", err)
			return nil
		}
		redisOptions = parsed
	case strings.TrimSpace(cfg.RedisAddr) != "":
		redisOptions = &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	default:
		return nil
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// BuildTranscriptCache returns a Redis-backed transcript cache, or nil when
// Redis is not configured. The engine falls back to persisted messages when
// the cache is absent.
func BuildTranscriptCache(redisClient *redis.Client, cfg *appconfig.Config) *conversation.TranscriptCache {
	if redisClient == nil {
		return nil
	}
	cache := conversation.NewTranscriptCache(redisClient)
	if cfg != nil {
		cache = cache.WithLimits(cfg.ConversationHistoryMax, cfg.ConversationHistoryTTL)
	}
	return cache
}
