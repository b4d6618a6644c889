package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*TranscriptCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTranscriptCache(client), mr
}

func TestTranscriptListReturnsNewestWindowInOrder(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	for _, body := range []string{"first", "second", "third"} {
		if err := cache.Append(ctx, "convo-1", TranscriptEntry{Direction: DirectionIn, Body: body}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	entries, err := cache.List(ctx, "convo-1", 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Body != "second" || entries[1].Body != "third" {
		t.Fatalf("unexpected window: %+v", entries)
	}
	if entries[0].At.IsZero() {
		t.Fatal("append must stamp entries")
	}
}

func TestTranscriptTrimsToConfiguredCap(t *testing.T) {
	cache, _ := newTestCache(t)
	cache.WithLimits(2, 0)
	ctx := context.Background()

	for _, body := range []string{"first", "second", "third"} {
		if err := cache.Append(ctx, "convo-1", TranscriptEntry{Direction: DirectionOut, Body: body}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	entries, err := cache.List(ctx, "convo-1", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Body != "second" {
		t.Fatalf("oldest turn must be trimmed: %+v", entries)
	}
}

func TestTranscriptKeyCarriesTTL(t *testing.T) {
	cache, mr := newTestCache(t)
	cache.WithLimits(0, time.Minute)
	ctx := context.Background()

	if err := cache.Append(ctx, "convo-1", TranscriptEntry{Direction: DirectionIn, Body: "hi"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if ttl := mr.TTL("transcript:convo-1"); ttl != time.Minute {
		t.Fatalf("expected 1m ttl, got %v", ttl)
	}
}

func TestTranscriptDropRemovesKey(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	if err := cache.Append(ctx, "convo-1", TranscriptEntry{Direction: DirectionIn, Body: "hi"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := cache.Drop(ctx, "convo-1"); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if mr.Exists("transcript:convo-1") {
		t.Fatal("drop must remove the key")
	}

	entries, err := cache.List(ctx, "convo-1", 10)
	if err != nil {
		t.Fatalf("list after drop failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty transcript, got %+v", entries)
	}
}

func TestTranscriptNilCacheDegradesQuietly(t *testing.T) {
	var cache *TranscriptCache
	if NewTranscriptCache(nil) != nil {
		t.Fatal("nil client must yield a nil cache")
	}

	ctx := context.Background()
	if err := cache.Append(ctx, "convo-1", TranscriptEntry{Body: "hi"}); err != nil {
		t.Fatalf("nil cache append: %v", err)
	}
	entries, err := cache.List(ctx, "convo-1", 10)
	if err != nil || entries != nil {
		t.Fatalf("nil cache list: entries=%v err=%v", entries, err)
	}
	if err := cache.Drop(ctx, "convo-1"); err != nil {
		t.Fatalf("nil cache drop: %v", err)
	}
}

func TestTranscriptRequiresConversationID(t *testing.T) {
	cache, _ := newTestCache(t)
	if err := cache.Append(context.Background(), "", TranscriptEntry{Body: "hi"}); err == nil {
		t.Fatal("expected error for missing conversation id")
	}
}
