package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Test helper: check if Redis is available
func isRedisAvailable() bool {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return client.Ping(ctx).Err() == nil
}

// Test helper: get Redis URL from env or default
func getRedisURL() string {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}
	return "redis://localhost:6379"
}

func TestNewRedisPublisher_InvalidURL(t *testing.T) {
	_, err := newRedisPublisher(RedisConfig{URL: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("Expected error for unreachable Redis")
	}
}

func TestNewRedisPublisher_Defaults(t *testing.T) {
	if !isRedisAvailable() {
		t.Skip("Redis not available, skipping test")
	}

	pub, err := newRedisPublisher(RedisConfig{URL: getRedisURL()})
	if err != nil {
		t.Fatalf("Failed to create Redis publisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	if pub.config.Stream != "edgenode" {
		t.Errorf("Expected default stream edgenode, got %s", pub.config.Stream)
	}
	if pub.config.MaxLen != 100000 {
		t.Errorf("Expected default max len 100000, got %d", pub.config.MaxLen)
	}
	if got := pub.streamName("edgenode.usage.c1"); got != "edgenode:edgenode.usage.c1" {
		t.Errorf("Unexpected stream name %s", got)
	}
}

func TestRedisPublisher_Publish(t *testing.T) {
	if !isRedisAvailable() {
		t.Skip("Redis not available, skipping test")
	}

	pub, err := newRedisPublisher(RedisConfig{URL: getRedisURL(), Stream: "edgenode-test"})
	if err != nil {
		t.Fatalf("Failed to create Redis publisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	ctx := context.Background()
	stream := pub.streamName("usage")
	defer pub.client.Del(ctx, stream)

	if err := pub.Publish(ctx, "usage", []byte(`{"hits":2}`)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	msgs, err := pub.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("Failed to read stream: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Values["data"] != `{"hits":2}` {
		t.Errorf("Unexpected payload %v", msgs[0].Values["data"])
	}
}
