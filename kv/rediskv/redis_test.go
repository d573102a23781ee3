package rediskv

import (
	"context"
	"testing"

	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/kv/kvtest"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3, // Use separate DB for store tests
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	kvtest.RunStoreTests(t, func(t *testing.T) kv.Store {
		if err := client.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		s, err := New(Config{Client: client, KeyPrefix: "tabsync:test:"})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Fatalf("unexpected escape: %s", got)
	}
}
