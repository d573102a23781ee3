package postgreskv

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/kv/kvtest"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TABSYNC_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TABSYNC_POSTGRES_DSN not set")
	}

	n := 0
	kvtest.RunStoreTests(t, func(t *testing.T) kv.Store {
		n++
		s, err := New(Config{DSN: dsn, Table: fmt.Sprintf("tabsync_kv_test_%d_%d", time.Now().UnixNano(), n)})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			t.Skipf("postgres not available: %v", err)
		}
		t.Cleanup(func() {
			_, _ = s.db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(s.table)))
			_ = s.Close()
		})
		return s
	})
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(Config{DSN: "  "}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestQuoteIdentifier(t *testing.T) {
	if got := quoteIdentifier(`we"ird`); got != `"we""ird"` {
		t.Fatalf("unexpected quoting: %s", got)
	}
}
