package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nuetzliches/queuestash/internal/config"
	"github.com/nuetzliches/queuestash/internal/ledger"
	"github.com/nuetzliches/queuestash/internal/message"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// testConfig is a config with two memory queues and a sqlite damaged
// ledger under dir, followed by extra.
func testConfig(dir, extra string) string {
	return fmt.Sprintf(`data_store inbox { driver memory }

data_store outbox { driver memory }

data_store damaged-db {
  driver sqlite
  dsn %q
  ledger damaged
}

data_store pending-db {
  driver sqlite
  dsn %q
  ledger pending
}

quarantine { ledger damaged-db }

logging { level error }
%s`, filepath.ToSlash(filepath.Join(dir, "damaged.db")), filepath.ToSlash(filepath.Join(dir, "pending.db")), extra)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Queuestashfile")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func loadTestConfig(t *testing.T, content string) *config.Compiled {
	t.Helper()
	compiled, _, err := config.Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return compiled
}

func seedDamaged(t *testing.T, dsn string, damagedAt time.Time, rows ...*ledger.DamagedRecord) {
	t.Helper()
	db, err := ledger.Open("sqlite", dsn, ledger.WithNowFunc(func() time.Time { return damagedAt }))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer db.Close()
	l, err := ledger.NewDamagedLedger(context.Background(), db)
	if err != nil {
		t.Fatalf("damaged ledger: %v", err)
	}
	for _, r := range rows {
		if _, err := l.StoreRecord(context.Background(), r); err != nil {
			t.Fatalf("store record: %v", err)
		}
	}
}

func genericMsg(id string, attrs map[string]string) message.Generic {
	return message.Generic{Correlation: id, Attributes: attrs}
}
