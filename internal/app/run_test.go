package app

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nuetzliches/queuestash/internal/datastore"
)

func TestRequiresRestart(t *testing.T) {
	dir := t.TempDir()
	base := loadTestConfig(t, testConfig(dir, ""))
	sameAmbient := loadTestConfig(t, testConfig(dir, "\nmove drain {\n  from inbox\n  to outbox\n}\n"))
	newLevel := loadTestConfig(t, testConfig(dir, ""))
	newLevel.Logging.Level = "debug"
	withMetrics := loadTestConfig(t, testConfig(dir, "\nobservability {\n  metrics { listen 127.0.0.1:0 }\n}\n"))

	if requiresRestart(base, nil) {
		t.Fatalf("first start must not require restart")
	}
	if requiresRestart(sameAmbient, base) {
		t.Fatalf("move changes must reload in place")
	}
	if !requiresRestart(newLevel, base) {
		t.Fatalf("logging change must require restart")
	}
	if !requiresRestart(withMetrics, base) {
		t.Fatalf("metrics change must require restart")
	}
}

func TestSupervisor_StartRunsMoveLoops(t *testing.T) {
	compiled := loadTestConfig(t, testConfig(t.TempDir(), `
move drain {
  from inbox
  to outbox
  interval 10ms
}
`))
	m, err := newRuntimeMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	sup := &supervisor{metrics: m, logger: discardLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.start(ctx, compiled); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.stop()

	inbox, _ := sup.stores.Open("inbox")
	outbox, _ := sup.stores.Open("outbox")
	if err := inbox.Add(ctx, genericMsg("c-1", nil)); err != nil {
		t.Fatalf("add: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for outbox.(*datastore.MemoryStore).Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("message was not moved")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(m.moveRuns.WithLabelValues("drain", "ok")); got < 1 {
		t.Fatalf("move runs=%v", got)
	}
}

func TestSupervisor_ReloadSwapsConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, testConfig(dir, ""))
	compiled := loadTestConfig(t, testConfig(dir, ""))

	m, err := newRuntimeMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	sup := &supervisor{metrics: m, logger: discardLogger()}
	ctx := context.Background()
	if err := sup.start(ctx, compiled); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.stop()

	if err := os.WriteFile(path, []byte(testConfig(dir, "\nmove drain {\n  from inbox\n  to outbox\n}\n")), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !sup.reload(ctx, path, "test") {
		t.Fatalf("reload failed")
	}
	if len(sup.compiled.Moves) != 1 {
		t.Fatalf("moves=%d, want 1", len(sup.compiled.Moves))
	}

	if err := os.WriteFile(path, []byte("data_store broken {\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if sup.reload(ctx, path, "test") {
		t.Fatalf("reload of a broken config must fail")
	}
	if len(sup.compiled.Moves) != 1 {
		t.Fatalf("failed reload replaced the running config")
	}
}

func TestWatchConfig_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Queuestashfile")
	if err := os.WriteFile(path, []byte("logging { level info }\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reloads atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchConfig(ctx, path, discardLogger(), func() { reloads.Add(1) })
	}()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("logging { level debug }\n"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := os.WriteFile(filepath.Join(dir, "unrelated"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reloads.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no reload after writes")
		}
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("reloads=%d, want 1", got)
	}
	cancel()
	<-done
}

func TestSupervisor_MoveLoopsGetTheirOwnQuarantineStore(t *testing.T) {
	cfg := `data_store inbox { driver memory }

data_store outbox { driver memory }

data_store parked {
  driver stomp
  uri tcp://127.0.0.1:1
}

quarantine { queue parked }

logging { level error }

move forward {
  from inbox
  to outbox
}

move back {
  from outbox
  to inbox
}
`
	compiled := loadTestConfig(t, cfg)
	m, err := newRuntimeMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	sup := &supervisor{metrics: m, logger: discardLogger()}
	if err := sup.start(context.Background(), compiled); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.stop()

	sup.stores.mu.Lock()
	seen := make(map[*datastore.StompStore]bool)
	for _, st := range sup.stores.opened {
		if ss, ok := st.(*datastore.StompStore); ok {
			seen[ss] = true
		}
	}
	sup.stores.mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("quarantine stores=%d, want one per move loop", len(seen))
	}
}
