package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestClaimPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "queuestash.pid")
	release, err := claimPIDFile(path)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid=%d, want %d", pid, os.Getpid())
	}

	if _, err := claimPIDFile(path); err == nil || !strings.Contains(err.Error(), "running process") {
		t.Fatalf("expected running process error, got %v", err)
	}

	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed: %v", err)
	}
}

func TestClaimPIDFile_ReplacesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queuestash.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	release, err := claimPIDFile(path)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer release()
	data, _ := os.ReadFile(path)
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file=%q", data)
	}
}

func TestClaimPIDFile_ReleaseKeepsForeignPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queuestash.pid")
	release, err := claimPIDFile(path)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := os.WriteFile(path, []byte("999999\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	release()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("release removed a file it does not own: %v", err)
	}
}

func TestClaimPIDFile_Empty(t *testing.T) {
	release, err := claimPIDFile("  ")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	release()
}
