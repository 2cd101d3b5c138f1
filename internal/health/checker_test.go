package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tutu-network/gpugov/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func one() int { return 1 }

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), one)
	if len(c.checks) != 3 {
		t.Errorf("checks = %d, want 3", len(c.checks))
	}
}

func TestChecker_RunOnceHealthy(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), one)
	statuses := c.RunOnce(context.Background())
	if len(statuses) != 3 {
		t.Fatalf("RunOnce() = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(newTestDB(t), "", one)
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestChecker_NoAccounts(t *testing.T) {
	c := NewChecker(newTestDB(t), "", func() int { return 0 })
	c.RunOnce(context.Background())
	if c.IsHealthy() {
		t.Error("IsHealthy() should be false with no accounts")
	}
	for _, s := range c.Statuses() {
		if s.Name == "accounts" && s.Healthy {
			t.Error("accounts check should fail")
		}
	}
}

func TestChecker_DBClosed(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	c := NewChecker(db, "", one)
	c.RunOnce(context.Background())
	if c.IsHealthy() {
		t.Error("IsHealthy() should be false with closed db")
	}
}

func TestCheckKeysDir(t *testing.T) {
	dir := t.TempDir()
	if err := checkKeysDir(dir); err != nil {
		t.Errorf("checkKeysDir(dir) = %v", err)
	}
	if err := checkKeysDir(""); err != nil {
		t.Errorf("checkKeysDir(\"\") = %v", err)
	}
	if err := checkKeysDir(filepath.Join(dir, "missing")); err == nil {
		t.Error("missing dir should fail")
	}
	file := filepath.Join(dir, "file")
	os.WriteFile(file, []byte("x"), 0600)
	if err := checkKeysDir(file); err == nil {
		t.Error("file path should fail")
	}
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	c := NewChecker(newTestDB(t), "", one)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	<-done
	if len(c.Statuses()) != 3 {
		t.Error("Run should complete one round before returning")
	}
}
