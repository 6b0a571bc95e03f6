package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/industriverse/chronos/internal/infra/healing"
	"github.com/industriverse/chronos/internal/infra/sqlite"
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

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker(t *testing.T) {
	c := NewChecker(Options{
		DB:           newTestDB(t),
		CacheDir:     t.TempDir(),
		PriceBreaker: healing.NewCircuitBreaker("price", healing.DefaultCircuitBreakerConfig()),
	})
	if len(c.checks) != 4 {
		t.Errorf("checks = %d, want 4", len(c.checks))
	}
	if got := len(NewChecker(Options{}).checks); got != 0 {
		t.Errorf("empty options checks = %d, want 0", got)
	}
}

func TestChecker_RunAllHealthy(t *testing.T) {
	c := NewChecker(Options{
		DB:           newTestDB(t),
		CacheDir:     t.TempDir(),
		MinFreeBytes: 1,
		PriceBreaker: healing.NewCircuitBreaker("price", healing.DefaultCircuitBreakerConfig()),
	})
	statuses := c.RunAll(context.Background())
	if len(statuses) != 4 {
		t.Fatalf("RunAll() = %d statuses, want 4", len(statuses))
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
	c := NewChecker(Options{DB: newTestDB(t)})
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestChecker_OpenBreakerUnhealthy(t *testing.T) {
	cb := healing.NewCircuitBreaker("price", healing.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
	})
	cb.RecordFailure(errors.New("feed down"))

	c := NewChecker(Options{PriceBreaker: cb})
	c.RunAll(context.Background())
	if c.IsHealthy() {
		t.Error("IsHealthy() should be false with an open price breaker")
	}
	if s := c.Statuses()[0]; s.Name != "price_feed" || s.Error == "" {
		t.Errorf("status = %+v, want failing price_feed", s)
	}
}

func TestChecker_RecoversCacheDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	c := New(Check{
		Name:      "cache_dir",
		CheckFn:   func(context.Context) error { return checkDir(dir) },
		RecoverFn: func(context.Context) error { return os.MkdirAll(dir, 0o755) },
	})

	statuses := c.RunAll(context.Background())
	if !statuses[0].Healthy {
		t.Errorf("cache_dir should recover, got error: %s", statuses[0].Error)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("cache dir not created: %v", err)
	}
}

func TestChecker_FailingCheck(t *testing.T) {
	recovered := false
	c := New(Check{
		Name:      "broken",
		CheckFn:   func(context.Context) error { return errors.New("nope") },
		RecoverFn: func(context.Context) error { recovered = true; return nil },
	})
	c.RunAll(context.Background())
	if !recovered {
		t.Error("RecoverFn not called")
	}
	if c.IsHealthy() {
		t.Error("IsHealthy() should be false")
	}
}

func TestCheckDiskSpace(t *testing.T) {
	dir := t.TempDir()
	if err := checkDiskSpace(context.Background(), dir, 1); err != nil {
		t.Errorf("checkDiskSpace(1 byte) error: %v", err)
	}
	if err := checkDiskSpace(context.Background(), dir, 1<<62); err == nil {
		t.Error("checkDiskSpace(4 EiB) should fail")
	}
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	c := New(Check{Name: "ok", CheckFn: func(context.Context) error { return nil }})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(c.Statuses()) != 1 {
		t.Error("Run should have recorded statuses")
	}
}
