// Package health runs periodic health checks with best-effort recovery.
// The daemon drives RunAll from its cron; results are exported as metrics
// and served on /health.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/industriverse/chronos/internal/infra/healing"
	"github.com/industriverse/chronos/internal/infra/metrics"
)

// DefaultMinFreeBytes is the free space the cache volume must keep.
const DefaultMinFreeBytes = 500 * 1024 * 1024

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is a store that can report connectivity.
type Pinger interface {
	Ping() error
}

// Breaker exposes a circuit breaker's state.
type Breaker interface {
	State() healing.CBState
}

// Options configures the standard checks. Nil collaborators skip their check.
type Options struct {
	DB           Pinger
	CacheDir     string
	MinFreeBytes uint64
	PriceBreaker Breaker
}

// Checker runs health checks and keeps the latest results.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	now      func() time.Time
}

// NewChecker creates a checker with the standard checks: sqlite,
// cache_dir, cache_disk and price_feed.
func NewChecker(opts Options) *Checker {
	if opts.MinFreeBytes == 0 {
		opts.MinFreeBytes = DefaultMinFreeBytes
	}
	var checks []Check
	if opts.DB != nil {
		checks = append(checks, Check{
			Name: "sqlite",
			CheckFn: func(ctx context.Context) error {
				return opts.DB.Ping()
			},
		})
	}
	if opts.CacheDir != "" {
		checks = append(checks,
			Check{
				Name: "cache_dir",
				CheckFn: func(ctx context.Context) error {
					return checkDir(opts.CacheDir)
				},
				RecoverFn: func(ctx context.Context) error {
					return os.MkdirAll(opts.CacheDir, 0o755)
				},
			},
			Check{
				Name: "cache_disk",
				CheckFn: func(ctx context.Context) error {
					return checkDiskSpace(ctx, opts.CacheDir, opts.MinFreeBytes)
				},
			},
		)
	}
	if opts.PriceBreaker != nil {
		checks = append(checks, Check{
			Name: "price_feed",
			CheckFn: func(ctx context.Context) error {
				if st := opts.PriceBreaker.State(); st == healing.CBOpen {
					return fmt.Errorf("price breaker %s", st)
				}
				return nil
			},
		})
	}
	return New(checks...)
}

// New creates a checker over arbitrary checks.
func New(checks ...Check) *Checker {
	return &Checker{checks: checks, now: time.Now}
}

// Run runs all checks every interval until ctx is done. Call in a goroutine.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.RunAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunAll(ctx)
		}
	}
}

// RunAll runs every check once, attempting recovery for failures.
func (c *Checker) RunAll(ctx context.Context) []Status {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: c.now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr == nil {
					// Recovered checks are re-evaluated once.
					if err := check.CheckFn(ctx); err == nil {
						s.Error = ""
						s.Healthy = true
					}
				}
			}
		} else {
			s.Healthy = true
		}
		statuses[i] = s

		v := 0.0
		if s.Healthy {
			v = 1
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(v)
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
	return statuses
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check cache dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func checkDiskSpace(ctx context.Context, dir string, minFree uint64) error {
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing cached yet
		}
		return fmt.Errorf("check disk: %w", err)
	}
	if usage.Free < minFree {
		return fmt.Errorf("cache volume has %d MiB free, want at least %d MiB",
			usage.Free>>20, minFree>>20)
	}
	return nil
}
