package scheduler

import "time"

// ─── Deferral Backoff ───────────────────────────────────────────────────────

// BackoffConfig controls how far a deferred task's eligibility is pushed out.
type BackoffConfig struct {
	BaseDelay time.Duration // delay after the first deferral (doubles each time)
	MaxDelay  time.Duration // cap on the delay
}

// DefaultBackoffConfig returns deferral backoff defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 30 * time.Second,
		MaxDelay:  30 * time.Minute,
	}
}

// Delay returns BaseDelay × 2^deferCount, capped at MaxDelay. deferCount is
// the number of deferrals already recorded for the task.
func (c BackoffConfig) Delay(deferCount int) time.Duration {
	if c.BaseDelay <= 0 {
		return 0
	}
	delay := c.BaseDelay
	for i := 0; i < deferCount; i++ {
		delay *= 2
		if c.MaxDelay > 0 && delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}
