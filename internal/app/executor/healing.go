package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/industriverse/chronos/internal/domain"
)

// ─── Healing Policy ─────────────────────────────────────────────────────────

// DefaultRetries is the attempt count for a bare "retry" policy.
const DefaultRetries = 3

// Policy is a parsed task healing policy.
type Policy struct {
	Attempts int // total attempts, at least 1
}

// ParsePolicy parses a task's healing policy tag:
//
//	"" | "none"   run once
//	"retry"       up to DefaultRetries attempts
//	"retry:N"     up to N attempts
func ParsePolicy(tag string) (Policy, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	switch {
	case tag == "" || tag == "none":
		return Policy{Attempts: 1}, nil
	case tag == "retry":
		return Policy{Attempts: DefaultRetries}, nil
	case strings.HasPrefix(tag, "retry:"):
		n, err := strconv.Atoi(strings.TrimPrefix(tag, "retry:"))
		if err != nil || n < 1 {
			return Policy{}, fmt.Errorf("healing policy %q: attempts must be a positive integer", tag)
		}
		return Policy{Attempts: n}, nil
	}
	return Policy{}, fmt.Errorf("unknown healing policy %q", tag)
}

// Healing retries a failing job according to the task's healing policy.
// Unknown policy tags run the job once and log a warning.
type Healing struct {
	inner domain.Executor
	delay time.Duration
	log   zerolog.Logger
}

// NewHealing wraps inner. delay is the pause between attempts, doubled
// after each failure.
func NewHealing(inner domain.Executor, delay time.Duration, log zerolog.Logger) *Healing {
	return &Healing{inner: inner, delay: delay, log: log.With().Str("component", "executor").Logger()}
}

// Execute implements domain.Executor.
func (h *Healing) Execute(ctx context.Context, job domain.Job) error {
	log := h.log.With().Str("task_id", job.Task.ID).Logger()
	policy, err := ParsePolicy(job.Task.HealingPolicy)
	if err != nil {
		log.Warn().Err(err).Msg("running once")
		policy = Policy{Attempts: 1}
	}

	delay := h.delay
	for attempt := 1; ; attempt++ {
		err = h.inner.Execute(ctx, job)
		if err == nil || attempt >= policy.Attempts || ctx.Err() != nil {
			if err != nil && attempt > 1 {
				return fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("of", policy.Attempts).Msg("execution failed, retrying")

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("after %d attempts: %w", attempt, err)
			case <-t.C:
			}
			delay *= 2
		}
	}
}
