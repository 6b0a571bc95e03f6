// Package executor runs admitted tasks. Two executors ship with chronos:
// Simulated sleeps for a per-type duration and is what demos and tests use;
// Command runs a shell command with the task and its hydrated artifact in
// the environment. Both are wrapped by Healing, which applies the task's
// healing policy.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/industriverse/chronos/internal/domain"
)

// ErrSimulatedFailure is returned by Simulated for task types configured to fail.
var ErrSimulatedFailure = errors.New("simulated failure")

const (
	KindSimulated = "simulated"
	KindCommand   = "command"
)

// Config selects and configures an executor.
type Config struct {
	Kind              string
	SimulatedDuration time.Duration            // default sleep for Simulated
	Durations         map[string]time.Duration // per task type overrides
	FailTypes         []string                 // task types Simulated fails
	Command           string                   // shell command for Command
	Timeout           time.Duration            // per-attempt bound; 0 = none
	RetryDelay        time.Duration            // pause between healing retries
}

// DefaultConfig returns executor defaults.
func DefaultConfig() Config {
	return Config{
		Kind:              KindSimulated,
		SimulatedDuration: 500 * time.Millisecond,
		RetryDelay:        time.Second,
	}
}

// New builds the configured executor, wrapped in the healing policy.
func New(cfg Config, log zerolog.Logger) (*Healing, error) {
	var inner domain.Executor
	switch strings.ToLower(cfg.Kind) {
	case "", KindSimulated:
		inner = NewSimulated(cfg)
	case KindCommand:
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("executor: kind %q needs a command", cfg.Kind)
		}
		inner = &Command{Script: cfg.Command, Timeout: cfg.Timeout, Log: log}
	default:
		return nil, fmt.Errorf("executor: unknown kind %q", cfg.Kind)
	}
	return NewHealing(inner, cfg.RetryDelay, log), nil
}

// ─── Simulated ──────────────────────────────────────────────────────────────

// Simulated sleeps instead of doing work.
type Simulated struct {
	Default   time.Duration
	Durations map[string]time.Duration
	fail      map[string]bool
}

// NewSimulated creates a simulated executor from cfg.
func NewSimulated(cfg Config) *Simulated {
	s := &Simulated{
		Default:   cfg.SimulatedDuration,
		Durations: cfg.Durations,
		fail:      make(map[string]bool, len(cfg.FailTypes)),
	}
	for _, t := range cfg.FailTypes {
		s.fail[t] = true
	}
	return s
}

// Execute implements domain.Executor.
func (s *Simulated) Execute(ctx context.Context, job domain.Job) error {
	d, ok := s.Durations[job.Task.Type]
	if !ok {
		d = s.Default
	}
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if s.fail[job.Task.Type] {
		return fmt.Errorf("%s: %w", job.Task.Type, ErrSimulatedFailure)
	}
	return nil
}
