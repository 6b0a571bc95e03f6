// Package domain holds the scheduler's core types, interfaces and errors.
// A Task is a unit of factory work that flows through the scheduler:
// seed → wait on dependencies → admit against price → hydrate → execute.
package domain

import (
	"strings"
	"time"
)

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// CanTransition reports whether from → to is a legal forward transition.
// PENDING → RUNNING → {COMPLETED, FAILED}. Nothing moves backward.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskFailed
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed
	default:
		return false
	}
}

// ParseTaskStatus accepts any case; unknown values return "".
func ParseTaskStatus(s string) TaskStatus {
	switch st := TaskStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return st
	}
	return ""
}

// Priority orders tasks within a tick. Lower rank runs first.
type Priority int

const (
	PriorityCritical Priority = 0 // never price-gated
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// String returns the label used in logs, config and the database.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority converts a label to a Priority. Unknown labels map to NORMAL.
func ParsePriority(s string) Priority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Task is one schedulable unit of factory work.
type Task struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name" yaml:"name"`
	Type          string     `json:"type" yaml:"type"`
	Status        TaskStatus `json:"status" yaml:"-"`
	Dependencies  []string   `json:"dependencies,omitempty" yaml:"dependencies"`
	CapsuleSource string     `json:"capsule_source,omitempty" yaml:"capsule_source"`
	EligibleAt    time.Time  `json:"eligible_at" yaml:"-"`
	Priority      Priority   `json:"priority" yaml:"-"`

	// Economics
	NegentropyValue       float64 `json:"negentropy_value" yaml:"negentropy_value"`
	MaxBidPrice           float64 `json:"max_bid_price" yaml:"max_bid_price"`
	HydrationCostEstimate float64 `json:"hydration_cost_estimate" yaml:"hydration_cost_estimate"`

	HealingPolicy string `json:"healing_policy,omitempty" yaml:"healing_policy"`
	Log           string `json:"log,omitempty" yaml:"-"`

	// Bookkeeping owned by the store
	Seq            int64     `json:"seq" yaml:"-"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
	StartedAt      time.Time `json:"started_at,omitempty" yaml:"-"`
	CompletedAt    time.Time `json:"completed_at,omitempty" yaml:"-"`
	DeferCount     int       `json:"defer_count" yaml:"-"`
	Attempts       int       `json:"attempts" yaml:"-"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty" yaml:"-"`
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// IsCritical reports whether the task bypasses price gating.
func (t *Task) IsCritical() bool {
	return t.Priority == PriorityCritical
}

// HasCapsule reports whether the task needs an artifact hydrated first.
func (t *Task) HasCapsule() bool {
	return t.CapsuleSource != ""
}

// Duration returns how long the task took to execute (0 if not started/completed).
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// AppendLog joins a new line onto an existing task log.
func AppendLog(existing, line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return existing
	}
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
