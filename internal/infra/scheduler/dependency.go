package scheduler

import (
	"fmt"
	"strings"

	"github.com/industriverse/chronos/internal/domain"
)

// ─── Dependency Resolution ──────────────────────────────────────────────────

// TaskLookup is the read side of the task store used for dependency checks.
type TaskLookup interface {
	GetTasks(ids []string) (map[string]domain.Task, error)
}

// Readiness describes why a task can or cannot run yet.
type Readiness struct {
	Ready   bool
	Waiting []string // known dependencies that are not COMPLETED
	Missing []string // dependency ids with no task behind them
}

// Err is nil when ready, otherwise wraps domain.ErrDependencyUnsatisfied.
func (r Readiness) Err() error {
	if r.Ready {
		return nil
	}
	var parts []string
	if len(r.Waiting) > 0 {
		parts = append(parts, "waiting on "+strings.Join(r.Waiting, ","))
	}
	if len(r.Missing) > 0 {
		parts = append(parts, "unknown "+strings.Join(r.Missing, ","))
	}
	return fmt.Errorf("%w: %s", domain.ErrDependencyUnsatisfied, strings.Join(parts, "; "))
}

// DependencyResolver decides whether a task's dependencies are satisfied.
type DependencyResolver struct {
	store TaskLookup
}

// NewDependencyResolver creates a resolver over store.
func NewDependencyResolver(store TaskLookup) *DependencyResolver {
	return &DependencyResolver{store: store}
}

// Check reports readiness: a task is ready iff every dependency id names an
// existing COMPLETED task. Unknown ids leave the task not ready, never an
// error; the returned error is a store failure.
func (r *DependencyResolver) Check(task domain.Task) (Readiness, error) {
	if len(task.Dependencies) == 0 {
		return Readiness{Ready: true}, nil
	}
	found, err := r.store.GetTasks(task.Dependencies)
	if err != nil {
		return Readiness{}, fmt.Errorf("load dependencies of %s: %w", task.ID, err)
	}

	var rd Readiness
	for _, id := range task.Dependencies {
		dep, ok := found[id]
		switch {
		case !ok:
			rd.Missing = append(rd.Missing, id)
		case dep.Status != domain.TaskCompleted:
			rd.Waiting = append(rd.Waiting, id)
		}
	}
	rd.Ready = len(rd.Waiting) == 0 && len(rd.Missing) == 0
	return rd, nil
}

// IsReady is Check without the detail.
func (r *DependencyResolver) IsReady(task domain.Task) (bool, error) {
	rd, err := r.Check(task)
	return rd.Ready, err
}
