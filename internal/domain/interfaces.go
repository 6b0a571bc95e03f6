package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// TaskStore is the durable record of tasks. Implemented by infra/sqlite.DB.
// Every mutation must be durable before the call returns.
type TaskStore interface {
	// UpsertTask inserts or replaces a task definition keyed by ID.
	UpsertTask(task Task) error

	// GetTask returns the task or ErrTaskNotFound.
	GetTask(id string) (*Task, error)

	// GetTasks returns the tasks that exist among ids, keyed by ID.
	GetTasks(ids []string) (map[string]Task, error)

	// ListReady returns PENDING tasks eligible at now, priority-then-insertion order.
	ListReady(now time.Time) ([]Task, error)

	// SetStatus is the single mutation point for status transitions.
	SetStatus(id string, status TaskStatus, log string) error

	// FinishRun settles the RUNNING task's current attempt as COMPLETED or
	// FAILED, or returns ErrStaleRun if that attempt was already requeued.
	FinishRun(id string, attempt int, status TaskStatus, log string) error

	// Defer pushes a PENDING task's eligibility out to until.
	Defer(id string, until time.Time, reason string) error

	// RenewLease extends a RUNNING task's lease.
	RenewLease(id string, until time.Time) error

	// RequeueExpired moves RUNNING tasks with lapsed leases back to PENDING.
	RequeueExpired(now time.Time) ([]string, error)
}

// PriceSource supplies the live exogenous price in $/kWh.
type PriceSource interface {
	CurrentPrice(ctx context.Context) (float64, error)
}

// PriceFunc adapts a plain function to PriceSource.
type PriceFunc func(ctx context.Context) (float64, error)

// CurrentPrice implements PriceSource.
func (f PriceFunc) CurrentPrice(ctx context.Context) (float64, error) { return f(ctx) }

// Job is what the scheduler hands to an Executor.
type Job struct {
	Task         Task
	ArtifactPath string // "" when the task has no capsule source
}

// Executor runs admitted tasks. A nil error means success.
// Cancellation of a running job is the executor's responsibility.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// CapsuleRegistry maps (dac, service) to a storage location and its proof.
type CapsuleRegistry interface {
	Lookup(ctx context.Context, dacID, service string) (RegistryEntry, error)
}

// ProofVerifier checks that a registry entry is authentic for a capsule.
// Any doubt must be reported as false.
type ProofVerifier interface {
	VerifyProof(ref CapsuleRef, entry RegistryEntry) bool
}
