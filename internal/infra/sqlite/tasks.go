package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/industriverse/chronos/internal/domain"
)

// ─── Task Repository ────────────────────────────────────────────────────────
// DB implements domain.TaskStore.

var _ domain.TaskStore = (*DB)(nil)

const taskColumns = `id, rowid, name, type, status, dependencies, capsule_source, eligible_at,
	priority, negentropy, max_bid, hydration_cost, healing_policy, log,
	created_at, started_at, completed_at, defer_count, attempts, lease_expires_at`

// UpsertTask inserts a new task or replaces an existing task's definition.
// New tasks default to PENDING. Replacing a task never changes its status,
// log, counters or insertion order, so an upsert cannot move a task backward.
func (d *DB) UpsertTask(task domain.Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("%w: empty id", domain.ErrInvalidTask)
	}
	if task.Name == "" {
		task.Name = task.ID
	}
	deps, err := json.Marshal(normalizeDeps(task.Dependencies))
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}

	now := d.now()
	if task.EligibleAt.IsZero() {
		task.EligibleAt = now
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	status := task.Status
	if status == "" {
		status = domain.TaskPending
	}

	_, err = d.db.Exec(
		`INSERT INTO tasks (id, name, type, status, dependencies, capsule_source, eligible_at,
			priority, negentropy, max_bid, hydration_cost, healing_policy, log, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			type=excluded.type,
			dependencies=excluded.dependencies,
			capsule_source=excluded.capsule_source,
			eligible_at=excluded.eligible_at,
			priority=excluded.priority,
			negentropy=excluded.negentropy,
			max_bid=excluded.max_bid,
			hydration_cost=excluded.hydration_cost,
			healing_policy=excluded.healing_policy`,
		task.ID, task.Name, task.Type, string(status), string(deps), task.CapsuleSource,
		toMillis(task.EligibleAt), int(task.Priority), task.NegentropyValue, task.MaxBidPrice,
		task.HydrationCostEstimate, task.HealingPolicy, task.Log, toMillis(task.CreatedAt),
	)
	if err != nil {
		return persistErr("upsert task "+task.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns domain.ErrTaskNotFound if absent.
func (d *DB) GetTask(id string) (*domain.Task, error) {
	row := d.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrTaskNotFound)
	}
	if err != nil {
		return nil, persistErr("get task "+id, err)
	}
	return t, nil
}

// GetTasks returns the subset of ids that exist, keyed by ID.
func (d *DB) GetTasks(ids []string) (map[string]domain.Task, error) {
	found := make(map[string]domain.Task, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := d.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, persistErr("get tasks", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, persistErr("scan task", err)
		}
		found[t.ID] = *t
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("get tasks", err)
	}
	return found, nil
}

// ListReady returns PENDING tasks whose eligible time has passed, ordered
// by priority and then insertion order. Dependencies are not consulted.
func (d *DB) ListReady(now time.Time) ([]domain.Task, error) {
	rows, err := d.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND eligible_at <= ?
		 ORDER BY priority ASC, rowid ASC`,
		string(domain.TaskPending), toMillis(now),
	)
	if err != nil {
		return nil, persistErr("list ready", err)
	}
	return collectTasks(rows)
}

// ListTasks returns tasks filtered by status ("" for all), oldest first.
func (d *DB) ListTasks(status domain.TaskStatus, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = d.db.Query(`SELECT `+taskColumns+` FROM tasks ORDER BY rowid ASC LIMIT ?`, limit)
	} else {
		rows, err = d.db.Query(
			`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY rowid ASC LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, persistErr("list tasks", err)
	}
	return collectTasks(rows)
}

// CountByStatus returns the number of tasks in each status.
func (d *DB) CountByStatus() (map[domain.TaskStatus]int, error) {
	rows, err := d.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, persistErr("count tasks", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, persistErr("count tasks", err)
		}
		counts[domain.TaskStatus(s)] = n
	}
	return counts, rows.Err()
}

// SetStatus transitions a task and appends line to its log.
// Illegal transitions return domain.ErrInvalidTransition and change nothing.
func (d *DB) SetStatus(id string, status domain.TaskStatus, line string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return persistErr("begin set status", err)
	}
	defer tx.Rollback()

	var current, log string
	err = tx.QueryRow(`SELECT status, log FROM tasks WHERE id = ?`, id).Scan(&current, &log)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, domain.ErrTaskNotFound)
	}
	if err != nil {
		return persistErr("read status "+id, err)
	}
	from := domain.TaskStatus(current)
	if !domain.CanTransition(from, status) {
		return fmt.Errorf("%s: %s → %s: %w", id, from, status, domain.ErrInvalidTransition)
	}

	now := toMillis(d.now())
	log = domain.AppendLog(log, line)
	switch status {
	case domain.TaskRunning:
		_, err = tx.Exec(`UPDATE tasks SET status = ?, log = ?, started_at = ? WHERE id = ?`,
			string(status), log, now, id)
	default:
		_, err = tx.Exec(
			`UPDATE tasks SET status = ?, log = ?, completed_at = ?, lease_expires_at = NULL WHERE id = ?`,
			string(status), log, now, id)
	}
	if err != nil {
		return persistErr("update status "+id, err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit status "+id, err)
	}
	return nil
}

// FinishRun records the outcome of the run that started at attempt. It
// refuses with ErrStaleRun when the task is no longer RUNNING under that
// attempt, so a late executor result cannot settle a task that lease
// recovery already requeued.
func (d *DB) FinishRun(id string, attempt int, status domain.TaskStatus, line string) error {
	if status != domain.TaskCompleted && status != domain.TaskFailed {
		return fmt.Errorf("%s: finish as %s: %w", id, status, domain.ErrInvalidTransition)
	}
	tx, err := d.db.Begin()
	if err != nil {
		return persistErr("begin finish run", err)
	}
	defer tx.Rollback()

	var current, log string
	var attempts int
	err = tx.QueryRow(`SELECT status, attempts, log FROM tasks WHERE id = ?`, id).Scan(&current, &attempts, &log)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, domain.ErrTaskNotFound)
	}
	if err != nil {
		return persistErr("read run "+id, err)
	}
	if domain.TaskStatus(current) != domain.TaskRunning || attempts != attempt {
		return fmt.Errorf("%s: attempt %d finished but task is %s at attempt %d: %w",
			id, attempt, current, attempts, domain.ErrStaleRun)
	}

	_, err = tx.Exec(
		`UPDATE tasks SET status = ?, log = ?, completed_at = ?, lease_expires_at = NULL WHERE id = ?`,
		string(status), domain.AppendLog(log, line), toMillis(d.now()), id)
	if err != nil {
		return persistErr("finish run "+id, err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit finish run "+id, err)
	}
	return nil
}

// Defer records an admission deferral: the task stays PENDING, becomes
// eligible again at until, and its defer counter grows.
func (d *DB) Defer(id string, until time.Time, reason string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return persistErr("begin defer", err)
	}
	defer tx.Rollback()

	var status, log string
	err = tx.QueryRow(`SELECT status, log FROM tasks WHERE id = ?`, id).Scan(&status, &log)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, domain.ErrTaskNotFound)
	}
	if err != nil {
		return persistErr("read task "+id, err)
	}
	if domain.TaskStatus(status) != domain.TaskPending {
		return fmt.Errorf("%s: defer from %s: %w", id, status, domain.ErrInvalidTransition)
	}

	_, err = tx.Exec(
		`UPDATE tasks SET eligible_at = ?, defer_count = defer_count + 1, log = ? WHERE id = ?`,
		toMillis(until), domain.AppendLog(log, reason), id)
	if err != nil {
		return persistErr("defer "+id, err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit defer "+id, err)
	}
	return nil
}

// RenewLease extends the lease of a RUNNING task.
func (d *DB) RenewLease(id string, until time.Time) error {
	res, err := d.db.Exec(
		`UPDATE tasks SET lease_expires_at = ? WHERE id = ? AND status = ?`,
		toMillis(until), id, string(domain.TaskRunning))
	if err != nil {
		return persistErr("renew lease "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: lease renewal on non-running task: %w", id, domain.ErrInvalidTransition)
	}
	return nil
}

// RequeueExpired returns RUNNING tasks whose lease has lapsed (or was never
// granted) to PENDING. This recovery path is the only way a task moves
// backward; SetStatus never does.
func (d *DB) RequeueExpired(now time.Time) ([]string, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, persistErr("begin requeue", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, log FROM tasks
		 WHERE status = ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)
		 ORDER BY rowid ASC`,
		string(domain.TaskRunning), toMillis(now))
	if err != nil {
		return nil, persistErr("query expired leases", err)
	}
	type expired struct{ id, log string }
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.log); err != nil {
			rows.Close()
			return nil, persistErr("scan expired lease", err)
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, persistErr("query expired leases", err)
	}

	ids := make([]string, 0, len(found))
	for _, e := range found {
		line := fmt.Sprintf("lease expired at %s; requeued", now.UTC().Format(time.RFC3339))
		_, err := tx.Exec(
			`UPDATE tasks SET status = ?, log = ?, attempts = attempts + 1,
				lease_expires_at = NULL, started_at = NULL, eligible_at = ?
			 WHERE id = ?`,
			string(domain.TaskPending), domain.AppendLog(e.log, line), toMillis(now), e.id)
		if err != nil {
			return nil, persistErr("requeue "+e.id, err)
		}
		ids = append(ids, e.id)
	}
	if err := tx.Commit(); err != nil {
		return nil, persistErr("commit requeue", err)
	}
	return ids, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, persistErr("scan task", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate tasks", err)
	}
	return tasks, nil
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var status, deps string
	var priority int
	var eligibleAt, createdAt int64
	var startedAt, completedAt, leaseAt sql.NullInt64

	err := s.Scan(&t.ID, &t.Seq, &t.Name, &t.Type, &status, &deps, &t.CapsuleSource, &eligibleAt,
		&priority, &t.NegentropyValue, &t.MaxBidPrice, &t.HydrationCostEstimate, &t.HealingPolicy, &t.Log,
		&createdAt, &startedAt, &completedAt, &t.DeferCount, &t.Attempts, &leaseAt)
	if err != nil {
		return nil, err
	}

	t.Status = domain.TaskStatus(status)
	t.Priority = domain.Priority(priority)
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies of %s: %w", t.ID, err)
	}
	t.EligibleAt = fromMillis(eligibleAt)
	t.CreatedAt = fromMillis(createdAt)
	t.StartedAt = fromNullMillis(startedAt)
	t.CompletedAt = fromNullMillis(completedAt)
	t.LeaseExpiresAt = fromNullMillis(leaseAt)
	return &t, nil
}

// normalizeDeps drops blanks and duplicates while keeping order.
func normalizeDeps(deps []string) []string {
	out := make([]string, 0, len(deps))
	seen := make(map[string]bool, len(deps))
	for _, dep := range deps {
		dep = strings.TrimSpace(dep)
		if dep == "" || seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
	}
	return out
}
