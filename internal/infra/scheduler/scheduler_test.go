package scheduler

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/industriverse/chronos/internal/app/admission"
	"github.com/industriverse/chronos/internal/app/market"
	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/infra/capsule"
	"github.com/industriverse/chronos/internal/infra/hydrator"
	"github.com/industriverse/chronos/internal/infra/pricing"
	"github.com/industriverse/chronos/internal/infra/sqlite"
	"github.com/industriverse/chronos/internal/security"
)

// ─── Fixtures ───────────────────────────────────────────────────────────────

type fakeExecutor struct {
	mu   sync.Mutex
	jobs []domain.Job
	fail map[string]error
}

func (e *fakeExecutor) Execute(_ context.Context, job domain.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return e.fail[job.Task.ID]
}

func (e *fakeExecutor) Jobs() []domain.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Job(nil), e.jobs...)
}

type harness struct {
	db    *sqlite.DB
	feed  *market.Feed
	exec  *fakeExecutor
	sched *Scheduler
	kp    *security.Keypair
	reg   *capsule.MemoryRegistry
	res   *capsule.Resolver
	hyd   *hydrator.Hydrator
}

func newHarness(t *testing.T, price domain.PriceSource) *harness {
	t.Helper()
	home := t.TempDir()
	db, err := sqlite.Open(home)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	feed, err := market.NewFeed(db, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFeed() error: %v", err)
	}

	kp, _ := security.GenerateKeypair()
	ring := security.NewKeyRing()
	ring.Trust("dac-key", kp.Public)
	reg := capsule.NewMemoryRegistry()
	resolver := capsule.NewResolver(reg, ring, zerolog.Nop())

	hyd, err := hydrator.New(hydrator.DefaultConfig(filepath.Join(home, "cache")), zerolog.Nop())
	if err != nil {
		t.Fatalf("hydrator.New() error: %v", err)
	}

	exec := &fakeExecutor{fail: map[string]error{}}
	cfg := DefaultConfig()
	cfg.Backoff = BackoffConfig{BaseDelay: time.Minute, MaxDelay: time.Hour}

	sched := New(cfg, Deps{
		Store:    db,
		Admitter: admission.New(admission.Config{}, HydrationCost(resolver, hyd), zerolog.Nop()),
		Price:    price,
		Market:   feed,
		Capsules: resolver,
		Hydrator: hyd,
		Executor: exec,
		Log:      zerolog.Nop(),
	})
	return &harness{db: db, feed: feed, exec: exec, sched: sched, kp: kp, reg: reg, res: resolver, hyd: hyd}
}

func (h *harness) add(t *testing.T, task domain.Task) {
	t.Helper()
	if task.Name == "" {
		task.Name = task.ID
	}
	if task.Type == "" {
		task.Type = "simulation"
	}
	if err := h.db.UpsertTask(task); err != nil {
		t.Fatalf("UpsertTask(%s) error: %v", task.ID, err)
	}
}

func (h *harness) tick(t *testing.T) Report {
	t.Helper()
	rep, err := h.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	h.sched.Wait()
	return rep
}

func (h *harness) status(t *testing.T, id string) domain.TaskStatus {
	t.Helper()
	task, err := h.db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask(%s) error: %v", id, err)
	}
	return task.Status
}

// registerCapsule signs and registers a capsule whose artifact is a local file.
func (h *harness) registerCapsule(t *testing.T, dac, service, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), service+".bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	h.reg.Register(h.kp.SignEntry("dac-key", domain.RegistryEntry{
		DACID: dac, Service: service, Location: "file://" + path,
	}))
	return path
}

// ─── Dependencies ───────────────────────────────────────────────────────────

func TestTick_DependencyChain(t *testing.T) {
	h := newHarness(t, pricing.Static(0.10))
	h.add(t, domain.Task{ID: "ingest", Priority: domain.PriorityNormal, MaxBidPrice: 1})
	h.add(t, domain.Task{ID: "sim", Priority: domain.PriorityNormal, MaxBidPrice: 1, Dependencies: []string{"ingest"}})
	h.add(t, domain.Task{ID: "audit", Priority: domain.PriorityNormal, MaxBidPrice: 1, Dependencies: []string{"sim"}})

	steps := []map[string]domain.TaskStatus{
		{"ingest": domain.TaskCompleted, "sim": domain.TaskPending, "audit": domain.TaskPending},
		{"ingest": domain.TaskCompleted, "sim": domain.TaskCompleted, "audit": domain.TaskPending},
		{"ingest": domain.TaskCompleted, "sim": domain.TaskCompleted, "audit": domain.TaskCompleted},
	}
	for i, want := range steps {
		rep := h.tick(t)
		if rep.Dispatched != 1 {
			t.Errorf("tick %d: dispatched = %d, want 1", i+1, rep.Dispatched)
		}
		for id, st := range want {
			if got := h.status(t, id); got != st {
				t.Errorf("tick %d: %s = %s, want %s", i+1, id, got, st)
			}
		}
	}
}

func TestTick_UnknownDependencyStaysPending(t *testing.T) {
	h := newHarness(t, pricing.Static(0.10))
	h.add(t, domain.Task{ID: "orphan", MaxBidPrice: 1, Priority: domain.PriorityCritical, Dependencies: []string{"ghost"}})

	rep := h.tick(t)
	if rep.Blocked != 1 || rep.Dispatched != 0 {
		t.Errorf("report = %+v, want 1 blocked and nothing dispatched", rep)
	}
	if got := h.status(t, "orphan"); got != domain.TaskPending {
		t.Errorf("orphan = %s, want PENDING", got)
	}
}

func TestDependencyResolver_Check(t *testing.T) {
	h := newHarness(t, pricing.Static(0.10))
	h.add(t, domain.Task{ID: "done", Status: domain.TaskCompleted})
	h.add(t, domain.Task{ID: "busy", Status: domain.TaskRunning})

	r := NewDependencyResolver(h.db)
	rd, err := r.Check(domain.Task{ID: "t", Dependencies: []string{"done", "busy", "ghost"}})
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if rd.Ready {
		t.Error("Ready = true, want false")
	}
	if len(rd.Waiting) != 1 || rd.Waiting[0] != "busy" {
		t.Errorf("Waiting = %v, want [busy]", rd.Waiting)
	}
	if len(rd.Missing) != 1 || rd.Missing[0] != "ghost" {
		t.Errorf("Missing = %v, want [ghost]", rd.Missing)
	}
	if !errors.Is(rd.Err(), domain.ErrDependencyUnsatisfied) {
		t.Errorf("Err() = %v, want ErrDependencyUnsatisfied", rd.Err())
	}

	ok, _ := r.IsReady(domain.Task{ID: "t", Dependencies: []string{"done"}})
	if !ok {
		t.Error("IsReady() with completed dependency = false, want true")
	}
	ok, _ = r.IsReady(domain.Task{ID: "t"})
	if !ok {
		t.Error("IsReady() with no dependencies = false, want true")
	}
}

// ─── Admission ──────────────────────────────────────────────────────────────

func TestTick_CriticalBypassesPrice(t *testing.T) {
	h := newHarness(t, pricing.Static(0.30))
	h.add(t, domain.Task{ID: "critical", Priority: domain.PriorityCritical, MaxBidPrice: 0.05})
	h.add(t, domain.Task{ID: "normal", Priority: domain.PriorityNormal, MaxBidPrice: 0.05})

	before := time.Now()
	rep := h.tick(t)
	if rep.Dispatched != 1 || rep.Deferred != 1 {
		t.Errorf("report = %+v, want 1 dispatched, 1 deferred", rep)
	}
	if got := h.status(t, "critical"); got != domain.TaskCompleted {
		t.Errorf("critical = %s, want COMPLETED", got)
	}

	normal, _ := h.db.GetTask("normal")
	if normal.Status != domain.TaskPending || normal.DeferCount != 1 {
		t.Errorf("normal = %s defer_count=%d, want PENDING 1", normal.Status, normal.DeferCount)
	}
	if normal.EligibleAt.Before(before.Add(59 * time.Second)) {
		t.Errorf("EligibleAt = %v, want about one minute out", normal.EligibleAt)
	}

	// Deferred task is not a candidate until its backoff elapses.
	if rep := h.tick(t); rep.Candidates != 0 {
		t.Errorf("second tick candidates = %d, want 0", rep.Candidates)
	}
}

func TestTick_PriceUnavailableDefers(t *testing.T) {
	down := domain.PriceFunc(func(context.Context) (float64, error) { return 0, errors.New("feed down") })
	h := newHarness(t, down)
	h.add(t, domain.Task{ID: "critical", Priority: domain.PriorityCritical, MaxBidPrice: 0.05})
	h.add(t, domain.Task{ID: "rich", Priority: domain.PriorityHigh, MaxBidPrice: 100})

	rep := h.tick(t)
	if rep.PriceKnown {
		t.Error("PriceKnown = true, want false")
	}
	if got := h.status(t, "rich"); got != domain.TaskPending {
		t.Errorf("rich = %s, want PENDING (unknown price must defer)", got)
	}
	if got := h.status(t, "critical"); got != domain.TaskCompleted {
		t.Errorf("critical = %s, want COMPLETED", got)
	}
	if trades, _ := h.feed.Trades(10); len(trades) != 0 {
		t.Errorf("trades = %d, want 0 when price is unknown", len(trades))
	}
}

func TestTick_PriceTimeoutDefers(t *testing.T) {
	slow := domain.PriceFunc(func(ctx context.Context) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	h := newHarness(t, slow)
	h.sched.cfg.PriceTimeout = 20 * time.Millisecond
	h.add(t, domain.Task{ID: "t", Priority: domain.PriorityNormal, MaxBidPrice: 100})

	rep := h.tick(t)
	if rep.Deferred != 1 {
		t.Errorf("deferred = %d, want 1", rep.Deferred)
	}
}

func TestTick_PriceTimeoutBoundsSourceIgnoringContext(t *testing.T) {
	stubborn := domain.PriceFunc(func(context.Context) (float64, error) {
		time.Sleep(1500 * time.Millisecond)
		return 0.01, nil
	})
	h := newHarness(t, stubborn)
	h.sched.cfg.PriceTimeout = 20 * time.Millisecond
	h.add(t, domain.Task{ID: "t", Priority: domain.PriorityNormal, MaxBidPrice: 100})

	start := time.Now()
	rep := h.tick(t)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("tick took %v, want it bounded by the price timeout", elapsed)
	}
	if rep.PriceKnown {
		t.Error("PriceKnown = true, want the late answer dropped")
	}
	if rep.Deferred != 1 {
		t.Errorf("deferred = %d, want 1", rep.Deferred)
	}
	if got := h.status(t, "t"); got != domain.TaskPending {
		t.Errorf("t = %s, want PENDING", got)
	}
}

// ─── Capsules ───────────────────────────────────────────────────────────────

func TestTick_HydratesCapsule(t *testing.T) {
	h := newHarness(t, pricing.Static(0.10))
	h.registerCapsule(t, "industriverse-dac", "welding-sim", "weld")
	h.add(t, domain.Task{
		ID: "weld", Priority: domain.PriorityNormal, MaxBidPrice: 0.5,
		CapsuleSource: "capsule://industriverse-dac/welding-sim:v2.1",
	})

	h.tick(t)
	if got := h.status(t, "weld"); got != domain.TaskCompleted {
		t.Fatalf("weld = %s, want COMPLETED", got)
	}
	jobs := h.exec.Jobs()
	if len(jobs) != 1 || jobs[0].ArtifactPath == "" {
		t.Fatalf("jobs = %+v, want one job with an artifact", jobs)
	}
	data, err := os.ReadFile(jobs[0].ArtifactPath)
	if err != nil || string(data) != "weld" {
		t.Errorf("artifact = %q, %v; want weld", data, err)
	}
}

func TestTick_ArtifactPinnedWhileRunning(t *testing.T) {
	h := newHarness(t, pricing.Static(0.10))
	path := h.registerCapsule(t, "industriverse-dac", "welding-sim", "weld")
	key := hydrator.Key("file://" + path)
	block := make(chan struct{})
	h.sched.exec = blockingExecutor(block)
	h.add(t, domain.Task{
		ID: "weld", Priority: domain.PriorityNormal, MaxBidPrice: 0.5,
		CapsuleSource: "capsule://industriverse-dac/welding-sim:v2.1",
	})

	if _, err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if !h.hyd.Pinned(key) {
		t.Error("artifact should be pinned while the task runs")
	}
	if err := h.hyd.Remove(key); !errors.Is(err, domain.ErrCacheEntryInUse) {
		t.Errorf("Remove(running artifact) = %v, want ErrCacheEntryInUse", err)
	}

	close(block)
	h.sched.Wait()
	if h.hyd.Pinned(key) {
		t.Error("artifact should be released once the task finishes")
	}
}

func TestHydrationCost_KeepsLargerOfDeclaredAndEstimate(t *testing.T) {
	h := newHarness(t, pricing.Static(0.10))
	h.registerCapsule(t, "dac", "sim", "x")
	cost := HydrationCost(h.res, h.hyd)
	ctx := context.Background()

	declared := domain.Task{ID: "d", CapsuleSource: "capsule://dac/sim", HydrationCostEstimate: 0.3}
	if got := cost(ctx, declared); got != 0.3 {
		t.Errorf("cost with declared 0.3 and file estimate 0 = %v, want 0.3", got)
	}

	undeclared := domain.Task{ID: "u", CapsuleSource: "capsule://dac/sim"}
	if got := cost(ctx, undeclared); got != 0 {
		t.Errorf("cost with nothing declared = %v, want 0", got)
	}

	unresolvable := domain.Task{ID: "x", CapsuleSource: "capsule://dac/missing", HydrationCostEstimate: 0.07}
	if got := cost(ctx, unresolvable); got != 0.07 {
		t.Errorf("cost when resolve fails = %v, want declared 0.07", got)
	}
}

func TestTick_CapsuleFailureDoesNotBlockTick(t *testing.T) {
	h := newHarness(t, pricing.Static(0.10))
	h.registerCapsule(t, "dac", "tampered", "x")
	e, _ := h.reg.Lookup(context.Background(), "dac", "tampered")
	e.Location = "file:///etc/passwd"
	h.reg.Register(e)

	h.add(t, domain.Task{ID: "unknown", Priority: domain.PriorityHigh, MaxBidPrice: 1, CapsuleSource: "capsule://dac/nothing"})
	h.add(t, domain.Task{ID: "forged", Priority: domain.PriorityHigh, MaxBidPrice: 1, CapsuleSource: "capsule://dac/tampered"})
	h.add(t, domain.Task{ID: "plain", Priority: domain.PriorityNormal, MaxBidPrice: 1})

	rep := h.tick(t)
	if rep.Failed != 2 || rep.Dispatched != 1 {
		t.Errorf("report = %+v, want 2 failed, 1 dispatched", rep)
	}
	for id, want := range map[string]domain.TaskStatus{
		"unknown": domain.TaskFailed,
		"forged":  domain.TaskFailed,
		"plain":   domain.TaskCompleted,
	} {
		if got := h.status(t, id); got != want {
			t.Errorf("%s = %s, want %s", id, got, want)
		}
	}
	forged, _ := h.db.GetTask("forged")
	if forged.Log == "" {
		t.Error("failed task should carry the failure reason in its log")
	}
}

// ─── Completion ─────────────────────────────────────────────────────────────

func TestTick_RecordsTrades(t *testing.T) {
	h := newHarness(t, pricing.Static(0.10))
	h.add(t, domain.Task{ID: "win", Priority: domain.PriorityNormal, MaxBidPrice: 0.20})
	h.add(t, domain.Task{ID: "lose", Priority: domain.PriorityNormal, MaxBidPrice: 0.20})
	h.exec.fail["lose"] = errors.New("segfault")

	h.tick(t)
	if got := h.status(t, "lose"); got != domain.TaskFailed {
		t.Errorf("lose = %s, want FAILED", got)
	}

	bal, _ := h.feed.Balance()
	// win: 0.20 - 0.10; lose: -0.10
	if math.Abs(bal-0.0) > 1e-9 {
		t.Errorf("balance = %v, want 0", bal)
	}
	trades, _ := h.feed.Trades(10)
	if len(trades) != 2 {
		t.Errorf("trades = %d, want 2", len(trades))
	}
}

func TestTick_RequeuesExpiredLease(t *testing.T) {
	h := newHarness(t, pricing.Static(0.10))
	h.add(t, domain.Task{ID: "orphan", Priority: domain.PriorityNormal, MaxBidPrice: 1})
	if err := h.db.SetStatus("orphan", domain.TaskRunning, "picked up before crash"); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	h.sched.now = func() time.Time { return later }

	rep := h.tick(t)
	if rep.Requeued != 1 {
		t.Errorf("requeued = %d, want 1", rep.Requeued)
	}
	task, _ := h.db.GetTask("orphan")
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", task.Attempts)
	}
	if task.Status != domain.TaskCompleted {
		t.Errorf("status = %s, want COMPLETED after requeue and rerun", task.Status)
	}
}

func TestTick_LateResultOfRequeuedRunIsDiscarded(t *testing.T) {
	h := newHarness(t, pricing.Static(0.10))
	block := make(chan struct{})
	h.sched.exec = failingAfter(block)
	h.add(t, domain.Task{ID: "slow", Priority: domain.PriorityNormal, MaxBidPrice: 1})

	if _, err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	// Lease recovery takes the task back while the first run is still busy.
	ids, err := h.db.RequeueExpired(time.Now().Add(time.Hour))
	if err != nil || len(ids) != 1 {
		t.Fatalf("RequeueExpired() = %v, %v; want [slow]", ids, err)
	}

	close(block)
	h.sched.Wait()

	task, _ := h.db.GetTask("slow")
	if task.Status != domain.TaskPending {
		t.Errorf("status = %s, want PENDING (stale failure must not settle it)", task.Status)
	}
	if trades, _ := h.feed.Trades(10); len(trades) != 0 {
		t.Errorf("trades = %d, want 0 for a discarded run", len(trades))
	}
}

// failingAfter blocks until the channel closes, then fails.
type failingAfter chan struct{}

func (f failingAfter) Execute(ctx context.Context, _ domain.Job) error {
	<-f
	return errors.New("crashed")
}

func TestTick_SaturatedLeavesPending(t *testing.T) {
	h := newHarness(t, pricing.Static(0.10))
	block := make(chan struct{})
	h.sched.exec = blockingExecutor(block)
	h.sched.slots = make(chan struct{}, 1)

	h.add(t, domain.Task{ID: "first", Priority: domain.PriorityHigh, MaxBidPrice: 1})
	h.add(t, domain.Task{ID: "second", Priority: domain.PriorityNormal, MaxBidPrice: 1})

	rep, err := h.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if rep.Dispatched != 1 || rep.Saturated != 1 {
		t.Errorf("report = %+v, want 1 dispatched, 1 saturated", rep)
	}
	if got := h.status(t, "second"); got != domain.TaskPending {
		t.Errorf("second = %s, want PENDING", got)
	}
	close(block)
	h.sched.Wait()
}

type blockingExecutor chan struct{}

func (b blockingExecutor) Execute(ctx context.Context, _ domain.Job) error {
	<-b
	return nil
}

// ─── Backoff ────────────────────────────────────────────────────────────────

func TestBackoffDelay(t *testing.T) {
	c := BackoffConfig{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	tests := []struct {
		defers int
		want   time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := c.Delay(tt.defers); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.defers, got, tt.want)
		}
	}
	if got := (BackoffConfig{}).Delay(3); got != 0 {
		t.Errorf("zero config Delay = %v, want 0", got)
	}
}
