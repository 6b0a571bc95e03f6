// Package scheduler implements the tick loop that moves tasks from PENDING
// to RUNNING.
//
// Each tick:
//   - requeues RUNNING tasks whose lease lapsed
//   - reads the price once and builds the market context
//   - walks ready candidates in priority-then-insertion order, checking
//     dependencies, admission, capsule resolution and hydration
//   - dispatches admitted tasks to the executor on bounded worker slots
//
// One task's failure never aborts a tick. Only store failures
// (domain.ErrPersistence) escape Tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/industriverse/chronos/internal/app/admission"
	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/infra/metrics"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the scheduler.
type Config struct {
	Interval      time.Duration // tick period (driven by the daemon)
	PriceTimeout  time.Duration // bound on one price read
	Lease         time.Duration // RUNNING lease length
	Heartbeat     time.Duration // lease renewal period; Lease/3 when zero
	MaxConcurrent int           // executor slots
	Backoff       BackoffConfig
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      10 * time.Second,
		PriceTimeout:  2 * time.Second,
		Lease:         2 * time.Minute,
		MaxConcurrent: 4,
		Backoff:       DefaultBackoffConfig(),
	}
}

// ─── Collaborators ──────────────────────────────────────────────────────────

// CapsuleResolver maps a capsule URI to a verified location.
type CapsuleResolver interface {
	Resolve(ctx context.Context, uri string) (domain.CapsuleRef, error)
}

// ArtifactHydrator materialises a location into a local path that stays
// cached until release is called.
type ArtifactHydrator interface {
	Acquire(ctx context.Context, location string) (path string, release func(), err error)
	EstimateCost(location string) float64
}

// MarketFeed builds market contexts and records trade outcomes.
type MarketFeed interface {
	Context(price float64, priceErr error) domain.MarketContext
	RecordTrade(taskID, taskName string, profit float64) (domain.TradeRecord, error)
}

// Deps are the scheduler's collaborators. Capsules and Hydrator may be nil
// when no task carries a capsule source.
type Deps struct {
	Store    domain.TaskStore
	Admitter *admission.Admitter
	Price    domain.PriceSource
	Market   MarketFeed
	Capsules CapsuleResolver
	Hydrator ArtifactHydrator
	Executor domain.Executor
	Log      zerolog.Logger
}

// HydrationCost estimates a task's hydration cost for admission: the larger
// of the task's declared estimate and the hydrator's estimate for the
// resolved location (zero on a cache hit).
func HydrationCost(capsules CapsuleResolver, h ArtifactHydrator) admission.CostFunc {
	return func(ctx context.Context, task domain.Task) float64 {
		if !task.HasCapsule() || capsules == nil || h == nil {
			return task.HydrationCostEstimate
		}
		ref, err := capsules.Resolve(ctx, task.CapsuleSource)
		if err != nil {
			return task.HydrationCostEstimate
		}
		return math.Max(task.HydrationCostEstimate, h.EstimateCost(ref.Location))
	}
}

// ─── Scheduler ──────────────────────────────────────────────────────────────

// Report summarises one tick.
type Report struct {
	At         time.Time           `json:"at"`
	Price      float64             `json:"price"`
	PriceKnown bool                `json:"price_known"`
	Stance     domain.MarketStance `json:"stance,omitempty"`
	Requeued   int                 `json:"requeued"`
	Candidates int                 `json:"candidates"`
	Blocked    int                 `json:"blocked"`
	Deferred   int                 `json:"deferred"`
	Dispatched int                 `json:"dispatched"`
	Failed     int                 `json:"failed"`
	Saturated  int                 `json:"saturated"` // admitted but no free executor slot
}

// Scheduler is the tick loop. Tick must not be called concurrently with
// itself; executions run in the background.
type Scheduler struct {
	cfg      Config
	store    domain.TaskStore
	deps     *DependencyResolver
	admit    *admission.Admitter
	price    domain.PriceSource
	market   MarketFeed
	capsules CapsuleResolver
	hydrator ArtifactHydrator
	exec     domain.Executor
	log      zerolog.Logger
	now      func() time.Time

	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	fatalErr error
}

// New creates a scheduler.
func New(cfg Config, d Deps) *Scheduler {
	def := DefaultConfig()
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = def.PriceTimeout
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = cfg.Lease / 3
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	admit := d.Admitter
	if admit == nil {
		admit = admission.New(admission.Config{}, HydrationCost(d.Capsules, d.Hydrator), d.Log)
	}
	return &Scheduler{
		cfg:      cfg,
		store:    d.Store,
		deps:     NewDependencyResolver(d.Store),
		admit:    admit,
		price:    d.Price,
		market:   d.Market,
		capsules: d.Capsules,
		hydrator: d.Hydrator,
		exec:     d.Executor,
		log:      d.Log.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Tick runs one scheduling pass. The returned error wraps
// domain.ErrPersistence and should be treated as fatal.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	start := s.now()
	rep := Report{At: start}

	if err := s.Err(); err != nil {
		metrics.Ticks.WithLabelValues("error").Inc()
		return rep, err
	}

	rep, err := s.tick(ctx, rep)
	metrics.TickDuration.Observe(s.now().Sub(start).Seconds())
	if err != nil {
		metrics.Ticks.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Msg("tick aborted")
		return rep, err
	}
	metrics.Ticks.WithLabelValues("ok").Inc()

	s.log.Debug().
		Int("candidates", rep.Candidates).
		Int("dispatched", rep.Dispatched).
		Int("deferred", rep.Deferred).
		Int("blocked", rep.Blocked).
		Int("failed", rep.Failed).
		Msg("tick complete")
	return rep, nil
}

func (s *Scheduler) tick(ctx context.Context, rep Report) (Report, error) {
	now := rep.At

	requeued, err := s.store.RequeueExpired(now)
	if err != nil {
		return rep, fmt.Errorf("requeue expired leases: %w", err)
	}
	if len(requeued) > 0 {
		rep.Requeued = len(requeued)
		metrics.TasksRequeued.Add(float64(len(requeued)))
		s.log.Warn().Strs("tasks", requeued).Msg("lease expired, tasks requeued")
	}

	mc := s.marketContext(ctx)
	rep.Price, rep.PriceKnown, rep.Stance = mc.Price, mc.PriceKnown, mc.Stance

	tasks, err := s.store.ListReady(now)
	if err != nil {
		return rep, fmt.Errorf("list ready tasks: %w", err)
	}
	rep.Candidates = len(tasks)

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		if err := s.process(ctx, task, mc, now, &rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// marketContext reads the price once under the configured timeout. A
// failed or slow read yields a context with PriceKnown=false.
func (s *Scheduler) marketContext(ctx context.Context) domain.MarketContext {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PriceTimeout)
	defer cancel()

	type reading struct {
		price float64
		err   error
	}
	// Buffered so a source that ignores ctx can still finish and exit.
	ch := make(chan reading, 1)
	go func() {
		p, err := s.price.CurrentPrice(pctx)
		ch <- reading{p, err}
	}()

	var price float64
	var err error
	select {
	case r := <-ch:
		price, err = r.price, r.err
		if err == nil && pctx.Err() != nil {
			err = pctx.Err()
		}
	case <-pctx.Done():
		err = pctx.Err()
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrPriceUnavailable, err)
		s.log.Warn().Err(err).Msg("price unavailable, non-critical tasks will defer")
		return s.market.Context(0, err)
	}
	return s.market.Context(price, nil)
}

// process takes one candidate through dependencies, admission, hydration and
// dispatch. Only store failures are returned.
func (s *Scheduler) process(ctx context.Context, task domain.Task, mc domain.MarketContext, now time.Time, rep *Report) error {
	log := s.log.With().Str("task_id", task.ID).Str("task", task.Name).Logger()

	rd, err := s.deps.Check(task)
	if err != nil {
		return s.storeErr(log, err)
	}
	if !rd.Ready {
		rep.Blocked++
		if len(rd.Missing) > 0 {
			metrics.TasksBlocked.WithLabelValues("missing").Inc()
			log.Warn().Strs("missing", rd.Missing).Msg("blocked on unknown dependency")
		} else {
			metrics.TasksBlocked.WithLabelValues("waiting").Inc()
			log.Debug().Strs("waiting", rd.Waiting).Msg("dependencies not completed")
		}
		return nil
	}

	d := s.admit.Decide(ctx, task, mc)
	if d.Verdict == admission.Defer {
		rep.Deferred++
		until := now.Add(s.cfg.Backoff.Delay(task.DeferCount))
		log.Info().Str("reason", d.Reason).Time("until", until).Msg("deferred")
		return s.storeErr(log, s.store.Defer(task.ID, until, d.Reason))
	}

	select {
	case s.slots <- struct{}{}:
	default:
		rep.Saturated++
		log.Debug().Msg("executor saturated, left pending")
		return nil
	}
	release := func() { <-s.slots }

	var artifact string
	if task.HasCapsule() {
		path, unpin, err := s.prepare(ctx, task)
		if err != nil {
			release()
			rep.Failed++
			metrics.TasksFailed.WithLabelValues(task.Type, failureReason(err)).Inc()
			log.Error().Err(err).Str("capsule", task.CapsuleSource).Msg("capsule preparation failed")
			return s.storeErr(log, s.store.SetStatus(task.ID, domain.TaskFailed, err.Error()))
		}
		artifact = path
		freeSlot := release
		release = func() {
			unpin()
			freeSlot()
		}
	}

	if err := s.store.SetStatus(task.ID, domain.TaskRunning, "admitted: "+d.Reason); err != nil {
		release()
		return s.storeErr(log, err)
	}
	if err := s.store.RenewLease(task.ID, now.Add(s.cfg.Lease)); err != nil {
		// The task is RUNNING without a lease; the next tick requeues it.
		release()
		return s.storeErr(log, err)
	}

	rep.Dispatched++
	log.Info().Str("verdict", string(d.Verdict)).Str("reason", d.Reason).Msg("dispatched")
	s.dispatch(task, artifact, d, release)
	return nil
}

// prepare resolves and hydrates the task's capsule. The artifact stays
// pinned in the cache until unpin is called.
func (s *Scheduler) prepare(ctx context.Context, task domain.Task) (path string, unpin func(), err error) {
	if s.capsules == nil || s.hydrator == nil {
		return "", nil, fmt.Errorf("%w: no capsule resolver configured", domain.ErrCapsuleResolution)
	}
	ref, err := s.capsules.Resolve(ctx, task.CapsuleSource)
	if err != nil {
		return "", nil, err
	}
	return s.hydrator.Acquire(ctx, ref.Location)
}

// ─── Execution ──────────────────────────────────────────────────────────────

func (s *Scheduler) dispatch(task domain.Task, artifact string, d admission.Decision, release func()) {
	s.wg.Add(1)
	metrics.TasksActive.Inc()

	go func() {
		defer s.wg.Done()
		defer release()
		defer metrics.TasksActive.Dec()

		stop := s.heartbeat(task.ID)
		start := s.now()
		err := s.exec.Execute(context.Background(), domain.Job{Task: task, ArtifactPath: artifact})
		elapsed := s.now().Sub(start)
		stop()

		s.complete(task, d, err, elapsed)
	}()
}

// heartbeat renews the task's lease until the returned stop is called.
// stop waits for the renewer to exit.
func (s *Scheduler) heartbeat(id string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(s.cfg.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := s.store.RenewLease(id, s.now().Add(s.cfg.Lease)); err != nil {
					s.log.Warn().Err(err).Str("task_id", id).Msg("lease renewal failed")
					if errors.Is(err, domain.ErrPersistence) {
						s.setFatal(err)
					}
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

func (s *Scheduler) complete(task domain.Task, d admission.Decision, execErr error, elapsed time.Duration) {
	log := s.log.With().Str("task_id", task.ID).Str("task", task.Name).Logger()
	metrics.TaskRunDuration.WithLabelValues(task.Type).Observe(elapsed.Seconds())

	status := domain.TaskCompleted
	line := fmt.Sprintf("completed in %s", elapsed.Round(time.Millisecond))
	profit := d.EffectiveBid - d.Price
	if execErr != nil {
		status = domain.TaskFailed
		line = "executor: " + execErr.Error()
		profit = -d.Price
		metrics.TasksFailed.WithLabelValues(task.Type, "executor").Inc()
		log.Error().Err(execErr).Dur("took", elapsed).Msg("task failed")
	} else {
		metrics.TasksCompleted.WithLabelValues(task.Type).Inc()
		log.Info().Dur("took", elapsed).Msg("task completed")
	}

	if err := s.store.FinishRun(task.ID, task.Attempts, status, line); err != nil {
		if errors.Is(err, domain.ErrStaleRun) {
			log.Warn().Err(err).Str("status", string(status)).Msg("discarding result of requeued run")
			return
		}
		if errors.Is(err, domain.ErrPersistence) {
			s.setFatal(err)
		}
		log.Error().Err(err).Str("status", string(status)).Msg("record completion failed")
		return
	}

	if !d.PriceKnown {
		return
	}
	if _, err := s.market.RecordTrade(task.ID, task.Name, profit); err != nil {
		if errors.Is(err, domain.ErrPersistence) {
			s.setFatal(err)
		}
		log.Error().Err(err).Msg("record trade failed")
	}
}

// Wait blocks until every dispatched execution has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// WaitContext is Wait bounded by ctx.
func (s *Scheduler) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the first persistence failure raised by a background
// execution. Once set, every later Tick returns it.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// storeErr logs a per-task store error and returns it only when it is a
// persistence failure.
func (s *Scheduler) storeErr(log zerolog.Logger, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	log.Warn().Err(err).Msg("task update skipped")
	return nil
}

func (s *Scheduler) setFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
}

// failureReason is the metrics label for a preparation failure.
func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrSecurityVerification):
		return "security"
	case errors.Is(err, domain.ErrCapsuleResolution):
		return "capsule"
	case errors.Is(err, domain.ErrHydration):
		return "hydration"
	default:
		return "other"
	}
}
