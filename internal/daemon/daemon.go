package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/industriverse/chronos/internal/api"
	"github.com/industriverse/chronos/internal/app/admission"
	"github.com/industriverse/chronos/internal/app/executor"
	"github.com/industriverse/chronos/internal/app/market"
	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/health"
	"github.com/industriverse/chronos/internal/infra/capsule"
	"github.com/industriverse/chronos/internal/infra/healing"
	"github.com/industriverse/chronos/internal/infra/hydrator"
	"github.com/industriverse/chronos/internal/infra/pricing"
	"github.com/industriverse/chronos/internal/infra/scheduler"
	"github.com/industriverse/chronos/internal/infra/sqlite"
	"github.com/industriverse/chronos/internal/security"
)

// Daemon is the chronos runtime. It wires together all services.
type Daemon struct {
	Config    Config
	Log       zerolog.Logger
	DB        *sqlite.DB
	Market    *market.Feed
	Keys      *security.KeyRing
	Capsules  *capsule.Resolver
	Hydrator  *hydrator.Hydrator
	Price     *pricing.Guarded
	Executor  *executor.Healing
	Admitter  *admission.Admitter
	Scheduler *scheduler.Scheduler
	Health    *health.Checker
	Server    *api.Server

	home   string
	cron   *cron.Cron
	cancel context.CancelFunc

	mu    sync.Mutex
	fatal error
}

// New creates and initializes a Daemon with all services wired, storing
// state under ChronosHome().
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Daemon, error) {
	return NewWithHome(ctx, chronosHome(), cfg, log)
}

// NewWithHome is New with an explicit data directory.
func NewWithHome(ctx context.Context, home string, cfg Config, log zerolog.Logger) (*Daemon, error) {
	db, err := sqlite.Open(home)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d := &Daemon{Config: cfg, Log: log, DB: db, home: home}
	if err := d.wire(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) wire(ctx context.Context) error {
	cfg, log := d.Config, d.Log

	// Market feed and persona
	feed, err := market.NewFeed(d.DB, log)
	if err != nil {
		return fmt.Errorf("market feed: %w", err)
	}
	if err := feed.InitPersona(cfg.Market.Persona); err != nil {
		return fmt.Errorf("market persona: %w", err)
	}
	d.Market = feed

	// Capsule registry and trusted signers
	d.Keys = security.NewKeyRing()
	for signer, pub := range cfg.Registry.TrustedKeys {
		if err := d.Keys.TrustHex(signer, pub); err != nil {
			return fmt.Errorf("registry.trusted_keys: %w", err)
		}
	}
	kp, err := security.LoadOrCreateKeypair(d.home)
	if err != nil {
		return fmt.Errorf("local signing key: %w", err)
	}
	d.Keys.Trust(security.LocalSigner, kp.Public)
	if cfg.Registry.File != "" {
		if _, err := os.Stat(cfg.Registry.File); err == nil {
			n, err := ImportRegistry(cfg.Registry.File, d.Keys, d.DB)
			if err != nil {
				return err
			}
			log.Info().Int("capsules", n).Str("file", cfg.Registry.File).Msg("capsule registry loaded")
		}
	}
	log.Debug().Int("signers", d.Keys.Len()).Msg("registry signers trusted")
	d.Capsules = capsule.NewResolver(d.DB, d.Keys, log)

	// Hydration cache
	hyd, err := hydrator.New(cfg.HydratorConfig(), log)
	if err != nil {
		return fmt.Errorf("hydrator: %w", err)
	}
	if s3f, err := hydrator.NewS3Fetcher(ctx, cfg.Hydrator.S3); err != nil {
		log.Warn().Err(err).Msg("s3 fetcher unavailable; s3:// capsules will fail")
	} else {
		hyd.Register("s3", s3f)
	}
	d.Hydrator = hyd

	// Price source behind a breaker
	src, err := pricing.New(pricing.Options{
		Kind:     cfg.Price.Source,
		Static:   cfg.Price.Static,
		URL:      cfg.Price.URL,
		Field:    cfg.Price.Field,
		Sequence: cfg.Price.Sequence,
	})
	if err != nil {
		return fmt.Errorf("price source: %w", err)
	}
	d.Price = pricing.WithBreaker(src, healing.NewCircuitBreaker("price", healing.CircuitBreakerConfig{
		FailureThreshold: cfg.Price.BreakerThreshold,
		ResetTimeout:     parseDuration(cfg.Price.BreakerReset, time.Minute),
	}))

	// Executor
	exec, err := executor.New(cfg.ExecutorConfig(), log)
	if err != nil {
		return err
	}
	d.Executor = exec

	// Scheduler
	schedCfg := cfg.SchedulerConfig()
	d.Admitter = admission.New(cfg.Admission, scheduler.HydrationCost(d.Capsules, d.Hydrator), log)
	d.Scheduler = scheduler.New(schedCfg, scheduler.Deps{
		Store:    d.DB,
		Admitter: d.Admitter,
		Price:    d.Price,
		Market:   d.Market,
		Capsules: d.Capsules,
		Hydrator: d.Hydrator,
		Executor: d.Executor,
		Log:      log,
	})

	// Health checker
	d.Health = health.NewChecker(health.Options{
		DB:           d.DB,
		CacheDir:     d.Hydrator.Dir(),
		MinFreeBytes: parseStorageSize(cfg.Health.MinFree, health.DefaultMinFreeBytes),
		PriceBreaker: d.Price.Breaker(),
	})

	// HTTP status API
	d.Server = api.NewServer(api.Deps{
		Tasks:        d.DB,
		Market:       d.Market,
		Price:        d.Price,
		PriceTimeout: schedCfg.PriceTimeout,
		Cache:        d.Hydrator,
		Health:       d.Health,
		CORSOrigins:  cfg.API.CORSOrigins,
		Log:          log,
	})
	return nil
}

// ImportRegistry loads a YAML registry file: its signers join ring and its
// capsules are upserted into the store. Returns the number of capsules.
func ImportRegistry(path string, ring *security.KeyRing, db *sqlite.DB) (int, error) {
	f, err := capsule.LoadFile(path)
	if err != nil {
		return 0, err
	}
	for signer, pub := range f.Signers {
		if err := ring.TrustHex(signer, pub); err != nil {
			return 0, fmt.Errorf("registry file %s: %w", path, err)
		}
	}
	for _, e := range f.Capsules {
		if err := db.RegisterCapsule(e); err != nil {
			return 0, fmt.Errorf("registry file %s: %w", path, err)
		}
	}
	return len(f.Capsules), nil
}

// Home is the data directory the daemon was opened on.
func (d *Daemon) Home() string { return d.home }

// ─── Run ────────────────────────────────────────────────────────────────────

// RunOnce runs a single tick and waits for its executions to finish.
func (d *Daemon) RunOnce(ctx context.Context) (scheduler.Report, error) {
	rep, err := d.Scheduler.Tick(ctx)
	if err != nil {
		return rep, err
	}
	if err := d.Scheduler.WaitContext(ctx); err != nil {
		return rep, err
	}
	return rep, d.Scheduler.Err()
}

// Serve runs the tick loop, maintenance jobs and the HTTP API until ctx is
// cancelled, a signal arrives, or a persistence failure makes the daemon
// stop. The persistence failure is returned.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	cl := cronLogger{d.Log.With().Str("component", "cron").Logger()}
	d.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	schedCfg := d.Config.SchedulerConfig()
	jobs := []scheduledJob{
		{schedCfg.Interval, job{"tick", d.tick}},
		{parseDuration(d.Config.Hydrator.EvictEvery, 15*time.Minute), job{"evict", d.evict}},
		{parseDuration(d.Config.Health.Interval, time.Minute), job{"health", d.checkHealth}},
	}
	if d.Config.Market.AutoTune {
		jobs = append(jobs, scheduledJob{parseDuration(d.Config.Market.TuneEvery, time.Hour), job{"tune", d.tune}})
	}
	for _, j := range jobs {
		if err := d.addJob(ctx, j.every, j.job); err != nil {
			return err
		}
	}

	// First pass immediately rather than one interval in.
	_ = d.checkHealth(ctx)
	_ = d.tick(ctx)
	d.cron.Start()

	var srv *http.Server
	errCh := make(chan error, 1)
	if d.Config.API.Enabled {
		addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
		srv = &http.Server{
			Addr:         addr,
			Handler:      d.Server.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  2 * time.Minute,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		d.Log.Info().Str("addr", "http://"+addr).Msg("status API listening")
	}
	d.Log.Info().
		Dur("interval", schedCfg.Interval).
		Str("persona", d.Market.PersonaConfig().ID).
		Str("price_source", d.Config.Price.Source).
		Msg("chronos started")

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		serveErr = fmt.Errorf("api server: %w", err)
	}

	d.Log.Info().Msg("shutting down")
	<-d.cron.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := d.Scheduler.WaitContext(shutdownCtx); err != nil {
		d.Log.Warn().Err(err).Msg("executions still running at shutdown; their leases will expire")
	}

	if err := d.Err(); err != nil {
		return err
	}
	return serveErr
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// Err returns the persistence failure that stopped the daemon, if any.
func (d *Daemon) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal
}

// ─── Jobs ───────────────────────────────────────────────────────────────────

func (d *Daemon) tick(ctx context.Context) error {
	rep, err := d.Scheduler.Tick(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrPersistence) {
			d.mu.Lock()
			if d.fatal == nil {
				d.fatal = err
			}
			d.mu.Unlock()
			d.Log.Error().Err(err).Msg("persistence failure, stopping")
			if d.cancel != nil {
				d.cancel()
			}
		}
		return err
	}
	if rep.Dispatched+rep.Deferred+rep.Failed+rep.Requeued > 0 {
		d.Log.Info().
			Float64("price", rep.Price).
			Bool("price_known", rep.PriceKnown).
			Int("dispatched", rep.Dispatched).
			Int("deferred", rep.Deferred).
			Int("blocked", rep.Blocked).
			Int("failed", rep.Failed).
			Int("requeued", rep.Requeued).
			Msg("tick")
	}
	return nil
}

func (d *Daemon) evict(ctx context.Context) error {
	evicted, err := d.Hydrator.Evict(time.Now())
	if err != nil {
		return err
	}
	if len(evicted) > 0 {
		d.Log.Info().Int("entries", len(evicted)).Msg("cache evicted")
	}
	return nil
}

func (d *Daemon) tune(ctx context.Context) error {
	s, err := d.Market.Tune(d.Config.Market.TuneWindow)
	if err != nil {
		return err
	}
	d.Log.Debug().Str("persona", s.PersonaID).Int("samples", s.Samples).Str("reason", s.Reason).Msg("persona tuning")
	return nil
}

func (d *Daemon) checkHealth(ctx context.Context) error {
	for _, s := range d.Health.RunAll(ctx) {
		if !s.Healthy {
			d.Log.Warn().Str("check", s.Name).Str("error", s.Error).Msg("health check failed")
		}
	}
	return nil
}
