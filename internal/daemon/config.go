// Package daemon manages the chronos daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/industriverse/chronos/internal/app/admission"
	"github.com/industriverse/chronos/internal/app/executor"
	"github.com/industriverse/chronos/internal/app/market"
	"github.com/industriverse/chronos/internal/infra/hydrator"
	"github.com/industriverse/chronos/internal/infra/scheduler"
	"github.com/industriverse/chronos/internal/logger"
)

// Config holds all daemon configuration. Durations and sizes are strings
// ("10s", "10GB") and parsed when the daemon is wired.
type Config struct {
	Scheduler SchedulerConfig  `toml:"scheduler"`
	Admission admission.Config `toml:"admission"`
	Market    MarketConfig     `toml:"market"`
	Price     PriceConfig      `toml:"price"`
	Hydrator  HydratorConfig   `toml:"hydrator"`
	Registry  RegistryConfig   `toml:"registry"`
	Executor  ExecutorConfig   `toml:"executor"`
	API       APIConfig        `toml:"api"`
	Health    HealthConfig     `toml:"health"`
	Logging   logger.Config    `toml:"logging"`
}

// SchedulerConfig controls the tick loop.
type SchedulerConfig struct {
	Interval     string `toml:"interval"`
	PriceTimeout string `toml:"price_timeout"`
	Lease        string `toml:"lease"`
	Heartbeat    string `toml:"heartbeat"`
	DeferBase    string `toml:"defer_base"`
	DeferMax     string `toml:"defer_max"`
}

// MarketConfig controls the persona and its automatic tuning.
type MarketConfig struct {
	Persona    string `toml:"persona"`
	AutoTune   bool   `toml:"auto_tune"`
	TuneEvery  string `toml:"tune_every"`
	TuneWindow int    `toml:"tune_window"`
}

// PriceConfig selects the energy price source.
type PriceConfig struct {
	Source           string    `toml:"source"` // static | http | sequence
	Static           float64   `toml:"static"`
	URL              string    `toml:"url"`
	Field            string    `toml:"field"`
	Sequence         []float64 `toml:"sequence"`
	BreakerThreshold int       `toml:"breaker_threshold"`
	BreakerReset     string    `toml:"breaker_reset"`
}

// HydratorConfig controls the artifact cache.
type HydratorConfig struct {
	Dir          string            `toml:"dir"`
	MaxBytes     string            `toml:"max_bytes"`
	MaxAge       string            `toml:"max_age"`
	FetchTimeout string            `toml:"fetch_timeout"`
	EvictEvery   string            `toml:"evict_every"`
	CostFile     float64           `toml:"cost_file"`
	CostHTTP     float64           `toml:"cost_http"`
	CostS3       float64           `toml:"cost_s3"`
	S3           hydrator.S3Config `toml:"s3"`
}

// RegistryConfig points at the capsule registry file and the signer keys
// trusted to vouch for registry entries.
type RegistryConfig struct {
	File        string            `toml:"file"`
	TrustedKeys map[string]string `toml:"trusted_keys"` // signer → hex public key
}

// ExecutorConfig controls task execution.
type ExecutorConfig struct {
	Kind              string   `toml:"kind"` // simulated | command
	MaxConcurrent     int      `toml:"max_concurrent"`
	SimulatedDuration string   `toml:"simulated_duration"`
	FailTypes         []string `toml:"fail_types"`
	Command           string   `toml:"command"`
	Timeout           string   `toml:"timeout"`
	RetryDelay        string   `toml:"retry_delay"`
}

// APIConfig controls the HTTP status API server.
type APIConfig struct {
	Enabled     bool     `toml:"enabled"`
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// HealthConfig controls periodic health checks.
type HealthConfig struct {
	Interval string `toml:"interval"`
	MinFree  string `toml:"min_free"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	homeDir := chronosHome()
	return Config{
		Scheduler: SchedulerConfig{
			Interval:     "10s",
			PriceTimeout: "2s",
			Lease:        "2m",
			DeferBase:    "30s",
			DeferMax:     "30m",
		},
		Market: MarketConfig{
			Persona:    market.DefaultPersona,
			TuneEvery:  "1h",
			TuneWindow: 50,
		},
		Price: PriceConfig{
			Source:           "static",
			Static:           0.12,
			Field:            "price",
			BreakerThreshold: 3,
			BreakerReset:     "1m",
		},
		Hydrator: HydratorConfig{
			Dir:          filepath.Join(homeDir, "cache"),
			MaxBytes:     "10GB",
			MaxAge:       "168h",
			FetchTimeout: "5m",
			EvictEvery:   "15m",
			CostFile:     0,
			CostHTTP:     0.02,
			CostS3:       0.08,
		},
		Registry: RegistryConfig{
			File:        filepath.Join(homeDir, "registry.yaml"),
			TrustedKeys: map[string]string{},
		},
		Executor: ExecutorConfig{
			Kind:              executor.KindSimulated,
			MaxConcurrent:     4,
			SimulatedDuration: "500ms",
			RetryDelay:        "1s",
		},
		API: APIConfig{
			Enabled:     true,
			Host:        "127.0.0.1",
			Port:        7420,
			CORSOrigins: []string{"*"},
		},
		Health: HealthConfig{
			Interval: "60s",
			MinFree:  "500MB",
		},
		Logging: logger.Config{
			Level: "info",
		},
	}
}

// LoadConfig reads $CHRONOS_HOME/config.toml over the defaults, then
// applies .env and CHRONOS_* environment overrides.
func LoadConfig() (Config, error) {
	// .env in the working directory, then in the home directory. Neither
	// overrides variables that are already set.
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(chronosHome(), ".env"))
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom reads a config file over the defaults. A missing file
// yields the defaults. Environment overrides are applied last.
func LoadConfigFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv applies CHRONOS_* overrides.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("CHRONOS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHRONOS_LOG_PRETTY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CHRONOS_LOG_PRETTY: %w", err)
		}
		cfg.Logging.Pretty = b
	}
	if v := os.Getenv("CHRONOS_PRICE"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CHRONOS_PRICE: %w", err)
		}
		cfg.Price.Source = "static"
		cfg.Price.Static = p
	}
	if v := os.Getenv("CHRONOS_PRICE_URL"); v != "" {
		cfg.Price.Source = "http"
		cfg.Price.URL = v
	}
	if v := os.Getenv("CHRONOS_PERSONA"); v != "" {
		cfg.Market.Persona = v
	}
	if v := os.Getenv("CHRONOS_EXECUTOR"); v != "" {
		cfg.Executor.Kind = v
	}
	if v := os.Getenv("CHRONOS_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHRONOS_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Executor.MaxConcurrent < 0 {
		return fmt.Errorf("executor.max_concurrent must not be negative")
	}
	if c.Market.Persona != "" {
		if _, err := market.LookupPersona(c.Market.Persona); err != nil {
			return fmt.Errorf("market.persona: %w", err)
		}
	}
	for name, s := range map[string]string{
		"scheduler.interval":      c.Scheduler.Interval,
		"scheduler.price_timeout": c.Scheduler.PriceTimeout,
		"scheduler.lease":         c.Scheduler.Lease,
		"scheduler.heartbeat":     c.Scheduler.Heartbeat,
		"scheduler.defer_base":    c.Scheduler.DeferBase,
		"scheduler.defer_max":     c.Scheduler.DeferMax,
		"market.tune_every":       c.Market.TuneEvery,
		"price.breaker_reset":     c.Price.BreakerReset,
		"hydrator.max_age":        c.Hydrator.MaxAge,
		"hydrator.fetch_timeout":  c.Hydrator.FetchTimeout,
		"hydrator.evict_every":    c.Hydrator.EvictEvery,
		"executor.timeout":        c.Executor.Timeout,
		"executor.retry_delay":    c.Executor.RetryDelay,
		"health.interval":         c.Health.Interval,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// SchedulerConfig converts the [scheduler] and [executor] sections.
func (c Config) SchedulerConfig() scheduler.Config {
	def := scheduler.DefaultConfig()
	return scheduler.Config{
		Interval:      parseDuration(c.Scheduler.Interval, def.Interval),
		PriceTimeout:  parseDuration(c.Scheduler.PriceTimeout, def.PriceTimeout),
		Lease:         parseDuration(c.Scheduler.Lease, def.Lease),
		Heartbeat:     parseDuration(c.Scheduler.Heartbeat, 0),
		MaxConcurrent: c.Executor.MaxConcurrent,
		Backoff: scheduler.BackoffConfig{
			BaseDelay: parseDuration(c.Scheduler.DeferBase, def.Backoff.BaseDelay),
			MaxDelay:  parseDuration(c.Scheduler.DeferMax, def.Backoff.MaxDelay),
		},
	}
}

// HydratorConfig converts the [hydrator] section.
func (c Config) HydratorConfig() hydrator.Config {
	def := hydrator.DefaultConfig(c.Hydrator.Dir)
	return hydrator.Config{
		Dir:          c.Hydrator.Dir,
		MaxBytes:     int64(parseStorageSize(c.Hydrator.MaxBytes, uint64(def.MaxBytes))),
		MaxAge:       parseDuration(c.Hydrator.MaxAge, def.MaxAge),
		FetchTimeout: parseDuration(c.Hydrator.FetchTimeout, def.FetchTimeout),
		CostFile:     c.Hydrator.CostFile,
		CostHTTP:     c.Hydrator.CostHTTP,
		CostS3:       c.Hydrator.CostS3,
	}
}

// ExecutorConfig converts the [executor] section.
func (c Config) ExecutorConfig() executor.Config {
	def := executor.DefaultConfig()
	return executor.Config{
		Kind:              c.Executor.Kind,
		SimulatedDuration: parseDuration(c.Executor.SimulatedDuration, def.SimulatedDuration),
		FailTypes:         c.Executor.FailTypes,
		Command:           c.Executor.Command,
		Timeout:           parseDuration(c.Executor.Timeout, 0),
		RetryDelay:        parseDuration(c.Executor.RetryDelay, def.RetryDelay),
	}
}

// SaveConfig writes the config to $CHRONOS_HOME/config.toml.
func SaveConfig(cfg Config) error {
	return SaveConfigTo(ConfigPath(), cfg)
}

// SaveConfigTo writes the config to path.
func SaveConfigTo(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// ConfigPath is $CHRONOS_HOME/config.toml.
func ConfigPath() string {
	return filepath.Join(chronosHome(), "config.toml")
}

// chronosHome returns the chronos data directory.
func chronosHome() string {
	if env := os.Getenv("CHRONOS_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chronos")
}

// ChronosHome is exported for use by other packages.
func ChronosHome() string {
	return chronosHome()
}

// parseStorageSize converts "10GB" to bytes, returning fallback when s is
// empty or unparsable. Bare numbers are bytes.
func parseStorageSize(s string, fallback uint64) uint64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return fallback
	}
	units := []struct {
		suffix string
		mult   uint64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	mult := uint64(1)
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	val, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fallback
	}
	return val * mult
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
