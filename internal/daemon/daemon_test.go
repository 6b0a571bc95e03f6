package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/infra/capsule"
	"github.com/industriverse/chronos/internal/security"
)

func newTestDaemon(t *testing.T, mutate func(*Config)) *Daemon {
	t.Helper()
	home := t.TempDir()
	cfg := DefaultConfig()
	cfg.Hydrator.Dir = filepath.Join(home, "cache")
	cfg.Registry.File = filepath.Join(home, "registry.yaml")
	cfg.Executor.SimulatedDuration = "1ms"
	cfg.API.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	d, err := NewWithHome(context.Background(), home, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWithHome() error: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestDaemon_RunOnce(t *testing.T) {
	d := newTestDaemon(t, func(c *Config) { c.Price.Static = 0.10 })

	d.DB.UpsertTask(domain.Task{ID: "cheap", Type: "sim", Priority: domain.PriorityNormal, MaxBidPrice: 0.5})
	d.DB.UpsertTask(domain.Task{ID: "stingy", Type: "sim", Priority: domain.PriorityLow, MaxBidPrice: 0.01})

	rep, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if rep.Dispatched != 1 || rep.Deferred != 1 {
		t.Errorf("report = %+v, want 1 dispatched, 1 deferred", rep)
	}
	task, _ := d.DB.GetTask("cheap")
	if task.Status != domain.TaskCompleted {
		t.Errorf("cheap = %s, want COMPLETED", task.Status)
	}
	if bal, _ := d.Market.Balance(); bal <= 0 {
		t.Errorf("balance = %v, want profit from cheap task", bal)
	}
}

func TestDaemon_RegistryFile(t *testing.T) {
	kp, err := security.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	artifact := filepath.Join(t.TempDir(), "weld.bin")
	os.WriteFile(artifact, []byte("weld"), 0o644)

	var registryPath string
	d := newTestDaemon(t, func(c *Config) {
		registryPath = c.Registry.File
		err := capsule.SaveFile(registryPath, capsule.File{
			Signers: map[string]string{"dac-key": kp.PublicKeyHex()},
			Capsules: []domain.RegistryEntry{kp.SignEntry("dac-key", domain.RegistryEntry{
				DACID: "industriverse-dac", Service: "welding-sim", Location: "file://" + artifact,
			})},
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	if d.Keys.Len() != 2 {
		t.Errorf("trusted keys = %d, want 2 (local + dac-key)", d.Keys.Len())
	}
	ref, err := d.Capsules.Resolve(context.Background(), "capsule://industriverse-dac/welding-sim:v1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !ref.Verified {
		t.Error("resolved capsule should be verified")
	}

	d.DB.UpsertTask(domain.Task{
		ID: "weld", Type: "sim", Priority: domain.PriorityCritical,
		CapsuleSource: "capsule://industriverse-dac/welding-sim",
	})
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if task, _ := d.DB.GetTask("weld"); task.Status != domain.TaskCompleted {
		t.Errorf("weld = %s (%s), want COMPLETED", task.Status, task.Log)
	}
	if entries := d.Hydrator.Entries(); len(entries) != 1 {
		t.Errorf("cache entries = %d, want 1", len(entries))
	}
}

func TestDaemon_ConfiguredPersona(t *testing.T) {
	d := newTestDaemon(t, func(c *Config) { c.Market.Persona = "guardian" })
	if got := d.Market.PersonaConfig().ID; got != "guardian" {
		t.Errorf("persona = %q, want guardian", got)
	}
}

func TestDaemon_BadConfig(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"price":    func(c *Config) { c.Price.Source = "oracle" },
		"executor": func(c *Config) { c.Executor.Kind = "quantum" },
		"keys":     func(c *Config) { c.Registry.TrustedKeys = map[string]string{"k": "zz"} },
	} {
		cfg := DefaultConfig()
		cfg.Hydrator.Dir = filepath.Join(t.TempDir(), "cache")
		cfg.Registry.File = ""
		mutate(&cfg)
		if _, err := NewWithHome(context.Background(), t.TempDir(), cfg, zerolog.Nop()); err == nil {
			t.Errorf("%s: NewWithHome() should fail", name)
		}
	}
}

func TestDaemon_ServeStopsOnCancel(t *testing.T) {
	d := newTestDaemon(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() = %v, want nil after cancel", err)
	}
}
