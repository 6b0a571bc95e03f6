package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// run executes the root command with args against a fresh home.
func run(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	taskAdd = seedTask{}
	taskAdd.Priority = "NORMAL"
	taskAddFile = ""
	taskListStatus = ""
	tickCount = 1
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("chronos %s: %v\nstderr: %s", strings.Join(args, " "), err, errOut.String())
	}
	return out.String()
}

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CHRONOS_HOME", home)
	t.Setenv("CHRONOS_PRICE", "0.10")
	t.Setenv("CHRONOS_LOG_LEVEL", "error")
	os.WriteFile(filepath.Join(home, "config.toml"), []byte(`
[executor]
simulated_duration = "1ms"
`), 0o644)
	return home
}

func TestTaskAddListShow(t *testing.T) {
	setupHome(t)

	out := run(t, "task", "add", "Weld frame", "--id", "weld", "--priority", "high", "--max-bid", "0.2")
	if !strings.Contains(out, "seeded weld (Weld frame, HIGH)") {
		t.Errorf("add output = %q", out)
	}

	out = run(t, "task", "list")
	if !strings.Contains(out, "weld") || !strings.Contains(out, "PENDING") {
		t.Errorf("list output = %q", out)
	}

	out = run(t, "task", "show", "weld")
	if !strings.Contains(out, "Priority:    HIGH") {
		t.Errorf("show output = %q", out)
	}
}

func TestSeedFileAndTick(t *testing.T) {
	home := setupHome(t)
	seed := filepath.Join(home, "factory.yaml")
	os.WriteFile(seed, []byte(`
tasks:
  - id: cast
    name: Cast housing
    priority: CRITICAL
  - id: weld
    dependencies: [cast]
    max_bid_price: 0.5
`), 0o644)

	out := run(t, "task", "add", "-f", seed)
	if !strings.Contains(out, "seeded cast") || !strings.Contains(out, "seeded weld") {
		t.Errorf("seed output = %q", out)
	}

	// First tick runs cast; weld waits on it. Second tick runs weld.
	run(t, "tick", "-n", "2")

	out = run(t, "task", "list", "--status", "completed")
	if !strings.Contains(out, "cast") || !strings.Contains(out, "weld") {
		t.Errorf("completed tasks = %q", out)
	}

	out = run(t, "market", "trades")
	if !strings.Contains(out, "Balance:") {
		t.Errorf("trades output = %q", out)
	}
}

func TestPersonaSet(t *testing.T) {
	setupHome(t)

	run(t, "market", "persona", "set", "guardian")
	out := run(t, "market", "persona")
	if !strings.HasPrefix(out, "guardian:") {
		t.Errorf("persona output = %q", out)
	}
}

func TestCapsuleRegisterResolve(t *testing.T) {
	home := setupHome(t)
	artifact := filepath.Join(home, "weld.bin")
	os.WriteFile(artifact, []byte("weld"), 0o644)

	run(t, "capsule", "register", "industriverse-dac", "welding-sim", "file://"+artifact)
	out := run(t, "capsule", "resolve", "capsule://industriverse-dac/welding-sim:v1")
	if !strings.Contains(out, "Verified:  true") {
		t.Errorf("resolve output = %q", out)
	}

	out = run(t, "capsule", "key")
	if len(strings.TrimSpace(out)) != 64 {
		t.Errorf("public key = %q, want 64 hex chars", out)
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.in); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
