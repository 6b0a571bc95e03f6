package domain

import (
	"testing"
	"time"
)

// ─── Task Tests ─────────────────────────────────────────────────────────────

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskRunning, true},
		{TaskPending, TaskFailed, true},
		{TaskPending, TaskCompleted, false},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskPending, false},
		{TaskCompleted, TaskPending, false},
		{TaskCompleted, TaskFailed, false},
		{TaskFailed, TaskRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestParseTaskStatus(t *testing.T) {
	if got := ParseTaskStatus(" running "); got != TaskRunning {
		t.Errorf("ParseTaskStatus(running) = %q", got)
	}
	if got := ParseTaskStatus("cancelled"); got != "" {
		t.Errorf("ParseTaskStatus(cancelled) = %q, want empty", got)
	}
}

func TestPriority_RoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow} {
		if got := ParsePriority(p.String()); got != p {
			t.Errorf("ParsePriority(%q) = %v, want %v", p.String(), got, p)
		}
	}
	if got := ParsePriority("urgent"); got != PriorityNormal {
		t.Errorf("unknown label = %v, want NORMAL", got)
	}
	if PriorityCritical >= PriorityLow {
		t.Error("CRITICAL must rank before LOW")
	}
}

func TestTask_IsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskPending, false},
		{TaskRunning, false},
		{TaskCompleted, true},
		{TaskFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			task := Task{Status: tt.status}
			if got := task.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestTask_Flags(t *testing.T) {
	task := Task{Priority: PriorityCritical, CapsuleSource: "capsule://dac/svc"}
	if !task.IsCritical() || !task.HasCapsule() {
		t.Errorf("IsCritical=%v HasCapsule=%v, want both true", task.IsCritical(), task.HasCapsule())
	}
	task = Task{Priority: PriorityHigh}
	if task.IsCritical() || task.HasCapsule() {
		t.Error("HIGH task without capsule reported critical or capsule")
	}
}

func TestTask_Duration(t *testing.T) {
	start := time.Now()
	end := start.Add(5 * time.Second)

	task := Task{StartedAt: start, CompletedAt: end}
	if d := task.Duration(); d != 5*time.Second {
		t.Errorf("Duration() = %v, want 5s", d)
	}

	// Not started
	task2 := Task{}
	if d := task2.Duration(); d != 0 {
		t.Errorf("Duration() of unstarted task = %v, want 0", d)
	}
}

func TestAppendLog(t *testing.T) {
	log := AppendLog("", "  deferred: price  ")
	log = AppendLog(log, "")
	log = AppendLog(log, "running")
	if log != "deferred: price\nrunning" {
		t.Errorf("AppendLog = %q", log)
	}
}

// ─── Capsule Tests ──────────────────────────────────────────────────────────

func TestCapsuleRef_URI(t *testing.T) {
	ref := CapsuleRef{DACID: "industriverse-dac", Service: "welding-sim", Version: "v1"}
	if got := ref.URI(); got != "capsule://industriverse-dac/welding-sim:v1" {
		t.Errorf("URI() = %q", got)
	}
	ref.Version = ""
	if got := ref.URI(); got != "capsule://industriverse-dac/welding-sim" {
		t.Errorf("URI() without version = %q", got)
	}
}

func TestProofMessage_BindsLocation(t *testing.T) {
	a := string(ProofMessage("dac", "svc", "s3://b/one"))
	b := string(ProofMessage("dac", "svc", "s3://b/two"))
	if a == b {
		t.Error("proof message must change with the location")
	}
	if a != "capsule://dac/svc|s3://b/one" {
		t.Errorf("ProofMessage = %q", a)
	}
}
