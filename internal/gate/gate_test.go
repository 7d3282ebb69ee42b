package gate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/taskloop/internal/config"
	ierr "github.com/mark3labs/taskloop/internal/errors"
)

func TestRunAllPassingSequence(t *testing.T) {
	r := NewRunner(t.TempDir())
	results, err := r.RunAll(context.Background(), []config.GateSpec{
		{Name: "first", Command: "echo one"},
		{Name: "second", Command: "echo two"},
	})
	if err != nil {
		t.Fatalf("RunAll() = %v, want nil", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, result := range results {
		if !result.Passed {
			t.Errorf("gate %q did not pass: %+v", result.Name, result)
		}
	}
	if !strings.Contains(results[0].Output, "one") {
		t.Errorf("first gate output = %q, want it to contain %q", results[0].Output, "one")
	}
}

func TestRunAllStopsAtFirstFailure(t *testing.T) {
	r := NewRunner(t.TempDir())
	results, err := r.RunAll(context.Background(), []config.GateSpec{
		{Name: "ok", Command: "true"},
		{Name: "broken", Command: "echo boom; exit 3"},
		{Name: "never-runs", Command: "echo unreachable"},
	})

	var failure *ierr.GateFailure
	if !errors.As(err, &failure) {
		t.Fatalf("RunAll() = %v, want *GateFailure", err)
	}
	if failure.Gate != "broken" {
		t.Errorf("GateFailure.Gate = %q, want %q", failure.Gate, "broken")
	}
	if failure.ExitCode != 3 {
		t.Errorf("GateFailure.ExitCode = %d, want 3", failure.ExitCode)
	}
	if !strings.Contains(failure.Output, "boom") {
		t.Errorf("GateFailure.Output = %q, want it to contain %q", failure.Output, "boom")
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (third gate must not run)", len(results))
	}
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner(t.TempDir())
	results, err := r.RunAll(context.Background(), []config.GateSpec{
		{Name: "slow", Command: "sleep 5", TimeoutSeconds: 1},
	})

	var failure *ierr.GateFailure
	if !errors.As(err, &failure) {
		t.Fatalf("RunAll() = %v, want *GateFailure", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if !results[0].TimedOut {
		t.Error("result.TimedOut = false, want true")
	}
	if results[0].Passed {
		t.Error("result.Passed = true, want false")
	}
}

func TestRunAllCanceledContext(t *testing.T) {
	r := NewRunner(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.RunAll(ctx, []config.GateSpec{{Name: "x", Command: "true"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunAll() = %v, want context.Canceled", err)
	}
}

func TestGateNameFallsBackToCommand(t *testing.T) {
	r := NewRunner(t.TempDir())
	results, err := r.RunAll(context.Background(), []config.GateSpec{{Command: "true"}})
	if err != nil {
		t.Fatalf("RunAll() = %v, want nil", err)
	}
	if results[0].Name != "true" {
		t.Errorf("Name = %q, want the command", results[0].Name)
	}
}

func TestRunWorkDir(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(dir)
	results, err := r.RunAll(context.Background(), []config.GateSpec{{Name: "pwd", Command: "pwd"}})
	if err != nil {
		t.Fatalf("RunAll() = %v, want nil", err)
	}
	if !strings.Contains(strings.TrimSpace(results[0].Output), dir) {
		t.Errorf("pwd output = %q, want it to contain %q", results[0].Output, dir)
	}
}

func TestCapOutputKeepsTail(t *testing.T) {
	long := strings.Repeat("a", maxOutputBytes) + "TAIL"
	capped := capOutput(long)
	if !strings.HasSuffix(capped, "TAIL") {
		t.Error("capped output lost the tail")
	}
	if len(capped) > maxOutputBytes+64 {
		t.Errorf("capped output length = %d, want near %d", len(capped), maxOutputBytes)
	}
	if capOutput("short") != "short" {
		t.Error("short output must pass through unchanged")
	}
}
