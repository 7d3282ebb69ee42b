package config

import (
	"reflect"
	"testing"
)

func baseLoop() LoopConfig {
	three, five, sixty := 3, 5, 60
	return LoopConfig{
		MaxIterations:        10,
		NoProgressLimit:      4,
		RunnerTimeoutSeconds: 1800,
		Gates: []GateSpec{
			{Name: "test", Command: "go test ./...", TimeoutSeconds: 600},
			{Name: "lint", Command: "golangci-lint run", TimeoutSeconds: 300},
		},
		Modes: map[string]ModeOverride{
			"speed": {MaxIterations: &three},
			"careful": {
				NoProgressLimit:      &five,
				RunnerTimeoutSeconds: &sixty,
				Gates:                &[]GateSpec{{Name: "vet", Command: "go vet ./...", TimeoutSeconds: 120}},
			},
		},
	}
}

func TestResolveModeDefault(t *testing.T) {
	base := baseLoop()
	for _, name := range []string{"", "default"} {
		eff, err := ResolveMode(name, base)
		if err != nil {
			t.Fatalf("ResolveMode(%q) error = %v", name, err)
		}
		if eff.Mode != "default" {
			t.Errorf("Mode = %q, want %q", eff.Mode, "default")
		}
		if eff.MaxIterations != base.MaxIterations {
			t.Errorf("MaxIterations = %d, want %d", eff.MaxIterations, base.MaxIterations)
		}
		if eff.NoProgressLimit != base.NoProgressLimit {
			t.Errorf("NoProgressLimit = %d, want %d", eff.NoProgressLimit, base.NoProgressLimit)
		}
		if eff.RunnerTimeoutSeconds != base.RunnerTimeoutSeconds {
			t.Errorf("RunnerTimeoutSeconds = %d, want %d", eff.RunnerTimeoutSeconds, base.RunnerTimeoutSeconds)
		}
		if !reflect.DeepEqual(eff.Gates, base.Gates) {
			t.Errorf("Gates = %v, want %v", eff.Gates, base.Gates)
		}
	}
}

func TestResolveModeOverridesOnlyPresentFields(t *testing.T) {
	base := baseLoop()
	eff, err := ResolveMode("speed", base)
	if err != nil {
		t.Fatalf("ResolveMode(speed) error = %v", err)
	}
	if eff.Mode != "speed" {
		t.Errorf("Mode = %q, want %q", eff.Mode, "speed")
	}
	if eff.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", eff.MaxIterations)
	}
	if eff.NoProgressLimit != base.NoProgressLimit {
		t.Errorf("NoProgressLimit = %d, want base value %d", eff.NoProgressLimit, base.NoProgressLimit)
	}
	if eff.RunnerTimeoutSeconds != base.RunnerTimeoutSeconds {
		t.Errorf("RunnerTimeoutSeconds = %d, want base value %d", eff.RunnerTimeoutSeconds, base.RunnerTimeoutSeconds)
	}
	if !reflect.DeepEqual(eff.Gates, base.Gates) {
		t.Errorf("Gates = %v, want base gates %v", eff.Gates, base.Gates)
	}
}

func TestResolveModeReplacesGatesWholesale(t *testing.T) {
	eff, err := ResolveMode("careful", baseLoop())
	if err != nil {
		t.Fatalf("ResolveMode(careful) error = %v", err)
	}
	if len(eff.Gates) != 1 || eff.Gates[0].Name != "vet" {
		t.Errorf("Gates = %v, want single vet gate", eff.Gates)
	}
	if eff.NoProgressLimit != 5 {
		t.Errorf("NoProgressLimit = %d, want 5", eff.NoProgressLimit)
	}
	if eff.RunnerTimeoutSeconds != 60 {
		t.Errorf("RunnerTimeoutSeconds = %d, want 60", eff.RunnerTimeoutSeconds)
	}
	if eff.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want base value 10", eff.MaxIterations)
	}
}

func TestResolveModeDoesNotMutateBase(t *testing.T) {
	base := baseLoop()
	gatesBefore := append([]GateSpec(nil), base.Gates...)

	eff, err := ResolveMode("default", base)
	if err != nil {
		t.Fatalf("ResolveMode error = %v", err)
	}
	eff.Gates[0].Command = "mutated"
	if !reflect.DeepEqual(base.Gates, gatesBefore) {
		t.Errorf("base gates changed after mutating resolved copy: %v", base.Gates)
	}
}
