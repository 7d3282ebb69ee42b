package config

import (
	ierr "github.com/mark3labs/taskloop/internal/errors"
)

// DefaultMode is the mode name that leaves the base configuration
// untouched.
const DefaultMode = "default"

// ModeOverride is a sparse partial record over LoopConfig's tunable
// fields. Absent (nil) fields inherit the base value; present fields
// replace it. Represented with pointers so "absent" and "zero" stay
// distinguishable.
type ModeOverride struct {
	MaxIterations        *int        `mapstructure:"max_iterations" yaml:"max_iterations,omitempty"`
	NoProgressLimit      *int        `mapstructure:"no_progress_limit" yaml:"no_progress_limit,omitempty"`
	Gates                *[]GateSpec `mapstructure:"gates" yaml:"gates,omitempty"`
	RunnerTimeoutSeconds *int        `mapstructure:"runner_timeout_seconds" yaml:"runner_timeout_seconds,omitempty"`
}

// EffectiveConfig is the loop configuration after mode resolution.
// Created once per run and never mutated afterwards; the controller
// receives a read-only reference.
type EffectiveConfig struct {
	Mode                 string
	MaxIterations        int
	NoProgressLimit      int
	Gates                []GateSpec
	RunnerTimeoutSeconds int
}

// ResolveMode merges the named mode's overrides into the base loop
// configuration. An empty or default name returns the base unchanged; a
// name with no entry in the modes map is a ConfigError listing the known
// names. The merge is a field-wise "override wins if present" fold.
func ResolveMode(name string, base LoopConfig) (*EffectiveConfig, error) {
	effective := &EffectiveConfig{
		Mode:                 DefaultMode,
		MaxIterations:        base.MaxIterations,
		NoProgressLimit:      base.NoProgressLimit,
		Gates:                append([]GateSpec(nil), base.Gates...),
		RunnerTimeoutSeconds: base.RunnerTimeoutSeconds,
	}

	if name == "" || name == DefaultMode {
		return effective, nil
	}

	override, ok := base.Modes[name]
	if !ok {
		known := make([]string, 0, len(base.Modes)+1)
		known = append(known, DefaultMode)
		for k := range base.Modes {
			known = append(known, k)
		}
		return nil, ierr.NewUnknownModeError(name, known)
	}

	effective.Mode = name
	if override.MaxIterations != nil {
		effective.MaxIterations = *override.MaxIterations
	}
	if override.NoProgressLimit != nil {
		effective.NoProgressLimit = *override.NoProgressLimit
	}
	if override.Gates != nil {
		effective.Gates = append([]GateSpec(nil), (*override.Gates)...)
	}
	if override.RunnerTimeoutSeconds != nil {
		effective.RunnerTimeoutSeconds = *override.RunnerTimeoutSeconds
	}

	return effective, nil
}
