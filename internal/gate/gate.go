// Package gate runs the configured pass/fail checks after each agent
// invocation. A gate is a shell command; non-zero exit is a failure and
// the task stays open. Gates are never retried within an iteration.
package gate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/mark3labs/taskloop/internal/config"
	ierr "github.com/mark3labs/taskloop/internal/errors"
	"github.com/mark3labs/taskloop/internal/logger"
)

const (
	// DefaultTimeout applies to gates without an explicit timeout.
	DefaultTimeout = 600 * time.Second

	// maxOutputBytes caps captured gate output so one noisy command
	// cannot bloat the iteration history.
	maxOutputBytes = 64 << 10
)

// Result is the outcome of one gate command.
type Result struct {
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"` // Combined stdout/stderr, capped
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// Runner executes gate sequences in a working directory.
type Runner struct {
	workDir string
}

// NewRunner creates a gate runner rooted at workDir.
func NewRunner(workDir string) *Runner {
	return &Runner{workDir: workDir}
}

// RunAll executes the gates in order and returns every result. The first
// failure stops the sequence and is returned as a *errors.GateFailure;
// gates after it never run. A cancelled context propagates as-is.
func (r *Runner) RunAll(ctx context.Context, gates []config.GateSpec) ([]Result, error) {
	results := make([]Result, 0, len(gates))
	for _, spec := range gates {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result, err := r.run(ctx, spec)
		if err != nil {
			return results, err
		}
		results = append(results, result)

		if !result.Passed {
			logger.Info("Gate %q failed (exit %d) after %s", result.Name, result.ExitCode, result.Duration.Round(time.Millisecond))
			return results, &ierr.GateFailure{
				Gate:     result.Name,
				ExitCode: result.ExitCode,
				Output:   result.Output,
			}
		}
		logger.Debug("Gate %q passed in %s", result.Name, result.Duration.Round(time.Millisecond))
	}
	return results, nil
}

// run executes one gate via the shell with its configured timeout.
func (r *Runner) run(ctx context.Context, spec config.GateSpec) (Result, error) {
	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", spec.Command)
	cmd.Dir = r.workDir

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	result := Result{
		Name:     gateName(spec),
		Command:  spec.Command,
		Output:   capOutput(combined.String()),
		Duration: duration,
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		result.Output = fmt.Sprintf("[gate timed out after %s]\n%s", timeout, result.Output)
		return result, nil
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Output = fmt.Sprintf("[gate could not start: %v]\n%s", err, result.Output)
		}
		return result, nil
	}

	result.Passed = true
	return result, nil
}

func gateName(spec config.GateSpec) string {
	if spec.Name != "" {
		return spec.Name
	}
	return spec.Command
}

// capOutput truncates output to the cap, keeping the tail where the
// failing assertion usually is.
func capOutput(out string) string {
	if len(out) <= maxOutputBytes {
		return out
	}
	return "[output truncated]\n" + out[len(out)-maxOutputBytes:]
}
