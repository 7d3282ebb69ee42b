// Package agent spawns the external coding agent as a subprocess, one
// invocation per iteration. The loop treats it strictly as a black box:
// prompt in over stdin, output lines out, plus success/failure and
// timeout signals. A failed invocation is never retried within the same
// iteration.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mark3labs/taskloop/internal/logger"
)

// maxOutputBytes bounds the captured output tail kept in the result.
const maxOutputBytes = 64 << 10

// Config holds configuration for creating a Runner.
type Config struct {
	Command  string            // Agent binary, e.g. "opencode"
	Args     []string          // Arguments passed on every invocation
	WorkDir  string            // Working directory for the agent
	Timeout  time.Duration     // Per-invocation timeout, 0 means none
	OnOutput func(line string) // Optional callback per output line
}

// Result is the outcome of one agent invocation.
type Result struct {
	Output   string        // Captured combined output, tail-capped
	ExitCode int           // -1 when the process did not exit normally
	TimedOut bool          // The runner timeout fired
	Duration time.Duration //
}

// Success reports whether the invocation completed cleanly.
func (r *Result) Success() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Runner manages agent subprocess execution for each iteration.
type Runner struct {
	cfg Config
}

// NewRunner creates a runner. Command defaults to "opencode".
func NewRunner(cfg Config) *Runner {
	if cfg.Command == "" {
		cfg.Command = "opencode"
	}
	return &Runner{cfg: cfg}
}

// Run executes one agent invocation: the prompt goes in over stdin, the
// combined output streams through the callback and accumulates in the
// result. A timeout marks the result instead of erroring; only context
// cancellation and setup failures return an error.
func (r *Runner) Run(ctx context.Context, prompt string) (*Result, error) {
	execCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	logger.Debug("Starting agent: %s %s", r.cfg.Command, strings.Join(r.cfg.Args, " "))
	cmd := exec.CommandContext(execCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent %s: %w", r.cfg.Command, err)
	}

	logger.Debug("Sending prompt to agent (length: %d)", len(prompt))
	if _, err := io.WriteString(stdin, prompt); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("writing prompt: %w", err)
	}
	stdin.Close()

	var output strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if r.cfg.OnOutput != nil {
			r.cfg.OnOutput(line)
		}
		output.WriteString(line)
		output.WriteByte('\n')
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &Result{
		Output:   capOutput(output.String()),
		Duration: duration,
	}

	if execCtx.Err() == context.DeadlineExceeded {
		logger.Warn("Agent timed out after %s", r.cfg.Timeout)
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			logger.Warn("Agent exited with code %d after %s", result.ExitCode, duration.Round(time.Millisecond))
			return result, nil
		}
		return nil, fmt.Errorf("agent failed: %w", waitErr)
	}

	logger.Debug("Agent completed in %s", duration.Round(time.Millisecond))
	return result, nil
}

// capOutput keeps the output tail; the end of a transcript is where the
// agent reports what it did.
func capOutput(out string) string {
	if len(out) <= maxOutputBytes {
		return out
	}
	return "[output truncated]\n" + out[len(out)-maxOutputBytes:]
}
