// Package loop implements the per-run iteration state machine: select a
// task from the active tracker, hand it to the agent, run the gates, and
// commit completion or leave the task open. Exactly one task is in
// flight at a time, and a task is marked done only when every gate in
// its iteration passed.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/taskloop/internal/agent"
	"github.com/mark3labs/taskloop/internal/config"
	ierr "github.com/mark3labs/taskloop/internal/errors"
	"github.com/mark3labs/taskloop/internal/gate"
	"github.com/mark3labs/taskloop/internal/history"
	"github.com/mark3labs/taskloop/internal/logger"
	"github.com/mark3labs/taskloop/internal/template"
	"github.com/mark3labs/taskloop/internal/tracker"
)

// Phase names the controller's position within one iteration. Pause and
// stop requests take effect at phase boundaries, never mid-phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSelect
	PhaseExecute
	PhaseGate
	PhaseCommit
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSelect:
		return "select"
	case PhaseExecute:
		return "execute"
	case PhaseGate:
		return "gate"
	case PhaseCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Outcome classifies one iteration's result.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFailed  Outcome = "failed"
	OutcomeNoTask  Outcome = "no_task"
)

// Terminal is the run-level end state.
type Terminal int

const (
	TerminalNone Terminal = iota
	// TerminalDone means no open tasks remain; the run succeeded.
	TerminalDone
	// TerminalBlocked means open tasks exist but none is eligible.
	TerminalBlocked
	// TerminalLimit means the iteration limit was reached.
	TerminalLimit
	// TerminalNoProgress means too many consecutive iterations finished
	// without a commit.
	TerminalNoProgress
	// TerminalStopped means a stop request ended the run.
	TerminalStopped
)

func (t Terminal) String() string {
	switch t {
	case TerminalNone:
		return "running"
	case TerminalDone:
		return "done"
	case TerminalBlocked:
		return "blocked"
	case TerminalLimit:
		return "limit"
	case TerminalNoProgress:
		return "no_progress"
	case TerminalStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Exit codes for the run surface.
const (
	ExitCompleted  = 0 // All tasks done
	ExitIncomplete = 1 // Limit reached, blocked backlog, or stopped early
	ExitFailure    = 2 // A gate or agent failure occurred in some iteration
)

// IterationResult is produced once per iteration, appended to the run
// history, and never mutated after creation.
type IterationResult struct {
	Number      int
	TaskID      string
	Outcome     Outcome
	GateResults []gate.Result
	CommentText string
	StartedAt   time.Time
	EndedAt     time.Time
}

// AgentInvoker is the black-box seam to the external coding agent.
type AgentInvoker interface {
	Run(ctx context.Context, prompt string) (*agent.Result, error)
}

// GateRunner executes a gate sequence.
type GateRunner interface {
	RunAll(ctx context.Context, gates []config.GateSpec) ([]gate.Result, error)
}

// Recorder appends iteration results to the durable run history.
type Recorder interface {
	RecordIteration(ctx context.Context, run string, rec history.IterationRecord) error
}

// Config wires a controller. Backend, Agent, Gates, and Effective are
// required; History and the callbacks are optional.
type Config struct {
	Run       string
	Backend   tracker.Backend
	Agent     AgentInvoker
	Gates     GateRunner
	Effective *config.EffectiveConfig
	History   Recorder

	TemplatePath      string
	ExtraInstructions string
	MCPPort           int

	// OnIteration fires after each iteration result is finalized.
	OnIteration func(IterationResult)
}

// Status is a point-in-time snapshot for the control surface.
type Status struct {
	Run         string  `json:"run"`
	Phase       string  `json:"phase"`
	Iteration   int     `json:"iteration"`
	NoProgress  int     `json:"noProgress"`
	Terminal    string  `json:"terminal"`
	Paused      bool    `json:"paused"`
	HadFailure  bool    `json:"hadFailure"`
	LastTask    string  `json:"lastTask,omitempty"`
	LastOutcome Outcome `json:"lastOutcome,omitempty"`
}

// Controller runs the iteration state machine. One instance per run;
// the loop itself is single-threaded, with Pause/Resume/RequestStop and
// Status safe to call from other goroutines.
type Controller struct {
	cfg Config

	mu         sync.Mutex
	phase      Phase
	iteration  int
	noProgress int
	terminal   Terminal
	hadFailure bool
	paused     bool
	stop       bool
	resumeCh   chan struct{}
	last       *IterationResult

	current *tracker.SelectedTask
}

// New creates a controller. It validates the wiring, not the config
// values; those were validated at load time.
func New(cfg Config) (*Controller, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("loop controller requires a tracker backend")
	}
	if cfg.Agent == nil {
		return nil, fmt.Errorf("loop controller requires an agent invoker")
	}
	if cfg.Gates == nil {
		return nil, fmt.Errorf("loop controller requires a gate runner")
	}
	if cfg.Effective == nil {
		return nil, fmt.Errorf("loop controller requires an effective config")
	}
	return &Controller{cfg: cfg}, nil
}

// Run executes iterations until a terminal state is reached and returns
// the exit code for the run surface. A context error propagates as-is.
func (c *Controller) Run(ctx context.Context) (int, error) {
	logger.Info("Starting iteration loop for run %q (mode %s)", c.cfg.Run, c.cfg.Effective.Mode)

	for {
		done, err := c.Step(ctx)
		if err != nil {
			return ExitFailure, err
		}
		if done {
			break
		}
	}

	terminal := c.Terminal()
	logger.Info("Iteration loop finished: terminal=%s iterations=%d", terminal, c.IterationCount())
	return c.ExitCode(), nil
}

// Step runs exactly one iteration (or reaches a terminal state while
// trying). It returns true when the run is over. The previous iteration
// must have returned to idle; Step never overlaps itself.
func (c *Controller) Step(ctx context.Context) (bool, error) {
	if c.Terminal() != TerminalNone {
		return true, nil
	}

	if err := c.checkpoint(ctx); err != nil {
		return true, err
	}
	if c.Terminal() != TerminalNone {
		return true, nil
	}

	result, err := c.runIteration(ctx)
	if err != nil {
		return true, err
	}
	if result != nil {
		c.finishIteration(ctx, *result)
	}

	c.setPhase(PhaseIdle)
	return c.Terminal() != TerminalNone, nil
}

// runIteration advances through SELECT, EXECUTE, GATE, and COMMIT. A nil
// result with nil error means selection reached a terminal state before
// an iteration began.
func (c *Controller) runIteration(ctx context.Context) (*IterationResult, error) {
	number := c.IterationCount() + 1
	result := &IterationResult{Number: number, StartedAt: time.Now()}

	// SELECT
	c.setPhase(PhaseSelect)
	selected, status, err := c.cfg.Backend.ClaimNextTask(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A failed selection is an iteration failure, not a crash; the
		// loop proceeds to its next decision point.
		logger.Error("Task selection failed: %v", err)
		result.Outcome = OutcomeFailed
		result.CommentText = fmt.Sprintf("task selection failed: %v", err)
		result.EndedAt = time.Now()
		return result, nil
	}

	switch status {
	case tracker.ClaimExhausted:
		logger.Info("No open tasks remain; run complete")
		c.setTerminal(TerminalDone)
		result.Outcome = OutcomeNoTask
		result.EndedAt = time.Now()
		return result, nil
	case tracker.ClaimBlocked:
		logger.Info("Open tasks exist but none is eligible; run blocked")
		c.setTerminal(TerminalBlocked)
		result.Outcome = OutcomeBlocked
		result.EndedAt = time.Now()
		return result, nil
	}

	c.setSelected(selected)
	defer c.setSelected(nil) // snapshot dies with the iteration
	result.TaskID = selected.Task.ID
	logger.Info("=== Iteration #%d: task %s %q ===", number, selected.Task.ID, selected.Task.Title)

	if err := c.checkpoint(ctx); err != nil {
		return nil, err
	}
	if c.Terminal() != TerminalNone {
		return nil, nil
	}

	// EXECUTE
	c.setPhase(PhaseExecute)
	prompt, err := template.BuildPrompt(template.BuildConfig{
		Selected:          selected,
		Iteration:         number,
		MaxIterations:     c.cfg.Effective.MaxIterations,
		TemplatePath:      c.cfg.TemplatePath,
		ExtraInstructions: c.cfg.ExtraInstructions,
		MCPPort:           c.mcpPort(),
	})
	if err != nil {
		return nil, err
	}

	var agentResult *agent.Result
	err = ierr.Recover(func() error {
		var runErr error
		agentResult, runErr = c.cfg.Agent.Run(ctx, prompt)
		return runErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var panicErr *ierr.PanicError
		if errors.As(err, &panicErr) {
			logger.Error("Iteration #%d panicked: %s", number, panicErr.StackTrace)
			return nil, fmt.Errorf("iteration #%d panicked: %w", number, err)
		}
		logger.Error("Agent invocation failed: %v", err)
		result.Outcome = OutcomeFailed
		result.CommentText = fmt.Sprintf("agent invocation failed: %v", err)
		result.EndedAt = time.Now()
		return result, nil
	}
	if !agentResult.Success() {
		// A failed or timed-out agent run is never retried within the
		// same iteration; the task stays open.
		result.Outcome = OutcomeFailed
		if agentResult.TimedOut {
			result.CommentText = "agent invocation timed out"
		} else {
			result.CommentText = fmt.Sprintf("agent exited with code %d", agentResult.ExitCode)
		}
		result.EndedAt = time.Now()
		return result, nil
	}

	if err := c.checkpoint(ctx); err != nil {
		return nil, err
	}
	if c.Terminal() != TerminalNone {
		return nil, nil
	}

	// GATE
	c.setPhase(PhaseGate)
	gateResults, err := c.cfg.Gates.RunAll(ctx, c.cfg.Effective.Gates)
	result.GateResults = gateResults
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var failure *ierr.GateFailure
		if !errors.As(err, &failure) {
			return nil, err
		}
		result.Outcome = OutcomeFailed
		result.CommentText = fmt.Sprintf("gate %q failed with exit code %d", failure.Gate, failure.ExitCode)
		result.EndedAt = time.Now()
		return result, nil
	}

	if err := c.checkpoint(ctx); err != nil {
		return nil, err
	}
	if c.Terminal() != TerminalNone {
		return nil, nil
	}

	// COMMIT: only reached when every gate passed.
	c.setPhase(PhaseCommit)
	comment := commitComment(number, gateResults)
	if err := c.cfg.Backend.MarkTaskDone(ctx, selected.Task.ID, comment); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// PartialUpdateError means the backend already rolled back; the
		// task must not be treated as done either way.
		logger.Error("Commit failed for task %s: %v", selected.Task.ID, err)
		result.Outcome = OutcomeFailed
		result.CommentText = fmt.Sprintf("commit failed: %v", err)
		result.EndedAt = time.Now()
		return result, nil
	}

	logger.Info("Task %s marked done", selected.Task.ID)
	result.Outcome = OutcomeDone
	result.CommentText = comment
	result.EndedAt = time.Now()
	return result, nil
}

// finishIteration folds the result into run-level state: the no-progress
// counter, the failure flag, the terminal checks, the history log, and
// the notification callback.
func (c *Controller) finishIteration(ctx context.Context, result IterationResult) {
	c.mu.Lock()
	if result.Outcome == OutcomeDone || result.Outcome == OutcomeFailed || result.TaskID != "" {
		c.iteration++
		result.Number = c.iteration
	}
	switch result.Outcome {
	case OutcomeDone:
		c.noProgress = 0
	case OutcomeFailed:
		c.hadFailure = true
		c.noProgress++
	}
	noProgress := c.noProgress
	iteration := c.iteration
	resultCopy := result
	c.last = &resultCopy
	c.mu.Unlock()

	if c.cfg.History != nil && (result.Outcome == OutcomeDone || result.Outcome == OutcomeFailed) {
		rec := history.IterationRecord{
			Number:      result.Number,
			TaskID:      result.TaskID,
			Outcome:     string(result.Outcome),
			GateResults: result.GateResults,
			CommentText: result.CommentText,
			StartedAt:   result.StartedAt,
			EndedAt:     result.EndedAt,
		}
		if err := c.cfg.History.RecordIteration(ctx, c.cfg.Run, rec); err != nil {
			logger.Warn("Failed to record iteration history: %v", err)
		}
	}

	if c.Terminal() == TerminalNone {
		limit := c.cfg.Effective.NoProgressLimit
		if limit > 0 && noProgress >= limit {
			logger.Warn("No progress in %d consecutive iterations, aborting run", noProgress)
			c.setTerminal(TerminalNoProgress)
		} else if max := c.cfg.Effective.MaxIterations; max > 0 && iteration >= max {
			logger.Info("Reached iteration limit of %d", max)
			c.setTerminal(TerminalLimit)
		}
	}

	if c.cfg.OnIteration != nil {
		c.cfg.OnIteration(result)
	}
}

// commitComment builds the iteration summary comment attached to the
// task on commit.
func commitComment(number int, gateResults []gate.Result) string {
	if len(gateResults) == 0 {
		return fmt.Sprintf("Completed by taskloop iteration #%d (no gates configured).", number)
	}
	names := make([]string, len(gateResults))
	for i, r := range gateResults {
		names[i] = r.Name
	}
	return fmt.Sprintf("Completed by taskloop iteration #%d. Gates passed: %s.", number, strings.Join(names, ", "))
}

// checkpoint is the phase-boundary cancellation point: it honors a stop
// request, blocks while paused, and propagates context cancellation.
func (c *Controller) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.stop && c.terminal == TerminalNone {
		c.terminal = TerminalStopped
	}
	for c.paused && !c.stop && c.terminal == TerminalNone {
		ch := c.resumeCh
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		if c.stop && c.terminal == TerminalNone {
			c.terminal = TerminalStopped
		}
	}
	c.mu.Unlock()
	return nil
}

// Pause requests a pause; it takes effect at the next phase boundary.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.resumeCh = make(chan struct{})
	logger.Info("Pause requested")
}

// Resume lifts a pause.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	close(c.resumeCh)
	logger.Info("Resumed")
}

// RequestStop asks the run to end at the next phase boundary. It also
// lifts any pause so a paused run can actually stop.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop = true
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
	logger.Info("Stop requested")
}

// ExitCode maps the run's end state to the exit code contract: 0 when
// every task completed, 2 when any iteration saw a gate or agent
// failure, 1 otherwise (limit reached, blocked, or stopped early).
func (c *Controller) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hadFailure {
		return ExitFailure
	}
	if c.terminal == TerminalDone {
		return ExitCompleted
	}
	return ExitIncomplete
}

// Terminal returns the run's terminal state, TerminalNone while running.
func (c *Controller) Terminal() Terminal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// IterationCount returns how many iterations have completed.
func (c *Controller) IterationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iteration
}

// Status returns a snapshot for the control surface.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Run:        c.cfg.Run,
		Phase:      c.phase.String(),
		Iteration:  c.iteration,
		NoProgress: c.noProgress,
		Terminal:   c.terminal.String(),
		Paused:     c.paused,
		HadFailure: c.hadFailure,
	}
	if c.last != nil {
		s.LastTask = c.last.TaskID
		s.LastOutcome = c.last.Outcome
	}
	return s
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Controller) setTerminal(t Terminal) {
	c.mu.Lock()
	if c.terminal == TerminalNone {
		c.terminal = t
	}
	c.mu.Unlock()
}

func (c *Controller) setSelected(sel *tracker.SelectedTask) {
	c.mu.Lock()
	c.current = sel
	c.mu.Unlock()
}

// SetMCPPort records the MCP server's bound port so prompts can point
// the agent at it. Call it before the first iteration.
func (c *Controller) SetMCPPort(port int) {
	c.mu.Lock()
	c.cfg.MCPPort = port
	c.mu.Unlock()
}

func (c *Controller) mcpPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.MCPPort
}

// CurrentTask returns the task owned by the in-flight iteration, nil
// between iterations. The MCP tools read it.
func (c *Controller) CurrentTask() *tracker.SelectedTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
