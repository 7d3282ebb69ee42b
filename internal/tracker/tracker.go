// Package tracker defines the task-tracker contract shared by all
// backends, plus the selection and body-parsing logic every backend
// applies the same way. A backend implements the four contract
// operations; everything else lives here so selection stays
// deterministic regardless of where the tasks come from.
package tracker

import (
	"context"
	"time"
)

// Task is one unit of trackable work as the backend reports it.
type Task struct {
	ID          string   `json:"id"`          // Tracker-assigned, stable
	Title       string   `json:"title"`       //
	Description string   `json:"description"` // Body text before the acceptance header
	Acceptance  []string `json:"acceptance"`  // Ordered checklist entries
	Notes       string   `json:"notes"`       // Body text after the acceptance section
	Labels      []string `json:"labels"`      //
	Milestone   int      `json:"milestone"`   // Milestone rank, 0 = none
	Closed      bool     `json:"closed"`      //
	Draft       bool     `json:"draft"`       //
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(name string) bool {
	for _, l := range t.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// SelectedTask is an immutable snapshot of a Task plus the selection
// timestamp. The iteration controller owns it for exactly one iteration
// and discards it at iteration end regardless of outcome.
type SelectedTask struct {
	Task       Task
	SelectedAt time.Time
}

// ClaimStatus distinguishes the two ways ClaimNextTask can come up empty.
// The controller translates Exhausted into a successful DONE terminal
// state and Blocked into a failing BLOCKED one.
type ClaimStatus int

const (
	// ClaimOK means a task was selected.
	ClaimOK ClaimStatus = iota
	// ClaimExhausted means no open tasks remain (all closed or none exist).
	ClaimExhausted
	// ClaimBlocked means open tasks exist but none is eligible.
	ClaimBlocked
)

// String returns the human-readable name of the claim status.
func (s ClaimStatus) String() string {
	switch s {
	case ClaimOK:
		return "ok"
	case ClaimExhausted:
		return "exhausted"
	case ClaimBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Filter holds the eligibility criteria applied during selection.
type Filter struct {
	RequireLabels []string // Every label must be present
	ExcludeLabels []string // No label may be present
	SkipDrafts    bool     // Drafts are ineligible when set
}

// Backend is the tracker contract. Implementations are selected by
// configuration from a closed set; adding a backend means implementing
// these four operations, nothing more.
type Backend interface {
	// ClaimNextTask returns the highest-priority eligible task, or nil
	// with a status explaining why nothing qualified. Read-only: claiming
	// never mutates backend state.
	ClaimNextTask(ctx context.Context) (*SelectedTask, ClaimStatus, error)

	// IsTaskDone reports the backend's closed state for the task.
	// Returns a *errors.NotFoundError when the id is unknown.
	IsTaskDone(ctx context.Context, taskID string) (bool, error)

	// ForceTaskOpen reopens a closed task and strips completion marker
	// labels. Idempotent: calling it on an open task is a no-op.
	ForceTaskOpen(ctx context.Context, taskID string) error

	// MarkTaskDone applies comment, completion labels, and close as one
	// logical unit. If any sub-step fails the backend rolls back the
	// steps it applied and returns a *errors.PartialUpdateError.
	MarkTaskDone(ctx context.Context, taskID string, comment string) error
}
