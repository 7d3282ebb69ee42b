// Package errors defines the error taxonomy shared by the loop, the
// tracker backends, and the CLI, plus small helpers for panic recovery
// and multi-error collection during shutdown.
package errors

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
)

// ConfigError indicates invalid configuration: an unknown mode name, a
// malformed schema value, an unrecognized tracker kind. Fatal; surfaced
// before any iteration runs.
type ConfigError struct {
	Field   string // Config field or mode name that failed validation
	Message string // Human-readable description
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config error: " + e.Message
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// NewConfigError creates a ConfigError for the given field.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NewUnknownModeError creates a ConfigError for an unrecognized mode name,
// listing the known mode names so the user can fix the typo.
func NewUnknownModeError(name string, known []string) *ConfigError {
	names := append([]string(nil), known...)
	sort.Strings(names)
	return &ConfigError{
		Field:   "loop.mode",
		Message: fmt.Sprintf("unknown mode %q (known modes: %s)", name, strings.Join(names, ", ")),
	}
}

// AuthError indicates missing or invalid credentials for a network-backed
// tracker. Fatal; Remediation names the credential source to fix.
type AuthError struct {
	Source      string // Credential source that failed (e.g., "token_env GITHUB_TOKEN")
	Remediation string // What the user should do about it
	Err         error  // Underlying cause, if any
}

func (e *AuthError) Error() string {
	msg := "auth error: " + e.Source
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Remediation != "" {
		msg += " (" + e.Remediation + ")"
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError indicates transient connectivity or rate-limit trouble.
// Recoverable: the backend falls back to cache when possible, otherwise
// the iteration fails and the loop continues.
type NetworkError struct {
	Op         string // Operation that failed (e.g., "fetch issues")
	StatusCode int    // HTTP status, 0 when the request never completed
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network error: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NotFoundError indicates a task ID unknown to the backend.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// GateFailure indicates a gate command exited non-zero. Local to one
// iteration: recorded, the task stays open, the loop continues.
type GateFailure struct {
	Gate     string // Gate command that failed
	ExitCode int
	Output   string // Captured combined output (bounded)
}

func (e *GateFailure) Error() string {
	return fmt.Sprintf("gate %q failed with exit code %d", e.Gate, e.ExitCode)
}

// PartialUpdateError indicates the atomic mark-done path could not apply
// every sub-step. The backend has already rolled back the steps it had
// applied before raising this; the task must not be treated as done.
type PartialUpdateError struct {
	TaskID      string
	FailedStep  string // Sub-step that failed (comment, labels, close, strip)
	RolledBack  bool   // Whether rollback of prior steps succeeded
	RollbackErr error  // Non-nil when rollback itself failed
	Err         error  // The sub-step failure
}

func (e *PartialUpdateError) Error() string {
	msg := fmt.Sprintf("partial update on task %s: step %q failed: %v", e.TaskID, e.FailedStep, e.Err)
	if !e.RolledBack {
		msg += fmt.Sprintf("; rollback also failed: %v", e.RollbackErr)
	}
	return msg
}

func (e *PartialUpdateError) Unwrap() error { return e.Err }

// PanicError wraps a recovered panic with its stack trace.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Recover runs fn, converting a panic into a *PanicError return value.
func Recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, StackTrace: string(debug.Stack())}
		}
	}()
	return fn()
}

// MultiError collects errors from multi-step operations (shutdown,
// rollback) where every step should run even after earlier failures.
type MultiError struct {
	errs []error
}

// Append adds a non-nil error to the collection.
func (m *MultiError) Append(err error) {
	if err != nil {
		m.errs = append(m.errs, err)
	}
}

// ErrorOrNil returns nil when no errors were collected, the single error
// when exactly one was, and the MultiError itself otherwise.
func (m *MultiError) ErrorOrNil() error {
	switch len(m.errs) {
	case 0:
		return nil
	case 1:
		return m.errs[0]
	default:
		return m
	}
}

func (m *MultiError) Error() string {
	msgs := make([]string, len(m.errs))
	for i, err := range m.errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d errors occurred: %s", len(m.errs), strings.Join(msgs, "; "))
}

// Unwrap exposes the collected errors to errors.Is/As.
func (m *MultiError) Unwrap() []error { return m.errs }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
