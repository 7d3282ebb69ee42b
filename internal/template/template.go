// Package template renders the per-iteration prompt handed to the
// external coding agent from the selected task and the run context.
package template

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mark3labs/taskloop/internal/tracker"
)

// Variables holds the data to be injected into template placeholders.
type Variables struct {
	TaskID     string // Selected task identifier
	Title      string // Task title
	Iteration  string // Current iteration number
	Max        string // Max iterations, "unlimited" when zero
	Spec       string // Task description
	Acceptance string // Formatted acceptance checklist
	Notes      string // Task notes (empty if none)
	Extra      string // Extra instructions
	Port       string // MCP server port
}

// Render replaces {{variable}} placeholders in template with actual
// values. Unknown placeholders pass through unchanged.
func Render(template string, vars Variables) string {
	replacements := map[string]string{
		"{{task_id}}":    vars.TaskID,
		"{{title}}":      vars.Title,
		"{{iteration}}":  vars.Iteration,
		"{{max}}":        vars.Max,
		"{{spec}}":       vars.Spec,
		"{{acceptance}}": vars.Acceptance,
		"{{notes}}":      vars.Notes,
		"{{extra}}":      vars.Extra,
		"{{port}}":       vars.Port,
	}

	result := template
	for placeholder, value := range replacements {
		result = strings.ReplaceAll(result, placeholder, value)
	}
	return result
}

// LoadFromFile loads a template from a file.
func LoadFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read template file %s: %w", path, err)
	}
	return string(data), nil
}

// GetTemplate returns the template content: the custom file when a path
// is given, otherwise the embedded default.
func GetTemplate(customPath string) (string, error) {
	if customPath == "" {
		return DefaultTemplate, nil
	}
	return LoadFromFile(customPath)
}

// BuildConfig holds configuration for building a prompt.
type BuildConfig struct {
	Selected          *tracker.SelectedTask
	Iteration         int    // Current iteration number, 1-based
	MaxIterations     int    // 0 means unlimited
	TemplatePath      string // Path to custom template (optional)
	ExtraInstructions string // Extra instructions (optional)
	MCPPort           int    // MCP server port, 0 when not running
}

// BuildPrompt formats the selected task and injects it into the
// template. This is the single path from SelectedTask to agent input.
func BuildPrompt(cfg BuildConfig) (string, error) {
	if cfg.Selected == nil {
		return "", fmt.Errorf("no selected task to build prompt from")
	}

	tmpl, err := GetTemplate(cfg.TemplatePath)
	if err != nil {
		return "", err
	}

	task := cfg.Selected.Task
	vars := Variables{
		TaskID:     task.ID,
		Title:      task.Title,
		Iteration:  strconv.Itoa(cfg.Iteration),
		Max:        formatMax(cfg.MaxIterations),
		Spec:       task.Description,
		Acceptance: FormatAcceptance(task.Acceptance),
		Notes:      FormatNotes(task.Notes),
		Extra:      cfg.ExtraInstructions,
		Port:       strconv.Itoa(cfg.MCPPort),
	}
	return Render(tmpl, vars), nil
}

// FormatAcceptance renders the acceptance entries as a markdown
// checklist. Empty input yields a placeholder so the agent knows there
// are no explicit criteria.
func FormatAcceptance(entries []string) string {
	if len(entries) == 0 {
		return "(no explicit acceptance criteria; use the description)"
	}
	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "- [ ] %s\n", entry)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatNotes wraps task notes in a section header, or returns empty so
// the template collapses cleanly when there are none.
func FormatNotes(notes string) string {
	if strings.TrimSpace(notes) == "" {
		return ""
	}
	return "## Notes\n" + strings.TrimSpace(notes)
}

func formatMax(max int) string {
	if max <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(max)
}
