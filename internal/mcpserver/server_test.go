package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mark3labs/taskloop/internal/history"
	"github.com/mark3labs/taskloop/internal/tracker"
)

type stubSource struct {
	selected *tracker.SelectedTask
}

func (s *stubSource) CurrentTask() *tracker.SelectedTask { return s.selected }

type stubLister struct {
	tasks []tracker.Task
	err   error
}

func (l *stubLister) ListTasks(ctx context.Context) ([]tracker.Task, error) {
	return l.tasks, l.err
}

type stubHistory struct {
	state *history.RunState
	err   error
}

func (h *stubHistory) LoadState(ctx context.Context, run string) (*history.RunState, error) {
	return h.state, h.err
}

// extractText is a helper function to extract text from a CallToolResult.
func extractText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	if textContent, ok := result.Content[0].(mcp.TextContent); ok {
		return textContent.Text
	}
	return ""
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// TestServerStartRandomPort verifies that Start() selects a random available port.
func TestServerStartRandomPort(t *testing.T) {
	server := New("run-1", &stubSource{}, &stubLister{}, nil)
	ctx := context.Background()

	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if port <= 0 || port > 65535 {
		t.Errorf("Invalid port number: %d", port)
	}

	expectedURL := fmt.Sprintf("http://localhost:%d/mcp", port)
	if server.URL() != expectedURL {
		t.Errorf("URL mismatch: got %s, want %s", server.URL(), expectedURL)
	}

	if err := server.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
}

// TestServerDoubleStart verifies that calling Start() twice returns an error.
func TestServerDoubleStart(t *testing.T) {
	server := New("run-1", &stubSource{}, &stubLister{}, nil)
	ctx := context.Background()

	_, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("First Start() failed: %v", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			t.Errorf("Stop() failed: %v", err)
		}
	}()

	_, err = server.Start(ctx)
	if err == nil {
		t.Error("Second Start() should have returned an error")
	}
}

func TestTaskCurrentWithTask(t *testing.T) {
	source := &stubSource{selected: &tracker.SelectedTask{
		Task: tracker.Task{
			ID:         "42",
			Title:      "Fix the widget",
			Acceptance: []string{"widget fixed", "tests pass"},
		},
		SelectedAt: time.Now(),
	}}
	server := New("run-1", source, &stubLister{}, nil)

	result, err := server.handleTaskCurrent(context.Background(), callRequest("task_current", nil))
	if err != nil {
		t.Fatalf("handleTaskCurrent returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success, got error: %s", extractText(result))
	}

	text := extractText(result)
	if !strings.Contains(text, `"id":"42"`) {
		t.Errorf("Expected task id in output, got: %s", text)
	}
	if !strings.Contains(text, "widget fixed") {
		t.Errorf("Expected acceptance criteria in output, got: %s", text)
	}
}

func TestTaskCurrentWithoutTask(t *testing.T) {
	server := New("run-1", &stubSource{}, &stubLister{}, nil)

	result, err := server.handleTaskCurrent(context.Background(), callRequest("task_current", nil))
	if err != nil {
		t.Fatalf("handleTaskCurrent returned error: %v", err)
	}

	if got := extractText(result); got != "No task is currently in flight" {
		t.Errorf("Unexpected output: %s", got)
	}
}

func TestTaskListGroupsTasks(t *testing.T) {
	lister := &stubLister{tasks: []tracker.Task{
		{ID: "1", Title: "Open one"},
		{ID: "2", Title: "Done one", Closed: true},
		{ID: "3", Title: "Open two"},
	}}
	server := New("run-1", &stubSource{}, lister, nil)

	result, err := server.handleTaskList(context.Background(), callRequest("task_list", nil))
	if err != nil {
		t.Fatalf("handleTaskList returned error: %v", err)
	}

	text := extractText(result)
	if !strings.Contains(text, "[1] Open one") || !strings.Contains(text, "[3] Open two") {
		t.Errorf("Expected open tasks in output, got: %s", text)
	}
	if strings.Contains(text, "Done one") {
		t.Errorf("Done tasks should be hidden by default, got: %s", text)
	}

	result, err = server.handleTaskList(context.Background(), callRequest("task_list", map[string]any{"include_done": true}))
	if err != nil {
		t.Fatalf("handleTaskList returned error: %v", err)
	}
	if text := extractText(result); !strings.Contains(text, "[2] Done one") {
		t.Errorf("Expected done task with include_done, got: %s", text)
	}
}

func TestTaskListEmpty(t *testing.T) {
	server := New("run-1", &stubSource{}, &stubLister{}, nil)

	result, err := server.handleTaskList(context.Background(), callRequest("task_list", nil))
	if err != nil {
		t.Fatalf("handleTaskList returned error: %v", err)
	}
	if got := extractText(result); got != "No tasks" {
		t.Errorf("Unexpected output: %s", got)
	}
}

func TestTaskListError(t *testing.T) {
	lister := &stubLister{err: fmt.Errorf("network down")}
	server := New("run-1", &stubSource{}, lister, nil)

	result, err := server.handleTaskList(context.Background(), callRequest("task_list", nil))
	if err != nil {
		t.Fatalf("handleTaskList returned error: %v", err)
	}
	if !result.IsError {
		t.Error("Expected error result")
	}
}

func TestHistorySummary(t *testing.T) {
	hist := &stubHistory{state: &history.RunState{
		Run:    "run-1",
		Status: "running",
		Iterations: []*history.IterationRecord{
			{Number: 1, TaskID: "1", Outcome: "done"},
			{Number: 2, TaskID: "2", Outcome: "failed"},
		},
	}}
	server := New("run-1", &stubSource{}, &stubLister{}, hist)

	result, err := server.handleHistorySummary(context.Background(), callRequest("history_summary", nil))
	if err != nil {
		t.Fatalf("handleHistorySummary returned error: %v", err)
	}

	text := extractText(result)
	if !strings.Contains(text, "2 iterations") || !strings.Contains(text, "1 done") {
		t.Errorf("Unexpected summary: %s", text)
	}
}

func TestHistorySummaryUnconfigured(t *testing.T) {
	server := New("run-1", &stubSource{}, &stubLister{}, nil)

	result, err := server.handleHistorySummary(context.Background(), callRequest("history_summary", nil))
	if err != nil {
		t.Fatalf("handleHistorySummary returned error: %v", err)
	}
	if got := extractText(result); got != "No run history is configured" {
		t.Errorf("Unexpected output: %s", got)
	}
}
