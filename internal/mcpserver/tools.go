package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the read-only tracker tools with the MCP server.
func (s *Server) registerTools() error {
	s.mcpServer.AddTool(
		mcp.NewTool("task_current",
			mcp.WithDescription("Get the task this iteration is working on, including its acceptance criteria"),
		),
		s.handleTaskCurrent,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("task_list",
			mcp.WithDescription("List tasks in the tracker, grouped by open and done"),
			mcp.WithBoolean("include_done",
				mcp.Description("Include completed tasks (default: false)"),
			),
		),
		s.handleTaskList,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("history_summary",
			mcp.WithDescription("Get a digest of this run's iterations so far"),
		),
		s.handleHistorySummary,
	)

	return nil
}

// handleTaskCurrent returns the in-flight task as JSON.
func (s *Server) handleTaskCurrent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	selected := s.source.CurrentTask()
	if selected == nil {
		return mcp.NewToolResultText("No task is currently in flight"), nil
	}

	output, err := json.Marshal(map[string]any{
		"id":          selected.Task.ID,
		"title":       selected.Task.Title,
		"description": selected.Task.Description,
		"acceptance":  selected.Task.Acceptance,
		"notes":       selected.Task.Notes,
		"labels":      selected.Task.Labels,
		"selected_at": selected.SelectedAt,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal task: %v", err)), nil
	}

	return mcp.NewToolResultText(string(output)), nil
}

// handleTaskList returns the tracker's tasks grouped by state.
func (s *Server) handleTaskList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	includeDone := false
	if args := request.GetArguments(); args != nil {
		if v, ok := args["include_done"].(bool); ok {
			includeDone = v
		}
	}

	tasks, err := s.lister.ListTasks(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	var open, done []string
	for _, t := range tasks {
		line := fmt.Sprintf("  [%s] %s", t.ID, t.Title)
		if t.Closed {
			done = append(done, line)
		} else {
			open = append(open, line)
		}
	}

	var lines []string
	if len(open) > 0 {
		lines = append(lines, "Open:")
		lines = append(lines, open...)
	}
	if includeDone && len(done) > 0 {
		lines = append(lines, "Done:")
		lines = append(lines, done...)
	}

	if len(lines) == 0 {
		return mcp.NewToolResultText("No tasks"), nil
	}

	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

// handleHistorySummary replays the run's history and returns the digest.
func (s *Server) handleHistorySummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultText("No run history is configured"), nil
	}

	state, err := s.history.LoadState(ctx, s.run)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run history: %v", err)), nil
	}

	return mcp.NewToolResultText(state.Summary()), nil
}
