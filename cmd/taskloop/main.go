package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/mark3labs/taskloop/internal/config"
	"github.com/mark3labs/taskloop/internal/logger"
)

// Version set via ldflags during build
var version = "dev"

// exitCode carries the run surface's exit code (0 completed, 1
// incomplete, 2 gate/agent failure) past cobra's error handling.
var exitCode int

func main() {
	// Ensure logger is closed on exit
	defer func() { _ = logger.Close() }()

	if err := fang.Execute(context.Background(), rootCmd, fang.WithVersion(version)); err != nil {
		logger.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:   "taskloop",
	Short: "Gate-checked agent iteration loop over a task tracker",
	Long: `taskloop drives an external coding agent through a task backlog, one
task per iteration: claim the highest-priority eligible task, hand it to
the agent, run the configured gate commands, and mark the task done only
when every gate passed.

Tasks come from a local YAML file or a GitHub Issues repository. Run
history is event-sourced into embedded NATS JetStream, and an MCP server
gives the agent read-only access to the tracker during an iteration.`,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
}

// loadConfig loads configuration and points the logger at the
// configured level and file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if cfg.LogLevel != "" {
		if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
			logger.Default.SetLevel(level)
		}
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		logger.Default.SetOutput(f)
	}

	return cfg, nil
}
