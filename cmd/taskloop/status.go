package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mark3labs/taskloop/internal/config"
	"github.com/mark3labs/taskloop/internal/orchestrator"
	"github.com/mark3labs/taskloop/internal/tracker/github"
)

var statusFlags struct {
	mode string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective configuration and backlog state",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusFlags.mode, "mode", "m", "", "Named mode override block to apply")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mode := statusFlags.mode
	if mode == "" {
		mode = cfg.Loop.Mode
	}
	effective, err := config.ResolveMode(mode, cfg.Loop)
	if err != nil {
		return err
	}

	fmt.Printf("Tracker:     %s", cfg.Tracker.Kind)
	if cfg.Tracker.Kind == config.TrackerKindGitHub {
		fmt.Printf(" (%s)", cfg.Tracker.GitHub.Repo)
	} else {
		fmt.Printf(" (%s)", cfg.Tracker.Local.Path)
	}
	fmt.Println()
	fmt.Printf("Mode:        %s\n", effective.Mode)
	if effective.MaxIterations > 0 {
		fmt.Printf("Iterations:  up to %d\n", effective.MaxIterations)
	} else {
		fmt.Println("Iterations:  unlimited")
	}
	fmt.Printf("No-progress: abort after %d\n", effective.NoProgressLimit)
	if len(effective.Gates) == 0 {
		fmt.Println("Gates:       none configured")
	} else {
		fmt.Println("Gates:")
		for _, g := range effective.Gates {
			name := g.Name
			if name == "" {
				name = g.Command
			}
			fmt.Printf("  %-12s %s\n", name, g.Command)
		}
	}

	// Backlog counts come over the tracker; a network-backed tracker may
	// be unreachable, which is not a status failure.
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg, orchestrator.Options{})
	if err != nil {
		return err
	}
	backend, err := orch.BuildBackend(ctx)
	if err != nil {
		fmt.Printf("Backlog:     unavailable (%v)\n", err)
		return nil
	}
	tasks, err := backend.ListTasks(ctx)
	if err != nil {
		fmt.Printf("Backlog:     unavailable (%v)\n", err)
		return nil
	}

	open, done := 0, 0
	for _, t := range tasks {
		if t.Closed {
			done++
		} else {
			open++
		}
	}
	fmt.Printf("Backlog:     %d open, %d done\n", open, done)

	if gh, ok := backend.(*github.Backend); ok {
		state := gh.RateState()
		if state.ResetAt.IsZero() {
			fmt.Println("Rate limit:  no quota data yet")
		} else {
			fmt.Printf("Rate limit:  %d remaining, resets %s\n",
				state.Remaining, state.ResetAt.Local().Format("15:04:05"))
		}
	}
	return nil
}
