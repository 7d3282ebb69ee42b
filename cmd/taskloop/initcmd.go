package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mark3labs/taskloop/internal/config"
	"github.com/mark3labs/taskloop/internal/tracker"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter taskloop.yml and tasks.yml in the current directory",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := writeStarterConfig("taskloop.yml"); err != nil {
		return err
	}
	if err := writeStarterTasks("tasks.yml"); err != nil {
		return err
	}
	fmt.Println("Edit tasks.yml to describe your backlog, then `taskloop run`.")
	return nil
}

func writeStarterConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	cfg := config.Config{
		Agent: config.AgentConfig{
			Command: "opencode",
			Args:    []string{"run"},
		},
		Tracker: config.TrackerConfig{
			Kind:            config.TrackerKindLocal,
			Local:           config.LocalConfig{Path: "tasks.yml"},
			CloseOnDone:     true,
			CommentOnDone:   true,
			AddLabelsOnDone: []string{"completed"},
		},
		Loop: config.LoopConfig{
			NoProgressLimit:      3,
			RunnerTimeoutSeconds: 1800,
			Gates: []config.GateSpec{
				{Name: "build", Command: "go build ./..."},
				{Name: "test", Command: "go test ./..."},
			},
			Modes: map[string]config.ModeOverride{
				"careful": {NoProgressLimit: intPtr(1)},
			},
		},
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshaling starter config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func writeStarterTasks(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	tasks := struct {
		Tasks []tracker.Task `yaml:"tasks"`
	}{
		Tasks: []tracker.Task{
			{
				ID:          "1",
				Title:       "Example task",
				Description: "Replace this with real work.",
				Acceptance:  []string{"the thing is done", "tests pass"},
			},
		},
	}

	data, err := yaml.Marshal(&tasks)
	if err != nil {
		return fmt.Errorf("marshaling starter tasks: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func intPtr(v int) *int { return &v }
