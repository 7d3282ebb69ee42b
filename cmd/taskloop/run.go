package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mark3labs/taskloop/internal/loop"
	"github.com/mark3labs/taskloop/internal/orchestrator"
)

var runFlags struct {
	name              string
	mode              string
	template          string
	extraInstructions string
	iterations        int
	workDir           string
	noHistory         bool
	quiet             bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the iteration loop to completion",
	Long: `Run the iteration loop until the backlog is exhausted, the iteration
limit is reached, or the loop stops making progress.

Exit codes: 0 all tasks completed, 1 incomplete (limit reached or the
backlog is blocked), 2 a gate or agent failure occurred.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.name, "name", "n", "", "Run name (default: derived from the tracker)")
	runCmd.Flags().StringVarP(&runFlags.mode, "mode", "m", "", "Named mode override block to apply")
	runCmd.Flags().StringVarP(&runFlags.template, "template", "t", "", "Custom prompt template file")
	runCmd.Flags().StringVarP(&runFlags.extraInstructions, "extra-instructions", "e", "", "Extra instructions for the prompt")
	runCmd.Flags().IntVarP(&runFlags.iterations, "iterations", "i", 0, "Max iterations, 0 = use config")
	runCmd.Flags().StringVar(&runFlags.workDir, "work-dir", "", "Working directory for the agent and gates")
	runCmd.Flags().BoolVar(&runFlags.noHistory, "no-history", false, "Skip the durable run history")
	runCmd.Flags().BoolVarP(&runFlags.quiet, "quiet", "q", false, "Suppress agent output")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var onOutput func(string)
	if !runFlags.quiet {
		onOutput = func(line string) { fmt.Println(line) }
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg, orchestrator.Options{
		RunName:           runFlags.name,
		Mode:              runFlags.mode,
		TemplatePath:      runFlags.template,
		ExtraInstructions: runFlags.extraInstructions,
		MaxIterations:     runFlags.iterations,
		WorkDir:           runFlags.workDir,
		NoHistory:         runFlags.noHistory,
		OnAgentOutput:     onOutput,
		OnIteration: func(r loop.IterationResult) {
			if r.TaskID != "" {
				fmt.Printf("iteration #%d: task %s -> %s\n", r.Number, r.TaskID, r.Outcome)
			}
		},
	})
	if err != nil {
		return err
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := orch.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}()

	// First signal asks the loop to stop at the next phase boundary; a
	// second one cancels outright.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nStopping at the next phase boundary (interrupt again to abort)...")
		orch.Controller().RequestStop()
		<-sigChan
		cancel()
	}()

	code, err := orch.Execute(ctx)
	if err != nil {
		return fmt.Errorf("iteration loop failed: %w", err)
	}

	fmt.Printf("Run %s finished: %s after %d iteration(s)\n",
		orch.Run(), orch.Controller().Terminal(), orch.Controller().IterationCount())
	exitCode = code
	return nil
}
