package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mark3labs/taskloop/internal/control"
	"github.com/mark3labs/taskloop/internal/loop"
	"github.com/mark3labs/taskloop/internal/orchestrator"
)

var serveFlags struct {
	name      string
	mode      string
	template  string
	workDir   string
	noHistory bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the control protocol on stdin/stdout",
	Long: `Serve the newline-delimited JSON control protocol for an editor
integration: requests carry an id, responses correlate by id, and event
notifications stream without one.

Methods: ping, status, step, run (optional maxIterations), stop, pause,
resume. Logs never touch stdout; set TASKLOOP_LOG_FILE to capture them.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveFlags.name, "name", "n", "", "Run name (default: derived from the tracker)")
	serveCmd.Flags().StringVarP(&serveFlags.mode, "mode", "m", "", "Named mode override block to apply")
	serveCmd.Flags().StringVarP(&serveFlags.template, "template", "t", "", "Custom prompt template file")
	serveCmd.Flags().StringVar(&serveFlags.workDir, "work-dir", "", "Working directory for the agent and gates")
	serveCmd.Flags().BoolVar(&serveFlags.noHistory, "no-history", false, "Skip the durable run history")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	// The control server is created after the orchestrator but receives
	// iteration events from it, so the callback binds late.
	var srv *control.Server
	orch, err := orchestrator.New(ctx, cfg, orchestrator.Options{
		RunName:      serveFlags.name,
		Mode:         serveFlags.mode,
		TemplatePath: serveFlags.template,
		WorkDir:      serveFlags.workDir,
		NoHistory:    serveFlags.noHistory,
		OnIteration: func(r loop.IterationResult) {
			if srv != nil {
				srv.NotifyIteration(r)
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

	srv = control.NewServer(orch.Controller(), os.Stdin, os.Stdout)
	if err := srv.Serve(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("control server failed: %w", err)
	}
	return nil
}
