// Command agentum runs the agent orchestration service and a small CLI
// driver that exercises the same task runner the HTTP surface uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentum-dev/agentum"
	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/runner"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "agentum",
		Short:         "Agentum orchestrates autonomous agent executions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "configuration directory (default \"config\")")

	root.AddCommand(serveCmd(&configDir))
	root.AddCommand(runCmd(&configDir))
	root.AddCommand(sessionsCmd(&configDir))
	return root
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("AGENTUM_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func newApp(configDir string, logger *slog.Logger) (*agentum.App, error) {
	return agentum.New(
		agentum.WithVersion(version),
		agentum.WithLogger(logger),
		agentum.WithConfigDir(configDir),
	)
}

func serveCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/SSE API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := newApp(*configDir, logger)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
}

func runCmd(configDir *string) *cobra.Command {
	var (
		task     string
		modelArg string
		resume   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one task and stream its events to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if task == "" {
				return fmt.Errorf("--task is required")
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := newApp(*configDir, logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(context.Background()) }()

			r := app.Runner()
			lc := r.Lifecycle()

			var session model.Session
			taskText := task
			resumeID := ""
			if resume != "" {
				session, err = lc.Get(ctx, resume, "")
				if err != nil {
					return err
				}
				taskText, resumeID, err = lc.ResumeTask(ctx, session, task)
				if err != nil {
					return err
				}
			} else {
				user, userErr := lc.EnsureUser(ctx, "cli")
				if userErr != nil {
					return userErr
				}
				session, err = lc.Create(ctx, user.ID, task, modelArg)
				if err != nil {
					return err
				}
			}

			if err := r.Start(ctx, session, taskText, resumeID, runner.TaskOverrides{Model: modelArg}); err != nil {
				return err
			}

			h, ok := r.Registry().Hub(session.ID)
			if !ok {
				return fmt.Errorf("session %s is not live", session.ID)
			}

			sub := h.Subscribe(ctx, 0)
			for event := range sub.Events() {
				line, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Println(string(line))
			}
			fmt.Fprintf(os.Stderr, "session: %s\n", session.ID)
			return sub.Err()
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "task text for the agent")
	cmd.Flags().StringVar(&modelArg, "model", "", "model identifier override")
	cmd.Flags().StringVar(&resume, "resume", "", "session id to resume")
	return cmd
}

func sessionsCmd(configDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions for the CLI user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			app, err := newApp(*configDir, logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(context.Background()) }()

			sessions, total, err := app.Runner().Lifecycle().List(cmd.Context(), "cli", 50, 0)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tTURNS\tCOST\tTASK")
			for _, s := range sessions {
				task := s.Task
				if len(task) > 48 {
					task = task[:45] + "..."
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%.4f\t%s\n", s.ID, s.Status, s.NumTurns, s.TotalCostUSD, task)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("total: %d\n", total)
			return nil
		},
	}

	cmd.AddCommand(list)
	return cmd
}
