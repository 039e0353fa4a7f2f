package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stakpak-dev/runtime/internal/config"
	"github.com/stakpak-dev/runtime/internal/cron"
	"github.com/stakpak-dev/runtime/internal/sessions"
	"github.com/stakpak-dev/runtime/internal/sessions/checkpoint"
	"github.com/stakpak-dev/runtime/pkg/models"
)

func stateDir(workspace string) string {
	if dir := strings.TrimSpace(os.Getenv("STAKPAK_STATE_DIR")); dir != "" {
		return dir
	}
	return filepath.Join(workspace, ".stakpak")
}

// watchScheduler builds a scheduler limited to what the watch CLI needs:
// the configured jobs, a file-backed run history, and an agent-backed
// watch runner.
func watchScheduler(cfg *config.Config, logger *slog.Logger) (*cron.Scheduler, error) {
	workspace := cfg.Workspace.Path
	if workspace == "" {
		workspace = "."
	}
	runStore := cron.NewFileRunStore(filepath.Join(stateDir(workspace), "watch_runs.json"))
	return cron.NewScheduler(cfg.Cron,
		cron.WithLogger(logger),
		cron.WithRunStore(runStore),
		cron.WithWatchRunner(agentWatchRunner(cfg)),
	)
}

// agentWatchRunner launches one agent run for a triggered watch job: a
// fresh session whose only user message is the assembled prompt, with the
// final conversation checkpointed so the run is resumable afterwards.
func agentWatchRunner(cfg *config.Config) cron.WatchRunnerFunc {
	return func(ctx context.Context, req cron.WatchRunRequest) (cron.WatchRunResult, error) {
		store := sessions.NewMemoryStore()
		runtime, _, err := buildRuntime(cfg, store, slog.Default())
		if err != nil {
			return cron.WatchRunResult{}, err
		}
		workspace := cfg.Workspace.Path
		if workspace == "" {
			workspace = "."
		}
		if system := buildSystemPrompt(workspace); system != "" {
			runtime.SetSystemPrompt(system)
		}

		sessionKey := "watch:" + req.TriggerName + ":" + uuid.NewString()
		session, err := store.GetOrCreate(ctx, sessionKey, "watch", models.ChannelAPI, req.TriggerName)
		if err != nil {
			return cron.WatchRunResult{}, err
		}

		msg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Channel:   models.ChannelAPI,
			Direction: models.DirectionInbound,
			Role:      models.RoleUser,
			Content:   req.Prompt,
		}
		chunks, err := runtime.Process(ctx, session, msg)
		if err != nil {
			return cron.WatchRunResult{SessionID: session.ID}, err
		}

		var stdout, stderr strings.Builder
		var runErr error
		for chunk := range chunks {
			if chunk.Error != nil {
				runErr = chunk.Error
				stderr.WriteString(chunk.Error.Error())
				stderr.WriteString("\n")
				continue
			}
			if chunk.Text != "" {
				stdout.WriteString(chunk.Text)
			}
		}

		result := cron.WatchRunResult{
			SessionID: session.ID,
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
		}

		history, err := store.GetHistory(ctx, session.ID, 0)
		if err == nil && len(history) > 0 {
			messages := make([]models.Message, len(history))
			for i, m := range history {
				messages[i] = *m
			}
			cpStore := checkpoint.NewFileStore(checkpointDir(workspace))
			if saveErr := cpStore.Save(ctx, session.ID, checkpoint.New(session.ID, messages, nil)); saveErr == nil {
				result.CheckpointID = session.ID
			}
		}
		return result, runErr
	}
}

func buildWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run and inspect cron-driven trigger/watch jobs",
	}
	cmd.AddCommand(
		buildWatchRunCmd(),
		buildWatchListCmd(),
		buildWatchDescribeCmd(),
		buildWatchFireCmd(),
		buildWatchHistoryCmd(),
	)
	return cmd
}

func buildWatchRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trigger scheduler in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			scheduler, err := watchScheduler(cfg, slog.Default())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			if err := scheduler.StartFileWatchers(ctx); err != nil {
				slog.Warn("file watchers unavailable", "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Watching %d scheduled job(s). Ctrl+C to stop.\n", len(scheduler.Jobs()))
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return scheduler.Stop(stopCtx)
		},
	}
}

func buildWatchListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			scheduler, err := watchScheduler(cfg, slog.Default())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tSCHEDULE\tNEXT RUN")
			count := 0
			for _, job := range scheduler.Jobs() {
				schedule := job.Schedule.CronExpr
				if schedule == "" && job.Schedule.Every > 0 {
					schedule = "every " + job.Schedule.Every.String()
				}
				next := "-"
				if !job.NextRun.IsZero() {
					next = job.NextRun.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", job.Name, job.Type, schedule, next)
				count++
			}
			if count == 0 {
				fmt.Fprintln(out, "No triggers configured. Add cron jobs to the config file.")
				return nil
			}
			return w.Flush()
		},
	}
}

func buildWatchDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <name>",
		Short: "Show one trigger's full configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			scheduler, err := watchScheduler(cfg, slog.Default())
			if err != nil {
				return err
			}

			for _, job := range scheduler.Jobs() {
				if job.Name != args[0] && job.ID != args[0] {
					continue
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Name:      %s\n", job.Name)
				fmt.Fprintf(out, "Type:      %s\n", job.Type)
				fmt.Fprintf(out, "Enabled:   %t\n", job.Enabled)
				fmt.Fprintf(out, "Schedule:  %s\n", job.Schedule.CronExpr)
				if !job.NextRun.IsZero() {
					fmt.Fprintf(out, "Next run:  %s\n", job.NextRun.Format("2006-01-02 15:04:05"))
				}
				if job.Watch != nil {
					fmt.Fprintf(out, "Check:     %s\n", job.Watch.CheckScript)
					fmt.Fprintf(out, "TriggerOn: %s\n", defaultString(job.Watch.TriggerOn, "zero"))
					fmt.Fprintf(out, "Timeout:   %s\n", job.Watch.Timeout)
					fmt.Fprintf(out, "Prompt:\n%s\n", indent(job.Watch.Prompt, "  "))
				}
				return nil
			}
			return fmt.Errorf("trigger %q not found", args[0])
		},
	}
}

func buildWatchFireCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "fire <name>",
		Short: "Fire a trigger now, bypassing its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fireTrigger(cmd, args[0], dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run the check script and print the assembled prompt without launching a run")
	return cmd
}

// buildTriggerCmd implements "trigger fire <name>", the short form of
// "watch fire".
func buildTriggerCmd() *cobra.Command {
	var dryRun bool

	fire := &cobra.Command{
		Use:   "fire <name>",
		Short: "Fire a trigger now, bypassing its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fireTrigger(cmd, args[0], dryRun)
		},
	}
	fire.Flags().BoolVar(&dryRun, "dry-run", false, "Run the check script and print the assembled prompt without launching a run")

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Fire configured triggers",
	}
	cmd.AddCommand(fire)
	return cmd
}

func fireTrigger(cmd *cobra.Command, name string, dryRun bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	scheduler, err := watchScheduler(cfg, slog.Default())
	if err != nil {
		return err
	}

	record, prompt, err := scheduler.FireTrigger(cmd.Context(), name, dryRun)
	out := cmd.OutOrStdout()
	if dryRun {
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Dry run. Assembled prompt:")
		fmt.Fprintln(out, prompt)
		return nil
	}
	if record != nil {
		fmt.Fprintf(out, "Run %s: %s\n", record.ID, record.Status)
		if record.AgentSessionID != "" {
			fmt.Fprintf(out, "Session: %s (resume with `stakpak resume %s`)\n", record.AgentSessionID, record.AgentSessionID)
		}
		if record.Status == cron.RunStatusTimedOut {
			return withExitCode(124, fmt.Errorf("trigger %q timed out", name))
		}
	}
	return err
}

func buildWatchHistoryCmd() *cobra.Command {
	var triggerName, status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show trigger run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			scheduler, err := watchScheduler(cfg, slog.Default())
			if err != nil {
				return err
			}

			runs, err := scheduler.RunHistory(cmd.Context(), cron.RunFilter{
				TriggerName: triggerName,
				Status:      cron.RunStatus(status),
				Limit:       limit,
				Offset:      offset,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tTRIGGER\tSTATUS\tSTARTED\tSESSION")
			for _, run := range runs {
				session := run.AgentSessionID
				if session == "" {
					session = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.TriggerName, run.Status,
					run.StartedAt.Format("2006-01-02 15:04:05"), session)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&triggerName, "trigger", "", "Filter by trigger name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by run status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Runs to skip")
	return cmd
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
