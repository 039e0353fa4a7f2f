package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/internal/channels"
	"github.com/stakpak-dev/runtime/internal/commands"
	"github.com/stakpak-dev/runtime/internal/config"
	"github.com/stakpak-dev/runtime/internal/cron"
	"github.com/stakpak-dev/runtime/internal/eventlog"
	"github.com/stakpak-dev/runtime/internal/gateway"
	"github.com/stakpak-dev/runtime/internal/idempotency"
	"github.com/stakpak-dev/runtime/internal/mcp"
	"github.com/stakpak-dev/runtime/internal/observability"
	"github.com/stakpak-dev/runtime/internal/sessions"
	"github.com/stakpak-dev/runtime/internal/sessions/checkpoint"
	toolsgateway "github.com/stakpak-dev/runtime/internal/tools/gateway"
	"github.com/stakpak-dev/runtime/internal/tools/system"
	"github.com/stakpak-dev/runtime/internal/usage"
)

// eventLogCapacity is how many events per session the daemon retains for
// replay after a dropped streaming connection.
const eventLogCapacity = 512

// homeStakpakDir is where per-user state (custom commands, global APPS.md)
// lives.
func homeStakpakDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".stakpak"
	}
	return filepath.Join(home, ".stakpak")
}

func buildDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the multi-channel gateway daemon",
	}
	cmd.AddCommand(
		buildDaemonRunCmd(),
		buildDaemonHistoryCmd(),
		buildDaemonShowCmd(),
	)
	return cmd
}

func buildDaemonRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run channels, scheduler, and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			workspace := cfg.Workspace.Path
			if workspace == "" {
				workspace = "."
			}
			handler := observability.NewRedactingHandler(slog.NewTextHandler(os.Stderr,
				&slog.HandlerOptions{Level: observability.LogLevelFromString(cfg.Logging.Level)}))
			logger := slog.New(handler)
			slog.SetDefault(logger)

			lock, err := gateway.AcquireGatewayLock(gateway.GatewayLockOptions{
				StateDir:   stateDir(workspace),
				ConfigPath: resolveConfigPath(),
				Timeout:    5 * time.Second,
			})
			if err != nil {
				return err
			}
			if lock != nil {
				defer lock.Release()
			}

			store := sessions.NewMemoryStore()
			runtime, model, err := buildRuntime(cfg, store, logger)
			if err != nil {
				return err
			}
			if system := buildSystemPrompt(workspace); system != "" {
				runtime.SetSystemPrompt(system)
			}

			registry, err := gateway.BuildChannelRegistry(cfg, logger)
			if err != nil {
				return fmt.Errorf("build channels: %w", err)
			}

			events := eventlog.New(eventLogCapacity)
			runtime.Use(gateway.NewEventLogPlugin(events))

			metrics := observability.NewMetrics()
			runtime.Use(metrics.Plugin())

			commandRegistry := commands.NewRegistry(logger)
			commands.RegisterBuiltins(commandRegistry)
			customSet, loadErrs := commands.LoadCustomCommands(nil,
				filepath.Join(homeStakpakDir(), "commands"),
				filepath.Join(workspace, ".stakpak", "commands"),
				nil)
			for _, loadErr := range loadErrs {
				logger.Warn("custom command skipped", "error", loadErr)
			}
			if err := commands.RegisterCustomCommands(commandRegistry, customSet); err != nil {
				logger.Warn("register custom commands", "error", err)
			}
			commandParser := commands.NewParser(commandRegistry)

			server := gateway.NewServer(cfg, logger, store, registry,
				gateway.WithDefaultModel(model),
				gateway.WithCommands(commandParser, commandRegistry),
				gateway.WithRuntime(runtime),
				gateway.WithEventLog(events),
				gateway.WithIdempotency(idempotency.New(24*time.Hour)),
				gateway.WithAPIToken(apiToken(cfg)),
				gateway.WithConfigPath(resolveConfigPath()),
				gateway.WithCheckpointStore(checkpoint.NewFileStore(checkpointDir(workspace))),
				gateway.WithRouterConfig(gateway.RouterConfigFromSettings(cfg.Session, cfg.Gateway.Bindings)),
			)
			runtime.RegisterTool(toolsgateway.NewTool(server))
			registerSystemTools(runtime)

			mcpManager := mcp.NewManager(&cfg.MCP, logger)

			scheduler, err := watchScheduler(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRatio: cfg.Observability.Tracing.SamplingRate,
			})
			if err != nil {
				logger.Warn("tracing disabled", "error", err)
			} else {
				defer func() {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdownTracer(flushCtx)
				}()
			}

			metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
			metricsServer := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && ctx.Err() == nil {
					logger.Warn("metrics server stopped", "error", err)
				}
			}()
			defer metricsServer.Close()

			if err := mcpManager.Start(ctx); err != nil {
				logger.Warn("mcp startup", "error", err)
			}
			defer mcpManager.Stop()
			if count := mcpManager.RegisterAgentTools(runtime); count > 0 {
				logger.Info("mcp tools registered", "count", count)
			}

			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			if err := scheduler.StartFileWatchers(ctx); err != nil {
				logger.Warn("file watchers unavailable", "error", err)
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = scheduler.Stop(stopCtx)
			}()

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
			go func() {
				if err := server.ServeAPI(ctx, addr); err != nil && ctx.Err() == nil {
					logger.Error("http api stopped", "error", err)
				}
			}()

			logger.Info("daemon started", "api_addr", addr, "model", model)
			if err := server.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

// registerSystemTools gives the agent self-observation tools: channel
// health probes, provider usage, and runtime diagnostics.
func registerSystemTools(runtime *agent.Runtime) {
	runtime.RegisterTool(system.NewHealthTool(commands.NewHealthChecker(commands.DefaultHealthCheckerConfig())))

	fetchers := usage.NewUsageFetcherRegistry()
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		fetchers.Register(&usage.AnthropicUsageFetcher{APIKey: key})
	}
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		fetchers.Register(&usage.OpenAIUsageFetcher{APIKey: key})
	}
	runtime.RegisterTool(system.NewUsageTool(usage.NewUsageCache(fetchers, 5*time.Minute)))

	runtime.RegisterTool(system.NewDiagnosticTool(daemonDiagnostics{}))
}

// daemonDiagnostics backs the system_diagnostic tool with the process-wide
// channel activity tracker. The in-memory session store has no schema, so
// the migration report is always current.
type daemonDiagnostics struct{}

func (daemonDiagnostics) GetActivityStats() channels.ActivityStats {
	return channels.GetActivityStats()
}

func (daemonDiagnostics) GetMigrationStatus() (current, latest system.MigrationVersion, pending int, err error) {
	return 1, 1, 0, nil
}

// apiToken picks the bearer token for the HTTP API: the first configured
// API key, if any. An empty return disables the API's auth check.
func apiToken(cfg *config.Config) string {
	for _, entry := range cfg.Auth.APIKeys {
		if key := strings.TrimSpace(entry.Key); key != "" {
			return key
		}
	}
	return ""
}

func buildDaemonHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent daemon-launched trigger runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			workspace := cfg.Workspace.Path
			if workspace == "" {
				workspace = "."
			}

			store := cron.NewFileRunStore(filepath.Join(stateDir(workspace), "watch_runs.json"))
			runs, err := store.List(cmd.Context(), cron.RunFilter{Limit: limit})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tTRIGGER\tSTATUS\tSTARTED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					run.ID, run.TriggerName, run.Status,
					run.StartedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to show")
	return cmd
}

func buildDaemonShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one trigger run in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			workspace := cfg.Workspace.Path
			if workspace == "" {
				workspace = "."
			}

			store := cron.NewFileRunStore(filepath.Join(stateDir(workspace), "watch_runs.json"))
			run, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %q not found", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:      %s\n", run.ID)
			fmt.Fprintf(out, "Trigger:  %s\n", run.TriggerName)
			fmt.Fprintf(out, "Status:   %s\n", run.Status)
			fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Format(time.RFC3339))
			if run.FinishedAt != nil {
				fmt.Fprintf(out, "Finished: %s\n", run.FinishedAt.Format(time.RFC3339))
			}
			if run.CheckExitCode != nil {
				fmt.Fprintf(out, "Check exit code: %d (timed out: %t)\n", *run.CheckExitCode, run.CheckTimedOut)
			}
			if run.CheckStdout != "" {
				fmt.Fprintf(out, "Check stdout:\n%s\n", indent(run.CheckStdout, "  "))
			}
			if run.CheckStderr != "" {
				fmt.Fprintf(out, "Check stderr:\n%s\n", indent(run.CheckStderr, "  "))
			}
			if run.AgentSessionID != "" {
				fmt.Fprintf(out, "Session:  %s (resume with `stakpak resume %s`)\n", run.AgentSessionID, run.AgentSessionID)
			}
			if run.AgentStdout != "" {
				fmt.Fprintf(out, "Agent output:\n%s\n", indent(run.AgentStdout, "  "))
			}
			if run.ErrorMessage != "" {
				fmt.Fprintf(out, "Error:    %s\n", run.ErrorMessage)
			}
			return nil
		},
	}
}
