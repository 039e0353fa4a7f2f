package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/internal/discovery"
	"github.com/stakpak-dev/runtime/internal/sessions"
	"github.com/stakpak-dev/runtime/internal/sessions/checkpoint"
	"github.com/stakpak-dev/runtime/pkg/models"
	"golang.org/x/term"
)

func checkpointDir(workspace string) string {
	if dir := strings.TrimSpace(os.Getenv("STAKPAK_CHECKPOINT_DIR")); dir != "" {
		return dir
	}
	return filepath.Join(workspace, ".stakpak", "checkpoints")
}

func buildSystemPrompt(workspace string) string {
	var parts []string
	if info, err := discovery.DiscoverAgentsMd(workspace); err == nil && info != nil {
		parts = append(parts, discovery.FormatForContext("AGENTS.md", info))
	}
	if info, err := discovery.DiscoverAppsMd(workspace); err == nil && info != nil {
		parts = append(parts, discovery.FormatForContext("APPS.md", info))
	}
	return strings.Join(parts, "\n\n")
}

// buildRunCmd implements the "run" CLI surface: a single interactive
// session, read from stdin and written to stdout one turn at a time. The
// terminal UI widgets that would normally render this are an explicitly
// out-of-scope collaborator; this is the thin boundary that would drive
// them.
func buildRunCmd() *cobra.Command {
	var workspace string
	var sessionKey string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive agent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(workspace) != "" {
				cfg.Workspace.Path = workspace
			}
			if cfg.Workspace.Path == "" {
				cfg.Workspace.Path = "."
			}

			store := sessions.NewMemoryStore()
			runtime, model, err := buildRuntime(cfg, store, slog.Default())
			if err != nil {
				return err
			}
			if system := buildSystemPrompt(cfg.Workspace.Path); system != "" {
				runtime.SetSystemPrompt(system)
			}

			if strings.TrimSpace(sessionKey) == "" {
				sessionKey = uuid.NewString()
			}
			session, err := store.GetOrCreate(cmd.Context(), sessionKey, "cli", models.ChannelAPI, sessionKey)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s (model: %s). Type a message, or Ctrl+D to exit.\n", session.ID, model)

			store2 := checkpoint.NewFileStore(checkpointDir(cfg.Workspace.Path))
			return runInteractiveLoop(cmd.Context(), runtime, store, store2, session, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (overrides config)")
	cmd.Flags().StringVar(&sessionKey, "session", "", "Session key to resume or create (default: random)")
	return cmd
}

// buildResumeCmd implements "resume <session-id>": it loads the session's
// last checkpoint and continues the interactive loop from there instead
// of starting a session from scratch. The argument is looked up as a
// session id only; a checkpoint id is not accepted.
func buildResumeCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a session from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(workspace) != "" {
				cfg.Workspace.Path = workspace
			}
			if cfg.Workspace.Path == "" {
				cfg.Workspace.Path = "."
			}

			store := sessions.NewMemoryStore()
			cpStore := checkpoint.NewFileStore(checkpointDir(cfg.Workspace.Path))

			envelope, ok, err := cpStore.Load(cmd.Context(), sessionID)
			if err != nil {
				return fmt.Errorf("load checkpoint: %w", err)
			}
			if !ok {
				return withExitCode(1, fmt.Errorf("no checkpoint found for session %s. Resume with `stakpak resume <id>` requires a prior `stakpak run`", sessionID))
			}

			session, err := store.GetOrCreate(cmd.Context(), sessionID, "cli", models.ChannelAPI, sessionID)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			for i := range envelope.Messages {
				if err := store.AppendMessage(cmd.Context(), session.ID, &envelope.Messages[i]); err != nil {
					return fmt.Errorf("replay checkpoint: %w", err)
				}
			}

			runtime, model, err := buildRuntime(cfg, store, slog.Default())
			if err != nil {
				return err
			}
			if system := buildSystemPrompt(cfg.Workspace.Path); system != "" {
				runtime.SetSystemPrompt(system)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Resumed session %s (model: %s, %d prior messages).\n", session.ID, model, len(envelope.Messages))
			return runInteractiveLoop(cmd.Context(), runtime, store, cpStore, session, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (overrides config)")
	return cmd
}

// runInteractiveLoop reads one line at a time from in, runs it through the
// agent, streams the response to out, and checkpoints the session's full
// history after every turn so `stakpak resume` can pick up where this
// invocation left off. A SIGINT mid-turn cancels the in-flight turn and
// ends the loop with exit code 2 ("user cancellation"); the cancelled turn
// is not checkpointed.
func runInteractiveLoop(ctx context.Context, runtime *agent.Runtime, store sessions.Store, cpStore *checkpoint.FileStore, session *models.Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// No prompt when input is piped in (e.g. `echo "..." | stakpak run`).
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT)
		msg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Channel:   models.ChannelAPI,
			Direction: models.DirectionInbound,
			Role:      models.RoleUser,
			Content:   text,
		}

		chunks, err := runtime.Process(turnCtx, session, msg)
		if err != nil {
			stop()
			return err
		}

		var cancelled bool
		for chunk := range chunks {
			if chunk.Error != nil {
				if errors.Is(chunk.Error, context.Canceled) {
					cancelled = true
					continue
				}
				fmt.Fprintf(out, "\nerror: %v\n", chunk.Error)
				continue
			}
			if chunk.Text != "" {
				fmt.Fprint(out, chunk.Text)
			}
		}
		stop()
		fmt.Fprintln(out)

		if cancelled {
			return withExitCode(2, fmt.Errorf("run cancelled"))
		}

		history, err := store.GetHistory(ctx, session.ID, 0)
		if err != nil {
			return fmt.Errorf("read history for checkpoint: %w", err)
		}
		messages := make([]models.Message, len(history))
		for i, m := range history {
			messages[i] = *m
		}
		envelope := checkpoint.New(session.ID, messages, nil)
		if err := cpStore.Save(ctx, session.ID, envelope); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	return scanner.Err()
}
