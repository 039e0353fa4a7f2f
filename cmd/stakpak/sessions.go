package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/stakpak-dev/runtime/internal/sessions/checkpoint"
)

// buildSessionsCmd implements "sessions": list every session with a stored
// checkpoint, newest first, with enough detail to pick one for resume.
func buildSessionsCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions with stored checkpoints",
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

			store := checkpoint.NewFileStore(checkpointDir(cfg.Workspace.Path))
			infos, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "No sessions found. Start one with `stakpak run`.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tMESSAGES\tLAST CHECKPOINT")
			for _, info := range infos {
				messages := "?"
				if envelope, ok, err := store.Load(cmd.Context(), info.SessionID); err == nil && ok {
					messages = fmt.Sprintf("%d", len(envelope.Messages))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", info.SessionID, messages, info.SavedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (overrides config)")
	return cmd
}
