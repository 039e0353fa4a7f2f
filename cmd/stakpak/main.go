// Command stakpak runs the autonomous coding-agent runtime: a single
// interactive or scripted session against an LLM provider with tool
// execution, session checkpointing, and scheduled triggers.
//
// # Basic usage
//
//	stakpak run --workspace .
//	stakpak resume <session-id>
//	stakpak watch fire <trigger-name> --dry-run
//	stakpak daemon run --config stakpak.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/stakpak-dev/runtime/internal/observability"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
)

func main() {
	level := observability.LogLevelFromString(os.Getenv("STAKPAK_LOG_LEVEL"))
	handler := observability.NewRedactingHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(slog.New(handler))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(exitCodeFor(err))
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "stakpak",
		Short:        "Stakpak - autonomous coding agent runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default: stakpak.yaml, or $STAKPAK_CONFIG)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildResumeCmd(),
		buildSessionsCmd(),
		buildWatchCmd(),
		buildTriggerCmd(),
		buildDaemonCmd(),
	)
	return rootCmd
}

// exitCodeError carries a non-default process exit code alongside the
// error (built with withExitCode): 2 for a user-initiated cancellation,
// 124 for an external command timeout.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{code: code, err: err}
}

func exitCodeFor(err error) int {
	var coded *exitCodeError
	for u := err; u != nil; {
		if c, ok := u.(*exitCodeError); ok {
			coded = c
			break
		}
		unwrapper, ok := u.(interface{ Unwrap() error })
		if !ok {
			break
		}
		u = unwrapper.Unwrap()
	}
	if coded != nil {
		return coded.code
	}
	return 1
}
