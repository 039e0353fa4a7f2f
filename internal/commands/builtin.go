package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// RegisterBuiltins installs the core slash commands. Commands that change
// session state (abort, new, model) return an action in Result.Data; the
// gateway applies it.
func RegisterBuiltins(r *Registry) {
	mustRegister := func(cmd *Command) {
		if err := r.Register(cmd); err != nil {
			panic(fmt.Sprintf("register builtin %q: %v", cmd.Name, err))
		}
	}

	mustRegister(&Command{
		Name:        "help",
		Aliases:     []string{"h", "commands"},
		Description: "List available commands",
		Usage:       "/help [command]",
		AcceptsArgs: true,
		Category:    "system",
		Source:      "builtin",
		Handler:     helpHandler(r),
	})

	mustRegister(&Command{
		Name:        "status",
		Description: "Show session status",
		Category:    "system",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			lines := []string{"Session active."}
			if inv.Context != nil {
				if active, ok := inv.Context["has_active_run"].(bool); ok && active {
					lines = append(lines, "A run is currently in progress.")
				}
			}
			return &Result{Text: strings.Join(lines, " ")}, nil
		},
	})

	mustRegister(&Command{
		Name:        "new",
		Aliases:     []string{"reset"},
		Description: "Start a fresh conversation",
		Usage:       "/new [model]",
		AcceptsArgs: true,
		Category:    "session",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			data := map[string]any{"action": "new_session"}
			if model := strings.TrimSpace(inv.Args); model != "" {
				data["model"] = model
			}
			return &Result{Text: "Starting a new conversation.", Data: data}, nil
		},
	})

	mustRegister(&Command{
		Name:        "model",
		Description: "Show or change the session's model",
		Usage:       "/model [name]",
		AcceptsArgs: true,
		Category:    "config",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			requested := strings.TrimSpace(inv.Args)
			if requested == "" {
				current := contextString(inv, "model")
				if current == "" {
					current = contextString(inv, "default_model")
				}
				if current == "" {
					return &Result{Text: "No model configured. Use /model <name> to set one."}, nil
				}
				return &Result{Text: "Current model: " + current}, nil
			}
			return &Result{
				Text: "Model changed to: " + requested,
				Data: map[string]any{"action": "set_model", "model": requested},
			}, nil
		},
	})

	mustRegister(&Command{
		Name:        "abort",
		Aliases:     []string{"stop", "cancel"},
		Description: "Cancel the in-flight run",
		Category:    "control",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			if inv.Context != nil {
				if active, ok := inv.Context["has_active_run"].(bool); ok && !active {
					return &Result{Text: "No active run to cancel."}, nil
				}
			}
			return &Result{Text: "Cancelling.", Data: map[string]any{"action": "abort"}}, nil
		},
	})

	mustRegister(&Command{
		Name:        "whoami",
		Aliases:     []string{"id"},
		Description: "Show how the gateway identifies you",
		Category:    "system",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			var lines []string
			for _, field := range []struct{ key, label string }{
				{"channel", "Channel"},
				{"channel_id", "Channel ID"},
				{"user_id", "Sender ID"},
				{"session_id", "Session"},
			} {
				if value := contextString(inv, field.key); value != "" {
					lines = append(lines, field.label+": "+value)
				}
			}
			if len(lines) == 0 {
				return &Result{Text: "Sender identity unavailable."}, nil
			}
			return &Result{Text: strings.Join(lines, "\n")}, nil
		},
	})
}

func contextString(inv *Invocation, key string) string {
	if inv == nil || inv.Context == nil {
		return ""
	}
	value, _ := inv.Context[key].(string)
	return strings.TrimSpace(value)
}

// helpHandler lists commands, or details one when named.
func helpHandler(r *Registry) CommandHandler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		if name := strings.TrimSpace(strings.TrimPrefix(inv.Args, "/")); name != "" {
			cmd, ok := r.Get(name)
			if !ok {
				return &Result{Text: fmt.Sprintf("Unknown command %q. Try /help.", name)}, nil
			}
			text := "/" + cmd.Name
			if cmd.Usage != "" {
				text = cmd.Usage
			}
			if cmd.Description != "" {
				text += "\n" + cmd.Description
			}
			return &Result{Text: text}, nil
		}

		visible := r.ListVisible()
		sort.Slice(visible, func(i, j int) bool { return visible[i].Name < visible[j].Name })
		var b strings.Builder
		b.WriteString("Available commands:\n")
		for _, cmd := range visible {
			fmt.Fprintf(&b, "  /%s", cmd.Name)
			if cmd.Description != "" {
				fmt.Fprintf(&b, " - %s", cmd.Description)
			}
			b.WriteString("\n")
		}
		return &Result{Text: b.String(), Markdown: true}, nil
	}
}
