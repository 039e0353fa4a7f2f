package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Registry holds registered commands and routes invocations to them.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	aliases  map[string]string
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
		logger:   logger.With("component", "commands"),
	}
}

// Register adds a command. Name and alias collisions are errors so two
// sources can't silently shadow each other.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("command is nil")
	}
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %q has no handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.commands[name]; taken {
		return fmt.Errorf("command %q already registered", name)
	}
	if owner, taken := r.aliases[name]; taken {
		return fmt.Errorf("command %q conflicts with an alias of %q", name, owner)
	}
	r.commands[name] = cmd

	for _, alias := range cmd.Aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias == "" || alias == name {
			continue
		}
		if _, taken := r.commands[alias]; taken {
			r.logger.Warn("alias shadows a command, skipping", "alias", alias, "command", name)
			continue
		}
		if _, taken := r.aliases[alias]; taken {
			r.logger.Warn("alias already registered, skipping", "alias", alias, "command", name)
			continue
		}
		r.aliases[alias] = name
	}
	return nil
}

// Unregister removes a command and its aliases.
func (r *Registry) Unregister(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[name]; !ok {
		return false
	}
	delete(r.commands, name)
	for alias, owner := range r.aliases {
		if owner == name {
			delete(r.aliases, alias)
		}
	}
	return true
}

// Get resolves a name or alias to its command.
func (r *Registry) Get(name string) (*Command, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	cmd, ok := r.commands[name]
	return cmd, ok
}

// List returns every registered command, sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListVisible returns the commands /help shows.
func (r *Registry) ListVisible() []*Command {
	all := r.List()
	out := make([]*Command, 0, len(all))
	for _, cmd := range all {
		if !cmd.Hidden {
			out = append(out, cmd)
		}
	}
	return out
}

// Execute routes an invocation to its command, enforcing the admin and
// argument constraints.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv == nil {
		return nil, fmt.Errorf("invocation is nil")
	}
	cmd := inv.Command
	if cmd == nil {
		resolved, ok := r.Get(inv.Name)
		if !ok {
			return &Result{Error: fmt.Sprintf("Unknown command: %s", inv.Name)}, nil
		}
		cmd = resolved
		inv.Command = cmd
	}
	if cmd.AdminOnly && !inv.IsAdmin {
		return &Result{Error: "This command requires admin privileges."}, nil
	}
	if !cmd.AcceptsArgs && strings.TrimSpace(inv.Args) != "" {
		return &Result{Error: fmt.Sprintf("/%s takes no arguments.", cmd.Name)}, nil
	}
	return cmd.Handler(ctx, inv)
}
