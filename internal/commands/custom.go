package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CustomSource identifies where a custom prompt command was defined.
// Later sources override earlier ones when ids collide.
type CustomSource int

const (
	SourcePredefined CustomSource = iota
	SourcePredefinedRemote
	SourcePersonalFile
	SourceProjectFile
	SourceConfigDefinition
)

func (s CustomSource) String() string {
	switch s {
	case SourcePredefined:
		return "predefined"
	case SourcePredefinedRemote:
		return "predefined_remote"
	case SourcePersonalFile:
		return "personal_file"
	case SourceProjectFile:
		return "project_file"
	case SourceConfigDefinition:
		return "config_definition"
	default:
		return "unknown"
	}
}

// MaxCustomCommandFileSize bounds a single cmd_<name>.md file.
const MaxCustomCommandFileSize = 64 * 1024

// customCommandFilePrefix is the required file name prefix for
// user-authored command files.
const customCommandFilePrefix = "cmd_"

// CustomCommand is a prompt-expanding command: invoking it injects
// Content as the user's message instead of running a handler.
type CustomCommand struct {
	// ID is the full invocation token, "/cmd:deploy" for user-authored
	// commands or "/deploy" for predefined ones.
	ID          string
	Description string
	Content     string
	Source      CustomSource
}

// Name returns the bare command name without the "/cmd:" or "/" prefix.
func (c CustomCommand) Name() string {
	name := strings.TrimPrefix(c.ID, "/cmd:")
	return strings.TrimPrefix(name, "/")
}

// CustomCommandSet resolves custom commands by id with source precedence:
// predefined < predefined remote < personal file < project file < config
// definition.
type CustomCommandSet struct {
	byID map[string]CustomCommand
}

// NewCustomCommandSet creates an empty set.
func NewCustomCommandSet() *CustomCommandSet {
	return &CustomCommandSet{byID: make(map[string]CustomCommand)}
}

// Add inserts cmd, keeping whichever of the existing and new definitions
// has the higher-precedence source. Same-source duplicates overwrite.
func (s *CustomCommandSet) Add(cmd CustomCommand) {
	existing, ok := s.byID[cmd.ID]
	if ok && existing.Source > cmd.Source {
		return
	}
	s.byID[cmd.ID] = cmd
}

// Get returns the command registered under id.
func (s *CustomCommandSet) Get(id string) (CustomCommand, bool) {
	cmd, ok := s.byID[id]
	return cmd, ok
}

// All returns every command sorted by id.
func (s *CustomCommandSet) All() []CustomCommand {
	out := make([]CustomCommand, 0, len(s.byID))
	for _, cmd := range s.byID {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParseCustomCommandFile parses one cmd_<name>.md file: an optional first
// "# Title" heading becomes the description, the rest of the file is the
// prompt content.
func ParseCustomCommandFile(name string, data []byte, source CustomSource) (CustomCommand, error) {
	if len(data) > MaxCustomCommandFileSize {
		return CustomCommand{}, fmt.Errorf("command file %q exceeds %d bytes", name, MaxCustomCommandFileSize)
	}

	content := strings.TrimSpace(string(data))
	description := ""
	if strings.HasPrefix(content, "# ") {
		line, rest, _ := strings.Cut(content, "\n")
		description = strings.TrimSpace(strings.TrimPrefix(line, "# "))
		content = strings.TrimSpace(rest)
	}
	if content == "" {
		return CustomCommand{}, fmt.Errorf("command file %q has no prompt content", name)
	}

	return CustomCommand{
		ID:          "/cmd:" + name,
		Description: description,
		Content:     content,
		Source:      source,
	}, nil
}

// LoadCustomCommandDir reads every cmd_<name>.md file in dir. A missing
// directory yields no commands and no error. Files that fail to parse are
// skipped and reported.
func LoadCustomCommandDir(dir string, source CustomSource) ([]CustomCommand, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{err}
	}

	var out []CustomCommand
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, customCommandFilePrefix) || !strings.HasSuffix(fileName, ".md") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(fileName, customCommandFilePrefix), ".md")
		if name == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, fileName))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cmd, err := ParseCustomCommandFile(name, data, source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, cmd)
	}
	return out, errs
}

// ConfigCommandDefinition is a custom command declared inline in config.
type ConfigCommandDefinition struct {
	Name        string
	Description string
	Content     string
}

// LoadCustomCommands assembles the full custom command set: predefined
// commands first, then personal-directory files, then project-directory
// files, then config definitions, with each layer overriding the last.
func LoadCustomCommands(predefined []CustomCommand, personalDir, projectDir string, configDefs []ConfigCommandDefinition) (*CustomCommandSet, []error) {
	set := NewCustomCommandSet()
	var errs []error

	for _, cmd := range predefined {
		set.Add(cmd)
	}
	layers := []struct {
		dir    string
		source CustomSource
	}{
		{personalDir, SourcePersonalFile},
		{projectDir, SourceProjectFile},
	}
	for _, layer := range layers {
		if strings.TrimSpace(layer.dir) == "" {
			continue
		}
		cmds, loadErrs := LoadCustomCommandDir(layer.dir, layer.source)
		errs = append(errs, loadErrs...)
		for _, cmd := range cmds {
			set.Add(cmd)
		}
	}
	for _, def := range configDefs {
		if strings.TrimSpace(def.Name) == "" || strings.TrimSpace(def.Content) == "" {
			continue
		}
		set.Add(CustomCommand{
			ID:          "/cmd:" + strings.TrimSpace(def.Name),
			Description: def.Description,
			Content:     def.Content,
			Source:      SourceConfigDefinition,
		})
	}
	return set, errs
}

// RegisterCustomCommands exposes every custom command through the command
// registry as a prompt-expanding command: invoking it returns the command
// content (plus any invocation arguments) as the prompt for the agent run.
func RegisterCustomCommands(registry *Registry, set *CustomCommandSet) error {
	for _, custom := range set.All() {
		if err := registry.Register(&Command{
			Name:        strings.TrimPrefix(custom.ID, "/"),
			Description: custom.Description,
			AcceptsArgs: true,
			Source:      custom.Source.String(),
			Category:    "custom",
			Handler:     customCommandHandler(custom),
		}); err != nil {
			return err
		}
	}
	return nil
}

func customCommandHandler(custom CustomCommand) CommandHandler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		prompt := custom.Content
		if strings.TrimSpace(inv.Args) != "" {
			prompt += "\n\n" + strings.TrimSpace(inv.Args)
		}
		return &Result{
			Text:     prompt,
			Markdown: true,
			Data:     map[string]any{"expand_prompt": true, "source": custom.Source.String()},
		}, nil
	}
}
