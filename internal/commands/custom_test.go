package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCommandFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cmd_"+name+".md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestParseCustomCommandFile(t *testing.T) {
	cmd, err := ParseCustomCommandFile("deploy", []byte("# Deploy the app\n\nRun the deploy checklist."), SourceProjectFile)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.ID != "/cmd:deploy" {
		t.Errorf("ID = %q, want /cmd:deploy", cmd.ID)
	}
	if cmd.Description != "Deploy the app" {
		t.Errorf("Description = %q", cmd.Description)
	}
	if cmd.Content != "Run the deploy checklist." {
		t.Errorf("Content = %q", cmd.Content)
	}
	if cmd.Name() != "deploy" {
		t.Errorf("Name() = %q, want deploy", cmd.Name())
	}
}

func TestParseCustomCommandFileNoHeading(t *testing.T) {
	cmd, err := ParseCustomCommandFile("tidy", []byte("Just do the thing."), SourcePersonalFile)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Description != "" {
		t.Errorf("Description = %q, want empty", cmd.Description)
	}
	if cmd.Content != "Just do the thing." {
		t.Errorf("Content = %q", cmd.Content)
	}
}

func TestParseCustomCommandFileTooLarge(t *testing.T) {
	data := bytes.Repeat([]byte("x"), MaxCustomCommandFileSize+1)
	if _, err := ParseCustomCommandFile("big", data, SourceProjectFile); err == nil {
		t.Fatal("expected error for oversized file")
	}
}

func TestParseCustomCommandFileEmpty(t *testing.T) {
	if _, err := ParseCustomCommandFile("empty", []byte("# Only a title\n"), SourceProjectFile); err == nil {
		t.Fatal("expected error for file with no content")
	}
}

func TestLoadCustomCommandsPrecedence(t *testing.T) {
	personal := filepath.Join(t.TempDir(), "personal")
	project := filepath.Join(t.TempDir(), "project")

	writeCommandFile(t, personal, "deploy", "# Personal deploy\npersonal version")
	writeCommandFile(t, personal, "tidy", "# Tidy\ntidy the workspace")
	writeCommandFile(t, project, "deploy", "# Project deploy\nproject version")

	predefined := []CustomCommand{
		{ID: "/cmd:deploy", Description: "Built in", Content: "builtin version", Source: SourcePredefined},
		{ID: "/review", Description: "Review", Content: "review the diff", Source: SourcePredefined},
	}
	configDefs := []ConfigCommandDefinition{
		{Name: "tidy", Description: "Config tidy", Content: "config version"},
	}

	set, errs := LoadCustomCommands(predefined, personal, project, configDefs)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	// Project file beats personal file beats predefined.
	deploy, ok := set.Get("/cmd:deploy")
	if !ok {
		t.Fatal("deploy not found")
	}
	if deploy.Source != SourceProjectFile || deploy.Content != "project version" {
		t.Errorf("deploy = %+v, want project version", deploy)
	}

	// Config definition beats personal file.
	tidy, ok := set.Get("/cmd:tidy")
	if !ok {
		t.Fatal("tidy not found")
	}
	if tidy.Source != SourceConfigDefinition || tidy.Content != "config version" {
		t.Errorf("tidy = %+v, want config version", tidy)
	}

	// Predefined commands without overrides survive under their short id.
	if _, ok := set.Get("/review"); !ok {
		t.Error("predefined /review missing")
	}
}

func TestLoadCustomCommandDirMissing(t *testing.T) {
	cmds, errs := LoadCustomCommandDir(filepath.Join(t.TempDir(), "nope"), SourceProjectFile)
	if len(cmds) != 0 || len(errs) != 0 {
		t.Errorf("missing dir should be empty, got %d cmds %d errs", len(cmds), len(errs))
	}
}

func TestLoadCustomCommandDirSkipsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeCommandFile(t, dir, "ok", "fine")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a command"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cmd_.md"), []byte("nameless"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmds, errs := LoadCustomCommandDir(dir, SourceProjectFile)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(cmds) != 1 || cmds[0].ID != "/cmd:ok" {
		t.Errorf("cmds = %+v, want only /cmd:ok", cmds)
	}
}

func TestRegisterCustomCommands(t *testing.T) {
	registry := NewRegistry(nil)
	set := NewCustomCommandSet()
	set.Add(CustomCommand{ID: "/cmd:deploy", Content: "deploy it", Source: SourceProjectFile})

	if err := RegisterCustomCommands(registry, set); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cmd, ok := registry.Get("cmd:deploy")
	if !ok {
		t.Fatal("cmd:deploy not registered")
	}
	result, err := cmd.Handler(t.Context(), &Invocation{Command: cmd, Name: "cmd:deploy", Args: "to staging"})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if !strings.HasPrefix(result.Text, "deploy it") || !strings.Contains(result.Text, "to staging") {
		t.Errorf("prompt = %q, want content plus args", result.Text)
	}
}
