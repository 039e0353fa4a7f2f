package commands

import (
	"context"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry(nil)
	RegisterBuiltins(registry)
	return registry
}

func TestParseLeadingCommand(t *testing.T) {
	parser := NewParser(testRegistry(t))

	detection := parser.Parse("/model claude-sonnet")
	if !detection.HasCommand || detection.Primary == nil {
		t.Fatalf("detection = %+v", detection)
	}
	if detection.Primary.Name != "model" || detection.Primary.Args != "claude-sonnet" {
		t.Errorf("primary = %+v", detection.Primary)
	}
	if !detection.IsControlCommand {
		t.Error("registered command should be marked control")
	}
}

func TestParseCustomCommandName(t *testing.T) {
	registry := testRegistry(t)
	set := NewCustomCommandSet()
	set.Add(CustomCommand{ID: "/cmd:deploy", Content: "ship it", Source: SourceProjectFile})
	if err := RegisterCustomCommands(registry, set); err != nil {
		t.Fatal(err)
	}
	parser := NewParser(registry)

	detection := parser.Parse("/cmd:deploy to staging")
	if detection.Primary == nil || detection.Primary.Name != "cmd:deploy" {
		t.Fatalf("primary = %+v", detection.Primary)
	}
	if detection.Primary.Args != "to staging" {
		t.Errorf("args = %q", detection.Primary.Args)
	}
	if !detection.IsControlCommand {
		t.Error("custom command should resolve in the registry")
	}
}

func TestParseNonCommands(t *testing.T) {
	parser := NewParser(testRegistry(t))

	for _, text := range []string{"", "hello world", "/ not-a-command", "a/b paths"} {
		detection := parser.Parse(text)
		if detection.Primary != nil {
			t.Errorf("%q: unexpected primary %+v", text, detection.Primary)
		}
	}
}

func TestParseUnregisteredLeadingCommand(t *testing.T) {
	parser := NewParser(testRegistry(t))
	detection := parser.Parse("/frobnicate now")
	if detection.Primary == nil {
		t.Fatal("leading token should parse as a command")
	}
	if detection.IsControlCommand {
		t.Error("unregistered command must not be marked control")
	}
}

func TestRegistryExecute(t *testing.T) {
	registry := testRegistry(t)

	result, err := registry.Execute(context.Background(), &Invocation{Name: "status"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Text == "" {
		t.Error("status should reply with text")
	}

	result, err = registry.Execute(context.Background(), &Invocation{Name: "nope"})
	if err != nil || result.Error == "" {
		t.Errorf("unknown command should yield a user-visible error, got %+v / %v", result, err)
	}
}

func TestRegistryAliasResolution(t *testing.T) {
	registry := testRegistry(t)
	cmd, ok := registry.Get("stop")
	if !ok || cmd.Name != "abort" {
		t.Errorf("alias stop resolved to %+v", cmd)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := testRegistry(t)
	err := registry.Register(&Command{Name: "help", Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
		return nil, nil
	}})
	if err == nil {
		t.Fatal("duplicate registration should fail")
	}
}
