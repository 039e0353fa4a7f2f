package agent

import "testing"

const echoToolSchema = `{
	"type": "object",
	"properties": {"message": {"type": "string"}},
	"required": ["message"],
	"additionalProperties": false
}`

func TestSchemaValidatorAcceptsConformingArguments(t *testing.T) {
	v := NewSchemaValidator()
	if err := v.Compile("echo", []byte(echoToolSchema)); err != nil {
		t.Fatalf("compile: %v", err)
	}

	if err := v.Validate("echo", map[string]any{"message": "hi"}); err != nil {
		t.Fatalf("expected valid arguments to pass, got %v", err)
	}
}

func TestSchemaValidatorRejectsMissingRequiredField(t *testing.T) {
	v := NewSchemaValidator()
	if err := v.Compile("echo", []byte(echoToolSchema)); err != nil {
		t.Fatalf("compile: %v", err)
	}

	if err := v.Validate("echo", map[string]any{}); err == nil {
		t.Fatal("expected missing required field to fail validation")
	}
}

func TestSchemaValidatorPassesUncompiledToolsThrough(t *testing.T) {
	v := NewSchemaValidator()
	if err := v.Validate("unregistered", map[string]any{"anything": true}); err != nil {
		t.Fatalf("expected unvalidated tool to pass through, got %v", err)
	}
}
