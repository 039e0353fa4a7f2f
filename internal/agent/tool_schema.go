package agent

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator compiles and caches the JSON Schemas advertised by
// registered tools, and validates proposed tool call arguments against
// them. The run loop does not call it; arguments are checked only where a
// caller invokes Validate.
type SchemaValidator struct {
	compiled map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{compiled: make(map[string]*jsonschema.Schema)}
}

// Compile parses tool's advertised schema and caches it under toolName. A
// tool that advertises an invalid schema fails fast here rather than on
// every call.
func (v *SchemaValidator) Compile(toolName string, schema []byte) error {
	compiler := jsonschema.NewCompiler()
	resourceName := toolName + ".json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("add schema resource for tool %s: %w", toolName, err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", toolName, err)
	}
	v.compiled[toolName] = compiled
	return nil
}

// Validate checks args against toolName's compiled schema. A tool with no
// compiled schema is treated as unvalidated and always passes, since not
// every tool advertises a schema strict enough to validate against.
func (v *SchemaValidator) Validate(toolName string, args any) error {
	schema, ok := v.compiled[toolName]
	if !ok {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("tool call arguments for %s do not satisfy its schema: %w", toolName, err)
	}
	return nil
}
