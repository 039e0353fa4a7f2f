// Package toolconv translates the agent's tool descriptors into the wire
// shapes each provider SDK expects.
package toolconv

import (
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stakpak-dev/runtime/internal/agent"
	"google.golang.org/genai"
)

// schemaOrEmptyObject parses a tool's JSON schema, falling back to an
// empty object schema so a tool with a broken schema degrades to "no
// declared parameters" instead of sinking the whole request.
func schemaOrEmptyObject(tool agent.Tool) map[string]any {
	var schema map[string]any
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil || schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}

// ToBedrockTools builds the Converse API tool configuration.
func ToBedrockTools(tools []agent.Tool) *types.ToolConfiguration {
	out := make([]types.Tool, len(tools))
	for i, tool := range tools {
		out[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name()),
				Description: aws.String(tool.Description()),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schemaOrEmptyObject(tool)),
				},
			},
		}
	}
	return &types.ToolConfiguration{Tools: out}
}

// ToGeminiTools builds Gemini function declarations. Tools whose schema
// cannot be parsed are skipped.
func ToGeminiTools(tools []agent.Tool) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  ToGeminiSchema(schema),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// ToGeminiSchema recursively converts a JSON Schema map into Gemini's
// typed schema.
func ToGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, value := range enum {
			if s, ok := value.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if propMap, ok := raw.(map[string]any); ok {
				schema.Properties[name] = ToGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, value := range required {
			if s, ok := value.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = ToGeminiSchema(items)
	}
	return schema
}
