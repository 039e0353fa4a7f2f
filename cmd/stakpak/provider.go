package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/internal/agent/providers"
	"github.com/stakpak-dev/runtime/internal/config"
	bedrockdiscovery "github.com/stakpak-dev/runtime/internal/providers/bedrock"
	"github.com/stakpak-dev/runtime/internal/providers/venice"
)

// buildProvider resolves the configured default LLM provider into a
// concrete agent.LLMProvider. Unlike the gateway's provider wiring
// (fallback chains, routing rules, Ollama auto-discovery), this picks one
// provider for the lifetime of the CLI invocation: a single agent run
// doesn't need failover across providers mid-session.
func buildProvider(cfg *config.Config) (agent.LLMProvider, string, error) {
	providerID := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if providerID == "" {
		providerID = "anthropic"
	}
	providerCfg := cfg.LLM.Providers[providerID]

	switch providerID {
	case "anthropic":
		apiKey := firstNonEmpty(providerCfg.APIKey, os.Getenv("ANTHROPIC_API_KEY"))
		if apiKey == "" {
			return nil, "", fmt.Errorf("anthropic api key is required (set llm.providers.anthropic.api_key or ANTHROPIC_API_KEY)")
		}
		provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  apiKey,
			BaseURL: providerCfg.BaseURL,
		})
		if err != nil {
			return nil, "", err
		}
		return provider, firstNonEmpty(providerCfg.DefaultModel, "claude-sonnet-4-20250514"), nil

	case "openai":
		apiKey := firstNonEmpty(providerCfg.APIKey, os.Getenv("OPENAI_API_KEY"))
		if apiKey == "" {
			return nil, "", fmt.Errorf("openai api key is required (set llm.providers.openai.api_key or OPENAI_API_KEY)")
		}
		return providers.NewOpenAIProvider(apiKey), firstNonEmpty(providerCfg.DefaultModel, "gpt-4o"), nil

	case "openai-responses":
		provider, err := providers.NewOpenAIResponsesProvider(providers.OpenAIResponsesConfig{
			APIKey:  providerCfg.APIKey,
			BaseURL: providerCfg.BaseURL,
		})
		if err != nil {
			return nil, "", err
		}
		return provider, firstNonEmpty(providerCfg.DefaultModel, "gpt-4o"), nil

	case "google", "gemini":
		apiKey := firstNonEmpty(providerCfg.APIKey, os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"))
		if apiKey == "" {
			return nil, "", fmt.Errorf("google api key is required (set llm.providers.google.api_key or GEMINI_API_KEY)")
		}
		provider, err := providers.NewGoogleProvider(providers.GoogleConfig{APIKey: apiKey})
		if err != nil {
			return nil, "", err
		}
		return provider, firstNonEmpty(providerCfg.DefaultModel, "gemini-2.0-flash"), nil

	case "venice":
		apiKey := firstNonEmpty(providerCfg.APIKey, os.Getenv("VENICE_API_KEY"))
		if apiKey == "" {
			return nil, "", fmt.Errorf("venice api key is required (set llm.providers.venice.api_key or VENICE_API_KEY)")
		}
		provider, err := venice.NewVeniceProvider(venice.VeniceConfig{
			APIKey:       apiKey,
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		})
		if err != nil {
			return nil, "", err
		}
		return provider, firstNonEmpty(providerCfg.DefaultModel, venice.DefaultModel), nil

	case "bedrock":
		region := firstNonEmpty(cfg.LLM.Bedrock.Region, "us-east-1")
		model := providerCfg.DefaultModel
		if strings.TrimSpace(model) == "" {
			// No model pinned in config: discover what the account can
			// actually invoke and take the newest Anthropic entry.
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if defs, err := bedrockdiscovery.DiscoverModels(ctx, &bedrockdiscovery.DiscoveryConfig{
				Region:         region,
				ProviderFilter: []string{"anthropic"},
			}); err == nil && len(defs) > 0 {
				model = defs[0].ID
			}
		}
		if strings.TrimSpace(model) == "" {
			return nil, "", fmt.Errorf("bedrock default model is required (set llm.providers.bedrock.default_model, or grant bedrock:ListFoundationModels for discovery)")
		}
		provider, err := providers.NewBedrockProvider(providers.BedrockConfig{
			Region:       region,
			DefaultModel: model,
		})
		if err != nil {
			return nil, "", err
		}
		return provider, model, nil

	default:
		return nil, "", fmt.Errorf("unsupported default provider %q", providerID)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
