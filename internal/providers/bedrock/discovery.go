// Package bedrock discovers which foundation models an AWS account can
// invoke, so the runtime can pick a default without hard-coding model
// ids that vary by account and region.
package bedrock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

// ModelDefinition describes one discoverable Bedrock model.
type ModelDefinition struct {
	ID                 string
	Name               string
	Provider           string
	Reasoning          bool
	ContextWindow      int
	MaxTokens          int
	StreamingSupported bool
}

// DiscoveryConfig parameterizes a discovery pass.
type DiscoveryConfig struct {
	// Region to query. Default us-east-1.
	Region string

	// RefreshInterval caches results for this long. Default 1h.
	RefreshInterval time.Duration

	// ProviderFilter limits results to the named model vendors
	// ("anthropic", "meta", ...). Empty keeps everything.
	ProviderFilter []string

	// DefaultContextWindow and DefaultMaxTokens fill in when a model's
	// family isn't recognized.
	DefaultContextWindow int
	DefaultMaxTokens     int

	// Explicit credentials; empty uses the default AWS chain.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c *DiscoveryConfig) withDefaults() DiscoveryConfig {
	out := DiscoveryConfig{}
	if c != nil {
		out = *c
	}
	if out.Region == "" {
		out.Region = "us-east-1"
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = time.Hour
	}
	if out.DefaultContextWindow <= 0 {
		out.DefaultContextWindow = 32000
	}
	if out.DefaultMaxTokens <= 0 {
		out.DefaultMaxTokens = 4096
	}
	return out
}

// listModelsAPI is the slice of the Bedrock control-plane API discovery
// uses, narrowed so tests can fake it.
type listModelsAPI interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// newClient builds the real client; tests swap it.
var newClient = func(cfg aws.Config) listModelsAPI {
	return bedrock.NewFromConfig(cfg)
}

// cache holds the last discovery result per region+filter.
var cache = struct {
	sync.Mutex
	entries map[string]cacheEntry
}{entries: make(map[string]cacheEntry)}

type cacheEntry struct {
	models    []ModelDefinition
	expiresAt time.Time
}

// ClearCache drops cached discovery results; used by tests.
func ClearCache() {
	cache.Lock()
	defer cache.Unlock()
	cache.entries = make(map[string]cacheEntry)
}

// DiscoverModels lists the invocable models, caching per region+filter
// for the configured refresh interval.
func DiscoverModels(ctx context.Context, cfg *DiscoveryConfig) ([]ModelDefinition, error) {
	resolved := cfg.withDefaults()
	key := resolved.Region + "|" + strings.Join(resolved.ProviderFilter, ",")

	cache.Lock()
	if entry, ok := cache.entries[key]; ok && time.Now().Before(entry.expiresAt) {
		models := entry.models
		cache.Unlock()
		return models, nil
	}
	cache.Unlock()

	models, err := fetchModels(ctx, resolved)
	if err != nil {
		return nil, err
	}

	cache.Lock()
	cache.entries[key] = cacheEntry{models: models, expiresAt: time.Now().Add(resolved.RefreshInterval)}
	cache.Unlock()
	return models, nil
}

func fetchModels(ctx context.Context, cfg DiscoveryConfig) ([]ModelDefinition, error) {
	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, err
	}

	output, err := newClient(awsCfg).ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	if err != nil {
		return nil, err
	}

	models := make([]ModelDefinition, 0, len(output.ModelSummaries))
	for i := range output.ModelSummaries {
		summary := &output.ModelSummaries[i]
		if !includeModel(summary, cfg.ProviderFilter) {
			continue
		}
		models = append(models, describeModel(summary, cfg))
	}
	// Newest model ids sort last lexically within a family; surface them
	// first so "pick the first match" favors recent releases.
	sort.Slice(models, func(i, j int) bool { return models[i].ID > models[j].ID })
	return models, nil
}

// includeModel keeps active models matching the vendor filter.
func includeModel(summary *types.FoundationModelSummary, filter []string) bool {
	if summary.ModelLifecycle != nil {
		if status := string(summary.ModelLifecycle.Status); status != "" && status != "ACTIVE" {
			return false
		}
	}
	if len(filter) == 0 {
		return true
	}

	vendor := strings.ToLower(aws.ToString(summary.ProviderName))
	modelID := strings.ToLower(aws.ToString(summary.ModelId))
	for _, wanted := range filter {
		wanted = strings.ToLower(wanted)
		if wanted == vendor || strings.HasPrefix(modelID, wanted+".") {
			return true
		}
	}
	return false
}

func describeModel(summary *types.FoundationModelSummary, cfg DiscoveryConfig) ModelDefinition {
	modelID := aws.ToString(summary.ModelId)
	lowered := strings.ToLower(modelID)
	return ModelDefinition{
		ID:                 modelID,
		Name:               aws.ToString(summary.ModelName),
		Provider:           aws.ToString(summary.ProviderName),
		Reasoning:          familyReasoning(lowered),
		ContextWindow:      familyContextWindow(lowered, cfg.DefaultContextWindow),
		MaxTokens:          familyMaxTokens(lowered, cfg.DefaultMaxTokens),
		StreamingSupported: aws.ToBool(summary.ResponseStreamingSupported),
	}
}

func familyReasoning(modelID string) bool {
	for _, fragment := range []string{"claude-3-5", "claude-sonnet-4", "claude-opus-4", "deepseek-r1"} {
		if strings.Contains(modelID, fragment) {
			return true
		}
	}
	return false
}

func familyContextWindow(modelID string, fallback int) int {
	switch {
	case strings.Contains(modelID, "claude"):
		return 200000
	case strings.Contains(modelID, "llama3"):
		return 128000
	case strings.Contains(modelID, "mistral"), strings.Contains(modelID, "mixtral"):
		return 32768
	case strings.Contains(modelID, "command-r"):
		return 128000
	}
	return fallback
}

func familyMaxTokens(modelID string, fallback int) int {
	switch {
	case strings.Contains(modelID, "claude-3-5"), strings.Contains(modelID, "claude-sonnet-4"), strings.Contains(modelID, "claude-opus-4"):
		return 8192
	case strings.Contains(modelID, "claude"):
		return 4096
	}
	return fallback
}
