package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

type fakeListClient struct {
	output *bedrock.ListFoundationModelsOutput
	calls  int
}

func (f *fakeListClient) ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error) {
	f.calls++
	return f.output, nil
}

func summary(id, provider, status string) types.FoundationModelSummary {
	return types.FoundationModelSummary{
		ModelId:                    aws.String(id),
		ModelName:                  aws.String(id),
		ProviderName:               aws.String(provider),
		ResponseStreamingSupported: aws.Bool(true),
		ModelLifecycle:             &types.FoundationModelLifecycle{Status: types.FoundationModelLifecycleStatus(status)},
	}
}

func withFakeClient(t *testing.T, fake *fakeListClient) {
	t.Helper()
	ClearCache()
	original := newClient
	newClient = func(cfg aws.Config) listModelsAPI { return fake }
	t.Cleanup(func() {
		newClient = original
		ClearCache()
	})
}

func TestDiscoverModelsFiltersAndDescribes(t *testing.T) {
	fake := &fakeListClient{output: &bedrock.ListFoundationModelsOutput{
		ModelSummaries: []types.FoundationModelSummary{
			summary("anthropic.claude-sonnet-4-v1:0", "Anthropic", "ACTIVE"),
			summary("meta.llama3-70b", "Meta", "ACTIVE"),
			summary("anthropic.claude-legacy", "Anthropic", "LEGACY"),
		},
	}}
	withFakeClient(t, fake)

	models, err := DiscoverModels(context.Background(), &DiscoveryConfig{ProviderFilter: []string{"anthropic"}})
	if err != nil {
		t.Fatalf("DiscoverModels failed: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("models = %v, want only the active anthropic model", models)
	}
	model := models[0]
	if model.ID != "anthropic.claude-sonnet-4-v1:0" {
		t.Errorf("ID = %q", model.ID)
	}
	if model.ContextWindow != 200000 || !model.Reasoning {
		t.Errorf("described = %+v", model)
	}
}

func TestDiscoverModelsCaches(t *testing.T) {
	fake := &fakeListClient{output: &bedrock.ListFoundationModelsOutput{
		ModelSummaries: []types.FoundationModelSummary{summary("anthropic.claude-sonnet-4", "Anthropic", "ACTIVE")},
	}}
	withFakeClient(t, fake)

	ctx := context.Background()
	if _, err := DiscoverModels(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := DiscoverModels(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if fake.calls != 1 {
		t.Errorf("API called %d times, want 1 (second hit should be cached)", fake.calls)
	}
}
