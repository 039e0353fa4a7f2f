// Package usage fetches token and cost reports from LLM provider billing
// APIs for the agent's self-observation tools.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProviderUsage is one provider's usage report for the current billing
// period. Fetch failures are carried in Error rather than failing the
// whole report.
type ProviderUsage struct {
	Provider     string           `json:"provider"`
	Period       string           `json:"period,omitempty"`
	TotalTokens  int64            `json:"total_tokens,omitempty"`
	InputTokens  int64            `json:"input_tokens,omitempty"`
	OutputTokens int64            `json:"output_tokens,omitempty"`
	TotalCostUSD float64          `json:"total_cost_usd,omitempty"`
	Breakdown    []ModelBreakdown `json:"breakdown,omitempty"`
	FetchedAt    int64            `json:"fetched_at"`
	Error        string           `json:"error,omitempty"`
}

// ModelBreakdown is per-model usage within a report.
type ModelBreakdown struct {
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	TotalTokens  int64   `json:"total_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	Requests     int64   `json:"requests,omitempty"`
}

// ProviderUsageFetcher fetches one provider's usage report.
type ProviderUsageFetcher interface {
	Provider() string
	Fetch(ctx context.Context) (*ProviderUsage, error)
}

// billingPeriod returns the first of the current month through now, with
// the display string used in reports.
func billingPeriod() (time.Time, time.Time, string) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	period := fmt.Sprintf("%s to %s", start.Format("2006-01-02"), now.Format("2006-01-02"))
	return start, now, period
}

func httpClientOrDefault(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func errReport(provider, message string) *ProviderUsage {
	return &ProviderUsage{
		Provider:  provider,
		FetchedAt: time.Now().UnixMilli(),
		Error:     message,
	}
}

// AnthropicUsageFetcher reads the Anthropic organization usage report.
// Requires an admin API key.
type AnthropicUsageFetcher struct {
	APIKey     string
	HTTPClient *http.Client
}

func (f *AnthropicUsageFetcher) Provider() string { return "anthropic" }

const anthropicUsageEndpoint = "https://api.anthropic.com/v1/organizations/usage_report/messages"

func (f *AnthropicUsageFetcher) Fetch(ctx context.Context) (*ProviderUsage, error) {
	if f.APIKey == "" {
		return errReport("anthropic", "no API key configured"), nil
	}
	start, end, period := billingPeriod()

	url := fmt.Sprintf("%s?starting_at=%s&ending_at=%s&bucket_width=1d&group_by[]=model",
		anthropicUsageEndpoint, start.Format(time.RFC3339), end.Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errReport("anthropic", err.Error()), nil
	}
	req.Header.Set("x-api-key", f.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := httpClientOrDefault(f.HTTPClient).Do(req)
	if err != nil {
		return errReport("anthropic", "fetch usage: "+err.Error()), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return errReport("anthropic", fmt.Sprintf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))), nil
	}

	var parsed struct {
		Data []struct {
			Results []struct {
				Model               string `json:"model"`
				UncachedInputTokens int64  `json:"uncached_input_tokens"`
				OutputTokens        int64  `json:"output_tokens"`
			} `json:"results"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return errReport("anthropic", "decode response: "+err.Error()), nil
	}

	byModel := make(map[string]*ModelBreakdown)
	for _, bucket := range parsed.Data {
		for _, result := range bucket.Results {
			model := result.Model
			if model == "" {
				model = "unknown"
			}
			entry := byModel[model]
			if entry == nil {
				entry = &ModelBreakdown{Model: model}
				byModel[model] = entry
			}
			entry.InputTokens += result.UncachedInputTokens
			entry.OutputTokens += result.OutputTokens
		}
	}
	return assembleReport("anthropic", period, byModel), nil
}

// OpenAIUsageFetcher reads the OpenAI daily usage endpoint.
type OpenAIUsageFetcher struct {
	APIKey       string
	Organization string
	HTTPClient   *http.Client
}

func (f *OpenAIUsageFetcher) Provider() string { return "openai" }

func (f *OpenAIUsageFetcher) Fetch(ctx context.Context) (*ProviderUsage, error) {
	if f.APIKey == "" {
		return errReport("openai", "no API key configured"), nil
	}
	start, end, period := billingPeriod()

	url := fmt.Sprintf("https://api.openai.com/v1/usage?start_date=%s&end_date=%s",
		start.Format("2006-01-02"), end.Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errReport("openai", err.Error()), nil
	}
	req.Header.Set("Authorization", "Bearer "+f.APIKey)
	if f.Organization != "" {
		req.Header.Set("OpenAI-Organization", f.Organization)
	}

	resp, err := httpClientOrDefault(f.HTTPClient).Do(req)
	if err != nil {
		return errReport("openai", "fetch usage: "+err.Error()), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return errReport("openai", fmt.Sprintf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))), nil
	}

	var parsed struct {
		Data []struct {
			SnapshotID            string `json:"snapshot_id"`
			NContextTokensTotal   int64  `json:"n_context_tokens_total"`
			NGeneratedTokensTotal int64  `json:"n_generated_tokens_total"`
			NRequests             int64  `json:"n_requests"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return errReport("openai", "decode response: "+err.Error()), nil
	}

	byModel := make(map[string]*ModelBreakdown)
	for _, day := range parsed.Data {
		model := day.SnapshotID
		if model == "" {
			model = "unknown"
		}
		entry := byModel[model]
		if entry == nil {
			entry = &ModelBreakdown{Model: model}
			byModel[model] = entry
		}
		entry.InputTokens += day.NContextTokensTotal
		entry.OutputTokens += day.NGeneratedTokensTotal
		entry.Requests += day.NRequests
	}
	return assembleReport("openai", period, byModel), nil
}

func assembleReport(provider, period string, byModel map[string]*ModelBreakdown) *ProviderUsage {
	report := &ProviderUsage{
		Provider:  provider,
		Period:    period,
		FetchedAt: time.Now().UnixMilli(),
	}
	for _, entry := range byModel {
		entry.TotalTokens = entry.InputTokens + entry.OutputTokens
		report.InputTokens += entry.InputTokens
		report.OutputTokens += entry.OutputTokens
		report.Breakdown = append(report.Breakdown, *entry)
	}
	sort.Slice(report.Breakdown, func(i, j int) bool {
		return report.Breakdown[i].Model < report.Breakdown[j].Model
	})
	report.TotalTokens = report.InputTokens + report.OutputTokens
	return report
}

// UsageFetcherRegistry holds the configured fetchers by provider name.
type UsageFetcherRegistry struct {
	fetchers map[string]ProviderUsageFetcher
}

// NewUsageFetcherRegistry creates an empty registry.
func NewUsageFetcherRegistry() *UsageFetcherRegistry {
	return &UsageFetcherRegistry{fetchers: make(map[string]ProviderUsageFetcher)}
}

// Register adds a fetcher keyed by its provider name.
func (r *UsageFetcherRegistry) Register(fetcher ProviderUsageFetcher) {
	r.fetchers[fetcher.Provider()] = fetcher
}

// Fetch reads one provider's report; an unconfigured provider yields an
// error report, not an error.
func (r *UsageFetcherRegistry) Fetch(ctx context.Context, provider string) (*ProviderUsage, error) {
	fetcher, ok := r.fetchers[provider]
	if !ok {
		return errReport(provider, "provider not configured"), nil
	}
	return fetcher.Fetch(ctx)
}

// FetchAll reads every configured provider's report.
func (r *UsageFetcherRegistry) FetchAll(ctx context.Context) []*ProviderUsage {
	out := make([]*ProviderUsage, 0, len(r.fetchers))
	for _, fetcher := range r.fetchers {
		report, err := fetcher.Fetch(ctx)
		if err != nil || report == nil {
			report = errReport(fetcher.Provider(), "no usage data")
		}
		out = append(out, report)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// UsageCache caches reports so the usage tool doesn't hammer billing
// endpoints on every invocation.
type UsageCache struct {
	registry *UsageFetcherRegistry
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]*ProviderUsage
}

// NewUsageCache creates a cache over the registry with the given TTL.
func NewUsageCache(registry *UsageFetcherRegistry, ttl time.Duration) *UsageCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &UsageCache{
		registry: registry,
		ttl:      ttl,
		cache:    make(map[string]*ProviderUsage),
	}
}

func (c *UsageCache) fresh(report *ProviderUsage) bool {
	return report != nil && time.Since(time.UnixMilli(report.FetchedAt)) < c.ttl
}

// Get returns one provider's report, refreshing it when stale.
func (c *UsageCache) Get(ctx context.Context, provider string) (*ProviderUsage, error) {
	c.mu.Lock()
	cached := c.cache[provider]
	c.mu.Unlock()
	if c.fresh(cached) {
		return cached, nil
	}

	report, err := c.registry.Fetch(ctx, provider)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[provider] = report
	c.mu.Unlock()
	return report, nil
}

// GetAll returns every provider's report, refreshing stale entries.
func (c *UsageCache) GetAll(ctx context.Context) []*ProviderUsage {
	reports := make([]*ProviderUsage, 0, len(c.registry.fetchers))
	for provider := range c.registry.fetchers {
		report, err := c.Get(ctx, provider)
		if err != nil || report == nil {
			report = errReport(provider, "no usage data")
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Provider < reports[j].Provider })
	return reports
}

// FormatTokenCount renders a token count compactly (1.2M, 45.1K).
func FormatTokenCount(count int64) string {
	switch {
	case count >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(count)/1_000_000)
	case count >= 1_000:
		return fmt.Sprintf("%.1fK", float64(count)/1_000)
	default:
		return fmt.Sprintf("%d", count)
	}
}

// FormatUSD renders a dollar amount.
func FormatUSD(amount float64) string {
	return fmt.Sprintf("$%.2f", amount)
}

// FormatProviderUsage renders one report for display.
func FormatProviderUsage(report *ProviderUsage) string {
	if report == nil {
		return "No usage data"
	}
	if report.Error != "" {
		return fmt.Sprintf("%s: %s", report.Provider, report.Error)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s usage", report.Provider)
	if report.Period != "" {
		fmt.Fprintf(&b, " (%s)", report.Period)
	}
	fmt.Fprintf(&b, "\n  Total: %s tokens\n", FormatTokenCount(report.TotalTokens))
	if report.InputTokens > 0 {
		fmt.Fprintf(&b, "  Input: %s tokens\n", FormatTokenCount(report.InputTokens))
	}
	if report.OutputTokens > 0 {
		fmt.Fprintf(&b, "  Output: %s tokens\n", FormatTokenCount(report.OutputTokens))
	}
	if report.TotalCostUSD > 0 {
		fmt.Fprintf(&b, "  Cost: %s\n", FormatUSD(report.TotalCostUSD))
	}
	for _, entry := range report.Breakdown {
		fmt.Fprintf(&b, "    %s: %s tokens\n", entry.Model, FormatTokenCount(entry.TotalTokens))
	}
	return b.String()
}
