// Package search implements the web-search adapter contract: an
// OpenAI-chat-compatible search API (Perplexity's "sonar" models follow
// this shape) wrapped with the server-enforced recency policy and a
// per-query result cache.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/policy"
)

// Result is the outcome of a search call, matching the consumed
// contract's {answer, sources, category, recency, policy} shape.
type Result struct {
	Answer   string                     `json:"answer"`
	Sources  []domain.SearchSource      `json:"sources"`
	Category string                     `json:"category"`
	Recency  *int                       `json:"recency_days,omitempty"`
	Policy   domain.SearchPolicyDecision `json:"policy"`
}

type cacheEntry struct {
	result   Result
	cachedAt time.Time
}

// Client performs recency-policy-enforced web searches.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	policy     *policy.RecencyPolicy

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cacheEntry
}

func NewClient(apiKey, model string, recencyPolicy *policy.RecencyPolicy, cacheTTL time.Duration) *Client {
	if model == "" {
		model = "sonar"
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    "https://api.perplexity.ai",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		policy:     recencyPolicy,
		cacheTTL:   cacheTTL,
		cache:      make(map[string]cacheEntry),
	}
}

// Search answers query, classifying it into a recency category (unless
// explicitly given), enforcing that category's recency policy server-side
// regardless of what the caller requested, and caching the answer by
// query+category+recency for cacheTTL.
func (c *Client) Search(ctx context.Context, query string, category string, requestedDays *int, overrideReason string, maxResults int) (Result, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	cat := policy.SearchCategory(category)
	if cat == "" {
		cat = policy.Classify(query)
	}

	decision := c.policy.Enforce(cat, requestedDays)
	if overrideReason != "" && requestedDays != nil {
		if c.policy.ValidateOverride(cat, requestedDays, overrideReason) {
			decision.RecencyDays = requestedDays
			decision.OverrideReason = overrideReason
		}
	}

	recencyKey := "none"
	if decision.RecencyDays != nil {
		recencyKey = fmt.Sprintf("%d", *decision.RecencyDays)
	}
	cacheKey := fmt.Sprintf("%s:%s:%s", query, cat, recencyKey)
	if cached, ok := c.cached(cacheKey); ok {
		return cached, nil
	}

	answer, sources, err := c.callAPI(ctx, query, decision.RecencyDays, maxResults)
	if err != nil {
		return Result{}, fmt.Errorf("search: %w", err)
	}

	result := Result{
		Answer:   answer,
		Sources:  sources,
		Category: string(cat),
		Recency:  decision.RecencyDays,
		Policy:   decision,
	}
	c.store(cacheKey, result)
	return result, nil
}

func (c *Client) cached(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || time.Since(entry.cachedAt) > c.cacheTTL {
		return Result{}, false
	}
	return entry.result, true
}

func (c *Client) store(key string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{result: result, cachedAt: time.Now()}
}

type chatRequest struct {
	Model             string        `json:"model"`
	Messages          []chatMessage `json:"messages"`
	MaxTokens         int           `json:"max_tokens"`
	Temperature       float64       `json:"temperature"`
	TopP              float64       `json:"top_p"`
	ReturnCitations   bool          `json:"return_citations"`
	ReturnImages      bool          `json:"return_images"`
	SearchRecencyFilter string      `json:"search_recency_filter,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

func (c *Client) callAPI(ctx context.Context, query string, recencyDays *int, maxResults int) (string, []domain.SearchSource, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a search assistant. Answer concisely and always cite sources."},
			{Role: "user", Content: query},
		},
		MaxTokens:       1000,
		Temperature:     0.2,
		TopP:            0.9,
		ReturnCitations: true,
		ReturnImages:    false,
	}
	if filter := daysToRecencyFilter(recencyDays); filter != "" {
		req.SearchRecencyFilter = filter
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", nil, fmt.Errorf("api returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "No information found.", nil, nil
	}

	sources := make([]domain.SearchSource, 0, len(parsed.Citations))
	for i, url := range parsed.Citations {
		if maxResults > 0 && i >= maxResults {
			break
		}
		sources = append(sources, domain.SearchSource{Title: url, URL: url})
	}

	return parsed.Choices[0].Message.Content, sources, nil
}

func daysToRecencyFilter(days *int) string {
	if days == nil {
		return ""
	}
	switch {
	case *days <= 1:
		return "day"
	case *days <= 7:
		return "week"
	case *days <= 30:
		return "month"
	case *days <= 365:
		return "year"
	default:
		return ""
	}
}
