// Package homeautomation implements the consumed home-automation adapter
// contract: get_context, call_service, create_automation, against a
// Home-Assistant-compatible REST API.
package homeautomation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neosignal/assistantproxy/internal/policy"
)

// State is one entity's reported state.
type State struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Snapshot is the full context the pipeline's context resolver fetches:
// entities grouped by domain and by area, the area list, and a total
// count.
type Snapshot struct {
	Config          map[string]any    `json:"config"`
	TotalEntities   int               `json:"total_entities"`
	Areas           []string          `json:"areas"`
	EntitiesByDomain map[string][]State `json:"entities_by_domain"`
	EntitiesByArea  map[string][]State `json:"entities_by_area"`
}

// AutomationResult is returned from CreateAutomation.
type AutomationResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Config  map[string]any `json:"automation"`
}

// Client talks to a Home-Assistant-compatible REST API over a bearer
// token, enforcing the configured service allow-list before any call
// that mutates state.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	allowList  *policy.ServiceAllowList
}

func NewClient(baseURL, token string, allowList *policy.ServiceAllowList) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		allowList:  allowList,
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("homeautomation: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	url := fmt.Sprintf("%s/api/%s", c.baseURL, strings.TrimLeft(endpoint, "/"))
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("homeautomation: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("homeautomation: request %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("homeautomation: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("homeautomation: %s %s returned %d: %s", method, endpoint, resp.StatusCode, string(data))
	}
	return data, nil
}

// GetStates fetches every entity's current state.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	data, err := c.do(ctx, http.MethodGet, "states", nil)
	if err != nil {
		return nil, err
	}
	var states []State
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("homeautomation: decode states: %w", err)
	}
	return states, nil
}

// GetConfig fetches the backend's own configuration document.
func (c *Client) GetConfig(ctx context.Context) (map[string]any, error) {
	data, err := c.do(ctx, http.MethodGet, "config", nil)
	if err != nil {
		return nil, err
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("homeautomation: decode config: %w", err)
	}
	return cfg, nil
}

// GetContext assembles a full Snapshot: states grouped by domain and
// area, plus the backend configuration. Never returns a partial failure
// for area grouping since areas come from entity attributes already
// present in the states response.
func (c *Client) GetContext(ctx context.Context) (Snapshot, error) {
	states, err := c.GetStates(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("homeautomation: get context: %w", err)
	}
	cfg, err := c.GetConfig(ctx)
	if err != nil {
		cfg = map[string]any{}
	}

	byDomain := map[string][]State{}
	byArea := map[string][]State{}
	areaSet := map[string]bool{}

	for _, s := range states {
		domain := "unknown"
		if idx := strings.Index(s.EntityID, "."); idx > 0 {
			domain = s.EntityID[:idx]
		}
		byDomain[domain] = append(byDomain[domain], s)

		if area, ok := s.Attributes["area_id"].(string); ok && area != "" {
			byArea[area] = append(byArea[area], s)
			areaSet[area] = true
		}
	}

	areas := make([]string, 0, len(areaSet))
	for a := range areaSet {
		areas = append(areas, a)
	}

	return Snapshot{
		Config:          cfg,
		TotalEntities:   len(states),
		Areas:           areas,
		EntitiesByDomain: byDomain,
		EntitiesByArea:  byArea,
	}, nil
}

// NeedsConfirmation reports whether domain.service requires user
// confirmation before CallService executes it.
func (c *Client) NeedsConfirmation(domainName, service string) bool {
	return c.allowList.NeedsConfirmation(domainName, service)
}

// CallService invokes domain.service with the given data/target, after
// verifying it against the configured allow-list. Returns the affected
// entity states, mirroring Home Assistant's own response shape.
func (c *Client) CallService(ctx context.Context, domainName, service string, data, target map[string]any) ([]State, error) {
	if !c.allowList.IsAllowed(domainName, service) {
		return nil, fmt.Errorf("homeautomation: service %s.%s is not allowed", domainName, service)
	}

	payload := map[string]any{}
	for k, v := range data {
		payload[k] = v
	}
	for k, v := range target {
		payload[k] = v
	}

	endpoint := fmt.Sprintf("services/%s/%s", domainName, service)
	respData, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}

	var states []State
	if err := json.Unmarshal(respData, &states); err != nil {
		return nil, fmt.Errorf("homeautomation: decode call_service response: %w", err)
	}
	return states, nil
}

// CreateAutomation stages an automation draft. Home Assistant automation
// creation normally requires writing YAML and reloading; this mirrors the
// conservative behavior of returning the draft for manual review rather
// than mutating configuration files directly.
func (c *Client) CreateAutomation(ctx context.Context, automationConfig map[string]any) (AutomationResult, error) {
	return AutomationResult{
		Success: true,
		Message: "automation configuration generated, manual review recommended",
		Config:  automationConfig,
	}, nil
}
