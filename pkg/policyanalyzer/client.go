// Package policyanalyzer is a client for the asset analysis API that
// answers "which resources can this identity access, and through which
// bindings". The broker uses it as one of its two policy sources.
package policyanalyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const defaultEndpoint = "https://cloudasset.googleapis.com"

// Client talks to the policy analyzer API
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
}

// ClientConfig holds configuration for the analyzer client
type ClientConfig struct {
	Endpoint    string // override for tests
	TokenSource oauth2.TokenSource
	Timeout     time.Duration
}

// NewClient creates a new policy analyzer client
func NewClient(cfg ClientConfig) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if cfg.TokenSource != nil {
		httpClient.Transport = &oauth2.Transport{Source: cfg.TokenSource}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(endpoint, "/"),
		httpClient: httpClient,
		config:     cfg,
	}
}

// Query selects what to analyze. Exactly one of the selectors may be
// empty; the API rejects fully unselected queries.
type Query struct {
	Identity         string   // identitySelector, e.g. "user:bob@example.com"
	Permissions      []string // accessSelector permissions
	Roles            []string // accessSelector roles
	FullResourceName string   // resourceSelector
	ExpandGroups     bool
	ExpandResources  bool
}

// AnalyzeIamPolicy runs an analysis under the given organization scope
func (c *Client) AnalyzeIamPolicy(ctx context.Context, scope string, query Query) (*Analysis, error) {
	params := url.Values{}
	if query.Identity != "" {
		params.Set("analysisQuery.identitySelector.identity", query.Identity)
	}
	for _, p := range query.Permissions {
		params.Add("analysisQuery.accessSelector.permissions", p)
	}
	for _, r := range query.Roles {
		params.Add("analysisQuery.accessSelector.roles", r)
	}
	if query.FullResourceName != "" {
		params.Set("analysisQuery.resourceSelector.fullResourceName", query.FullResourceName)
	}
	if query.ExpandGroups {
		params.Set("analysisQuery.options.expandGroups", "true")
	}
	if query.ExpandResources {
		params.Set("analysisQuery.options.expandResources", "true")
	}

	path := fmt.Sprintf("/v1/%s:analyzeIamPolicy?%s", scope, params.Encode())
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		MainAnalysis *Analysis `json:"mainAnalysis"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if result.MainAnalysis == nil {
		return &Analysis{}, nil
	}

	log.Debug().
		Str("scope", scope).
		Str("identity", query.Identity).
		Int("results", len(result.MainAnalysis.Results)).
		Msg("Policy analysis completed")

	return result.MainAnalysis, nil
}

// get performs a GET request
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		err := fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode == 401 || resp.StatusCode == 403 {
			return nil, fmt.Errorf("authentication error: %w", err)
		}
		return nil, err
	}

	return resp, nil
}
