// Package assetinventory fetches effective IAM policies: for a given
// resource, every policy that applies to it, from the resource itself
// up through its ancestors. The broker uses it as the per-project
// policy source.
package assetinventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/copperline/jitbroker/internal/policy"
)

const defaultEndpoint = "https://cloudasset.googleapis.com"

// Client talks to the asset inventory API
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
}

// ClientConfig holds configuration for the asset inventory client
type ClientConfig struct {
	Endpoint    string // override for tests
	TokenSource oauth2.TokenSource
	Timeout     time.Duration
}

// NewClient creates a new asset inventory client
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

// PolicyInfo is one policy that applies to the queried resource
type PolicyInfo struct {
	AttachedResource string         `json:"attachedResource,omitempty"`
	Policy           *policy.Policy `json:"policy,omitempty"`
}

// EffectiveIamPolicies returns every policy that applies to the named
// resource under the given scope, the directly attached policy first,
// ancestors after it
func (c *Client) EffectiveIamPolicies(ctx context.Context, scope, fullResourceName string) ([]PolicyInfo, error) {
	params := url.Values{}
	params.Set("names", fullResourceName)

	path := fmt.Sprintf("/v1/%s/effectiveIamPolicies:batchGet?%s", scope, params.Encode())
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		PolicyResults []struct {
			FullResourceName string       `json:"fullResourceName,omitempty"`
			Policies         []PolicyInfo `json:"policies,omitempty"`
		} `json:"policyResults,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode effective policies: %w", err)
	}

	for _, pr := range result.PolicyResults {
		if pr.FullResourceName == fullResourceName {
			return pr.Policies, nil
		}
	}
	return nil, nil
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
