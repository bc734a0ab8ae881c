// Package resourcemanager provides project search and the policy
// mutator the broker provisions activations through.
package resourcemanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/copperline/jitbroker/internal/entitlement"
	"github.com/copperline/jitbroker/internal/policy"
)

const (
	defaultEndpoint = "https://cloudresourcemanager.googleapis.com"

	// Conditional bindings require policy version 3
	policyVersion = 3
)

// Client talks to the resource manager API
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
}

// ClientConfig holds configuration for the resource manager client
type ClientConfig struct {
	Endpoint    string // override for tests
	TokenSource oauth2.TokenSource
	Timeout     time.Duration
	MaxAttempts int // write retries on concurrent modification
}

// NewClient creates a new resource manager client
func NewClient(cfg ClientConfig) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
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

// SearchProjects returns the ids of active projects matching the query
func (c *Client) SearchProjects(ctx context.Context, query string) ([]entitlement.ProjectID, error) {
	var (
		projects  []entitlement.ProjectID
		pageToken string
	)
	for {
		params := url.Values{}
		params.Set("query", query)
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		resp, err := c.do(ctx, "GET", "/v3/projects:search?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}

		var result struct {
			Projects []struct {
				ProjectID string `json:"projectId,omitempty"`
				State     string `json:"state,omitempty"`
			} `json:"projects,omitempty"`
			NextPageToken string `json:"nextPageToken,omitempty"`
		}
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode project search: %w", err)
		}

		for _, p := range result.Projects {
			if p.State != "" && p.State != "ACTIVE" {
				continue
			}
			projects = append(projects, entitlement.ProjectID(p.ProjectID))
		}

		if result.NextPageToken == "" {
			return projects, nil
		}
		pageToken = result.NextPageToken
	}
}

// GetProjectIamPolicy reads the project policy at the version that
// exposes conditions
func (c *Client) GetProjectIamPolicy(ctx context.Context, project entitlement.ProjectID) (*policy.Policy, error) {
	body := map[string]any{
		"options": map[string]any{"requestedPolicyVersion": policyVersion},
	}
	resp, err := c.do(ctx, "POST", "/v1/"+project.Path()+":getIamPolicy", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var p policy.Policy
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return &p, nil
}

// SetProjectIamPolicy writes the project policy. The policy's etag
// makes the write conditional on the version that was read.
func (c *Client) SetProjectIamPolicy(ctx context.Context, project entitlement.ProjectID, p *policy.Policy) error {
	p.Version = policyVersion
	resp, err := c.do(ctx, "POST", "/v1/"+project.Path()+":setIamPolicy", map[string]any{"policy": p})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// BindingOptions controls how AddProjectIamBinding merges the new
// binding into the policy
type BindingOptions struct {
	// PurgeExistingTemporaryBindings removes any binding for the same
	// (member, role) whose condition carries the activation sentinel
	// title, preventing accumulation of stale windows.
	PurgeExistingTemporaryBindings bool
}

// AddProjectIamBinding appends a conditional binding to the project
// policy using read-modify-write. Concurrent modifications surface as
// etag conflicts and are retried. The description is recorded for
// audit only.
func (c *Client) AddProjectIamBinding(ctx context.Context, project entitlement.ProjectID, binding policy.Binding, opts BindingOptions, description string) error {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		current, err := c.GetProjectIamPolicy(ctx, project)
		if err != nil {
			return err
		}

		if opts.PurgeExistingTemporaryBindings {
			current.Bindings = purgeTemporaryBindings(current.Bindings, binding)
		}
		current.Bindings = append(current.Bindings, binding)

		err = c.SetProjectIamPolicy(ctx, project, current)
		if err == nil {
			log.Info().
				Str("project", project.String()).
				Str("role", binding.Role).
				Str("reason", description).
				Msg("Added project IAM binding")
			return nil
		}
		if !isConcurrentModification(err) {
			return err
		}
		lastErr = err
		log.Debug().
			Str("project", project.String()).
			Int("attempt", attempt+1).
			Msg("Concurrent policy modification, retrying")
	}
	return fmt.Errorf("add binding: retries exhausted: %w", lastErr)
}

// purgeTemporaryBindings drops bindings that were planted by a previous
// activation of the same member and role
func purgeTemporaryBindings(bindings []policy.Binding, replacement policy.Binding) []policy.Binding {
	kept := bindings[:0]
	for _, b := range bindings {
		if b.Role == replacement.Role &&
			b.Condition != nil && b.Condition.Title == policy.ActivationTitle &&
			sameMembers(b.Members, replacement.Members) {
			continue
		}
		kept = append(kept, b)
	}
	return kept
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// isConcurrentModification recognizes etag conflicts on setIamPolicy
func isConcurrentModification(err error) bool {
	var httpErr *httpError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.status == http.StatusConflict || httpErr.status == http.StatusPreconditionFailed
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.status, e.body)
}

// do performs a JSON request
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)

		err := &httpError{status: resp.StatusCode, body: string(respBody)}
		if resp.StatusCode == 401 || resp.StatusCode == 403 {
			return nil, fmt.Errorf("authentication error: %w", err)
		}
		return nil, err
	}

	return resp, nil
}
