// Package directory resolves group membership through the workspace
// directory API. Expansion is deliberately one hop: the broker treats
// nested groups as out of scope.
package directory

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

	"github.com/copperline/jitbroker/internal/identity"
)

const defaultEndpoint = "https://admin.googleapis.com"

// Client talks to the directory API
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
}

// ClientConfig holds configuration for the directory client
type ClientConfig struct {
	Endpoint    string // override for tests
	TokenSource oauth2.TokenSource
	Timeout     time.Duration
}

// NewClient creates a new directory client
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

// ListDirectGroupMemberships returns the groups the user is a direct
// member of
func (c *Client) ListDirectGroupMemberships(ctx context.Context, user identity.UserID) ([]identity.GroupID, error) {
	var (
		groups    []identity.GroupID
		pageToken string
	)
	for {
		params := url.Values{}
		params.Set("userKey", user.String())
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		resp, err := c.get(ctx, "/admin/directory/v1/groups?"+params.Encode())
		if err != nil {
			return nil, err
		}

		var result struct {
			Groups []struct {
				Email string `json:"email,omitempty"`
			} `json:"groups,omitempty"`
			NextPageToken string `json:"nextPageToken,omitempty"`
		}
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode group memberships: %w", err)
		}

		for _, g := range result.Groups {
			group, err := identity.NewGroupID(g.Email)
			if err != nil {
				continue
			}
			groups = append(groups, group)
		}

		if result.NextPageToken == "" {
			return groups, nil
		}
		pageToken = result.NextPageToken
	}
}

// ListDirectGroupMembers returns the direct user members of a group.
// Nested groups are reported but not expanded.
func (c *Client) ListDirectGroupMembers(ctx context.Context, group identity.GroupID) ([]identity.UserID, error) {
	var (
		users     []identity.UserID
		pageToken string
	)
	for {
		params := url.Values{}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		path := fmt.Sprintf("/admin/directory/v1/groups/%s/members", url.PathEscape(group.String()))
		if encoded := params.Encode(); encoded != "" {
			path += "?" + encoded
		}

		resp, err := c.get(ctx, path)
		if err != nil {
			return nil, err
		}

		var result struct {
			Members []struct {
				Email string `json:"email,omitempty"`
				Type  string `json:"type,omitempty"`
			} `json:"members,omitempty"`
			NextPageToken string `json:"nextPageToken,omitempty"`
		}
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode group members: %w", err)
		}

		for _, m := range result.Members {
			if m.Type != "" && m.Type != "USER" {
				continue
			}
			user, err := identity.NewUserID(m.Email)
			if err != nil {
				continue
			}
			users = append(users, user)
		}

		if result.NextPageToken == "" {
			return users, nil
		}
		pageToken = result.NextPageToken
	}
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
