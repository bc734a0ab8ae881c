// Package iamcredentials signs JWTs with a service account's
// system-managed key. The private key never leaves the platform; the
// matching public keys are published at a well-known JWKS URL.
package iamcredentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultEndpoint = "https://iamcredentials.googleapis.com"

	// jwksEndpoint publishes the public keys for a service account
	jwksEndpoint = "https://www.googleapis.com/service_accounts/v1/metadata/jwk/"
)

// Client signs JWTs as a service account
type Client struct {
	baseURL        string
	httpClient     *http.Client
	serviceAccount string
	config         ClientConfig
}

// ClientConfig holds configuration for the credentials client
type ClientConfig struct {
	ServiceAccount string // email of the signing identity
	Endpoint       string // override for tests
	TokenSource    oauth2.TokenSource
	Timeout        time.Duration
}

// NewClient creates a new credentials client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ServiceAccount == "" || !strings.Contains(cfg.ServiceAccount, "@") {
		return nil, fmt.Errorf("invalid service account %q", cfg.ServiceAccount)
	}

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
		baseURL:        strings.TrimSuffix(endpoint, "/"),
		httpClient:     httpClient,
		serviceAccount: strings.ToLower(cfg.ServiceAccount),
		config:         cfg,
	}, nil
}

// ServiceAccount returns the signing identity's email
func (c *Client) ServiceAccount() string {
	return c.serviceAccount
}

// JWKSURL returns where the signing identity's public keys are
// published
func (c *Client) JWKSURL() string {
	return jwksEndpoint + c.serviceAccount
}

// SignJWT signs the given claims as the service account and returns
// the compact JWT
func (c *Client) SignJWT(ctx context.Context, claims map[string]any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}

	body, err := json.Marshal(map[string]string{"payload": string(payload)})
	if err != nil {
		return "", err
	}

	path := fmt.Sprintf("/v1/projects/-/serviceAccounts/%s:signJwt", c.serviceAccount)
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode == 401 || resp.StatusCode == 403 {
			return "", fmt.Errorf("authentication error: %w", err)
		}
		return "", err
	}

	var result struct {
		KeyID     string `json:"keyId,omitempty"`
		SignedJWT string `json:"signedJwt,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode signed jwt: %w", err)
	}
	if result.SignedJWT == "" {
		return "", fmt.Errorf("empty signed jwt in response")
	}
	return result.SignedJWT, nil
}
