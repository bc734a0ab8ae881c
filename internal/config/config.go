// Package config loads and validates the broker configuration from
// defaults, an optional config file, and JITBROKER_* environment
// variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"
)

// PolicySource selects which backend supplies policy bindings.
const (
	SourcePolicyAnalyzer = "analyzer"
	SourceAssetInventory = "inventory"
)

// Config is the complete broker configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Catalog       CatalogConfig       `yaml:"catalog" json:"catalog"`
	Backend       BackendConfig       `yaml:"backend" json:"backend"`
	Signer        SignerConfig        `yaml:"signer" json:"signer"`
	Justification JustificationConfig `yaml:"justification" json:"justification"`
	SMTP          SMTPConfig          `yaml:"smtp" json:"smtp"`
	IAP           IAPConfig           `yaml:"iap" json:"iap"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port"`
	MetricsPort int    `yaml:"metrics_port" json:"metrics_port"`
	// BaseURL is the externally reachable URL used in approval links.
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// CatalogConfig carries the activation constraints the catalog
// enforces on every request.
type CatalogConfig struct {
	// Scope is the organization the broker analyzes, e.g.
	// "organizations/1234567890".
	Scope string `yaml:"scope" json:"scope"`
	// ProjectQuery optionally overrides entitlement discovery for
	// scope listing with a project search query.
	ProjectQuery  string `yaml:"project_query" json:"project_query"`
	MinActivation string `yaml:"min_activation" json:"min_activation"` // e.g. "5m"
	MaxActivation string `yaml:"max_activation" json:"max_activation"` // e.g. "2h"
	MinReviewers  int    `yaml:"min_reviewers" json:"min_reviewers"`
	MaxReviewers  int    `yaml:"max_reviewers" json:"max_reviewers"`
	// FanoutDegree bounds concurrent backend calls per request.
	// Zero means one worker per available CPU.
	FanoutDegree int `yaml:"fanout_degree" json:"fanout_degree"`
}

// MinActivationDuration returns the parsed minimum activation length.
func (c CatalogConfig) MinActivationDuration() time.Duration {
	d, _ := time.ParseDuration(c.MinActivation)
	return d
}

// MaxActivationDuration returns the parsed maximum activation length.
func (c CatalogConfig) MaxActivationDuration() time.Duration {
	d, _ := time.ParseDuration(c.MaxActivation)
	return d
}

// BackendConfig selects and configures the policy source clients.
type BackendConfig struct {
	// Source is "analyzer" (policy analyzer, per-user search) or
	// "inventory" (asset inventory, per-project effective policy).
	Source string `yaml:"source" json:"source"`
	// Timeout applies to each backend call, e.g. "30s".
	Timeout string `yaml:"timeout" json:"timeout"`

	// Endpoint overrides, used by tests and private-access setups.
	AnalyzerEndpoint        string `yaml:"analyzer_endpoint" json:"analyzer_endpoint"`
	AssetEndpoint           string `yaml:"asset_endpoint" json:"asset_endpoint"`
	DirectoryEndpoint       string `yaml:"directory_endpoint" json:"directory_endpoint"`
	ResourceManagerEndpoint string `yaml:"resourcemanager_endpoint" json:"resourcemanager_endpoint"`
	CredentialsEndpoint     string `yaml:"credentials_endpoint" json:"credentials_endpoint"`
}

// CallTimeout returns the parsed per-call deadline.
func (c BackendConfig) CallTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// SignerConfig identifies the proposal token signer.
type SignerConfig struct {
	// ServiceAccount is the email of the signing identity. Proposal
	// tokens carry it as both issuer and audience.
	ServiceAccount string `yaml:"service_account" json:"service_account"`
	// ProposalTimeout bounds how long an approval token stays
	// valid, e.g. "1h".
	ProposalTimeout string `yaml:"proposal_timeout" json:"proposal_timeout"`
}

// ProposalValidity returns the parsed token validity.
func (c SignerConfig) ProposalValidity() time.Duration {
	d, _ := time.ParseDuration(c.ProposalTimeout)
	return d
}

// JustificationConfig constrains the free-text justification users
// supply with a request.
type JustificationConfig struct {
	MinLength int    `yaml:"min_length" json:"min_length"`
	Pattern   string `yaml:"pattern" json:"pattern"` // optional regexp the text must match
	Hint      string `yaml:"hint" json:"hint"`       // shown to users, e.g. "Bug or case number"
}

// SMTPConfig configures the notification mailer.
type SMTPConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	From     string `yaml:"from" json:"from"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	StartTLS bool   `yaml:"starttls" json:"starttls"`
}

// IAPConfig controls how end-user identity is established from the
// fronting identity-aware proxy.
type IAPConfig struct {
	// VerifyAssertion enables cryptographic verification of the
	// proxy's JWT assertion header. When disabled only the plain
	// email header is trusted, which is acceptable solely behind a
	// trusted proxy.
	VerifyAssertion bool `yaml:"verify_assertion" json:"verify_assertion"`
	// Audience the assertion must carry, e.g.
	// "/projects/123/global/backendServices/456".
	Audience string `yaml:"audience" json:"audience"`
	// Issuer of the assertion tokens.
	Issuer string `yaml:"issuer" json:"issuer"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// Default returns the configuration baseline before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			MetricsPort: 9091,
		},
		Catalog: CatalogConfig{
			MinActivation: "5m",
			MaxActivation: "2h",
			MinReviewers:  1,
			MaxReviewers:  10,
		},
		Backend: BackendConfig{
			Source:  SourcePolicyAnalyzer,
			Timeout: "30s",
		},
		Signer: SignerConfig{
			ProposalTimeout: "1h",
		},
		Justification: JustificationConfig{
			MinLength: 1,
		},
		SMTP: SMTPConfig{
			Port:     587,
			StartTLS: true,
		},
		IAP: IAPConfig{
			Issuer: "https://cloud.google.com/iap",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Validate checks the configuration for inconsistencies. It is called
// after all sources are applied and again by the file watcher.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server port %d out of range", c.Server.Port))
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, fmt.Sprintf("metrics port %d out of range", c.Server.MetricsPort))
	}

	if c.Catalog.Scope == "" {
		errs = append(errs, "catalog scope is required (e.g. organizations/1234567890)")
	}
	minAct, err := time.ParseDuration(c.Catalog.MinActivation)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid min_activation %q", c.Catalog.MinActivation))
	}
	maxAct, err := time.ParseDuration(c.Catalog.MaxActivation)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid max_activation %q", c.Catalog.MaxActivation))
	}
	if minAct > 0 && maxAct > 0 && minAct > maxAct {
		errs = append(errs, "min_activation exceeds max_activation")
	}
	if minAct <= 0 {
		errs = append(errs, "min_activation must be positive")
	}
	if c.Catalog.MinReviewers < 1 {
		errs = append(errs, "min_reviewers must be at least 1")
	}
	if c.Catalog.MaxReviewers < c.Catalog.MinReviewers {
		errs = append(errs, "max_reviewers below min_reviewers")
	}
	if c.Catalog.FanoutDegree < 0 {
		errs = append(errs, "fanout_degree cannot be negative")
	}

	switch c.Backend.Source {
	case SourcePolicyAnalyzer:
	case SourceAssetInventory:
		// The inventory backend reads per-project effective policies
		// and cannot enumerate projects on its own.
		if c.Catalog.ProjectQuery == "" {
			errs = append(errs, "catalog project_query required when backend source is inventory")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown policy source %q (want %q or %q)",
			c.Backend.Source, SourcePolicyAnalyzer, SourceAssetInventory))
	}
	if _, err := time.ParseDuration(c.Backend.Timeout); err != nil {
		errs = append(errs, fmt.Sprintf("invalid backend timeout %q", c.Backend.Timeout))
	}

	if c.Signer.ServiceAccount != "" && !strings.Contains(c.Signer.ServiceAccount, "@") {
		errs = append(errs, fmt.Sprintf("signer service account %q is not an email", c.Signer.ServiceAccount))
	}
	if validity, err := time.ParseDuration(c.Signer.ProposalTimeout); err != nil || validity <= 0 {
		errs = append(errs, fmt.Sprintf("invalid proposal_timeout %q", c.Signer.ProposalTimeout))
	}

	if c.Justification.MinLength < 0 {
		errs = append(errs, "justification min_length cannot be negative")
	}

	if c.SMTP.Enabled {
		if c.SMTP.Host == "" {
			errs = append(errs, "smtp host required when smtp is enabled")
		}
		if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
			errs = append(errs, fmt.Sprintf("smtp port %d out of range", c.SMTP.Port))
		}
		if c.SMTP.From == "" {
			errs = append(errs, "smtp from address required when smtp is enabled")
		}
	}

	if c.IAP.VerifyAssertion && c.IAP.Audience == "" {
		errs = append(errs, "iap audience required when assertion verification is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
