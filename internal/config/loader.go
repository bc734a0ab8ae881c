package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "JITBROKER_"

// defaultConfigPaths are searched in order when no explicit path is
// given.
var defaultConfigPaths = []string{
	"/etc/jitbroker/jitbroker.yml",
	"/etc/jitbroker/jitbroker.yaml",
	"/etc/jitbroker/jitbroker.json",
	"./jitbroker.yml",
	"./jitbroker.yaml",
	"./jitbroker.json",
}

// Load builds the configuration from defaults, the first config file
// found on the default search path, a .env file, and environment
// variables.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file path. An empty path
// falls back to the default search list; a missing explicit path is an
// error.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	// .env values become plain environment variables; real
	// environment always wins over the file.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	} else if found := findConfigFile(); found != "" {
		if err := loadFile(cfg, found); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the config file Load would pick up, or empty
// when none of the default locations exist.
func DefaultPath() string {
	return findConfigFile()
}

// findConfigFile returns the first existing file from the search list.
func findConfigFile() string {
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadFile merges a YAML or JSON config file over cfg.
func loadFile(cfg *Config, path string) error {
	log.Info().Str("path", path).Msg("Loading configuration file")

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format %q", ext)
	}
	return nil
}

// applyEnv merges JITBROKER_* environment variables over cfg.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setInt(&cfg.Server.MetricsPort, "METRICS_PORT")
	setString(&cfg.Server.BaseURL, "BASE_URL")

	setString(&cfg.Catalog.Scope, "CATALOG_SCOPE")
	setString(&cfg.Catalog.ProjectQuery, "PROJECT_QUERY")
	setString(&cfg.Catalog.MinActivation, "MIN_ACTIVATION")
	setString(&cfg.Catalog.MaxActivation, "MAX_ACTIVATION")
	setInt(&cfg.Catalog.MinReviewers, "MIN_REVIEWERS")
	setInt(&cfg.Catalog.MaxReviewers, "MAX_REVIEWERS")
	setInt(&cfg.Catalog.FanoutDegree, "FANOUT_DEGREE")

	setString(&cfg.Backend.Source, "POLICY_SOURCE")
	setString(&cfg.Backend.Timeout, "BACKEND_TIMEOUT")
	setString(&cfg.Backend.AnalyzerEndpoint, "ANALYZER_ENDPOINT")
	setString(&cfg.Backend.AssetEndpoint, "ASSET_ENDPOINT")
	setString(&cfg.Backend.DirectoryEndpoint, "DIRECTORY_ENDPOINT")
	setString(&cfg.Backend.ResourceManagerEndpoint, "RESOURCEMANAGER_ENDPOINT")
	setString(&cfg.Backend.CredentialsEndpoint, "CREDENTIALS_ENDPOINT")

	setString(&cfg.Signer.ServiceAccount, "SIGNER_SERVICE_ACCOUNT")
	setString(&cfg.Signer.ProposalTimeout, "PROPOSAL_TIMEOUT")

	setInt(&cfg.Justification.MinLength, "JUSTIFICATION_MIN_LENGTH")
	setString(&cfg.Justification.Pattern, "JUSTIFICATION_PATTERN")
	setString(&cfg.Justification.Hint, "JUSTIFICATION_HINT")

	setBool(&cfg.SMTP.Enabled, "SMTP_ENABLED")
	setString(&cfg.SMTP.Host, "SMTP_HOST")
	setInt(&cfg.SMTP.Port, "SMTP_PORT")
	setString(&cfg.SMTP.From, "SMTP_FROM")
	setString(&cfg.SMTP.Username, "SMTP_USERNAME")
	setString(&cfg.SMTP.Password, "SMTP_PASSWORD")
	setBool(&cfg.SMTP.StartTLS, "SMTP_STARTTLS")

	setBool(&cfg.IAP.VerifyAssertion, "IAP_VERIFY")
	setString(&cfg.IAP.Audience, "IAP_AUDIENCE")
	setString(&cfg.IAP.Issuer, "IAP_ISSUER")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.File, "LOG_FILE")
}

func setString(dst *string, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		log.Warn().Str("var", envPrefix+key).Str("value", val).Msg("Ignoring non-integer environment override")
		return
	}
	*dst = parsed
}

func setBool(dst *bool, key string) {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return
	}
	parsed, err := strconv.ParseBool(strings.ToLower(val))
	if err != nil {
		log.Warn().Str("var", envPrefix+key).Str("value", val).Msg("Ignoring non-boolean environment override")
		return
	}
	*dst = parsed
}
