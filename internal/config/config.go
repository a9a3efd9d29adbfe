// Package config loads and validates the hookd YAML configuration.
//
// Secrets are referenced as ${ENV_VAR} in the file and expanded at load time
// so they never live in the config file itself.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the full process configuration, assembled once at startup and
// read-only afterwards.
type Config struct {
	Listen   string        `yaml:"listen"`
	LogLevel string        `yaml:"log_level"`
	Database string        `yaml:"database"`
	LockFile string        `yaml:"lock_file"`
	Webhook  WebhookConfig `yaml:"webhook"`
	Ledger   LedgerConfig  `yaml:"ledger"`
	Admin    AdminConfig   `yaml:"admin"`
	// Events lists the event types the process registers handlers for.
	Events []string `yaml:"events"`
}

// WebhookConfig configures the signed ingestion endpoint.
type WebhookConfig struct {
	// Path is the URL path deliveries are POSTed to.
	Path string `yaml:"path"`

	// Secret is the current shared signing secret. Secrets with a "whsec_"
	// prefix are treated as base64-encoded.
	Secret string `yaml:"secret"`

	// PreviousSecret, when set, is also accepted during a rotation window.
	PreviousSecret string `yaml:"previous_secret,omitempty"`

	// ToleranceSeconds bounds timestamp drift for replay protection.
	ToleranceSeconds int `yaml:"tolerance_seconds,omitempty"`

	// MaxBodySize is the maximum allowed request body size in bytes.
	MaxBodySize int64 `yaml:"max_body_size,omitempty"`
}

// LedgerConfig configures idempotency record retention.
type LedgerConfig struct {
	RetentionDays int `yaml:"retention_days,omitempty"`
}

// AdminConfig configures the operator API.
type AdminConfig struct {
	// APIKey authorizes all admin scopes.
	APIKey string `yaml:"api_key,omitempty"`

	// Tokens are scoped bearer tokens.
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Default values
const (
	DefaultListen        = "127.0.0.1:8080"
	DefaultWebhookPath   = "/webhook"
	DefaultDatabase      = "./data/hookd.db"
	DefaultLockFile      = "./data/hookd.lock"
	DefaultTolerance     = 300
	DefaultMaxBodySize   = 1048576 // 1 MB
	DefaultRetentionDays = 30
)

// Load reads, expands and validates configuration from a file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", configPath, err)
	}

	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", configPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", configPath, err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandEnv substitutes ${VAR} references. Referencing an unset variable is
// an error rather than a silent empty string; a missing secret must fail at
// startup, not at the first delivery.
func expandEnv(s string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unset environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.LockFile == "" {
		cfg.LockFile = DefaultLockFile
	}
	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = DefaultWebhookPath
	}
	if cfg.Webhook.ToleranceSeconds == 0 {
		cfg.Webhook.ToleranceSeconds = DefaultTolerance
	}
	if cfg.Webhook.MaxBodySize == 0 {
		cfg.Webhook.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = DefaultRetentionDays
	}
}

func validate(cfg *Config) error {
	if cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required")
	}
	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with /: %q", cfg.Webhook.Path)
	}
	if cfg.Webhook.ToleranceSeconds < 0 {
		return fmt.Errorf("webhook.tolerance_seconds must be positive")
	}
	if cfg.Webhook.MaxBodySize < 0 {
		return fmt.Errorf("webhook.max_body_size must be positive")
	}
	if cfg.Ledger.RetentionDays < 0 {
		return fmt.Errorf("ledger.retention_days must be positive")
	}
	for i, tok := range cfg.Admin.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("admin.tokens[%d].token is empty", i)
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("admin.tokens[%d] has no scopes", i)
		}
	}
	return nil
}

// Secrets returns the accepted signing secrets, current first.
func (c *Config) Secrets() []string {
	out := []string{c.Webhook.Secret}
	if c.Webhook.PreviousSecret != "" {
		out = append(out, c.Webhook.PreviousSecret)
	}
	return out
}

// Tolerance returns the replay window as a duration.
func (c *Config) Tolerance() time.Duration {
	return time.Duration(c.Webhook.ToleranceSeconds) * time.Second
}

// Retention returns the ledger retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Ledger.RetentionDays) * 24 * time.Hour
}
