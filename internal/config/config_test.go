package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("HOOKD_TEST_SECRET", "whsec_dGVzdC1zZWNyZXQ=")

	path := writeConfig(t, `
listen: "0.0.0.0:9090"
log_level: DEBUG
database: /var/lib/hookd/hookd.db
webhook:
  path: /hooks/inbound
  secret: ${HOOKD_TEST_SECRET}
  tolerance_seconds: 120
ledger:
  retention_days: 7
admin:
  api_key: admin-key
  tokens:
    - token: reader
      scopes: [audit:ro]
events:
  - user.created
  - session.created
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9090", cfg.Listen)
	require.Equal(t, "whsec_dGVzdC1zZWNyZXQ=", cfg.Webhook.Secret)
	require.Equal(t, "/hooks/inbound", cfg.Webhook.Path)
	require.Equal(t, 2*time.Minute, cfg.Tolerance())
	require.Equal(t, 7*24*time.Hour, cfg.Retention())
	require.Equal(t, []string{"user.created", "session.created"}, cfg.Events)
	require.Equal(t, "admin-key", cfg.Admin.APIKey)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
webhook:
  secret: plain-secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DefaultListen, cfg.Listen)
	require.Equal(t, DefaultWebhookPath, cfg.Webhook.Path)
	require.Equal(t, int64(DefaultMaxBodySize), cfg.Webhook.MaxBodySize)
	require.Equal(t, 5*time.Minute, cfg.Tolerance())
	require.Equal(t, 30*24*time.Hour, cfg.Retention())
	require.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoad_SecretRotation(t *testing.T) {
	path := writeConfig(t, `
webhook:
  secret: new-secret
  previous_secret: old-secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"new-secret", "old-secret"}, cfg.Secrets())
}

func TestLoad_UnsetEnvVarFails(t *testing.T) {
	path := writeConfig(t, `
webhook:
  secret: ${HOOKD_DEFINITELY_UNSET_VAR}
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "HOOKD_DEFINITELY_UNSET_VAR")
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing secret", `listen: "127.0.0.1:8080"`},
		{"bad path", "webhook:\n  secret: s\n  path: no-slash"},
		{"token without scopes", "webhook:\n  secret: s\nadmin:\n  tokens:\n    - token: x"},
		{"empty token", "webhook:\n  secret: s\nadmin:\n  tokens:\n    - scopes: [audit:ro]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
