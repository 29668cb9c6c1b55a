package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tunelab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
backend:
  base_url: http://trainer:9000/api/v1
  request_timeout: 2s
poll:
  interval: 500ms
  max_failures: 4
server:
  allowed_origins: [http://a.example]
`)
	t.Setenv("TUNELAB_POLL__MAX_FAILURES", "7")
	t.Setenv("TUNELAB_LOG__LEVEL", "debug")
	t.Setenv("TUNELAB_SERVER__ALLOWED_ORIGINS", "http://b.example, http://c.example")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "http://trainer:9000/api/v1", cfg.Backend.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Backend.RequestTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 30*time.Second, cfg.Poll.MaxBackoff, "untouched keys keep defaults")
	assert.Equal(t, 7, cfg.Poll.MaxFailures, "env overrides file")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"http://b.example", "http://c.example"}, cfg.Server.AllowedOrigins)
}

func TestLoad_PathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, writeFile(t, "submit:\n  attempts: 5\n"))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Submit.Attempts)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestLoad_EncryptedToken(t *testing.T) {
	t.Setenv(EnvSecretKey, "config-test-key")
	sk, err := NewSecretKey()
	require.NoError(t, err)
	enc, err := sk.Encrypt("tl-live-token-9876")
	require.NoError(t, err)

	t.Setenv("TUNELAB_BACKEND__API_TOKEN", enc)

	cfg, err := Load("", func(string) (*SecretKey, error) { return sk, nil })
	require.NoError(t, err)
	assert.Equal(t, "tl-live-token-9876", cfg.Backend.APIToken)
	assert.Equal(t, "****9876", cfg.Masked().Backend.APIToken)

	_, err = Load("", nil)
	assert.Error(t, err, "encrypted token without a key")
}

func TestLoad_EncryptedTokenUsesConfiguredKeyDir(t *testing.T) {
	t.Setenv(EnvSecretKey, "")
	dir := filepath.Join(t.TempDir(), "keys")

	sk, err := NewSecretKeyIn(dir)
	require.NoError(t, err)
	enc, err := sk.Encrypt("tl-dir-token-4321")
	require.NoError(t, err)

	t.Setenv("TUNELAB_BACKEND__API_TOKEN", enc)
	t.Setenv("TUNELAB_SECRETS__KEY_DIR", dir)

	var gotDir string
	cfg, err := Load("", func(keyDir string) (*SecretKey, error) {
		gotDir = keyDir
		return NewSecretKeyIn(keyDir)
	})
	require.NoError(t, err)
	assert.Equal(t, dir, gotDir)
	assert.Equal(t, "tl-dir-token-4321", cfg.Backend.APIToken)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty base url", func(c *Config) { c.Backend.BaseURL = "" }},
		{"zero timeout", func(c *Config) { c.Backend.RequestTimeout = 0 }},
		{"zero interval", func(c *Config) { c.Poll.Interval = 0 }},
		{"backoff below interval", func(c *Config) { c.Poll.MaxBackoff = c.Poll.Interval / 2 }},
		{"no failures allowed", func(c *Config) { c.Poll.MaxFailures = 0 }},
		{"no attempts", func(c *Config) { c.Submit.Attempts = 0 }},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 1.5 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"key dir", func(c *Config) { c.Secrets.KeyDir = "" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDump_MasksToken(t *testing.T) {
	cfg := Default()
	cfg.Backend.APIToken = "tl-secret-abcd"

	out, err := Dump(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "****abcd")
	assert.NotContains(t, string(out), "tl-secret")
	assert.Equal(t, "tl-secret-abcd", cfg.Backend.APIToken)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "job_id", "job_1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "job_id=job_1")
}
