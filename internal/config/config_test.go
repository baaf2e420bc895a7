package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
account:
  owner: "shop-42"
  tier: "active"

local:
  data_dir: "/var/lib/stocksync"

remote:
  driver: "postgres"
  call_timeout: "5s"
  postgres:
    dsn: "postgres://u:p@localhost:5432/remote"
    page_size: 200

push:
  interval: "10s"
  inter_commit_delay: "50ms"
  max_retries: 3

pull:
  collections: "items, suppliers"
  min_interval: "1m"
  max_interval: "30m"
  step: "5m"
`

// TestLoad_FromYAML verifies YAML values override defaults and derived fields are filled.
func TestLoad_FromYAML(t *testing.T) {
	path := writeYAML(t, t.TempDir(), validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "shop-42", cfg.Account.Owner)
	assert.Equal(t, "/var/lib/stocksync", cfg.Local.DataDir)
	assert.Equal(t, "postgres", cfg.Remote.Driver)
	assert.Equal(t, 5*time.Second, cfg.Remote.CallTimeout)
	assert.Equal(t, 200, cfg.Remote.Postgres.PageSize)
	assert.Equal(t, 10*time.Second, cfg.Push.Interval)
	assert.Equal(t, 50*time.Millisecond, cfg.Push.InterCommitDelay)
	assert.Equal(t, 3, cfg.Push.MaxRetries)
	assert.Equal(t, []string{"items", "suppliers"}, cfg.Pull.Collections)
	assert.Equal(t, 5*time.Minute, cfg.Pull.Step)

	// Defaults for sections absent from the file.
	assert.Equal(t, 24*time.Hour, cfg.Push.QuotaCooldown)
	assert.Equal(t, 24*time.Hour, cfg.Compactor.Retention)
	assert.Equal(t, 30*24*time.Hour, cfg.Compactor.AbandonedRetention)
	assert.Equal(t, 1, cfg.Pull.EmptyThreshold)
	assert.Equal(t, "info", cfg.Log.Level)
}

// TestLoad_EnvOnly verifies defaults when no file exists and no path is configured.
func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Chdir(t.TempDir())
	t.Setenv("ACCOUNT_OWNER", "env-owner")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-owner", cfg.Account.Owner)
	assert.Equal(t, "memory", cfg.Remote.Driver)
	assert.Equal(t, 100*time.Millisecond, cfg.Push.InterCommitDelay)
	assert.Equal(t, 5, cfg.Push.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Pull.MinInterval)
	assert.Equal(t, time.Hour, cfg.Pull.MaxInterval)
	assert.Equal(t, 10*time.Minute, cfg.Pull.Step)
	assert.Equal(t, []string{"items"}, cfg.Pull.Collections)
}

// TestLoad_EnvOverridesYAML verifies env vars take priority over file values.
func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, t.TempDir(), validYAML)
	t.Setenv("PUSH_MAX_RETRIES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Push.MaxRetries)
}

// TestLoad_MissingExplicitFile verifies an explicit path must exist.
func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func validConfig() Config {
	return Config{
		Account:   AccountConfig{Owner: "o", Tier: "active"},
		Remote:    RemoteConfig{Driver: "memory"},
		Push:      PushConfig{Interval: time.Second, MaxRetries: 5, QuotaCooldown: time.Hour},
		Pull:      PullConfig{CollectionsRaw: "items", MinInterval: time.Minute, MaxInterval: time.Hour, Step: time.Minute, EmptyThreshold: 1},
		Compactor: CompactorConfig{Interval: time.Hour, Retention: time.Hour},
	}
}

// TestValidate verifies business rules on the loaded configuration.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty owner", func(c *Config) { c.Account.Owner = " " }, true},
		{"unknown tier", func(c *Config) { c.Account.Tier = "gold" }, true},
		{"unknown driver", func(c *Config) { c.Remote.Driver = "mongo" }, true},
		{"postgres without dsn", func(c *Config) { c.Remote.Driver = "postgres"; c.Remote.Postgres.PageSize = 10 }, true},
		{"s3 without bucket", func(c *Config) { c.Remote.Driver = "s3"; c.Remote.S3.Provider = "aws" }, true},
		{"r2 without account", func(c *Config) {
			c.Remote.Driver = "s3"
			c.Remote.S3 = S3Config{Provider: "r2", Bucket: "b"}
		}, true},
		{"minio with endpoint", func(c *Config) {
			c.Remote.Driver = "s3"
			c.Remote.S3 = S3Config{Provider: "minio", Bucket: "b", Endpoint: "localhost:9000"}
		}, false},
		{"max below min", func(c *Config) { c.Pull.MaxInterval = time.Second }, true},
		{"no collections", func(c *Config) { c.Pull.CollectionsRaw = " , " }, true},
		{"zero threshold", func(c *Config) { c.Pull.EmptyThreshold = 0 }, true},
		{"negative retries", func(c *Config) { c.Push.MaxRetries = -1 }, true},
		{"zero retention", func(c *Config) { c.Compactor.Retention = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestParseCollections verifies trimming and blank removal.
func TestParseCollections(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseCollections(" a ,, b "))
	assert.Nil(t, ParseCollections(""))
}
