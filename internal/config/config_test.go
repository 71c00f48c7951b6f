package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 5, cfg.Server.RetryAfterSecs)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, int64(1024), cfg.Anthropic.MaxTokens)
	assert.InDelta(t, 0.1, cfg.Anthropic.Temperature, 0.001)
	assert.Equal(t, 5, cfg.Anthropic.BreakerThreshold)
	assert.Equal(t, "https://login.salesforce.com", cfg.Salesforce.LoginURL)
	assert.False(t, cfg.Routing.Enabled)
	assert.Equal(t, 300, cfg.Sweeper.IntervalSecs)
	assert.Equal(t, 900, cfg.Sweeper.GraceSecs)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  database_url: leads.db
log:
  level: debug
  format: console
server:
  port: 9090
sweeper:
  grace_secs: 600
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "leads.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 600, cfg.Sweeper.GraceSecs)
	// Defaults still apply for unset values
	assert.Equal(t, 300, cfg.Sweeper.IntervalSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LEADOPS_STORE_DRIVER", "postgres")
	t.Setenv("LEADOPS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("LEADOPS_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Store:     StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/leads"},
			Anthropic: AnthropicConfig{Key: "sk-ant-key"},
		}
	}

	assert.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Store.Driver = "mysql"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")

	cfg = valid()
	cfg.Store.DatabaseURL = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg = valid()
	cfg.Anthropic.Key = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")

	cfg = valid()
	cfg.Routing.Enabled = true
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "salesforce credentials")

	cfg.Salesforce = SalesforceConfig{ClientID: "id", Username: "u@example.com", KeyPath: "/tmp/key.pem"}
	assert.NoError(t, cfg.Validate())
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
