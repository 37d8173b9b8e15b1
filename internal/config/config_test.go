package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Gateway.Primary)
	assert.Equal(t, "openai", cfg.Gateway.Secondary)
	assert.Equal(t, "primary", cfg.Gateway.Backend)
	assert.Equal(t, 5, cfg.Gateway.FanOut)
	assert.Equal(t, 60, cfg.Gateway.RequestTimeoutSecs)
	assert.Equal(t, "claude-3-5-sonnet-20241022", cfg.Anthropic.Model)
	assert.Equal(t, int64(4096), cfg.Anthropic.MaxTokens)
	assert.InDelta(t, 0.0, cfg.Anthropic.Temperature, 0.001)
	assert.True(t, cfg.Anthropic.CacheSystem)
	assert.Equal(t, "gpt-4", cfg.OpenAI.Model)
	assert.InDelta(t, 0.7, cfg.OpenAI.Temperature, 0.001)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1000, cfg.Retry.InitialBackoffMs)
	assert.Equal(t, 5000, cfg.Retry.MaxBackoffMs)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.Equal(t, 30, cfg.Executor.TimeoutSecs)
	assert.False(t, cfg.Executor.SnapshotOnFailure)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "sheet-assist.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.InDelta(t, 0.5, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 5, cfg.Monitoring.MinCycles)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
gateway:
  primary: openai
  secondary: claude
  fan_out: 3
executor:
  snapshot_on_failure: true
safety:
  extra_patterns:
    - name: clipboard
      expr: 'navigator\.clipboard'
pricing:
  openai:
    gpt-4:
      input: 30
      output: 60
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Gateway.Primary)
	assert.Equal(t, "claude", cfg.Gateway.Secondary)
	assert.Equal(t, 3, cfg.Gateway.FanOut)
	assert.True(t, cfg.Executor.SnapshotOnFailure)
	require.Len(t, cfg.Safety.ExtraPatterns, 1)
	assert.Equal(t, "clipboard", cfg.Safety.ExtraPatterns[0].Name)
	assert.InDelta(t, 60.0, cfg.Pricing.OpenAI["gpt-4"].Output, 0.001)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("SHEET_ASSIST_STORE_DRIVER", "postgres")
	t.Setenv("SHEET_ASSIST_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadAPIKeysFromEnv(t *testing.T) {
	chdirTemp(t)

	t.Setenv("SHEET_ASSIST_ANTHROPIC_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-openai-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
	assert.Equal(t, "sk-openai-test", cfg.OpenAI.Key)
}

func TestLoadMissingKeysIsNotAnError(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SHEET_ASSIST_ANTHROPIC_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Anthropic.Key)
	assert.NoError(t, cfg.Validate("ask"))
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("SHEET_ASSIST_SERVER_PORT", "3000")
	t.Setenv("SHEET_ASSIST_GATEWAY_FAN_OUT", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Gateway.FanOut)
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

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Gateway.Primary = "claude"
	cfg.Gateway.Secondary = "openai"
	cfg.Gateway.FanOut = 5
	cfg.Gateway.MaxConcurrent = 5
	cfg.Retry.MaxAttempts = 3
	cfg.Executor.TimeoutSecs = 30
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "sheet-assist.db"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateAsk(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("ask"))
}

func TestValidateAsk_BadValues(t *testing.T) {
	cfg := validDefaults()
	cfg.Gateway.Primary = "gemini"
	cfg.Gateway.FanOut = 0
	cfg.Retry.MaxAttempts = 0
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("ask")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `gateway.primary must be claude or openai (got "gemini")`)
	assert.Contains(t, err.Error(), "gateway.fan_out must be between 1 and 20")
	assert.Contains(t, err.Error(), "retry.max_attempts must be > 0")
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	assert.NoError(t, cfg.Validate("ask"))
}

func TestValidateHistory(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("history")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
