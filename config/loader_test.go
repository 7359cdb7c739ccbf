package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flowgate/gateway/gateway/guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "langdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.REST.Addr())
	assert.Equal(t, ":4317", cfg.Trace.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Nil(t, cfg.CostControl.Daily)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
rest:
  host: 127.0.0.1
  port: 9090
  cors_allowed_origins: [https://app.example.com]
cost_control:
  daily: 100.5
  total: 5000
rate_limit:
  hourly: 60
guards:
  - id: no-ssn
    name: Block SSN
    stage: input
    type: regex
    regex:
      patterns: ['\d{3}-\d{2}-\d{4}']
      match_type: none
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.REST.Addr())
	assert.Equal(t, []string{"https://app.example.com"}, cfg.REST.CORSAllowedOrigins)
	require.NotNil(t, cfg.CostControl.Daily)
	assert.Equal(t, 100.5, *cfg.CostControl.Daily)
	require.NotNil(t, cfg.RateLimit.Hourly)
	assert.Equal(t, 60.0, *cfg.RateLimit.Hourly)

	require.Len(t, cfg.Guards, 1)
	assert.Equal(t, guard.KindRegex, cfg.Guards[0].Kind)
	assert.Equal(t, guard.StageInput, cfg.Guards[0].Stage)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "rest:\n  port: 9090\n")
	t.Setenv("LANGDB_REST_PORT", "7000")
	t.Setenv("LANGDB_PROVIDERS_OPENAI_API_KEY", "sk-env")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.REST.Port)
	assert.Equal(t, "sk-env", cfg.Providers.OpenAI.APIKey)
}

func TestLoad_CompatEnvNames(t *testing.T) {
	t.Setenv("RUST_LOG", "debug,hyper=warn")
	t.Setenv("LANGDB_OPENAI_API_KEY", "sk-compat")
	t.Setenv("CLICKHOUSE_DATA_URL", "http://ch:8123")
	t.Setenv("CLICKHOUSE_DATA_DATABASE", "traces")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sk-compat", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, "http://ch:8123?database=traces", cfg.ClickHouse.DataURL())
}

func TestValidate_RejectsBadGuards(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Guards = []guard.Guard{{Name: "anonymous"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestClickHouseDataURL(t *testing.T) {
	c := ClickHouseConfig{URL: "ch:8123", Protocol: "https", User: "admin", Password: "pw"}
	assert.Equal(t, "https://ch:8123?user=admin&password=pw", c.DataURL())

	empty := ClickHouseConfig{}
	assert.Empty(t, empty.DataURL())
}
