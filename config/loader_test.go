package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "synapse:", cfg.Redis.KeyPrefix)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)

	assert.Equal(t, 20, cfg.Engine.TurnCeiling)
	assert.Equal(t, 5*time.Minute, cfg.Engine.GatherTTL)
	assert.Equal(t, "@every 1m", cfg.Engine.SweepSchedule)

	assert.Equal(t, "synapse", cfg.Broker.Group)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoader_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9000
engine:
  turn_ceiling: 8
  gather_ttl: 2m
llm:
  openai_api_key: file-key
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 8, cfg.Engine.TurnCeiling)
	assert.Equal(t, 2*time.Minute, cfg.Engine.GatherTTL)
	assert.Equal(t, "file-key", cfg.LLM.OpenAIAPIKey)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9000\n"), 0o600))

	t.Setenv("SYNAPSE_SERVER_HTTP_PORT", "9100")
	t.Setenv("SYNAPSE_REDIS_ADDR", "redis:6379")
	t.Setenv("SYNAPSE_ENGINE_GATHER_TTL", "90s")
	t.Setenv("SYNAPSE_LOG_OUTPUT_PATHS", "stdout, /var/log/synapse.log")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.HTTPPort)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.Engine.GatherTTL)
	assert.Equal(t, []string{"stdout", "/var/log/synapse.log"}, cfg.Log.OutputPaths)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/does/not/exist.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_ValidatorRuns(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error { return assert.AnError }).
		Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = "secret"
	assert.NoError(t, cfg.Validate())

	cfg.Engine.TurnCeiling = 0
	assert.Error(t, cfg.Validate())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "synapse", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=synapse sslmode=disable", pg.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "synapse.db"}
	assert.Equal(t, "synapse.db", lite.DSN())

	other := DatabaseConfig{Driver: "oracle"}
	assert.Empty(t, other.DSN())
}
