package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vortexpay/velocityguard/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
	assert.Equal(t, 5*time.Minute, cfg.Guard.SweepInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Guard.SuspiciousRetention)
	assert.False(t, cfg.Telemetry.Kafka.Enabled())
	assert.False(t, cfg.Telemetry.Tracing.Stdout)
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: 9090
guard:
  sweep_interval: 1m
  rules:
    - scope_key: "identity:funding"
      window: 60s
      max_requests: 3
      block_duration: 1h
telemetry:
  kafka:
    brokers: ["localhost:9092"]
    topic: "guard.events"
  tracing:
    stdout: true
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Guard.SweepInterval)
	require.Len(t, cfg.Guard.Rules, 1)
	assert.Equal(t, "identity:funding", cfg.Guard.Rules[0].ScopeKey)
	assert.Equal(t, time.Hour, cfg.Guard.Rules[0].BlockDuration)
	assert.True(t, cfg.Telemetry.Kafka.Enabled())
	assert.True(t, cfg.Telemetry.Tracing.Stdout)
}

func TestLoadRejectsInvalidRule(t *testing.T) {
	path := writeFile(t, "config.yaml", `
guard:
  rules:
    - scope_key: "identity:funding"
      window: 60s
      max_requests: 0
      block_duration: 1h
`)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadRulesFile(t *testing.T) {
	rulesPath := writeFile(t, "rules.yaml", `
- scope_key: "address:global"
  window: 1m
  max_requests: 100
  block_duration: 10m
- scope_key: "address:funding"
  window: 1m
  max_requests: 10
  block_duration: 1h
`)
	cfgPath := writeFile(t, "config.yaml", "guard:\n  rules_file: "+rulesPath+"\n")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	require.Len(t, cfg.Guard.Rules, 2)
	assert.Equal(t, 100, cfg.Guard.Rules[0].MaxRequests)

	opts := cfg.GuardOptions()
	require.Len(t, opts.Rules, 2)
	assert.Equal(t, "address:funding", opts.Rules[1].ScopeKey)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := config.Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
