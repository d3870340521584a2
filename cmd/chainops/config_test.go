package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
db_path: /tmp/x.db
pool_size: 3
step_timeout: 45s
gate_ttl: 24h
strict_conditions: true
circuit_breaker:
  failure_threshold: 2
  cooldown: 10s
agents:
  - name: dispatcher
    url: http://localhost:9100/run
    timeout: 5s
static_agents: [pm-copilot, client-comms]
`), 0o600))

	t.Setenv("CHAINOPS_POOL_SIZE", "8")
	t.Setenv("CHAINOPS_LOG_FORMAT", "json")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 45*time.Second, cfg.StepTimeout)
	assert.Equal(t, 24*time.Hour, cfg.GateTTL)
	assert.True(t, cfg.StrictConditions)
	assert.Equal(t, 2, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.CircuitBreaker.Cooldown)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "dispatcher", cfg.Agents[0].Name)
	assert.Equal(t, 5*time.Second, cfg.Agents[0].Timeout)
	assert.Equal(t, []string{"pm-copilot", "client-comms"}, cfg.StaticAgents)

	// Untouched keys keep their defaults.
	assert.Equal(t, "*/1 * * * *", cfg.SweepCron)
	assert.Equal(t, 5*time.Minute, cfg.StaleAfter)
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool_size: [1"), 0o600))
	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHAINOPS_STALE_AFTER":       "90s",
		"CHAINOPS_STRICT_CONDITIONS": "1",
		"CHAINOPS_STATIC_AGENTS":     "a,b",
		"CHAINOPS_REDIS_ADDR":        "localhost:6379",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := defaultConfig()
	require.NoError(t, applyEnv(&cfg, lookup))
	assert.Equal(t, 90*time.Second, cfg.StaleAfter)
	assert.True(t, cfg.StrictConditions)
	assert.Equal(t, []string{"a", "b"}, cfg.StaticAgents)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)

	env["CHAINOPS_POOL_SIZE"] = "many"
	assert.Error(t, applyEnv(&cfg, lookup))

	delete(env, "CHAINOPS_POOL_SIZE")
	env["CHAINOPS_STEP_TIMEOUT"] = "soon"
	assert.Error(t, applyEnv(&cfg, lookup))
}
