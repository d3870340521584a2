package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/chainops/internal/engine"
	"github.com/rendis/chainops/internal/stepexec"
)

// Config holds all chainops server configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	ListenAddr       string                      `yaml:"listen_addr"`
	BaseURL          string                      `yaml:"base_url"`
	DBPath           string                      `yaml:"db_path"`
	LogLevel         string                      `yaml:"log_level"`
	LogFormat        string                      `yaml:"log_format"`
	TraceExporter    string                      `yaml:"trace_exporter"`
	PoolSize         int                         `yaml:"pool_size"`
	StepTimeout      time.Duration               `yaml:"step_timeout"`
	SweepCron        string                      `yaml:"sweep_cron"`
	StaleAfter       time.Duration               `yaml:"stale_after"`
	GateTTL          time.Duration               `yaml:"gate_ttl"`
	DefinitionsDir   string                      `yaml:"definitions_dir"`
	RedisAddr        string                      `yaml:"redis_addr"`
	StrictConditions bool                        `yaml:"strict_conditions"`
	CircuitBreaker   engine.CircuitBreakerConfig `yaml:"circuit_breaker"`
	Agents           []stepexec.HTTPConfig       `yaml:"agents"`
	StaticAgents     []string                    `yaml:"static_agents"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(chainopsDir(), "chainops.db"),
		LogLevel:   "info",
		LogFormat:  "text",
		PoolSize:   10,
		SweepCron:  "*/1 * * * *",
		StaleAfter: 5 * time.Minute,
		CircuitBreaker: engine.CircuitBreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			HalfOpenMax:      1,
		},
	}
}

func chainopsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainops"
	}
	return filepath.Join(home, ".chainops")
}

func settingsPath() string {
	return filepath.Join(chainopsDir(), "settings.yaml")
}

// loadConfig layers the settings file and CHAINOPS_* env vars over the
// defaults. A missing file is only an error when path was given explicitly.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("CHAINOPS_LISTEN_ADDR", &cfg.ListenAddr)
	str("CHAINOPS_BASE_URL", &cfg.BaseURL)
	str("CHAINOPS_DB_PATH", &cfg.DBPath)
	str("CHAINOPS_LOG_LEVEL", &cfg.LogLevel)
	str("CHAINOPS_LOG_FORMAT", &cfg.LogFormat)
	str("CHAINOPS_TRACE_EXPORTER", &cfg.TraceExporter)
	str("CHAINOPS_SWEEP_CRON", &cfg.SweepCron)
	str("CHAINOPS_DEFINITIONS_DIR", &cfg.DefinitionsDir)
	str("CHAINOPS_REDIS_ADDR", &cfg.RedisAddr)

	if v, ok := lookup("CHAINOPS_POOL_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHAINOPS_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	for key, dst := range map[string]*time.Duration{
		"CHAINOPS_STEP_TIMEOUT": &cfg.StepTimeout,
		"CHAINOPS_STALE_AFTER":  &cfg.StaleAfter,
		"CHAINOPS_GATE_TTL":     &cfg.GateTTL,
	} {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	if v, ok := lookup("CHAINOPS_STRICT_CONDITIONS"); ok && v != "" {
		cfg.StrictConditions = v == "true" || v == "1"
	}
	if v, ok := lookup("CHAINOPS_STATIC_AGENTS"); ok && v != "" {
		cfg.StaticAgents = strings.Split(v, ",")
	}
	return nil
}
