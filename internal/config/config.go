// Package config loads the engine's YAML configuration file with
// environment-variable overrides, mirroring the teacher's load pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the engine.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	SchemaPath  string `yaml:"schema_path"`

	HTTPAddr string `yaml:"http_addr"`

	PollInterval        time.Duration `yaml:"-"`
	PollIntervalSeconds int           `yaml:"poll_interval_seconds"`

	WorkerPoolSize int `yaml:"worker_pool_size"`

	ProxyFailureThreshold int           `yaml:"proxy_failure_threshold"`
	ProxyCacheTTL         time.Duration `yaml:"-"`
	ProxyProbeInterval    time.Duration `yaml:"-"`
	ProxyProbeStartDelay  time.Duration `yaml:"-"`

	HistoryRetention            time.Duration `yaml:"-"`
	HistoryRetentionHours       int           `yaml:"history_retention_hours"`
	HistoryFlushInterval        time.Duration `yaml:"-"`
	HistoryFlushIntervalSeconds int           `yaml:"history_flush_interval_seconds"`

	PerTaskDeadline time.Duration `yaml:"-"`
	PruneInterval   time.Duration `yaml:"-"`

	RateLimitRPS   float64 `yaml:"-"`
	RateLimitBurst int     `yaml:"-"`

	DexAPriceFloor float64 `yaml:"-"`
}

// Load reads path, applies defaults, then applies environment overrides.
// Mirrors the teacher's config.Load (os.ReadFile + yaml.Unmarshal) generalized
// with the main.go getEnv* closures for env overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	resolveDurations(cfg)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPAddr:                    ":8080",
		PollIntervalSeconds:         0,
		WorkerPoolSize:              50,
		ProxyFailureThreshold:       5,
		HistoryRetentionHours:       48,
		HistoryFlushIntervalSeconds: 5,
		RateLimitRPS:                10,
		RateLimitBurst:              20,
		DexAPriceFloor:              1e-7,
	}
}

func resolveDurations(cfg *Config) {
	cfg.PollInterval = time.Duration(cfg.PollIntervalSeconds) * time.Second
	cfg.HistoryRetention = time.Duration(cfg.HistoryRetentionHours) * time.Hour
	cfg.HistoryFlushInterval = time.Duration(cfg.HistoryFlushIntervalSeconds) * time.Second
	cfg.ProxyCacheTTL = 60 * time.Second
	cfg.ProxyProbeInterval = 5 * time.Minute
	cfg.ProxyProbeStartDelay = 60 * time.Second
	cfg.PerTaskDeadline = 15 * time.Second
	cfg.PruneInterval = 300 * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := getEnvString("DATABASE_URL", ""); v != "" {
		cfg.DatabaseURL = v
	}
	if v := getEnvString("SCHEMA_PATH", ""); v != "" {
		cfg.SchemaPath = v
	}
	if v := getEnvString("HTTP_ADDR", ""); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.PollIntervalSeconds = getEnvInt("POLL_INTERVAL_SECONDS", cfg.PollIntervalSeconds)
	cfg.WorkerPoolSize = getEnvInt("WORKER_POOL_SIZE", cfg.WorkerPoolSize)
	cfg.ProxyFailureThreshold = getEnvInt("PROXY_FAILURE_THRESHOLD", cfg.ProxyFailureThreshold)
	cfg.HistoryRetentionHours = getEnvInt("HISTORY_RETENTION_HOURS", cfg.HistoryRetentionHours)
	cfg.HistoryFlushIntervalSeconds = getEnvInt("HISTORY_FLUSH_INTERVAL_SECONDS", cfg.HistoryFlushIntervalSeconds)
	cfg.RateLimitRPS = getEnvFloat("API_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getEnvInt("API_RATE_LIMIT_BURST", cfg.RateLimitBurst)
}

func getEnvString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}
