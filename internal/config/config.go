// Package config loads the server configuration: defaults, then a YAML
// file, then environment overrides, validated against a CUE schema.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Listen    string        `json:"listen" yaml:"listen"`
	Database  Database      `json:"database" yaml:"database"`
	Auth      Auth          `json:"auth" yaml:"auth"`
	Limits    Limits        `json:"limits" yaml:"limits"`
	Retention RetentionConf `json:"retention" yaml:"retention"`
}

// Database selects and parameterizes the storage adapter.
type Database struct {
	// Driver is "sqlite" (embedded) or "postgres" (networked).
	Driver string `json:"driver" yaml:"driver"`
	// Path is the sqlite database file.
	Path string `json:"path" yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `json:"dsn" yaml:"dsn"`
}

// Auth carries the static single-tenant allowlists and the admin key.
// All of them may be empty; see the authcache package for the resulting
// open/closed semantics.
type Auth struct {
	ProjectTokens   string `json:"project_tokens" yaml:"project_tokens"`
	APIKeys         string `json:"api_keys" yaml:"api_keys"`
	AdminKey        string `json:"admin_key" yaml:"admin_key"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
}

// Limits are the transport-boundary guards.
type Limits struct {
	RequestBodyBytes int64 `json:"request_body_bytes" yaml:"request_body_bytes"`
	RequestsPerMin   int   `json:"requests_per_min" yaml:"requests_per_min"`
}

// RetentionConf controls the retention sweeper.
type RetentionConf struct {
	SweepIntervalMinutes int `json:"sweep_interval_minutes" yaml:"sweep_interval_minutes"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Listen: ":8787",
		Database: Database{
			Driver: "sqlite",
			Path:   "pulse.db",
		},
		Auth: Auth{
			CacheTTLSeconds: 60,
		},
		Limits: Limits{
			RequestBodyBytes: 1 << 20,
			RequestsPerMin:   600,
		},
		Retention: RetentionConf{
			SweepIntervalMinutes: 60,
		},
	}
}

// Load reads the file at path (optional), applies environment
// overrides, and validates the result. An empty path loads defaults
// plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers PULSE_* variables over the file values.
func applyEnv(cfg *Config) {
	setString(&cfg.Listen, "PULSE_LISTEN")
	setString(&cfg.Database.Driver, "PULSE_DB_DRIVER")
	setString(&cfg.Database.Path, "PULSE_DB_PATH")
	setString(&cfg.Database.DSN, "PULSE_DB_DSN")
	setString(&cfg.Auth.ProjectTokens, "PULSE_PROJECT_TOKENS")
	setString(&cfg.Auth.APIKeys, "PULSE_API_KEYS")
	setString(&cfg.Auth.AdminKey, "PULSE_ADMIN_KEY")
	setInt(&cfg.Auth.CacheTTLSeconds, "PULSE_CACHE_TTL_SECONDS")
	setInt(&cfg.Retention.SweepIntervalMinutes, "PULSE_RETENTION_SWEEP_MINUTES")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
