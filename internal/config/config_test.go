package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "pulse.db", cfg.Database.Path)
	assert.Equal(t, 60, cfg.Auth.CacheTTLSeconds)
	assert.EqualValues(t, 1<<20, cfg.Limits.RequestBodyBytes)
	assert.Equal(t, 600, cfg.Limits.RequestsPerMin)
	assert.Equal(t, 60, cfg.Retention.SweepIntervalMinutes)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
database:
  driver: sqlite
  path: /var/lib/pulse/analytics.db
auth:
  project_tokens: "tok-a,tok-b"
  admin_key: secret
limits:
  requests_per_min: 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "/var/lib/pulse/analytics.db", cfg.Database.Path)
	assert.Equal(t, "tok-a,tok-b", cfg.Auth.ProjectTokens)
	assert.Equal(t, "secret", cfg.Auth.AdminKey)
	assert.Equal(t, 0, cfg.Limits.RequestsPerMin, "zero disables the per-IP limiter")
	assert.Equal(t, 60, cfg.Auth.CacheTTLSeconds, "unset fields keep their defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
`)
	t.Setenv("PULSE_LISTEN", ":7070")
	t.Setenv("PULSE_DB_DRIVER", "postgres")
	t.Setenv("PULSE_DB_DSN", "postgres://pulse@localhost/pulse?sslmode=disable")
	t.Setenv("PULSE_CACHE_TTL_SECONDS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://pulse@localhost/pulse?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, 5, cfg.Auth.CacheTTLSeconds)
}

func TestLoad_SchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown driver", "database:\n  driver: mysql\n"},
		{"postgres without dsn", "database:\n  driver: postgres\n  path: \"\"\n"},
		{"zero ttl", "auth:\n  cache_ttl_seconds: 0\n"},
		{"empty listen", "listen: \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
