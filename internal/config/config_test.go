package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{"JWT_SECRET": "s"}))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, DriverMemory, cfg.DBDriver)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Equal(t, []string{"gmNotes"}, cfg.GMOnlyFields)
	assert.EqualValues(t, 1<<20, cfg.MaxBodyBytes)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"ADDR":           "127.0.0.1:9000",
		"DB_DRIVER":      "SQLite",
		"DB_DSN":         "board.db",
		"LEASE_TTL":      "45s",
		"JWT_SECRET":     "s",
		"GM_ONLY_FIELDS": "gmNotes, secretDoor ,",
		"MAX_BODY_BYTES": "2048",
		"LOG_DEV":        "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 45*time.Second, cfg.LeaseTTL)
	assert.Equal(t, []string{"gmNotes", "secretDoor"}, cfg.GMOnlyFields)
	assert.EqualValues(t, 2048, cfg.MaxBodyBytes)
	assert.True(t, cfg.LogDev)
}

func TestFromEnv_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":7000"
db_driver: postgres
db_dsn: postgres://localhost/board
lease_ttl: 1m
jwt_secret: from-file
gm_only_fields: [gmNotes, trapDc]
log_dev: true
`), 0o600))

	cfg, err := FromEnv(env(map[string]string{"CONFIG_FILE": path, "ADDR": ":7001"}))
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Addr)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, time.Minute, cfg.LeaseTTL)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, []string{"gmNotes", "trapDc"}, cfg.GMOnlyFields)
	assert.True(t, cfg.LogDev)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"unknown driver", map[string]string{"JWT_SECRET": "s", "DB_DRIVER": "oracle"}},
		{"postgres without dsn", map[string]string{"JWT_SECRET": "s", "DB_DRIVER": "postgres"}},
		{"bad ttl", map[string]string{"JWT_SECRET": "s", "LEASE_TTL": "soon"}},
		{"bad body limit", map[string]string{"JWT_SECRET": "s", "MAX_BODY_BYTES": "-1"}},
		{"missing file", map[string]string{"JWT_SECRET": "s", "CONFIG_FILE": "/nonexistent/cfg.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(env(tt.env))
			assert.Error(t, err)
		})
	}
}
