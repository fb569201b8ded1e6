package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123"

// inTempDir runs the test from an empty directory so a developer's .env
// cannot leak in.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	inTempDir(t)
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "data/roomspace.db", cfg.DBPath)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, time.Hour, cfg.ResetTTL)
	assert.Equal(t, 10*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 1000, cfg.CodeMaxAttempts)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "20-M", cfg.AuthRateLimit)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoad_Environment(t *testing.T) {
	inTempDir(t)
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/roomspace")
	t.Setenv("TOKEN_TTL", "90m")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ALLOWED_ORIGINS", "app.example.com, *.example.org ,")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, 90*time.Minute, cfg.TokenTTL)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"app.example.com", "*.example.org"}, cfg.AllowedOrigins)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("JWT_SECRET="+testSecret+"\nPORT=7000\nRESET_TTL=2h\n"), 0o600))
	t.Setenv("PORT", "7100")
	// Registers cleanup for the variables .env sets.
	t.Setenv("JWT_SECRET", "")
	t.Setenv("RESET_TTL", "")
	os.Unsetenv("JWT_SECRET")
	os.Unsetenv("RESET_TTL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Port)
	assert.Equal(t, testSecret, cfg.JWTSecret)
	assert.Equal(t, 2*time.Hour, cfg.ResetTTL)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "roomspace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("JWT_SECRET: "+testSecret+"\nRECONCILE_INTERVAL: 30s\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"short secret", map[string]string{"JWT_SECRET": "short"}},
		{"bad driver", map[string]string{"JWT_SECRET": testSecret, "DB_DRIVER": "mongo"}},
		{"postgres without url", map[string]string{"JWT_SECRET": testSecret, "DB_DRIVER": "postgres"}},
		{"bad duration", map[string]string{"JWT_SECRET": testSecret, "TOKEN_TTL": "forever"}},
		{"bad log level", map[string]string{"JWT_SECRET": testSecret, "LOG_LEVEL": "loud"}},
		{"bad port", map[string]string{"JWT_SECRET": testSecret, "PORT": "70000"}},
		{"mail client without token url", map[string]string{"JWT_SECRET": testSecret, "MAIL_CLIENT_ID": "id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inTempDir(t)
			t.Setenv("JWT_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
