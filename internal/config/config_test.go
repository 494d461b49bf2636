package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"APP_ENV", "STORE_BACKEND", "NOTIFY_BACKEND", "TARGET_PERCENT", "CORS_ORIGINS", "WRITE_TIMEOUT", "SESSION_IDLE_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "memory", cfg.NotifyBackend)
	assert.Equal(t, 80, cfg.TargetPercent)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdle)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("TARGET_PERCENT", "75")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("ACCESS_TTL", "90m")
	t.Setenv("RATE_LIMIT_PER_MIN", "10")
	t.Setenv("SESSION_IDLE_TIMEOUT", "2h")

	cfg := Load()
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 75, cfg.TargetPercent)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 90*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 10, cfg.RateLimitPerMin)
	assert.Equal(t, 2*time.Hour, cfg.SessionIdle)
}

func TestTargetPercentOutOfRangeFallsBack(t *testing.T) {
	for _, v := range []string{"0", "100", "-5", "eighty"} {
		t.Setenv("TARGET_PERCENT", v)
		assert.Equal(t, 80, Load().TargetPercent, v)
	}
}

func TestInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("WRITE_TIMEOUT", "soon")
	assert.Equal(t, 5*time.Second, Load().WriteTimeout)
}

func TestValidate(t *testing.T) {
	base := App{
		StoreBackend:  "memory",
		NotifyBackend: "memory",
		JWTSigningKey: "k",
		WriteTimeout:  time.Second,
		SessionIdle:   time.Minute,
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*App)
	}{
		{"unknown store", func(a *App) { a.StoreBackend = "mongo" }},
		{"postgres without url", func(a *App) { a.StoreBackend = "postgres"; a.DatabaseURL = "" }},
		{"sqlite without path", func(a *App) { a.StoreBackend = "sqlite"; a.SQLitePath = "" }},
		{"unknown notifier", func(a *App) { a.NotifyBackend = "kafka" }},
		{"redis without addr", func(a *App) { a.NotifyBackend = "redis" }},
		{"empty key", func(a *App) { a.JWTSigningKey = "" }},
		{"dev key in prod", func(a *App) { a.Env = "prod"; a.JWTSigningKey = devSigningKey }},
		{"zero write timeout", func(a *App) { a.WriteTimeout = 0 }},
		{"zero session idle", func(a *App) { a.SessionIdle = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CLASSATTEND_TEST_VAR=from-file\nHTTP_PORT=9999\n"), 0o600))
	t.Setenv("HTTP_PORT", "7000")
	t.Cleanup(func() { os.Unsetenv("CLASSATTEND_TEST_VAR") })

	LoadDotEnv(path, filepath.Join(dir, "missing.env"))
	assert.Equal(t, "from-file", os.Getenv("CLASSATTEND_TEST_VAR"))
	assert.Equal(t, "7000", os.Getenv("HTTP_PORT"), "existing variables win")
}
