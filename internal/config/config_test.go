package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Library.SearchPageSize)
	assert.Equal(t, 5, cfg.Library.DashboardPageSize)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  shutdown_timeout: 3s
database:
  driver: memory
log:
  format: text
  level: debug
auth:
  email_policy: lenient
`), 0o600))

	cfg, err := load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadHeaderTimeout, "unset keys keep defaults")
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "lenient", cfg.Auth.EmailPolicy)
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load("", env(map[string]string{
		"PORT":                 "7000",
		"DATABASE_URL":         "postgres://lib:pw@db/library?sslmode=disable",
		"LIBRARY_LOG_LEVEL":    "warn",
		"LIBRARY_TOKEN_SECRET": "a-much-longer-secret",
		"LIBRARY_SMTP_HOST":    "smtp.example.com",
		"LIBRARY_SMTP_PORT":    "587",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://lib:pw@db/library?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "a-much-longer-secret", cfg.Auth.TokenSecret)
	assert.Equal(t, "smtp.example.com", cfg.Mail.Host)
	assert.Equal(t, 587, cfg.Mail.Port)

	_, err = load("", env(map[string]string{"LIBRARY_SMTP_PORT": "twenty-five"}))
	assert.ErrorContains(t, err, "LIBRARY_SMTP_PORT")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "driver", env: map[string]string{"LIBRARY_DB_DRIVER": "mysql"}, want: "Driver"},
		{name: "short secret", env: map[string]string{"LIBRARY_TOKEN_SECRET": "abc"}, want: "TokenSecret"},
		{name: "email policy", env: map[string]string{"LIBRARY_EMAIL_POLICY": "sloppy"}, want: "EmailPolicy"},
		{name: "otlp without endpoint", env: map[string]string{"LIBRARY_TRACE_EXPORTER": "otlp"}, want: "OTLPEndpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load("", env(tt.env))
			assert.ErrorContains(t, err, tt.want)
		})
	}

	cfg := Default()
	cfg.Database.DSN = ""
	assert.ErrorContains(t, cfg.Validate(), "DSN")
	cfg.Database.Driver = "memory"
	assert.NoError(t, cfg.Validate())
}

func TestMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "nope.yaml"), env(nil))
	assert.Error(t, err)
}
