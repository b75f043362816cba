package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// clearEnv blanks every template key for the duration of the test.
// godotenv leaves loaded values in the process environment, so each test
// pins its own view. t.Setenv registers the restore; the unset makes the
// key genuinely absent rather than empty.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, tk := range templateKeys {
		t.Setenv(tk.key, "")
		os.Unsetenv(tk.key)
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ID", "123456789012345678")
	t.Setenv("BOT_TOKEN", "token")
	t.Setenv("GUILD_ID", "876543210987654321")
	t.Setenv("DATABASE_PATH", "test.db")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	path := filepath.Join(t.TempDir(), ".env")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "123456789012345678", cfg.AppID)
	require.Equal(t, "test.db", cfg.DatabasePath)
	require.Equal(t, "data/backups", cfg.BackupDir)
	require.Equal(t, 6*time.Hour, cfg.BackupEvery)
	require.Equal(t, 14, cfg.BackupKeep)
	require.Equal(t, 8081, cfg.APIPort)
	require.Equal(t, DefaultAPIKey, cfg.APIKey)
	require.Empty(t, cfg.APIKeyHash)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	require.Equal(t, 15*time.Minute, cfg.PollInterval)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestEnsureTemplateAppends(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	path := filepath.Join(t.TempDir(), ".env")

	_, err := Load(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	for _, tk := range templateKeys {
		require.Equal(t, 1, strings.Count(content, "\n"+tk.key+"="), "key %s appended once", tk.key)
	}
	require.Contains(t, content, "(auto-added)")
	require.Contains(t, content, "# sqlite database file")

	// A second load leaves the file untouched.
	_, err = Load(path)
	require.NoError(t, err)
	again, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, string(again))
}

func TestFileValuesResolve(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("API_PORT=9000\nLOG_LEVEL=debug\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.APIPort)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)

	// Keys the file already mentions are not appended again.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "API_PORT="))
	require.Contains(t, string(data), "DASHBOARD_API_KEY=")
}

func TestEnvWinsOverFile(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DASHBOARD_API_KEY=from-file\n"), 0o600))

	t.Setenv("DASHBOARD_API_KEY", "from-env")
	t.Setenv("BACKUP_INTERVAL_HOURS", "12")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.APIKey)
	require.Equal(t, 12*time.Hour, cfg.BackupEvery)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadMissingRequired(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing required config keys")
	require.Contains(t, err.Error(), "APP_ID")
	require.Contains(t, err.Error(), "BOT_TOKEN")
}

func TestBadIntFallsBack(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("API_PORT", "not-a-number")
	path := filepath.Join(t.TempDir(), ".env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8081, cfg.APIPort)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		" info ":  slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}
