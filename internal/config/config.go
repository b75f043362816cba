// Package config loads process configuration from a key/value env file.
// Missing keys from the template are appended to the file on load so a
// fresh checkout self-documents what can be tuned.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultAPIKey is the placeholder shipped in the template. Startup
// warns when the dashboard still uses it.
const DefaultAPIKey = "change-me"

// templateKeys are appended to the env file when absent, in order.
var templateKeys = []struct {
	key     string
	value   string
	comment string
}{
	{"APP_ID", "", "chat platform application id"},
	{"BOT_TOKEN", "", "chat platform bot token"},
	{"GUILD_ID", "", "primary guild id"},
	{"DATABASE_PATH", "data/guildbot.db", "sqlite database file"},
	{"BACKUP_DIR", "data/backups", "snapshot directory"},
	{"BACKUP_INTERVAL_HOURS", "6", "hours between snapshots"},
	{"BACKUP_KEEP", "14", "snapshots retained by rotation"},
	{"API_PORT", "8081", "dashboard API port"},
	{"DASHBOARD_API_KEY", DefaultAPIKey, "shared secret for X-API-Key"},
	{"DASHBOARD_API_KEY_HASH", "", "bcrypt hash; overrides DASHBOARD_API_KEY when set"},
	{"CORS_ORIGINS", "http://localhost:3000", "comma-separated allowed origins"},
	{"POLL_INTERVAL_MINUTES", "15", "external feed poll interval"},
	{"LOG_LEVEL", "info", "debug, info, warn, error"},
}

// requiredKeys must be non-empty after load.
var requiredKeys = []string{"APP_ID", "BOT_TOKEN", "GUILD_ID", "DATABASE_PATH"}

// Config is the resolved process configuration.
type Config struct {
	AppID   string
	Token   string
	GuildID string

	DatabasePath string
	BackupDir    string
	BackupEvery  time.Duration
	BackupKeep   int

	APIPort     int
	APIKey      string
	APIKeyHash  string
	CORSOrigins []string

	PollInterval time.Duration
	LogLevel     slog.Level
}

// Load reads the env file at path, appends any missing template keys,
// and resolves the configuration. Values already present in the process
// environment win over the file.
func Load(path string) (*Config, error) {
	if err := ensureTemplate(path); err != nil {
		return nil, err
	}
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("load env file %s: %w", path, err)
	}

	var missing []string
	for _, key := range requiredKeys {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required config keys: %s", strings.Join(missing, ", "))
	}

	cfg := &Config{
		AppID:        os.Getenv("APP_ID"),
		Token:        os.Getenv("BOT_TOKEN"),
		GuildID:      os.Getenv("GUILD_ID"),
		DatabasePath: os.Getenv("DATABASE_PATH"),
		BackupDir:    getDefault("BACKUP_DIR", "data/backups"),
		BackupEvery:  time.Duration(getInt("BACKUP_INTERVAL_HOURS", 6)) * time.Hour,
		BackupKeep:   getInt("BACKUP_KEEP", 14),
		APIPort:      getInt("API_PORT", 8081),
		APIKey:       getDefault("DASHBOARD_API_KEY", DefaultAPIKey),
		APIKeyHash:   os.Getenv("DASHBOARD_API_KEY_HASH"),
		PollInterval: time.Duration(getInt("POLL_INTERVAL_MINUTES", 15)) * time.Minute,
		LogLevel:     ParseLevel(getDefault("LOG_LEVEL", "info")),
	}

	for _, origin := range strings.Split(os.Getenv("CORS_ORIGINS"), ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	return cfg, nil
}

// ParseLevel maps a level name to its slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ensureTemplate creates the env file if needed and appends any template
// keys it does not mention yet.
func ensureTemplate(path string) error {
	existing := map[string]bool{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if i := strings.Index(line, "="); i > 0 {
				existing[strings.TrimSpace(line[:i])] = true
			}
		}
	case os.IsNotExist(err):
		// fresh file, everything gets appended
	default:
		return fmt.Errorf("read env file %s: %w", path, err)
	}

	var b strings.Builder
	for _, tk := range templateKeys {
		if existing[tk.key] {
			continue
		}
		fmt.Fprintf(&b, "\n# %s (auto-added)\n%s=%s\n", tk.comment, tk.key, tk.value)
	}
	if b.Len() == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open env file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("append env template: %w", err)
	}
	return nil
}

func getDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}
