package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BotToken string
	AdminID  int64

	DBDriver string
	DBDSN    string

	WebhookAddr   string
	WebhookSecret string

	CatalogFile string

	SyncInterval   time.Duration
	SyncStartDelay time.Duration
	PanelTimeout   time.Duration

	TrialDays         int
	NotifyBeforeHours []int

	AuthLogPath string
	LogLevel    string
}

// Load reads .env from the working directory, if there is one, and then the
// process environment. Variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	cfg := &Config{
		DBDriver:      getEnv("DB_DRIVER", "sqlite"),
		DBDSN:         getEnv("DB_DSN", "users.db"),
		WebhookAddr:   getEnv("WEBHOOK_ADDR", ":1488"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		CatalogFile:   getEnv("CATALOG_FILE", "catalog.yaml"),
		AuthLogPath:   getEnv("AUTH_LOG_PATH", "/var/log/vpnshop-auth.log"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.BotToken, err = mustEnv("TELEGRAM_BOT_TOKEN"); err != nil {
		return nil, err
	}
	admin, err := mustEnv("ADMIN_TELEGRAM_ID")
	if err != nil {
		return nil, err
	}
	if cfg.AdminID, err = strconv.ParseInt(admin, 10, 64); err != nil || cfg.AdminID <= 0 {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID must be a positive integer, got %q", admin)
	}

	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DBDriver)
	}

	if cfg.SyncInterval, err = durationEnv("SYNC_INTERVAL", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncStartDelay, err = durationEnv("SYNC_START_DELAY", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PanelTimeout, err = durationEnv("PANEL_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncInterval <= 0 || cfg.PanelTimeout <= 0 {
		return nil, errors.New("SYNC_INTERVAL and PANEL_TIMEOUT must be positive")
	}

	trial := getEnv("TRIAL_DAYS", "3")
	if cfg.TrialDays, err = strconv.Atoi(trial); err != nil || cfg.TrialDays <= 0 {
		return nil, fmt.Errorf("TRIAL_DAYS must be a positive integer, got %q", trial)
	}

	if cfg.NotifyBeforeHours, err = parseHours(getEnv("NOTIFY_BEFORE_HOURS", "72,48,24,1")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func mustEnv(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%s environment variable is required", key)
	}
	return v, nil
}

// durationEnv accepts Go durations ("5m") and bare seconds ("300").
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

// parseHours returns distinct positive thresholds, largest first.
func parseHours(raw string) ([]int, error) {
	seen := map[int]bool{}
	var hours []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		h, err := strconv.Atoi(part)
		if err != nil || h <= 0 {
			return nil, fmt.Errorf("NOTIFY_BEFORE_HOURS: invalid hour value %q", part)
		}
		if !seen[h] {
			seen[h] = true
			hours = append(hours, h)
		}
	}
	if len(hours) == 0 {
		return nil, errors.New("NOTIFY_BEFORE_HOURS is empty")
	}
	sort.Sort(sort.Reverse(sort.IntSlice(hours)))
	return hours, nil
}
