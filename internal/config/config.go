package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/stepunlock/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Engine    EngineConfig    `koanf:"engine"`
	Habits    []HabitConfig   `koanf:"habits"`
	Apps      AppsConfig      `koanf:"apps"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Daemon    DaemonConfig    `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	Host            string `koanf:"host"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
	RequestTimeout  string `koanf:"request_timeout"`
	MetricsEnabled  bool   `koanf:"metrics_enabled"`
}

type StoreConfig struct {
	Driver      string `koanf:"driver"` // "file" or "sqlite"
	LockTimeout string `koanf:"lock_timeout"`
	LockRetry   string `koanf:"lock_retry"`
	InboxSize   int    `koanf:"inbox_size"`
	SQLiteFile  string `koanf:"sqlite_file"`
}

type EngineConfig struct {
	Timezone     string `koanf:"timezone"`
	WelcomeBonus int64  `koanf:"welcome_bonus"`
	PageSize     int    `koanf:"page_size"`
	EventBuffer  int    `koanf:"event_buffer"`
}

// HabitConfig seeds the habit registry on first start.
type HabitConfig struct {
	ID          string `koanf:"id"`
	Name        string `koanf:"name"`
	DisplayUnit string `koanf:"display_unit"`
	DailyTarget int64  `koanf:"daily_target"`
	CreditRate  int64  `koanf:"credit_rate"`
	RateUnits   int64  `koanf:"rate_units"`
	Cooldown    string `koanf:"cooldown"`
	DailyCap    int64  `koanf:"daily_cap"`
	Enabled     bool   `koanf:"enabled"`
}

type AppsConfig struct {
	DefaultUnlockCost     int64            `koanf:"default_unlock_cost"`
	DefaultUnlockDuration string           `koanf:"default_unlock_duration"`
	DefaultLocked         bool             `koanf:"default_locked"`
	Categories            []CategoryConfig `koanf:"categories"`
}

type CategoryConfig struct {
	Name           string   `koanf:"name"`
	Keywords       []string `koanf:"keywords"`
	UnlockCost     int64    `koanf:"unlock_cost"`
	UnlockDuration string   `koanf:"unlock_duration"`
	Locked         bool     `koanf:"locked"`
}

type SchedulerConfig struct {
	TickInterval         string `koanf:"tick_interval"`
	ShutdownTimeout      string `koanf:"shutdown_timeout"`
	InFlightPollInterval string `koanf:"in_flight_poll_interval"`
	PurgeEnabled         bool   `koanf:"purge_enabled"`
	PurgeSchedule        string `koanf:"purge_schedule"`
	Retention            string `koanf:"retention"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	PreflightTimeout       string `koanf:"preflight_timeout"`
	StaleLockTTL           string `koanf:"stale_lock_ttl"`
	WorkspacePath          string `koanf:"workspace_path"`
}

const (
	DefaultWorkspaceID                   = "default"
	DefaultServerPort                    = 7420
	DefaultServerHost                    = "127.0.0.1"
	DefaultServerLogLevel                = "info"
	DefaultServerReadTimeout             = "10s"
	DefaultServerWriteTimeout            = "10s"
	DefaultServerIdleTimeout             = "60s"
	DefaultServerShutdownTimeout         = "5s"
	DefaultServerRequestTimeout          = "5s"
	DefaultServerMetricsEnabled          = true
	DefaultStoreDriver                   = "file"
	DefaultStoreLockTimeout              = "30s"
	DefaultStoreLockRetry                = "100ms"
	DefaultStoreInboxSize                = 100
	DefaultStoreSQLiteFile               = "economy.db"
	DefaultEngineTimezone                = "Local"
	DefaultEngineWelcomeBonus            = 100
	DefaultEnginePageSize                = 100
	DefaultEngineEventBuffer             = 64
	DefaultAppsUnlockCost                = 10
	DefaultAppsUnlockDuration            = "15m"
	DefaultAppsLocked                    = false
	DefaultSchedulerTickInterval         = "30s"
	DefaultSchedulerShutdownTimeout      = "30s"
	DefaultSchedulerInFlightPollInterval = "100ms"
	DefaultSchedulerPurgeEnabled         = true
	DefaultSchedulerPurgeSchedule        = "0 3 * * *"
	DefaultSchedulerRetention            = "2160h"
	DefaultDaemonShutdownTimeout         = "30s"
	DefaultDaemonHealthCheckInterval     = "30s"
	DefaultDaemonStartupShutdownTimeout  = "10s"
	DefaultDaemonPreflightTimeout        = "10s"
	DefaultDaemonStaleLockTTL            = "15m"
)

// DefaultHabits is the built-in habit catalog.
func DefaultHabits() []HabitConfig {
	return []HabitConfig{
		{ID: "steps", Name: "Steps", DisplayUnit: "steps", DailyTarget: 10000, CreditRate: 2, RateUnits: 1000, Cooldown: "0s", DailyCap: 20000, Enabled: true},
		{ID: "focus_session", Name: "Focus session", DisplayUnit: "sessions", DailyTarget: 4, CreditRate: 6, RateUnits: 1, Cooldown: "10m", DailyCap: 4, Enabled: true},
		{ID: "water", Name: "Hydration", DisplayUnit: "glasses", DailyTarget: 8, CreditRate: 1, RateUnits: 1, Cooldown: "15m", DailyCap: 8, Enabled: true},
		{ID: "journal", Name: "Journaling", DisplayUnit: "entries", DailyTarget: 1, CreditRate: 3, RateUnits: 1, Cooldown: "0s", DailyCap: 1, Enabled: true},
	}
}

// DefaultCategories holds the keyword lists used to classify newly seen apps.
func DefaultCategories() []CategoryConfig {
	return []CategoryConfig{
		{Name: "social", Keywords: []string{"facebook", "twitter", "instagram", "snapchat", "tiktok", "whatsapp", "telegram", "discord", "reddit", "linkedin"}, UnlockCost: 15, UnlockDuration: "15m", Locked: true},
		{Name: "entertainment", Keywords: []string{"youtube", "netflix", "spotify", "twitch", "prime", "hulu", "disney"}, UnlockCost: 20, UnlockDuration: "15m", Locked: true},
		{Name: "games", Keywords: []string{"game", "unity", "unreal"}, UnlockCost: 25, UnlockDuration: "15m", Locked: true},
		{Name: "shopping", Keywords: []string{"amazon", "ebay", "shop", "buy"}, UnlockCost: 10, UnlockDuration: "15m", Locked: true},
		{Name: "news", Keywords: []string{"news", "cnn", "bbc", "reuters"}, UnlockCost: 5, UnlockDuration: "15m", Locked: true},
	}
}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":                       DefaultServerPort,
		"server.host":                       DefaultServerHost,
		"server.log_level":                  DefaultServerLogLevel,
		"server.read_timeout":               DefaultServerReadTimeout,
		"server.write_timeout":              DefaultServerWriteTimeout,
		"server.idle_timeout":               DefaultServerIdleTimeout,
		"server.shutdown_timeout":           DefaultServerShutdownTimeout,
		"server.request_timeout":            DefaultServerRequestTimeout,
		"server.metrics_enabled":            DefaultServerMetricsEnabled,
		"store.driver":                      DefaultStoreDriver,
		"store.lock_timeout":                DefaultStoreLockTimeout,
		"store.lock_retry":                  DefaultStoreLockRetry,
		"store.inbox_size":                  DefaultStoreInboxSize,
		"store.sqlite_file":                 DefaultStoreSQLiteFile,
		"engine.timezone":                   DefaultEngineTimezone,
		"engine.welcome_bonus":              DefaultEngineWelcomeBonus,
		"engine.page_size":                  DefaultEnginePageSize,
		"engine.event_buffer":               DefaultEngineEventBuffer,
		"habits":                            DefaultHabits(),
		"apps.default_unlock_cost":          DefaultAppsUnlockCost,
		"apps.default_unlock_duration":      DefaultAppsUnlockDuration,
		"apps.default_locked":               DefaultAppsLocked,
		"apps.categories":                   DefaultCategories(),
		"scheduler.tick_interval":           DefaultSchedulerTickInterval,
		"scheduler.shutdown_timeout":        DefaultSchedulerShutdownTimeout,
		"scheduler.in_flight_poll_interval": DefaultSchedulerInFlightPollInterval,
		"scheduler.purge_enabled":           DefaultSchedulerPurgeEnabled,
		"scheduler.purge_schedule":          DefaultSchedulerPurgeSchedule,
		"scheduler.retention":               DefaultSchedulerRetention,
		"daemon.shutdown_timeout":           DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":      DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout":   DefaultDaemonStartupShutdownTimeout,
		"daemon.preflight_timeout":          DefaultDaemonPreflightTimeout,
		"daemon.stale_lock_ttl":             DefaultDaemonStaleLockTTL,
		"daemon.workspace_path":             filepath.Join(os.Getenv("HOME"), ".stepunlock", "workspaces"),
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".stepunlock", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("STEPUNLOCK_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "STEPUNLOCK_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	workspacePath, err := expandConfiguredPath(cfg.Daemon.WorkspacePath)
	if err != nil {
		return err
	}
	if workspacePath != "" {
		cfg.Daemon.WorkspacePath = workspacePath
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
