package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken  string           `yaml:"discord_token"`
	Prefix        string           `yaml:"prefix"`
	LogLevel      string           `yaml:"log_level"`
	RetentionDays int              `yaml:"retention_days"`
	Database      DatabaseConfig   `yaml:"database"`
	Health        HealthConfig     `yaml:"health"`
	Quota         QuotaConfig      `yaml:"quota"`
	Moderation    ModerationConfig `yaml:"moderation"`
	Notifications NotifyConfig     `yaml:"notifications"`
}

type DatabaseConfig struct {
	Driver           string `yaml:"driver"`
	DSN              string `yaml:"dsn"`
	OpTimeoutSeconds int    `yaml:"op_timeout_seconds"`
	RetryMaxSeconds  int    `yaml:"retry_max_seconds"`
	MaxRetries       int    `yaml:"max_retries"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type QuotaConfig struct {
	DefaultChannelID string `yaml:"default_channel_id"`
	LeaderboardLines int    `yaml:"leaderboard_lines"`
}

type ModerationConfig struct {
	MutedRoleName      string `yaml:"muted_role_name"`
	SuspendedRoleName  string `yaml:"suspended_role_name"`
	MutedRoleID        string `yaml:"muted_role_id"`
	SuspendedRoleID    string `yaml:"suspended_role_id"`
	ModLogChannelID    string `yaml:"mod_log_channel_id"`
	DMNotices          bool   `yaml:"dm_notices"`
	RestoreConcurrency int    `yaml:"restore_concurrency"`
}

type NotifyConfig struct {
	EmbedColors EmbedColors `yaml:"embed_colors"`
}

type EmbedColors struct {
	Leaderboard int `yaml:"leaderboard"`
	Action      int `yaml:"action"`
	Lifted      int `yaml:"lifted"`
	Error       int `yaml:"error"`
}

func DefaultConfig() Config {
	return Config{
		Prefix:        "!",
		LogLevel:      "info",
		RetentionDays: 90,
		Database: DatabaseConfig{
			Driver:           "sqlite",
			DSN:              "/data/steward.db",
			OpTimeoutSeconds: 10,
			RetryMaxSeconds:  30,
			MaxRetries:       5,
		},
		Health: HealthConfig{Enabled: false, Addr: ":8080"},
		Quota:  QuotaConfig{LeaderboardLines: 25},
		Moderation: ModerationConfig{
			MutedRoleName:      "Muted",
			SuspendedRoleName:  "Suspended",
			DMNotices:          true,
			RestoreConcurrency: 4,
		},
		Notifications: NotifyConfig{
			EmbedColors: EmbedColors{
				Leaderboard: 0x3B82F6,
				Action:      0xF59E0B,
				Lifted:      0x22C55E,
				Error:       0xEF4444,
			},
		},
	}
}

// Load reads CONFIG_PATH (default config.yaml) over the defaults and applies
// environment overrides. The token is only required when requireToken is set.
func Load(requireToken bool) (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if requireToken && cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}

	cfg.Database.Driver = normalizeDriver(cfg.Database.Driver)
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}
	if cfg.Quota.LeaderboardLines <= 0 {
		cfg.Quota.LeaderboardLines = 25
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.Prefix = envString("COMMAND_PREFIX", cfg.Prefix)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.Database.Driver = envString("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = envString("DATABASE_DSN", envString("DATABASE_PATH", cfg.Database.DSN))
	cfg.Database.OpTimeoutSeconds = envInt("DATABASE_OP_TIMEOUT_SECONDS", cfg.Database.OpTimeoutSeconds)
	cfg.Database.RetryMaxSeconds = envInt("DATABASE_RETRY_MAX_SECONDS", cfg.Database.RetryMaxSeconds)
	cfg.Database.MaxRetries = envInt("DATABASE_MAX_RETRIES", cfg.Database.MaxRetries)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Quota.DefaultChannelID = envString("QUOTA_CHANNEL_ID", cfg.Quota.DefaultChannelID)
	cfg.Quota.LeaderboardLines = envInt("LEADERBOARD_LINES", cfg.Quota.LeaderboardLines)
	cfg.Moderation.MutedRoleName = envString("MUTED_ROLE_NAME", cfg.Moderation.MutedRoleName)
	cfg.Moderation.SuspendedRoleName = envString("SUSPENDED_ROLE_NAME", cfg.Moderation.SuspendedRoleName)
	cfg.Moderation.MutedRoleID = envString("MUTED_ROLE_ID", cfg.Moderation.MutedRoleID)
	cfg.Moderation.SuspendedRoleID = envString("SUSPENDED_ROLE_ID", cfg.Moderation.SuspendedRoleID)
	cfg.Moderation.ModLogChannelID = envString("MOD_LOG_CHANNEL_ID", cfg.Moderation.ModLogChannelID)
	cfg.Moderation.DMNotices = envBool("DM_NOTICES", cfg.Moderation.DMNotices)
	cfg.Moderation.RestoreConcurrency = envInt("RESTORE_CONCURRENCY", cfg.Moderation.RestoreConcurrency)
	cfg.Notifications.EmbedColors.Leaderboard = envInt("EMBED_COLOR_LEADERBOARD", cfg.Notifications.EmbedColors.Leaderboard)
	cfg.Notifications.EmbedColors.Action = envInt("EMBED_COLOR_ACTION", cfg.Notifications.EmbedColors.Action)
	cfg.Notifications.EmbedColors.Lifted = envInt("EMBED_COLOR_LIFTED", cfg.Notifications.EmbedColors.Lifted)
	cfg.Notifications.EmbedColors.Error = envInt("EMBED_COLOR_ERROR", cfg.Notifications.EmbedColors.Error)
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(strings.ToLower(level)))
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

func normalizeDriver(value string) string {
	switch strings.ToLower(value) {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	default:
		return "sqlite"
	}
}
