package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
prefix: "?"
database:
  driver: postgresql
  dsn: postgres://localhost/steward
moderation:
  muted_role_name: Silenced
`), 0o600))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("DISCORD_TOKEN", "token")
	t.Setenv("MOD_LOG_CHANNEL_ID", "123")

	cfg, err := Load(true)
	require.NoError(t, err)
	require.Equal(t, "?", cfg.Prefix)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "postgres://localhost/steward", cfg.Database.DSN)
	require.Equal(t, "Silenced", cfg.Moderation.MutedRoleName)
	require.Equal(t, "Suspended", cfg.Moderation.SuspendedRoleName)
	require.Equal(t, "123", cfg.Moderation.ModLogChannelID)
	require.Equal(t, 25, cfg.Quota.LeaderboardLines)
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("DISCORD_TOKEN", "")

	_, err := Load(true)
	require.Error(t, err)

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestBuildLoggerAcceptsUnknownLevel(t *testing.T) {
	logger, err := BuildLogger("verbose")
	require.NoError(t, err)
	require.NotNil(t, logger)
}
