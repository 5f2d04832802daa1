package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Options struct {
	Driver      string
	DSN         string
	OpTimeout   time.Duration
	MaxElapsed  time.Duration
	MaxRetries  uint64
	InitialWait time.Duration
}

type Store struct {
	db     *sql.DB
	driver string
	opts   Options
}

type GuildSettings struct {
	GuildID         string
	MutedRoleID     string
	SuspendedRoleID string
	QuotaChannelID  string
	ModLogChannelID string
}

type AuditLog struct {
	GuildID   string
	UserID    string
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

// New opens an embedded SQLite store. Tests use ":memory:".
func New(dbPath string) (*Store, error) {
	return Open(Options{Driver: DriverSQLite, DSN: dbPath})
}

func Open(opts Options) (*Store, error) {
	driverName := "sqlite"
	switch opts.Driver {
	case "", DriverSQLite:
		opts.Driver = DriverSQLite
	case DriverPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.InitialWait <= 0 {
		opts.InitialWait = 250 * time.Millisecond
	}

	db, err := sql.Open(driverName, opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.Driver == DriverSQLite {
		// a single connection keeps ":memory:" databases shared and serializes writers
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db, driver: opts.Driver, opts: opts}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.retry(ctx, "ping", func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	})
}

func (s *Store) Migrate() error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			if isIgnorableMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

func (s *Store) GetGuildSettings(ctx context.Context, guildID string, defaults GuildSettings) (GuildSettings, error) {
	result := defaults
	result.GuildID = guildID

	err := s.retry(ctx, "get guild settings", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT muted_role_id, suspended_role_id, quota_channel_id, mod_log_channel_id
			FROM guild_settings WHERE guild_id = ?`), guildID)

		var stored GuildSettings
		err := row.Scan(&stored.MutedRoleID, &stored.SuspendedRoleID, &stored.QuotaChannelID, &stored.ModLogChannelID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		result.MutedRoleID = firstNonEmpty(stored.MutedRoleID, defaults.MutedRoleID)
		result.SuspendedRoleID = firstNonEmpty(stored.SuspendedRoleID, defaults.SuspendedRoleID)
		result.QuotaChannelID = firstNonEmpty(stored.QuotaChannelID, defaults.QuotaChannelID)
		result.ModLogChannelID = firstNonEmpty(stored.ModLogChannelID, defaults.ModLogChannelID)
		return nil
	})
	if err != nil {
		return GuildSettings{}, err
	}
	return result, nil
}

func (s *Store) UpsertGuildSettings(ctx context.Context, settings GuildSettings) error {
	return s.retry(ctx, "upsert guild settings", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO guild_settings (
				guild_id, muted_role_id, suspended_role_id, quota_channel_id, mod_log_channel_id
			) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(guild_id) DO UPDATE SET
				muted_role_id = excluded.muted_role_id,
				suspended_role_id = excluded.suspended_role_id,
				quota_channel_id = excluded.quota_channel_id,
				mod_log_channel_id = excluded.mod_log_channel_id
		`),
			settings.GuildID,
			settings.MutedRoleID,
			settings.SuspendedRoleID,
			settings.QuotaChannelID,
			settings.ModLogChannelID,
		)
		return err
	})
}

func (s *Store) AddAuditLog(ctx context.Context, log AuditLog) error {
	return s.retry(ctx, "add audit log", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO audit_logs (guild_id, user_id, level, event, details, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), log.GuildID, log.UserID, log.Level, log.Event, log.Details, log.CreatedAt.UnixMilli())
		return err
	})
}

func (s *Store) ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error) {
	var logs []AuditLog
	err := s.retry(ctx, "list audit logs", func(ctx context.Context) error {
		logs = nil
		rows, err := s.db.QueryContext(ctx, s.rebind(`
			SELECT guild_id, user_id, level, event, details, created_at
			FROM audit_logs
			WHERE guild_id = ? AND created_at >= ?
			ORDER BY created_at DESC
		`), guildID, since.UnixMilli())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var log AuditLog
			var created int64
			if err := rows.Scan(&log.GuildID, &log.UserID, &log.Level, &log.Event, &log.Details, &created); err != nil {
				return err
			}
			log.CreatedAt = time.UnixMilli(created)
			logs = append(logs, log)
		}
		return rows.Err()
	})
	return logs, err
}

func (s *Store) CleanupAuditLogs(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return s.retry(ctx, "cleanup audit logs", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM audit_logs WHERE created_at < ?`), cutoff.UnixMilli())
		return err
	})
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}
