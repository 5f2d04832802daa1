package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// ErrDuplicate is returned when a punishment of the same kind already exists.
var ErrDuplicate = errors.New("record already exists")

// Punishment is a persisted mute or suspension. DurationMs and EndsAtMs are -1
// for punishments without an expiry.
type Punishment struct {
	GuildID         string
	UserID          string
	Kind            string
	ModeratorID     string
	Reason          string
	DurationMs      int64
	EndsAtMs        int64
	PreviousRoleIDs []string
	CreatedAt       time.Time
}

func (p Punishment) Indefinite() bool {
	return p.DurationMs == -1 || p.EndsAtMs == -1
}

const punishmentColumns = `guild_id, user_id, kind, moderator_id, reason, duration_ms, ends_at_ms, previous_roles, created_at`

func (s *Store) AddPunishment(ctx context.Context, p Punishment) error {
	roles := p.PreviousRoleIDs
	if roles == nil {
		roles = []string{}
	}
	encoded, err := sonic.MarshalString(roles)
	if err != nil {
		return fmt.Errorf("encode previous roles: %w", err)
	}

	var inserted int64
	err = s.retry(ctx, "add punishment", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO punishments (`+punishmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(guild_id, user_id, kind) DO NOTHING
		`), p.GuildID, p.UserID, p.Kind, p.ModeratorID, p.Reason, p.DurationMs, p.EndsAtMs, encoded, p.CreatedAt.UnixMilli())
		if err != nil {
			return err
		}
		inserted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if inserted == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *Store) GetPunishment(ctx context.Context, guildID, userID, kind string) (Punishment, bool, error) {
	var result Punishment
	found := false
	err := s.retry(ctx, "get punishment", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT `+punishmentColumns+` FROM punishments
			WHERE guild_id = ? AND user_id = ? AND kind = ?
		`), guildID, userID, kind)
		p, err := scanPunishment(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				found = false
				return nil
			}
			return err
		}
		result, found = p, true
		return nil
	})
	return result, found, err
}

// DeletePunishment removes one punishment and reports whether it existed.
func (s *Store) DeletePunishment(ctx context.Context, guildID, userID, kind string) (bool, error) {
	var deleted int64
	err := s.retry(ctx, "delete punishment", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.rebind(`
			DELETE FROM punishments WHERE guild_id = ? AND user_id = ? AND kind = ?
		`), guildID, userID, kind)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted > 0, err
}

// DeletePunishments removes every punishment of a kind in a guild and returns them.
func (s *Store) DeletePunishments(ctx context.Context, guildID, kind string) ([]Punishment, error) {
	var result []Punishment
	err := s.retry(ctx, "delete punishments", func(ctx context.Context) error {
		var err error
		result, err = s.queryPunishments(ctx, `
			DELETE FROM punishments WHERE guild_id = ? AND kind = ?
			RETURNING `+punishmentColumns, guildID, kind)
		return err
	})
	return result, err
}

func (s *Store) ListPunishments(ctx context.Context, guildID, kind string) ([]Punishment, error) {
	var result []Punishment
	err := s.retry(ctx, "list punishments", func(ctx context.Context) error {
		var err error
		result, err = s.queryPunishments(ctx, `
			SELECT `+punishmentColumns+` FROM punishments
			WHERE guild_id = ? AND kind = ?
			ORDER BY created_at
		`, guildID, kind)
		return err
	})
	return result, err
}

// ListTimedPunishments returns every punishment with an expiry, across guilds.
func (s *Store) ListTimedPunishments(ctx context.Context) ([]Punishment, error) {
	var result []Punishment
	err := s.retry(ctx, "list timed punishments", func(ctx context.Context) error {
		var err error
		result, err = s.queryPunishments(ctx, `
			SELECT `+punishmentColumns+` FROM punishments
			WHERE ends_at_ms <> -1
			ORDER BY ends_at_ms
		`)
		return err
	})
	return result, err
}

func (s *Store) queryPunishments(ctx context.Context, query string, args ...any) ([]Punishment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Punishment
	for rows.Next() {
		p, err := scanPunishment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPunishment(row rowScanner) (Punishment, error) {
	var p Punishment
	var roles string
	var created int64
	if err := row.Scan(&p.GuildID, &p.UserID, &p.Kind, &p.ModeratorID, &p.Reason, &p.DurationMs, &p.EndsAtMs, &roles, &created); err != nil {
		return Punishment{}, err
	}
	if roles != "" {
		if err := sonic.UnmarshalString(roles, &p.PreviousRoleIDs); err != nil {
			return Punishment{}, fmt.Errorf("decode previous roles: %w", err)
		}
	}
	p.CreatedAt = time.UnixMilli(created)
	return p, nil
}
