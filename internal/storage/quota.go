package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

type Counts struct {
	Completed int
	Failed    int
	Assists   int
}

func (c Counts) Total() int {
	return c.Completed + c.Failed + c.Assists
}

func (c Counts) IsZero() bool {
	return c.Completed == 0 && c.Failed == 0 && c.Assists == 0
}

// QuotaDelta is an increment for one member in one category.
type QuotaDelta struct {
	MemberID string
	Category string
	Counts
}

type QuotaRow struct {
	GuildID  string
	MemberID string
	Category string
	Counts
	LastUpdated time.Time
}

type QuotaState struct {
	GuildID   string
	ChannelID string
	MessageID string
	LastReset time.Time
}

// ApplyQuotaDeltas adds every delta to both the guild quota records and the
// user profiles in one transaction. Rows are locked in (member, category)
// order so overlapping calls cannot deadlock.
func (s *Store) ApplyQuotaDeltas(ctx context.Context, guildID string, deltas []QuotaDelta, at time.Time) error {
	if len(deltas) == 0 {
		return nil
	}
	ordered := append([]QuotaDelta(nil), deltas...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].MemberID != ordered[j].MemberID {
			return ordered[i].MemberID < ordered[j].MemberID
		}
		return ordered[i].Category < ordered[j].Category
	})
	stamp := at.UnixMilli()

	return s.retry(ctx, "apply quota deltas", func(ctx context.Context) (err error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			}
		}()

		for _, delta := range ordered {
			if delta.Completed < 0 || delta.Failed < 0 || delta.Assists < 0 {
				return fmt.Errorf("negative delta for member %s", delta.MemberID)
			}
			if _, err = tx.ExecContext(ctx, s.rebind(`
				INSERT INTO quota_records (guild_id, member_id, category, completed, failed, assists, last_updated)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(guild_id, member_id, category) DO UPDATE SET
					completed = quota_records.completed + excluded.completed,
					failed = quota_records.failed + excluded.failed,
					assists = quota_records.assists + excluded.assists,
					last_updated = CASE
						WHEN excluded.last_updated > quota_records.last_updated THEN excluded.last_updated
						ELSE quota_records.last_updated
					END
			`), guildID, delta.MemberID, delta.Category, delta.Completed, delta.Failed, delta.Assists, stamp); err != nil {
				return err
			}
			if _, err = tx.ExecContext(ctx, s.rebind(`
				INSERT INTO user_profiles (user_id, guild_id, category, completed, failed, assists)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(user_id, guild_id, category) DO UPDATE SET
					completed = user_profiles.completed + excluded.completed,
					failed = user_profiles.failed + excluded.failed,
					assists = user_profiles.assists + excluded.assists
			`), delta.MemberID, guildID, delta.Category, delta.Completed, delta.Failed, delta.Assists); err != nil {
				return err
			}
		}

		if err = tx.Commit(); err != nil {
			if s.commitAmbiguous(err) {
				return fmt.Errorf("%w: %w", ErrRetryAmbiguity, err)
			}
			return err
		}
		return nil
	})
}

func (s *Store) ListQuotaRows(ctx context.Context, guildID string) ([]QuotaRow, error) {
	var result []QuotaRow
	err := s.retry(ctx, "list quota rows", func(ctx context.Context) error {
		result = nil
		rows, err := s.db.QueryContext(ctx, s.rebind(`
			SELECT guild_id, member_id, category, completed, failed, assists, last_updated
			FROM quota_records
			WHERE guild_id = ?
			ORDER BY member_id, category
		`), guildID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var row QuotaRow
			var updated int64
			if err := rows.Scan(&row.GuildID, &row.MemberID, &row.Category, &row.Completed, &row.Failed, &row.Assists, &updated); err != nil {
				return err
			}
			row.LastUpdated = time.UnixMilli(updated)
			result = append(result, row)
		}
		return rows.Err()
	})
	return result, err
}

// ListProfileRows returns the lifetime totals of one user inside one guild.
func (s *Store) ListProfileRows(ctx context.Context, guildID, userID string) ([]QuotaRow, error) {
	var result []QuotaRow
	err := s.retry(ctx, "list profile rows", func(ctx context.Context) error {
		result = nil
		rows, err := s.db.QueryContext(ctx, s.rebind(`
			SELECT guild_id, user_id, category, completed, failed, assists
			FROM user_profiles
			WHERE guild_id = ? AND user_id = ?
			ORDER BY category
		`), guildID, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var row QuotaRow
			if err := rows.Scan(&row.GuildID, &row.MemberID, &row.Category, &row.Completed, &row.Failed, &row.Assists); err != nil {
				return err
			}
			result = append(result, row)
		}
		return rows.Err()
	})
	return result, err
}

func (s *Store) GetQuotaState(ctx context.Context, guildID string) (QuotaState, error) {
	state := QuotaState{GuildID: guildID}
	err := s.retry(ctx, "get quota state", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT channel_id, message_id, last_reset FROM quota_state WHERE guild_id = ?
		`), guildID)
		var lastReset int64
		if err := row.Scan(&state.ChannelID, &state.MessageID, &lastReset); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if lastReset > 0 {
			state.LastReset = time.UnixMilli(lastReset)
		}
		return nil
	})
	if err != nil {
		return QuotaState{}, err
	}
	return state, nil
}

// SetQuotaMessage persists the handle of the current leaderboard message.
func (s *Store) SetQuotaMessage(ctx context.Context, guildID, channelID, messageID string) error {
	return s.retry(ctx, "set quota message", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO quota_state (guild_id, channel_id, message_id)
			VALUES (?, ?, ?)
			ON CONFLICT(guild_id) DO UPDATE SET
				channel_id = excluded.channel_id,
				message_id = excluded.message_id
		`), guildID, channelID, messageID)
		return err
	})
}

// ResetQuota zeroes every counter of the guild, advances the period boundary
// and forgets the leaderboard message so the next publish starts a new one.
// Profiles are lifetime totals and are left alone.
func (s *Store) ResetQuota(ctx context.Context, guildID string, at time.Time) error {
	stamp := at.UnixMilli()
	return s.retry(ctx, "reset quota", func(ctx context.Context) (err error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			}
		}()

		if _, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE quota_records
			SET completed = 0, failed = 0, assists = 0,
				last_updated = CASE WHEN last_updated > ? THEN last_updated ELSE ? END
			WHERE guild_id = ?
		`), stamp, stamp, guildID); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO quota_state (guild_id, message_id, last_reset)
			VALUES (?, '', ?)
			ON CONFLICT(guild_id) DO UPDATE SET
				message_id = '',
				last_reset = excluded.last_reset
		`), guildID, stamp); err != nil {
			return err
		}
		return tx.Commit()
	})
}
