package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/guildbot/backend/internal/core"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so the daily-tracking
// helpers compose into larger transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// GetDailyTracking loads the per-user daily counters, creating the row
// lazily.
func GetDailyTracking(ctx context.Context, q Querier, guildID, userID string) (core.DailyTracking, error) {
	if _, err := q.ExecContext(ctx,
		"INSERT OR IGNORE INTO daily_tracking (guild_id, user_id) VALUES (?, ?)",
		guildID, userID); err != nil {
		return core.DailyTracking{}, err
	}

	dt := core.DailyTracking{GuildID: guildID, UserID: userID}
	var lastClaim, lastReset sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT last_daily_claim, streak, daily_xp_transferred, last_xp_transfer_reset
		FROM daily_tracking WHERE guild_id = ? AND user_id = ?`,
		guildID, userID).Scan(&lastClaim, &dt.Streak, &dt.DailyXPTransferred, &lastReset)
	if err != nil {
		return core.DailyTracking{}, err
	}
	if lastClaim.Valid {
		t := lastClaim.Time.UTC()
		dt.LastDailyClaim = &t
	}
	if lastReset.Valid {
		t := lastReset.Time.UTC()
		dt.LastXPTransferReset = &t
	}
	return dt, nil
}

// SetDailyStreak persists a streak update together with the claim stamp.
func SetDailyStreak(ctx context.Context, q Querier, guildID, userID string, streak int64, claimedAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE daily_tracking SET streak = ?, last_daily_claim = ?
		WHERE guild_id = ? AND user_id = ?`,
		streak, claimedAt.UTC(), guildID, userID)
	return err
}

// ResetXPTransferWindow zeroes the transfer counter and stamps the reset.
func ResetXPTransferWindow(ctx context.Context, q Querier, guildID, userID string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE daily_tracking SET daily_xp_transferred = 0, last_xp_transfer_reset = ?
		WHERE guild_id = ? AND user_id = ?`,
		at.UTC(), guildID, userID)
	return err
}

// AddXPTransferred counts XP against the sender's daily transfer cap.
func AddXPTransferred(ctx context.Context, q Querier, guildID, userID string, xp float64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE daily_tracking SET daily_xp_transferred = daily_xp_transferred + ?
		WHERE guild_id = ? AND user_id = ?`,
		xp, guildID, userID)
	return err
}

// GetCooldown returns the persisted last-use stamp for an action, or a
// zero time when the user has never performed it.
func GetCooldown(ctx context.Context, q Querier, guildID, userID, actionType string) (time.Time, error) {
	var last sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT last_action_at FROM cooldowns
		WHERE guild_id = ? AND user_id = ? AND action_type = ?`,
		guildID, userID, actionType).Scan(&last)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return last.Time.UTC(), nil
}

// SetCooldown upserts the last-use stamp for an action.
func SetCooldown(ctx context.Context, q Querier, guildID, userID, actionType string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cooldowns (guild_id, user_id, action_type, last_action_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (guild_id, user_id, action_type) DO UPDATE SET last_action_at = excluded.last_action_at`,
		guildID, userID, actionType, at.UTC())
	return err
}
