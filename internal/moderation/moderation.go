// Package moderation holds the warn counter state machine: warns
// escalate into timed mutes at configured thresholds, decay after
// count-scaled inactivity, and can be appealed. Every transition appends
// to an immutable history stream.
package moderation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/store"
	"github.com/guildbot/backend/internal/validate"
)

// appealCooldown is the minimum interval between one user's appeal
// submissions.
const appealCooldown = 48 * time.Hour

// History event actions.
const (
	actionWarnIssued     = "warn_issued"
	actionWarnDecreased  = "warn_decreased"
	actionWarnDecay      = "warn_decay"
	actionMuteApplied    = "mute_applied"
	actionMuteRemoved    = "mute_removed"
	actionAppealCreated  = "appeal_created"
	actionAppealReviewed = "appeal_reviewed"
)

// Engine runs the moderation state machine.
type Engine struct {
	store  *store.Store
	clk    clock.Clock
	logger *slog.Logger
}

// New creates a moderation Engine.
func New(st *store.Store, clk clock.Clock) *Engine {
	return &Engine{
		store:  st,
		clk:    clk,
		logger: slog.Default().With("component", "moderation"),
	}
}

// WarnResult reports a warn transition.
type WarnResult struct {
	WarnCount   int            `json:"warn_count"`
	MuteApplied bool           `json:"mute_applied"`
	MuteUntil   *time.Time     `json:"mute_until,omitempty"`
	State       core.WarnState `json:"state"`
}

// Warn increments the user's counter, applying the configured auto-mute
// when the new count crosses a threshold.
func (e *Engine) Warn(ctx context.Context, guildID, userID, moderatorID, reason string) (WarnResult, error) {
	reason, err := validate.String(reason, "reason", true)
	if err != nil {
		return WarnResult{}, err
	}
	settings, err := e.store.GetGuildSettings(ctx, guildID)
	if err != nil {
		return WarnResult{}, err
	}

	now := e.clk.Now()
	var res WarnResult
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		state, err := getStateTx(ctx, tx, guildID, userID)
		if err != nil {
			return err
		}

		before := state.WarnCount
		after := before + 1
		if _, err := tx.ExecContext(ctx, `
			UPDATE warn_states SET warn_count = ?, updated_at = ?
			WHERE guild_id = ? AND user_id = ?`, after, now, guildID, userID); err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, guildID, userID, actionWarnIssued, before, after, moderatorID, reason, now); err != nil {
			return err
		}

		res.WarnCount = after
		if dur := settings.MuteDuration(after); dur > 0 {
			until := now.Add(dur)
			if _, err := tx.ExecContext(ctx, `
				UPDATE warn_states
				SET mute_expires_at = ?, mute_reason = ?, mute_moderator = ?, mute_created_at = ?
				WHERE guild_id = ? AND user_id = ?`,
				until, reason, moderatorID, now, guildID, userID); err != nil {
				return err
			}
			if err := appendEventTx(ctx, tx, guildID, userID, actionMuteApplied, after, after, moderatorID, reason, now); err != nil {
				return err
			}
			res.MuteApplied = true
			res.MuteUntil = &until
		}

		res.State, err = getStateTx(ctx, tx, guildID, userID)
		return err
	})
	if err != nil {
		return WarnResult{}, err
	}

	e.logger.Info("warn issued", "guild", guildID, "user", userID,
		"count", res.WarnCount, "muted", res.MuteApplied)
	return res, nil
}

// Unwarn decrements the counter, flooring at zero. Reaching zero removes
// any active mute.
func (e *Engine) Unwarn(ctx context.Context, guildID, userID, moderatorID, reason string) (WarnResult, error) {
	reason, err := validate.String(reason, "reason", true)
	if err != nil {
		return WarnResult{}, err
	}

	now := e.clk.Now()
	var res WarnResult
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.decrementTx(ctx, tx, &res, guildID, userID, moderatorID, reason, actionWarnDecreased, now)
	})
	if err != nil {
		return WarnResult{}, err
	}
	return res, nil
}

// decrementTx lowers the counter by one and clears the mute when the
// counter hits zero. Shared by unwarn, decay, and appeal approval.
func (e *Engine) decrementTx(ctx context.Context, tx *sql.Tx, res *WarnResult, guildID, userID, moderatorID, reason, action string, now time.Time) error {
	state, err := getStateTx(ctx, tx, guildID, userID)
	if err != nil {
		return err
	}

	before := state.WarnCount
	after := before - 1
	if after < 0 {
		after = 0
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE warn_states SET warn_count = ?, updated_at = ?
		WHERE guild_id = ? AND user_id = ?`, after, now, guildID, userID); err != nil {
		return err
	}
	if before != after {
		if err := appendEventTx(ctx, tx, guildID, userID, action, before, after, moderatorID, reason, now); err != nil {
			return err
		}
	}

	muted := state.MuteExpiresAt != nil && state.MuteExpiresAt.After(now)
	if after == 0 && muted {
		if _, err := tx.ExecContext(ctx, `
			UPDATE warn_states
			SET mute_expires_at = NULL, mute_reason = '', mute_moderator = '', mute_created_at = NULL
			WHERE guild_id = ? AND user_id = ?`, guildID, userID); err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, guildID, userID, actionMuteRemoved, after, after, moderatorID, reason, now); err != nil {
			return err
		}
	}

	res.WarnCount = after
	res.State, err = getStateTx(ctx, tx, guildID, userID)
	return err
}

// Mute applies a manual mute without touching the warn counter.
func (e *Engine) Mute(ctx context.Context, guildID, userID, moderatorID, reason string, duration time.Duration) error {
	reason, err := validate.String(reason, "reason", true)
	if err != nil {
		return err
	}
	if duration <= 0 {
		return core.NewInvalidInput("duration", "must be positive")
	}

	now := e.clk.Now()
	until := now.Add(duration)
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		state, err := getStateTx(ctx, tx, guildID, userID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE warn_states
			SET mute_expires_at = ?, mute_reason = ?, mute_moderator = ?, mute_created_at = ?
			WHERE guild_id = ? AND user_id = ?`,
			until, reason, moderatorID, now, guildID, userID); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, guildID, userID, actionMuteApplied,
			state.WarnCount, state.WarnCount, moderatorID, reason, now)
	})
}

// Unmute clears an active mute.
func (e *Engine) Unmute(ctx context.Context, guildID, userID, moderatorID string) error {
	now := e.clk.Now()
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		state, err := getStateTx(ctx, tx, guildID, userID)
		if err != nil {
			return err
		}
		if state.MuteExpiresAt == nil || !state.MuteExpiresAt.After(now) {
			return fmt.Errorf("user is not muted: %w", core.ErrStateConflict)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE warn_states
			SET mute_expires_at = NULL, mute_reason = '', mute_moderator = '', mute_created_at = NULL
			WHERE guild_id = ? AND user_id = ?`, guildID, userID); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, guildID, userID, actionMuteRemoved,
			state.WarnCount, state.WarnCount, moderatorID, "", now)
	})
}

// GetState returns the user's warn state, zero-valued when no row exists.
func (e *Engine) GetState(ctx context.Context, guildID, userID string) (core.WarnState, error) {
	return getState(ctx, e.store.DB(), guildID, userID)
}

// History returns the user's moderation events, newest first.
func (e *Engine) History(ctx context.Context, guildID, userID string, limit int) ([]core.ModerationEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT id, guild_id, user_id, action, warn_count_before, warn_count_after, moderator_id, reason, created_at
		FROM warning_history WHERE guild_id = ? AND user_id = ?
		ORDER BY id DESC LIMIT ?`, guildID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.ModerationEvent
	for rows.Next() {
		var ev core.ModerationEvent
		var moderator, reason sql.NullString
		if err := rows.Scan(&ev.ID, &ev.GuildID, &ev.UserID, &ev.Action,
			&ev.WarnCountBefore, &ev.WarnCountAfter, &moderator, &reason, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.ModeratorID = moderator.String
		ev.Reason = reason.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DecayWarnings decrements counters whose inactivity exceeded the
// count-scaled decay interval. Returns the number of users decayed.
func (e *Engine) DecayWarnings(ctx context.Context) (int, error) {
	now := e.clk.Now()
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT guild_id, user_id, warn_count, updated_at
		FROM warn_states WHERE warn_count > 0`)
	if err != nil {
		return 0, err
	}
	type candidate struct {
		guildID, userID string
		count           int
		updatedAt       time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.guildID, &c.userID, &c.count, &c.updatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	settings := map[string]core.GuildSettings{}
	decayed := 0
	for _, c := range candidates {
		s, ok := settings[c.guildID]
		if !ok {
			var err error
			s, err = e.store.GetGuildSettings(ctx, c.guildID)
			if err != nil {
				e.logger.Error("decay: load settings failed", "guild", c.guildID, "err", err)
				continue
			}
			settings[c.guildID] = s
		}

		interval := time.Duration(float64(s.DecayDays(c.count)) * s.DecayMultiplier * 24 * float64(time.Hour))
		if now.Sub(c.updatedAt.UTC()) < interval {
			continue
		}

		err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			var res WarnResult
			return e.decrementTx(ctx, tx, &res, c.guildID, c.userID, "", "automatic decay", actionWarnDecay, now)
		})
		if err != nil {
			e.logger.Error("decay failed", "guild", c.guildID, "user", c.userID, "err", err)
			continue
		}
		decayed++
	}
	if decayed > 0 {
		e.logger.Info("warn decay pass", "decayed", decayed)
	}
	return decayed, nil
}

// Appeal files a review request. Users with no warnings, a pending
// appeal, or a submission inside the cooldown are rejected.
func (e *Engine) Appeal(ctx context.Context, guildID, userID, reason string) (core.Appeal, error) {
	reason, err := validate.String(reason, "reason", false)
	if err != nil {
		return core.Appeal{}, err
	}

	now := e.clk.Now()
	var appeal core.Appeal
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		state, err := getStateTx(ctx, tx, guildID, userID)
		if err != nil {
			return err
		}
		if state.WarnCount == 0 {
			return fmt.Errorf("nothing to appeal: %w", core.ErrStateConflict)
		}

		var pending int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM appeals
			WHERE guild_id = ? AND user_id = ? AND status = 'pending'`,
			guildID, userID).Scan(&pending); err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("an appeal is already pending: %w", core.ErrStateConflict)
		}

		var lastFiled sql.NullTime
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(created_at) FROM appeals WHERE guild_id = ? AND user_id = ?`,
			guildID, userID).Scan(&lastFiled); err != nil {
			return err
		}
		if lastFiled.Valid && now.Sub(lastFiled.Time.UTC()) < appealCooldown {
			return &core.RateLimitedError{
				Reason:     "cooldown",
				RetryAfter: appealCooldown - now.Sub(lastFiled.Time.UTC()),
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO appeals (guild_id, user_id, appeal_reason, status, created_at)
			VALUES (?, ?, ?, 'pending', ?)`, guildID, userID, reason, now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		appeal = core.Appeal{
			ID:           id,
			GuildID:      guildID,
			UserID:       userID,
			AppealReason: reason,
			Status:       core.AppealPending,
			CreatedAt:    now,
		}
		return appendEventTx(ctx, tx, guildID, userID, actionAppealCreated,
			state.WarnCount, state.WarnCount, "", reason, now)
	})
	if err != nil {
		return core.Appeal{}, err
	}

	e.logger.Info("appeal filed", "guild", guildID, "user", userID, "appeal", appeal.ID)
	return appeal, nil
}

// ReviewAppeal settles a pending appeal. Approval decrements the warn
// counter; reaching zero lifts any active mute.
func (e *Engine) ReviewAppeal(ctx context.Context, guildID string, appealID int64, moderatorID string, approve bool, note string) (core.Appeal, error) {
	note, err := validate.String(note, "reason", true)
	if err != nil {
		return core.Appeal{}, err
	}

	now := e.clk.Now()
	status := core.AppealDenied
	if approve {
		status = core.AppealApproved
	}

	var appeal core.Appeal
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, guild_id, user_id, appeal_reason, status, created_at
			FROM appeals WHERE guild_id = ? AND id = ?`, guildID, appealID)
		var current string
		err := row.Scan(&appeal.ID, &appeal.GuildID, &appeal.UserID,
			&appeal.AppealReason, &current, &appeal.CreatedAt)
		if err == sql.ErrNoRows {
			return fmt.Errorf("appeal %d: %w", appealID, core.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if current != string(core.AppealPending) {
			return fmt.Errorf("appeal already %s: %w", current, core.ErrStateConflict)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE appeals SET status = ?, moderator_id = ?, moderator_decision = ?, reviewed_at = ?
			WHERE id = ?`, string(status), moderatorID, note, now, appealID); err != nil {
			return err
		}
		appeal.Status = status
		appeal.ModeratorID = moderatorID
		appeal.ModeratorDecision = note
		appeal.ReviewedAt = &now

		state, err := getStateTx(ctx, tx, guildID, appeal.UserID)
		if err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, guildID, appeal.UserID, actionAppealReviewed,
			state.WarnCount, state.WarnCount, moderatorID, note, now); err != nil {
			return err
		}

		if approve {
			var res WarnResult
			return e.decrementTx(ctx, tx, &res, guildID, appeal.UserID, moderatorID,
				"appeal approved", actionWarnDecreased, now)
		}
		return nil
	})
	if err != nil {
		return core.Appeal{}, err
	}

	e.logger.Info("appeal reviewed", "guild", guildID, "appeal", appealID,
		"status", status, "moderator", moderatorID)
	return appeal, nil
}

// PendingAppeals lists the guild's unreviewed appeals, oldest first.
func (e *Engine) PendingAppeals(ctx context.Context, guildID string) ([]core.Appeal, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT id, guild_id, user_id, appeal_reason, moderator_id, status, moderator_decision, created_at, reviewed_at
		FROM appeals WHERE guild_id = ? AND status = 'pending'
		ORDER BY created_at`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Appeal
	for rows.Next() {
		var a core.Appeal
		var moderator, decision sql.NullString
		var status string
		var reviewedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.GuildID, &a.UserID, &a.AppealReason,
			&moderator, &status, &decision, &a.CreatedAt, &reviewedAt); err != nil {
			return nil, err
		}
		a.ModeratorID = moderator.String
		a.Status = core.AppealStatus(status)
		a.ModeratorDecision = decision.String
		if reviewedAt.Valid {
			v := reviewedAt.Time.UTC()
			a.ReviewedAt = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func getState(ctx context.Context, q store.Querier, guildID, userID string) (core.WarnState, error) {
	row := q.QueryRowContext(ctx, `
		SELECT guild_id, user_id, warn_count, updated_at, mute_expires_at, mute_reason, mute_moderator
		FROM warn_states WHERE guild_id = ? AND user_id = ?`, guildID, userID)

	var s core.WarnState
	var muteExpires sql.NullTime
	err := row.Scan(&s.GuildID, &s.UserID, &s.WarnCount, &s.UpdatedAt,
		&muteExpires, &s.MuteReason, &s.MuteModerator)
	if err == sql.ErrNoRows {
		return core.WarnState{GuildID: guildID, UserID: userID}, nil
	}
	if err != nil {
		return core.WarnState{}, err
	}
	if muteExpires.Valid {
		v := muteExpires.Time.UTC()
		s.MuteExpiresAt = &v
	}
	return s, nil
}

// getStateTx ensures the row exists so subsequent UPDATEs hit it.
func getStateTx(ctx context.Context, tx *sql.Tx, guildID, userID string) (core.WarnState, error) {
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO warn_states (guild_id, user_id, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
		guildID, userID); err != nil {
		return core.WarnState{}, err
	}
	return getState(ctx, tx, guildID, userID)
}

func appendEventTx(ctx context.Context, tx *sql.Tx, guildID, userID, action string, before, after int, moderatorID, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO warning_history (guild_id, user_id, action, warn_count_before, warn_count_after, moderator_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		guildID, userID, action, before, after, moderatorID, reason, at)
	return err
}
