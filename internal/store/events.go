package store

import (
	"context"
	"time"
)

// TempRole is a role grant with an expiry, swept hourly.
type TempRole struct {
	ID        int64
	GuildID   string
	UserID    string
	RoleID    string
	ExpiresAt time.Time
}

// AddTempRole records a timed role grant.
func (s *Store) AddTempRole(ctx context.Context, guildID, userID, roleID string, expiresAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO temp_roles (guild_id, user_id, role_id, expires_at)
		VALUES (?, ?, ?, ?)`, guildID, userID, roleID, expiresAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ExpiredTempRoles returns grants whose expiry has passed.
func (s *Store) ExpiredTempRoles(ctx context.Context, now time.Time) ([]TempRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, role_id, expires_at
		FROM temp_roles WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TempRole
	for rows.Next() {
		var tr TempRole
		if err := rows.Scan(&tr.ID, &tr.GuildID, &tr.UserID, &tr.RoleID, &tr.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// DeleteTempRole removes a grant after the platform role was removed.
func (s *Store) DeleteTempRole(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM temp_roles WHERE id = ?", id)
	return err
}

// ScheduledEvent mirrors a platform event for the reminder loop.
type ScheduledEvent struct {
	ID        int64
	GuildID   string
	EventID   string
	Name      string
	ChannelID string
	StartsAt  time.Time
}

// UpsertScheduledEvent records or refreshes an upcoming event.
func (s *Store) UpsertScheduledEvent(ctx context.Context, ev ScheduledEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_events (guild_id, event_id, name, channel_id, starts_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (guild_id, event_id) DO UPDATE SET
			name = excluded.name, channel_id = excluded.channel_id, starts_at = excluded.starts_at`,
		ev.GuildID, ev.EventID, ev.Name, ev.ChannelID, ev.StartsAt.UTC())
	return err
}

// UpcomingEvents returns events that have not started yet.
func (s *Store) UpcomingEvents(ctx context.Context, now time.Time) ([]ScheduledEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, event_id, name, channel_id, starts_at
		FROM scheduled_events WHERE starts_at > ?`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledEvent
	for rows.Next() {
		var ev ScheduledEvent
		if err := rows.Scan(&ev.ID, &ev.GuildID, &ev.EventID, &ev.Name, &ev.ChannelID, &ev.StartsAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkReminderSent records the (guild, event, type) dedupe row. Returns
// false when the reminder was already sent.
func (s *Store) MarkReminderSent(ctx context.Context, guildID, eventID, reminderType string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO event_reminders (guild_id, event_id, reminder_type)
		VALUES (?, ?, ?)`, guildID, eventID, reminderType)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// VoiceSession is a tracked voice presence with its accrual cursor.
type VoiceSession struct {
	GuildID      string
	UserID       string
	ChannelID    string
	JoinedAt     time.Time
	AccruedUntil time.Time
}

// StartVoiceSession begins (or restarts) tracking a user's voice presence.
func (s *Store) StartVoiceSession(ctx context.Context, guildID, userID, channelID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voice_sessions (guild_id, user_id, channel_id, joined_at, accrued_until)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (guild_id, user_id) DO UPDATE SET
			channel_id = excluded.channel_id, joined_at = excluded.joined_at,
			accrued_until = excluded.accrued_until`,
		guildID, userID, channelID, now.UTC(), now.UTC())
	return err
}

// EndVoiceSession stops tracking a user's voice presence.
func (s *Store) EndVoiceSession(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM voice_sessions WHERE guild_id = ? AND user_id = ?", guildID, userID)
	return err
}

// VoiceSessions lists all tracked sessions.
func (s *Store) VoiceSessions(ctx context.Context) ([]VoiceSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, user_id, channel_id, joined_at, accrued_until FROM voice_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VoiceSession
	for rows.Next() {
		var vs VoiceSession
		if err := rows.Scan(&vs.GuildID, &vs.UserID, &vs.ChannelID, &vs.JoinedAt, &vs.AccruedUntil); err != nil {
			return nil, err
		}
		out = append(out, vs)
	}
	return out, rows.Err()
}

// AdvanceVoiceSession moves the accrual cursor forward after XP was
// awarded for whole elapsed hours.
func (s *Store) AdvanceVoiceSession(ctx context.Context, guildID, userID string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE voice_sessions SET accrued_until = ? WHERE guild_id = ? AND user_id = ?`,
		until.UTC(), guildID, userID)
	return err
}

// RecordChannelActivity bumps the per-channel hourly message counter that
// feeds the dashboard histogram.
func (s *Store) RecordChannelActivity(ctx context.Context, guildID, channelID string, at time.Time) error {
	at = at.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_activity (guild_id, channel_id, day, hour, messages)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (guild_id, channel_id, day, hour) DO UPDATE SET messages = messages + 1`,
		guildID, channelID, at.Format("2006-01-02"), at.Hour())
	return err
}
