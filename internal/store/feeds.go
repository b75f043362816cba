package store

import (
	"context"
	"fmt"

	"github.com/guildbot/backend/internal/core"
)

// FeedSubscription is an external-feed watch row (livestream login or
// video channel reference) with its notification dedupe cursor.
type FeedSubscription struct {
	ID                int64  `json:"id"`
	GuildID           string `json:"guild_id"`
	Ref               string `json:"ref"`
	AnnounceChannelID string `json:"announce_channel_id"`
	LastSeenID        string `json:"last_seen_id"`
}

// feedTables restricts the dynamic table name used by the subscription
// helpers. Anything else is a programming error.
var feedTables = map[string]string{
	"streamers":        "login",
	"youtube_channels": "channel_ref",
}

func feedRefColumn(table string) (string, error) {
	col, ok := feedTables[table]
	if !ok || !validIdent(table) {
		return "", fmt.Errorf("unknown feed table %q", table)
	}
	return col, nil
}

// ListFeedSubscriptions returns all subscriptions of one kind for a guild.
func (s *Store) ListFeedSubscriptions(ctx context.Context, table, guildID string) ([]FeedSubscription, error) {
	refCol, err := feedRefColumn(table)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT id, guild_id, %s, announce_channel_id, last_seen_id FROM %s WHERE guild_id = ? ORDER BY id",
		refCol, table), guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FeedSubscription
	for rows.Next() {
		var sub FeedSubscription
		if err := rows.Scan(&sub.ID, &sub.GuildID, &sub.Ref, &sub.AnnounceChannelID, &sub.LastSeenID); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// AddFeedSubscription inserts a subscription, rejecting duplicates per
// (guild, ref).
func (s *Store) AddFeedSubscription(ctx context.Context, table, guildID, ref, announceChannelID string) (int64, error) {
	refCol, err := feedRefColumn(table)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (guild_id, %s, announce_channel_id) VALUES (?, ?, ?)",
		table, refCol), guildID, ref, announceChannelID)
	if err != nil {
		return 0, fmt.Errorf("add feed subscription: %w", err)
	}
	return res.LastInsertId()
}

// UpdateFeedSubscription changes the announce channel for a subscription.
func (s *Store) UpdateFeedSubscription(ctx context.Context, table, guildID string, id int64, announceChannelID string) error {
	if _, err := feedRefColumn(table); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET announce_channel_id = ? WHERE guild_id = ? AND id = ?", table),
		announceChannelID, guildID, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// DeleteFeedSubscription removes a subscription by id.
func (s *Store) DeleteFeedSubscription(ctx context.Context, table, guildID string, id int64) error {
	if _, err := feedRefColumn(table); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE guild_id = ? AND id = ?", table), guildID, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// MarkFeedSeen advances the dedupe cursor after a notification goes out.
func (s *Store) MarkFeedSeen(ctx context.Context, table string, id int64, lastSeenID string) error {
	if _, err := feedRefColumn(table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET last_seen_id = ? WHERE id = ?", table), lastSeenID, id)
	return err
}
