package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/guildbot/backend/internal/core"
)

// GetGuildSettings returns the settings row for guildID, inserting the
// defaults on first reference.
func (s *Store) GetGuildSettings(ctx context.Context, guildID string) (core.GuildSettings, error) {
	settings := core.DefaultGuildSettings(guildID)

	row := s.db.QueryRowContext(ctx, `
		SELECT trade_tax_percent, duel_tax_percent, xp_trading_enabled,
		       daily_xp_transfer_cap_percent, daily_xp_transfer_cap_max,
		       capture_cooldown_seconds, duel_cooldown_seconds,
		       xp_per_message, welcome_bonus_xp, welcome_detection_enabled,
		       announcements_channel_id, ambassador_role_id, new_member_role_id,
		       new_member_role_duration_days, welcome_dm_enabled, welcome_dm_text,
		       welcome_public_text, log_channel_id, appeal_channel_id,
		       ai_enabled, ai_confidence_threshold, ai_flag_channel_id, ai_model,
		       ollama_host, decay_multiplier, warn_1_decay_days, warn_2_decay_days,
		       warn_3_decay_days, mute_duration_warn_2, mute_duration_warn_3,
		       rules_message_id
		FROM guild_settings WHERE guild_id = ?`, guildID)

	err := row.Scan(
		&settings.TradeTaxPercent, &settings.DuelTaxPercent, &settings.XPTradingEnabled,
		&settings.DailyXPTransferCapPct, &settings.DailyXPTransferCapMax,
		&settings.CaptureCooldownSeconds, &settings.DuelCooldownSeconds,
		&settings.XPPerMessage, &settings.WelcomeBonusXP, &settings.WelcomeDetectionEnabled,
		&settings.AnnouncementsChannelID, &settings.AmbassadorRoleID, &settings.NewMemberRoleID,
		&settings.NewMemberRoleDurationDay, &settings.WelcomeDMEnabled, &settings.WelcomeDMText,
		&settings.WelcomePublicText, &settings.LogChannelID, &settings.AppealChannelID,
		&settings.AIEnabled, &settings.AIConfidenceThreshold, &settings.AIFlagChannelID, &settings.AIModel,
		&settings.OllamaHost, &settings.DecayMultiplier, &settings.Warn1DecayDays, &settings.Warn2DecayDays,
		&settings.Warn3DecayDays, &settings.MuteDurationWarn2, &settings.MuteDurationWarn3,
		&settings.RulesMessageID,
	)
	if err == sql.ErrNoRows {
		_, insErr := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO guild_settings (guild_id) VALUES (?)", guildID)
		if insErr != nil {
			return settings, fmt.Errorf("init guild settings: %w", insErr)
		}
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("load guild settings: %w", err)
	}
	return settings, nil
}

// settingsColumns is the whitelist of guild_settings columns that the
// config endpoints may update. Submitted keys outside this set are
// silently dropped; values are always bound parameters.
var settingsColumns = map[string]bool{
	// engagement
	"xp_per_message":                true,
	"welcome_bonus_xp":              true,
	"welcome_detection_enabled":     true,
	"announcements_channel_id":      true,
	"ambassador_role_id":            true,
	"new_member_role_id":            true,
	"new_member_role_duration_days": true,
	"welcome_dm_enabled":            true,
	"welcome_dm_text":               true,
	"welcome_public_text":           true,
	// moderation
	"log_channel_id":          true,
	"appeal_channel_id":       true,
	"ai_enabled":              true,
	"ai_confidence_threshold": true,
	"ai_flag_channel_id":      true,
	"ai_model":                true,
	"ollama_host":             true,
	"decay_multiplier":        true,
	"warn_1_decay_days":       true,
	"warn_2_decay_days":       true,
	"warn_3_decay_days":       true,
	"mute_duration_warn_2":    true,
	"mute_duration_warn_3":    true,
	"rules_message_id":        true,
	// minigame / economy tuning
	"trade_tax_percent":             true,
	"duel_tax_percent":              true,
	"xp_trading_enabled":            true,
	"daily_xp_transfer_cap_percent": true,
	"daily_xp_transfer_cap_max":     true,
	"capture_cooldown_seconds":      true,
	"duel_cooldown_seconds":         true,
}

// UpdateGuildSettings applies the whitelisted subset of fields to the
// guild's settings row. Unknown keys are dropped, not rejected. Returns
// the number of columns actually written.
func (s *Store) UpdateGuildSettings(ctx context.Context, guildID string, fields map[string]any) (int, error) {
	// Make sure the row exists before UPDATE.
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO guild_settings (guild_id) VALUES (?)", guildID); err != nil {
		return 0, err
	}

	var cols []string
	for k := range fields {
		if settingsColumns[k] && validIdent(k) {
			cols = append(cols, k)
		}
	}
	if len(cols) == 0 {
		return 0, nil
	}
	sort.Strings(cols)

	set := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		set = append(set, c+" = ?")
		args = append(args, fields[c])
	}
	args = append(args, guildID)

	stmt := fmt.Sprintf("UPDATE guild_settings SET %s WHERE guild_id = ?", strings.Join(set, ", "))
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return 0, fmt.Errorf("update guild settings: %w", err)
	}
	return len(cols), nil
}

// GetXPThresholds returns the guild's threshold->role list ordered by
// threshold ascending.
func (s *Store) GetXPThresholds(ctx context.Context, guildID string) ([]core.XPThreshold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT threshold_points, role_id, role_name
		FROM xp_thresholds WHERE guild_id = ? ORDER BY threshold_points`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.XPThreshold
	for rows.Next() {
		var t core.XPThreshold
		if err := rows.Scan(&t.ThresholdPoints, &t.RoleID, &t.RoleName); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReplaceXPThresholds swaps the guild's whole threshold list, matching the
// POST semantics of the config endpoint.
func (s *Store) ReplaceXPThresholds(ctx context.Context, guildID string, list []core.XPThreshold) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM xp_thresholds WHERE guild_id = ?", guildID); err != nil {
			return err
		}
		for _, t := range list {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO xp_thresholds (guild_id, threshold_points, role_id, role_name)
				VALUES (?, ?, ?, ?)`, guildID, t.ThresholdPoints, t.RoleID, t.RoleName)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
