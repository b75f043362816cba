package quest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/guildbot/backend/internal/core"
)

// Template CRUD backing the dashboard challenges endpoints and the weekly
// challenge task. Templates are global rows referenced by stable integer
// IDs, so deleting one must not touch historical assignments; deletion
// therefore deactivates instead of removing when assignments exist.

// ListTemplates returns all templates, active and not.
func (e *Engine) ListTemplates(ctx context.Context) ([]core.QuestTemplate, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT id, name, description, type, target_type, target_value, reward_coins, reward_xp,
		       allow_other_channels, rarity, metadata, active
		FROM quest_templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTemplates(rows)
}

// GetTemplate returns one template by id.
func (e *Engine) GetTemplate(ctx context.Context, id int64) (core.QuestTemplate, error) {
	row := e.store.DB().QueryRowContext(ctx, `
		SELECT id, name, description, type, target_type, target_value, reward_coins, reward_xp,
		       allow_other_channels, rarity, metadata, active
		FROM quest_templates WHERE id = ?`, id)

	var t core.QuestTemplate
	var meta string
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Type, &t.TargetType, &t.TargetValue,
		&t.RewardCoins, &t.RewardXP, &t.AllowOtherChannels, &t.Rarity, &meta, &t.Active)
	if err == sql.ErrNoRows {
		return t, fmt.Errorf("quest template %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return t, err
	}
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &t.Metadata)
	}
	return t, nil
}

// CreateTemplate validates and inserts a template, returning its id.
func (e *Engine) CreateTemplate(ctx context.Context, t core.QuestTemplate) (int64, error) {
	if err := validateTemplate(t); err != nil {
		return 0, err
	}
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return 0, err
	}
	res, err := e.store.DB().ExecContext(ctx, `
		INSERT INTO quest_templates (name, description, type, target_type, target_value, reward_coins, reward_xp, allow_other_channels, rarity, metadata, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Description, t.Type, t.TargetType, t.TargetValue,
		t.RewardCoins, t.RewardXP, t.AllowOtherChannels, t.Rarity, meta, t.Active)
	if err != nil {
		return 0, fmt.Errorf("create quest template: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTemplate replaces a template's mutable fields.
func (e *Engine) UpdateTemplate(ctx context.Context, t core.QuestTemplate) error {
	if err := validateTemplate(t); err != nil {
		return err
	}
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return err
	}
	res, err := e.store.DB().ExecContext(ctx, `
		UPDATE quest_templates
		SET name = ?, description = ?, type = ?, target_type = ?, target_value = ?,
		    reward_coins = ?, reward_xp = ?, allow_other_channels = ?, rarity = ?, metadata = ?, active = ?
		WHERE id = ?`,
		t.Name, t.Description, t.Type, t.TargetType, t.TargetValue,
		t.RewardCoins, t.RewardXP, t.AllowOtherChannels, t.Rarity, meta, t.Active, t.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("quest template %d: %w", t.ID, core.ErrNotFound)
	}
	return nil
}

// DeleteTemplate removes a template, or deactivates it when assignments
// reference it (historical transactions keep resolving the id).
func (e *Engine) DeleteTemplate(ctx context.Context, id int64) error {
	var refs int
	if err := e.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_quests WHERE quest_id = ?", id).Scan(&refs); err != nil {
		return err
	}

	if refs > 0 {
		res, err := e.store.DB().ExecContext(ctx,
			"UPDATE quest_templates SET active = 0 WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("quest template %d: %w", id, core.ErrNotFound)
		}
		return nil
	}

	res, err := e.store.DB().ExecContext(ctx, "DELETE FROM quest_templates WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("quest template %d: %w", id, core.ErrNotFound)
	}
	return nil
}

// RandomActiveTemplate picks one active template for the weekly challenge
// post.
func (e *Engine) RandomActiveTemplate(ctx context.Context) (core.QuestTemplate, error) {
	templates, err := e.activeTemplates(ctx, "daily")
	if err != nil {
		return core.QuestTemplate{}, err
	}
	if len(templates) == 0 {
		return core.QuestTemplate{}, core.ErrNotFound
	}
	return templates[e.rng.Intn(len(templates))], nil
}

func validateTemplate(t core.QuestTemplate) error {
	if t.Name == "" {
		return core.NewInvalidInput("name", "must not be empty")
	}
	switch t.Type {
	case "daily", "random", "event":
	default:
		return core.NewInvalidInput("type", "must be daily, random, or event")
	}
	if t.TargetType == "" {
		return core.NewInvalidInput("target_type", "must not be empty")
	}
	if t.TargetValue < 1 {
		return core.NewInvalidInput("target_value", "must be at least 1")
	}
	if t.RewardCoins < 0 || t.RewardXP < 0 {
		return core.NewInvalidInput("reward", "must not be negative")
	}
	return nil
}

func marshalMeta(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}
