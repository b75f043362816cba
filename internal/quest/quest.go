// Package quest implements daily quest assignment, progress counters,
// reward claims, and claim streaks.
package quest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/ledger"
	"github.com/guildbot/backend/internal/store"
)

const (
	// numGuaranteed daily quests are always assigned, preferring common
	// rarity; each of numRandom further templates joins with 50% odds.
	numGuaranteed = 1
	numRandom     = 2
)

// Engine owns quest state transitions.
type Engine struct {
	store  *store.Store
	ledger *ledger.Ledger
	clk    clock.Clock
	rng    *rand.Rand
	logger *slog.Logger
}

// New creates a quest engine. The RNG is injected so assignment odds are
// reproducible in tests.
func New(st *store.Store, led *ledger.Ledger, clk clock.Clock, rng *rand.Rand) *Engine {
	return &Engine{
		store:  st,
		ledger: led,
		clk:    clk,
		rng:    rng,
		logger: slog.Default().With("component", "quest"),
	}
}

// ClaimResult reports the rewards credited by Claim.
type ClaimResult struct {
	Coins       float64               `json:"coins"`
	XP          float64               `json:"xp"`
	CoinsResult ledger.MutationResult `json:"coins_result"`
	XPResult    ledger.MutationResult `json:"xp_result"`
}

// AssignDailyQuests gives (guild, user) their daily quests. Idempotent
// per UTC day: when quests assigned today already exist they are returned
// unchanged.
func (e *Engine) AssignDailyQuests(ctx context.Context, guildID, userID string) ([]core.UserQuest, error) {
	today := e.clk.Now().UTC().Format("2006-01-02")

	existing, err := e.dailyQuestsAssignedOn(ctx, guildID, userID, today)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	templates, err := e.activeTemplates(ctx, "daily")
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, nil
	}

	picked := pickGuaranteed(templates, numGuaranteed, e.rng)
	pickedIDs := make(map[int64]bool, len(picked))
	for _, t := range picked {
		pickedIDs[t.ID] = true
	}

	// Each remaining daily template joins with 50% probability, up to
	// numRandom extras.
	extras := 0
	for _, t := range templates {
		if extras >= numRandom {
			break
		}
		if pickedIDs[t.ID] {
			continue
		}
		if e.rng.Float64() < 0.5 {
			picked = append(picked, t)
			pickedIDs[t.ID] = true
			extras++
		}
	}

	now := e.clk.Now().UTC()
	var assigned []core.UserQuest
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, t := range picked {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO user_quests (guild_id, user_id, quest_id, progress, completed, claimed, assigned_at)
				VALUES (?, ?, ?, 0, 0, 0, ?)`,
				guildID, userID, t.ID, now)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			assigned = append(assigned, core.UserQuest{
				ID: id, GuildID: guildID, UserID: userID, QuestID: t.ID, AssignedAt: now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("assign daily quests: %w", err)
	}

	e.logger.Info("assigned daily quests", "guild", guildID, "user", userID, "count", len(assigned))
	return assigned, nil
}

// pickGuaranteed selects n templates preferring common rarity.
func pickGuaranteed(templates []core.QuestTemplate, n int, rng *rand.Rand) []core.QuestTemplate {
	var common, rest []core.QuestTemplate
	for _, t := range templates {
		if t.Rarity == "common" {
			common = append(common, t)
		} else {
			rest = append(rest, t)
		}
	}

	pool := common
	if len(pool) < n {
		pool = append(pool, rest...)
	}
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > n {
		pool = pool[:n]
	}
	return pool
}

// IncrementProgress advances every active assignment whose template
// matches targetType and returns the quests that completed on this call.
func (e *Engine) IncrementProgress(ctx context.Context, guildID, userID, targetType string, amount int64) ([]core.UserQuest, error) {
	if amount <= 0 {
		return nil, core.NewInvalidInput("amount", "must be positive")
	}

	var completed []core.UserQuest
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT uq.id, uq.quest_id, uq.progress, qt.target_value
			FROM user_quests uq
			JOIN quest_templates qt ON qt.id = uq.quest_id
			WHERE uq.guild_id = ? AND uq.user_id = ?
			  AND uq.completed = 0 AND uq.claimed = 0
			  AND qt.target_type = ? AND qt.active = 1`,
			guildID, userID, targetType)
		if err != nil {
			return err
		}

		type pending struct {
			id, questID, progress, target int64
		}
		var updates []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.questID, &p.progress, &p.target); err != nil {
				rows.Close()
				return err
			}
			updates = append(updates, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := e.clk.Now().UTC()
		for _, p := range updates {
			newProgress := p.progress + amount
			if newProgress > p.target {
				newProgress = p.target
			}
			done := newProgress == p.target

			if done {
				_, err = tx.ExecContext(ctx, `
					UPDATE user_quests SET progress = ?, completed = 1, completed_at = ? WHERE id = ?`,
					newProgress, now, p.id)
			} else {
				_, err = tx.ExecContext(ctx,
					"UPDATE user_quests SET progress = ? WHERE id = ?", newProgress, p.id)
			}
			if err != nil {
				return err
			}

			if done {
				completedAt := now
				completed = append(completed, core.UserQuest{
					ID: p.id, GuildID: guildID, UserID: userID, QuestID: p.questID,
					Progress: newProgress, Completed: true, CompletedAt: &completedAt,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("increment quest progress: %w", err)
	}
	return completed, nil
}

// Claim credits the rewards of a completed, unclaimed assignment and
// marks the row claimed. Claiming twice is a state conflict.
func (e *Engine) Claim(ctx context.Context, guildID, userID string, userQuestID int64) (ClaimResult, error) {
	var result ClaimResult
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			qid                int64
			completed, claimed bool
			rewardCoins        float64
			rewardXP           float64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT uq.quest_id, uq.completed, uq.claimed, qt.reward_coins, qt.reward_xp
			FROM user_quests uq
			JOIN quest_templates qt ON qt.id = uq.quest_id
			WHERE uq.id = ? AND uq.guild_id = ? AND uq.user_id = ?`,
			userQuestID, guildID, userID).Scan(&qid, &completed, &claimed, &rewardCoins, &rewardXP)
		if err == sql.ErrNoRows {
			return fmt.Errorf("quest %d: %w", userQuestID, core.ErrNotFound)
		}
		if err != nil {
			return err
		}

		if !completed {
			return fmt.Errorf("quest %d is not completed: %w", userQuestID, core.ErrStateConflict)
		}
		if claimed {
			return fmt.Errorf("quest %d already claimed: %w", userQuestID, core.ErrStateConflict)
		}

		ref := &ledger.Ref{RelatedID: userQuestID, RelatedType: "user_quest"}
		if rewardCoins > 0 {
			result.CoinsResult, err = e.ledger.MutateTx(ctx, tx, guildID, userID,
				core.CurrencyCoins, rewardCoins, string(core.TxQuestReward), ref)
			if err != nil {
				return err
			}
		}
		if rewardXP > 0 {
			result.XPResult, err = e.ledger.MutateTx(ctx, tx, guildID, userID,
				core.CurrencyXP, rewardXP, string(core.TxQuestReward), ref)
			if err != nil {
				return err
			}
		}
		result.Coins = rewardCoins
		result.XP = rewardXP

		_, err = tx.ExecContext(ctx, "UPDATE user_quests SET claimed = 1 WHERE id = ?", userQuestID)
		return err
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

// UpdateDailyStreak applies the streak rules on the first daily claim of
// a UTC day: exactly yesterday increments, today keeps, anything older
// resets to 1. Returns the new streak.
func (e *Engine) UpdateDailyStreak(ctx context.Context, guildID, userID string) (int64, error) {
	now := e.clk.Now().UTC()
	var streak int64
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		dt, err := store.GetDailyTracking(ctx, tx, guildID, userID)
		if err != nil {
			return err
		}

		switch {
		case dt.LastDailyClaim == nil:
			streak = 1
		default:
			last := dt.LastDailyClaim.UTC()
			daysDiff := dayNumber(now) - dayNumber(last)
			switch daysDiff {
			case 0:
				streak = dt.Streak
			case 1:
				streak = dt.Streak + 1
			default:
				streak = 1
			}
		}
		return store.SetDailyStreak(ctx, tx, guildID, userID, streak, now)
	})
	if err != nil {
		return 0, fmt.Errorf("update daily streak: %w", err)
	}
	return streak, nil
}

// dayNumber counts whole UTC days since the epoch.
func dayNumber(t time.Time) int64 {
	return t.Unix() / 86400
}

// StreakMultiplier is the reward multiplier higher layers apply for a
// claim streak.
func StreakMultiplier(streak int64) float64 {
	switch {
	case streak >= 30:
		return 2.5
	case streak >= 14:
		return 2.0
	case streak >= 7:
		return 1.5
	default:
		return 1.0
	}
}

// ListUserQuests returns the user's assignments for today, joined with
// their templates.
func (e *Engine) ListUserQuests(ctx context.Context, guildID, userID string) ([]core.UserQuest, error) {
	today := e.clk.Now().UTC().Format("2006-01-02")
	return e.userQuestsAssignedOn(ctx, guildID, userID, today)
}

func (e *Engine) userQuestsAssignedOn(ctx context.Context, guildID, userID, day string) ([]core.UserQuest, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT id, guild_id, user_id, quest_id, progress, completed, claimed, assigned_at, completed_at
		FROM user_quests
		WHERE guild_id = ? AND user_id = ? AND date(assigned_at) = ?
		ORDER BY id`, guildID, userID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserQuests(rows)
}

// dailyQuestsAssignedOn is the roll-idempotency check: only daily
// assignments count, so a same-day event or weekly quest does not block
// the daily roll.
func (e *Engine) dailyQuestsAssignedOn(ctx context.Context, guildID, userID, day string) ([]core.UserQuest, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT uq.id, uq.guild_id, uq.user_id, uq.quest_id, uq.progress, uq.completed, uq.claimed, uq.assigned_at, uq.completed_at
		FROM user_quests uq
		JOIN quest_templates qt ON qt.id = uq.quest_id
		WHERE uq.guild_id = ? AND uq.user_id = ? AND date(uq.assigned_at) = ? AND qt.type = 'daily'
		ORDER BY uq.id`, guildID, userID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserQuests(rows)
}

func scanUserQuests(rows *sql.Rows) ([]core.UserQuest, error) {
	var out []core.UserQuest
	for rows.Next() {
		var uq core.UserQuest
		var completedAt sql.NullTime
		if err := rows.Scan(&uq.ID, &uq.GuildID, &uq.UserID, &uq.QuestID, &uq.Progress,
			&uq.Completed, &uq.Claimed, &uq.AssignedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t := completedAt.Time.UTC()
			uq.CompletedAt = &t
		}
		out = append(out, uq)
	}
	return out, rows.Err()
}

// activeTemplates returns active templates of the given type.
func (e *Engine) activeTemplates(ctx context.Context, questType string) ([]core.QuestTemplate, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT id, name, description, type, target_type, target_value, reward_coins, reward_xp,
		       allow_other_channels, rarity, metadata, active
		FROM quest_templates WHERE active = 1 AND type = ? ORDER BY id`, questType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTemplates(rows)
}

func scanTemplates(rows *sql.Rows) ([]core.QuestTemplate, error) {
	var out []core.QuestTemplate
	for rows.Next() {
		var t core.QuestTemplate
		var meta string
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Type, &t.TargetType, &t.TargetValue,
			&t.RewardCoins, &t.RewardXP, &t.AllowOtherChannels, &t.Rarity, &meta, &t.Active); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &t.Metadata)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
