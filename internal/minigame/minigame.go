// Package minigame implements the capture and duel games. Both roll
// against level- and stake-derived odds and settle every balance change
// through the ledger inside one store transaction, so a mid-roll failure
// never strands coins.
package minigame

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/ledger"
	"github.com/guildbot/backend/internal/metrics"
	"github.com/guildbot/backend/internal/shop"
	"github.com/guildbot/backend/internal/store"
	"github.com/guildbot/backend/internal/validate"
)

const (
	captureMinStake = 10
	captureMaxStake = 1000
	duelMinBet      = 10
	duelMaxBet      = 500

	captureBaseOdds = 0.30
	captureOddsCap  = 0.75

	cooldownCapture = "capture"
	cooldownDuel    = "duel"

	// Effect hook consulted for the capture luck bonus.
	effectCaptureLuck = "capture_luck"
)

// Engine runs the minigames.
type Engine struct {
	store   *store.Store
	ledger  *ledger.Ledger
	shop    *shop.Engine
	clk     clock.Clock
	rng     *rand.Rand
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a minigame Engine. rng is injected so outcomes are
// reproducible under test; metrics may be nil.
func New(st *store.Store, led *ledger.Ledger, sh *shop.Engine, clk clock.Clock, rng *rand.Rand, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   st,
		ledger:  led,
		shop:    sh,
		clk:     clk,
		rng:     rng,
		metrics: m,
		logger:  slog.Default().With("component", "minigame"),
	}
}

// CaptureResult reports one capture attempt.
type CaptureResult struct {
	Win        bool    `json:"win"`
	Odds       float64 `json:"odds"`
	Roll       float64 `json:"roll"`
	LuckBonus  float64 `json:"luck_bonus,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Winnings   float64 `json:"winnings,omitempty"`
	NetCoins   float64 `json:"net_coins"`
	XPAwarded  float64 `json:"xp_awarded"`
	NewCoins   float64 `json:"new_coins"`
}

// CaptureOdds computes the success probability: base 30%, up to 20%
// from levels above the first, up to 15% from stake size, then the luck
// bonus, all capped at 75%.
func CaptureOdds(level int, stake float64, luckBonus float64) float64 {
	if level < 1 {
		level = 1
	}
	base := captureBaseOdds +
		math.Min(float64(level-1)*0.01, 0.20) +
		math.Min(stake*0.0003, 0.15)
	return math.Min(base+luckBonus, captureOddsCap)
}

// Capture stakes coins on a single roll. Wins pay floor(stake*multiplier)
// where multiplier shrinks as the odds grow; losses forfeit the stake but
// award consolation XP.
func (e *Engine) Capture(ctx context.Context, guildID, userID string, stake int64) (CaptureResult, error) {
	if err := validate.IntRange("stake", stake, captureMinStake, captureMaxStake); err != nil {
		return CaptureResult{}, err
	}

	settings, err := e.store.GetGuildSettings(ctx, guildID)
	if err != nil {
		return CaptureResult{}, err
	}

	now := e.clk.Now()
	last, err := store.GetCooldown(ctx, e.store.DB(), guildID, userID, cooldownCapture)
	if err != nil {
		return CaptureResult{}, err
	}
	cooldown := time.Duration(settings.CaptureCooldownSeconds) * time.Second
	if !last.IsZero() && now.Sub(last) < cooldown {
		return CaptureResult{}, &core.RateLimitedError{
			Reason:     "cooldown",
			RetryAfter: cooldown - now.Sub(last),
		}
	}

	luck, err := e.shop.EffectValue(ctx, guildID, userID, effectCaptureLuck, "luck_bonus")
	if err != nil {
		return CaptureResult{}, err
	}

	var res CaptureResult
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		bal, err := balanceTx(ctx, tx, e.ledger, guildID, userID)
		if err != nil {
			return err
		}
		stakeF := float64(stake)
		if bal.Coins < stakeF {
			return &core.InsufficientFundsError{Currency: core.CurrencyCoins, Have: bal.Coins, Need: stakeF}
		}

		res.LuckBonus = luck
		res.Odds = CaptureOdds(bal.Level, stakeF, luck)
		res.Roll = e.rng.Float64()
		res.Win = res.Roll < res.Odds

		if err := store.SetCooldown(ctx, tx, guildID, userID, cooldownCapture, now); err != nil {
			return err
		}

		ref := &ledger.Ref{Metadata: map[string]string{
			"stake": fmt.Sprintf("%d", stake),
			"roll":  fmt.Sprintf("%.4f", res.Roll),
			"odds":  fmt.Sprintf("%.4f", res.Odds),
		}}

		if res.Win {
			res.Multiplier = 2.0 + (1 - res.Odds)
			res.Winnings = math.Floor(stakeF * res.Multiplier)
			res.NetCoins = res.Winnings - stakeF
			res.XPAwarded = math.Floor(stakeF * 0.1)

			coins, err := e.ledger.MutateTx(ctx, tx, guildID, userID,
				core.CurrencyCoins, res.NetCoins, string(core.TxCaptureWin), ref)
			if err != nil {
				return err
			}
			res.NewCoins = coins.New
			if res.XPAwarded > 0 {
				if _, err := e.ledger.MutateTx(ctx, tx, guildID, userID,
					core.CurrencyXP, res.XPAwarded, string(core.TxCaptureWin), ref); err != nil {
					return err
				}
			}
			return addStatsTx(ctx, tx, guildID, "captures_won", "capture_coins_won", res.NetCoins)
		}

		res.NetCoins = -stakeF
		res.XPAwarded = math.Max(1, math.Floor(stakeF*0.02))

		coins, err := e.ledger.MutateTx(ctx, tx, guildID, userID,
			core.CurrencyCoins, -stakeF, string(core.TxCaptureLoss), ref)
		if err != nil {
			return err
		}
		res.NewCoins = coins.New
		if _, err := e.ledger.MutateTx(ctx, tx, guildID, userID,
			core.CurrencyXP, res.XPAwarded, string(core.TxCaptureConsolation), ref); err != nil {
			return err
		}
		return addStatsTx(ctx, tx, guildID, "captures_lost", "capture_coins_lost", stakeF)
	})
	if err != nil {
		return CaptureResult{}, err
	}

	outcome := "loss"
	if res.Win {
		outcome = "win"
	}
	if e.metrics != nil {
		e.metrics.MinigameOutcomes.WithLabelValues("capture", outcome).Inc()
	}
	e.logger.Info("capture", "guild", guildID, "user", userID,
		"stake", stake, "outcome", outcome, "odds", res.Odds)
	return res, nil
}

// DuelResult reports a settled duel.
type DuelResult struct {
	Winner     string  `json:"winner"`
	Loser      string  `json:"loser"`
	P1Odds     float64 `json:"p1_odds"`
	Roll       float64 `json:"roll"`
	Pot        float64 `json:"pot"`
	Tax        float64 `json:"tax"`
	Winnings   float64 `json:"winnings"`
	NetGain    float64 `json:"net_gain"`
	WinnerXP   float64 `json:"winner_xp"`
	LoserXP    float64 `json:"loser_xp"`
}

// DuelOdds returns the challenger's win probability given both levels.
// Each level of advantage shifts 2 points, capped at 20.
func DuelOdds(level1, level2 int) float64 {
	diff := level1 - level2
	shift := math.Min(math.Abs(float64(diff))*0.02, 0.20)
	switch {
	case diff > 0:
		return 0.50 + shift
	case diff < 0:
		return 0.50 - shift
	default:
		return 0.50
	}
}

// Duel pits two users' bets against each other. Both must cover the bet;
// the winner takes the taxed pot, the loser forfeits the bet.
func (e *Engine) Duel(ctx context.Context, guildID, user1, user2 string, bet int64) (DuelResult, error) {
	if user1 == user2 {
		return DuelResult{}, core.NewInvalidInput("opponent", "cannot duel yourself")
	}
	if err := validate.IntRange("bet", bet, duelMinBet, duelMaxBet); err != nil {
		return DuelResult{}, err
	}

	settings, err := e.store.GetGuildSettings(ctx, guildID)
	if err != nil {
		return DuelResult{}, err
	}

	now := e.clk.Now()
	last, err := store.GetCooldown(ctx, e.store.DB(), guildID, user1, cooldownDuel)
	if err != nil {
		return DuelResult{}, err
	}
	cooldown := time.Duration(settings.DuelCooldownSeconds) * time.Second
	if !last.IsZero() && now.Sub(last) < cooldown {
		return DuelResult{}, &core.RateLimitedError{
			Reason:     "cooldown",
			RetryAfter: cooldown - now.Sub(last),
		}
	}

	var res DuelResult
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		b1, err := balanceTx(ctx, tx, e.ledger, guildID, user1)
		if err != nil {
			return err
		}
		b2, err := balanceTx(ctx, tx, e.ledger, guildID, user2)
		if err != nil {
			return err
		}
		betF := float64(bet)
		if b1.Coins < betF {
			return &core.InsufficientFundsError{Currency: core.CurrencyCoins, Have: b1.Coins, Need: betF}
		}
		if b2.Coins < betF {
			return fmt.Errorf("opponent cannot cover the bet: %w", core.ErrStateConflict)
		}

		res.P1Odds = DuelOdds(b1.Level, b2.Level)
		res.Roll = e.rng.Float64()

		res.Winner, res.Loser = user2, user1
		if res.Roll < res.P1Odds {
			res.Winner, res.Loser = user1, user2
		}

		res.Pot = 2 * betF
		res.Tax = math.Floor(res.Pot * settings.DuelTaxPercent / 100)
		res.Winnings = res.Pot - res.Tax
		res.NetGain = res.Winnings - betF
		res.WinnerXP = math.Floor(betF * 0.1)
		res.LoserXP = math.Max(1, math.Floor(betF*0.02))

		if err := store.SetCooldown(ctx, tx, guildID, user1, cooldownDuel, now); err != nil {
			return err
		}

		winRef := &ledger.Ref{Metadata: map[string]string{
			"opponent": res.Loser,
			"bet":      fmt.Sprintf("%d", bet),
			"tax":      fmt.Sprintf("%.0f", res.Tax),
		}}
		loseRef := &ledger.Ref{Metadata: map[string]string{
			"opponent": res.Winner,
			"bet":      fmt.Sprintf("%d", bet),
		}}

		if _, err := e.ledger.MutateTx(ctx, tx, guildID, res.Loser,
			core.CurrencyCoins, -betF, string(core.TxDuelLoss), loseRef); err != nil {
			return err
		}
		if _, err := e.ledger.MutateTx(ctx, tx, guildID, res.Winner,
			core.CurrencyCoins, res.NetGain, string(core.TxDuelWin), winRef); err != nil {
			return err
		}
		if res.WinnerXP > 0 {
			if _, err := e.ledger.MutateTx(ctx, tx, guildID, res.Winner,
				core.CurrencyXP, res.WinnerXP, string(core.TxDuelWin), winRef); err != nil {
				return err
			}
		}
		if _, err := e.ledger.MutateTx(ctx, tx, guildID, res.Loser,
			core.CurrencyXP, res.LoserXP, string(core.TxDuelLoss), loseRef); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO minigame_stats (guild_id, duels_fought, duel_tax_collected)
			VALUES (?, 1, ?)
			ON CONFLICT (guild_id) DO UPDATE SET
				duels_fought = duels_fought + 1,
				duel_tax_collected = duel_tax_collected + excluded.duel_tax_collected`,
			guildID, res.Tax)
		return err
	})
	if err != nil {
		return DuelResult{}, err
	}

	if e.metrics != nil {
		e.metrics.MinigameOutcomes.WithLabelValues("duel", "settled").Inc()
	}
	e.logger.Info("duel", "guild", guildID, "winner", res.Winner,
		"loser", res.Loser, "bet", bet, "tax", res.Tax)
	return res, nil
}

// Stats is the per-guild aggregate surfaced by the admin command.
type Stats struct {
	GuildID          string  `json:"guild_id"`
	CapturesWon      int64   `json:"captures_won"`
	CapturesLost     int64   `json:"captures_lost"`
	CaptureCoinsWon  float64 `json:"capture_coins_won"`
	CaptureCoinsLost float64 `json:"capture_coins_lost"`
	DuelsFought      int64   `json:"duels_fought"`
	DuelTaxCollected float64 `json:"duel_tax_collected"`
}

// GetStats returns the guild's lifetime minigame aggregates. A guild with
// no games yet returns zeroes.
func (e *Engine) GetStats(ctx context.Context, guildID string) (Stats, error) {
	s := Stats{GuildID: guildID}
	err := e.store.DB().QueryRowContext(ctx, `
		SELECT captures_won, captures_lost, capture_coins_won, capture_coins_lost, duels_fought, duel_tax_collected
		FROM minigame_stats WHERE guild_id = ?`, guildID).
		Scan(&s.CapturesWon, &s.CapturesLost, &s.CaptureCoinsWon,
			&s.CaptureCoinsLost, &s.DuelsFought, &s.DuelTaxCollected)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return Stats{}, err
	}
	return s, nil
}

func balanceTx(ctx context.Context, tx *sql.Tx, led *ledger.Ledger, guildID, userID string) (core.UserBalance, error) {
	if err := led.EnsureUserTx(ctx, tx, guildID, userID); err != nil {
		return core.UserBalance{}, err
	}
	var b core.UserBalance
	err := tx.QueryRowContext(ctx, `
		SELECT guild_id, user_id, xp, level, messages, coins
		FROM user_balances WHERE guild_id = ? AND user_id = ?`,
		guildID, userID).Scan(&b.GuildID, &b.UserID, &b.XP, &b.Level, &b.Messages, &b.Coins)
	if err != nil {
		return core.UserBalance{}, err
	}
	return b, nil
}

func addStatsTx(ctx context.Context, tx *sql.Tx, guildID, countCol, coinCol string, coins float64) error {
	// Column names come from the two call sites above, never from input.
	query := fmt.Sprintf(`
		INSERT INTO minigame_stats (guild_id, %s, %s) VALUES (?, 1, ?)
		ON CONFLICT (guild_id) DO UPDATE SET
			%s = %s + 1,
			%s = %s + excluded.%s`,
		countCol, coinCol, countCol, countCol, coinCol, coinCol, coinCol)
	_, err := tx.ExecContext(ctx, query, guildID, coins)
	return err
}
