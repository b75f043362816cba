// Package trade implements two-party offers with an escrow hold. Funds
// leave the sender at acceptance, sit in escrow for a fixed release
// delay, and reach the recipient minus tax when the sweeper fires. Every
// movement is a ledger transaction; the tax is retained, never credited.
package trade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/ledger"
	"github.com/guildbot/backend/internal/metrics"
	"github.com/guildbot/backend/internal/store"
)

// escrowDelay is how long accepted funds sit in escrow before release.
const escrowDelay = 5 * time.Minute

// Engine runs the trade lifecycle.
type Engine struct {
	store   *store.Store
	ledger  *ledger.Ledger
	clk     clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a trade Engine. metrics may be nil.
func New(st *store.Store, led *ledger.Ledger, clk clock.Clock, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   st,
		ledger:  led,
		clk:     clk,
		metrics: m,
		logger:  slog.Default().With("component", "trade"),
	}
}

// Create validates and inserts a pending offer. No funds move until the
// recipient accepts.
func (e *Engine) Create(ctx context.Context, guildID, from, to string, coins, xp float64) (core.Trade, error) {
	if from == to {
		return core.Trade{}, core.NewInvalidInput("to", "cannot trade with yourself")
	}
	if coins < 0 || xp < 0 {
		return core.Trade{}, core.NewInvalidInput("amount", "must not be negative")
	}
	if coins == 0 && xp == 0 {
		return core.Trade{}, core.NewInvalidInput("amount", "must offer coins or XP")
	}

	settings, err := e.store.GetGuildSettings(ctx, guildID)
	if err != nil {
		return core.Trade{}, err
	}
	if xp > 0 && !settings.XPTradingEnabled {
		return core.Trade{}, fmt.Errorf("XP trading is disabled: %w", core.ErrPermissionDenied)
	}

	bal, err := e.ledger.GetBalance(ctx, guildID, from)
	if err != nil {
		return core.Trade{}, err
	}
	if bal.Coins < coins {
		return core.Trade{}, &core.InsufficientFundsError{Currency: core.CurrencyCoins, Have: bal.Coins, Need: coins}
	}
	if bal.XP < xp {
		return core.Trade{}, &core.InsufficientFundsError{Currency: core.CurrencyXP, Have: bal.XP, Need: xp}
	}

	now := e.clk.Now()
	var trade core.Trade
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if xp > 0 {
			if err := e.checkXPCapTx(ctx, tx, settings, guildID, from, bal.XP, xp, now); err != nil {
				return err
			}
		}

		var existing int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM trades
			WHERE guild_id = ? AND from_user = ? AND to_user = ? AND status = 'pending'`,
			guildID, from, to).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("a pending trade to this user already exists: %w", core.ErrStateConflict)
		}

		trade = core.Trade{
			GuildID:   guildID,
			FromUser:  from,
			ToUser:    to,
			Coins:     coins,
			XP:        xp,
			Status:    core.TradePending,
			TaxCoins:  math.Floor(coins * settings.TradeTaxPercent / 100),
			TaxXP:     math.Floor(xp * settings.TradeTaxPercent / 100),
			CreatedAt: now,
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO trades (guild_id, from_user, to_user, coins, xp, status, tax_coins, tax_xp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			trade.GuildID, trade.FromUser, trade.ToUser, trade.Coins, trade.XP,
			string(trade.Status), trade.TaxCoins, trade.TaxXP, trade.CreatedAt)
		if err != nil {
			return err
		}
		trade.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return core.Trade{}, err
	}

	if e.metrics != nil {
		e.metrics.TradesTotal.WithLabelValues("created").Inc()
	}
	e.logger.Info("trade created", "guild", guildID, "trade", trade.ID,
		"from", from, "to", to, "coins", coins, "xp", xp)
	return trade, nil
}

// checkXPCapTx enforces the sender's daily XP transfer cap, resetting the
// window when a full day has elapsed.
func (e *Engine) checkXPCapTx(ctx context.Context, tx *sql.Tx, settings core.GuildSettings, guildID, from string, senderXP, xp float64, now time.Time) error {
	dt, err := store.GetDailyTracking(ctx, tx, guildID, from)
	if err != nil {
		return err
	}

	transferred := dt.DailyXPTransferred
	if dt.LastXPTransferReset == nil || now.Sub(*dt.LastXPTransferReset) >= 24*time.Hour {
		if err := store.ResetXPTransferWindow(ctx, tx, guildID, from, now); err != nil {
			return err
		}
		transferred = 0
	}

	limit := math.Min(senderXP*settings.DailyXPTransferCapPct/100, settings.DailyXPTransferCapMax)
	if transferred+xp > limit {
		return core.NewInvalidInput("xp",
			fmt.Sprintf("daily XP transfer cap reached (%.0f of %.0f used)", transferred, limit))
	}
	return nil
}

// Accept moves a pending trade to accepted, debiting the sender into
// escrow. A sender who spent the funds since offering gets the trade
// canceled instead.
func (e *Engine) Accept(ctx context.Context, guildID, userID string, tradeID int64) (core.Trade, error) {
	now := e.clk.Now()
	var trade core.Trade
	var selfCanceled bool

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		trade, err = getTradeTx(ctx, tx, guildID, tradeID)
		if err != nil {
			return err
		}
		if trade.ToUser != userID {
			return fmt.Errorf("only the recipient can accept: %w", core.ErrPermissionDenied)
		}
		if trade.Status != core.TradePending {
			return fmt.Errorf("trade is %s: %w", trade.Status, core.ErrStateConflict)
		}

		var coins, xp float64
		if err := tx.QueryRowContext(ctx, `
			SELECT coins, xp FROM user_balances WHERE guild_id = ? AND user_id = ?`,
			guildID, trade.FromUser).Scan(&coins, &xp); err != nil && err != sql.ErrNoRows {
			return err
		}
		if coins < trade.Coins || xp < trade.XP {
			// Sender no longer covers the offer; the trade dies here.
			if _, err := tx.ExecContext(ctx,
				"UPDATE trades SET status = 'canceled' WHERE id = ?", trade.ID); err != nil {
				return err
			}
			trade.Status = core.TradeCanceled
			selfCanceled = true
			return nil
		}

		ref := &ledger.Ref{RelatedID: trade.ID, RelatedType: "trade"}
		if trade.Coins > 0 {
			if _, err := e.ledger.MutateTx(ctx, tx, guildID, trade.FromUser,
				core.CurrencyCoins, -trade.Coins, string(core.TxTradeEscrow), ref); err != nil {
				return err
			}
		}
		if trade.XP > 0 {
			if _, err := e.ledger.MutateTx(ctx, tx, guildID, trade.FromUser,
				core.CurrencyXP, -trade.XP, string(core.TxTradeEscrow), ref); err != nil {
				return err
			}
		}

		release := now.Add(escrowDelay)
		if _, err := tx.ExecContext(ctx, `
			UPDATE trades SET status = 'accepted', accepted_at = ?, escrow_release_at = ?
			WHERE id = ?`, now, release, trade.ID); err != nil {
			return err
		}
		trade.Status = core.TradeAccepted
		trade.AcceptedAt = &now
		trade.EscrowReleaseAt = &release
		return nil
	})
	if err != nil {
		return core.Trade{}, err
	}

	if selfCanceled {
		if e.metrics != nil {
			e.metrics.TradesTotal.WithLabelValues("canceled").Inc()
		}
		return trade, fmt.Errorf("sender no longer has the offered funds; trade canceled: %w", core.ErrStateConflict)
	}

	if e.metrics != nil {
		e.metrics.TradesTotal.WithLabelValues("accepted").Inc()
	}
	e.logger.Info("trade accepted", "guild", guildID, "trade", trade.ID,
		"release_at", trade.EscrowReleaseAt)
	return trade, nil
}

// Cancel aborts a trade. Pending trades may be canceled by either party;
// accepted trades only by the sender, with a full escrow refund.
func (e *Engine) Cancel(ctx context.Context, guildID, userID string, tradeID int64) (core.Trade, error) {
	var trade core.Trade
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		trade, err = getTradeTx(ctx, tx, guildID, tradeID)
		if err != nil {
			return err
		}

		switch trade.Status {
		case core.TradePending:
			if userID != trade.FromUser && userID != trade.ToUser {
				return fmt.Errorf("not a party to this trade: %w", core.ErrPermissionDenied)
			}
		case core.TradeAccepted:
			if userID != trade.FromUser {
				return fmt.Errorf("only the sender can cancel an accepted trade: %w", core.ErrPermissionDenied)
			}
			ref := &ledger.Ref{RelatedID: trade.ID, RelatedType: "trade"}
			if trade.Coins > 0 {
				if _, err := e.ledger.MutateTx(ctx, tx, guildID, trade.FromUser,
					core.CurrencyCoins, trade.Coins, string(core.TxTradeRefund), ref); err != nil {
					return err
				}
			}
			if trade.XP > 0 {
				if _, err := e.ledger.MutateTx(ctx, tx, guildID, trade.FromUser,
					core.CurrencyXP, trade.XP, string(core.TxTradeRefund), ref); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("trade is %s: %w", trade.Status, core.ErrStateConflict)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE trades SET status = 'canceled' WHERE id = ?", trade.ID); err != nil {
			return err
		}
		trade.Status = core.TradeCanceled
		return nil
	})
	if err != nil {
		return core.Trade{}, err
	}

	if e.metrics != nil {
		e.metrics.TradesTotal.WithLabelValues("canceled").Inc()
	}
	e.logger.Info("trade canceled", "guild", guildID, "trade", trade.ID, "by", userID)
	return trade, nil
}

// CompleteDue releases every accepted trade whose escrow delay has
// elapsed. Each trade settles in its own transaction; a failure is
// logged and the sweep continues.
func (e *Engine) CompleteDue(ctx context.Context) (int, error) {
	now := e.clk.Now()
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT id, guild_id FROM trades
		WHERE status = 'accepted' AND escrow_release_at <= ?
		ORDER BY escrow_release_at`, now)
	if err != nil {
		return 0, err
	}
	var due []struct {
		id      int64
		guildID string
	}
	for rows.Next() {
		var d struct {
			id      int64
			guildID string
		}
		if err := rows.Scan(&d.id, &d.guildID); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	completed := 0
	for _, d := range due {
		if err := e.complete(ctx, d.guildID, d.id, now); err != nil {
			e.logger.Error("trade completion failed", "guild", d.guildID, "trade", d.id, "err", err)
			continue
		}
		completed++
	}
	return completed, nil
}

func (e *Engine) complete(ctx context.Context, guildID string, tradeID int64, now time.Time) error {
	var trade core.Trade
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		trade, err = getTradeTx(ctx, tx, guildID, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != core.TradeAccepted {
			return fmt.Errorf("trade is %s: %w", trade.Status, core.ErrStateConflict)
		}

		ref := &ledger.Ref{RelatedID: trade.ID, RelatedType: "trade"}
		netCoins := trade.Coins - trade.TaxCoins
		netXP := trade.XP - trade.TaxXP

		if netCoins > 0 {
			if _, err := e.ledger.MutateTx(ctx, tx, guildID, trade.ToUser,
				core.CurrencyCoins, netCoins, string(core.TxTradeReceived), ref); err != nil {
				return err
			}
		}
		if netXP > 0 {
			if _, err := e.ledger.MutateTx(ctx, tx, guildID, trade.ToUser,
				core.CurrencyXP, netXP, string(core.TxTradeReceived), ref); err != nil {
				return err
			}
		}
		if trade.XP > 0 {
			if _, err := store.GetDailyTracking(ctx, tx, guildID, trade.FromUser); err != nil {
				return err
			}
			if err := store.AddXPTransferred(ctx, tx, guildID, trade.FromUser, trade.XP); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE trades SET status = 'completed', completed_at = ? WHERE id = ?`,
			now, trade.ID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.TradesTotal.WithLabelValues("completed").Inc()
		if trade.TaxCoins > 0 {
			e.metrics.TradeTaxRetained.WithLabelValues(string(core.CurrencyCoins)).Add(trade.TaxCoins)
		}
		if trade.TaxXP > 0 {
			e.metrics.TradeTaxRetained.WithLabelValues(string(core.CurrencyXP)).Add(trade.TaxXP)
		}
	}
	e.logger.Info("trade completed", "guild", guildID, "trade", trade.ID,
		"tax_coins", trade.TaxCoins, "tax_xp", trade.TaxXP)
	return nil
}

// Get returns one trade.
func (e *Engine) Get(ctx context.Context, guildID string, tradeID int64) (core.Trade, error) {
	return getTrade(ctx, e.store.DB(), guildID, tradeID)
}

// PendingFor lists trades a user is a party to that still need action.
func (e *Engine) PendingFor(ctx context.Context, guildID, userID string) ([]core.Trade, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT id, guild_id, from_user, to_user, coins, xp, status, tax_coins, tax_xp,
		       created_at, accepted_at, escrow_release_at, completed_at
		FROM trades
		WHERE guild_id = ? AND (from_user = ? OR to_user = ?) AND status IN ('pending', 'accepted')
		ORDER BY created_at`, guildID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// XPLossPreview describes the level impact of sending XP away. Purely
// informational; creation never blocks on it.
type XPLossPreview struct {
	CurrentXP     float64 `json:"current_xp"`
	RemainingXP   float64 `json:"remaining_xp"`
	CurrentLevel  int     `json:"current_level"`
	NewLevel      int     `json:"new_level"`
	WillLevelDown bool    `json:"will_level_down"`
	LevelsLost    int     `json:"levels_lost"`
}

// PreviewXPLoss computes the hypothetical level change of debiting xp.
func (e *Engine) PreviewXPLoss(ctx context.Context, guildID, userID string, xp float64) (XPLossPreview, error) {
	bal, err := e.ledger.GetBalance(ctx, guildID, userID)
	if err != nil {
		return XPLossPreview{}, err
	}
	remaining := bal.XP - xp
	if remaining < 0 {
		remaining = 0
	}
	p := XPLossPreview{
		CurrentXP:    bal.XP,
		RemainingXP:  remaining,
		CurrentLevel: ledger.LevelForXP(bal.XP),
		NewLevel:     ledger.LevelForXP(remaining),
	}
	p.WillLevelDown = p.NewLevel < p.CurrentLevel
	p.LevelsLost = p.CurrentLevel - p.NewLevel
	if p.LevelsLost < 0 {
		p.LevelsLost = 0
	}
	return p, nil
}

func getTrade(ctx context.Context, q store.Querier, guildID string, tradeID int64) (core.Trade, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, guild_id, from_user, to_user, coins, xp, status, tax_coins, tax_xp,
		       created_at, accepted_at, escrow_release_at, completed_at
		FROM trades WHERE guild_id = ? AND id = ?`, guildID, tradeID)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return core.Trade{}, fmt.Errorf("trade %d: %w", tradeID, core.ErrNotFound)
	}
	return t, err
}

func getTradeTx(ctx context.Context, tx *sql.Tx, guildID string, tradeID int64) (core.Trade, error) {
	return getTrade(ctx, tx, guildID, tradeID)
}

type tradeScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row tradeScanner) (core.Trade, error) {
	var t core.Trade
	var status string
	var acceptedAt, releaseAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.GuildID, &t.FromUser, &t.ToUser, &t.Coins, &t.XP,
		&status, &t.TaxCoins, &t.TaxXP, &t.CreatedAt, &acceptedAt, &releaseAt, &completedAt)
	if err != nil {
		return core.Trade{}, err
	}
	t.Status = core.TradeStatus(status)
	if acceptedAt.Valid {
		v := acceptedAt.Time.UTC()
		t.AcceptedAt = &v
	}
	if releaseAt.Valid {
		v := releaseAt.Time.UTC()
		t.EscrowReleaseAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time.UTC()
		t.CompletedAt = &v
	}
	return t, nil
}
