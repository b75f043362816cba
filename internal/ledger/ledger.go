// Package ledger is the single path for balance mutation. Every coin or
// XP change reads the balance, applies the signed amount, persists, and
// appends one transaction row per affected currency — all inside one
// store transaction, so the audit invariant (sum of transaction amounts
// equals the stored balance) holds at every commit point.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/metrics"
	"github.com/guildbot/backend/internal/store"
)

// levelDivisor is the L constant in level = floor(sqrt(xp/L)) + 1.
const levelDivisor = 125.0

// LevelForXP derives the level for an XP total. Level is never stored
// authoritatively; the column is a cache of this function.
func LevelForXP(xp float64) int {
	if xp < 0 {
		xp = 0
	}
	return int(math.Floor(math.Sqrt(xp/levelDivisor))) + 1
}

// XPForLevel returns the XP floor of a level.
func XPForLevel(level int) float64 {
	if level < 1 {
		level = 1
	}
	return float64(level-1) * float64(level-1) * levelDivisor
}

// Ref links a transaction to the row that caused it.
type Ref struct {
	RelatedID   int64
	RelatedType string
	Metadata    map[string]string
}

// MutationResult reports a balance change.
type MutationResult struct {
	Old       float64 `json:"old"`
	New       float64 `json:"new"`
	OldLevel  int     `json:"old_level,omitempty"`
	NewLevel  int     `json:"new_level,omitempty"`
	LevelUp   bool    `json:"level_up,omitempty"`
	LevelDown bool    `json:"level_down,omitempty"`
}

// Ledger mediates all balance mutation against the store.
type Ledger struct {
	store   *store.Store
	clk     clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Ledger. metrics may be nil in tests.
func New(st *store.Store, clk clock.Clock, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   st,
		clk:     clk,
		metrics: m,
		logger:  slog.Default().With("component", "ledger"),
	}
}

// EnsureUserTx lazily creates the balance row for (guild, user).
func (l *Ledger) EnsureUserTx(ctx context.Context, tx *sql.Tx, guildID, userID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_balances (guild_id, user_id) VALUES (?, ?)`,
		guildID, userID)
	return err
}

// EnsureUser is the non-transactional form of EnsureUserTx.
func (l *Ledger) EnsureUser(ctx context.Context, guildID, userID string) error {
	return l.store.WithTx(ctx, func(tx *sql.Tx) error {
		return l.EnsureUserTx(ctx, tx, guildID, userID)
	})
}

// GetBalance returns the balance row, creating it on first reference.
func (l *Ledger) GetBalance(ctx context.Context, guildID, userID string) (core.UserBalance, error) {
	if err := l.EnsureUser(ctx, guildID, userID); err != nil {
		return core.UserBalance{}, err
	}
	var b core.UserBalance
	err := l.store.DB().QueryRowContext(ctx, `
		SELECT guild_id, user_id, xp, level, messages, coins
		FROM user_balances WHERE guild_id = ? AND user_id = ?`,
		guildID, userID).Scan(&b.GuildID, &b.UserID, &b.XP, &b.Level, &b.Messages, &b.Coins)
	if err != nil {
		return core.UserBalance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// MutateTx applies a signed amount of one currency inside an existing
// transaction. Debits that exceed the balance fail with
// InsufficientFundsError and leave the transaction usable for rollback.
func (l *Ledger) MutateTx(ctx context.Context, tx *sql.Tx, guildID, userID string, currency core.Currency, amount float64, kind string, ref *Ref) (MutationResult, error) {
	if err := l.EnsureUserTx(ctx, tx, guildID, userID); err != nil {
		return MutationResult{}, err
	}

	var xp, coins float64
	err := tx.QueryRowContext(ctx, `
		SELECT xp, coins FROM user_balances WHERE guild_id = ? AND user_id = ?`,
		guildID, userID).Scan(&xp, &coins)
	if err != nil {
		return MutationResult{}, fmt.Errorf("read balance: %w", err)
	}

	var old float64
	switch currency {
	case core.CurrencyCoins:
		old = coins
	case core.CurrencyXP:
		old = xp
	default:
		return MutationResult{}, core.NewInvalidInput("currency", string(currency))
	}

	if amount < 0 && -amount > old {
		return MutationResult{}, &core.InsufficientFundsError{
			Currency: currency, Have: old, Need: -amount,
		}
	}

	res := MutationResult{Old: old, New: old + amount}

	switch currency {
	case core.CurrencyCoins:
		_, err = tx.ExecContext(ctx, `
			UPDATE user_balances SET coins = ? WHERE guild_id = ? AND user_id = ?`,
			res.New, guildID, userID)
	case core.CurrencyXP:
		res.OldLevel = LevelForXP(old)
		res.NewLevel = LevelForXP(res.New)
		res.LevelUp = res.NewLevel > res.OldLevel
		res.LevelDown = res.NewLevel < res.OldLevel
		_, err = tx.ExecContext(ctx, `
			UPDATE user_balances SET xp = ?, level = ? WHERE guild_id = ? AND user_id = ?`,
			res.New, res.NewLevel, guildID, userID)
	}
	if err != nil {
		return MutationResult{}, fmt.Errorf("write balance: %w", err)
	}

	if err := l.logTransactionTx(ctx, tx, guildID, userID, currency, amount, res.New, kind, ref); err != nil {
		return MutationResult{}, err
	}

	if l.metrics != nil {
		l.metrics.TransactionsTotal.WithLabelValues(kind, string(currency)).Inc()
	}
	return res, nil
}

// logTransactionTx appends the audit row with balance_after equal to the
// freshly written balance.
func (l *Ledger) logTransactionTx(ctx context.Context, tx *sql.Tx, guildID, userID string, currency core.Currency, amount, balanceAfter float64, kind string, ref *Ref) error {
	meta := "{}"
	var relatedID any
	var relatedType any
	if ref != nil {
		if len(ref.Metadata) > 0 {
			b, err := json.Marshal(ref.Metadata)
			if err != nil {
				return fmt.Errorf("marshal tx metadata: %w", err)
			}
			meta = string(b)
		}
		if ref.RelatedID != 0 {
			relatedID = ref.RelatedID
		}
		if ref.RelatedType != "" {
			relatedType = ref.RelatedType
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (guild_id, user_id, kind, amount, currency, balance_after, metadata, related_id, related_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		guildID, userID, kind, amount, string(currency), balanceAfter, meta, relatedID, relatedType, l.clk.Now())
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// AddCoins credits coins. Amount must be positive.
func (l *Ledger) AddCoins(ctx context.Context, guildID, userID string, amount float64, kind string, ref *Ref) (MutationResult, error) {
	if err := requirePositive(amount); err != nil {
		return MutationResult{}, err
	}
	return l.mutate(ctx, guildID, userID, core.CurrencyCoins, amount, kind, ref)
}

// SpendCoins debits coins, failing with InsufficientFundsError when the
// balance cannot cover it. Amount must be positive.
func (l *Ledger) SpendCoins(ctx context.Context, guildID, userID string, amount float64, kind string, ref *Ref) (MutationResult, error) {
	if err := requirePositive(amount); err != nil {
		return MutationResult{}, err
	}
	return l.mutate(ctx, guildID, userID, core.CurrencyCoins, -amount, kind, ref)
}

// AddXP credits XP and recomputes the derived level. Amount must be
// positive.
func (l *Ledger) AddXP(ctx context.Context, guildID, userID string, amount float64, kind string, ref *Ref) (MutationResult, error) {
	if err := requirePositive(amount); err != nil {
		return MutationResult{}, err
	}
	return l.mutate(ctx, guildID, userID, core.CurrencyXP, amount, kind, ref)
}

// SpendXP debits XP; the result reports any level-down. Amount must be
// positive.
func (l *Ledger) SpendXP(ctx context.Context, guildID, userID string, amount float64, kind string, ref *Ref) (MutationResult, error) {
	if err := requirePositive(amount); err != nil {
		return MutationResult{}, err
	}
	return l.mutate(ctx, guildID, userID, core.CurrencyXP, -amount, kind, ref)
}

func requirePositive(amount float64) error {
	if amount <= 0 {
		return core.NewInvalidInput("amount", "must be positive")
	}
	return nil
}

func (l *Ledger) mutate(ctx context.Context, guildID, userID string, currency core.Currency, amount float64, kind string, ref *Ref) (MutationResult, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return MutationResult{}, core.NewInvalidInput("amount", "not a finite number")
	}
	var res MutationResult
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		res, txErr = l.MutateTx(ctx, tx, guildID, userID, currency, amount, kind, ref)
		return txErr
	})
	return res, err
}

// IncrementMessages bumps the lifetime message counter outside the
// coin/XP audit path (messages are not a currency).
func (l *Ledger) IncrementMessages(ctx context.Context, guildID, userID string) error {
	return l.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := l.EnsureUserTx(ctx, tx, guildID, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE user_balances SET messages = messages + 1 WHERE guild_id = ? AND user_id = ?`,
			guildID, userID)
		return err
	})
}

// GetTransactions returns the newest transactions for a user, newest
// first, capped at limit.
func (l *Ledger) GetTransactions(ctx context.Context, guildID, userID string, limit int) ([]core.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.store.DB().QueryContext(ctx, `
		SELECT id, guild_id, user_id, kind, amount, currency, balance_after, metadata, related_id, related_type, created_at
		FROM transactions WHERE guild_id = ? AND user_id = ?
		ORDER BY id DESC LIMIT ?`, guildID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		var t core.Transaction
		var meta string
		var relatedID sql.NullInt64
		var relatedType sql.NullString
		if err := rows.Scan(&t.ID, &t.GuildID, &t.UserID, &t.Kind, &t.Amount, &t.Currency,
			&t.BalanceAfter, &meta, &relatedID, &relatedType, &t.CreatedAt); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &t.Metadata)
		}
		t.RelatedID = relatedID.Int64
		t.RelatedType = relatedType.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// AuditBalance recomputes the transaction sum for one currency and
// compares it to the stored balance. Used by tests and the doctor
// endpoint; a mismatch means an unaudited mutation slipped through.
func (l *Ledger) AuditBalance(ctx context.Context, guildID, userID string, currency core.Currency) (sum, stored float64, err error) {
	err = l.store.DB().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE guild_id = ? AND user_id = ? AND currency = ?`,
		guildID, userID, string(currency)).Scan(&sum)
	if err != nil {
		return 0, 0, err
	}

	col := "coins"
	if currency == core.CurrencyXP {
		col = "xp"
	}
	err = l.store.DB().QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM user_balances WHERE guild_id = ? AND user_id = ?`, col),
		guildID, userID).Scan(&stored)
	if err != nil {
		return 0, 0, err
	}
	return sum, stored, nil
}
