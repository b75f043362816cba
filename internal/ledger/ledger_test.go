package ledger

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *clock.Mock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background(), ""))

	clk := clock.NewMock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	return New(st, clk, nil), clk
}

func TestCoinRoundTrip(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := led.AddCoins(ctx, "g1", "u1", 100, "seed", nil)
	require.NoError(t, err)
	require.Equal(t, 0.0, res.Old)
	require.Equal(t, 100.0, res.New)

	res, err = led.SpendCoins(ctx, "g1", "u1", 40, "test_spend", nil)
	require.NoError(t, err)
	require.Equal(t, 60.0, res.New)

	bal, err := led.GetBalance(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Equal(t, 60.0, bal.Coins)

	txs, err := led.GetTransactions(ctx, "g1", "u1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	// Newest first.
	require.Equal(t, -40.0, txs[0].Amount)
	require.Equal(t, 60.0, txs[0].BalanceAfter)
	require.Equal(t, "test_spend", txs[0].Kind)
	require.Equal(t, 100.0, txs[1].Amount)
	require.Equal(t, 100.0, txs[1].BalanceAfter)

	sum, stored, err := led.AuditBalance(ctx, "g1", "u1", core.CurrencyCoins)
	require.NoError(t, err)
	require.Equal(t, stored, sum)
	require.Equal(t, 60.0, stored)
}

func TestOverdraftRejected(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.SpendCoins(ctx, "g1", "u1", 50, "test_spend", nil)
	var funds *core.InsufficientFundsError
	require.ErrorAs(t, err, &funds)
	require.Equal(t, core.CurrencyCoins, funds.Currency)
	require.Equal(t, 0.0, funds.Have)
	require.Equal(t, 50.0, funds.Need)

	// The failed debit must leave no trace.
	bal, err := led.GetBalance(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Equal(t, 0.0, bal.Coins)

	txs, err := led.GetTransactions(ctx, "g1", "u1", 10)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestLevelForXP(t *testing.T) {
	cases := []struct {
		xp    float64
		level int
	}{
		{0, 1},
		{124, 1},
		{125, 2},
		{499, 2},
		{500, 3},
		{1124, 3},
		{1125, 4},
		{-10, 1},
	}
	for _, tc := range cases {
		require.Equal(t, tc.level, LevelForXP(tc.xp), "xp=%v", tc.xp)
	}

	require.Equal(t, 0.0, XPForLevel(1))
	require.Equal(t, 125.0, XPForLevel(2))
	require.Equal(t, 500.0, XPForLevel(3))
	require.Equal(t, 0.0, XPForLevel(0))
}

func TestXPLevelTransitions(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := led.AddXP(ctx, "g1", "u1", 125, "test_xp", nil)
	require.NoError(t, err)
	require.True(t, res.LevelUp)
	require.Equal(t, 1, res.OldLevel)
	require.Equal(t, 2, res.NewLevel)

	bal, err := led.GetBalance(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Equal(t, 2, bal.Level)

	res, err = led.SpendXP(ctx, "g1", "u1", 125, "test_xp", nil)
	require.NoError(t, err)
	require.True(t, res.LevelDown)
	require.Equal(t, 1, res.NewLevel)
}

func TestNonFiniteAmountRejected(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.AddCoins(ctx, "g1", "u1", math.NaN(), "seed", nil)
	var invalid *core.InvalidInputError
	require.ErrorAs(t, err, &invalid)

	_, err = led.AddXP(ctx, "g1", "u1", math.Inf(1), "seed", nil)
	require.ErrorAs(t, err, &invalid)
}

func TestNonPositiveAmountRejected(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	var invalid *core.InvalidInputError
	_, err := led.AddCoins(ctx, "g1", "u1", 0, "seed", nil)
	require.ErrorAs(t, err, &invalid)
	_, err = led.AddCoins(ctx, "g1", "u1", -5, "seed", nil)
	require.ErrorAs(t, err, &invalid)
	_, err = led.SpendCoins(ctx, "g1", "u1", -5, "test_spend", nil)
	require.ErrorAs(t, err, &invalid)
	_, err = led.AddXP(ctx, "g1", "u1", 0, "seed", nil)
	require.ErrorAs(t, err, &invalid)
	_, err = led.SpendXP(ctx, "g1", "u1", 0, "test_spend", nil)
	require.ErrorAs(t, err, &invalid)

	// Nothing landed in the transaction log.
	txs, err := led.GetTransactions(ctx, "g1", "u1", 10)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestTransactionRef(t *testing.T) {
	led, clk := newTestLedger(t)
	ctx := context.Background()

	_, err := led.AddCoins(ctx, "g1", "u1", 30, "quest_reward", &Ref{
		RelatedID:   7,
		RelatedType: "user_quest",
		Metadata:    map[string]string{"quest": "Chatterbox"},
	})
	require.NoError(t, err)

	txs, err := led.GetTransactions(ctx, "g1", "u1", 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, int64(7), txs[0].RelatedID)
	require.Equal(t, "user_quest", txs[0].RelatedType)
	require.Equal(t, "Chatterbox", txs[0].Metadata["quest"])
	require.True(t, txs[0].CreatedAt.Equal(clk.Now()))
}

func TestIncrementMessages(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.IncrementMessages(ctx, "g1", "u1"))
	require.NoError(t, led.IncrementMessages(ctx, "g1", "u1"))

	bal, err := led.GetBalance(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), bal.Messages)

	// Message counts are not currency and never hit the transaction log.
	txs, err := led.GetTransactions(ctx, "g1", "u1", 10)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestAuditPerCurrency(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.AddCoins(ctx, "g1", "u1", 100, "seed", nil)
	require.NoError(t, err)
	_, err = led.AddXP(ctx, "g1", "u1", 250, "seed", nil)
	require.NoError(t, err)
	_, err = led.SpendXP(ctx, "g1", "u1", 50, "test_spend", nil)
	require.NoError(t, err)

	sum, stored, err := led.AuditBalance(ctx, "g1", "u1", core.CurrencyCoins)
	require.NoError(t, err)
	require.Equal(t, 100.0, sum)
	require.Equal(t, sum, stored)

	sum, stored, err = led.AuditBalance(ctx, "g1", "u1", core.CurrencyXP)
	require.NoError(t, err)
	require.Equal(t, 200.0, sum)
	require.Equal(t, sum, stored)
}
