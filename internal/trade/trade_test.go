package trade

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/ledger"
	"github.com/guildbot/backend/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *ledger.Ledger, *clock.Mock, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background(), ""))

	clk := clock.NewMock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	led := ledger.New(st, clk, nil)
	return New(st, led, clk, nil), led, clk, st
}

func fund(t *testing.T, led *ledger.Ledger, guildID, userID string, coins, xp float64) {
	t.Helper()
	ctx := context.Background()
	if coins > 0 {
		_, err := led.AddCoins(ctx, guildID, userID, coins, "seed", nil)
		require.NoError(t, err)
	}
	if xp > 0 {
		_, err := led.AddXP(ctx, guildID, userID, xp, "seed", nil)
		require.NoError(t, err)
	}
}

func coins(t *testing.T, led *ledger.Ledger, guildID, userID string) float64 {
	t.Helper()
	bal, err := led.GetBalance(context.Background(), guildID, userID)
	require.NoError(t, err)
	return bal.Coins
}

func TestTradeLifecycle(t *testing.T) {
	e, led, clk, _ := newTestEngine(t)
	ctx := context.Background()

	fund(t, led, "g1", "alice", 1000, 0)

	tr, err := e.Create(ctx, "g1", "alice", "bob", 100, 0)
	require.NoError(t, err)
	require.Equal(t, core.TradePending, tr.Status)
	require.Equal(t, 10.0, tr.TaxCoins) // default tax 10%
	require.Equal(t, 1000.0, coins(t, led, "g1", "alice"), "no funds move while pending")

	// Only the recipient may accept.
	_, err = e.Accept(ctx, "g1", "alice", tr.ID)
	require.ErrorIs(t, err, core.ErrPermissionDenied)

	accepted, err := e.Accept(ctx, "g1", "bob", tr.ID)
	require.NoError(t, err)
	require.Equal(t, core.TradeAccepted, accepted.Status)
	require.NotNil(t, accepted.EscrowReleaseAt)
	require.True(t, accepted.EscrowReleaseAt.Equal(clk.Now().Add(escrowDelay)))
	require.Equal(t, 900.0, coins(t, led, "g1", "alice"), "escrow debits the sender at acceptance")
	require.Equal(t, 0.0, coins(t, led, "g1", "bob"), "nothing reaches the recipient before release")

	// Accepting twice is a state conflict.
	_, err = e.Accept(ctx, "g1", "bob", tr.ID)
	require.ErrorIs(t, err, core.ErrStateConflict)

	// Nothing is due before the escrow delay elapses.
	n, err := e.CompleteDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(escrowDelay + time.Second)
	n, err = e.CompleteDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	done, err := e.Get(ctx, "g1", tr.ID)
	require.NoError(t, err)
	require.Equal(t, core.TradeCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, 90.0, coins(t, led, "g1", "bob"), "recipient receives the offer minus tax")
	require.Equal(t, 900.0, coins(t, led, "g1", "alice"), "the tax is retained, not refunded")

	// Completed trades stay completed on later sweeps.
	n, err = e.CompleteDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	for _, user := range []string{"alice", "bob"} {
		sum, stored, err := led.AuditBalance(ctx, "g1", user, core.CurrencyCoins)
		require.NoError(t, err)
		require.Equal(t, stored, sum)
	}
}

func TestTradeValidation(t *testing.T) {
	e, led, _, _ := newTestEngine(t)
	ctx := context.Background()

	var invalid *core.InvalidInputError
	_, err := e.Create(ctx, "g1", "alice", "alice", 10, 0)
	require.ErrorAs(t, err, &invalid)
	_, err = e.Create(ctx, "g1", "alice", "bob", -5, 0)
	require.ErrorAs(t, err, &invalid)
	_, err = e.Create(ctx, "g1", "alice", "bob", 0, 0)
	require.ErrorAs(t, err, &invalid)

	// Sender must already hold the offered funds.
	var funds *core.InsufficientFundsError
	_, err = e.Create(ctx, "g1", "alice", "bob", 10, 0)
	require.ErrorAs(t, err, &funds)

	// One pending offer per (sender, recipient) pair.
	fund(t, led, "g1", "alice", 100, 0)
	_, err = e.Create(ctx, "g1", "alice", "bob", 10, 0)
	require.NoError(t, err)
	_, err = e.Create(ctx, "g1", "alice", "bob", 20, 0)
	require.ErrorIs(t, err, core.ErrStateConflict)
}

func TestTradeCancelRefundsEscrow(t *testing.T) {
	e, led, _, _ := newTestEngine(t)
	ctx := context.Background()

	fund(t, led, "g1", "alice", 500, 0)
	tr, err := e.Create(ctx, "g1", "alice", "bob", 200, 0)
	require.NoError(t, err)

	// Pending trades may be canceled by either party.
	_, err = e.Cancel(ctx, "g1", "mallory", tr.ID)
	require.ErrorIs(t, err, core.ErrPermissionDenied)
	canceled, err := e.Cancel(ctx, "g1", "bob", tr.ID)
	require.NoError(t, err)
	require.Equal(t, core.TradeCanceled, canceled.Status)
	require.Equal(t, 500.0, coins(t, led, "g1", "alice"))

	// Accepted trades refund the escrow, sender only.
	tr, err = e.Create(ctx, "g1", "alice", "bob", 200, 0)
	require.NoError(t, err)
	_, err = e.Accept(ctx, "g1", "bob", tr.ID)
	require.NoError(t, err)
	require.Equal(t, 300.0, coins(t, led, "g1", "alice"))

	_, err = e.Cancel(ctx, "g1", "bob", tr.ID)
	require.ErrorIs(t, err, core.ErrPermissionDenied)
	canceled, err = e.Cancel(ctx, "g1", "alice", tr.ID)
	require.NoError(t, err)
	require.Equal(t, core.TradeCanceled, canceled.Status)
	require.Equal(t, 500.0, coins(t, led, "g1", "alice"), "escrow refunds in full")

	// Canceled trades cannot be canceled again.
	_, err = e.Cancel(ctx, "g1", "alice", tr.ID)
	require.ErrorIs(t, err, core.ErrStateConflict)

	sum, stored, err := led.AuditBalance(ctx, "g1", "alice", core.CurrencyCoins)
	require.NoError(t, err)
	require.Equal(t, stored, sum)
}

func TestAcceptSelfCancelsWhenSenderBroke(t *testing.T) {
	e, led, _, _ := newTestEngine(t)
	ctx := context.Background()

	fund(t, led, "g1", "alice", 100, 0)
	tr, err := e.Create(ctx, "g1", "alice", "bob", 100, 0)
	require.NoError(t, err)

	// Alice spends the funds before Bob accepts.
	_, err = led.SpendCoins(ctx, "g1", "alice", 80, "test_spend", nil)
	require.NoError(t, err)

	got, err := e.Accept(ctx, "g1", "bob", tr.ID)
	require.ErrorIs(t, err, core.ErrStateConflict)
	require.Equal(t, core.TradeCanceled, got.Status)

	stored, err := e.Get(ctx, "g1", tr.ID)
	require.NoError(t, err)
	require.Equal(t, core.TradeCanceled, stored.Status)
	require.Equal(t, 20.0, coins(t, led, "g1", "alice"), "no escrow debit happened")
}

func TestXPTradeCapAndTax(t *testing.T) {
	e, led, clk, _ := newTestEngine(t)
	ctx := context.Background()

	fund(t, led, "g1", "alice", 0, 1000)

	// Daily cap is min(10% of sender XP, 500) = 100.
	var invalid *core.InvalidInputError
	_, err := e.Create(ctx, "g1", "alice", "bob", 0, 200)
	require.ErrorAs(t, err, &invalid)

	tr, err := e.Create(ctx, "g1", "alice", "bob", 0, 50)
	require.NoError(t, err)
	require.Equal(t, 5.0, tr.TaxXP)

	_, err = e.Accept(ctx, "g1", "bob", tr.ID)
	require.NoError(t, err)
	clk.Advance(escrowDelay + time.Second)
	n, err := e.CompleteDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	bob, err := led.GetBalance(ctx, "g1", "bob")
	require.NoError(t, err)
	require.Equal(t, 45.0, bob.XP)

	// The completed transfer counts against the cap: 50 used of
	// min(950*0.10, 500) = 95, so another 60 exceeds it.
	_, err = e.Create(ctx, "g1", "alice", "bob", 0, 60)
	require.ErrorAs(t, err, &invalid)

	// A fresh window admits the transfer again.
	clk.Advance(24 * time.Hour)
	_, err = e.Create(ctx, "g1", "alice", "bob", 0, 60)
	require.NoError(t, err)
}

func TestXPTradingDisabled(t *testing.T) {
	e, led, _, st := newTestEngine(t)
	ctx := context.Background()

	fund(t, led, "g1", "alice", 0, 1000)
	_, err := st.UpdateGuildSettings(ctx, "g1", map[string]any{"xp_trading_enabled": false})
	require.NoError(t, err)

	_, err = e.Create(ctx, "g1", "alice", "bob", 0, 50)
	require.ErrorIs(t, err, core.ErrPermissionDenied)

	// Coin trades are unaffected.
	fund(t, led, "g1", "alice", 100, 0)
	_, err = e.Create(ctx, "g1", "alice", "bob", 50, 0)
	require.NoError(t, err)
}

func TestPendingFor(t *testing.T) {
	e, led, _, _ := newTestEngine(t)
	ctx := context.Background()

	fund(t, led, "g1", "alice", 1000, 0)
	tr1, err := e.Create(ctx, "g1", "alice", "bob", 10, 0)
	require.NoError(t, err)
	tr2, err := e.Create(ctx, "g1", "alice", "carol", 20, 0)
	require.NoError(t, err)

	mine, err := e.PendingFor(ctx, "g1", "alice")
	require.NoError(t, err)
	require.Len(t, mine, 2)

	bobs, err := e.PendingFor(ctx, "g1", "bob")
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	require.Equal(t, tr1.ID, bobs[0].ID)

	_, err = e.Cancel(ctx, "g1", "carol", tr2.ID)
	require.NoError(t, err)
	mine, err = e.PendingFor(ctx, "g1", "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

func TestPreviewXPLoss(t *testing.T) {
	e, led, _, _ := newTestEngine(t)
	ctx := context.Background()

	fund(t, led, "g1", "alice", 0, 500) // level 3

	p, err := e.PreviewXPLoss(ctx, "g1", "alice", 400)
	require.NoError(t, err)
	require.Equal(t, 500.0, p.CurrentXP)
	require.Equal(t, 100.0, p.RemainingXP)
	require.Equal(t, 3, p.CurrentLevel)
	require.Equal(t, 1, p.NewLevel)
	require.True(t, p.WillLevelDown)
	require.Equal(t, 2, p.LevelsLost)

	p, err = e.PreviewXPLoss(ctx, "g1", "alice", 10)
	require.NoError(t, err)
	require.False(t, p.WillLevelDown)
	require.Zero(t, p.LevelsLost)
}

func TestGetUnknownTrade(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	_, err := e.Get(context.Background(), "g1", 12345)
	require.ErrorIs(t, err, core.ErrNotFound)
}
