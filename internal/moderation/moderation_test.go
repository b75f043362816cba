package moderation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *clock.Mock, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background(), ""))

	clk := clock.NewMock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	return New(st, clk), clk, st
}

func TestWarnEscalation(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Warn(ctx, "g1", "u1", "mod1", "spam")
	require.NoError(t, err)
	require.Equal(t, 1, res.WarnCount)
	require.False(t, res.MuteApplied, "first warn carries no mute")

	res, err = e.Warn(ctx, "g1", "u1", "mod1", "spam again")
	require.NoError(t, err)
	require.Equal(t, 2, res.WarnCount)
	require.True(t, res.MuteApplied)
	require.True(t, res.MuteUntil.Equal(clk.Now().Add(time.Hour)), "second warn mutes for the configured hour")

	res, err = e.Warn(ctx, "g1", "u1", "mod1", "still spamming")
	require.NoError(t, err)
	require.Equal(t, 3, res.WarnCount)
	require.True(t, res.MuteApplied)
	require.True(t, res.MuteUntil.Equal(clk.Now().Add(24*time.Hour)))

	// History is append-only, newest first; the warn precedes its mute.
	events, err := e.History(ctx, "g1", "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.Equal(t, "mute_applied", events[0].Action)
	require.Equal(t, "warn_issued", events[1].Action)
	require.Equal(t, 2, events[1].WarnCountBefore)
	require.Equal(t, 3, events[1].WarnCountAfter)
}

func TestUnwarnFloorsAtZero(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Unwarn with no warnings stays at zero and records nothing.
	res, err := e.Unwarn(ctx, "g1", "u1", "mod1", "oops")
	require.NoError(t, err)
	require.Zero(t, res.WarnCount)
	events, err := e.History(ctx, "g1", "u1", 10)
	require.NoError(t, err)
	require.Empty(t, events)

	// Reaching zero lifts an active mute.
	_, err = e.Warn(ctx, "g1", "u1", "mod1", "spam")
	require.NoError(t, err)
	_, err = e.Warn(ctx, "g1", "u1", "mod1", "spam")
	require.NoError(t, err)

	res, err = e.Unwarn(ctx, "g1", "u1", "mod1", "first appeal")
	require.NoError(t, err)
	require.Equal(t, 1, res.WarnCount)
	require.NotNil(t, res.State.MuteExpiresAt, "mute persists above zero")

	res, err = e.Unwarn(ctx, "g1", "u1", "mod1", "second appeal")
	require.NoError(t, err)
	require.Zero(t, res.WarnCount)
	require.Nil(t, res.State.MuteExpiresAt, "mute lifts when the counter empties")

	events, err = e.History(ctx, "g1", "u1", 10)
	require.NoError(t, err)
	require.Equal(t, "mute_removed", events[0].Action)
}

func TestManualMuteAndUnmute(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Mute(ctx, "g1", "u1", "mod1", "cool off", 10*time.Minute))
	state, err := e.GetState(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Zero(t, state.WarnCount, "manual mute leaves the counter alone")
	require.True(t, state.MuteExpiresAt.Equal(clk.Now().Add(10*time.Minute)))
	require.Equal(t, "cool off", state.MuteReason)

	require.NoError(t, e.Unmute(ctx, "g1", "u1", "mod1"))
	state, err = e.GetState(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Nil(t, state.MuteExpiresAt)

	require.ErrorIs(t, e.Unmute(ctx, "g1", "u1", "mod1"), core.ErrStateConflict)

	var invalid *core.InvalidInputError
	require.ErrorAs(t, e.Mute(ctx, "g1", "u1", "mod1", "x", 0), &invalid)
	require.ErrorAs(t, e.Mute(ctx, "g1", "u1", "mod1", "x", -time.Minute), &invalid)
}

func TestWarnDecay(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Warn(ctx, "g1", "u1", "mod1", "spam")
	require.NoError(t, err)

	// One warning decays after warn_1_decay_days (7) of inactivity.
	clk.Advance(7*24*time.Hour - time.Second)
	n, err := e.DecayWarnings(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(2 * time.Second)
	n, err = e.DecayWarnings(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	state, err := e.GetState(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Zero(t, state.WarnCount)

	events, err := e.History(ctx, "g1", "u1", 5)
	require.NoError(t, err)
	require.Equal(t, "warn_decay", events[0].Action)

	// Nothing left to decay.
	clk.Advance(30 * 24 * time.Hour)
	n, err = e.DecayWarnings(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDecayMultiplierStretchesInterval(t *testing.T) {
	e, clk, st := newTestEngine(t)
	ctx := context.Background()

	_, err := st.UpdateGuildSettings(ctx, "g1", map[string]any{"decay_multiplier": 2.0})
	require.NoError(t, err)
	_, err = e.Warn(ctx, "g1", "u1", "mod1", "spam")
	require.NoError(t, err)

	clk.Advance(8 * 24 * time.Hour)
	n, err := e.DecayWarnings(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "doubled multiplier means 14 days, not 7")

	clk.Advance(7 * 24 * time.Hour)
	n, err = e.DecayWarnings(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAppealFlow(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	ctx := context.Background()

	// Nothing to appeal without warnings.
	_, err := e.Appeal(ctx, "g1", "u1", "please")
	require.ErrorIs(t, err, core.ErrStateConflict)

	_, err = e.Warn(ctx, "g1", "u1", "mod1", "spam")
	require.NoError(t, err)
	_, err = e.Warn(ctx, "g1", "u1", "mod1", "spam")
	require.NoError(t, err)

	appeal, err := e.Appeal(ctx, "g1", "u1", "it was not me")
	require.NoError(t, err)
	require.Equal(t, core.AppealPending, appeal.Status)

	// Only one pending appeal at a time.
	_, err = e.Appeal(ctx, "g1", "u1", "again")
	require.ErrorIs(t, err, core.ErrStateConflict)

	pending, err := e.PendingAppeals(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, appeal.ID, pending[0].ID)

	reviewed, err := e.ReviewAppeal(ctx, "g1", appeal.ID, "mod2", true, "fair enough")
	require.NoError(t, err)
	require.Equal(t, core.AppealApproved, reviewed.Status)
	require.Equal(t, "mod2", reviewed.ModeratorID)
	require.NotNil(t, reviewed.ReviewedAt)

	state, err := e.GetState(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Equal(t, 1, state.WarnCount, "approval decrements the counter")

	// Settled appeals cannot be reviewed twice.
	_, err = e.ReviewAppeal(ctx, "g1", appeal.ID, "mod2", false, "")
	require.ErrorIs(t, err, core.ErrStateConflict)

	// The cooldown blocks another submission for 48 hours.
	_, err = e.Appeal(ctx, "g1", "u1", "one more")
	var limited *core.RateLimitedError
	require.ErrorAs(t, err, &limited)
	require.Equal(t, "cooldown", limited.Reason)

	clk.Advance(48*time.Hour + time.Second)
	_, err = e.Appeal(ctx, "g1", "u1", "one more")
	require.NoError(t, err)

	pending, err = e.PendingAppeals(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestReviewDenyKeepsCounter(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Warn(ctx, "g1", "u1", "mod1", "spam")
	require.NoError(t, err)
	appeal, err := e.Appeal(ctx, "g1", "u1", "unfair")
	require.NoError(t, err)

	reviewed, err := e.ReviewAppeal(ctx, "g1", appeal.ID, "mod2", false, "it stands")
	require.NoError(t, err)
	require.Equal(t, core.AppealDenied, reviewed.Status)

	state, err := e.GetState(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Equal(t, 1, state.WarnCount)

	_, err = e.ReviewAppeal(ctx, "g1", 99999, "mod2", true, "x")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestApprovalAtOneLiftsMute(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Manual mute plus a single warn: approval drops to zero and unmutes.
	_, err := e.Warn(ctx, "g1", "u1", "mod1", "spam")
	require.NoError(t, err)
	require.NoError(t, e.Mute(ctx, "g1", "u1", "mod1", "manual", time.Hour))

	appeal, err := e.Appeal(ctx, "g1", "u1", "sorry")
	require.NoError(t, err)
	_, err = e.ReviewAppeal(ctx, "g1", appeal.ID, "mod2", true, "accepted")
	require.NoError(t, err)

	state, err := e.GetState(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Zero(t, state.WarnCount)
	require.Nil(t, state.MuteExpiresAt)
}

func TestWarnValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Empty reasons are allowed for warns, injection patterns are not.
	_, err := e.Warn(ctx, "g1", "u1", "mod1", "")
	require.NoError(t, err)

	var invalid *core.InvalidInputError
	_, err = e.Warn(ctx, "g1", "u1", "mod1", "x'; DROP TABLE warn_states; --")
	require.ErrorAs(t, err, &invalid)
}
