package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTempRoleSweep(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	expired, err := st.AddTempRole(ctx, "g1", "u1", "r1", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = st.AddTempRole(ctx, "g1", "u2", "r1", now.Add(time.Hour))
	require.NoError(t, err)

	due, err := st.ExpiredTempRoles(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, expired, due[0].ID)
	require.Equal(t, "u1", due[0].UserID)

	require.NoError(t, st.DeleteTempRole(ctx, expired))
	due, err = st.ExpiredTempRoles(ctx, now)
	require.NoError(t, err)
	require.Empty(t, due)

	// The future grant surfaces once its expiry passes.
	due, err = st.ExpiredTempRoles(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "u2", due[0].UserID)
}

func TestScheduledEventUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	ev := ScheduledEvent{
		GuildID:   "g1",
		EventID:   "ev1",
		Name:      "Movie Night",
		ChannelID: "c1",
		StartsAt:  now.Add(3 * time.Hour),
	}
	require.NoError(t, st.UpsertScheduledEvent(ctx, ev))

	// Re-upserting the same platform event updates in place.
	ev.Name = "Movie Night (rescheduled)"
	ev.StartsAt = now.Add(5 * time.Hour)
	require.NoError(t, st.UpsertScheduledEvent(ctx, ev))

	upcoming, err := st.UpcomingEvents(ctx, now)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	require.Equal(t, "Movie Night (rescheduled)", upcoming[0].Name)
	require.True(t, upcoming[0].StartsAt.Equal(now.Add(5*time.Hour)))

	// Started events drop out of the upcoming list.
	upcoming, err = st.UpcomingEvents(ctx, now.Add(6*time.Hour))
	require.NoError(t, err)
	require.Empty(t, upcoming)
}

func TestMarkReminderSentDedupes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.MarkReminderSent(ctx, "g1", "ev1", "1h")
	require.NoError(t, err)
	require.True(t, first)

	again, err := st.MarkReminderSent(ctx, "g1", "ev1", "1h")
	require.NoError(t, err)
	require.False(t, again)

	// A different reminder type for the same event is distinct.
	other, err := st.MarkReminderSent(ctx, "g1", "ev1", "15m")
	require.NoError(t, err)
	require.True(t, other)
}

func TestVoiceSessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.StartVoiceSession(ctx, "g1", "u1", "voice-1", now))

	sessions, err := st.VoiceSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "voice-1", sessions[0].ChannelID)
	require.True(t, sessions[0].AccruedUntil.Equal(now))

	// Channel hops restart the cursor.
	require.NoError(t, st.StartVoiceSession(ctx, "g1", "u1", "voice-2", now.Add(10*time.Minute)))
	sessions, err = st.VoiceSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "voice-2", sessions[0].ChannelID)
	require.True(t, sessions[0].JoinedAt.Equal(now.Add(10*time.Minute)))

	require.NoError(t, st.AdvanceVoiceSession(ctx, "g1", "u1", now.Add(70*time.Minute)))
	sessions, err = st.VoiceSessions(ctx)
	require.NoError(t, err)
	require.True(t, sessions[0].AccruedUntil.Equal(now.Add(70*time.Minute)))

	require.NoError(t, st.EndVoiceSession(ctx, "g1", "u1"))
	sessions, err = st.VoiceSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestRecordChannelActivityBuckets(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC)

	require.NoError(t, st.RecordChannelActivity(ctx, "g1", "c1", at))
	require.NoError(t, st.RecordChannelActivity(ctx, "g1", "c1", at.Add(10*time.Minute)))
	require.NoError(t, st.RecordChannelActivity(ctx, "g1", "c1", at.Add(time.Hour)))

	rows, err := st.DB().QueryContext(ctx, `
		SELECT day, hour, messages FROM channel_activity
		WHERE guild_id = ? AND channel_id = ? ORDER BY hour`, "g1", "c1")
	require.NoError(t, err)
	defer rows.Close()

	type bucket struct {
		day      string
		hour     int
		messages int64
	}
	var got []bucket
	for rows.Next() {
		var b bucket
		require.NoError(t, rows.Scan(&b.day, &b.hour, &b.messages))
		got = append(got, b)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []bucket{
		{"2026-03-02", 12, 2},
		{"2026-03-02", 13, 1},
	}, got)
}
