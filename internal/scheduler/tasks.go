package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/ledger"
	"github.com/guildbot/backend/internal/moderation"
	"github.com/guildbot/backend/internal/quest"
	"github.com/guildbot/backend/internal/ratelimit"
	"github.com/guildbot/backend/internal/shop"
	"github.com/guildbot/backend/internal/store"
	"github.com/guildbot/backend/internal/trade"
)

// Notifier receives the outward side effects of scheduler tasks. The
// chat-platform adapter implements it; NopNotifier keeps the core
// runnable without one.
type Notifier interface {
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
	PostEventReminder(ctx context.Context, ev store.ScheduledEvent, reminderType string) error
	PostWeeklyChallenge(ctx context.Context, guildID string, tpl core.QuestTemplate) error
	PostFeedUpdate(ctx context.Context, sub store.FeedSubscription, itemID, title string) error
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) RemoveRole(context.Context, string, string, string) error { return nil }
func (NopNotifier) PostEventReminder(context.Context, store.ScheduledEvent, string) error {
	return nil
}
func (NopNotifier) PostWeeklyChallenge(context.Context, string, core.QuestTemplate) error {
	return nil
}
func (NopNotifier) PostFeedUpdate(context.Context, store.FeedSubscription, string, string) error {
	return nil
}

// Poller queries one external feed and reports its newest item.
type Poller interface {
	Latest(ctx context.Context, ref string) (itemID, title string, err error)
}

// TempRoleExpiry deletes elapsed role grants and asks the platform to
// remove the role.
func TempRoleExpiry(st *store.Store, clk clock.Clock, notifier Notifier) Task {
	return Task{
		Name:     "temp_role_expiry",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			expired, err := st.ExpiredTempRoles(ctx, clk.Now())
			if err != nil {
				return err
			}
			for _, tr := range expired {
				if err := notifier.RemoveRole(ctx, tr.GuildID, tr.UserID, tr.RoleID); err != nil {
					return fmt.Errorf("remove role %s for %s: %w", tr.RoleID, tr.UserID, err)
				}
				if err := st.DeleteTempRole(ctx, tr.ID); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// EventReminders posts 24h and 1h reminders for upcoming events, deduped
// per (guild, event, type).
func EventReminders(st *store.Store, clk clock.Clock, notifier Notifier) Task {
	return Task{
		Name:     "event_reminders",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			now := clk.Now()
			events, err := st.UpcomingEvents(ctx, now)
			if err != nil {
				return err
			}
			for _, ev := range events {
				delta := ev.StartsAt.Sub(now)

				var reminderType string
				switch {
				case delta >= 23*time.Hour && delta <= 25*time.Hour:
					reminderType = "24h"
				case delta >= 30*time.Minute && delta <= 90*time.Minute:
					reminderType = "1h"
				default:
					continue
				}

				fresh, err := st.MarkReminderSent(ctx, ev.GuildID, ev.EventID, reminderType)
				if err != nil {
					return err
				}
				if !fresh {
					continue
				}
				if err := notifier.PostEventReminder(ctx, ev, reminderType); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// WeeklyChallenge posts one random active quest template per guild on
// Monday 09:00 UTC and records it in the challenge history.
func WeeklyChallenge(st *store.Store, q *quest.Engine, clk clock.Clock, notifier Notifier) Task {
	return Task{
		Name:     "weekly_challenge",
		Interval: 10 * time.Minute,
		Run: RunWeekly(clk, time.Monday, 9, func(ctx context.Context) error {
			rows, err := st.DB().QueryContext(ctx, "SELECT guild_id FROM guild_settings")
			if err != nil {
				return err
			}
			var guilds []string
			for rows.Next() {
				var g string
				if err := rows.Scan(&g); err != nil {
					rows.Close()
					return err
				}
				guilds = append(guilds, g)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			for _, guildID := range guilds {
				tpl, err := q.RandomActiveTemplate(ctx)
				if err == core.ErrNotFound {
					continue
				}
				if err != nil {
					return err
				}
				if err := notifier.PostWeeklyChallenge(ctx, guildID, tpl); err != nil {
					return err
				}
				if _, err := st.DB().ExecContext(ctx, `
					INSERT INTO weekly_challenge_history (guild_id, quest_id, posted_at)
					VALUES (?, ?, ?)`, guildID, tpl.ID, clk.Now()); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

// TradeSweeper releases escrowed trades whose delay has elapsed.
func TradeSweeper(tr *trade.Engine) Task {
	return Task{
		Name:     "trade_sweeper",
		Interval: time.Minute,
		Run: func(ctx context.Context) error {
			_, err := tr.CompleteDue(ctx)
			return err
		},
	}
}

// VoiceXP awards 15-25 XP per whole hour spent in voice, advancing each
// session's accrual cursor by the hours it was paid for.
func VoiceXP(st *store.Store, led *ledger.Ledger, clk clock.Clock, rng *rand.Rand) Task {
	return Task{
		Name:     "voice_xp",
		Interval: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			now := clk.Now()
			sessions, err := st.VoiceSessions(ctx)
			if err != nil {
				return err
			}
			for _, vs := range sessions {
				hours := int64(now.Sub(vs.AccruedUntil).Hours())
				if hours < 1 {
					continue
				}
				perHour := 15 + rng.Int63n(11)
				xp := float64(perHour * hours)
				if _, err := led.AddXP(ctx, vs.GuildID, vs.UserID, xp,
					string(core.TxVoiceXP), &ledger.Ref{Metadata: map[string]string{
						"hours":   fmt.Sprintf("%d", hours),
						"channel": vs.ChannelID,
					}}); err != nil {
					return err
				}
				until := vs.AccruedUntil.Add(time.Duration(hours) * time.Hour)
				if err := st.AdvanceVoiceSession(ctx, vs.GuildID, vs.UserID, until); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// ExternalFeeds polls each subscribed feed and announces unseen items.
// pollers maps a feed table name to its client; tables without a client
// are skipped.
func ExternalFeeds(st *store.Store, pollers map[string]Poller, notifier Notifier, interval time.Duration) Task {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return Task{
		Name:     "external_feeds",
		Interval: interval,
		Run: func(ctx context.Context) error {
			rows, err := st.DB().QueryContext(ctx, "SELECT DISTINCT guild_id FROM guild_settings")
			if err != nil {
				return err
			}
			var guilds []string
			for rows.Next() {
				var g string
				if err := rows.Scan(&g); err != nil {
					rows.Close()
					return err
				}
				guilds = append(guilds, g)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			for table, poller := range pollers {
				for _, guildID := range guilds {
					subs, err := st.ListFeedSubscriptions(ctx, table, guildID)
					if err != nil {
						return err
					}
					for _, sub := range subs {
						itemID, title, err := poller.Latest(ctx, sub.Ref)
						if err != nil {
							return fmt.Errorf("poll %s %q: %w", table, sub.Ref, err)
						}
						if itemID == "" || itemID == sub.LastSeenID {
							continue
						}
						if err := notifier.PostFeedUpdate(ctx, sub, itemID, title); err != nil {
							return err
						}
						if err := st.MarkFeedSeen(ctx, table, sub.ID, itemID); err != nil {
							return err
						}
					}
				}
			}
			return nil
		},
	}
}

// Backup snapshots the database, verifies the copy, and rotates old
// snapshots.
func Backup(st *store.Store, dir string, keep int, interval time.Duration) Task {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return Task{
		Name:       "db_backup",
		Interval:   interval,
		StartDelay: time.Minute,
		Run: func(ctx context.Context) error {
			if _, err := st.Backup(ctx, dir); err != nil {
				return err
			}
			return st.RotateBackups(dir, keep)
		},
	}
}

// WarnDecay walks warn counters and decrements those past their decay
// interval.
func WarnDecay(mod *moderation.Engine) Task {
	return Task{
		Name:     "warn_decay",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			_, err := mod.DecayWarnings(ctx)
			return err
		},
	}
}

// EffectPrune clears expired shop effects.
func EffectPrune(sh *shop.Engine) Task {
	return Task{
		Name:     "effect_prune",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			_, err := sh.PruneExpiredEffects(ctx)
			return err
		},
	}
}

// RateLimitCleanup prunes stale in-memory limiter counters.
func RateLimitCleanup(l *ratelimit.Limiter) Task {
	return Task{
		Name:     "ratelimit_cleanup",
		Interval: 10 * time.Minute,
		Run: func(ctx context.Context) error {
			l.Cleanup()
			return nil
		},
	}
}
