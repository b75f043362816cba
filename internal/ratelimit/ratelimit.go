// Package ratelimit enforces per-user and per-guild sliding windows,
// per-command cooldowns, and repeat-command spam detection. Counters live
// in process memory; the HTTP thread never touches them.
package ratelimit

import (
	"log"
	"sync"
	"time"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/metrics"
)

// Config defines the limiter thresholds.
type Config struct {
	UserLimit     int           // max requests per user window
	UserWindow    time.Duration
	GuildLimit    int           // max requests per guild window
	GuildWindow   time.Duration
	SpamThreshold int           // identical commands within SpamWindow
	SpamWindow    time.Duration
}

// DefaultConfig mirrors the production tuning.
func DefaultConfig() Config {
	return Config{
		UserLimit:     10,
		UserWindow:    time.Minute,
		GuildLimit:    120,
		GuildWindow:   time.Minute,
		SpamThreshold: 5,
		SpamWindow:    15 * time.Second,
	}
}

// Result reports the limiter decision. RetryAfter is meaningful only when
// Limited is set.
type Result struct {
	Limited    bool
	RetryAfter time.Duration
	Reason     string // cooldown, user_rate_limit, server_rate_limit, spam
}

type commandStamp struct {
	command string
	at      time.Time
}

// Limiter maintains the in-memory counters. Access is mutex-guarded:
// bot-side dispatch is cooperative, but cleanup runs from the scheduler.
type Limiter struct {
	mu  sync.Mutex
	cfg Config
	clk clock.Clock

	userWindows  map[string][]time.Time    // user key -> timestamps
	guildWindows map[string][]time.Time    // guild id -> timestamps
	cooldowns    map[string]time.Time      // user:command -> last use
	recent       map[string][]commandStamp // user key -> recent commands
	spamBlocks   map[string]time.Time      // user key -> blocked until

	metrics *metrics.Metrics
	logger  *log.Logger
}

// New creates a Limiter. metrics may be nil.
func New(cfg Config, clk clock.Clock, m *metrics.Metrics) *Limiter {
	return &Limiter{
		cfg:          cfg,
		clk:          clk,
		userWindows:  make(map[string][]time.Time),
		guildWindows: make(map[string][]time.Time),
		cooldowns:    make(map[string]time.Time),
		recent:       make(map[string][]commandStamp),
		spamBlocks:   make(map[string]time.Time),
		metrics:      m,
		logger:       log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Check runs the combined gate in order: cooldown, spam, user window,
// guild window. On success the current timestamp is recorded in both
// windows and the command cooldown is stamped.
func (l *Limiter) Check(guildID, userID, command string, cooldown time.Duration) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	userKey := guildID + ":" + userID

	// Per-command cooldown.
	if cooldown > 0 {
		cdKey := userKey + ":" + command
		if last, ok := l.cooldowns[cdKey]; ok {
			if elapsed := now.Sub(last); elapsed < cooldown {
				return l.reject("cooldown", cooldown-elapsed)
			}
		}
	}

	// Active spam block.
	if until, ok := l.spamBlocks[userKey]; ok {
		if now.Before(until) {
			return l.reject("spam", until.Sub(now))
		}
		delete(l.spamBlocks, userKey)
	}

	// Repeat-command spam detection.
	recent := evictStamps(l.recent[userKey], now.Add(-l.cfg.SpamWindow))
	same := 0
	for _, st := range recent {
		if st.command == command {
			same++
		}
	}
	if same+1 >= l.cfg.SpamThreshold {
		until := now.Add(l.cfg.SpamWindow)
		l.spamBlocks[userKey] = until
		l.recent[userKey] = recent
		l.logger.Printf("spam block: user=%s command=%s", userKey, command)
		return l.reject("spam", l.cfg.SpamWindow)
	}

	// User sliding window.
	userTimes := evict(l.userWindows[userKey], now.Add(-l.cfg.UserWindow))
	if len(userTimes) >= l.cfg.UserLimit {
		retry := userTimes[0].Add(l.cfg.UserWindow).Sub(now)
		l.userWindows[userKey] = userTimes
		return l.reject("user_rate_limit", retry)
	}

	// Guild sliding window.
	guildTimes := evict(l.guildWindows[guildID], now.Add(-l.cfg.GuildWindow))
	if len(guildTimes) >= l.cfg.GuildLimit {
		retry := guildTimes[0].Add(l.cfg.GuildWindow).Sub(now)
		l.guildWindows[guildID] = guildTimes
		return l.reject("server_rate_limit", retry)
	}

	// Admit: record everywhere.
	l.userWindows[userKey] = append(userTimes, now)
	l.guildWindows[guildID] = append(guildTimes, now)
	l.recent[userKey] = append(recent, commandStamp{command: command, at: now})
	if cooldown > 0 {
		l.cooldowns[userKey+":"+command] = now
	}
	return Result{}
}

func (l *Limiter) reject(reason string, retryAfter time.Duration) Result {
	if retryAfter < 0 {
		retryAfter = 0
	}
	if l.metrics != nil {
		l.metrics.RateLimitRejections.WithLabelValues(reason).Inc()
	}
	return Result{Limited: true, RetryAfter: retryAfter, Reason: reason}
}

// Cleanup prunes empty windows and cooldown stamps older than an hour to
// bound memory. Called periodically by the scheduler.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()

	for key, times := range l.userWindows {
		times = evict(times, now.Add(-l.cfg.UserWindow))
		if len(times) == 0 {
			delete(l.userWindows, key)
		} else {
			l.userWindows[key] = times
		}
	}
	for key, times := range l.guildWindows {
		times = evict(times, now.Add(-l.cfg.GuildWindow))
		if len(times) == 0 {
			delete(l.guildWindows, key)
		} else {
			l.guildWindows[key] = times
		}
	}
	for key, last := range l.cooldowns {
		if now.Sub(last) > time.Hour {
			delete(l.cooldowns, key)
		}
	}
	for key, stamps := range l.recent {
		stamps = evictStamps(stamps, now.Add(-l.cfg.SpamWindow))
		if len(stamps) == 0 {
			delete(l.recent, key)
		} else {
			l.recent[key] = stamps
		}
	}
	for key, until := range l.spamBlocks {
		if now.After(until) {
			delete(l.spamBlocks, key)
		}
	}
}

// Stats returns counter sizes for the admin surface.
func (l *Limiter) Stats() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]int{
		"user_windows":  len(l.userWindows),
		"guild_windows": len(l.guildWindows),
		"cooldowns":     len(l.cooldowns),
		"spam_blocks":   len(l.spamBlocks),
	}
}

func evict(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

func evictStamps(stamps []commandStamp, cutoff time.Time) []commandStamp {
	i := 0
	for i < len(stamps) && !stamps[i].at.After(cutoff) {
		i++
	}
	return stamps[i:]
}
