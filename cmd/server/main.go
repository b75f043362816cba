// Command server runs the engagement core: the SQLite store, the
// economy engines, the background scheduler, and the dashboard API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/guildbot/backend/internal/api"
	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/config"
	"github.com/guildbot/backend/internal/ledger"
	"github.com/guildbot/backend/internal/metrics"
	"github.com/guildbot/backend/internal/minigame"
	"github.com/guildbot/backend/internal/moderation"
	"github.com/guildbot/backend/internal/quest"
	"github.com/guildbot/backend/internal/ratelimit"
	"github.com/guildbot/backend/internal/scheduler"
	"github.com/guildbot/backend/internal/shop"
	"github.com/guildbot/backend/internal/store"
	"github.com/guildbot/backend/internal/trade"
)

func main() {
	envPath := flag.String("env", ".env", "path to the env file")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	logger := slog.Default().With("component", "main")
	logger.Info("starting engagement core", "db", cfg.DatabasePath)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return err
	}

	recovered, err := store.RecoverIfCorrupt(ctx, cfg.DatabasePath, cfg.BackupDir)
	if err != nil {
		return err
	}
	if recovered {
		logger.Warn("database was corrupt; restored latest snapshot")
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx, cfg.BackupDir); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	clk := clock.System{}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	led := ledger.New(st, clk, m)
	quests := quest.New(st, led, clk, rng)
	shopEngine := shop.New(st, led, clk)
	minigames := minigame.New(st, led, shopEngine, clk, rng, m)
	trades := trade.New(st, led, clk, m)
	mod := moderation.New(st, clk)
	limiter := ratelimit.New(ratelimit.DefaultConfig(), clk, m)

	server := api.NewServer(api.Deps{
		Store:      st,
		Ledger:     led,
		Quests:     quests,
		Shop:       shopEngine,
		Minigames:  minigames,
		Trades:     trades,
		Moderation: mod,
		Clock:      clk,
		Metrics:    m,
		Gatherer:   registry,
		Config:     cfg,
	})

	sched := scheduler.New(clk, rng, m)
	notifier := scheduler.NopNotifier{}
	sched.Register(scheduler.TempRoleExpiry(st, clk, notifier))
	sched.Register(scheduler.EventReminders(st, clk, notifier))
	sched.Register(scheduler.WeeklyChallenge(st, quests, clk, notifier))
	sched.Register(scheduler.TradeSweeper(trades))
	sched.Register(scheduler.VoiceXP(st, led, clk, rng))
	sched.Register(scheduler.ExternalFeeds(st, nil, notifier, cfg.PollInterval))
	sched.Register(scheduler.Backup(st, cfg.BackupDir, cfg.BackupKeep, cfg.BackupEvery))
	sched.Register(scheduler.WarnDecay(mod))
	sched.Register(scheduler.EffectPrune(shopEngine))
	sched.Register(scheduler.RateLimitCleanup(limiter))

	sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sched.SetReady()
	logger.Info("ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown", "err", err)
	}

	stop()
	sched.Wait()

	// Store closes last (deferred) so in-flight task commits land.
	logger.Info("stopped")
	return nil
}
