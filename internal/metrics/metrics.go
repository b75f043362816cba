// Package metrics holds the Prometheus instruments for the economy core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engagement core.
type Metrics struct {
	// Ledger
	TransactionsTotal *prometheus.CounterVec
	BalanceGauge      *prometheus.GaugeVec

	// Trades
	TradesTotal     *prometheus.CounterVec
	TradeTaxRetained *prometheus.CounterVec

	// Minigames
	MinigameOutcomes *prometheus.CounterVec

	// Rate limiting
	RateLimitRejections *prometheus.CounterVec

	// Scheduler
	TaskRuns     *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// HTTP
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics with the given registerer. Pass
// prometheus.DefaultRegisterer in production; a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "economy_transactions_total",
				Help: "Ledger transactions appended, by kind and currency",
			},
			[]string{"kind", "currency"},
		),

		BalanceGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "economy_guild_balance",
				Help: "Sum of balances per guild and currency, sampled on mutation",
			},
			[]string{"guild_id", "currency"},
		),

		TradesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "economy_trades_total",
				Help: "Trade state transitions",
			},
			[]string{"transition"}, // created, accepted, completed, canceled
		),

		TradeTaxRetained: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "economy_trade_tax_retained_total",
				Help: "Tax retained on completed trades",
			},
			[]string{"currency"},
		),

		MinigameOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "economy_minigame_outcomes_total",
				Help: "Capture and duel outcomes",
			},
			[]string{"game", "outcome"}, // capture/duel, win/loss
		),

		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_rejections_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"reason"}, // cooldown, user_rate_limit, server_rate_limit, spam
		),

		TaskRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_task_runs_total",
				Help: "Scheduler task iterations",
			},
			[]string{"task", "result"}, // result: ok, error
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_task_duration_seconds",
				Help:    "Duration of scheduler task iterations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Dashboard API request latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"route", "method", "status"},
		),
	}
}
