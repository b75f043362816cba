// Package scheduler owns the periodic background work: expiry sweeps,
// reminders, escrow release, voice XP accrual, external polling, and
// backups. Each task runs on its own goroutine with a jittered first
// tick, gated on the process becoming ready, and stops cleanly on
// context cancellation without aborting a mid-flight iteration.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/metrics"
)

// TaskFunc is one scheduler iteration. Errors are logged and counted;
// they never stop the loop.
type TaskFunc func(ctx context.Context) error

// Task is a registered periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// StartDelay postpones the first run after the ready gate opens.
	// Zero means a small random jitter so tasks do not thundering-herd
	// the store at boot.
	StartDelay time.Duration
	Run        TaskFunc
}

// Scheduler runs registered tasks until its context is canceled.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	ready   chan struct{}
	once    sync.Once
	clk     clock.Clock
	rng     *rand.Rand
	metrics *metrics.Metrics
	logger  *log.Logger
	wg      sync.WaitGroup
}

// New creates a Scheduler. metrics may be nil.
func New(clk clock.Clock, rng *rand.Rand, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		ready:   make(chan struct{}),
		clk:     clk,
		rng:     rng,
		metrics: m,
		logger:  log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
	}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// SetReady opens the gate; tasks registered with a start delay begin
// counting from here. Safe to call more than once.
func (s *Scheduler) SetReady() {
	s.once.Do(func() { close(s.ready) })
}

// Start launches all registered tasks. It returns immediately; call Wait
// for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, t := range tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.logger.Printf("started %d tasks", len(tasks))
}

// Wait blocks until every task loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	select {
	case <-s.ready:
	case <-ctx.Done():
		return
	}

	delay := t.StartDelay
	if delay == 0 {
		delay = time.Duration(s.rng.Int63n(int64(10 * time.Second)))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, t)
	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	start := time.Now()
	err := t.Run(ctx)
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Printf("task %s failed after %s: %v", t.Name, elapsed, err)
	}
	if s.metrics != nil {
		s.metrics.TaskRuns.WithLabelValues(t.Name, result).Inc()
		s.metrics.TaskDuration.WithLabelValues(t.Name).Observe(elapsed.Seconds())
	}
}

// RunWeekly wraps a task function so it fires only at the given weekday
// and UTC hour, at most once per tick window. The caller registers it
// with a sub-hour interval so the window cannot be skipped by timer skew.
func RunWeekly(clk clock.Clock, weekday time.Weekday, hourUTC int, fn TaskFunc) TaskFunc {
	var lastFired time.Time
	var mu sync.Mutex

	return func(ctx context.Context) error {
		now := clk.Now().UTC()
		if now.Weekday() != weekday || now.Hour() != hourUTC {
			return nil
		}

		mu.Lock()
		sameWindow := !lastFired.IsZero() &&
			lastFired.Year() == now.Year() && lastFired.YearDay() == now.YearDay()
		if !sameWindow {
			lastFired = now
		}
		mu.Unlock()
		if sameWindow {
			return nil
		}
		return fn(ctx)
	}
}
