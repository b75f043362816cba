package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guildbot/backend/internal/clock"
)

func newTestScheduler() *Scheduler {
	clk := clock.NewMock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	return New(clk, rand.New(rand.NewSource(1)), nil)
}

func TestTasksWaitForReadyGate(t *testing.T) {
	s := newTestScheduler()
	var runs atomic.Int64
	s.Register(Task{
		Name:       "probe",
		Interval:   10 * time.Millisecond,
		StartDelay: time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, runs.Load(), "nothing runs before the gate opens")

	s.SetReady()
	s.SetReady() // idempotent

	require.Eventually(t, func() bool { return runs.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
}

func TestTaskErrorsDoNotStopLoop(t *testing.T) {
	s := newTestScheduler()
	var runs atomic.Int64
	s.Register(Task{
		Name:       "flaky",
		Interval:   5 * time.Millisecond,
		StartDelay: time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("boom")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.SetReady()
	s.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 3 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
}

func TestCancelBeforeReadyExits(t *testing.T) {
	s := newTestScheduler()
	s.Register(Task{
		Name:       "never",
		Interval:   time.Hour,
		StartDelay: time.Hour,
		Run: func(ctx context.Context) error {
			t.Error("must not run")
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not exit on cancellation")
	}
}

func TestRunWeekly(t *testing.T) {
	// 2026-03-02 is a Monday.
	clk := clock.NewMock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	var runs atomic.Int64
	fn := RunWeekly(clk, time.Monday, 10, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	ctx := context.Background()

	// Wrong hour: no fire.
	require.NoError(t, fn(ctx))
	require.Zero(t, runs.Load())

	// Inside the window: fires exactly once even across repeated ticks.
	clk.Advance(time.Hour)
	require.NoError(t, fn(ctx))
	require.Equal(t, int64(1), runs.Load())
	clk.Advance(10 * time.Minute)
	require.NoError(t, fn(ctx))
	require.Equal(t, int64(1), runs.Load())

	// Past the window the same day: still once.
	clk.Advance(time.Hour)
	require.NoError(t, fn(ctx))
	require.Equal(t, int64(1), runs.Load())

	// Wrong day: no fire.
	clk.Advance(24 * time.Hour)
	require.NoError(t, fn(ctx))
	require.Equal(t, int64(1), runs.Load())

	// Next week's window fires again.
	clk.Advance(6*24*time.Hour - 70*time.Minute)
	require.NoError(t, fn(ctx))
	require.Equal(t, int64(2), runs.Load())
}

func TestRunWeeklyPropagatesError(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC))
	want := errors.New("sweep failed")
	fn := RunWeekly(clk, time.Monday, 10, func(ctx context.Context) error {
		return want
	})
	require.ErrorIs(t, fn(context.Background()), want)
}
