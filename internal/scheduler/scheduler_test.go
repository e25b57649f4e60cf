package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"trading_sim/internal/domain"
	"trading_sim/internal/infra"

	"github.com/benbjohnson/clock"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Mock, *infra.Metrics) {
	clk := clock.NewMock()
	m := &infra.Metrics{}
	s := New(clk, m)
	t.Cleanup(s.Shutdown)
	return s, clk, m
}

func TestScheduler_TicksOnCadence(t *testing.T) {
	s, clk, m := newTestScheduler(t)

	var runs atomic.Int32
	h, err := s.Subscribe("AAPL", "chart", 5*time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	clk.Add(4 * time.Second)
	if runs.Load() != 0 {
		t.Fatal("Task must not run before its first cadence boundary")
	}

	clk.Add(time.Second)
	waitFor(t, func() bool { return runs.Load() == 1 })
	waitFor(t, func() bool { return !h.InFlight() })

	clk.Add(5 * time.Second)
	waitFor(t, func() bool { return runs.Load() == 2 })

	if h.LastTriggeredAt().IsZero() {
		t.Error("LastTriggeredAt should be set after a run")
	}
	if snap := m.Snapshot(); snap.TicksRun != 2 {
		t.Errorf("Expected 2 ticks recorded, got %d", snap.TicksRun)
	}
}

func TestScheduler_SingleFlight(t *testing.T) {
	s, _, m := newTestScheduler(t)

	release := make(chan struct{})
	var current, maxSeen, runs atomic.Int32
	h, err := s.Subscribe("AAPL", "quote", 30*time.Second, func(ctx context.Context) error {
		n := current.Add(1)
		for {
			old := maxSeen.Load()
			if n <= old || maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
		runs.Add(1)
		<-release
		current.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if !s.fire(h.t) {
		t.Fatal("First fire should start a run")
	}
	waitFor(t, func() bool { return runs.Load() == 1 })

	for i := 0; i < 5; i++ {
		if s.fire(h.t) {
			t.Fatal("Fire while in flight must be dropped")
		}
	}
	if !h.InFlight() {
		t.Error("Expected task in flight")
	}

	close(release)
	waitFor(t, func() bool { return !h.InFlight() })

	if !s.fire(h.t) {
		t.Fatal("Fire after completion should start a new run")
	}
	waitFor(t, func() bool { return runs.Load() == 2 })

	if maxSeen.Load() != 1 {
		t.Errorf("In-flight counter exceeded 1: %d", maxSeen.Load())
	}
	if snap := m.Snapshot(); snap.TicksDropped != 5 {
		t.Errorf("Expected 5 dropped ticks, got %d", snap.TicksDropped)
	}
}

func TestScheduler_SlowActionNeverOverlaps(t *testing.T) {
	s, clk, _ := newTestScheduler(t)

	release := make(chan struct{})
	var current, maxSeen atomic.Int32
	_, err := s.Subscribe("AAPL", "chart", 5*time.Second, func(ctx context.Context) error {
		n := current.Add(1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		current.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 6; i++ {
		clk.Add(5 * time.Second)
	}
	waitFor(t, func() bool { return current.Load() == 1 })
	if maxSeen.Load() != 1 {
		t.Errorf("Expected at most one concurrent run, saw %d", maxSeen.Load())
	}
	close(release)
}

func TestScheduler_FailureDoesNotStopTask(t *testing.T) {
	s, clk, m := newTestScheduler(t)

	var runs atomic.Int32
	h, _ := s.Subscribe("AAPL", "quote", 30*time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return domain.NewNetworkError("get quote", errors.New("timeout"))
	})

	for i := 1; i <= 3; i++ {
		clk.Add(30 * time.Second)
		want := int32(i)
		waitFor(t, func() bool { return runs.Load() == want })
		waitFor(t, func() bool { return !h.InFlight() })
	}

	waitFor(t, func() bool { return m.Snapshot().TaskFailures == 3 })
}

func TestScheduler_UnsubscribeAllCancelsScope(t *testing.T) {
	s, clk, _ := newTestScheduler(t)

	var oldRuns, newRuns atomic.Int32
	cancelled := make(chan struct{})
	started := make(chan struct{})

	quote, _ := s.Subscribe("AAPL", "quote", 30*time.Second, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	chart, _ := s.Subscribe("AAPL", "chart", 5*time.Second, func(ctx context.Context) error {
		oldRuns.Add(1)
		return nil
	})
	s.Subscribe("MSFT", "chart", 5*time.Second, func(ctx context.Context) error {
		newRuns.Add(1)
		return nil
	})

	quote.Trigger()
	<-started

	s.UnsubscribeAll("AAPL")

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("In-flight action should observe cancellation")
	}
	if !quote.Cancelled() || !chart.Cancelled() {
		t.Error("Expected all AAPL handles cancelled")
	}
	if s.Active("AAPL") != 0 || s.Active("MSFT") != 1 {
		t.Errorf("Active tasks: AAPL=%d MSFT=%d", s.Active("AAPL"), s.Active("MSFT"))
	}

	clk.Add(5 * time.Second)
	waitFor(t, func() bool { return newRuns.Load() == 1 })
	if oldRuns.Load() != 0 {
		t.Error("Cancelled scope must not tick")
	}
}

func TestScheduler_TriggerRunsImmediately(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	ran := make(chan struct{}, 1)
	h, _ := s.Subscribe("AAPL", "quote", 30*time.Second, func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	})

	if !h.Trigger() {
		t.Fatal("Trigger should start a run")
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Triggered action did not run")
	}

	h.Stop()
	if h.Trigger() {
		t.Error("Trigger on a stopped task must not run")
	}
	if s.Active("AAPL") != 0 {
		t.Error("Stop should remove the task")
	}
}

func TestScheduler_SubscribeErrors(t *testing.T) {
	s := New(clock.NewMock(), &infra.Metrics{})
	noop := func(ctx context.Context) error { return nil }

	if _, err := s.Subscribe("AAPL", "quote", 0, noop); err == nil {
		t.Error("Expected error for non-positive cadence")
	}
	if _, err := s.Subscribe("AAPL", "quote", time.Second, nil); err == nil {
		t.Error("Expected error for nil action")
	}
	if _, err := s.Subscribe("AAPL", "quote", time.Second, noop); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := s.Subscribe("AAPL", "quote", time.Second, noop); !errors.Is(err, domain.ErrDuplicateTask) {
		t.Errorf("Expected ErrDuplicateTask, got %v", err)
	}

	s.Shutdown()
	if _, err := s.Subscribe("MSFT", "quote", time.Second, noop); !errors.Is(err, domain.ErrSchedulerClosed) {
		t.Errorf("Expected ErrSchedulerClosed, got %v", err)
	}
}
