package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trading_sim/internal/domain"
	"trading_sim/internal/infra"

	"github.com/benbjohnson/clock"
)

// Action is the work run on every tick. It may block; the scheduler runs it
// in its own goroutine and cancels ctx when the task is unsubscribed.
type Action func(ctx context.Context) error

type task struct {
	scope   string
	key     string
	cadence time.Duration
	action  Action

	ctx    context.Context
	cancel context.CancelFunc

	inFlight      atomic.Bool
	lastTriggered atomic.Int64 // unix millis, 0 if never
}

// Scheduler runs periodic tasks grouped by scope. Each task ticks on its own
// cadence and is single-flight: a tick arriving while the previous run has
// not returned is dropped, never queued.
type Scheduler struct {
	clock   clock.Clock
	metrics *infra.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	scopes map[string]map[string]*task
	closed bool

	wg sync.WaitGroup
}

// New creates a scheduler. A nil clock uses wall time; nil metrics uses
// infra.GlobalMetrics.
func New(clk clock.Clock, metrics *infra.Metrics) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Scheduler{
		clock:   clk,
		metrics: metrics,
		logger:  slog.Default().With("module", "scheduler"),
		scopes:  make(map[string]map[string]*task),
	}
}

// Subscribe registers action under (scope, key) to run every cadence.
// The first run happens one cadence after registration; use Handle.Trigger
// for an immediate run.
func (s *Scheduler) Subscribe(scope, key string, cadence time.Duration, action Action) (*Handle, error) {
	if cadence <= 0 {
		return nil, fmt.Errorf("subscribe %s/%s: cadence must be positive", scope, key)
	}
	if action == nil {
		return nil, fmt.Errorf("subscribe %s/%s: nil action", scope, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrSchedulerClosed
	}
	tasks, ok := s.scopes[scope]
	if !ok {
		tasks = make(map[string]*task)
		s.scopes[scope] = tasks
	}
	if _, exists := tasks[key]; exists {
		return nil, fmt.Errorf("subscribe %s/%s: %w", scope, key, domain.ErrDuplicateTask)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		scope:   scope,
		key:     key,
		cadence: cadence,
		action:  action,
		ctx:     ctx,
		cancel:  cancel,
	}
	tasks[key] = t

	// Create the ticker before returning so that clock time advanced by the
	// caller after Subscribe is always observed.
	ticker := s.clock.Ticker(cadence)
	s.wg.Add(1)
	go s.loop(t, ticker)

	s.logger.Debug("Task subscribed",
		slog.String("scope", scope),
		slog.String("key", key),
		slog.Duration("cadence", cadence),
	)
	return &Handle{s: s, t: t}, nil
}

// UnsubscribeAll cancels every task registered under scope. Runs already in
// flight see their context cancelled; their results are the caller's to
// discard.
func (s *Scheduler) UnsubscribeAll(scope string) {
	s.mu.Lock()
	tasks := s.scopes[scope]
	delete(s.scopes, scope)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	if len(tasks) > 0 {
		s.logger.Debug("Scope unsubscribed", slog.String("scope", scope), slog.Int("tasks", len(tasks)))
	}
}

// Shutdown cancels all scopes and waits for loops and running actions.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	scopes := s.scopes
	s.scopes = make(map[string]map[string]*task)
	s.mu.Unlock()

	for _, tasks := range scopes {
		for _, t := range tasks {
			t.cancel()
		}
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Active returns the number of tasks registered under scope.
func (s *Scheduler) Active(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scopes[scope])
}

func (s *Scheduler) loop(t *task, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task loop panic recovered",
				slog.String("scope", t.scope),
				slog.String("key", t.key),
				slog.Any("panic", r),
			)
		}
	}()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			s.fire(t)
		}
	}
}

// fire starts one run of t unless it is cancelled or already in flight.
func (s *Scheduler) fire(t *task) bool {
	if t.ctx.Err() != nil {
		return false
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		s.metrics.RecordDroppedTick()
		s.logger.Debug("Tick dropped, previous run still in flight",
			slog.String("scope", t.scope),
			slog.String("key", t.key),
		)
		return false
	}

	t.lastTriggered.Store(s.clock.Now().UnixMilli())
	s.metrics.RecordTick()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.metrics.RecordTaskFailure()
				s.logger.Error("Task action panic recovered",
					slog.String("scope", t.scope),
					slog.String("key", t.key),
					slog.Any("panic", r),
				)
			}
		}()

		err := t.action(t.ctx)
		if err == nil {
			return
		}
		if t.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		s.metrics.RecordTaskFailure()
		s.logger.Warn("Scheduled task failed",
			slog.String("scope", t.scope),
			slog.String("key", t.key),
			slog.Any("error", err),
		)
	}()
	return true
}

func (s *Scheduler) remove(t *task) {
	s.mu.Lock()
	if tasks, ok := s.scopes[t.scope]; ok && tasks[t.key] == t {
		delete(tasks, t.key)
		if len(tasks) == 0 {
			delete(s.scopes, t.scope)
		}
	}
	s.mu.Unlock()
	t.cancel()
}

// Handle refers to one subscribed task.
type Handle struct {
	s *Scheduler
	t *task
}

// Key returns the task key.
func (h *Handle) Key() string { return h.t.key }

// Scope returns the scope the task was registered under.
func (h *Handle) Scope() string { return h.t.scope }

// InFlight reports whether a run is currently executing.
func (h *Handle) InFlight() bool { return h.t.inFlight.Load() }

// Cancelled reports whether the task has been unsubscribed.
func (h *Handle) Cancelled() bool { return h.t.ctx.Err() != nil }

// LastTriggeredAt returns when the last run started, zero if never.
func (h *Handle) LastTriggeredAt() time.Time {
	ms := h.t.lastTriggered.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Trigger runs the task now, subject to the same single-flight rule as a
// tick. It reports whether a run was started.
func (h *Handle) Trigger() bool {
	h.s.mu.Lock()
	closed := h.s.closed
	if !closed {
		// Keep Shutdown's Wait from racing the Add in fire.
		h.s.wg.Add(1)
	}
	h.s.mu.Unlock()
	if closed {
		return false
	}
	defer h.s.wg.Done()
	return h.s.fire(h.t)
}

// Stop cancels this task only.
func (h *Handle) Stop() { h.s.remove(h.t) }
