package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// IntervalScheduler drives a task at a fixed interval. A tick that arrives
// while the previous run is still in flight is skipped, never queued, so a
// slow run cannot pile up behind itself. Task errors are logged and
// swallowed; the schedule keeps going.
type IntervalScheduler struct {
	name       string
	interval   time.Duration
	runOnStart bool
	task       func(context.Context) error
	logger     *slog.Logger

	busy    atomic.Bool
	running sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewIntervalScheduler(name string, interval time.Duration, runOnStart bool, task func(context.Context) error, logger *slog.Logger) *IntervalScheduler {
	return &IntervalScheduler{
		name:       name,
		interval:   interval,
		runOnStart: runOnStart,
		task:       task,
		logger:     logger.With("component", "scheduler", "scheduler", name),
	}
}

// Start arms the interval. Calling Start on a running scheduler is a no-op.
func (s *IntervalScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "run_on_start", s.runOnStart)
}

func (s *IntervalScheduler) loop(ctx context.Context) {
	defer close(s.done)

	if s.runOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *IntervalScheduler) tick(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Info("previous run still in flight, skipping tick")
		return
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer s.busy.Store(false)
		if err := s.task(ctx); err != nil {
			s.logger.Error("run error", "error", err)
		}
	}()
}

// Stop cancels the interval and waits for the loop, and any in-flight run,
// to wind down.
func (s *IntervalScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
