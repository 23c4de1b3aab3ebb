package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrSchedulerStopped is returned when stopping a scheduler that was already stopped
	ErrSchedulerStopped = errors.New("scheduler already stopped")

	// ErrSchedulerStarted is returned when starting a scheduler twice
	ErrSchedulerStarted = errors.New("scheduler already started")
)

// Scheduler runs a task on a single goroutine with a fixed delay between the
// end of one run and the start of the next.
type Scheduler struct {
	logger       *slog.Logger
	initialDelay time.Duration
	period       time.Duration
	task         func(ctx context.Context)

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewScheduler creates a scheduler for task. Nothing runs until Start.
func NewScheduler(logger *slog.Logger, initialDelay, period time.Duration, task func(ctx context.Context)) *Scheduler {
	return &Scheduler{
		logger:       logger,
		initialDelay: initialDelay,
		period:       period,
		task:         task,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the scheduling goroutine
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}
	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true

	s.logger.Info("Scheduler started",
		slog.Duration("initial_delay", s.initialDelay),
		slog.Duration("period", s.period),
	)

	go s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.runOnce(ctx)
		timer.Reset(s.period)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	s.task(ctx)
}

// Stop prevents future runs and waits, bounded by ctx, for a running one
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	s.stopped = true
	started := s.started
	close(s.stopCh)
	s.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-s.done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop: %w", ctx.Err())
	}
}
