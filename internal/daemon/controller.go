package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/worker"
	"github.com/fsnotify/fsnotify"
)

// Process exit codes
const (
	ExitSuccess = 0
	ExitFailure = 255
)

// State is the controller lifecycle state
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Dispatcher is the polling side the controller shuts down
type Dispatcher interface {
	Shutdown()
	Stats() worker.Stats
}

// Scheduler drives dispatcher poll cycles
type Scheduler interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Pool is drained on shutdown
type Pool interface {
	Shutdown(timeout time.Duration) bool
}

// Config holds controller configuration
type Config struct {
	Logger       *slog.Logger
	StopFilePath string
	Dispatcher   Dispatcher
	Scheduler    Scheduler
	Pool         Pool
	DrainTimeout time.Duration
	// SchedulerStopTimeout bounds the wait for a running poll cycle. Defaults to 30s.
	SchedulerStopTimeout time.Duration
}

// Controller starts polling, waits for the stop file and runs the orderly
// shutdown.
type Controller struct {
	logger               *slog.Logger
	stopFilePath         string
	dispatcher           Dispatcher
	scheduler            Scheduler
	pool                 Pool
	drainTimeout         time.Duration
	schedulerStopTimeout time.Duration
	state                atomic.Int32
}

// NewController creates a controller in the NotStarted state
func NewController(cfg *Config) *Controller {
	stopTimeout := cfg.SchedulerStopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}

	return &Controller{
		logger:               cfg.Logger,
		stopFilePath:         cfg.StopFilePath,
		dispatcher:           cfg.Dispatcher,
		scheduler:            cfg.Scheduler,
		pool:                 cfg.Pool,
		drainTimeout:         cfg.DrainTimeout,
		schedulerStopTimeout: stopTimeout,
	}
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) transition(to State) {
	for {
		from := c.State()
		if from == StateStopped || from == StateFailed {
			return
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			c.logger.Debug("Daemon state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			return
		}
	}
}

// Run starts the daemon and blocks until it stops. It returns the process
// exit code. Canceling ctx triggers the same orderly shutdown as the stop file.
func (c *Controller) Run(ctx context.Context) int {
	if c.State() != StateNotStarted {
		c.logger.Error("Daemon already started", slog.String("state", c.State().String()))
		return ExitFailure
	}

	if err := CheckStopFilePath(c.stopFilePath); err != nil {
		return c.fail(err, nil)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return c.fail(fmt.Errorf("failed to create stop file watcher: %w", err), nil)
	}

	stopDir := filepath.Dir(c.stopFilePath)
	if err := watcher.Add(stopDir); err != nil {
		return c.fail(fmt.Errorf("failed to watch %s: %w", stopDir, err), watcher)
	}

	if err := c.scheduler.Start(ctx); err != nil {
		return c.fail(fmt.Errorf("failed to start polling scheduler: %w", err), watcher)
	}

	c.transition(StateRunning)
	c.logger.Info("Daemon started",
		slog.String("stop_file", c.stopFilePath),
	)

	// created between validation and the watch registration
	if fileExists(c.stopFilePath) {
		return c.shutdown(watcher, "stop file created")
	}

	reason, err := c.watch(ctx, watcher)
	if err != nil {
		return c.fail(err, watcher)
	}

	return c.shutdown(watcher, reason)
}

func (c *Controller) watch(ctx context.Context, watcher *fsnotify.Watcher) (string, error) {
	stopName := filepath.Base(c.stopFilePath)

	for {
		select {
		case <-ctx.Done():
			return "context canceled", nil

		case event, ok := <-watcher.Events:
			if !ok {
				return "", errors.New("stop file watch closed unexpectedly")
			}
			if !event.Has(fsnotify.Create) || filepath.Base(event.Name) != stopName {
				continue
			}
			if isDirectory(event.Name) {
				c.logger.Warn("Ignoring directory created with the stop file name",
					slog.String("path", event.Name),
				)
				continue
			}
			return "stop file created", nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return "", errors.New("stop file watch closed unexpectedly")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				c.logger.Warn("Stop file watch overflowed, checking stop file directly")
				if fileExists(c.stopFilePath) {
					return "stop file created", nil
				}
				continue
			}
			return "", fmt.Errorf("stop file watch failed: %w", err)
		}
	}
}

func (c *Controller) shutdown(watcher *fsnotify.Watcher, reason string) int {
	c.transition(StateStopping)
	c.logger.Info("Daemon stopping", slog.String("reason", reason))

	c.stopPolling(watcher)

	if !c.pool.Shutdown(c.drainTimeout) {
		c.logger.Warn("Worker pool drain timed out, exiting with jobs still running",
			slog.Duration("drain_timeout", c.drainTimeout),
		)
	}

	c.transition(StateStopped)
	c.logger.Info("Daemon stopped",
		slog.Any("stats", c.dispatcher.Stats()),
	)
	return ExitSuccess
}

func (c *Controller) fail(err error, watcher *fsnotify.Watcher) int {
	c.transition(StateFailed)
	c.logger.Error("Daemon failed",
		slog.Any("error", err),
	)

	if watcher != nil {
		c.stopPolling(watcher)
		c.pool.Shutdown(c.drainTimeout)
	}

	return ExitFailure
}

// stopPolling closes the watch, raises the dispatcher shutdown flag and stops
// the scheduler. Scheduler errors are logged only.
func (c *Controller) stopPolling(watcher *fsnotify.Watcher) {
	if err := watcher.Close(); err != nil {
		c.logger.Warn("Failed to close stop file watcher", slog.Any("error", err))
	}

	c.dispatcher.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), c.schedulerStopTimeout)
	defer cancel()
	if err := c.scheduler.Stop(ctx); err != nil {
		c.logger.Warn("Failed to stop polling scheduler", slog.Any("error", err))
	}
}
