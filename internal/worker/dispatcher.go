package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
	"github.com/cuongbtq/async-batch-daemon/internal/worker/storage"
)

// RequestStore reads pending job requests and applies guarded status updates
type RequestStore interface {
	Find(ctx context.Context, params storage.QueryParams) ([]domain.JobRequest, error)
	UpdateStatus(ctx context.Context, req *domain.JobRequest, expected domain.PollingStatus) (int64, error)
}

// JobRunner launches a named job with canonical space-delimited parameters
type JobRunner interface {
	Start(ctx context.Context, jobName, jobParameters string) (int64, error)
}

// JobRegistry reports whether jobs can be launched yet
type JobRegistry interface {
	IsRunning() bool
}

// Submitter admits tasks without queueing
type Submitter interface {
	TrySubmit(task Task) error
}

// Config holds dispatcher configuration
type Config struct {
	Logger           *slog.Logger
	Store            RequestStore
	Runner           JobRunner
	Registry         JobRegistry
	Pool             Submitter
	Clock            func() time.Time
	Concurrency      int
	EnablePollingLog bool
	QueryParams      map[string]string
}

// Stats counts dispatcher outcomes since start
type Stats struct {
	Polled             int64
	Claimed            int64
	ClaimRaceLost      int64
	Rejected           int64
	LaunchFailed       int64
	Executed           int64
	ExecutedUpdateLost int64
	Saturated          int64
}

type counters struct {
	polled             atomic.Int64
	claimed            atomic.Int64
	claimRaceLost      atomic.Int64
	rejected           atomic.Int64
	launchFailed       atomic.Int64
	executed           atomic.Int64
	executedUpdateLost atomic.Int64
	saturated          atomic.Int64
}

// Dispatcher polls the request table and hands each pending request to the
// worker pool as a claim-then-run unit.
type Dispatcher struct {
	logger           *slog.Logger
	store            RequestStore
	runner           JobRunner
	registry         JobRegistry
	pool             Submitter
	clock            func() time.Time
	enablePollingLog bool
	queryParams      storage.QueryParams
	shutdown         atomic.Bool
	stats            counters
}

// NewDispatcher creates a dispatcher. Concurrency bounds both the number of
// rows fetched per cycle and the pool size it is paired with.
func NewDispatcher(cfg *Config) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Runner == nil || cfg.Registry == nil || cfg.Pool == nil {
		return nil, errors.New("dispatcher requires a store, runner, registry and pool")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("invalid dispatcher concurrency: %d", cfg.Concurrency)
	}
	if err := storage.ValidateQueryParams(cfg.QueryParams); err != nil {
		return nil, err
	}

	params := storage.QueryParams{storage.PollingRowLimitParam: cfg.Concurrency}
	for key, value := range cfg.QueryParams {
		params[key] = value
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Dispatcher{
		logger:           cfg.Logger,
		store:            cfg.Store,
		runner:           cfg.Runner,
		registry:         cfg.Registry,
		pool:             cfg.Pool,
		clock:            clock,
		enablePollingLog: cfg.EnablePollingLog,
		queryParams:      params,
	}, nil
}

// Poll runs one polling cycle. It is meant to be driven by a Scheduler.
func (d *Dispatcher) Poll(ctx context.Context) {
	if d.enablePollingLog {
		d.logger.Info("Polling processing")
	}

	if d.IsShutdown() {
		d.logger.Debug("Dispatcher is shutting down, skipping poll")
		return
	}

	if !d.registry.IsRunning() {
		d.logger.Info("Job registry is not running, skipping poll")
		return
	}

	requests, err := d.store.Find(ctx, d.queryParams)
	if err != nil {
		d.logger.Error("Failed to poll job requests",
			slog.Any("error", err),
		)
		return
	}
	d.stats.polled.Add(int64(len(requests)))

	for i := range requests {
		req := requests[i]
		req.NormalizeParameters()

		err := d.pool.TrySubmit(func(ctx context.Context) {
			d.executeJob(ctx, &req)
		})
		if err == nil {
			continue
		}

		if errors.Is(err, ErrPoolSaturated) {
			d.stats.saturated.Add(1)
			d.logger.Debug("Worker pool saturated, deferring remaining requests to next poll",
				slog.Int64("job_seq_id", req.SequenceID),
				slog.Int("deferred", len(requests)-i),
			)
		} else {
			d.logger.Warn("Worker pool rejected job request",
				slog.Int64("job_seq_id", req.SequenceID),
				slog.Any("error", err),
			)
		}
		break
	}
}

// Shutdown stops future poll cycles from fetching requests
func (d *Dispatcher) Shutdown() {
	if d.shutdown.CompareAndSwap(false, true) {
		d.logger.Info("Dispatcher shutting down")
	}
}

// IsShutdown reports whether Shutdown was called
func (d *Dispatcher) IsShutdown() bool {
	return d.shutdown.Load()
}

// Stats returns a snapshot of the dispatcher counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Polled:             d.stats.polled.Load(),
		Claimed:            d.stats.claimed.Load(),
		ClaimRaceLost:      d.stats.claimRaceLost.Load(),
		Rejected:           d.stats.rejected.Load(),
		LaunchFailed:       d.stats.launchFailed.Load(),
		Executed:           d.stats.executed.Load(),
		ExecutedUpdateLost: d.stats.executedUpdateLost.Load(),
		Saturated:          d.stats.saturated.Load(),
	}
}

// LogValue renders the stats as a slog group
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("polled", s.Polled),
		slog.Int64("claimed", s.Claimed),
		slog.Int64("claim_race_lost", s.ClaimRaceLost),
		slog.Int64("rejected", s.Rejected),
		slog.Int64("launch_failed", s.LaunchFailed),
		slog.Int64("executed", s.Executed),
		slog.Int64("executed_update_lost", s.ExecutedUpdateLost),
		slog.Int64("saturated", s.Saturated),
	)
}
