package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
	"github.com/cuongbtq/async-batch-daemon/internal/worker/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func pending(seqID int64, jobName string, params *string) domain.JobRequest {
	return domain.JobRequest{
		SequenceID:    seqID,
		JobName:       jobName,
		JobParameter:  params,
		PollingStatus: domain.PollingStatusInit,
		CreatedAt:     fixedNow.Add(-time.Hour),
		UpdatedAt:     fixedNow.Add(-time.Hour),
	}
}

func strPtr(s string) *string { return &s }

type dispatcherFixture struct {
	store      *memoryStore
	runner     *fakeRunner
	pool       *Pool
	dispatcher *Dispatcher
}

func newDispatcherFixture(t *testing.T, concurrency int, registry JobRegistry, reqs ...domain.JobRequest) *dispatcherFixture {
	t.Helper()

	f := &dispatcherFixture{
		store:  newMemoryStore(reqs...),
		runner: &fakeRunner{},
		pool:   NewPool(concurrency, discardLogger),
	}

	d, err := NewDispatcher(&Config{
		Logger:           discardLogger,
		Store:            f.store,
		Runner:           f.runner,
		Registry:         registry,
		Pool:             f.pool,
		Clock:            func() time.Time { return fixedNow },
		Concurrency:      concurrency,
		EnablePollingLog: true,
	})
	require.NoError(t, err)
	f.dispatcher = d

	t.Cleanup(func() { f.pool.Shutdown(time.Second) })
	return f
}

func (f *dispatcherFixture) drain(t *testing.T) {
	t.Helper()
	assert.Eventually(t, func() bool { return f.pool.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNewDispatcher(t *testing.T) {
	base := func() *Config {
		return &Config{
			Logger:      discardLogger,
			Store:       newMemoryStore(),
			Runner:      &fakeRunner{},
			Registry:    staticRegistry(true),
			Pool:        NewPool(1, discardLogger),
			Concurrency: 3,
		}
	}

	t.Run("merges row limit with optional params", func(t *testing.T) {
		cfg := base()
		cfg.QueryParams = map[string]string{"job_name": "report"}

		d, err := NewDispatcher(cfg)
		require.NoError(t, err)
		assert.Equal(t, storage.QueryParams{storage.PollingRowLimitParam: 3, "job_name": "report"}, d.queryParams)
	})

	t.Run("rejects unknown query params", func(t *testing.T) {
		cfg := base()
		cfg.QueryParams = map[string]string{"polling_status": "POLLED"}

		_, err := NewDispatcher(cfg)
		assert.Error(t, err)
	})

	t.Run("rejects non positive concurrency", func(t *testing.T) {
		cfg := base()
		cfg.Concurrency = 0

		_, err := NewDispatcher(cfg)
		assert.Error(t, err)
	})

	t.Run("requires collaborators", func(t *testing.T) {
		cfg := base()
		cfg.Runner = nil

		_, err := NewDispatcher(cfg)
		assert.Error(t, err)
	})
}

func TestDispatcher_PollLaunchesAndRecordsExecution(t *testing.T) {
	f := newDispatcherFixture(t, 3, staticRegistry(true),
		pending(1, "report", strPtr("a=1,b=2")),
		pending(2, "cleanup", nil),
	)

	f.dispatcher.Poll(context.Background())
	f.drain(t)

	launches := f.runner.recorded()
	require.Len(t, launches, 2)
	assert.ElementsMatch(t, []launch{
		{jobName: "report", parameters: "a=1 b=2"},
		{jobName: "cleanup", parameters: ""},
	}, launches)

	for _, seqID := range []int64{1, 2} {
		row := f.store.get(seqID)
		assert.Equal(t, domain.PollingStatusExecuted, row.PollingStatus)
		require.NotNil(t, row.ExecutionID)
		assert.Equal(t, fixedNow, row.UpdatedAt)
	}

	stats := f.dispatcher.Stats()
	assert.Equal(t, int64(2), stats.Polled)
	assert.Equal(t, int64(2), stats.Claimed)
	assert.Equal(t, int64(2), stats.Executed)
	assert.Equal(t, 3, f.store.lastQuery[storage.PollingRowLimitParam])
}

func TestDispatcher_SaturationLeavesRemainingRowsPending(t *testing.T) {
	reqs := make([]domain.JobRequest, 0, 5)
	for i := int64(1); i <= 5; i++ {
		reqs = append(reqs, pending(i, "report", nil))
	}

	f := newDispatcherFixture(t, 3, staticRegistry(true), reqs...)
	release := make(chan struct{})
	f.runner.start = func(ctx context.Context, jobName, jobParameters string) error {
		<-release
		return nil
	}

	f.dispatcher.Poll(context.Background())

	assert.Eventually(t, func() bool {
		return f.store.countStatus(domain.PollingStatusPolled) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.store.countStatus(domain.PollingStatusInit))

	// a busy pool defers the pending rows again
	f.dispatcher.Poll(context.Background())
	assert.Equal(t, 2, f.store.countStatus(domain.PollingStatusInit))
	assert.Equal(t, int64(1), f.dispatcher.Stats().Saturated)

	close(release)
	f.drain(t)
	assert.Equal(t, 3, f.store.countStatus(domain.PollingStatusExecuted))
	assert.Equal(t, domain.PollingStatusInit, f.store.get(4).PollingStatus)
	assert.Equal(t, domain.PollingStatusInit, f.store.get(5).PollingStatus)

	f.dispatcher.Poll(context.Background())
	f.drain(t)
	assert.Equal(t, 5, f.store.countStatus(domain.PollingStatusExecuted))
}

func TestDispatcher_RejectionStillEndsExecuted(t *testing.T) {
	tests := []struct {
		name         string
		start        func(ctx context.Context, jobName, jobParameters string) error
		wantRejected int64
		wantFailed   int64
	}{
		{
			name: "job not found",
			start: func(ctx context.Context, jobName, jobParameters string) error {
				return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobName)
			},
			wantRejected: 1,
		},
		{
			name: "already running",
			start: func(ctx context.Context, jobName, jobParameters string) error {
				return domain.ErrJobAlreadyRunning
			},
			wantRejected: 1,
		},
		{
			name: "invalid parameters",
			start: func(ctx context.Context, jobName, jobParameters string) error {
				return domain.ErrInvalidParameters
			},
			wantRejected: 1,
		},
		{
			name: "unexpected error",
			start: func(ctx context.Context, jobName, jobParameters string) error {
				return errBoom
			},
			wantFailed: 1,
		},
		{
			name: "panic",
			start: func(ctx context.Context, jobName, jobParameters string) error {
				panic("runner exploded")
			},
			wantFailed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t, 1, staticRegistry(true), pending(7, "report", nil))
			f.runner.start = tt.start

			f.dispatcher.Poll(context.Background())
			f.drain(t)

			row := f.store.get(7)
			assert.Equal(t, domain.PollingStatusExecuted, row.PollingStatus)
			assert.Nil(t, row.ExecutionID)

			stats := f.dispatcher.Stats()
			assert.Equal(t, tt.wantRejected, stats.Rejected)
			assert.Equal(t, tt.wantFailed, stats.LaunchFailed)
			assert.Equal(t, int64(1), stats.Executed)
		})
	}
}

func TestDispatcher_LostClaimSkipsLaunch(t *testing.T) {
	f := newDispatcherFixture(t, 2, staticRegistry(true), pending(1, "report", nil))
	// another instance claims the row between fetch and claim
	f.store.afterFind = func(rows map[int64]*domain.JobRequest) {
		rows[1].PollingStatus = domain.PollingStatusPolled
	}

	f.dispatcher.Poll(context.Background())
	f.drain(t)

	assert.Empty(t, f.runner.recorded())
	assert.Equal(t, int64(1), f.dispatcher.Stats().ClaimRaceLost)
	assert.Equal(t, domain.PollingStatusPolled, f.store.get(1).PollingStatus)
}

func TestDispatcher_StoreUpdateErrorCountsAsLostClaim(t *testing.T) {
	f := newDispatcherFixture(t, 1, staticRegistry(true), pending(1, "report", nil))
	f.store.updateErr = errBoom

	f.dispatcher.Poll(context.Background())
	f.drain(t)

	assert.Empty(t, f.runner.recorded())
	assert.Equal(t, int64(1), f.dispatcher.Stats().ClaimRaceLost)
}

func TestDispatcher_IntegrityViolationStopsDispatch(t *testing.T) {
	f := newDispatcherFixture(t, 1, staticRegistry(true), pending(1, "report", nil))
	f.store.updateErr = fmt.Errorf("%w: 2 rows matched job_seq_id 1", domain.ErrIntegrityViolation)

	f.dispatcher.Poll(context.Background())
	f.drain(t)

	assert.Empty(t, f.runner.recorded())
	assert.True(t, f.dispatcher.IsShutdown())

	f.dispatcher.Poll(context.Background())
	assert.Equal(t, 1, f.store.finds())
}

func TestDispatcher_RefusesIllegalTransition(t *testing.T) {
	f := newDispatcherFixture(t, 1, staticRegistry(true), pending(1, "report", nil))

	claim := f.store.get(1)
	claim.PollingStatus = domain.PollingStatusExecuted

	assert.False(t, f.dispatcher.updateRequestTable(context.Background(), &claim, domain.PollingStatusInit))
	assert.Equal(t, domain.PollingStatusInit, f.store.get(1).PollingStatus)
	assert.False(t, f.dispatcher.IsShutdown())
}

func TestDispatcher_ExecutedUpdateLost(t *testing.T) {
	f := newDispatcherFixture(t, 1, staticRegistry(true), pending(1, "report", nil))
	f.runner.start = func(ctx context.Context, jobName, jobParameters string) error {
		f.store.mu.Lock()
		f.store.rows[1].PollingStatus = domain.PollingStatusExecuted
		f.store.mu.Unlock()
		return nil
	}

	f.dispatcher.Poll(context.Background())
	f.drain(t)

	stats := f.dispatcher.Stats()
	assert.Equal(t, int64(1), stats.ExecutedUpdateLost)
	assert.Equal(t, int64(0), stats.Executed)
}

func TestDispatcher_PollSkips(t *testing.T) {
	t.Run("after shutdown", func(t *testing.T) {
		f := newDispatcherFixture(t, 1, staticRegistry(true), pending(1, "report", nil))

		f.dispatcher.Shutdown()
		f.dispatcher.Shutdown()
		assert.True(t, f.dispatcher.IsShutdown())

		f.dispatcher.Poll(context.Background())
		assert.Equal(t, 0, f.store.finds())
		assert.Equal(t, domain.PollingStatusInit, f.store.get(1).PollingStatus)
	})

	t.Run("registry not running", func(t *testing.T) {
		f := newDispatcherFixture(t, 1, staticRegistry(false), pending(1, "report", nil))

		f.dispatcher.Poll(context.Background())
		assert.Equal(t, 0, f.store.finds())
	})

	t.Run("fetch error", func(t *testing.T) {
		f := newDispatcherFixture(t, 1, staticRegistry(true), pending(1, "report", nil))
		f.store.findErr = errBoom

		f.dispatcher.Poll(context.Background())
		assert.Equal(t, 1, f.store.finds())
		assert.Empty(t, f.runner.recorded())
	})

	t.Run("pool shut down", func(t *testing.T) {
		f := newDispatcherFixture(t, 1, staticRegistry(true), pending(1, "report", nil))
		f.pool.Shutdown(time.Second)

		f.dispatcher.Poll(context.Background())
		assert.Equal(t, domain.PollingStatusInit, f.store.get(1).PollingStatus)
	})
}

func TestDispatcher_QueryParamsFilter(t *testing.T) {
	f := newDispatcherFixture(t, 3, staticRegistry(true),
		pending(1, "report", nil),
		pending(2, "cleanup", nil),
	)
	f.dispatcher.queryParams["job_name"] = "cleanup"

	f.dispatcher.Poll(context.Background())
	f.drain(t)

	assert.Equal(t, []launch{{jobName: "cleanup"}}, f.runner.recorded())
	assert.Equal(t, domain.PollingStatusInit, f.store.get(1).PollingStatus)
}
