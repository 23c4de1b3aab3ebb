package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type sequenceIDs struct {
	next int64
	err  error
}

func (s *sequenceIDs) NextExecutionID(ctx context.Context) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.next++
	return s.next, nil
}

func noop(ctx context.Context, params map[string]string) error { return nil }

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(discardLogger, nil)

	require.NoError(t, r.Register(Job{Name: "report", Run: noop}))
	require.NoError(t, r.Register(Job{Name: "cleanup", Run: noop}))

	assert.Error(t, r.Register(Job{Name: "report", Run: noop}))
	assert.Error(t, r.Register(Job{Name: "", Run: noop}))
	assert.Error(t, r.Register(Job{Name: "empty"}))
	assert.Equal(t, []string{"cleanup", "report"}, r.JobNames())
}

func TestRegistry_Readiness(t *testing.T) {
	r := NewRegistry(discardLogger, nil)
	assert.False(t, r.IsRunning())

	r.MarkRunning()
	assert.True(t, r.IsRunning())
}

func TestRegistry_StartRejections(t *testing.T) {
	r := NewRegistry(discardLogger, nil)
	require.NoError(t, r.Register(Job{
		Name: "report",
		Validate: func(params map[string]string) error {
			if params["day"] == "" {
				return errors.New("day is required")
			}
			return nil
		},
		Run: noop,
	}))

	tests := []struct {
		name    string
		jobName string
		params  string
		wantErr error
	}{
		{name: "unknown job", jobName: "missing", params: "day=1", wantErr: domain.ErrJobNotFound},
		{name: "malformed parameters", jobName: "report", params: "day", wantErr: domain.ErrInvalidParameters},
		{name: "failed validation", jobName: "report", params: "month=1", wantErr: domain.ErrInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Start(context.Background(), tt.jobName, tt.params)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, domain.IsJobRejection(err))
		})
	}

	assert.Empty(t, r.Executions())
}

func TestRegistry_StartRunsSynchronously(t *testing.T) {
	ids := &sequenceIDs{next: 100}
	r := NewRegistry(discardLogger, ids)

	var got map[string]string
	require.NoError(t, r.Register(Job{Name: "report", Run: func(ctx context.Context, params map[string]string) error {
		got = params
		return nil
	}}))

	id, err := r.Start(context.Background(), "report", "a=1 b=2")
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got)

	execs := r.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionCompleted, execs[0].Status)
	assert.Equal(t, "report", execs[0].JobName)
	assert.Equal(t, "a=1 b=2", execs[0].Parameters)
}

func TestRegistry_FailedJobIsNotAStartError(t *testing.T) {
	r := NewRegistry(discardLogger, nil)
	require.NoError(t, r.Register(Job{Name: "broken", Run: func(ctx context.Context, params map[string]string) error {
		return errors.New("disk full")
	}}))
	require.NoError(t, r.Register(Job{Name: "panicky", Run: func(ctx context.Context, params map[string]string) error {
		panic("nil map")
	}}))

	id, err := r.Start(context.Background(), "broken", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	id, err = r.Start(context.Background(), "panicky", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	execs := r.Executions()
	require.Len(t, execs, 2)
	assert.Equal(t, ExecutionFailed, execs[0].Status)
	assert.Equal(t, "disk full", execs[0].Error)
	assert.Equal(t, ExecutionFailed, execs[1].Status)
	assert.Contains(t, execs[1].Error, "panicked")
}

func TestRegistry_IdenticalRequestsRunAsSeparateInstances(t *testing.T) {
	const launches = 3
	r := NewRegistry(discardLogger, nil)

	var running sync.WaitGroup
	running.Add(launches)
	release := make(chan struct{})
	require.NoError(t, r.Register(Job{Name: "report", Run: func(ctx context.Context, params map[string]string) error {
		assert.NotContains(t, params, RunIDParam)
		running.Done()
		<-release
		return nil
	}}))

	type result struct {
		id  int64
		err error
	}
	results := make(chan result, launches)
	for i := 0; i < launches; i++ {
		go func() {
			id, err := r.Start(context.Background(), "report", "day=1 region=eu")
			results <- result{id: id, err: err}
		}()
	}

	// every launch is inside the job at once
	running.Wait()
	close(release)

	seen := map[int64]bool{}
	for i := 0; i < launches; i++ {
		res := <-results
		require.NoError(t, res.err)
		assert.False(t, seen[res.id], "execution id %d reused", res.id)
		seen[res.id] = true
	}

	execs := r.Executions()
	require.Len(t, execs, launches)
	for _, exec := range execs {
		assert.Equal(t, strconv.FormatInt(exec.ID, 10), exec.RunID)
		assert.Equal(t, ExecutionCompleted, exec.Status)
	}
}

func TestRegistry_RejectsRepeatedRunID(t *testing.T) {
	r := NewRegistry(discardLogger, nil)
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, r.Register(Job{Name: "report", Run: func(ctx context.Context, params map[string]string) error {
		// only the first launch stays running
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	}}))

	done := make(chan error, 1)
	go func() {
		_, err := r.Start(context.Background(), "report", "day=1 region=eu run_id=7")
		done <- err
	}()
	<-entered

	tests := []struct {
		name    string
		params  string
		wantErr error
	}{
		{name: "same run id in a different order", params: "run_id=7 region=eu day=1", wantErr: domain.ErrJobAlreadyRunning},
		{name: "different run id", params: "day=1 region=eu run_id=8"},
		{name: "no run id", params: "day=1 region=eu"},
		{name: "empty run id", params: "day=1 region=eu run_id=", wantErr: domain.ErrInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Start(context.Background(), "report", tt.params)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, domain.IsJobRejection(err))
				return
			}
			assert.NoError(t, err)
		})
	}

	close(release)
	require.NoError(t, <-done)

	// once finished the run id is free again
	_, err := r.Start(context.Background(), "report", "day=1 region=eu run_id=7")
	assert.NoError(t, err)

	execs := r.Executions()
	require.NotEmpty(t, execs)
	assert.Equal(t, "7", execs[len(execs)-1].RunID)
}

func TestRegistry_IDSourceFailure(t *testing.T) {
	r := NewRegistry(discardLogger, &sequenceIDs{err: errors.New("db down")})
	require.NoError(t, r.Register(Job{Name: "report", Run: noop}))

	_, err := r.Start(context.Background(), "report", "")
	require.Error(t, err)
	assert.False(t, domain.IsJobRejection(err))
	assert.Empty(t, r.Executions())
}

func TestJobIdentity(t *testing.T) {
	assert.Equal(t, "report", jobIdentity("report", map[string]string{}))
	assert.Equal(t, "report a=1 b=2", jobIdentity("report", map[string]string{"b": "2", "a": "1"}))
	assert.Equal(t, "report a=1 run_id=7", jobIdentity("report", map[string]string{RunIDParam: "7", "a": "1"}))
}

func TestRegistry_LogSummary(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)), nil)
	require.NoError(t, r.Register(Job{Name: "report", Run: noop}))
	require.NoError(t, r.Register(Job{Name: "broken", Run: func(ctx context.Context, params map[string]string) error {
		return errors.New("disk full")
	}}))

	for _, name := range []string{"report", "report", "broken"} {
		_, err := r.Start(context.Background(), name, "")
		require.NoError(t, err)
	}

	r.LogSummary()
	assert.Contains(t, buf.String(), "msg=\"Local job executions\" completed=2 failed=1")
}

func TestRegistry_ExecuteUsesGivenID(t *testing.T) {
	ids := &sequenceIDs{}
	r := NewRegistry(discardLogger, ids)

	var got map[string]string
	require.NoError(t, r.Register(Job{Name: "report", Run: func(ctx context.Context, params map[string]string) error {
		got = params
		return nil
	}}))

	require.NoError(t, r.Execute(context.Background(), 77, "report", "day=mon"))

	assert.Equal(t, map[string]string{"day": "mon"}, got)
	assert.Zero(t, ids.next)
	execs := r.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, int64(77), execs[0].ID)
	assert.Equal(t, ExecutionCompleted, execs[0].Status)

	assert.ErrorIs(t, r.Execute(context.Background(), 78, "missing", ""), domain.ErrJobNotFound)
}
