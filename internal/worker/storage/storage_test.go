package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
	"github.com/cuongbtq/async-batch-daemon/shared/sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func openTestDB(t *testing.T, path string) *sqlx.DB {
	t.Helper()

	client, err := sqlite.NewClient(&sqlite.Config{Path: path}, discardLogger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, EnsureSchema(context.Background(), client.GetDB()))
	return client.GetDB()
}

func newTestStorage(t *testing.T) (*Storage, *sqlx.DB) {
	t.Helper()

	db := openTestDB(t, filepath.Join(t.TempDir(), "requests.db"))
	return NewStorage(db, discardLogger), db
}

func insertRequest(t *testing.T, db *sqlx.DB, jobName string, param *string, status domain.PollingStatus) int64 {
	t.Helper()

	now := time.Now()
	var id int64
	err := db.QueryRowx(
		db.Rebind(`INSERT INTO batch_job_request (job_name, job_parameter, polling_status, create_date, update_date)
			VALUES (?, ?, ?, ?, ?) RETURNING job_seq_id`),
		jobName, param, string(status), now, now,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func strPtr(s string) *string { return &s }

func TestEnsureSchema_Idempotent(t *testing.T) {
	_, db := newTestStorage(t)

	require.NoError(t, EnsureSchema(context.Background(), db))
}

func TestStorage_Find(t *testing.T) {
	store, db := newTestStorage(t)
	ctx := context.Background()

	first := insertRequest(t, db, "report", strPtr("a=1,b=2"), domain.PollingStatusInit)
	insertRequest(t, db, "cleanup", nil, domain.PollingStatusPolled)
	second := insertRequest(t, db, "cleanup", nil, domain.PollingStatusInit)
	third := insertRequest(t, db, "report", nil, domain.PollingStatusInit)
	insertRequest(t, db, "report", nil, domain.PollingStatusExecuted)

	t.Run("returns INIT rows in sequence order", func(t *testing.T) {
		rows, err := store.Find(ctx, QueryParams{PollingRowLimitParam: 10})
		require.NoError(t, err)
		require.Len(t, rows, 3)

		assert.Equal(t, first, rows[0].SequenceID)
		assert.Equal(t, second, rows[1].SequenceID)
		assert.Equal(t, third, rows[2].SequenceID)
		for _, row := range rows {
			assert.Equal(t, domain.PollingStatusInit, row.PollingStatus)
			assert.Nil(t, row.ExecutionID)
		}
		require.NotNil(t, rows[0].JobParameter)
		assert.Equal(t, "a=1,b=2", *rows[0].JobParameter)
		assert.Nil(t, rows[1].JobParameter)
		assert.False(t, rows[0].CreatedAt.IsZero())
	})

	t.Run("caps at the row limit", func(t *testing.T) {
		rows, err := store.Find(ctx, QueryParams{PollingRowLimitParam: 2})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, first, rows[0].SequenceID)
		assert.Equal(t, second, rows[1].SequenceID)
	})

	t.Run("string row limit", func(t *testing.T) {
		rows, err := store.Find(ctx, QueryParams{PollingRowLimitParam: "1"})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("filters by job name", func(t *testing.T) {
		rows, err := store.Find(ctx, QueryParams{PollingRowLimitParam: 10, "job_name": "report"})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, first, rows[0].SequenceID)
		assert.Equal(t, third, rows[1].SequenceID)
	})

	t.Run("empty result is an empty slice", func(t *testing.T) {
		rows, err := store.Find(ctx, QueryParams{PollingRowLimitParam: 10, "job_name": "missing"})
		require.NoError(t, err)
		assert.NotNil(t, rows)
		assert.Empty(t, rows)
	})
}

func TestStorage_FindInvalidParams(t *testing.T) {
	store, _ := newTestStorage(t)

	tests := []struct {
		name      string
		params    QueryParams
		errString string
	}{
		{name: "missing limit", params: QueryParams{}, errString: "is required"},
		{name: "zero limit", params: QueryParams{PollingRowLimitParam: 0}, errString: "must be greater than 0"},
		{name: "non numeric limit", params: QueryParams{PollingRowLimitParam: "ten"}, errString: "invalid pollingRowLimit"},
		{name: "unsupported limit type", params: QueryParams{PollingRowLimitParam: 1.5}, errString: "invalid pollingRowLimit type"},
		{name: "unknown filter", params: QueryParams{PollingRowLimitParam: 3, "job_parameter": "x"}, errString: "unsupported polling query param"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := store.Find(context.Background(), tt.params)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
			assert.Nil(t, rows)
		})
	}
}

func TestValidateQueryParams(t *testing.T) {
	assert.NoError(t, ValidateQueryParams(nil))
	assert.NoError(t, ValidateQueryParams(map[string]string{"job_name": "report"}))
	assert.Error(t, ValidateQueryParams(map[string]string{PollingRowLimitParam: "5"}))
	assert.Error(t, ValidateQueryParams(map[string]string{"polling_status": "POLLED"}))
}

func TestStorage_UpdateStatus(t *testing.T) {
	store, db := newTestStorage(t)
	ctx := context.Background()

	seqID := insertRequest(t, db, "report", nil, domain.PollingStatusInit)
	updatedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	claim := &domain.JobRequest{SequenceID: seqID, PollingStatus: domain.PollingStatusPolled, UpdatedAt: updatedAt}

	n, err := store.UpdateStatus(ctx, claim, domain.PollingStatusInit)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// a second claim from INIT loses
	n, err = store.UpdateStatus(ctx, claim, domain.PollingStatusInit)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	executionID := int64(42)
	done := &domain.JobRequest{SequenceID: seqID, PollingStatus: domain.PollingStatusExecuted, ExecutionID: &executionID, UpdatedAt: updatedAt.Add(time.Minute)}

	n, err = store.UpdateStatus(ctx, done, domain.PollingStatusPolled)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// idempotent: repeating the transition affects nothing
	n, err = store.UpdateStatus(ctx, done, domain.PollingStatusPolled)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := store.Get(ctx, seqID)
	require.NoError(t, err)
	assert.Equal(t, domain.PollingStatusExecuted, got.PollingStatus)
	require.NotNil(t, got.ExecutionID)
	assert.Equal(t, executionID, *got.ExecutionID)
	assert.True(t, got.UpdatedAt.Equal(updatedAt.Add(time.Minute)))
}

func TestStorage_UpdateStatusWithoutExecutionID(t *testing.T) {
	store, db := newTestStorage(t)
	ctx := context.Background()

	seqID := insertRequest(t, db, "report", nil, domain.PollingStatusPolled)

	n, err := store.UpdateStatus(ctx, &domain.JobRequest{
		SequenceID:    seqID,
		PollingStatus: domain.PollingStatusExecuted,
		UpdatedAt:     time.Now(),
	}, domain.PollingStatusPolled)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(ctx, seqID)
	require.NoError(t, err)
	assert.Equal(t, domain.PollingStatusExecuted, got.PollingStatus)
	assert.Nil(t, got.ExecutionID)
}

func TestStorage_ConcurrentClaimHasSingleWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.db")
	seed := openTestDB(t, path)
	seqID := insertRequest(t, seed, "report", nil, domain.PollingStatusInit)

	const instances = 4
	stores := make([]*Storage, instances)
	for i := range stores {
		stores[i] = NewStorage(openTestDB(t, path), discardLogger)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int64
	)
	for _, store := range stores {
		wg.Add(1)
		go func(store *Storage) {
			defer wg.Done()
			n, err := store.UpdateStatus(context.Background(), &domain.JobRequest{
				SequenceID:    seqID,
				PollingStatus: domain.PollingStatusPolled,
				UpdatedAt:     time.Now(),
			}, domain.PollingStatusInit)
			assert.NoError(t, err)

			mu.Lock()
			winners += n
			mu.Unlock()
		}(store)
	}
	wg.Wait()

	assert.Equal(t, int64(1), winners)
}

func TestStorage_Get(t *testing.T) {
	store, db := newTestStorage(t)

	seqID := insertRequest(t, db, "report", strPtr("day=1"), domain.PollingStatusInit)

	got, err := store.Get(context.Background(), seqID)
	require.NoError(t, err)
	assert.Equal(t, "report", got.JobName)
	assert.Equal(t, "day=1", got.Parameters())

	_, err = store.Get(context.Background(), seqID+100)
	assert.ErrorIs(t, err, domain.ErrRequestNotFound)
}

func TestStorage_NextExecutionID(t *testing.T) {
	store, _ := newTestStorage(t)
	ctx := context.Background()

	first, err := store.NextExecutionID(ctx)
	require.NoError(t, err)
	second, err := store.NextExecutionID(ctx)
	require.NoError(t, err)

	assert.Greater(t, first, int64(0))
	assert.Greater(t, second, first)
}
