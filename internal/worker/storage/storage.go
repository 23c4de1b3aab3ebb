package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
	"github.com/jmoiron/sqlx"
)

// PollingRowLimitParam is the query parameter carrying the per-cycle row limit
const PollingRowLimitParam = "pollingRowLimit"

// filterColumns lists the columns optional polling query parameters may filter on
var filterColumns = map[string]struct{}{
	"job_name": {},
}

// QueryParams are the polling query parameters passed to Find
type QueryParams map[string]any

// ValidateQueryParams checks that every optional parameter names a filterable column
func ValidateQueryParams(params map[string]string) error {
	for key := range params {
		if key == PollingRowLimitParam {
			return fmt.Errorf("polling query param %q is reserved", key)
		}
		if _, ok := filterColumns[key]; !ok {
			return fmt.Errorf("unsupported polling query param %q", key)
		}
	}
	return nil
}

const selectColumns = `job_seq_id, job_name, job_parameter, polling_status, job_execution_id, create_date, update_date`

// Storage handles all batch_job_request operations for the dispatcher
type Storage struct {
	db         *sqlx.DB
	logger     *slog.Logger
	readOnlyTx bool
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		// SQLite drivers reject read-only transactions
		readOnlyTx: db.DriverName() == "postgres",
	}
}

// Find returns INIT requests matching params ordered by sequence id, capped
// at the pollingRowLimit parameter. The read runs inside a read-only
// transaction where the driver supports one.
func (s *Storage) Find(ctx context.Context, params QueryParams) ([]domain.JobRequest, error) {
	query, args, err := s.buildFindQuery(params)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: s.readOnlyTx})
	if err != nil {
		return nil, fmt.Errorf("failed to begin polling transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	requests := []domain.JobRequest{}
	if err := tx.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find job requests: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit polling transaction: %w", err)
	}

	return requests, nil
}

func (s *Storage) buildFindQuery(params QueryParams) (string, []any, error) {
	limit, err := rowLimit(params)
	if err != nil {
		return "", nil, err
	}

	query := `SELECT ` + selectColumns + ` FROM batch_job_request WHERE polling_status = :polling_status`
	named := map[string]any{
		"polling_status": string(domain.PollingStatusInit),
		"row_limit":      limit,
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		if key != PollingRowLimitParam {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, ok := filterColumns[key]; !ok {
			return "", nil, fmt.Errorf("unsupported polling query param %q", key)
		}
		query += fmt.Sprintf(" AND %s = :%s", key, key)
		named[key] = params[key]
	}
	query += ` ORDER BY job_seq_id LIMIT :row_limit`

	bound, args, err := sqlx.Named(query, named)
	if err != nil {
		return "", nil, fmt.Errorf("failed to bind polling query: %w", err)
	}
	return s.db.Rebind(bound), args, nil
}

func rowLimit(params QueryParams) (int64, error) {
	raw, ok := params[PollingRowLimitParam]
	if !ok {
		return 0, fmt.Errorf("polling query param %q is required", PollingRowLimitParam)
	}

	var limit int64
	switch v := raw.(type) {
	case int:
		limit = int64(v)
	case int64:
		limit = v
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", PollingRowLimitParam, v, err)
		}
		limit = parsed
	default:
		return 0, fmt.Errorf("invalid %s type %T", PollingRowLimitParam, raw)
	}

	if limit <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", PollingRowLimitParam)
	}
	return limit, nil
}

// UpdateStatus writes req's polling status, execution id and update date,
// guarded by the request's sequence id and the expected prior status.
// It returns the number of affected rows, which is 0 when another process
// already moved the row on.
func (s *Storage) UpdateStatus(ctx context.Context, req *domain.JobRequest, expected domain.PollingStatus) (int64, error) {
	query := s.db.Rebind(`
		UPDATE batch_job_request
		SET polling_status = ?,
		    job_execution_id = ?,
		    update_date = ?
		WHERE job_seq_id = ?
		  AND polling_status = ?
	`)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin update transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, query,
		string(req.PollingStatus),
		req.ExecutionID,
		req.UpdatedAt,
		req.SequenceID,
		string(expected),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update job request status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 1 {
		return rowsAffected, fmt.Errorf("%w: %d rows matched job_seq_id %d", domain.ErrIntegrityViolation, rowsAffected, req.SequenceID)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit update transaction: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Debug("Job request status update matched no rows",
			slog.Int64("job_seq_id", req.SequenceID),
			slog.String("expected_status", expected.String()),
			slog.String("new_status", req.PollingStatus.String()),
		)
	}

	return rowsAffected, nil
}

// Get retrieves a job request by sequence id
func (s *Storage) Get(ctx context.Context, seqID int64) (*domain.JobRequest, error) {
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM batch_job_request WHERE job_seq_id = ?`)

	var req domain.JobRequest
	if err := s.db.GetContext(ctx, &req, query, seqID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get job request: %w", err)
	}
	return &req, nil
}

// NextExecutionID allocates a new job execution id
func (s *Storage) NextExecutionID(ctx context.Context) (int64, error) {
	query := s.db.Rebind(`INSERT INTO batch_job_execution_seq (create_date) VALUES (?) RETURNING execution_id`)

	var id int64
	if err := s.db.QueryRowxContext(ctx, query, time.Now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to allocate job execution id: %w", err)
	}
	return id, nil
}
