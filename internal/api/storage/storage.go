package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
	"github.com/jmoiron/sqlx"
)

const requestColumns = `job_seq_id, job_name, job_parameter, polling_status, job_execution_id, create_date, update_date`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{
		db: db,
	}
}

// CreateRequest inserts a new INIT job request
func (s *Storage) CreateRequest(ctx context.Context, jobName string, jobParameter *string) (*domain.JobRequest, error) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	query := s.db.Rebind(`
		INSERT INTO batch_job_request (
			job_name, job_parameter, polling_status, create_date, update_date
		) VALUES (?, ?, ?, ?, ?)
		RETURNING job_seq_id
	`)

	req := domain.JobRequest{
		JobName:       jobName,
		JobParameter:  jobParameter,
		PollingStatus: domain.PollingStatusInit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.db.QueryRowxContext(ctx, query,
		req.JobName,
		req.JobParameter,
		string(req.PollingStatus),
		req.CreatedAt,
		req.UpdatedAt,
	).Scan(&req.SequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create job request: %w", err)
	}

	return &req, nil
}

func (s *Storage) GetRequest(ctx context.Context, seqID int64) (*domain.JobRequest, error) {
	var req domain.JobRequest
	query := s.db.Rebind(`SELECT ` + requestColumns + ` FROM batch_job_request WHERE job_seq_id = ?`)

	err := s.db.GetContext(ctx, &req, query, seqID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get job request: %w", err)
	}

	return &req, nil
}

type RequestFilter struct {
	Status   domain.PollingStatus
	JobName  string
	PageSize int
	// Cursor is the job_seq_id of the last row of the previous page
	Cursor *int64
}

// ListRequests returns up to PageSize+1 rows, newest first. The extra row
// tells the caller whether another page exists.
func (s *Storage) ListRequests(ctx context.Context, filter RequestFilter) ([]domain.JobRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM batch_job_request WHERE 1=1`
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND polling_status = ?"
		args = append(args, string(filter.Status))
	}

	if filter.JobName != "" {
		query += " AND job_name = ?"
		args = append(args, filter.JobName)
	}

	if filter.Cursor != nil {
		query += " AND job_seq_id < ?"
		args = append(args, *filter.Cursor)
	}

	query += " ORDER BY job_seq_id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	requests := []domain.JobRequest{}
	if err := s.db.SelectContext(ctx, &requests, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list job requests: %w", err)
	}

	return requests, nil
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
