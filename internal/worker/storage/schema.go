package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS batch_job_request (
		job_seq_id       BIGSERIAL PRIMARY KEY,
		job_name         VARCHAR(100) NOT NULL,
		job_parameter    VARCHAR(200),
		polling_status   VARCHAR(10) NOT NULL DEFAULT 'INIT'
		                 CHECK (polling_status IN ('INIT', 'POLLED', 'EXECUTED')),
		job_execution_id BIGINT,
		create_date      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		update_date      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batch_job_request_polling
		ON batch_job_request (polling_status, job_seq_id)`,
	`CREATE TABLE IF NOT EXISTS batch_job_execution_seq (
		execution_id BIGSERIAL PRIMARY KEY,
		create_date  TIMESTAMP NOT NULL
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS batch_job_request (
		job_seq_id       INTEGER PRIMARY KEY AUTOINCREMENT,
		job_name         TEXT NOT NULL,
		job_parameter    TEXT,
		polling_status   TEXT NOT NULL DEFAULT 'INIT'
		                 CHECK (polling_status IN ('INIT', 'POLLED', 'EXECUTED')),
		job_execution_id INTEGER,
		create_date      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		update_date      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batch_job_request_polling
		ON batch_job_request (polling_status, job_seq_id)`,
	`CREATE TABLE IF NOT EXISTS batch_job_execution_seq (
		execution_id INTEGER PRIMARY KEY AUTOINCREMENT,
		create_date  TIMESTAMP NOT NULL
	)`,
}

// EnsureSchema creates the job request tables if they don't exist
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	var statements []string
	switch db.DriverName() {
	case "postgres":
		statements = postgresSchema
	case "sqlite":
		statements = sqliteSchema
	default:
		return fmt.Errorf("unsupported database driver %q", db.DriverName())
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
