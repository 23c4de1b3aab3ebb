package domain

import (
	"fmt"
	"time"
)

// JobRequest is one row of the batch_job_request table
type JobRequest struct {
	SequenceID    int64         `db:"job_seq_id"`
	JobName       string        `db:"job_name"`
	JobParameter  *string       `db:"job_parameter"`
	PollingStatus PollingStatus `db:"polling_status"`
	ExecutionID   *int64        `db:"job_execution_id"`
	CreatedAt     time.Time     `db:"create_date"`
	UpdatedAt     time.Time     `db:"update_date"`
}

// Parameters returns the raw parameter string, empty when the column is NULL
func (r *JobRequest) Parameters() string {
	if r.JobParameter == nil {
		return ""
	}
	return *r.JobParameter
}

// NormalizeParameters rewrites the request's parameters into the canonical
// space-delimited form expected by job runners.
func (r *JobRequest) NormalizeParameters() {
	normalized := NormalizeParameters(r.JobParameter)
	r.JobParameter = &normalized
}

func (r *JobRequest) String() string {
	executionID := "<nil>"
	if r.ExecutionID != nil {
		executionID = fmt.Sprintf("%d", *r.ExecutionID)
	}
	return fmt.Sprintf("JobRequest{seq=%d, name=%q, params=%q, status=%s, execution=%s}",
		r.SequenceID, r.JobName, r.Parameters(), r.PollingStatus, executionID)
}
