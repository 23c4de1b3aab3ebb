package dto

import (
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
)

type CreateRequestRequest struct {
	JobName      string  `json:"job_name" binding:"required,max=100"`
	JobParameter *string `json:"job_parameter" binding:"omitempty,max=200"`
}

type ListRequestsRequest struct {
	Status   string `form:"status"`
	JobName  string `form:"job_name"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListRequestsResponse struct {
	Requests   []JobRequestDTO `json:"requests"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type JobRequestDTO struct {
	JobSeqID       int64   `json:"job_seq_id"`
	JobName        string  `json:"job_name"`
	JobParameter   *string `json:"job_parameter"`
	PollingStatus  string  `json:"polling_status"`
	JobExecutionID *int64  `json:"job_execution_id"`
	CreatedAt      string  `json:"create_date"`
	UpdatedAt      string  `json:"update_date"`
}

func NewJobRequestDTO(req *domain.JobRequest) JobRequestDTO {
	return JobRequestDTO{
		JobSeqID:       req.SequenceID,
		JobName:        req.JobName,
		JobParameter:   req.JobParameter,
		PollingStatus:  req.PollingStatus.String(),
		JobExecutionID: req.ExecutionID,
		CreatedAt:      req.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      req.UpdatedAt.Format(time.RFC3339),
	}
}
