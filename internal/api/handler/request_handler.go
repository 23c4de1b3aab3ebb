package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cuongbtq/async-batch-daemon/internal/api/dto"
	"github.com/cuongbtq/async-batch-daemon/internal/api/storage"
	"github.com/cuongbtq/async-batch-daemon/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateRequest handles POST /api/v1/job-requests
// Enqueues a job request in INIT status for the batch daemon to pick up
func (h *RequestHandler) CreateRequest(c *gin.Context) {
	var req dto.CreateRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	created, err := h.storage.CreateRequest(c.Request.Context(), req.JobName, req.JobParameter)
	if err != nil {
		h.logger.Error("Failed to create job request", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job request",
		})
		return
	}

	h.logger.Info("Job request created",
		slog.Int64("job_seq_id", created.SequenceID),
		slog.String("job_name", created.JobName),
	)

	c.JSON(http.StatusCreated, dto.NewJobRequestDTO(created))
}

// GetRequest handles GET /api/v1/job-requests/:job_seq_id
func (h *RequestHandler) GetRequest(c *gin.Context) {
	seqID, err := strconv.ParseInt(c.Param("job_seq_id"), 10, 64)
	if err != nil || seqID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_seq_id must be a positive integer",
		})
		return
	}

	req, err := h.storage.GetRequest(c.Request.Context(), seqID)
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job request not found",
			})
			return
		}
		h.logger.Error("Failed to get job request",
			slog.Int64("job_seq_id", seqID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job request",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobRequestDTO(req))
}

// ListRequests handles GET /api/v1/job-requests
// Lists job requests newest first with optional filtering and cursor pagination
func (h *RequestHandler) ListRequests(c *gin.Context) {
	var req dto.ListRequestsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	var status domain.PollingStatus
	if req.Status != "" {
		parsed, err := domain.ParsePollingStatus(req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid status",
			})
			return
		}
		status = parsed
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeRequestCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	requests, err := h.storage.ListRequests(c.Request.Context(), storage.RequestFilter{
		Status:   status,
		JobName:  req.JobName,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list job requests", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list job requests",
		})
		return
	}

	hasMore := len(requests) > req.PageSize
	if hasMore {
		requests = requests[:req.PageSize]
	}

	resp := dto.ListRequestsResponse{
		Requests: make([]dto.JobRequestDTO, len(requests)),
	}
	for i := range requests {
		resp.Requests[i] = dto.NewJobRequestDTO(&requests[i])
	}
	if hasMore {
		resp.NextCursor = EncodeRequestCursor(requests[len(requests)-1].SequenceID)
	}

	c.JSON(http.StatusOK, resp)
}

// Health handles GET /health
func (h *RequestHandler) Health(c *gin.Context) {
	if err := h.storage.Ping(c.Request.Context()); err != nil {
		h.logger.Error("Database health check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": "job-request-api",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "job-request-api",
	})
}
