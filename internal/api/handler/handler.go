package handler

import (
	"log/slog"

	"github.com/cuongbtq/async-batch-daemon/internal/api/storage"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Storage *storage.Storage
}

// RequestHandler handles job-request HTTP requests
type RequestHandler struct {
	logger  *slog.Logger
	storage *storage.Storage
}

// NewRequestHandler creates a new RequestHandler instance
func NewRequestHandler(deps *Dependencies) *RequestHandler {
	return &RequestHandler{
		logger:  deps.Logger,
		storage: deps.Storage,
	}
}
