package router

import (
	"github.com/cuongbtq/async-batch-daemon/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	requestHandler := handler.NewRequestHandler(deps)

	r.GET("/health", requestHandler.Health)

	v1 := r.Group("/api/v1")
	{
		requests := v1.Group("/job-requests")
		{
			// POST /api/v1/job-requests - Enqueue a job request
			requests.POST("", requestHandler.CreateRequest)

			// GET /api/v1/job-requests - List job requests with filtering and pagination
			requests.GET("", requestHandler.ListRequests)

			// GET /api/v1/job-requests/:job_seq_id - Get a job request
			requests.GET("/:job_seq_id", requestHandler.GetRequest)
		}
	}

	return r
}
