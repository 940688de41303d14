package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/binary-insights/prompt2mesh/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		queue := "connected"
		if deps.Publisher == nil || !deps.Publisher.IsConnected() {
			status = http.StatusServiceUnavailable
			queue = "disconnected"
		}
		db := "connected"
		if deps.DB != nil {
			if err := deps.DB.HealthCheck(c.Request.Context()); err != nil {
				status = http.StatusServiceUnavailable
				db = "unreachable"
			}
		}
		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":  overall,
			"service": "prompt2mesh-api",
			"queue":   queue,
			"db":      db,
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a modeling prompt
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Poll job status and result
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/history - Transition audit trail
			jobs.GET("/:job_id/history", jobHandler.GetJobHistory)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a queued or planning job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}
	}

	return r
}
