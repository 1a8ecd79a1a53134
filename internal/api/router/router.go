package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/offchain-agent/internal/api/handler"
)

const serviceName = "offchain-agent-api"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(
		gin.Recovery(),
		RequestIDMiddleware(),
		LoggerMiddleware(deps.Logger),
		CORSMiddleware(deps.CORSOrigins),
	)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	registerV1(r.Group("/api/v1"), handler.NewJobHandler(deps))

	return r
}

func registerV1(v1 *gin.RouterGroup, h *handler.JobHandler) {
	// Triggers publish a job and answer 202
	v1.POST("/media/jobs", h.TriggerMedia)
	v1.POST("/backups/run", h.TriggerBackup)

	jobs := v1.Group("/jobs")
	jobs.GET("", h.ListJobs)
	jobs.GET("/:job_id", h.GetJob)
	jobs.POST("/:job_id/cancel", h.CancelJob)
	jobs.DELETE("/:job_id", h.DeleteJob)

	v1.GET("/queues/:queue/depth", h.QueueDepth)
}
