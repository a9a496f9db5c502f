package app

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/taskgrid/taskgrid-backend/internal/handlers"
	"github.com/taskgrid/taskgrid-backend/internal/middleware"
	"github.com/taskgrid/taskgrid-backend/internal/observability"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
)

type Handlers struct {
	Jobs    *handlers.JobHandler
	Workers *handlers.WorkerHandler
}

func wireRouter(h Handlers, log *logger.Logger, metrics *observability.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())
	router.Use(middleware.RequestLog(log))

	router.GET("/healthz", handlers.Healthz)
	router.GET("/metrics", gin.WrapF(metrics.Handler()))

	api := router.Group("/api")
	{
		api.POST("/jobs", h.Jobs.Submit)
		api.GET("/jobs/:id", h.Jobs.Get)
		api.DELETE("/jobs/:id", h.Jobs.Cancel)
		api.POST("/jobs/:id/outcome", h.Jobs.ReportOutcome)

		api.POST("/workers", h.Workers.Register)
		api.GET("/workers", h.Workers.List)
		api.POST("/workers/:id/heartbeat", h.Workers.Heartbeat)
		api.DELETE("/workers/:id", h.Workers.Deregister)

		api.GET("/scheduler/stats", h.Workers.Stats)
	}
	return router
}
