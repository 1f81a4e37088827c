package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/draymark/shipflow-backend/internal/handlers"
)

type RouterConfig struct {
	ServiceName     string
	CommandHandler  *handlers.CommandHandler
	JobHandler      *handlers.JobHandler
	RowHandler      *handlers.RowHandler
	PreviewHandler  *handlers.PreviewHandler
	ProgressHandler *handlers.ProgressHandler
	LogHandler      *handlers.LogHandler
	LabelHandler    *handlers.LabelHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.ServiceName))

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api/v1")
	{
		api.POST("/commands", cfg.CommandHandler.Create)

		api.GET("/jobs", cfg.JobHandler.List)
		api.GET("/jobs/:id", cfg.JobHandler.Get)
		api.PATCH("/jobs/:id/status", cfg.JobHandler.PatchStatus)
		api.DELETE("/jobs/:id", cfg.JobHandler.Delete)

		api.GET("/jobs/:id/rows", cfg.RowHandler.List)
		api.POST("/jobs/:id/rows", cfg.RowHandler.Seed)
		api.PATCH("/jobs/:id/rows/skip", cfg.RowHandler.Skip)

		api.GET("/jobs/:id/preview", cfg.PreviewHandler.Preview)
		api.POST("/jobs/:id/confirm", cfg.PreviewHandler.Confirm)

		api.GET("/jobs/:id/progress", cfg.ProgressHandler.Snapshot)
		api.GET("/jobs/:id/progress/stream", cfg.ProgressHandler.Stream)

		api.GET("/jobs/:id/logs", cfg.LogHandler.List)
		api.GET("/jobs/:id/errors", cfg.LogHandler.Errors)
		api.GET("/jobs/:id/export", cfg.LogHandler.Export)

		api.GET("/labels/:tracking", cfg.LabelHandler.ByTracking)
		api.GET("/jobs/:id/labels/zip", cfg.LabelHandler.Zip)
		api.GET("/jobs/:id/labels/merged", cfg.LabelHandler.Merged)
		api.GET("/jobs/:id/labels/:row_number", cfg.LabelHandler.ByJobRow)
	}

	return router
}
