// Package api wires the HTTP surface of the usage stats service.
package api

import (
	"log"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VertNet/usagestats/carto"
	"github.com/VertNet/usagestats/config"
	"github.com/VertNet/usagestats/github"
	"github.com/VertNet/usagestats/handler"
	"github.com/VertNet/usagestats/mailer"
	"github.com/VertNet/usagestats/middleware"
	"github.com/VertNet/usagestats/pipeline"
	"github.com/VertNet/usagestats/store"
)

func StartServer(cfg *config.Config, st *store.Store, ca *carto.Client,
	gh *github.Client, ml *mailer.Mailer, pl *pipeline.Pipeline) {
	r := gin.Default()

	// Enable CORS for all origins (you may want to restrict this in production)
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	r.Use(cors.New(corsConfig))

	r.Use(middleware.PrometheusMiddleware("usagestats"))

	// Create handlers
	adminHandler := handler.NewAdminHandler(cfg, st, ca, gh, ml, pl)
	reportHandler := handler.NewReportHandler(st)

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "usagestats",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Pipeline admin endpoints
	admin := r.Group("/admin")
	{
		admin.POST("/parser/init", adminHandler.Init)
		admin.POST("/parser/get_events", adminHandler.GetEvents)
		admin.POST("/parser/process_events", adminHandler.ProcessEvents)
		admin.POST("/parser/github_store", adminHandler.GitHubStore)
		admin.POST("/parser/github_issue", adminHandler.GitHubIssue)

		admin.GET("/status", adminHandler.Status)
		admin.GET("/status/period/:period", adminHandler.PeriodStatus)

		admin.POST("/setup/datasets", adminHandler.SetupDatasets)
		admin.POST("/tools/repo_checker", adminHandler.RepoChecker)
		admin.POST("/tools/email_tester", adminHandler.EmailTester)
	}

	// Public report viewers
	reports := r.Group("/reports")
	{
		reports.GET("/:gbifdatasetid/:period/txt", reportHandler.Text)
		reports.GET("/:gbifdatasetid/:period/json", reportHandler.JSON)
	}

	log.Printf("Usage stats service starting on %s...", cfg.HTTPAddr)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
