package http

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/spencermiles/jira-report-web-sub000/internal/config"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc Service) *gin.Engine {
	if cfg.AppEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Next()
		log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
	})

	h := NewHandlers(cfg, log, svc)

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	{
		api.GET("/projects", h.ListProjects)
		api.POST("/projects", h.CreateProject)
		api.GET("/projects/:id/metrics", h.ProjectMetrics)
		api.GET("/projects/:id/issues", h.IssueMetrics)
		api.GET("/projects/:id/trends", h.Trends)
		api.GET("/projects/:id/distribution", h.Distribution)
		api.GET("/issues/:key/metrics", h.IssueMetricsByKey)
		api.GET("/projects/:id/stage-metrics", h.StageMetrics)
		api.GET("/projects/:id/rollup", h.Rollup)
		api.POST("/projects/:id/changelogs", h.IngestChangelogs)
		api.GET("/projects/:id/mappings", h.GetMappings)
		api.PUT("/projects/:id/mappings", h.PutMappings)
	}

	r.POST("/admin/recompute", h.RecomputeNow)
	r.GET("/admin/last-run", h.LastRun)

	return r
}
