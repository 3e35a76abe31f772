package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/spencermiles/jira-report-web-sub000/internal/config"
	"github.com/spencermiles/jira-report-web-sub000/internal/domain"
	"github.com/spencermiles/jira-report-web-sub000/internal/repo"
	"github.com/spencermiles/jira-report-web-sub000/internal/services"
	"github.com/spencermiles/jira-report-web-sub000/internal/workflow"
)

// Service is the surface the HTTP layer consumes.
type Service interface {
	Projects(ctx context.Context) ([]domain.Project, error)
	CreateProject(ctx context.Context, key, name string) (*domain.Project, error)
	RecomputeProject(ctx context.Context, projectID int64) (workflow.ProjectMetrics, []workflow.IssueMetrics, error)
	ProjectTrends(ctx context.Context, projectID int64, metric string) ([]workflow.TrendPoint, error)
	IssueMetricsByKey(ctx context.Context, key string) (workflow.IssueMetrics, error)
	StageMetrics(ctx context.Context, projectID int64) ([]repo.StageMetricsRow, error)
	ProjectRollup(ctx context.Context, projectID int64) (*repo.ProjectRollup, error)
	IngestChangelogs(ctx context.Context, projectID int64, uploads []services.IssueUpload) (*services.IngestResult, error)
	Mappings(ctx context.Context, projectID int64) ([]domain.WorkflowMapping, error)
	ReplaceMappings(ctx context.Context, projectID int64, mappings []domain.WorkflowMapping) error
	RunNightlyRecompute(ctx context.Context) error
	GetLastRun(ctx context.Context) (*repo.LastRun, error)
}

type Handlers struct {
	cfg config.Config
	log zerolog.Logger
	svc Service
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc Service) *Handlers {
	return &Handlers{cfg: cfg, log: log, svc: svc}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func projectID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return 0, false
	}
	return id, true
}

func (h *Handlers) ListProjects(c *gin.Context) {
	projects, err := h.svc.Projects(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *Handlers) CreateProject(c *gin.Context) {
	var req struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.svc.CreateProject(c.Request.Context(), req.Key, req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

// ProjectMetrics serves the in-process aggregate computed from literal status
// names.
func (h *Handlers) ProjectMetrics(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	pm, _, err := h.svc.RecomputeProject(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pm)
}

func (h *Handlers) IssueMetrics(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	_, issues, err := h.svc.RecomputeProject(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

func (h *Handlers) Trends(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	metric := c.DefaultQuery("metric", workflow.DurationLead)
	points, err := h.svc.ProjectTrends(c.Request.Context(), id, metric)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metric": metric, "points": points})
}

func (h *Handlers) IssueMetricsByKey(c *gin.Context) {
	key := c.Param("key")
	m, err := h.svc.IssueMetricsByKey(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

// Distribution serves the bucketed views on their own, for clients that do
// not want the full aggregate payload.
func (h *Handlers) Distribution(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	pm, _, err := h.svc.RecomputeProject(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"size_distribution":       pm.SizeDistribution,
		"cycle_time_distribution": pm.CycleTimeDistribution,
	})
}

// StageMetrics serves the mapping-table path: per-issue rows from the
// issue_stage_metrics view.
func (h *Handlers) StageMetrics(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	rows, err := h.svc.StageMetrics(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": rows})
}

func (h *Handlers) Rollup(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	rollup, err := h.svc.ProjectRollup(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rollup)
}

func (h *Handlers) IngestChangelogs(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	var req struct {
		Issues []services.IssueUpload `json:"issues"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.IngestChangelogs(c.Request.Context(), id, req.Issues)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) GetMappings(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	mappings, err := h.svc.Mappings(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, gin.H{"raw_status": m.RawStatus, "stage": m.Stage})
	}
	c.JSON(http.StatusOK, gin.H{"mappings": out})
}

func (h *Handlers) PutMappings(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	var req struct {
		Mappings []struct {
			RawStatus string `json:"raw_status"`
			Stage     string `json:"stage"`
		} `json:"mappings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mappings := make([]domain.WorkflowMapping, 0, len(req.Mappings))
	for _, m := range req.Mappings {
		stage, err := domain.ParseStage(m.Stage)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mappings = append(mappings, domain.WorkflowMapping{ProjectID: id, RawStatus: m.RawStatus, Stage: stage})
	}
	if err := h.svc.ReplaceMappings(c.Request.Context(), id, mappings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(mappings)})
}

func (h *Handlers) RecomputeNow(c *gin.Context) {
	// Detached from the request context so a closed connection cannot cancel
	// the job mid-run.
	go func() {
		if err := h.svc.RunNightlyRecompute(context.Background()); err != nil {
			h.log.Error().Err(err).Msg("manual recompute failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handlers) LastRun(c *gin.Context) {
	lr, err := h.svc.GetLastRun(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, lr)
}
