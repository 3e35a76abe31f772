package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spencermiles/jira-report-web-sub000/internal/adapters/jira"
	"github.com/spencermiles/jira-report-web-sub000/internal/config"
	"github.com/spencermiles/jira-report-web-sub000/internal/domain"
	"github.com/spencermiles/jira-report-web-sub000/internal/repo"
	"github.com/spencermiles/jira-report-web-sub000/internal/workflow"
)

// lockKeyRecompute guards the nightly ETL+recompute job across replicas.
const lockKeyRecompute int64 = 7421

type JiraClient interface {
	Search(ctx context.Context, jql string, startAt, max int) (*jira.SearchResult, error)
	ChangelogPage(ctx context.Context, key string, startAt, max int) (*jira.Changelog, error)
}

type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessagePlain(ctx context.Context, chatID int64, text string) error
}

type Service struct {
	cfg  config.Config
	log  zerolog.Logger
	repo *repo.Repository
	jira JiraClient
	tg   Notifier
}

func New(cfg config.Config, log zerolog.Logger, r *repo.Repository, jc JiraClient, tg Notifier) *Service {
	return &Service{cfg: cfg, log: log, repo: r, jira: jc, tg: tg}
}

// ---- Changelog upload ----

// IssueUpload is one issue in a client-supplied changelog batch. Created and
// Resolved are tracker timestamp strings; Changelog is the raw entry array in
// either supported shape.
type IssueUpload struct {
	Key         string          `json:"key"`
	Type        string          `json:"type"`
	Sprint      string          `json:"sprint"`
	StoryPoints *float64        `json:"story_points"`
	Status      string          `json:"status"`
	Created     string          `json:"created"`
	Resolved    string          `json:"resolved"`
	Changelog   json.RawMessage `json:"changelog"`
}

type IngestResult struct {
	Issues  int      `json:"issues"`
	Events  int      `json:"events"`
	Skipped []string `json:"skipped,omitempty"`
}

// IngestChangelogs persists a batch of issues with their status histories.
// Issues that cannot be decoded are skipped and reported, never fatal to the
// rest of the batch.
func (s *Service) IngestChangelogs(ctx context.Context, projectID int64, uploads []IssueUpload) (*IngestResult, error) {
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %d: %w", projectID, err)
	}
	res := &IngestResult{}
	for _, up := range uploads {
		if strings.TrimSpace(up.Key) == "" {
			res.Skipped = append(res.Skipped, "(missing key)")
			continue
		}
		var events []domain.StatusChangeEvent
		if len(up.Changelog) > 0 {
			entries, err := workflow.DecodeChangelog(up.Changelog)
			if err != nil {
				s.log.Warn().Err(err).Str("key", up.Key).Msg("ingest: bad changelog")
				res.Skipped = append(res.Skipped, up.Key)
				continue
			}
			events = workflow.Normalize(entries)
		}
		issueID, err := s.repo.UpsertIssue(ctx, domain.Issue{
			Key:         up.Key,
			ProjectID:   projectID,
			Type:        up.Type,
			Sprint:      up.Sprint,
			StoryPoints: up.StoryPoints,
			StatusLast:  up.Status,
			CreatedAt:   workflow.ParseTimeUTC(up.Created),
			ResolvedAt:  workflow.ParseTimeUTC(up.Resolved),
		})
		if err != nil {
			return res, fmt.Errorf("upsert %s: %w", up.Key, err)
		}
		if err := s.repo.ReplaceStatusHistory(ctx, issueID, events); err != nil {
			return res, fmt.Errorf("replace history %s: %w", up.Key, err)
		}
		res.Issues++
		res.Events += len(events)
	}
	return res, nil
}

// ---- Metric computation ----

// RecomputeProject rebuilds per-issue and project-level metrics from stored
// status histories. Statuses resolve by literal name here; the SQL view is
// the mapping-table counterpart.
func (s *Service) RecomputeProject(ctx context.Context, projectID int64) (workflow.ProjectMetrics, []workflow.IssueMetrics, error) {
	issues, err := s.repo.ListIssues(ctx, projectID)
	if err != nil {
		return workflow.ProjectMetrics{}, nil, err
	}
	events, err := s.repo.LoadStatusEvents(ctx, projectID)
	if err != nil {
		return workflow.ProjectMetrics{}, nil, err
	}
	metrics := make([]workflow.IssueMetrics, 0, len(issues))
	for _, iss := range issues {
		metrics = append(metrics, workflow.Extract(iss, events[iss.ID], workflow.LiteralResolver))
	}
	pm := workflow.AggregateProject(metrics)
	if s.cfg.BlockedDaysPerBlocker > 0 {
		pm.BlockedTime = workflow.BlockedTimeImpact(metrics, s.cfg.BlockedDaysPerBlocker)
	}
	return pm, metrics, nil
}

// IssueMetricsByKey extracts metrics for a single issue.
func (s *Service) IssueMetricsByKey(ctx context.Context, key string) (workflow.IssueMetrics, error) {
	iss, err := s.repo.GetIssueByKey(ctx, key)
	if err != nil {
		return workflow.IssueMetrics{}, err
	}
	events, err := s.repo.LoadStatusEventsForIssue(ctx, iss.ID)
	if err != nil {
		return workflow.IssueMetrics{}, err
	}
	return workflow.Extract(*iss, events, workflow.LiteralResolver), nil
}

// ProjectTrends returns the weekly trend for one of the named durations.
func (s *Service) ProjectTrends(ctx context.Context, projectID int64, metric string) ([]workflow.TrendPoint, error) {
	sel := workflow.DurationSelector(metric)
	if sel == nil {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	_, issues, err := s.RecomputeProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return workflow.WeeklyTrend(issues, sel), nil
}

func (s *Service) ReplaceMappings(ctx context.Context, projectID int64, mappings []domain.WorkflowMapping) error {
	for i := range mappings {
		mappings[i].ProjectID = projectID
	}
	// NewStageMapper rejects duplicates and bad stages before the database
	// sees anything.
	if _, err := workflow.NewStageMapper(mappings); err != nil {
		return err
	}
	return s.repo.ReplaceWorkflowMappings(ctx, projectID, mappings)
}

func (s *Service) Mappings(ctx context.Context, projectID int64) ([]domain.WorkflowMapping, error) {
	return s.repo.GetWorkflowMappings(ctx, projectID)
}

func (s *Service) Projects(ctx context.Context) ([]domain.Project, error) {
	return s.repo.ListProjects(ctx)
}

func (s *Service) CreateProject(ctx context.Context, key, name string) (*domain.Project, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("project key is required")
	}
	id, err := s.repo.UpsertProject(ctx, key, name)
	if err != nil {
		return nil, err
	}
	return s.repo.GetProject(ctx, id)
}

// StageMetrics exposes the mapping-table metric path backed by the
// issue_stage_metrics view.
func (s *Service) StageMetrics(ctx context.Context, projectID int64) ([]repo.StageMetricsRow, error) {
	return s.repo.QueryStageMetrics(ctx, projectID)
}

func (s *Service) ProjectRollup(ctx context.Context, projectID int64) (*repo.ProjectRollup, error) {
	return s.repo.QueryProjectRollup(ctx, projectID)
}

func (s *Service) GetLastRun(ctx context.Context) (*repo.LastRun, error) {
	return s.repo.GetLastRun(ctx)
}

// ---- Jira ETL ----

// runETL pulls recently updated issues for every configured project and
// replaces their stored status histories. Issues on a page are processed by a
// bounded worker pool.
func (s *Service) runETL(ctx context.Context) (int, error) {
	scanned := 0
	for _, projectKey := range s.cfg.JiraProjects {
		projectID, err := s.repo.UpsertProject(ctx, projectKey, "")
		if err != nil {
			return scanned, err
		}
		jql := fmt.Sprintf("project = %s", projectKey)
		if strings.TrimSpace(s.cfg.JiraDefaultJQL) != "" {
			jql += " AND " + s.cfg.JiraDefaultJQL
		}
		n, err := s.etlProject(ctx, projectID, jql)
		scanned += n
		if err != nil {
			return scanned, err
		}
	}
	return scanned, nil
}

func (s *Service) etlProject(ctx context.Context, projectID int64, jql string) (int, error) {
	count := 0
	startAt := 0
	for {
		page, err := s.jira.Search(ctx, jql, startAt, 50)
		if err != nil {
			return count, err
		}
		if len(page.Issues) == 0 {
			break
		}

		workerCount := s.cfg.WorkersJira
		if workerCount <= 0 {
			workerCount = 6
		}
		jobs := make(chan jira.Issue)
		var wg sync.WaitGroup
		for w := 0; w < workerCount; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for iss := range jobs {
					if err := s.etlProcessIssue(ctx, projectID, iss); err != nil {
						s.log.Error().Err(err).Str("key", iss.Key).Msg("etl: issue failed")
					}
				}
			}()
		}
		for _, iss := range page.Issues {
			jobs <- iss
			count++
		}
		close(jobs)
		wg.Wait()

		if len(page.Issues) < 50 {
			break
		}
		startAt += 50
	}
	return count, nil
}

func (s *Service) etlProcessIssue(ctx context.Context, projectID int64, iss jira.Issue) error {
	if iss.Key == "" {
		return nil
	}
	issueID, err := s.repo.UpsertIssue(ctx, domain.Issue{
		Key:         iss.Key,
		ProjectID:   projectID,
		Type:        iss.NameField("issuetype"),
		Sprint:      iss.SprintField(s.cfg.JiraSprintField),
		StoryPoints: iss.NumberField(s.cfg.JiraStoryPointsField),
		StatusLast:  iss.NameField("status"),
		CreatedAt:   workflow.ParseTimeUTC(iss.StringField("created")),
		ResolvedAt:  workflow.ParseTimeUTC(iss.StringField("resolutiondate")),
	})
	if err != nil {
		return err
	}

	events, err := s.collectHistory(ctx, iss)
	if err != nil {
		return err
	}
	return s.repo.ReplaceStatusHistory(ctx, issueID, events)
}

// collectHistory normalizes the inline changelog and pages the rest when the
// server truncated the expansion.
func (s *Service) collectHistory(ctx context.Context, iss jira.Issue) ([]domain.StatusChangeEvent, error) {
	var entries []workflow.ChangelogEntry
	have := 0
	total := 0
	if iss.Changelog != nil && len(iss.Changelog.Histories) > 0 {
		got, err := workflow.DecodeChangelog(iss.Changelog.Histories)
		if err != nil {
			return nil, fmt.Errorf("inline changelog %s: %w", iss.Key, err)
		}
		entries = got
		have = len(got)
		total = iss.Changelog.Total
	}
	for total > have {
		page, err := s.jira.ChangelogPage(ctx, iss.Key, have, 100)
		if err != nil {
			return nil, err
		}
		if len(page.Histories) == 0 {
			break
		}
		got, err := workflow.DecodeChangelog(page.Histories)
		if err != nil {
			return nil, fmt.Errorf("changelog page %s: %w", iss.Key, err)
		}
		if len(got) == 0 {
			break
		}
		entries = append(entries, got...)
		have += len(got)
		if page.Total > 0 {
			total = page.Total
		}
	}
	return workflow.Normalize(entries), nil
}

// ---- Scheduled jobs ----

// RunNightlyRecompute refreshes issue data from Jira, recomputes every
// project, and snapshots the headline KPIs for the current week. An advisory
// lock keeps concurrent replicas from racing.
func (s *Service) RunNightlyRecompute(ctx context.Context) error {
	ok, err := s.repo.TryAdvisoryLock(ctx, lockKeyRecompute)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info().Msg("recompute: another instance holds the lock, skipping")
		return nil
	}
	defer func() {
		if err := s.repo.AdvisoryUnlock(ctx, lockKeyRecompute); err != nil {
			s.log.Error().Err(err).Msg("recompute: unlock failed")
		}
	}()

	runID, err := s.repo.StartJobRun(ctx, strings.Join(s.cfg.JiraProjects, ","))
	if err != nil {
		s.log.Error().Err(err).Msg("recompute: start job run failed")
	}
	s.log.Info().Msg("recompute: start")

	var scanned int
	var jobErr error
	defer func() {
		if runID != 0 {
			errStr := ""
			if jobErr != nil {
				errStr = jobErr.Error()
			}
			_ = s.repo.FinishJobRun(ctx, runID, scanned, jobErr == nil, errStr)
		}
	}()

	if s.cfg.JiraBaseURL != "" {
		scanned, jobErr = s.runETL(ctx)
		if jobErr != nil {
			s.log.Error().Err(jobErr).Msg("recompute: etl failed")
			return jobErr
		}
	}

	week := workflow.WeekStart(time.Now().UTC())
	projects, err := s.repo.ListProjects(ctx)
	if err != nil {
		jobErr = err
		return err
	}
	for _, p := range projects {
		pm, _, err := s.RecomputeProject(ctx, p.ID)
		if err != nil {
			jobErr = err
			return err
		}
		if err := s.repo.BulkInsertMetrics(ctx, week, p.ID, snapshotKPIs(pm)); err != nil {
			jobErr = err
			return err
		}
		s.log.Info().Str("project", p.Key).Int("issues", pm.Issues).Int("resolved", pm.Resolved).
			Msg("recompute: project done")
	}
	s.log.Info().Int("issues_scanned", scanned).Msg("recompute: done")
	return nil
}

// snapshotKPIs flattens the headline aggregates into the weekly KPI table.
func snapshotKPIs(pm workflow.ProjectMetrics) map[string]float64 {
	out := map[string]float64{
		"issues":             float64(pm.Issues),
		"resolved":           float64(pm.Resolved),
		"flow_efficiency":    pm.FlowEfficiency,
		"first_time_through": pm.FirstTimeThrough,
	}
	if pm.AvgLeadTime != nil {
		out["avg_lead_time"] = *pm.AvgLeadTime
	}
	if pm.AvgCycleTime != nil {
		out["avg_cycle_time"] = *pm.AvgCycleTime
	}
	return out
}

// RunWeeklyDigest sends each configured chat a short per-project summary with
// week-over-week deltas where a previous snapshot exists.
func (s *Service) RunWeeklyDigest(ctx context.Context) error {
	if s.tg == nil || len(s.cfg.TelegramChatIDs) == 0 {
		s.log.Info().Msg("digest: no telegram targets configured, skipping")
		return nil
	}
	projects, err := s.repo.ListProjects(ctx)
	if err != nil {
		return err
	}
	week := workflow.WeekStart(time.Now().UTC())
	var b strings.Builder
	fmt.Fprintf(&b, "Weekly flow report, week of %s\n", week.Format("2006-01-02"))
	for _, p := range projects {
		pm, _, err := s.RecomputeProject(ctx, p.ID)
		if err != nil {
			return err
		}
		prev, _ := s.repo.GetWeeklyMetrics(ctx, week.AddDate(0, 0, -7), p.ID)
		b.WriteString("\n" + renderProjectDigest(p.Key, pm, prev))
	}
	for _, chat := range s.cfg.TelegramChatIDs {
		for _, part := range chunkText(b.String(), 3800) {
			if err := s.tg.SendMessagePlain(ctx, chat, part); err != nil {
				s.log.Error().Err(err).Int64("chat", chat).Msg("digest: telegram send failed")
			}
		}
	}
	s.log.Info().Int("projects", len(projects)).Msg("digest: sent")
	return nil
}

func renderProjectDigest(key string, pm workflow.ProjectMetrics, prev map[string]float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d issues, %d resolved\n", key, pm.Issues, pm.Resolved)
	fmtAvg := func(label, kpi string, v *float64) {
		if v == nil {
			fmt.Fprintf(&b, "  %s: n/a\n", label)
			return
		}
		if pv, ok := prev[kpi]; ok {
			fmt.Fprintf(&b, "  %s: %.1fd (Δ%+.1f)\n", label, *v, *v-pv)
			return
		}
		fmt.Fprintf(&b, "  %s: %.1fd\n", label, *v)
	}
	fmtAvg("Lead avg", "avg_lead_time", pm.AvgLeadTime)
	fmtAvg("Cycle avg", "avg_cycle_time", pm.AvgCycleTime)
	fmt.Fprintf(&b, "  Flow efficiency: %.0f%%\n", pm.FlowEfficiency)
	fmt.Fprintf(&b, "  First-time-through: %.0f%%\n", pm.FirstTimeThrough)
	return b.String()
}

// chunkText splits text into chunks of up to max runes, breaking on line
// boundaries where possible. Telegram caps messages at 4096 characters.
func chunkText(s string, max int) []string {
	if max <= 0 {
		return []string{s}
	}
	var chunks []string
	lines := strings.Split(s, "\n")
	cur := ""
	curlen := 0
	for _, ln := range lines {
		rl := len([]rune(ln))
		if rl > max {
			if curlen > 0 {
				chunks = append(chunks, cur)
				cur = ""
				curlen = 0
			}
			r := []rune(ln)
			for i := 0; i < rl; i += max {
				j := i + max
				if j > rl {
					j = rl
				}
				chunks = append(chunks, string(r[i:j]))
			}
			continue
		}
		extra := rl
		if curlen > 0 {
			extra++
		}
		if curlen+extra > max {
			chunks = append(chunks, cur)
			cur = ln
			curlen = rl
		} else if curlen == 0 {
			cur = ln
			curlen = rl
		} else {
			cur += "\n" + ln
			curlen += extra
		}
	}
	if curlen > 0 {
		chunks = append(chunks, cur)
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}
