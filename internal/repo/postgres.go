package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/spencermiles/jira-report-web-sub000/internal/config"
	"github.com/spencermiles/jira-report-web-sub000/internal/domain"
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(ctx2); err != nil {
		log.Fatal().Err(err).Msg("db ping failed")
	}
	return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Repository struct {
	db  *DB
	log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
	return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
	if !ok && err == nil {
		return errors.New("advisory unlock returned false")
	}
	return err
}

// ---- Projects ----

func (r *Repository) UpsertProject(ctx context.Context, key, name string) (int64, error) {
	const q = `
		INSERT INTO projects(key, name) VALUES($1, $2)
		ON CONFLICT(key) DO UPDATE SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE projects.name END
		RETURNING id`
	var id int64
	if err := r.db.Pool.QueryRow(ctx, q, key, name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repository) GetProject(ctx context.Context, id int64) (*domain.Project, error) {
	var p domain.Project
	err := r.db.Pool.QueryRow(ctx, `SELECT id, key, name FROM projects WHERE id=$1`, id).
		Scan(&p.ID, &p.Key, &p.Name)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) GetProjectByKey(ctx context.Context, key string) (*domain.Project, error) {
	var p domain.Project
	err := r.db.Pool.QueryRow(ctx, `SELECT id, key, name FROM projects WHERE key=$1`, key).
		Scan(&p.ID, &p.Key, &p.Name)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, key, name FROM projects ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Key, &p.Name); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- Issues ----

func (r *Repository) UpsertIssue(ctx context.Context, i domain.Issue) (int64, error) {
	const q = `
		INSERT INTO issues(key, project_id, type, sprint, story_points, status_last, created_at, resolved_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT(key) DO UPDATE SET
			project_id=EXCLUDED.project_id,
			type=EXCLUDED.type,
			sprint=EXCLUDED.sprint,
			story_points=EXCLUDED.story_points,
			status_last=EXCLUDED.status_last,
			created_at=EXCLUDED.created_at,
			resolved_at=EXCLUDED.resolved_at
		RETURNING id`
	var id int64
	row := r.db.Pool.QueryRow(ctx, q, i.Key, i.ProjectID, i.Type, i.Sprint, i.StoryPoints,
		i.StatusLast, i.CreatedAt, i.ResolvedAt)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repository) GetIssueByKey(ctx context.Context, key string) (*domain.Issue, error) {
	const q = `SELECT id, key, project_id, COALESCE(type,''), COALESCE(sprint,''),
		story_points, COALESCE(status_last,''), created_at, resolved_at
		FROM issues WHERE key=$1`
	var i domain.Issue
	row := r.db.Pool.QueryRow(ctx, q, key)
	if err := row.Scan(&i.ID, &i.Key, &i.ProjectID, &i.Type, &i.Sprint,
		&i.StoryPoints, &i.StatusLast, &i.CreatedAt, &i.ResolvedAt); err != nil {
		return nil, err
	}
	return &i, nil
}

func (r *Repository) ListIssues(ctx context.Context, projectID int64) ([]domain.Issue, error) {
	const q = `SELECT id, key, project_id, COALESCE(type,''), COALESCE(sprint,''),
		story_points, COALESCE(status_last,''), created_at, resolved_at
		FROM issues WHERE project_id=$1 ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Issue
	for rows.Next() {
		var i domain.Issue
		if err := rows.Scan(&i.ID, &i.Key, &i.ProjectID, &i.Type, &i.Sprint,
			&i.StoryPoints, &i.StatusLast, &i.CreatedAt, &i.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ---- Status history ----

// ReplaceStatusHistory swaps an issue's recorded transitions for a fresh
// changelog in one transaction, so a half-applied re-ingest can never leave a
// mix of old and new events behind.
func (r *Repository) ReplaceStatusHistory(ctx context.Context, issueID int64, events []domain.StatusChangeEvent) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM status_events WHERE issue_id=$1`, issueID); err != nil {
		return err
	}
	if len(events) > 0 {
		batch := &pgx.Batch{}
		const q = `INSERT INTO status_events(issue_id, from_status, to_status, at) VALUES($1,$2,$3,$4)`
		for _, e := range events {
			var from any
			if e.From != "" {
				from = e.From
			}
			batch.Queue(q, issueID, from, e.To, e.At)
		}
		br := tx.SendBatch(ctx, batch)
		for range events {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// LoadStatusEvents returns every status transition for a project keyed by
// issue id, ordered by timestamp with insertion order breaking ties.
func (r *Repository) LoadStatusEvents(ctx context.Context, projectID int64) (map[int64][]domain.StatusChangeEvent, error) {
	const q = `SELECT e.issue_id, COALESCE(e.from_status,''), e.to_status, e.at
		FROM status_events e
		JOIN issues i ON i.id = e.issue_id
		WHERE i.project_id = $1
		ORDER BY e.issue_id, e.at, e.id`
	rows, err := r.db.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64][]domain.StatusChangeEvent{}
	for rows.Next() {
		var issueID int64
		var e domain.StatusChangeEvent
		if err := rows.Scan(&issueID, &e.From, &e.To, &e.At); err != nil {
			return nil, err
		}
		out[issueID] = append(out[issueID], e)
	}
	return out, rows.Err()
}

func (r *Repository) LoadStatusEventsForIssue(ctx context.Context, issueID int64) ([]domain.StatusChangeEvent, error) {
	const q = `SELECT COALESCE(from_status,''), to_status, at
		FROM status_events WHERE issue_id=$1 ORDER BY at, id`
	rows, err := r.db.Pool.Query(ctx, q, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StatusChangeEvent
	for rows.Next() {
		var e domain.StatusChangeEvent
		if err := rows.Scan(&e.From, &e.To, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- Workflow mappings ----

// ReplaceWorkflowMappings validates and swaps a project's full mapping set in
// one transaction. Invalid stages are rejected before anything is touched.
func (r *Repository) ReplaceWorkflowMappings(ctx context.Context, projectID int64, mappings []domain.WorkflowMapping) error {
	for _, m := range mappings {
		if _, err := domain.ParseStage(string(m.Stage)); err != nil {
			return err
		}
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM workflow_mappings WHERE project_id=$1`, projectID); err != nil {
		return err
	}
	if len(mappings) > 0 {
		batch := &pgx.Batch{}
		const q = `INSERT INTO workflow_mappings(project_id, raw_status, canonical_stage) VALUES($1,$2,$3)`
		for _, m := range mappings {
			batch.Queue(q, projectID, m.RawStatus, string(m.Stage))
		}
		br := tx.SendBatch(ctx, batch)
		for range mappings {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetWorkflowMappings(ctx context.Context, projectID int64) ([]domain.WorkflowMapping, error) {
	const q = `SELECT project_id, raw_status, canonical_stage
		FROM workflow_mappings WHERE project_id=$1 ORDER BY raw_status`
	rows, err := r.db.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkflowMapping
	for rows.Next() {
		var m domain.WorkflowMapping
		var stage string
		if err := rows.Scan(&m.ProjectID, &m.RawStatus, &stage); err != nil {
			return nil, err
		}
		m.Stage = domain.CanonicalStage(stage)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- SQL-side metrics ----

// StageMetricsRow mirrors one row of the issue_stage_metrics view. Unlike the
// in-process extractor this path resolves statuses through workflow_mappings,
// so the two can disagree until a project's mapping table is complete.
type StageMetricsRow struct {
	IssueID           int64      `json:"issue_id"`
	Key               string     `json:"key"`
	ProjectID         int64      `json:"project_id"`
	Type              string     `json:"type"`
	Sprint            string     `json:"sprint"`
	StoryPoints       *float64   `json:"story_points"`
	CreatedAt         *time.Time `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at"`
	InProgressAt      *time.Time `json:"in_progress_at"`
	DoneAt            *time.Time `json:"done_at"`
	LeadTimeDays      *float64   `json:"lead_time_days"`
	CycleTimeDays     *float64   `json:"cycle_time_days"`
	GroomingCycleDays *float64   `json:"grooming_cycle_days"`
	DevCycleDays      *float64   `json:"dev_cycle_days"`
	QACycleDays       *float64   `json:"qa_cycle_days"`
	ReviewChurn       int        `json:"review_churn"`
	QAChurn           int        `json:"qa_churn"`
	Blockers          int        `json:"blockers"`
}

func (r *Repository) QueryStageMetrics(ctx context.Context, projectID int64) ([]StageMetricsRow, error) {
	const q = `SELECT issue_id, key, project_id, COALESCE(type,''), COALESCE(sprint,''),
		story_points, created_at, resolved_at, in_progress_at, done_at,
		lead_time_days, cycle_time_days, grooming_cycle_days, dev_cycle_days, qa_cycle_days,
		review_churn, qa_churn, blockers
		FROM issue_stage_metrics WHERE project_id=$1 ORDER BY issue_id`
	rows, err := r.db.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StageMetricsRow
	for rows.Next() {
		var m StageMetricsRow
		if err := rows.Scan(&m.IssueID, &m.Key, &m.ProjectID, &m.Type, &m.Sprint,
			&m.StoryPoints, &m.CreatedAt, &m.ResolvedAt, &m.InProgressAt, &m.DoneAt,
			&m.LeadTimeDays, &m.CycleTimeDays, &m.GroomingCycleDays, &m.DevCycleDays, &m.QACycleDays,
			&m.ReviewChurn, &m.QAChurn, &m.Blockers); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ProjectRollup is the database-side project summary. Averages stay NULL when
// nothing is resolved; the two percentages collapse to 0 instead.
type ProjectRollup struct {
	Issues           int      `json:"issues"`
	Resolved         int      `json:"resolved"`
	AvgLeadTime      *float64 `json:"avg_lead_time"`
	AvgCycleTime     *float64 `json:"avg_cycle_time"`
	FlowEfficiency   float64  `json:"flow_efficiency"`
	FirstTimeThrough float64  `json:"first_time_through"`
}

func (r *Repository) QueryProjectRollup(ctx context.Context, projectID int64) (*ProjectRollup, error) {
	const q = `
		SELECT COUNT(*) AS issues,
		       COUNT(*) FILTER (WHERE resolved_at IS NOT NULL OR done_at IS NOT NULL) AS resolved,
		       AVG(lead_time_days) AS avg_lead_time,
		       AVG(cycle_time_days) FILTER (WHERE resolved_at IS NOT NULL OR done_at IS NOT NULL) AS avg_cycle_time,
		       COALESCE(AVG(LEAST(
		           (COALESCE(grooming_cycle_days,0) + COALESCE(dev_cycle_days,0) + COALESCE(qa_cycle_days,0))
		               / NULLIF(lead_time_days, 0), 1))
		           FILTER (WHERE (resolved_at IS NOT NULL OR done_at IS NOT NULL) AND lead_time_days > 0) * 100,
		           0) AS flow_efficiency,
		       COALESCE(
		           (COUNT(*) FILTER (WHERE (resolved_at IS NOT NULL OR done_at IS NOT NULL)
		                                AND review_churn = 0 AND qa_churn = 0))::float
		               / NULLIF(COUNT(*) FILTER (WHERE resolved_at IS NOT NULL OR done_at IS NOT NULL), 0) * 100,
		           0) AS first_time_through
		FROM issue_stage_metrics WHERE project_id=$1`
	var out ProjectRollup
	row := r.db.Pool.QueryRow(ctx, q, projectID)
	if err := row.Scan(&out.Issues, &out.Resolved, &out.AvgLeadTime, &out.AvgCycleTime,
		&out.FlowEfficiency, &out.FirstTimeThrough); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---- Weekly KPI snapshots ----

func (r *Repository) BulkInsertMetrics(ctx context.Context, weekStart time.Time, projectID int64, metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `INSERT INTO metrics_weekly(week_start, project_id, kpi, value) VALUES($1,$2,$3,$4)
		ON CONFLICT (week_start, project_id, kpi) DO UPDATE SET value=EXCLUDED.value`
	for k, v := range metrics {
		batch.Queue(q, weekStart, projectID, k, v)
	}
	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range metrics {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetWeeklyMetrics(ctx context.Context, weekStart time.Time, projectID int64) (map[string]float64, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT kpi, value FROM metrics_weekly WHERE week_start=$1 AND project_id=$2`, weekStart, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ---- Job runs ----

func (r *Repository) StartJobRun(ctx context.Context, projects string) (int64, error) {
	const q = `INSERT INTO job_runs(started_at, projects, success) VALUES(now(), $1, false) RETURNING id`
	var id int64
	if err := r.db.Pool.QueryRow(ctx, q, projects).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repository) FinishJobRun(ctx context.Context, id int64, issuesScanned int, success bool, errStr string) error {
	const q = `UPDATE job_runs SET finished_at=now(), issues_scanned=$2, success=$3, error=$4 WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id, issuesScanned, success, errStr)
	return err
}

type LastRun struct {
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	Projects      string     `json:"projects"`
	IssuesScanned int        `json:"issues_scanned"`
	Success       bool       `json:"success"`
	Error         string     `json:"error"`
}

func (r *Repository) GetLastRun(ctx context.Context) (*LastRun, error) {
	const q = `SELECT started_at, finished_at, COALESCE(projects,''),
		COALESCE(issues_scanned,0), COALESCE(success,false), COALESCE(error,'')
		FROM job_runs ORDER BY id DESC LIMIT 1`
	row := r.db.Pool.QueryRow(ctx, q)
	lr := &LastRun{}
	if err := row.Scan(&lr.StartedAt, &lr.FinishedAt, &lr.Projects, &lr.IssuesScanned, &lr.Success, &lr.Error); err != nil {
		return nil, err
	}
	return lr, nil
}
