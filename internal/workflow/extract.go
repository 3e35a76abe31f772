package workflow

import (
	"math"
	"time"

	"github.com/spencermiles/jira-report-web-sub000/internal/domain"
)

// Stage timestamp keys as exposed in IssueMetrics.StageTimestamps.
const (
	TSDraft            = "draft"
	TSReadyForGrooming = "readyForGrooming"
	TSReadyForDev      = "readyForDev"
	TSInProgress       = "inProgress"
	TSInReview         = "inReview"
	TSInQA             = "inQA"
	TSReadyForRelease  = "readyForRelease"
	TSDone             = "done"
)

// IssueMetrics is the per-issue extraction result. Durations are day counts at
// full precision; they are nil unless both boundary timestamps exist and the
// end is strictly later than the start, never zero or negative. Counters
// increment on every entry into their stage, first entry included.
type IssueMetrics struct {
	Key         string     `json:"key"`
	ProjectID   int64      `json:"project_id"`
	Type        string     `json:"type"`
	Sprint      string     `json:"sprint,omitempty"`
	StoryPoints *float64   `json:"story_points"`
	CreatedAt   *time.Time `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at"`

	// StageTimestamps holds the first-seen timestamp per stage, except done,
	// which holds the last-seen one (reopen/re-resolve keeps the final close).
	StageTimestamps map[string]time.Time `json:"stage_timestamps"`

	LeadTime          *float64 `json:"lead_time"`           // done − draft (stage-based)
	CycleTime         *float64 `json:"cycle_time"`          // done − inProgress
	GroomingCycleTime *float64 `json:"grooming_cycle_time"` // inProgress − readyForGrooming
	DevCycleTime      *float64 `json:"dev_cycle_time"`      // inQA − inProgress
	QACycleTime       *float64 `json:"qa_cycle_time"`       // done − inQA

	// LifecycleLeadTime is the alternate definition, resolved − created from
	// the issue record itself. It is a separate named metric and is never
	// merged with the stage-based LeadTime.
	LifecycleLeadTime *float64 `json:"lifecycle_lead_time"`

	Blockers    int `json:"blockers"`
	ReviewChurn int `json:"review_churn"`
	QAChurn     int `json:"qa_churn"`
}

// Resolved reports whether the issue has reached a terminal state: a done
// stage entry or a resolution timestamp on the issue record.
func (m IssueMetrics) Resolved() bool {
	if _, ok := m.StageTimestamps[TSDone]; ok {
		return true
	}
	return m.ResolvedAt != nil
}

// Stage returns the recorded timestamp for a stage key.
func (m IssueMetrics) Stage(key string) (time.Time, bool) {
	t, ok := m.StageTimestamps[key]
	return t, ok
}

type foldState struct {
	draft, grooming, readyDev, inProgress, inReview, inQA, readyRelease, done *time.Time
	blockers, reviewChurn, qaChurn                                           int
}

// Extract folds over the ordered event list for one issue and produces its
// metrics. It never reorders events and never fails on data quality: events
// whose status the resolver cannot place are skipped, and an issue with no
// qualifying events yields all-nil timings and zero counters.
func Extract(issue domain.Issue, events []domain.StatusChangeEvent, resolve StageResolver) IssueMetrics {
	var st foldState
	for _, ev := range events {
		stage, ok := resolve(ev.To)
		if !ok {
			continue
		}
		at := ev.At
		switch stage {
		case domain.StageDraft:
			setFirst(&st.draft, at)
		case domain.StageReadyForGrooming:
			setFirst(&st.grooming, at)
		case domain.StageReadyForDev:
			setFirst(&st.readyDev, at)
		case domain.StageInProgress:
			setFirst(&st.inProgress, at)
		case domain.StageInReview:
			setFirst(&st.inReview, at)
			st.reviewChurn++
		case domain.StageInQA:
			setFirst(&st.inQA, at)
			st.qaChurn++
		case domain.StageReadyForRelease:
			setFirst(&st.readyRelease, at)
		case domain.StageDone:
			// Last entry wins, tolerating reopen/re-resolve cycles.
			t := at
			st.done = &t
		case domain.StageBlocked:
			st.blockers++
		}
	}

	m := IssueMetrics{
		Key:             issue.Key,
		ProjectID:       issue.ProjectID,
		Type:            issue.Type,
		Sprint:          issue.Sprint,
		StoryPoints:     issue.StoryPoints,
		CreatedAt:       issue.CreatedAt,
		ResolvedAt:      issue.ResolvedAt,
		StageTimestamps: map[string]time.Time{},
		Blockers:        st.blockers,
		ReviewChurn:     st.reviewChurn,
		QAChurn:         st.qaChurn,
	}
	putStage(m.StageTimestamps, TSDraft, st.draft)
	putStage(m.StageTimestamps, TSReadyForGrooming, st.grooming)
	putStage(m.StageTimestamps, TSReadyForDev, st.readyDev)
	putStage(m.StageTimestamps, TSInProgress, st.inProgress)
	putStage(m.StageTimestamps, TSInReview, st.inReview)
	putStage(m.StageTimestamps, TSInQA, st.inQA)
	putStage(m.StageTimestamps, TSReadyForRelease, st.readyRelease)
	putStage(m.StageTimestamps, TSDone, st.done)

	m.LeadTime = daysBetween(st.draft, st.done)
	m.CycleTime = daysBetween(st.inProgress, st.done)
	m.GroomingCycleTime = daysBetween(st.grooming, st.inProgress)
	m.DevCycleTime = daysBetween(st.inProgress, st.inQA)
	m.QACycleTime = daysBetween(st.inQA, st.done)
	m.LifecycleLeadTime = daysBetween(issue.CreatedAt, issue.ResolvedAt)
	return m
}

func setFirst(slot **time.Time, at time.Time) {
	if *slot == nil {
		t := at
		*slot = &t
	}
}

func putStage(ts map[string]time.Time, key string, t *time.Time) {
	if t != nil {
		ts[key] = *t
	}
}

// daysBetween returns the duration in days, or nil unless both endpoints exist
// and end is strictly after start.
func daysBetween(start, end *time.Time) *float64 {
	if start == nil || end == nil || !end.After(*start) {
		return nil
	}
	d := end.Sub(*start).Hours() / 24.0
	return &d
}

// RoundDays rounds a day count to one decimal for display-grade outputs.
// Statistics always run on the full-precision values.
func RoundDays(d float64) float64 { return math.Round(d*10) / 10 }
