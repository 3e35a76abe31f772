package workflow

import (
	"fmt"
	"strings"

	"github.com/spencermiles/jira-report-web-sub000/internal/domain"
)

// StageResolver turns a raw status name into a canonical stage. The second
// return is false for unmapped names; unmapped statuses are inert, they
// neither advance nor interrupt extraction.
type StageResolver func(status string) (domain.CanonicalStage, bool)

// StageMapper resolves tracker-specific status names per project from
// workflow-mapping rows. Pure lookup, no side effects.
type StageMapper struct {
	byProject map[int64]map[string]domain.CanonicalStage
}

// NewStageMapper builds a mapper from mapping rows. Rows carrying a canonical
// stage outside the nine-value enum, or duplicating a (project, raw status)
// pair, are rejected so a bad configuration never reaches extraction.
func NewStageMapper(rows []domain.WorkflowMapping) (*StageMapper, error) {
	m := &StageMapper{byProject: map[int64]map[string]domain.CanonicalStage{}}
	for _, row := range rows {
		if !row.Stage.Valid() {
			return nil, fmt.Errorf("workflow mapping %q: invalid canonical stage %q", row.RawStatus, row.Stage)
		}
		key := normStatus(row.RawStatus)
		if key == "" {
			return nil, fmt.Errorf("workflow mapping for project %d: empty raw status", row.ProjectID)
		}
		proj := m.byProject[row.ProjectID]
		if proj == nil {
			proj = map[string]domain.CanonicalStage{}
			m.byProject[row.ProjectID] = proj
		}
		if _, dup := proj[key]; dup {
			return nil, fmt.Errorf("workflow mapping for project %d: duplicate raw status %q", row.ProjectID, row.RawStatus)
		}
		proj[key] = row.Stage
	}
	return m, nil
}

// Resolve returns the mapped canonical stage for a raw status name, or false
// when no row exists. The raw name match is case-insensitive.
func (m *StageMapper) Resolve(projectID int64, rawStatus string) (domain.CanonicalStage, bool) {
	proj, ok := m.byProject[projectID]
	if !ok {
		return "", false
	}
	stage, ok := proj[normStatus(rawStatus)]
	return stage, ok
}

// ResolverFor binds the mapper to one project for use during extraction.
func (m *StageMapper) ResolverFor(projectID int64) StageResolver {
	return func(status string) (domain.CanonicalStage, bool) {
		return m.Resolve(projectID, status)
	}
}

func normStatus(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// LiteralResolver matches status names that already look canonical, without a
// mapping table. This is the client-side resolution rule; the SQL view path
// resolves through workflow_mappings instead, and the two deliberately stay
// independent.
func LiteralResolver(status string) (domain.CanonicalStage, bool) {
	switch normStatus(status) {
	case "draft":
		return domain.StageDraft, true
	case "backlog":
		return domain.StageBacklog, true
	case "ready for grooming":
		return domain.StageReadyForGrooming, true
	case "ready for dev", "ready for development":
		return domain.StageReadyForDev, true
	case "in progress":
		return domain.StageInProgress, true
	case "in review":
		return domain.StageInReview, true
	case "in qa":
		return domain.StageInQA, true
	case "ready for release":
		return domain.StageReadyForRelease, true
	case "done":
		return domain.StageDone, true
	case "blocked":
		return domain.StageBlocked, true
	}
	return "", false
}
