package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spencermiles/jira-report-web-sub000/internal/domain"
)

func TestStageMapperResolve(t *testing.T) {
	m, err := NewStageMapper([]domain.WorkflowMapping{
		{ProjectID: 1, RawStatus: "Coding", Stage: domain.StageInProgress},
		{ProjectID: 1, RawStatus: "Development", Stage: domain.StageInProgress},
		{ProjectID: 1, RawStatus: "Verify", Stage: domain.StageInQA},
		{ProjectID: 2, RawStatus: "Coding", Stage: domain.StageInReview},
	})
	require.NoError(t, err)

	stage, ok := m.Resolve(1, "Coding")
	require.True(t, ok)
	assert.Equal(t, domain.StageInProgress, stage)

	// many raw names onto one stage
	stage, ok = m.Resolve(1, "Development")
	require.True(t, ok)
	assert.Equal(t, domain.StageInProgress, stage)

	// case-insensitive on the raw name
	stage, ok = m.Resolve(1, "  coding ")
	require.True(t, ok)
	assert.Equal(t, domain.StageInProgress, stage)

	// mappings are per project
	stage, ok = m.Resolve(2, "Coding")
	require.True(t, ok)
	assert.Equal(t, domain.StageInReview, stage)

	_, ok = m.Resolve(1, "Nonexistent")
	assert.False(t, ok)
	_, ok = m.Resolve(99, "Coding")
	assert.False(t, ok)
}

func TestNewStageMapperRejectsBadRows(t *testing.T) {
	_, err := NewStageMapper([]domain.WorkflowMapping{
		{ProjectID: 1, RawStatus: "Coding", Stage: "CODING"},
	})
	assert.Error(t, err, "invalid canonical stage must be rejected at the boundary")

	_, err = NewStageMapper([]domain.WorkflowMapping{
		{ProjectID: 1, RawStatus: "Coding", Stage: domain.StageInProgress},
		{ProjectID: 1, RawStatus: "coding", Stage: domain.StageInReview},
	})
	assert.Error(t, err, "duplicate raw status for a project must be rejected")

	_, err = NewStageMapper([]domain.WorkflowMapping{
		{ProjectID: 1, RawStatus: "  ", Stage: domain.StageInProgress},
	})
	assert.Error(t, err)

	// DRAFT is a pseudo-stage, never a legal mapping target.
	_, err = NewStageMapper([]domain.WorkflowMapping{
		{ProjectID: 1, RawStatus: "Sketch", Stage: domain.StageDraft},
	})
	assert.Error(t, err)
}

func TestLiteralResolver(t *testing.T) {
	tests := []struct {
		status string
		want   domain.CanonicalStage
		ok     bool
	}{
		{"Draft", domain.StageDraft, true},
		{"Backlog", domain.StageBacklog, true},
		{"Ready for Grooming", domain.StageReadyForGrooming, true},
		{"ready for dev", domain.StageReadyForDev, true},
		{"In Progress", domain.StageInProgress, true},
		{"IN REVIEW", domain.StageInReview, true},
		{"In QA", domain.StageInQA, true},
		{"Ready for Release", domain.StageReadyForRelease, true},
		{"Done", domain.StageDone, true},
		{"Blocked", domain.StageBlocked, true},
		{"Coding", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := LiteralResolver(tt.status)
		assert.Equal(t, tt.ok, ok, tt.status)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.status)
		}
	}
}

func TestParseStage(t *testing.T) {
	s, err := domain.ParseStage(" in_progress ")
	require.NoError(t, err)
	assert.Equal(t, domain.StageInProgress, s)

	_, err = domain.ParseStage("DRAFT")
	assert.Error(t, err)
	_, err = domain.ParseStage("bogus")
	assert.Error(t, err)
}
