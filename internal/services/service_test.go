package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spencermiles/jira-report-web-sub000/internal/adapters/jira"
	"github.com/spencermiles/jira-report-web-sub000/internal/workflow"
)

type fakeJira struct {
	pages map[int]*jira.Changelog
}

func (f *fakeJira) Search(ctx context.Context, jql string, startAt, max int) (*jira.SearchResult, error) {
	return &jira.SearchResult{}, nil
}

func (f *fakeJira) ChangelogPage(ctx context.Context, key string, startAt, max int) (*jira.Changelog, error) {
	p, ok := f.pages[startAt]
	if !ok {
		return nil, fmt.Errorf("unexpected startAt %d", startAt)
	}
	return p, nil
}

func history(created, from, to string) string {
	return fmt.Sprintf(`{"created":%q,"items":[{"field":"status","fromString":%q,"toString":%q}]}`, created, from, to)
}

func TestCollectHistoryInlineOnly(t *testing.T) {
	s := &Service{jira: &fakeJira{}}
	iss := jira.Issue{
		Key: "PROJ-1",
		Changelog: &jira.Changelog{
			Total: 2,
			Histories: json.RawMessage("[" + strings.Join([]string{
				history("2024-01-02T10:00:00Z", "Backlog", "In Progress"),
				history("2024-01-05T10:00:00Z", "In Progress", "Done"),
			}, ",") + "]"),
		},
	}
	events, err := s.collectHistory(context.Background(), iss)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "In Progress", events[0].To)
	assert.Equal(t, "Done", events[1].To)
}

func TestCollectHistoryPagesTruncatedChangelog(t *testing.T) {
	fj := &fakeJira{pages: map[int]*jira.Changelog{
		1: {
			Total:     3,
			Histories: json.RawMessage("[" + history("2024-01-03T10:00:00Z", "In Progress", "In QA") + "," + history("2024-01-05T10:00:00Z", "In QA", "Done") + "]"),
		},
	}}
	s := &Service{jira: fj}
	iss := jira.Issue{
		Key: "PROJ-2",
		Changelog: &jira.Changelog{
			Total:     3,
			Histories: json.RawMessage("[" + history("2024-01-02T10:00:00Z", "Backlog", "In Progress") + "]"),
		},
	}
	events, err := s.collectHistory(context.Background(), iss)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "Done", events[2].To)
}

func TestCollectHistoryNoChangelog(t *testing.T) {
	s := &Service{jira: &fakeJira{}}
	events, err := s.collectHistory(context.Background(), jira.Issue{Key: "PROJ-3"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSnapshotKPIs(t *testing.T) {
	lead := 5.0
	pm := workflow.ProjectMetrics{
		Issues:           10,
		Resolved:         4,
		AvgLeadTime:      &lead,
		FlowEfficiency:   42.5,
		FirstTimeThrough: 75,
	}
	got := snapshotKPIs(pm)
	assert.Equal(t, 10.0, got["issues"])
	assert.Equal(t, 4.0, got["resolved"])
	assert.Equal(t, 5.0, got["avg_lead_time"])
	assert.Equal(t, 42.5, got["flow_efficiency"])
	assert.Equal(t, 75.0, got["first_time_through"])

	// avg cycle time stays absent rather than zero when there is no data
	_, ok := got["avg_cycle_time"]
	assert.False(t, ok)
}

func TestRenderProjectDigestDeltas(t *testing.T) {
	lead := 6.5
	pm := workflow.ProjectMetrics{Issues: 12, Resolved: 9, AvgLeadTime: &lead, FlowEfficiency: 38, FirstTimeThrough: 66}
	out := renderProjectDigest("PROJ", pm, map[string]float64{"avg_lead_time": 5.0})
	assert.Contains(t, out, "PROJ: 12 issues, 9 resolved")
	assert.Contains(t, out, "Lead avg: 6.5d (Δ+1.5)")
	assert.Contains(t, out, "Cycle avg: n/a")
	assert.Contains(t, out, "Flow efficiency: 38%")
}

func TestChunkText(t *testing.T) {
	t.Run("short text stays whole", func(t *testing.T) {
		assert.Equal(t, []string{"a\nb"}, chunkText("a\nb", 100))
	})
	t.Run("splits on line boundaries", func(t *testing.T) {
		got := chunkText("aaaa\nbbbb\ncccc", 9)
		assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, got)
	})
	t.Run("hard-splits oversized lines", func(t *testing.T) {
		got := chunkText(strings.Repeat("x", 25), 10)
		assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, got)
	})
	t.Run("empty input", func(t *testing.T) {
		assert.Equal(t, []string{""}, chunkText("", 10))
	})
}
