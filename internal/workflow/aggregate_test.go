package workflow

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }

// resolvedIssue builds a minimal resolved IssueMetrics for aggregate tests.
func resolvedIssue(mutate func(*IssueMetrics)) IssueMetrics {
	m := IssueMetrics{
		StageTimestamps: map[string]time.Time{TSDone: ts("2024-01-19T09:00:00Z")},
	}
	if mutate != nil {
		mutate(&m)
	}
	return m
}

func TestStatsBasics(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   SummaryStats
	}{
		{
			name:   "empty yields zero result",
			values: nil,
			want:   SummaryStats{},
		},
		{
			name:   "single value",
			values: []float64{4},
			want:   SummaryStats{Median: 4, Mean: 4, Min: 4, Max: 4, StdDev: 0, Count: 1},
		},
		{
			name:   "even length median averages middle two",
			values: []float64{1, 2, 3, 10},
			want:   SummaryStats{Median: 2.5, Mean: 4, Min: 1, Max: 10, StdDev: math.Sqrt(12.5), Count: 4},
		},
		{
			name:   "NaN dropped",
			values: []float64{math.NaN(), 2, 4},
			want:   SummaryStats{Median: 3, Mean: 3, Min: 2, Max: 4, StdDev: 1, Count: 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Stats(tt.values)
			assert.InDelta(t, tt.want.Median, got.Median, 1e-9)
			assert.InDelta(t, tt.want.Mean, got.Mean, 1e-9)
			assert.InDelta(t, tt.want.Min, got.Min, 1e-9)
			assert.InDelta(t, tt.want.Max, got.Max, 1e-9)
			assert.InDelta(t, tt.want.StdDev, got.StdDev, 1e-9)
			assert.Equal(t, tt.want.Count, got.Count)
		})
	}
}

func TestStatsPermutationInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	values := make([]float64, 25)
	for i := range values {
		values[i] = rng.Float64() * 100
	}
	base := Stats(values)
	for trial := 0; trial < 5; trial++ {
		shuffled := append([]float64(nil), values...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := Stats(shuffled)
		assert.Equal(t, base, got)
	}
	assert.LessOrEqual(t, base.Min, base.Median)
	assert.LessOrEqual(t, base.Median, base.Max)
	assert.LessOrEqual(t, base.Min, base.Mean)
	assert.LessOrEqual(t, base.Mean, base.Max)
}

func TestCorrelation(t *testing.T) {
	// fewer than two pairs
	assert.Equal(t, CorrelationResult{}, Correlation([]float64{1}, []float64{2}))
	assert.Equal(t, CorrelationResult{}, Correlation(nil, nil))
	// mismatched lengths
	assert.Equal(t, CorrelationResult{}, Correlation([]float64{1, 2}, []float64{1}))

	// zero variance denominator
	got := Correlation([]float64{3, 3, 3}, []float64{1, 2, 3})
	assert.Equal(t, 0.0, got.R)
	assert.Equal(t, 3, got.Count)

	// perfect positive correlation
	got = Correlation([]float64{1, 2, 3, 4}, []float64{2, 4, 6, 8})
	assert.InDelta(t, 1.0, got.R, 1e-9)
	assert.Equal(t, 4, got.Count)

	// perfect negative correlation
	got = Correlation([]float64{1, 2, 3, 4}, []float64{8, 6, 4, 2})
	assert.InDelta(t, -1.0, got.R, 1e-9)
}

func TestCorrelationPairBuilders(t *testing.T) {
	issues := []IssueMetrics{
		{StoryPoints: fp(3), DevCycleTime: fp(5)},
		{StoryPoints: fp(0), DevCycleTime: fp(5)},  // non-positive points dropped
		{StoryPoints: fp(2), DevCycleTime: nil},    // nil cycle dropped
		{StoryPoints: nil, DevCycleTime: fp(2)},    // nil points dropped
		{StoryPoints: fp(5), DevCycleTime: fp(11)},
	}
	xs, ys := StoryPointsDevCyclePairs(issues)
	assert.Equal(t, []float64{3, 5}, xs)
	assert.Equal(t, []float64{5, 11}, ys)

	churny := []IssueMetrics{
		{QAChurn: 2, QACycleTime: fp(4)},
		{QAChurn: 0, QACycleTime: fp(4)},
		{QAChurn: 1, QACycleTime: nil},
		{QAChurn: 3, QACycleTime: fp(9)},
	}
	xs, ys = QAChurnQACyclePairs(churny)
	assert.Equal(t, []float64{2, 3}, xs)
	assert.Equal(t, []float64{4, 9}, ys)
}

func TestFlowEfficiency(t *testing.T) {
	assert.Equal(t, 0.0, FlowEfficiency(nil))
	assert.Equal(t, 0.0, FlowEfficiency([]IssueMetrics{{}}), "unresolved issues do not qualify")

	issues := []IssueMetrics{
		resolvedIssue(func(m *IssueMetrics) {
			m.LeadTime = fp(10)
			m.GroomingCycleTime = fp(1)
			m.DevCycleTime = fp(3)
			m.QACycleTime = fp(1)
		}),
		resolvedIssue(func(m *IssueMetrics) {
			m.LeadTime = fp(4)
			m.DevCycleTime = fp(2) // grooming and qa missing count as 0
		}),
	}
	got := FlowEfficiency(issues)
	assert.InDelta(t, (0.5+0.5)/2*100, got, 1e-9)
	assert.GreaterOrEqual(t, got, 0.0)
	assert.LessOrEqual(t, got, 100.0)

	// active time exceeding lead time is capped, keeping the bound
	capped := []IssueMetrics{resolvedIssue(func(m *IssueMetrics) {
		m.LeadTime = fp(2)
		m.DevCycleTime = fp(5)
	})}
	assert.Equal(t, 100.0, FlowEfficiency(capped))
}

func TestStageVariability(t *testing.T) {
	issues := []IssueMetrics{
		{DevCycleTime: fp(2)},
		{DevCycleTime: fp(4)},
		{DevCycleTime: fp(6)},
		{DevCycleTime: nil},
		{DevCycleTime: fp(0)}, // non-positive excluded
	}
	got := StageVariability(issues, DurationDev)
	assert.Equal(t, 3, got.Count)
	// mean 4, population stddev sqrt(8/3)
	assert.InDelta(t, math.Sqrt(8.0/3.0)/4.0, got.CV, 1e-9)

	assert.Equal(t, Variability{Count: 1}, StageVariability(issues[:1], DurationDev), "one sample is not enough")
	assert.Equal(t, Variability{}, StageVariability(issues, "bogus"))
}

func TestFirstTimeThrough(t *testing.T) {
	assert.Equal(t, 0.0, FirstTimeThrough(nil), "zero resolved issues is defined as zero, not null")

	issues := []IssueMetrics{
		resolvedIssue(nil),                                        // clean: never entered review or QA
		resolvedIssue(func(m *IssueMetrics) { m.ReviewChurn = 1 }), // visited review once
		resolvedIssue(func(m *IssueMetrics) { m.QAChurn = 2 }),
		{ReviewChurn: 0, QAChurn: 0}, // unresolved, excluded
	}
	got := FirstTimeThrough(issues)
	assert.InDelta(t, 100.0/3.0, got, 1e-9)
	assert.GreaterOrEqual(t, got, 0.0)
	assert.LessOrEqual(t, got, 100.0)
}

func TestSizeDistribution(t *testing.T) {
	issues := []IssueMetrics{
		{StoryPoints: nil},
		{StoryPoints: fp(0)},
		resolvedIssue(func(m *IssueMetrics) { m.StoryPoints = fp(1); m.LeadTime = fp(2) }),
		resolvedIssue(func(m *IssueMetrics) { m.StoryPoints = fp(1); m.LeadTime = fp(4) }),
		{StoryPoints: fp(2)},
		resolvedIssue(func(m *IssueMetrics) { m.StoryPoints = fp(3); m.LeadTime = fp(8) }),
		resolvedIssue(func(m *IssueMetrics) { m.StoryPoints = fp(5); m.DevCycleTime = fp(6) }),
	}
	buckets := SizeDistribution(issues)
	require.Len(t, buckets, 4)

	byName := map[string]SizeBucket{}
	total := 0
	for _, b := range buckets {
		byName[b.Name] = b
		total += b.Count
	}
	assert.Equal(t, len(issues), total)

	assert.Equal(t, 2, byName["Unestimated"].Count)
	assert.Equal(t, 0, byName["Unestimated"].Completed)
	assert.Equal(t, 0.0, byName["Unestimated"].CompletionRate)

	small := byName["Small"]
	assert.Equal(t, 2, small.Count)
	assert.Equal(t, 2, small.Completed)
	assert.Equal(t, 100.0, small.CompletionRate)
	assert.InDelta(t, 3.0, small.MedianLeadTime, 1e-9, "median over resolved issues only")

	medium := byName["Medium"]
	assert.Equal(t, 2, medium.Count)
	assert.Equal(t, 1, medium.Completed)
	assert.Equal(t, 50.0, medium.CompletionRate)
	assert.InDelta(t, 8.0, medium.MedianLeadTime, 1e-9)

	large := byName["Large"]
	assert.Equal(t, 1, large.Count)
	assert.InDelta(t, 6.0, large.MedianDev, 1e-9)
}

func TestStageSkips(t *testing.T) {
	assert.Equal(t, SkipRates{}, StageSkips(nil))

	issues := []IssueMetrics{
		// grooming skipped: in progress without ready-for-grooming
		resolvedIssue(func(m *IssueMetrics) {
			m.StageTimestamps[TSInProgress] = ts("2024-01-05T09:00:00Z")
		}),
		// review skipped: progress and QA but no review
		resolvedIssue(func(m *IssueMetrics) {
			m.StageTimestamps[TSReadyForGrooming] = ts("2024-01-02T10:00:00Z")
			m.StageTimestamps[TSInProgress] = ts("2024-01-05T09:00:00Z")
			m.StageTimestamps[TSInQA] = ts("2024-01-15T14:00:00Z")
		}),
		// clean pass
		resolvedIssue(func(m *IssueMetrics) {
			m.StageTimestamps[TSReadyForGrooming] = ts("2024-01-02T10:00:00Z")
			m.StageTimestamps[TSInProgress] = ts("2024-01-05T09:00:00Z")
			m.StageTimestamps[TSInReview] = ts("2024-01-12T17:00:00Z")
			m.StageTimestamps[TSInQA] = ts("2024-01-15T14:00:00Z")
		}),
		// unresolved, ignored
		{StageTimestamps: map[string]time.Time{TSInProgress: ts("2024-01-05T09:00:00Z")}},
	}
	got := StageSkips(issues)
	assert.Equal(t, 3, got.ResolvedCount)
	assert.InDelta(t, 1.0/3.0, got.GroomingSkipRate, 1e-9)
	assert.InDelta(t, 1.0/3.0, got.ReviewSkipRate, 1e-9)
}

func TestBlockedTimeImpact(t *testing.T) {
	assert.Equal(t, BlockedImpact{}, BlockedTimeImpact(nil, 0))

	issues := []IssueMetrics{
		resolvedIssue(func(m *IssueMetrics) { m.Blockers = 2; m.LeadTime = fp(10) }),
		resolvedIssue(func(m *IssueMetrics) { m.Blockers = 1; m.LeadTime = fp(6) }),
		resolvedIssue(func(m *IssueMetrics) { m.LeadTime = fp(100) }), // never blocked, excluded
	}
	got := BlockedTimeImpact(issues, 0) // 0 falls back to the default constant
	assert.Equal(t, 2, got.BlockedIssues)
	assert.InDelta(t, 6.0, got.EstimatedBlockedDays, 1e-9) // 3 transitions × 2d
	assert.InDelta(t, 6.0/16.0*100, got.BlockedRatio, 1e-9)
	assert.InDelta(t, 3.0, got.AvgBlockedDays, 1e-9)

	override := BlockedTimeImpact(issues, 1)
	assert.InDelta(t, 3.0, override.EstimatedBlockedDays, 1e-9)
}

func TestCycleTimeDistributionSumsToTotal(t *testing.T) {
	issues := []IssueMetrics{
		{CycleTime: nil},
		{CycleTime: fp(0.5)},
		{CycleTime: fp(1)},
		{CycleTime: fp(2.9)},
		{CycleTime: fp(6.99)},
		{CycleTime: fp(13)},
		{CycleTime: fp(29.9)},
		{CycleTime: fp(30)},
		{CycleTime: fp(400)},
	}
	buckets := CycleTimeDistribution(issues)
	require.Len(t, buckets, 7)

	total := 0
	pct := 0.0
	byLabel := map[string]int{}
	for _, b := range buckets {
		total += b.Count
		pct += b.Percent
		byLabel[b.Label] = b.Count
	}
	assert.Equal(t, len(issues), total, "bucket counts sum to issue count, No Data included")
	assert.InDelta(t, 100.0, pct, 1e-9)

	assert.Equal(t, 1, byLabel["No Data"])
	assert.Equal(t, 1, byLabel["0-1"])
	assert.Equal(t, 2, byLabel["1-3"])
	assert.Equal(t, 1, byLabel["3-7"])
	assert.Equal(t, 1, byLabel["7-14"])
	assert.Equal(t, 1, byLabel["14-30"])
	assert.Equal(t, 2, byLabel["30+"])

	assert.Empty(t, CycleTimeDistribution(nil)[0].Count)
}

func TestAggregateProjectNoResolvedIssues(t *testing.T) {
	pm := AggregateProject([]IssueMetrics{
		{CycleTime: fp(3)}, // unresolved despite having a cycle value
		{},
	})
	assert.Equal(t, 2, pm.Issues)
	assert.Equal(t, 0, pm.Resolved)
	assert.Nil(t, pm.AvgLeadTime, "no data is null")
	assert.Nil(t, pm.AvgCycleTime)
	assert.Equal(t, 0.0, pm.FlowEfficiency, "defined as zero, not null")
	assert.Equal(t, 0.0, pm.FirstTimeThrough)
}

func TestAggregateProject(t *testing.T) {
	issues := []IssueMetrics{
		resolvedIssue(func(m *IssueMetrics) {
			m.LeadTime = fp(10)
			m.CycleTime = fp(6)
			m.GroomingCycleTime = fp(1)
			m.DevCycleTime = fp(4)
			m.QACycleTime = fp(1)
			m.StoryPoints = fp(3)
			m.ReviewChurn = 1
			m.QAChurn = 1
		}),
		resolvedIssue(func(m *IssueMetrics) {
			m.LeadTime = fp(20)
			m.CycleTime = fp(10)
			m.StoryPoints = fp(5)
		}),
		{StoryPoints: fp(1)}, // unresolved
	}
	pm := AggregateProject(issues)
	assert.Equal(t, 3, pm.Issues)
	assert.Equal(t, 2, pm.Resolved)
	require.NotNil(t, pm.AvgLeadTime)
	assert.InDelta(t, 15.0, *pm.AvgLeadTime, 1e-9)
	require.NotNil(t, pm.AvgCycleTime)
	assert.InDelta(t, 8.0, *pm.AvgCycleTime, 1e-9)
	assert.Equal(t, 2, pm.LeadTime.Count)
	assert.InDelta(t, 50.0, pm.FirstTimeThrough, 1e-9)
	assert.Len(t, pm.SizeDistribution, 4)
	assert.Len(t, pm.CycleTimeDistribution, 7)
}
