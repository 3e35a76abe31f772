package workflow

// ProjectMetrics is the aggregated, read-only view over a set of per-issue
// metrics. It is recomputed on demand from current issue data and never
// persisted as authoritative state.
//
// AvgLeadTime and AvgCycleTime are nil ("no data") when the project has no
// resolved issues carrying the duration, while FlowEfficiency and
// FirstTimeThrough are defined as zero in that case.
type ProjectMetrics struct {
	Issues   int `json:"issues"`
	Resolved int `json:"resolved"`

	AvgLeadTime  *float64 `json:"avg_lead_time"`
	AvgCycleTime *float64 `json:"avg_cycle_time"`

	LeadTime          SummaryStats `json:"lead_time"`
	CycleTime         SummaryStats `json:"cycle_time"`
	GroomingCycleTime SummaryStats `json:"grooming_cycle_time"`
	DevCycleTime      SummaryStats `json:"dev_cycle_time"`
	QACycleTime       SummaryStats `json:"qa_cycle_time"`

	FlowEfficiency   float64 `json:"flow_efficiency"`
	FirstTimeThrough float64 `json:"first_time_through"`

	GroomingVariability Variability `json:"grooming_variability"`
	DevVariability      Variability `json:"dev_variability"`
	QAVariability       Variability `json:"qa_variability"`

	StageSkips  SkipRates     `json:"stage_skips"`
	BlockedTime BlockedImpact `json:"blocked_time"`

	PointsDevCycle CorrelationResult `json:"points_dev_cycle"`
	QAChurnQACycle CorrelationResult `json:"qa_churn_qa_cycle"`

	SizeDistribution      []SizeBucket      `json:"size_distribution"`
	CycleTimeDistribution []CycleTimeBucket `json:"cycle_time_distribution"`
}

// AggregateProject assembles the full aggregate view over a collection of
// issue metrics. An empty collection yields the all-zero record with nil
// averages.
func AggregateProject(issues []IssueMetrics) ProjectMetrics {
	pm := ProjectMetrics{Issues: len(issues)}

	var resolved []IssueMetrics
	for _, m := range issues {
		if m.Resolved() {
			resolved = append(resolved, m)
		}
	}
	pm.Resolved = len(resolved)

	collect := func(ms []IssueMetrics, sel MetricSelector) []float64 {
		var out []float64
		for _, m := range ms {
			if v := sel(m); v != nil {
				out = append(out, *v)
			}
		}
		return out
	}

	leadValues := collect(resolved, func(m IssueMetrics) *float64 { return m.LeadTime })
	cycleValues := collect(resolved, func(m IssueMetrics) *float64 { return m.CycleTime })
	pm.LeadTime = Stats(leadValues)
	pm.CycleTime = Stats(cycleValues)
	pm.GroomingCycleTime = Stats(collect(issues, func(m IssueMetrics) *float64 { return m.GroomingCycleTime }))
	pm.DevCycleTime = Stats(collect(issues, func(m IssueMetrics) *float64 { return m.DevCycleTime }))
	pm.QACycleTime = Stats(collect(issues, func(m IssueMetrics) *float64 { return m.QACycleTime }))

	if len(leadValues) > 0 {
		v := pm.LeadTime.Mean
		pm.AvgLeadTime = &v
	}
	if len(cycleValues) > 0 {
		v := pm.CycleTime.Mean
		pm.AvgCycleTime = &v
	}

	pm.FlowEfficiency = FlowEfficiency(issues)
	pm.FirstTimeThrough = FirstTimeThrough(issues)
	pm.GroomingVariability = StageVariability(issues, DurationGrooming)
	pm.DevVariability = StageVariability(issues, DurationDev)
	pm.QAVariability = StageVariability(issues, DurationQA)
	pm.StageSkips = StageSkips(issues)
	pm.BlockedTime = BlockedTimeImpact(issues, DefaultBlockedDaysPerTransition)

	xs, ys := StoryPointsDevCyclePairs(issues)
	pm.PointsDevCycle = Correlation(xs, ys)
	xs, ys = QAChurnQACyclePairs(issues)
	pm.QAChurnQACycle = Correlation(xs, ys)

	pm.SizeDistribution = SizeDistribution(issues)
	pm.CycleTimeDistribution = CycleTimeDistribution(issues)
	return pm
}
