package workflow

import (
	"math"
	"sort"
)

// The aggregator is a library of stateless functions over a collection of
// IssueMetrics. Filtering (by project, type, sprint, points, date ranges) is
// the caller's responsibility. Insufficient samples are never an error: every
// function degrades to a zero-valued result annotated with its sample count.

// SummaryStats is the basic distribution summary of a value set.
type SummaryStats struct {
	Median float64 `json:"median"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
	Count  int     `json:"count"`
}

// Stats summarizes values after dropping NaNs. Empty input yields the zero
// summary with Count 0. The median of an even-length set is the average of the
// two middle sorted values.
func Stats(values []float64) SummaryStats {
	clean := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return SummaryStats{}
	}
	sort.Float64s(clean)
	n := len(clean)
	sum := 0.0
	for _, v := range clean {
		sum += v
	}
	mean := sum / float64(n)
	variance := 0.0
	for _, v := range clean {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)
	var median float64
	if n%2 == 1 {
		median = clean[n/2]
	} else {
		median = (clean[n/2-1] + clean[n/2]) / 2
	}
	return SummaryStats{
		Median: median,
		Mean:   mean,
		Min:    clean[0],
		Max:    clean[n-1],
		StdDev: math.Sqrt(variance),
		Count:  n,
	}
}

// CorrelationResult carries Pearson's r and the pair count it was computed on.
type CorrelationResult struct {
	R     float64 `json:"r"`
	Count int     `json:"count"`
}

// Correlation computes Pearson's r over paired samples. Fewer than two pairs,
// mismatched lengths, or a zero-variance denominator yield r=0.
func Correlation(xs, ys []float64) CorrelationResult {
	if len(xs) != len(ys) || len(xs) < 2 {
		return CorrelationResult{}
	}
	n := float64(len(xs))
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n
	var cov, varX, varY float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	denom := math.Sqrt(varX * varY)
	if denom == 0 {
		return CorrelationResult{Count: len(xs)}
	}
	return CorrelationResult{R: cov / denom, Count: len(xs)}
}

// StoryPointsDevCyclePairs builds (storyPoints, devCycleTime) samples filtered
// to non-null, positive values on both sides.
func StoryPointsDevCyclePairs(issues []IssueMetrics) (xs, ys []float64) {
	for _, m := range issues {
		if m.StoryPoints == nil || m.DevCycleTime == nil {
			continue
		}
		if *m.StoryPoints <= 0 || *m.DevCycleTime <= 0 {
			continue
		}
		xs = append(xs, *m.StoryPoints)
		ys = append(ys, *m.DevCycleTime)
	}
	return xs, ys
}

// QAChurnQACyclePairs builds (qaChurn, qaCycleTime) samples filtered to
// positive values on both sides.
func QAChurnQACyclePairs(issues []IssueMetrics) (xs, ys []float64) {
	for _, m := range issues {
		if m.QAChurn <= 0 || m.QACycleTime == nil || *m.QACycleTime <= 0 {
			continue
		}
		xs = append(xs, float64(m.QAChurn))
		ys = append(ys, *m.QACycleTime)
	}
	return xs, ys
}

// FlowEfficiency returns the mean fraction of lead time spent in active stages
// (grooming + dev + qa) over resolved issues with leadTime > 0, as a 0–100
// percentage. Each issue's ratio is capped at 1 so clock skew between draft
// and grooming entries cannot push the result past 100. Returns 0 when no
// issues qualify.
func FlowEfficiency(issues []IssueMetrics) float64 {
	var sum float64
	var count int
	for _, m := range issues {
		if !m.Resolved() || m.LeadTime == nil || *m.LeadTime <= 0 {
			continue
		}
		active := 0.0
		for _, d := range []*float64{m.GroomingCycleTime, m.DevCycleTime, m.QACycleTime} {
			if d != nil {
				active += *d
			}
		}
		ratio := active / *m.LeadTime
		if ratio > 1 {
			ratio = 1
		}
		sum += ratio
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count) * 100
}

// Stage duration keys accepted by StageVariability.
const (
	DurationLead     = "lead"
	DurationCycle    = "cycle"
	DurationGrooming = "grooming"
	DurationDev      = "dev"
	DurationQA       = "qa"
)

// DurationSelector returns the selector for a named stage duration, or nil
// for an unknown name.
func DurationSelector(stage string) MetricSelector {
	switch stage {
	case DurationLead:
		return func(m IssueMetrics) *float64 { return m.LeadTime }
	case DurationCycle:
		return func(m IssueMetrics) *float64 { return m.CycleTime }
	case DurationGrooming:
		return func(m IssueMetrics) *float64 { return m.GroomingCycleTime }
	case DurationDev:
		return func(m IssueMetrics) *float64 { return m.DevCycleTime }
	case DurationQA:
		return func(m IssueMetrics) *float64 { return m.QACycleTime }
	}
	return nil
}

// Variability is a coefficient-of-variation result: stdDev/mean of a stage
// duration, a scale-free predictability measure.
type Variability struct {
	CV    float64 `json:"cv"`
	Count int     `json:"count"`
}

// StageVariability computes the CV of the named stage's duration over issues
// where that duration is present and > 0. Fewer than two samples, or an
// unknown stage name, yield cv=0.
func StageVariability(issues []IssueMetrics, stage string) Variability {
	sel := DurationSelector(stage)
	if sel == nil {
		return Variability{}
	}
	var values []float64
	for _, m := range issues {
		if d := sel(m); d != nil && *d > 0 {
			values = append(values, *d)
		}
	}
	if len(values) < 2 {
		return Variability{Count: len(values)}
	}
	s := Stats(values)
	if s.Mean == 0 {
		return Variability{Count: s.Count}
	}
	return Variability{CV: s.StdDev / s.Mean, Count: s.Count}
}

// FirstTimeThrough returns the percentage of resolved issues that passed
// through with zero churn. Churn counts first entry into review/QA, so a
// qualifying issue never entered either stage. Bounded 0–100; 0 when there
// are no resolved issues.
func FirstTimeThrough(issues []IssueMetrics) float64 {
	var resolved, clean int
	for _, m := range issues {
		if !m.Resolved() {
			continue
		}
		resolved++
		if m.ReviewChurn == 0 && m.QAChurn == 0 {
			clean++
		}
	}
	if resolved == 0 {
		return 0
	}
	return float64(clean) / float64(resolved) * 100
}

// SizeBucket reports one story-point bucket. Medians are computed over the
// resolved issues in the bucket only; Count covers all issues in it.
type SizeBucket struct {
	Name           string  `json:"name"`
	Count          int     `json:"count"`
	Completed      int     `json:"completed"`
	CompletionRate float64 `json:"completion_rate"` // percent
	MedianLeadTime float64 `json:"median_lead_time"`
	MedianGrooming float64 `json:"median_grooming_time"`
	MedianDev      float64 `json:"median_dev_time"`
	MedianQA       float64 `json:"median_qa_time"`
}

func sizeBucketName(points *float64) string {
	switch {
	case points == nil || *points == 0:
		return "Unestimated"
	case *points == 1:
		return "Small"
	case *points <= 3:
		return "Medium"
	default:
		return "Large"
	}
}

// SizeDistribution buckets issues by story points into
// Unestimated:0, Small:1, Medium:2-3, Large:4+.
func SizeDistribution(issues []IssueMetrics) []SizeBucket {
	order := []string{"Unestimated", "Small", "Medium", "Large"}
	groups := map[string][]IssueMetrics{}
	for _, m := range issues {
		name := sizeBucketName(m.StoryPoints)
		groups[name] = append(groups[name], m)
	}
	out := make([]SizeBucket, 0, len(order))
	for _, name := range order {
		members := groups[name]
		b := SizeBucket{Name: name, Count: len(members)}
		var lead, grooming, dev, qa []float64
		for _, m := range members {
			if !m.Resolved() {
				continue
			}
			b.Completed++
			appendVal(&lead, m.LeadTime)
			appendVal(&grooming, m.GroomingCycleTime)
			appendVal(&dev, m.DevCycleTime)
			appendVal(&qa, m.QACycleTime)
		}
		if b.Count > 0 {
			b.CompletionRate = float64(b.Completed) / float64(b.Count) * 100
		}
		b.MedianLeadTime = Stats(lead).Median
		b.MedianGrooming = Stats(grooming).Median
		b.MedianDev = Stats(dev).Median
		b.MedianQA = Stats(qa).Median
		out = append(out, b)
	}
	return out
}

func appendVal(dst *[]float64, v *float64) {
	if v != nil {
		*dst = append(*dst, *v)
	}
}

// SkipRates holds stage-skip fractions (0–1) over resolved issues.
type SkipRates struct {
	// GroomingSkipRate: resolved issues lacking a readyForGrooming timestamp
	// while having an inProgress one.
	GroomingSkipRate float64 `json:"grooming_skip_rate"`
	// ReviewSkipRate: resolved issues lacking inReview while having both
	// inProgress and inQA.
	ReviewSkipRate float64 `json:"review_skip_rate"`
	ResolvedCount  int     `json:"resolved_count"`
}

// StageSkips measures how often resolved issues bypassed grooming or review.
func StageSkips(issues []IssueMetrics) SkipRates {
	var resolved, groomingSkips, reviewSkips int
	for _, m := range issues {
		if !m.Resolved() {
			continue
		}
		resolved++
		_, hasGrooming := m.Stage(TSReadyForGrooming)
		_, hasProgress := m.Stage(TSInProgress)
		_, hasReview := m.Stage(TSInReview)
		_, hasQA := m.Stage(TSInQA)
		if !hasGrooming && hasProgress {
			groomingSkips++
		}
		if !hasReview && hasProgress && hasQA {
			reviewSkips++
		}
	}
	if resolved == 0 {
		return SkipRates{}
	}
	return SkipRates{
		GroomingSkipRate: float64(groomingSkips) / float64(resolved),
		ReviewSkipRate:   float64(reviewSkips) / float64(resolved),
		ResolvedCount:    resolved,
	}
}

// DefaultBlockedDaysPerTransition is the assumed elapsed days per blocker
// transition. Actual blocked dwell is not tracked, so BlockedTimeImpact is an
// approximation, not a measurement; callers may override the constant.
const DefaultBlockedDaysPerTransition = 2.0

// BlockedImpact estimates how much of the blocked issues' lead time was lost
// to blockers.
type BlockedImpact struct {
	EstimatedBlockedDays float64 `json:"estimated_blocked_days"`
	BlockedRatio         float64 `json:"blocked_ratio"` // percent of blocked issues' lead time
	AvgBlockedDays       float64 `json:"avg_blocked_days"`
	BlockedIssues        int     `json:"blocked_issues"`
}

// BlockedTimeImpact applies the days-per-blocker heuristic over issues with at
// least one blocker transition. daysPerBlocker <= 0 falls back to
// DefaultBlockedDaysPerTransition.
func BlockedTimeImpact(issues []IssueMetrics, daysPerBlocker float64) BlockedImpact {
	if daysPerBlocker <= 0 {
		daysPerBlocker = DefaultBlockedDaysPerTransition
	}
	var estDays, leadSum float64
	var blocked int
	for _, m := range issues {
		if m.Blockers == 0 {
			continue
		}
		blocked++
		estDays += float64(m.Blockers) * daysPerBlocker
		if m.LeadTime != nil {
			leadSum += *m.LeadTime
		}
	}
	out := BlockedImpact{EstimatedBlockedDays: estDays, BlockedIssues: blocked}
	if leadSum > 0 {
		out.BlockedRatio = estDays / leadSum * 100
	}
	if blocked > 0 {
		out.AvgBlockedDays = estDays / float64(blocked)
	}
	return out
}

// CycleTimeBucket is one histogram bucket of the cycle-time distribution.
type CycleTimeBucket struct {
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

var cycleTimeBucketLabels = []string{"No Data", "0-1", "1-3", "3-7", "7-14", "14-30", "30+"}

func cycleTimeBucketLabel(d *float64) string {
	switch {
	case d == nil:
		return "No Data"
	case *d < 1:
		return "0-1"
	case *d < 3:
		return "1-3"
	case *d < 7:
		return "3-7"
	case *d < 14:
		return "7-14"
	case *d < 30:
		return "14-30"
	default:
		return "30+"
	}
}

// CycleTimeDistribution buckets every issue, resolved or not, by cycle time.
// Issues without a cycle time land in "No Data", so bucket counts always sum
// to the issue count.
func CycleTimeDistribution(issues []IssueMetrics) []CycleTimeBucket {
	counts := map[string]int{}
	for _, m := range issues {
		counts[cycleTimeBucketLabel(m.CycleTime)]++
	}
	total := len(issues)
	out := make([]CycleTimeBucket, 0, len(cycleTimeBucketLabels))
	for _, label := range cycleTimeBucketLabels {
		b := CycleTimeBucket{Label: label, Count: counts[label]}
		if total > 0 {
			b.Percent = float64(b.Count) / float64(total) * 100
		}
		out = append(out, b)
	}
	return out
}
