package workflow

import (
	"sort"
	"time"
)

// TrendPoint is one ISO week of a resolved-issue metric.
type TrendPoint struct {
	WeekStart time.Time `json:"week_start"`
	Count     int       `json:"count"`
	Mean      float64   `json:"mean"`
	Median    float64   `json:"median"`
	// MovingAvg is the trailing 4-week simple moving average of the weekly
	// mean. The first three weeks carry the weekly mean itself.
	MovingAvg float64 `json:"moving_avg"`
}

// MetricSelector picks the metric a trend is computed over; nil values are
// excluded from the week's samples.
type MetricSelector func(IssueMetrics) *float64

// WeeklyTrend groups resolved issues by ISO week (Monday start, UTC) of their
// resolution date and reports weekly mean, median and the trailing 4-week SMA
// of the selected metric. Weeks are returned ascending; weeks with no resolved
// issues do not appear. A nil selector is an invalid call contract and panics.
func WeeklyTrend(issues []IssueMetrics, selector MetricSelector) []TrendPoint {
	if selector == nil {
		panic("workflow: WeeklyTrend called with nil selector")
	}
	byWeek := map[time.Time][]float64{}
	for _, m := range issues {
		if !m.Resolved() {
			continue
		}
		at, ok := resolutionTime(m)
		if !ok {
			continue
		}
		week := WeekStart(at)
		if _, seen := byWeek[week]; !seen {
			byWeek[week] = nil
		}
		// Resolved issues without the metric still register the week; they
		// just contribute no samples.
		if v := selector(m); v != nil {
			byWeek[week] = append(byWeek[week], *v)
		}
	}
	weeks := make([]time.Time, 0, len(byWeek))
	for w := range byWeek {
		weeks = append(weeks, w)
	}
	sort.Slice(weeks, func(i, j int) bool { return weeks[i].Before(weeks[j]) })

	out := make([]TrendPoint, 0, len(weeks))
	for i, w := range weeks {
		s := Stats(byWeek[w])
		p := TrendPoint{WeekStart: w, Count: s.Count, Mean: s.Mean, Median: s.Median}
		if i < 3 {
			p.MovingAvg = p.Mean
		} else {
			sum := p.Mean
			for j := i - 3; j < i; j++ {
				sum += out[j].Mean
			}
			p.MovingAvg = sum / 4
		}
		out = append(out, p)
	}
	return out
}

func resolutionTime(m IssueMetrics) (time.Time, bool) {
	if t, ok := m.Stage(TSDone); ok {
		return t, true
	}
	if m.ResolvedAt != nil {
		return *m.ResolvedAt, true
	}
	return time.Time{}, false
}

// WeekStart truncates t to the Monday 00:00 UTC of its ISO week.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	day := t.AddDate(0, 0, -(weekday - 1))
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}
