// Package series projects aggregated totals into month-ordered time series.
//
// Projection is a pure function of the aggregation and the selected
// indicator, so switching indicators never re-runs the pipeline.
package series

import (
	"sort"
	"strings"

	"odwatch/internal/aggregate"
	"odwatch/internal/core"
)

// Point is one month of an indicator's series.
type Point struct {
	MonthKey  string  `json:"month_key"`
	Year      int     `json:"year"`
	Month     int     `json:"month"`
	MonthName string  `json:"month_name"`
	Total     float64 `json:"total"`
	Count     int     `json:"count"`
}

// Summary holds the derived aggregates of a projected series.
type Summary struct {
	GrandTotal float64 `json:"grand_total"`
	PointCount int     `json:"point_count"`
}

// Project returns one point per MonthKey in the indicator's totals, ascending
// by key. An unknown indicator yields an empty series.
func Project(totals aggregate.Totals, counts aggregate.Counts, indicator string) []Point {
	byMonth := totals[indicator]
	countByMonth := counts[indicator]

	points := make([]Point, 0, len(byMonth))
	for key, total := range byMonth {
		year, month, ok := core.ParseMonthKey(key)
		if !ok {
			continue
		}
		points = append(points, Point{
			MonthKey:  key,
			Year:      year,
			Month:     month,
			MonthName: core.MonthName(month),
			Total:     total,
			Count:     countByMonth[key],
		})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].MonthKey < points[j].MonthKey
	})
	return points
}

// DefaultIndicator picks the initial selection: the first indicator whose
// name contains "all" in any case, else the first indicator, else "".
func DefaultIndicator(indicators []string) string {
	for _, name := range indicators {
		if strings.Contains(strings.ToLower(name), "all") {
			return name
		}
	}
	if len(indicators) > 0 {
		return indicators[0]
	}
	return ""
}

// Summarize computes the grand total and point count of a series.
func Summarize(points []Point) Summary {
	s := Summary{PointCount: len(points)}
	for _, p := range points {
		s.GrandTotal += p.Total
	}
	return s
}

// View bundles a projected series with its summary for one indicator.
type View struct {
	Indicator string  `json:"indicator"`
	Points    []Point `json:"points"`
	Summary   Summary `json:"summary"`
}

// NewView projects res for indicator, falling back to DefaultIndicator when
// indicator is empty.
func NewView(res *aggregate.Result, indicator string) View {
	if res == nil {
		return View{Indicator: indicator, Points: []Point{}}
	}
	if indicator == "" {
		indicator = DefaultIndicator(res.Indicators)
	}
	points := Project(res.Totals, res.Counts, indicator)
	return View{Indicator: indicator, Points: points, Summary: Summarize(points)}
}
