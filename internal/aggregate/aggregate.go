// Package aggregate groups tokenized dataset rows into per-indicator monthly
// totals and observation counts.
package aggregate

import (
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"odwatch/internal/core"
)

// SkipReason names why a row did not become an observation.
type SkipReason string

const (
	SkipEmptyIndicator SkipReason = "empty_indicator"
	SkipInvalidYear    SkipReason = "invalid_year"
	SkipUnknownMonth   SkipReason = "unknown_month"
	SkipInvalidValue   SkipReason = "invalid_value"
)

type (
	// Totals maps indicator -> MonthKey -> summed value.
	Totals map[string]map[string]float64

	// Counts maps indicator -> MonthKey -> number of observations.
	Counts map[string]map[string]int

	// Stats describes one aggregation pass.
	Stats struct {
		Rows     int                `json:"rows"`
		Accepted int                `json:"accepted"`
		Skipped  map[SkipReason]int `json:"skipped"`
	}

	// Result is the output of one aggregation pass. It is rebuilt wholesale on
	// every load and never updated in place afterwards.
	Result struct {
		Totals     Totals
		Counts     Counts
		Indicators []string
		Stats      Stats
	}
)

// SkippedTotal is the number of rows dropped for any reason.
func (s Stats) SkippedTotal() int {
	n := 0
	for _, v := range s.Skipped {
		n += v
	}
	return n
}

// Aggregate treats rows[0] as the header and aggregates the remaining rows.
func Aggregate(rows [][]string) (*Result, error) {
	if len(rows) == 0 {
		return nil, &core.SchemaError{}
	}
	return AggregateWithHeader(rows[0], rows[1:])
}

// AggregateWithHeader aggregates data rows against header. A header missing a
// required column is fatal; malformed data rows are skipped silently.
func AggregateWithHeader(header []string, rows [][]string) (*Result, error) {
	idx, err := newColumnIndex(header)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Totals: make(Totals),
		Counts: make(Counts),
		Stats:  Stats{Skipped: make(map[SkipReason]int)},
	}

	for _, raw := range rows {
		res.Stats.Rows++
		row := normalize(raw, len(header))

		obs, reason, ok := idx.observation(row)
		if !ok {
			res.Stats.Skipped[reason]++
			continue
		}
		res.add(obs)
		res.Stats.Accepted++
	}

	res.Indicators = sortedIndicators(res.Totals)
	return res, nil
}

func (r *Result) add(obs core.Observation) {
	key := obs.MonthKey()

	totals, ok := r.Totals[obs.Indicator]
	if !ok {
		totals = make(map[string]float64)
		r.Totals[obs.Indicator] = totals
	}
	counts, ok := r.Counts[obs.Indicator]
	if !ok {
		counts = make(map[string]int)
		r.Counts[obs.Indicator] = counts
	}
	if _, ok := totals[key]; !ok {
		totals[key] = 0
		counts[key] = 0
	}

	totals[key] += obs.Value
	counts[key]++
}

// normalize pads or truncates row to width so positional lookups never go out
// of range. The input slice is not modified.
func normalize(row []string, width int) []string {
	if len(row) == width {
		return row
	}
	out := make([]string, width)
	copy(out, row)
	return out
}

type columnIndex struct {
	year, month, indicator, value int
	predicted                     int // -1 when the column is absent
}

func newColumnIndex(header []string) (columnIndex, error) {
	found := make([]string, 0, len(header))
	pos := make(map[string]int, len(header))
	for i, name := range header {
		found = append(found, name)
		if _, dup := pos[name]; !dup {
			pos[name] = i
		}
	}
	if isBlankHeader(header) {
		return columnIndex{}, &core.SchemaError{Found: found}
	}

	var missing []string
	for _, name := range core.RequiredColumns {
		if _, ok := pos[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return columnIndex{}, &core.SchemaError{Missing: missing, Found: found}
	}

	idx := columnIndex{
		year:      pos[core.ColumnYear],
		month:     pos[core.ColumnMonth],
		indicator: pos[core.ColumnIndicator],
		value:     pos[core.ColumnDataValue],
		predicted: -1,
	}
	if i, ok := pos[core.ColumnPredictedValue]; ok {
		idx.predicted = i
	}
	return idx, nil
}

func (c columnIndex) observation(row []string) (core.Observation, SkipReason, bool) {
	// The indicator is kept verbatim; only an empty cell is skipped.
	indicator := row[c.indicator]
	if indicator == "" {
		return core.Observation{}, SkipEmptyIndicator, false
	}
	year, ok := core.ParseYear(row[c.year])
	if !ok {
		return core.Observation{}, SkipInvalidYear, false
	}
	month, ok := core.MonthNumber(strings.TrimSpace(row[c.month]))
	if !ok {
		return core.Observation{}, SkipUnknownMonth, false
	}

	raw := row[c.value]
	if core.IsBlank(raw) && c.predicted >= 0 {
		raw = row[c.predicted]
	}
	value, ok := core.ParseFinite(raw)
	if !ok {
		return core.Observation{}, SkipInvalidValue, false
	}

	return core.Observation{Indicator: indicator, Year: year, Month: month, Value: value}, "", true
}

func isBlankHeader(header []string) bool {
	for _, name := range header {
		if !core.IsBlank(name) {
			return false
		}
	}
	return true
}

func sortedIndicators(totals Totals) []string {
	out := make([]string, 0, len(totals))
	for name := range totals {
		out = append(out, name)
	}
	collate.New(language.English).SortStrings(out)
	return out
}
