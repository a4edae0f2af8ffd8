package core

import (
	"errors"
	"strings"
	"time"
)

const (
	For     Direction = "for"
	Against Direction = "against"
)

// Recognized dataset column names. Matching is exact and case-sensitive.
const (
	ColumnYear           = "Year"
	ColumnMonth          = "Month"
	ColumnIndicator      = "Indicator"
	ColumnDataValue      = "Data Value"
	ColumnPredictedValue = "Predicted Value"
)

// RequiredColumns lists the header names a dataset must carry.
var RequiredColumns = []string{ColumnYear, ColumnMonth, ColumnIndicator, ColumnDataValue}

type (
	Direction string

	// Observation is one validated data point of the dataset.
	Observation struct {
		Indicator string
		Year      int
		Month     int // 1-12
		Value     float64
	}

	// VoteCounter is the shared two-category tally record.
	VoteCounter struct {
		ForCount     int64     `json:"for_count"`
		AgainstCount int64     `json:"against_count"`
		CreatedAt    time.Time `json:"created_at"`
		UpdatedAt    time.Time `json:"updated_at"`
	}
)

var (
	ErrInvalidDirection = errors.New("invalid vote direction")
	ErrStoreUnavailable = errors.New("vote store unavailable")
	ErrNoDataset        = errors.New("no dataset loaded")
	ErrNegativeCount    = errors.New("vote count cannot be negative")
	ErrEmptyRecordKey   = errors.New("empty vote record key")
)

// ParseDirection accepts "for" or "against", ignoring case and surrounding space.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(s)))
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

func (d Direction) Validate() error {
	switch d {
	case For, Against:
		return nil
	default:
		return ErrInvalidDirection
	}
}

func (d Direction) String() string {
	return string(d)
}

// MonthKey returns the grouping key of the observation.
func (o Observation) MonthKey() string {
	return MonthKey(o.Year, o.Month)
}

func (c VoteCounter) Validate() error {
	if c.ForCount < 0 || c.AgainstCount < 0 {
		return ErrNegativeCount
	}
	return nil
}

// Total is the number of votes cast in either direction.
func (c VoteCounter) Total() int64 {
	return c.ForCount + c.AgainstCount
}

// Exists reports whether the counter was ever persisted.
func (c VoteCounter) Exists() bool {
	return !c.CreatedAt.IsZero()
}

// NewerThan reports whether c reflects more votes than other. Counts only ever
// grow, so the total orders snapshots of the same record.
func (c VoteCounter) NewerThan(other VoteCounter) bool {
	if c.Total() != other.Total() {
		return c.Total() > other.Total()
	}
	return c.UpdatedAt.After(other.UpdatedAt)
}

// Increment returns the counter after one vote in direction d. CreatedAt is
// kept when the record already existed, otherwise stamped with now; UpdatedAt
// is always now. The other category is left untouched.
func (c VoteCounter) Increment(d Direction, now time.Time) (VoteCounter, error) {
	if err := d.Validate(); err != nil {
		return c, err
	}
	next := c
	switch d {
	case For:
		next.ForCount++
	case Against:
		next.AgainstCount++
	}
	if !c.Exists() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	return next, nil
}
