// Package core provides numeric parsing for dataset fields.
//
// This file contains the parsing rules applied to the Year, Data Value and
// Predicted Value columns.
package core

import (
	"math"
	"strconv"
	"strings"
)

// ParseFinite parses a decimal field into a finite float64.
//
// Surrounding whitespace is ignored. Blank input, malformed numbers, NaN and
// infinities are all rejected.
//
// Examples:
//
//	ParseFinite("12.5")  -> 12.5, true
//	ParseFinite(" 7 ")   -> 7, true
//	ParseFinite("")      -> 0, false
//	ParseFinite("NaN")   -> 0, false
//	ParseFinite("1,234") -> 0, false
func ParseFinite(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ParseYear parses a Year field. The value must be finite and is truncated
// to an integer year in 0..9999 so it fits the YYYY-MM key.
func ParseYear(s string) (int, bool) {
	v, ok := ParseFinite(s)
	if !ok {
		return 0, false
	}
	year := int(math.Trunc(v))
	if year < 0 || year > 9999 {
		return 0, false
	}
	return year, true
}

// IsBlank reports whether a field holds only whitespace.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
