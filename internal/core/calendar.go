package core

import (
	"fmt"
	"strconv"
)

var monthNames = [12]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

var monthByName = func() map[string]int {
	m := make(map[string]int, len(monthNames))
	for i, name := range monthNames {
		m[name] = i + 1
	}
	return m
}()

// MonthNumber maps a full English month name to 1-12.
func MonthNumber(name string) (int, bool) {
	n, ok := monthByName[name]
	return n, ok
}

// MonthName is the inverse of MonthNumber. Out of range months yield "".
func MonthName(month int) string {
	if month < 1 || month > 12 {
		return ""
	}
	return monthNames[month-1]
}

// MonthKey formats the canonical YYYY-MM grouping key.
func MonthKey(year, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}

// ParseMonthKey decodes a YYYY-MM key.
func ParseMonthKey(key string) (year, month int, ok bool) {
	if len(key) != 7 || key[4] != '-' {
		return 0, 0, false
	}
	y, err := strconv.Atoi(key[:4])
	if err != nil {
		return 0, 0, false
	}
	m, err := strconv.Atoi(key[5:])
	if err != nil || m < 1 || m > 12 {
		return 0, 0, false
	}
	return y, m, true
}
