// Package csvparse tokenizes comma-separated text into rows of fields.
//
// The tokenizer is a single pass over the input with one "inside quotes" flag.
// It never fails: ragged rows are returned as-is and are normalized by the
// consumer against the header.
package csvparse

import (
	"fmt"
	"io"
	"strings"
)

// Parse splits text into rows.
//
// Rules:
//   - '"' toggles quoted mode; inside quotes '""' is one literal '"'.
//   - ',' outside quotes ends the field.
//   - '\n' outside quotes ends the field and the row.
//   - '\r' is always dropped, also inside quotes, so CRLF behaves like LF.
//   - A trailing in-progress field or row is flushed at end of input.
//   - Trailing rows whose fields are all empty are dropped.
func Parse(text string) [][]string {
	var (
		rows     [][]string
		row      []string
		field    strings.Builder
		inQuotes bool
		dirty    bool // current row has consumed input
	)

	endField := func() {
		row = append(row, field.String())
		field.Reset()
	}
	endRow := func() {
		endField()
		rows = append(rows, row)
		row = nil
		dirty = false
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '\r':
			continue
		case c == '"':
			if inQuotes && i+1 < len(text) && text[i+1] == '"' {
				field.WriteByte('"')
				i++
			} else {
				inQuotes = !inQuotes
			}
		case c == ',' && !inQuotes:
			endField()
		case c == '\n' && !inQuotes:
			endRow()
			continue
		default:
			field.WriteByte(c)
		}
		dirty = true
	}
	if dirty || field.Len() > 0 || len(row) > 0 {
		endRow()
	}

	for len(rows) > 0 && isEmptyRow(rows[len(rows)-1]) {
		rows = rows[:len(rows)-1]
	}
	return rows
}

// ParseReader reads r to the end and tokenizes it with Parse.
func ParseReader(r io.Reader) ([][]string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return Parse(string(b)), nil
}

func isEmptyRow(row []string) bool {
	for _, f := range row {
		if f != "" {
			return false
		}
	}
	return true
}
