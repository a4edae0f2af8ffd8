package core

import (
	"fmt"
	"strings"
)

// SchemaError reports a header that cannot be aggregated. It is fatal to the
// whole load.
type SchemaError struct {
	Missing []string
	Found   []string
}

func (e *SchemaError) Error() string {
	if len(e.Missing) == 0 {
		return "schema error: empty header"
	}
	return fmt.Sprintf("schema error: missing required column(s) %s; found columns [%s]",
		strings.Join(e.Missing, ", "), strings.Join(e.Found, ", "))
}

// FetchError reports that the raw dataset could not be retrieved.
type FetchError struct {
	Source string
	// Status is the transport status line when one was received, e.g. "404 Not Found".
	Status string
	Err    error
}

func (e *FetchError) Error() string {
	msg := "fetch " + e.Source
	if e.Status != "" {
		msg += ": status " + e.Status
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// TransactionError reports a failed vote read-modify-write. No increment was
// applied and the caller may retry.
type TransactionError struct {
	Direction Direction
	Err       error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("could not record %q vote: %v", e.Direction, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
