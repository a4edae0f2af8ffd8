// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating request data:
// series query parameters and vote bodies sent as JSON or as a form.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	maxBodyBytes       = 4 << 10
	maxIndicatorLength = 256
)

// SeriesParams holds the parsed query of the series endpoints.
type SeriesParams struct {
	// Indicator is empty when the client wants the default indicator.
	Indicator string
}

// ParseSeriesParams extracts the indicator selection from the query string.
func ParseSeriesParams(query url.Values) (SeriesParams, error) {
	ind := sanitizeInput(query.Get("indicator"))
	if len(ind) > maxIndicatorLength {
		return SeriesParams{}, fmt.Errorf("indicator longer than %d bytes", maxIndicatorLength)
	}
	return SeriesParams{Indicator: ind}, nil
}

// VoteRequest is the body of POST /api/votes.
type VoteRequest struct {
	Direction string `json:"direction" validate:"required,oneof=for against"`
	// Format is "json" or "form", whichever the body was decoded as.
	Format string `json:"-"`
}

// RequestBodyParser reads a small request body once and decodes it as JSON
// or form data, depending on what it looks like.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]interface{}
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser reads at most maxBodyBytes of the request body.
func NewRequestBodyParser(w http.ResponseWriter, r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}
	p.body, p.err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}

	if len(p.body) == 0 {
		p.formData = url.Values{}
		return nil
	}

	// Try JSON first if content looks like JSON
	if p.body[0] == '{' {
		p.jsonData = make(map[string]interface{})
		if err := json.Unmarshal(p.body, &p.jsonData); err != nil {
			p.err = err
			return err
		}
		return nil
	}

	p.formData, p.err = url.ParseQuery(string(p.body))
	return p.err
}

// Get returns a string value from the parsed data (JSON or form).
func (p *RequestBodyParser) Get(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return strings.TrimSpace(sanitizeInput(stringValue(val)))
		}
		return ""
	}
	if p.formData != nil {
		return strings.TrimSpace(sanitizeInput(p.formData.Get(key)))
	}
	return ""
}

// IsJSON returns true if the parsed content was JSON.
func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

// stringValue converts an interface{} to string.
func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// ParseVoteRequest decodes and validates a vote body. Direction is matched
// case-insensitively.
func ParseVoteRequest(w http.ResponseWriter, r *http.Request, v *validator.Validate) (VoteRequest, error) {
	p := NewRequestBodyParser(w, r)
	if err := p.Parse(); err != nil {
		return VoteRequest{}, fmt.Errorf("parse vote body: %w", err)
	}

	req := VoteRequest{Direction: strings.ToLower(p.Get("direction")), Format: "form"}
	if p.IsJSON() {
		req.Format = "json"
	}
	if err := v.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return VoteRequest{}, &validationError{Field: "direction", Tag: verrs[0].Tag(), Value: req.Direction}
		}
		return VoteRequest{}, err
	}
	return req, nil
}

// validationError describes the first failed validation rule.
type validationError struct {
	Field string `json:"field"`
	Tag   string `json:"rule"`
	Value string `json:"value,omitempty"`
}

func (e *validationError) Error() string {
	if e.Tag == "required" {
		return e.Field + " is required"
	}
	return fmt.Sprintf("%s %q fails rule %q", e.Field, e.Value, e.Tag)
}
