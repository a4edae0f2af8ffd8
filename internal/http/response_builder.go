// Package http provides HTTP server and handler implementations.
//
// This file implements the Builder Pattern for binary artifact responses
// (chart images and spreadsheets): content type, download disposition and
// generation-scoped ETags.

package http

import (
	"mime"
	"net/http"
	"strconv"
	"strings"
)

const (
	contentTypePNG  = "image/png"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ArtifactResponseBuilder provides a fluent API for binary responses.
type ArtifactResponseBuilder struct {
	statusCode int
	body       []byte
	etag       string
	headers    map[string]string
}

// NewArtifactResponse creates a new response builder with default 200 status.
func NewArtifactResponse() *ArtifactResponseBuilder {
	return &ArtifactResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *ArtifactResponseBuilder) Status(code int) *ArtifactResponseBuilder {
	b.statusCode = code
	return b
}

func (b *ArtifactResponseBuilder) ContentType(ct string) *ArtifactResponseBuilder {
	return b.Header("Content-Type", ct)
}

// Attachment asks the client to save the body as filename.
func (b *ArtifactResponseBuilder) Attachment(filename string) *ArtifactResponseBuilder {
	return b.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
}

// Inline lets the client display the body, naming it filename if saved.
func (b *ArtifactResponseBuilder) Inline(filename string) *ArtifactResponseBuilder {
	return b.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": filename}))
}

// ETag sets a strong entity tag. Matching If-None-Match requests get 304.
func (b *ArtifactResponseBuilder) ETag(tag string) *ArtifactResponseBuilder {
	b.etag = `"` + tag + `"`
	return b
}

// Header adds a custom header to the response.
func (b *ArtifactResponseBuilder) Header(name, value string) *ArtifactResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the response body as bytes.
func (b *ArtifactResponseBuilder) Body(content []byte) *ArtifactResponseBuilder {
	b.body = content
	return b
}

// Write sends the built response.
func (b *ArtifactResponseBuilder) Write(w http.ResponseWriter, r *http.Request) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}

	if b.etag != "" {
		w.Header().Set("ETag", b.etag)
		w.Header().Set("Cache-Control", "private, must-revalidate")
		if etagMatches(r.Header.Get("If-None-Match"), b.etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(b.body)))
	w.WriteHeader(b.statusCode)
	if len(b.body) > 0 && r.Method != http.MethodHead {
		_, _ = w.Write(b.body)
	}
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// PNGResponse is an inline chart image.
func PNGResponse(body []byte, filename, etag string) *ArtifactResponseBuilder {
	return NewArtifactResponse().
		ContentType(contentTypePNG).
		Inline(filename).
		ETag(etag).
		Body(body)
}

// XLSXResponse is a spreadsheet download.
func XLSXResponse(body []byte, filename, etag string) *ArtifactResponseBuilder {
	return NewArtifactResponse().
		ContentType(contentTypeXLSX).
		Attachment(filename).
		ETag(etag).
		Body(body)
}
