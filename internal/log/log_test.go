package log

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithComponentReplacesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelDebug, Output: &buf})

	logger.WithComponent(ComponentVote).Info("vote recorded")

	out := buf.String()
	if strings.Count(out, "component=") != 1 {
		t.Fatalf("expected exactly one component attribute, got %q", out)
	}
	if !strings.Contains(out, "component=vote") {
		t.Errorf("expected component=vote in %q", out)
	}
}

func TestRootHasNoComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelDebug, Output: &buf})

	logger.Root().With("component", "dataset").Info("loaded")

	out := buf.String()
	if strings.Count(out, "component=") != 1 || !strings.Contains(out, "component=dataset") {
		t.Fatalf("expected only component=dataset, got %q", out)
	}
}

func TestLogFieldsBuilder(t *testing.T) {
	f := NewFields().
		WithVote("poll", "for", 5, 1).
		WithFormat("json").
		WithError(errors.New("boom")).
		WithError(nil)

	if f[FieldForCount] != int64(5) || f[FieldDirection] != "for" {
		t.Errorf("vote fields missing: %v", f)
	}
	if f[FieldFormat] != "json" {
		t.Errorf("format field = %v", f[FieldFormat])
	}
	if f[FieldError] != "boom" {
		t.Errorf("error field = %v", f[FieldError])
	}
	if len(f.ToSlice()) != 2*len(f) {
		t.Errorf("ToSlice length mismatch")
	}
}

func TestAccessLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelDebug, Output: &buf, Component: ComponentHTTP})

	handler := Middleware(logger, func(*http.Request) string { return "req-1" })(
		AccessLog(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusNotFound)
		})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/series?indicator=x", nil))

	out := buf.String()
	for _, want := range []string{"level=WARN", "status_code=404", "request_id=req-1", "path=/api/series"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestFromContextFallback(t *testing.T) {
	if FromContext(context.Background()).Component() != "unknown" {
		t.Error("expected fallback logger")
	}
}
