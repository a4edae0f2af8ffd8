package http

import (
	"bytes"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"odwatch/internal/series"
	"odwatch/internal/vote"
	appweb "odwatch/web"
)

type indexPage struct {
	Indicators []string
	Indicator  string
	Summary    series.Summary
	Generation uint64
	LoadedAt   string
	Error      string
	Poll       vote.Snapshot
}

func parseTemplates() (*template.Template, error) {
	return template.ParseFS(appweb.TemplatesFS, "templates/*.html")
}

func staticHandler() (http.Handler, error) {
	sub, err := fs.Sub(appweb.StaticFS, "static")
	if err != nil {
		return nil, err
	}
	static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		static.ServeHTTP(w, r)
	}), nil
}

// handleIndex renders the dashboard. A missing dataset or a failed load
// renders the page with the error as a notice so the poll stays usable.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page := indexPage{Poll: s.poll.Snapshot()}

	ds, view, err := s.seriesView(r)
	if err != nil {
		apiErr := toAPIError(err)
		if apiErr.StatusCode == http.StatusBadRequest {
			s.renderError(w, r, err)
			return
		}
		page.Error = apiErr.Message
	} else {
		page.Indicators = ds.Result.Indicators
		page.Indicator = view.Indicator
		page.Summary = view.Summary
		page.Generation = ds.Generation
		page.LoadedAt = ds.LoadedAt.UTC().Format(time.RFC1123)
	}

	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, "index.html", page); err != nil {
		s.renderError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
