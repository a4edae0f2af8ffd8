package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odwatch/internal/aggregate"
	"odwatch/internal/backend"
	"odwatch/internal/core"
	"odwatch/internal/dataset"
	applog "odwatch/internal/log"
	"odwatch/internal/vote"
)

type fakeDatasets struct {
	ds      *dataset.Dataset
	status  dataset.Status
	reloads int
}

func (f *fakeDatasets) Current() (*dataset.Dataset, error) {
	if f.ds == nil {
		return nil, core.ErrNoDataset
	}
	return f.ds, nil
}

func (f *fakeDatasets) Status() dataset.Status { return f.status }

func (f *fakeDatasets) Reload() uint64 {
	f.reloads++
	return uint64(f.reloads) + 1
}

func loadedDatasets(t *testing.T) *fakeDatasets {
	t.Helper()
	res, err := aggregate.Aggregate([][]string{
		{"Year", "Month", "Indicator", "Data Value", "Predicted Value"},
		{"2020", "January", "Opioids", "10", ""},
		{"2020", "February", "Opioids", "", "4"},
		{"2020", "January", "Number of All Drug Overdose Deaths", "100", ""},
		{"2020", "March", "Number of All Drug Overdose Deaths", "120", ""},
	})
	require.NoError(t, err)

	loadedAt := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return &fakeDatasets{
		ds: &dataset.Dataset{Source: "test.csv", Generation: 1, LoadedAt: loadedAt, Result: res},
		status: dataset.Status{
			State:      dataset.StateReady,
			Source:     "test.csv",
			Generation: 1,
			LoadedAt:   &loadedAt,
			Stats:      &res.Stats,
		},
	}
}

func quietLogger() *applog.Logger {
	cfg := applog.DefaultConfig()
	cfg.Output = io.Discard
	return applog.New(cfg)
}

// newTestServer wires a server over an in-memory vote store with a started
// tally.
func newTestServer(t *testing.T, datasets DatasetProvider, ratePerMinute int) *Server {
	t.Helper()
	res, err := backend.NewFactory(nil).Create(context.Background(), backend.Config{
		Type:      backend.MemoryBackend,
		RecordKey: "overdose-poll",
	})
	require.NoError(t, err)
	require.NoError(t, res.Tally.Start(context.Background()))
	t.Cleanup(func() { res.Cleanup() })

	srv, err := NewServer(":0", Options{
		Datasets:          datasets,
		Poll:              res.Tally,
		VoteStore:         res.Service,
		Logger:            quietLogger(),
		VoteRatePerMinute: ratePerMinute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func do(t *testing.T, srv *Server, method, target string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, loadedDatasets(t), 30)

	rec := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = do(t, srv, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ready", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["vote_store"])
}

func TestReadyWithoutDataset(t *testing.T) {
	srv := newTestServer(t, &fakeDatasets{status: dataset.Status{State: dataset.StateLoading}}, 30)

	rec := do(t, srv, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIndicators(t *testing.T) {
	srv := newTestServer(t, loadedDatasets(t), 30)

	rec := do(t, srv, http.MethodGet, "/api/indicators", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[indicatorsResponse](t, rec)
	assert.Equal(t, []string{"Number of All Drug Overdose Deaths", "Opioids"}, body.Indicators)
	assert.Equal(t, "Number of All Drug Overdose Deaths", body.Default)
	assert.Equal(t, uint64(1), body.Generation)
}

func TestDatasetUnavailable(t *testing.T) {
	srv := newTestServer(t, &fakeDatasets{}, 30)

	for _, path := range []string{"/api/indicators", "/api/series", "/api/series/chart.png", "/api/series/export.xlsx"} {
		rec := do(t, srv, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, "DATASET_UNAVAILABLE", decode[APIError](t, rec).ErrorCode, path)
	}
}

func TestSeries(t *testing.T) {
	srv := newTestServer(t, loadedDatasets(t), 30)

	t.Run("explicit indicator", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/api/series?indicator=Opioids", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		view := decode[struct {
			Indicator string `json:"indicator"`
			Points    []struct {
				MonthKey  string  `json:"month_key"`
				MonthName string  `json:"month_name"`
				Total     float64 `json:"total"`
			} `json:"points"`
			Summary struct {
				GrandTotal float64 `json:"grand_total"`
				PointCount int     `json:"point_count"`
			} `json:"summary"`
		}](t, rec)

		assert.Equal(t, "Opioids", view.Indicator)
		require.Len(t, view.Points, 2)
		assert.Equal(t, "2020-01", view.Points[0].MonthKey)
		assert.Equal(t, "February", view.Points[1].MonthName)
		assert.Equal(t, 4.0, view.Points[1].Total)
		assert.Equal(t, 14.0, view.Summary.GrandTotal)
		assert.Equal(t, 2, view.Summary.PointCount)
	})

	t.Run("default indicator", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/api/series", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"indicator":"Number of All Drug Overdose Deaths"`)
	})

	t.Run("unknown indicator is empty", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/api/series?indicator=Nope", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"points":[]`)
	})

	t.Run("oversized indicator", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/api/series?indicator="+strings.Repeat("x", 300), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSeriesChartCachedWithETag(t *testing.T) {
	srv := newTestServer(t, loadedDatasets(t), 30)

	rec := do(t, srv, http.MethodGet, "/api/series/chart.png?indicator=Opioids", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "opioids.png")

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = do(t, srv, http.MethodGet, "/api/series/chart.png?indicator=Opioids", nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	stats := srv.renders.Stats()
	assert.Equal(t, 1, stats.Size)
}

func TestSeriesExport(t *testing.T) {
	srv := newTestServer(t, loadedDatasets(t), 30)

	rec := do(t, srv, http.MethodGet, "/api/series/export.xlsx?indicator=Opioids", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, contentTypeXLSX, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
}

func TestDatasetReloadAndStatus(t *testing.T) {
	datasets := loadedDatasets(t)
	srv := newTestServer(t, datasets, 30)

	rec := do(t, srv, http.MethodPost, "/api/dataset/reload", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, uint64(2), decode[reloadResponse](t, rec).Generation)
	assert.Equal(t, 1, datasets.reloads)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = do(t, srv, http.MethodGet, "/api/dataset/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[dataset.Status](t, rec)
	assert.Equal(t, dataset.StateReady, st.State)
	require.NotNil(t, st.Stats)
	assert.Equal(t, 4, st.Stats.Accepted)

	rec = do(t, srv, http.MethodGet, "/api/dataset/reload", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCastVote(t *testing.T) {
	srv := newTestServer(t, loadedDatasets(t), 30)

	rec := do(t, srv, http.MethodPost, "/api/votes", strings.NewReader(`{"direction":"for"}`), "Content-Type", "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[voteResponse](t, rec)
	assert.Equal(t, core.For, resp.Direction)
	assert.Equal(t, int64(1), resp.Counter.ForCount)

	rec = do(t, srv, http.MethodPost, "/api/votes", strings.NewReader("direction=AGAINST"), "Content-Type", "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		rec := do(t, srv, http.MethodGet, "/api/votes", nil)
		snap := decode[vote.Snapshot](t, rec)
		return snap.Counter.ForCount == 1 && snap.Counter.AgainstCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCastVoteValidation(t *testing.T) {
	srv := newTestServer(t, loadedDatasets(t), 30)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"missing direction", `{}`, "VALIDATION_FAILED"},
		{"unknown direction", `{"direction":"maybe"}`, "VALIDATION_FAILED"},
		{"malformed json", `{"direction":`, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/api/votes", strings.NewReader(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decode[APIError](t, rec).ErrorCode)
		})
	}
}

func TestCastVoteRateLimited(t *testing.T) {
	srv := newTestServer(t, loadedDatasets(t), 1)

	rec := do(t, srv, http.MethodPost, "/api/votes", strings.NewReader(`{"direction":"for"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/votes", strings.NewReader(`{"direction":"for"}`))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decode[APIError](t, rec).ErrorCode)
}

func TestVotesDisabled(t *testing.T) {
	srv, err := NewServer(":0", Options{
		Datasets: loadedDatasets(t),
		Poll:     vote.NewDisabledTally(),
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	rec := do(t, srv, http.MethodPost, "/api/votes", strings.NewReader(`{"direction":"for"}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "POLL_DISABLED", decode[APIError](t, rec).ErrorCode)

	rec = do(t, srv, http.MethodGet, "/api/votes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, vote.StateDisabled, decode[vote.Snapshot](t, rec).State)

	rec = do(t, srv, http.MethodGet, "/api/votes/stream", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, srv, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCastBeforeTallyStarted(t *testing.T) {
	res, err := backend.NewFactory(nil).Create(context.Background(), backend.Config{
		Type:      backend.MemoryBackend,
		RecordKey: "overdose-poll",
	})
	require.NoError(t, err)
	defer res.Cleanup()

	srv, err := NewServer(":0", Options{Datasets: loadedDatasets(t), Poll: res.Tally, Logger: quietLogger()})
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	rec := do(t, srv, http.MethodPost, "/api/votes", strings.NewReader(`{"direction":"for"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "POLL_NOT_READY", decode[APIError](t, rec).ErrorCode)
}

func TestVoteStreamDeliversOwnWrites(t *testing.T) {
	srv := newTestServer(t, loadedDatasets(t), 30)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/votes/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var msg streamMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "counter", msg.Type)
	assert.Equal(t, int64(0), msg.Counter.Total())

	post, err := http.Post(ts.URL+"/api/votes", "application/json", strings.NewReader(`{"direction":"against"}`))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusOK, post.StatusCode)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, int64(0), msg.Counter.ForCount)
	assert.Equal(t, int64(1), msg.Counter.AgainstCount)
}

func TestNotFoundAndMetrics(t *testing.T) {
	srv := newTestServer(t, loadedDatasets(t), 30)

	rec := do(t, srv, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[APIError](t, rec).ErrorCode)

	do(t, srv, http.MethodGet, "/api/indicators", nil)

	rec = do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `odwatch_http_requests_total{method="GET",route="/api/indicators",status="200"} 1`)
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"no dataset", core.ErrNoDataset, http.StatusServiceUnavailable, "DATASET_UNAVAILABLE"},
		{"schema", &core.SchemaError{Missing: []string{"Year"}}, http.StatusBadGateway, "DATASET_SCHEMA"},
		{"fetch", &core.FetchError{Source: "x", Status: "404 Not Found"}, http.StatusBadGateway, "DATASET_FETCH"},
		{"direction", core.ErrInvalidDirection, http.StatusBadRequest, "INVALID_DIRECTION"},
		{"not ready", vote.ErrNotReady, http.StatusConflict, "POLL_NOT_READY"},
		{"disabled", core.ErrStoreUnavailable, http.StatusServiceUnavailable, "POLL_DISABLED"},
		{"transaction", &core.TransactionError{Direction: core.For, Err: errors.New("locked")}, http.StatusServiceUnavailable, "VOTE_NOT_RECORDED"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toAPIError(tt.err)
			assert.Equal(t, tt.status, got.StatusCode)
			assert.Equal(t, tt.code, got.ErrorCode)
		})
	}
}

func TestIndexPage(t *testing.T) {
	srv := newTestServer(t, loadedDatasets(t), 30)

	rec := do(t, srv, http.MethodGet, "/?indicator=Opioids", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `<option value="Opioids" selected>`)
	assert.Contains(t, body, "/api/series/chart.png?indicator=Opioids")
	assert.Contains(t, body, `id="for-count">0<`)

	rec = do(t, srv, http.MethodGet, "/static/app.js", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/votes/stream")
}

func TestIndexPageWithoutDataset(t *testing.T) {
	srv := newTestServer(t, &fakeDatasets{}, 30)

	rec := do(t, srv, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No dataset has been loaded yet")
}

func writeDatasetFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overdose.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSchemaErrorReachesDisplay(t *testing.T) {
	m := dataset.NewManager(dataset.NewFileSource(writeDatasetFile(t, "Year,Month,Data Value\n2020,January,1\n")), nil)
	_, err := m.Load(context.Background())
	require.Error(t, err)

	srv := newTestServer(t, m, 30)

	rec := do(t, srv, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "missing required column(s) Indicator")
	assert.Contains(t, body, "found columns [Year, Month, Data Value]")
	assert.NotContains(t, body, "chart.png")

	for _, path := range []string{"/api/indicators", "/api/series", "/api/series/chart.png"} {
		rec = do(t, srv, http.MethodGet, path, nil)
		require.Equal(t, http.StatusBadGateway, rec.Code, path)
		apiErr := decode[APIError](t, rec)
		assert.Equal(t, "DATASET_SCHEMA", apiErr.ErrorCode, path)
		assert.Contains(t, apiErr.Message, "missing required column(s) Indicator", path)
	}
}

func TestFailedReloadReplacesChartWithError(t *testing.T) {
	path := writeDatasetFile(t, "Year,Month,Indicator,Data Value\n2020,January,Opioids,10\n")
	m := dataset.NewManager(dataset.NewFileSource(path), nil)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	srv := newTestServer(t, m, 30)
	rec := do(t, srv, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chart.png")

	require.NoError(t, os.Remove(path))
	m.Reload()
	require.Eventually(t, func() bool {
		return m.Status().State == dataset.StateFailed
	}, 2*time.Second, 10*time.Millisecond)
	st := m.Status()

	rec = do(t, srv, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, st.Error)
	assert.NotContains(t, body, "chart.png")

	rec = do(t, srv, http.MethodGet, "/api/series?indicator=Opioids", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	apiErr := decode[APIError](t, rec)
	assert.Equal(t, "DATASET_FETCH", apiErr.ErrorCode)
	assert.Equal(t, st.Error, apiErr.Message)

	rec = do(t, srv, http.MethodGet, "/api/dataset/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decode[map[string]any](t, rec)["state"])
}

func TestDatasetLoadedPurgesRenders(t *testing.T) {
	datasets := loadedDatasets(t)
	srv := newTestServer(t, datasets, 30)

	rec := do(t, srv, http.MethodGet, "/api/series/chart.png?indicator=Opioids", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, srv.renders.Stats().Size)

	srv.DatasetLoaded(datasets.ds)
	assert.Equal(t, 0, srv.renders.Stats().Size)
}

func TestNewServerRejectsBadTrustedProxy(t *testing.T) {
	_, err := NewServer(":0", Options{Logger: quietLogger(), TrustedProxies: []string{"203.0.113.7"}})
	assert.ErrorContains(t, err, "invalid CIDR 203.0.113.7")
}
