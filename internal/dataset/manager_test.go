package dataset

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"odwatch/internal/aggregate"
	"odwatch/internal/core"
)

const sampleCSV = "Year,Month,Indicator,Data Value,Predicted Value\r\n" +
	"2020,January,Opioids,10,\r\n" +
	"2020,January,Opioids,5,\r\n" +
	"2020,February,Opioids,,7\r\n" +
	"2020,Smarch,Opioids,1,\r\n"

func rowsOf(indicator string) [][]string {
	return [][]string{
		{"Year", "Month", "Indicator", "Data Value"},
		{"2021", "March", indicator, "3"},
	}
}

// scriptedSource answers the n-th call with calls[n].
type scriptedSource struct {
	n     int32
	calls []func(ctx context.Context) ([][]string, error)
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Rows(ctx context.Context) ([][]string, error) {
	i := atomic.AddInt32(&s.n, 1) - 1
	return s.calls[i](ctx)
}

func (s *scriptedSource) Calls() int { return int(atomic.LoadInt32(&s.n)) }

func fixed(rows [][]string) func(context.Context) ([][]string, error) {
	return func(context.Context) ([][]string, error) { return rows, nil }
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overdose.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	m := NewManager(NewFileSource(writeCSV(t, sampleCSV)), nil)

	ds, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Opioids"}, ds.Result.Indicators)
	assert.Equal(t, 15.0, ds.Result.Totals["Opioids"]["2020-01"])
	assert.Equal(t, 7.0, ds.Result.Totals["Opioids"]["2020-02"])

	cur, err := m.Current()
	require.NoError(t, err)
	assert.Same(t, ds, cur)

	st := m.Status()
	assert.Equal(t, StateReady, st.State)
	require.NotNil(t, st.Stats)
	assert.Equal(t, 4, st.Stats.Rows)
	assert.Equal(t, 3, st.Stats.Accepted)
	assert.Equal(t, 1, st.Stats.SkippedTotal())
}

func TestLoadMissingFile(t *testing.T) {
	m := NewManager(NewFileSource(filepath.Join(t.TempDir(), "absent.csv")), nil)

	_, err := m.Load(context.Background())
	var fe *core.FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = m.Current()
	assert.ErrorIs(t, err, core.ErrNoDataset)
	assert.Equal(t, StateFailed, m.Status().State)
}

func TestLoadSchemaErrorIsFatal(t *testing.T) {
	m := NewManager(NewFileSource(writeCSV(t, "Year,Month,Value\n2020,January,1\n")), nil)

	_, err := m.Load(context.Background())
	var se *core.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"Year", "Month", "Value"}, se.Found)

	st := m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "Indicator")
	assert.ErrorAs(t, st.Err, &se)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/export.csv" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(sampleCSV))
	}))
	defer srv.Close()

	t.Run("ok", func(t *testing.T) {
		rows, err := NewHTTPSource(srv.URL+"/export.csv", srv.Client()).Rows(context.Background())
		require.NoError(t, err)
		assert.Len(t, rows, 5)
		assert.Equal(t, "Predicted Value", rows[0][4])
	})

	t.Run("status error", func(t *testing.T) {
		_, err := NewHTTPSource(srv.URL+"/missing.csv", srv.Client()).Rows(context.Background())
		var fe *core.FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "404 Not Found", fe.Status)
		assert.Contains(t, fe.Error(), "404")
	})
}

func TestNewSourcePicksByScheme(t *testing.T) {
	assert.IsType(t, &HTTPSource{}, NewSource("https://example.org/data.csv", time.Second))
	assert.IsType(t, &FileSource{}, NewSource("./data.csv", time.Second))
}

func TestReloadCancelsInFlightLoad(t *testing.T) {
	cancelled := make(chan struct{})
	src := &scriptedSource{calls: []func(context.Context) ([][]string, error){
		func(ctx context.Context) ([][]string, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		},
		fixed(rowsOf("Cocaine")),
	}}
	m := NewManager(src, nil)

	first := m.Reload()
	require.Eventually(t, func() bool { return src.Calls() == 1 }, time.Second, time.Millisecond)
	second := m.Reload()
	assert.Equal(t, first+1, second)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("first load was not cancelled")
	}

	require.Eventually(t, func() bool { return m.Status().State == StateReady }, time.Second, time.Millisecond)
	ds, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, second, ds.Generation)
	assert.Equal(t, []string{"Cocaine"}, ds.Result.Indicators)
}

func TestLateResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	lateDone := make(chan struct{})
	src := &scriptedSource{calls: []func(context.Context) ([][]string, error){
		func(context.Context) ([][]string, error) {
			// Ignores cancellation and answers late.
			<-release
			defer close(lateDone)
			return rowsOf("Stale"), nil
		},
		fixed(rowsOf("Fresh")),
	}}
	m := NewManager(src, nil)

	m.Reload()
	require.Eventually(t, func() bool { return src.Calls() == 1 }, time.Second, time.Millisecond)
	m.Reload()
	require.Eventually(t, func() bool { return m.Status().State == StateReady }, time.Second, time.Millisecond)

	close(release)
	<-lateDone
	time.Sleep(10 * time.Millisecond)

	ds, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, []string{"Fresh"}, ds.Result.Indicators)
}

func TestLoadedHookRunsPerGeneration(t *testing.T) {
	src := &scriptedSource{calls: []func(context.Context) ([][]string, error){
		fixed(rowsOf("Heroin")),
		fixed(rowsOf("Heroin")),
		fixed(rowsOf("Heroin")),
	}}

	var mu sync.Mutex
	var hooked []uint64
	m := NewManager(src, nil,
		WithLoadedHook(func(ds *Dataset) {
			mu.Lock()
			hooked = append(hooked, ds.Generation)
			mu.Unlock()
		}))

	_, err := m.Load(context.Background())
	require.NoError(t, err)
	_, err = m.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.Calls())

	gen := m.Reload()
	require.Eventually(t, func() bool {
		ds, err := m.Current()
		return err == nil && ds.Generation == gen
	}, time.Second, time.Millisecond)
	assert.Equal(t, 3, src.Calls())

	mu.Lock()
	assert.Equal(t, []uint64{1, 2, gen}, hooked)
	mu.Unlock()
}

func TestFetchTimeout(t *testing.T) {
	src := &scriptedSource{calls: []func(context.Context) ([][]string, error){
		func(ctx context.Context) ([][]string, error) {
			<-ctx.Done()
			return nil, &core.FetchError{Source: "scripted", Err: ctx.Err()}
		},
	}}
	m := NewManager(src, nil, WithFetchTimeout(20*time.Millisecond))

	_, err := m.Load(context.Background())
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "err = %v", err)
	assert.Equal(t, StateFailed, m.Status().State)
}

func TestValuesToRows(t *testing.T) {
	rows := valuesToRows([][]interface{}{
		{"Year", "Month", "Indicator", "Data Value"},
		{2020, "January", "Opioids", 12.5},
		{2020.0, "March", "Opioids", 1234.0, true},
		{nil, "February"},
		{},
		{"", ""},
	})
	assert.Equal(t, [][]string{
		{"Year", "Month", "Indicator", "Data Value"},
		{"2020", "January", "Opioids", "12.5"},
		{"2020", "March", "Opioids", "1234", "true"},
		{"", "February"},
	}, rows)
	assert.Equal(t, []string{"1000000000000000000000", "0.000001"}, toStrings([]interface{}{1e21, 1e-6}))
}

func TestSheetSourceReadsUnformattedValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "UNFORMATTED_VALUE", r.URL.Query().Get("valueRenderOption"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"range":"Sheet1!A1:D2","majorDimension":"ROWS","values":[` +
			`["Year","Month","Indicator","Data Value"],` +
			`[2020,"January","Opioids",1234]]}`))
	}))
	defer srv.Close()

	svc, err := gsheet.NewService(context.Background(),
		goption.WithEndpoint(srv.URL+"/"),
		goption.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	src := &SheetSource{svc: svc, spreadsheetID: "sheet-id", readRange: "Sheet1"}
	rows, err := src.Rows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Year", "Month", "Indicator", "Data Value"},
		{"2020", "January", "Opioids", "1234"},
	}, rows)

	res, err := aggregate.Aggregate(rows)
	require.NoError(t, err)
	assert.Equal(t, 1234.0, res.Totals["Opioids"]["2020-01"])
}

func TestFailedHookKeepsPreviousDataset(t *testing.T) {
	boom := errors.New("upstream down")
	src := &scriptedSource{calls: []func(context.Context) ([][]string, error){
		fixed(rowsOf("Heroin")),
		func(context.Context) ([][]string, error) { return nil, &core.FetchError{Source: "scripted", Err: boom} },
	}}

	failures := make(chan uint64, 1)
	m := NewManager(src, nil, WithFailedHook(func(gen uint64, err error) {
		assert.ErrorIs(t, err, boom)
		failures <- gen
	}))

	first, err := m.Load(context.Background())
	require.NoError(t, err)

	gen := m.Reload()
	select {
	case got := <-failures:
		assert.Equal(t, gen, got)
	case <-time.After(time.Second):
		t.Fatal("failed hook not called")
	}

	cur, err := m.Current()
	require.NoError(t, err)
	assert.Same(t, first, cur)
	st := m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "upstream down")
	assert.ErrorIs(t, st.Err, boom)
}
