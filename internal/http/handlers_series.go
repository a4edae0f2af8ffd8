package http

import (
	"bytes"
	"context"
	"net/http"

	"github.com/go-chi/render"

	"odwatch/internal/chart"
	"odwatch/internal/dataset"
	"odwatch/internal/export"
	applog "odwatch/internal/log"
	"odwatch/internal/series"
)

type indicatorsResponse struct {
	Indicators []string `json:"indicators"`
	Default    string   `json:"default"`
	Generation uint64   `json:"generation"`
}

type reloadResponse struct {
	Generation uint64        `json:"generation"`
	State      dataset.State `json:"state"`
}

// DatasetLoaded drops renders of older generations once ds is current.
func (s *Server) DatasetLoaded(ds *dataset.Dataset) {
	stale := s.renders.Stats().Size
	s.renders.Purge()
	s.logger.Info("Render cache purged for new dataset",
		applog.FieldGeneration, ds.Generation,
		"entries", stale)
}

// currentDataset returns the current dataset. When the latest load failed its
// error is returned instead, even if an older dataset is still held.
func (s *Server) currentDataset() (*dataset.Dataset, error) {
	if st := s.datasets.Status(); st.State == dataset.StateFailed && st.Err != nil {
		return nil, st.Err
	}
	return s.datasets.Current()
}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	ds, err := s.currentDataset()
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	indicators := ds.Result.Indicators
	if indicators == nil {
		indicators = []string{}
	}
	render.JSON(w, r, indicatorsResponse{
		Indicators: indicators,
		Default:    series.DefaultIndicator(indicators),
		Generation: ds.Generation,
	})
}

// seriesView projects the current dataset for the requested indicator. An
// unknown indicator yields an empty series.
func (s *Server) seriesView(r *http.Request) (*dataset.Dataset, series.View, error) {
	params, err := ParseSeriesParams(r.URL.Query())
	if err != nil {
		apiErr := *errInvalidRequest
		apiErr.Details = err.Error()
		return nil, series.View{}, &apiErr
	}
	ds, err := s.currentDataset()
	if err != nil {
		return nil, series.View{}, err
	}
	return ds, series.NewView(ds.Result, params.Indicator), nil
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	_, view, err := s.seriesView(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, view)
}

func (s *Server) handleSeriesChart(w http.ResponseWriter, r *http.Request) {
	ds, view, err := s.seriesView(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	body, err := s.renders.GetOrLoad(r.Context(), artifactKey(ds.Generation, view.Indicator, "png"), func(ctx context.Context) ([]byte, error) {
		var buf bytes.Buffer
		if err := chart.RenderPNG(&buf, view, chart.DefaultSize); err != nil {
			return nil, err
		}
		applog.FromContext(ctx).DebugContext(ctx, "Rendered series chart",
			applog.FieldIndicator, view.Indicator,
			applog.FieldGeneration, ds.Generation,
			"bytes", buf.Len())
		return buf.Bytes(), nil
	})
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	PNGResponse(body, artifactFilename(view.Indicator, "png"), artifactETag(ds.Generation, view.Indicator, "png")).Write(w, r)
}

func (s *Server) handleSeriesExport(w http.ResponseWriter, r *http.Request) {
	ds, view, err := s.seriesView(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	body, err := s.renders.GetOrLoad(r.Context(), artifactKey(ds.Generation, view.Indicator, "xlsx"), func(ctx context.Context) ([]byte, error) {
		var buf bytes.Buffer
		if err := export.WriteXLSX(&buf, view); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	XLSXResponse(body, artifactFilename(view.Indicator, "xlsx"), artifactETag(ds.Generation, view.Indicator, "xlsx")).Write(w, r)
}

func (s *Server) handleDatasetReload(w http.ResponseWriter, r *http.Request) {
	gen := s.datasets.Reload()
	applog.FromContext(r.Context()).InfoContext(r.Context(), "Dataset reload requested",
		applog.FieldGeneration, gen,
		applog.FieldClientIP, s.clientIP.Extract(r))

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, reloadResponse{Generation: gen, State: dataset.StateLoading})
}

func (s *Server) handleDatasetStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.datasets.Status())
}
