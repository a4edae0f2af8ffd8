package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"odwatch/internal/backend"
	"odwatch/internal/cli"
	"odwatch/internal/config"
	"odwatch/internal/dataset"
	apphttp "odwatch/internal/http"
	applog "odwatch/internal/log"
	"odwatch/internal/metrics"
)

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadConfig()
	if err != nil {
		cli.Fatal(applog.New(applog.DefaultConfig()), "Configuration validation failed", err)
	}
	logger := cli.SetupLogger(cfg.LogLevel)
	logger.Info("Starting odwatch", "port", cfg.Port, "vote_backend", cfg.VoteBackend)

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	m := metrics.New()

	source, err := newSource(ctx, cfg)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize dataset source", err)
	}
	// srv is assigned before any load can finish.
	var srv *apphttp.Server
	datasets := dataset.NewManager(source,
		logger.Root(),
		dataset.WithFetchTimeout(cfg.FetchTimeout),
		dataset.WithLoadedHook(func(ds *dataset.Dataset) {
			st := ds.Result.Stats
			m.ObserveLoad(ds.Generation, st.Rows, st.Accepted, st.SkippedTotal(), nil)
			srv.DatasetLoaded(ds)
		}),
		dataset.WithFailedHook(func(gen uint64, err error) {
			m.ObserveLoad(gen, 0, 0, 0, err)
		}),
	)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		cli.Fatal(logger, "Invalid vote backend configuration", err)
	}
	votes, err := backend.NewFactory(logger.Root()).Create(ctx, backendCfg)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize vote backend", err)
	}
	defer votes.Cleanup()

	opts := apphttp.Options{
		Datasets:          datasets,
		Poll:              votes.Tally,
		Logger:            logger,
		Metrics:           m,
		VoteRatePerMinute: cfg.VoteRatePerMinute,
		TrustedProxies:    cfg.TrustedProxies,
		RenderCacheSize:   cfg.RenderCacheSize,
		RenderCacheTTL:    cfg.RenderCacheTTL,
	}
	if votes.Service != nil {
		opts.VoteStore = votes.Service
	}
	srv, err = apphttp.NewServer(":"+cfg.Port, opts)
	if err != nil {
		cli.Fatal(logger, "Failed to create HTTP server", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// The first load is not fatal: the server reports not ready and a reload
	// can be requested once the source is fixed.
	g.Go(func() error {
		if _, err := datasets.Load(gctx); err != nil && gctx.Err() == nil {
			logger.Error("Initial dataset load failed", applog.FieldError, err)
		}
		return nil
	})

	g.Go(func() error {
		if err := votes.Tally.Start(gctx); err != nil && gctx.Err() == nil {
			logger.Error("Vote tally unavailable", applog.FieldError, err)
		}
		return nil
	})

	if votes.Service != nil {
		g.Go(func() error {
			if err := votes.Service.ConsumeRemote(gctx); err != nil && gctx.Err() == nil {
				logger.Error("Remote vote consumer stopped", applog.FieldError, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		cli.Fatal(logger, "Server error", err)
	}
	logger.Info("Server stopped gracefully")
}

func newSource(ctx context.Context, cfg *config.Config) (dataset.Source, error) {
	if cfg.UsesSheet() {
		return dataset.NewSheetSource(ctx, cfg.DatasetSheetID, cfg.DatasetSheetRange, dataset.SheetCredentials{
			JSON: cfg.GoogleServiceAccountJSON,
			File: cfg.GoogleServiceAccountFile,
		})
	}
	return dataset.NewSource(cfg.DatasetSource, cfg.FetchTimeout), nil
}
