package http

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"odwatch/internal/cache"
	"odwatch/internal/core"
	"odwatch/internal/dataset"
	"odwatch/internal/feed"
	applog "odwatch/internal/log"
	"odwatch/internal/metrics"
	"odwatch/internal/middleware/ratelimit"
	"odwatch/internal/middleware/security"
	"odwatch/internal/middleware/trace"
	"odwatch/internal/vote"
)

// DatasetProvider serves the current dataset and triggers reloads.
type DatasetProvider interface {
	Current() (*dataset.Dataset, error)
	Status() dataset.Status
	Reload() uint64
}

// Poll is the shared vote tally.
type Poll interface {
	Key() string
	Snapshot() vote.Snapshot
	Cast(ctx context.Context, d core.Direction) (core.VoteCounter, error)
	Subscribe(ctx context.Context) (*feed.Subscription, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Datasets DatasetProvider
	Poll     Poll
	// VoteStore is pinged by /readyz. Nil when voting is disabled.
	VoteStore Pinger

	Logger  *applog.Logger
	Metrics *metrics.Metrics

	VoteRatePerMinute int
	TrustedProxies    []string

	RenderCacheSize int
	RenderCacheTTL  time.Duration
}

type Server struct {
	http.Server

	datasets  DatasetProvider
	poll      Poll
	voteStore Pinger

	logger   *applog.Logger
	metrics  *metrics.Metrics
	limiter  *ratelimit.Limiter
	clientIP *security.ClientIP
	validate *validator.Validate
	upgrader websocket.Upgrader

	// Rendered charts and workbooks, keyed by dataset generation.
	renders *cache.LRU[[]byte]

	templates *template.Template
	static    http.Handler

	started      time.Time
	done         chan struct{}
	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentHTTP)

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	clientIP, err := security.NewClientIP(opts.TrustedProxies...)
	if err != nil {
		return nil, err
	}

	templates, err := parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	static, err := staticHandler()
	if err != nil {
		return nil, fmt.Errorf("mount static assets: %w", err)
	}

	if opts.RenderCacheSize <= 0 {
		opts.RenderCacheSize = 64
	}
	if opts.RenderCacheTTL <= 0 {
		opts.RenderCacheTTL = 30 * time.Minute
	}

	s := &Server{
		datasets:  opts.Datasets,
		poll:      opts.Poll,
		voteStore: opts.VoteStore,
		logger:    logger,
		metrics:   m,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: opts.VoteRatePerMinute,
		}),
		clientIP:  clientIP,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		renders:   cache.NewLRU[[]byte](opts.RenderCacheSize, opts.RenderCacheTTL),
		templates: templates,
		static:    static,
		started:   time.Now(),
		done:      make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			apiErr := *errWebSocketUpgrade
			apiErr.StatusCode = status
			apiErr.Details = reason.Error()
			s.renderError(w, r, &apiErr)
		},
	}

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(trace.Middleware)
	r.Use(applog.Middleware(s.logger, trace.FromRequest))
	r.Use(applog.AccessLog(s.clientIP.Extract))
	r.Use(s.metrics.Middleware)
	r.Use(security.Headers(security.DefaultHeadersConfig()))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.renderError(w, r, errNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.renderError(w, r, errMethodNotAllowed)
	})

	r.Get("/", s.handleIndex)
	r.Handle("/static/*", s.static)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/indicators", s.handleIndicators)
		r.Get("/series", s.handleSeries)
		r.Get("/series/chart.png", s.handleSeriesChart)
		r.Get("/series/export.xlsx", s.handleSeriesExport)

		r.Route("/dataset", func(r chi.Router) {
			r.Use(security.NoStore)
			r.Post("/reload", s.handleDatasetReload)
			r.Get("/status", s.handleDatasetStatus)
		})

		r.Route("/votes", func(r chi.Router) {
			r.Use(security.NoStore)
			r.Get("/", s.handleGetVotes)
			r.With(s.limiter.Middleware(s.clientIP.Extract, s.handleRateLimited)).Post("/", s.handleCastVote)
			r.Get("/stream", s.handleVoteStream)
		})
	})

	return r
}

// Shutdown closes open vote streams, stops background cleanup and shuts the
// HTTP server down.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		close(s.done)
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

// renderError writes err as an APIError body. Server-side failures log at
// error level, client mistakes at warn.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toAPIError(err)

	logger := applog.FromContext(r.Context())
	if apiErr.StatusCode >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Request failed",
			applog.FieldError, err,
			"error_code", apiErr.ErrorCode,
			applog.FieldPath, r.URL.Path)
	} else {
		logger.WarnContext(r.Context(), "Request rejected",
			applog.FieldError, err,
			"error_code", apiErr.ErrorCode,
			applog.FieldPath, r.URL.Path)
	}

	_ = render.Render(w, r, apiErr)
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	s.metrics.RateLimited.Inc()
	s.renderError(w, r, errRateLimitExceeded)
}
