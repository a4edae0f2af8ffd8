package dataset

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"odwatch/internal/aggregate"
	"odwatch/internal/core"
)

type State string

const (
	StateEmpty   State = "empty"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// Dataset is one fully aggregated load. It is never modified after creation.
type Dataset struct {
	Source     string
	Generation uint64
	LoadedAt   time.Time
	Result     *aggregate.Result
}

// Status describes the manager for the status endpoint. Err carries the
// typed error of a failed load; Error is its message.
type Status struct {
	State      State            `json:"state"`
	Source     string           `json:"source"`
	Generation uint64           `json:"generation"`
	Error      string           `json:"error,omitempty"`
	Err        error            `json:"-"`
	LoadedAt   *time.Time       `json:"loaded_at,omitempty"`
	Stats      *aggregate.Stats `json:"stats,omitempty"`
}

// Manager owns the current dataset. Every load runs under a generation
// number; starting a new load cancels the previous one, and a result whose
// generation is no longer current is discarded.
type Manager struct {
	source  Source
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	state   State
	current *Dataset
	lastErr error

	// onLoaded runs after a dataset becomes current.
	onLoaded func(*Dataset)
	onFailed func(gen uint64, err error)
}

type ManagerOption func(*Manager)

// WithFailedHook registers fn to run when the current load fails.
// Superseded loads do not trigger it.
func WithFailedHook(fn func(gen uint64, err error)) ManagerOption {
	return func(m *Manager) { m.onFailed = fn }
}

// WithFetchTimeout bounds every load.
func WithFetchTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// WithLoadedHook registers fn to run whenever a new dataset becomes current.
func WithLoadedHook(fn func(*Dataset)) ManagerOption {
	return func(m *Manager) { m.onLoaded = fn }
}

func NewManager(source Source, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		source: source,
		logger: logger.With("component", "dataset", "source", source.Name()),
		now:    time.Now,
		state:  StateEmpty,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load fetches and aggregates the source and makes the result current.
// Concurrent callers share one fetch.
func (m *Manager) Load(ctx context.Context) (*Dataset, error) {
	v, err, _ := m.group.Do("load", func() (any, error) {
		gen, loadCtx, cancel := m.begin(ctx)
		defer cancel()
		return m.run(loadCtx, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Dataset), nil
}

// Reload cancels an in-flight load and starts a new one in the background.
// It returns the generation of the new load.
func (m *Manager) Reload() uint64 {
	gen, loadCtx, cancel := m.begin(context.Background())
	go func() {
		defer cancel()
		m.run(loadCtx, gen)
	}()
	return gen
}

// Current returns the current dataset or core.ErrNoDataset.
func (m *Manager) Current() (*Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, core.ErrNoDataset
	}
	return m.current, nil
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{State: m.state, Source: m.source.Name(), Generation: m.gen}
	if m.lastErr != nil && m.state == StateFailed {
		s.Error = m.lastErr.Error()
		s.Err = m.lastErr
	}
	if m.current != nil {
		loadedAt := m.current.LoadedAt
		stats := m.current.Result.Stats
		s.LoadedAt = &loadedAt
		s.Stats = &stats
	}
	return s
}

func (m *Manager) begin(parent context.Context) (uint64, context.Context, context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.gen++

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, m.timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	m.cancel = cancel
	m.state = StateLoading
	return m.gen, ctx, cancel
}

func (m *Manager) run(ctx context.Context, gen uint64) (*Dataset, error) {
	start := m.now()
	m.logger.InfoContext(ctx, "Loading dataset", "generation", gen)

	rows, err := m.source.Rows(ctx)
	if err == nil {
		var res *aggregate.Result
		res, err = aggregate.Aggregate(rows)
		if err == nil {
			ds := &Dataset{
				Source:     m.source.Name(),
				Generation: gen,
				LoadedAt:   m.now(),
				Result:     res,
			}
			if !m.finish(gen, ds, nil) {
				return nil, context.Canceled
			}
			m.logger.InfoContext(ctx, "Dataset loaded",
				"generation", gen,
				"rows", res.Stats.Rows,
				"accepted", res.Stats.Accepted,
				"skipped", res.Stats.SkippedTotal(),
				"indicators", len(res.Indicators),
				"duration", m.now().Sub(start))
			return ds, nil
		}
	}

	if m.finish(gen, nil, err) {
		m.logger.ErrorContext(ctx, "Dataset load failed", "generation", gen, "error", err)
	}
	return nil, err
}

// finish applies the outcome of load gen. It reports false when gen has
// been superseded and the outcome was dropped.
func (m *Manager) finish(gen uint64, ds *Dataset, err error) bool {
	m.mu.Lock()
	if gen != m.gen {
		current := m.gen
		m.mu.Unlock()
		m.logger.Info("Discarding superseded dataset load", "generation", gen, "current_generation", current)
		return false
	}
	m.cancel = nil
	if err != nil {
		m.state = StateFailed
		m.lastErr = err
		failed := m.onFailed
		m.mu.Unlock()
		if failed != nil {
			failed(gen, err)
		}
		return true
	}
	m.state = StateReady
	m.lastErr = nil
	m.current = ds
	hook := m.onLoaded
	m.mu.Unlock()

	if hook != nil {
		hook(ds)
	}
	return true
}
