// Package vote keeps the client-side state of the shared for/against poll.
//
// A Tally never guesses the counter: what it reports is always the last
// snapshot received from its live subscription. Casting a vote is a single
// read-modify-write through the backend; the resulting change comes back
// through the same subscription as everyone else's votes.
package vote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"odwatch/internal/core"
	"odwatch/internal/feed"
)

type State string

const (
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateSubmitting State = "submitting"
	StateError      State = "error"
	StateDisabled   State = "disabled"
)

var ErrNotReady = errors.New("vote tally is still loading")

// Backend persists votes and streams the committed counter.
type Backend interface {
	Transact(ctx context.Context, key string, fn func(current core.VoteCounter) (core.VoteCounter, error)) (core.VoteCounter, error)
	Watch(ctx context.Context, key string) (*feed.Subscription, error)
}

// Snapshot is what a tally reports to its callers.
type Snapshot struct {
	State   State            `json:"state"`
	Counter core.VoteCounter `json:"counter"`
	Error   string           `json:"error,omitempty"`
}

type Tally struct {
	backend Backend
	key     string
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	state    State
	counter  core.VoteCounter
	lastErr  error
	inflight int
	failed   bool
	stop     context.CancelFunc
	done     chan struct{}
}

func NewTally(backend Backend, key string, logger *slog.Logger) *Tally {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tally{
		backend: backend,
		key:     key,
		logger:  logger.With("component", "vote", "record_key", key),
		now:     time.Now,
		state:   StateLoading,
	}
}

// NewDisabledTally returns a tally for a deployment without a vote store.
// It stays disabled: casts and subscriptions fail with core.ErrStoreUnavailable.
func NewDisabledTally() *Tally {
	return &Tally{
		logger: slog.Default().With("component", "vote"),
		now:    time.Now,
		state:  StateDisabled,
	}
}

// Key returns the record key the tally votes on.
func (t *Tally) Key() string {
	return t.key
}

// Start opens the standing subscription and waits for the first snapshot.
// It fails, leaving the tally in the error state, when the watch cannot be
// established.
func (t *Tally) Start(ctx context.Context) error {
	if t.disabled() {
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	sub, err := t.backend.Watch(watchCtx, t.key)
	if err != nil {
		cancel()
		t.setError(err)
		return fmt.Errorf("watch vote counter: %w", err)
	}

	select {
	case c, ok := <-sub.C():
		if !ok {
			cancel()
			t.setError(errors.New("subscription closed"))
			return errors.New("watch vote counter: subscription closed")
		}
		t.apply(c)
	case <-ctx.Done():
		cancel()
		sub.Close()
		t.setError(ctx.Err())
		return ctx.Err()
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.stop = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		for c := range sub.C() {
			t.apply(c)
		}
	}()

	t.logger.InfoContext(ctx, "Vote tally ready", "subscription_id", sub.ID)
	return nil
}

// Stop releases the standing subscription. No snapshot is applied after
// Stop returns.
func (t *Tally) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// Snapshot returns the current state and the last counter received.
func (t *Tally) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{State: t.state, Counter: t.counter}
	if t.lastErr != nil && t.state == StateError {
		s.Error = t.lastErr.Error()
	}
	return s
}

// Subscribe opens an independent watch on the counter. Every committed change,
// including this process's own votes, is delivered as a full snapshot.
func (t *Tally) Subscribe(ctx context.Context) (*feed.Subscription, error) {
	if t.disabled() {
		return nil, core.ErrStoreUnavailable
	}
	return t.backend.Watch(ctx, t.key)
}

// Cast records one vote in direction d. On failure nothing was applied and the
// returned error is a *core.TransactionError; the caller may retry.
func (t *Tally) Cast(ctx context.Context, d core.Direction) (core.VoteCounter, error) {
	if err := d.Validate(); err != nil {
		return core.VoteCounter{}, err
	}

	t.mu.Lock()
	switch t.state {
	case StateDisabled:
		t.mu.Unlock()
		return core.VoteCounter{}, core.ErrStoreUnavailable
	case StateLoading:
		t.mu.Unlock()
		return core.VoteCounter{}, ErrNotReady
	}
	t.inflight++
	t.state = StateSubmitting
	t.mu.Unlock()

	committed, err := t.backend.Transact(ctx, t.key, func(current core.VoteCounter) (core.VoteCounter, error) {
		return current.Increment(d, t.now())
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight--
	if err != nil {
		err = &core.TransactionError{Direction: d, Err: err}
		t.lastErr = err
		t.failed = true
	}
	if t.inflight == 0 {
		if t.failed {
			t.state = StateError
		} else {
			t.state = StateReady
		}
		t.failed = false
	}

	if err != nil {
		t.logger.WarnContext(ctx, "Vote not recorded", "direction", d, "error", err)
		return core.VoteCounter{}, err
	}
	t.logger.DebugContext(ctx, "Vote recorded",
		"direction", d,
		"for_count", committed.ForCount,
		"against_count", committed.AgainstCount)
	return committed, nil
}

func (t *Tally) apply(c core.VoteCounter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDisabled {
		return
	}
	t.counter = c
	if t.inflight == 0 {
		t.state = StateReady
		t.lastErr = nil
	}
}

func (t *Tally) setError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateError
	t.lastErr = err
}

func (t *Tally) disabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateDisabled
}
