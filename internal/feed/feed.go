// Package feed fans vote counter snapshots out to live subscribers.
//
// Each subscriber sees a sequence of immutable VoteCounter snapshots. Delivery
// coalesces: a subscriber that falls behind receives only the newest snapshot,
// never a stale one after a newer one.
package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"odwatch/internal/core"
)

// Subscription is a cancellable handle on a stream of snapshots for one key.
type Subscription struct {
	ID  string
	Key string

	c      chan core.VoteCounter
	b      *Broadcaster
	once   sync.Once
	closed chan struct{}
}

// C delivers snapshots. It is closed after Close.
func (s *Subscription) C() <-chan core.VoteCounter {
	return s.c
}

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} {
	return s.closed
}

// Close releases the watch. No snapshot is delivered after Close returns.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s)
	})
}

// Broadcaster keeps the latest snapshot per key and the set of subscribers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	latest map[string]core.VoteCounter
	logger *slog.Logger
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]map[*Subscription]struct{}),
		latest: make(map[string]core.VoteCounter),
		logger: logger.With("component", "feed"),
	}
}

// Subscribe registers a watch on key and immediately queues the newest of seed
// and the last published snapshot. When ctx is cancelled the subscription is
// closed.
func (b *Broadcaster) Subscribe(ctx context.Context, key string, seed core.VoteCounter) *Subscription {
	s := &Subscription{
		ID:     uuid.NewString(),
		Key:    key,
		c:      make(chan core.VoteCounter, 1),
		b:      b,
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[key] = set
	}
	set[s] = struct{}{}
	initial := seed
	if last, ok := b.latest[key]; ok && last.NewerThan(seed) {
		initial = last
	} else if seed.NewerThan(last) {
		b.latest[key] = seed
	}
	s.c <- initial
	count := len(set)
	b.mu.Unlock()

	b.logger.DebugContext(ctx, "Subscriber registered", "key", key, "subscription_id", s.ID, "subscribers", count)

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()
	return s
}

// Publish delivers c to every subscriber of key. Snapshots that are not newer
// than the last published one are dropped, which makes redelivery harmless.
func (b *Broadcaster) Publish(key string, c core.VoteCounter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if last, ok := b.latest[key]; ok && !c.NewerThan(last) {
		return
	}
	b.latest[key] = c

	for s := range b.subs[key] {
		select {
		case s.c <- c:
		default:
			// Drop the pending older snapshot, then deliver the newer one.
			select {
			case <-s.c:
			default:
			}
			s.c <- c
		}
	}
}

// Latest returns the newest snapshot published for key.
func (b *Broadcaster) Latest(key string) (core.VoteCounter, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.latest[key]
	return c, ok
}

// Subscribers returns the number of live subscriptions on key.
func (b *Broadcaster) Subscribers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[s.Key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.Key)
		}
	}
	close(s.c)
	close(s.closed)
	b.mu.Unlock()

	b.logger.Debug("Subscriber released", "key", s.Key, "subscription_id", s.ID)
}
