package services

import (
	"context"
	"fmt"
	"log/slog"

	"odwatch/internal/amqp"
	"odwatch/internal/core"
	"odwatch/internal/feed"
)

// CounterStore is a transactional vote counter store.
type CounterStore interface {
	Get(ctx context.Context, key string) (core.VoteCounter, error)
	Transact(ctx context.Context, key string, fn func(current core.VoteCounter) (core.VoteCounter, error)) (core.VoteCounter, error)
	Ping(ctx context.Context) error
	Close() error
}

// CounterPublisher fans committed counters out to other instances.
type CounterPublisher interface {
	PublishCounter(ctx context.Context, key string, c core.VoteCounter) error
	ConsumeCounters(ctx context.Context, handler func(*amqp.CounterMessage) error) error
	Close() error
}

// VoteService orchestrates vote commits across the store, the local
// broadcaster and, when configured, AMQP.
type VoteService struct {
	store     CounterStore
	feed      *feed.Broadcaster
	publisher CounterPublisher
	logger    *slog.Logger
}

func NewVoteService(store CounterStore, broadcaster *feed.Broadcaster, publisher CounterPublisher, logger *slog.Logger) *VoteService {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = feed.NewBroadcaster(logger)
	}
	return &VoteService{
		store:     store,
		feed:      broadcaster,
		publisher: publisher,
		logger:    logger.With("component", "vote_service"),
	}
}

// Transact commits fn against the stored counter, then announces the result
// to local subscribers and other instances.
func (s *VoteService) Transact(ctx context.Context, key string, fn func(current core.VoteCounter) (core.VoteCounter, error)) (core.VoteCounter, error) {
	// Commit first; announcing is best-effort.
	c, err := s.store.Transact(ctx, key, fn)
	if err != nil {
		return core.VoteCounter{}, err
	}

	s.feed.Publish(key, c)

	if err := s.publishCounter(ctx, key, c); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish vote counter",
			"record_key", key, "error", err)
		// Local subscribers already have it; remote ones catch up on the next change.
	}
	return c, nil
}

// Watch reads the current counter and subscribes to every later change.
func (s *VoteService) Watch(ctx context.Context, key string) (*feed.Subscription, error) {
	seed, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read vote counter: %w", err)
	}
	return s.feed.Subscribe(ctx, key, seed), nil
}

// ConsumeRemote feeds counters committed by other instances into the local
// broadcaster until ctx is cancelled. Without a publisher it returns at once.
func (s *VoteService) ConsumeRemote(ctx context.Context) error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.ConsumeCounters(ctx, func(msg *amqp.CounterMessage) error {
		s.feed.Publish(msg.Key, msg.Counter())
		return nil
	})
}

// Ping reports whether the store is reachable.
func (s *VoteService) Ping(ctx context.Context) error {
	if s.store == nil {
		return core.ErrStoreUnavailable
	}
	return s.store.Ping(ctx)
}

func (s *VoteService) publishCounter(ctx context.Context, key string, c core.VoteCounter) error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.PublishCounter(ctx, key, c)
}

// Close closes both store and AMQP connections.
func (s *VoteService) Close() error {
	var errs []error

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("amqp: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close vote service: %v", errs)
	}
	return nil
}
