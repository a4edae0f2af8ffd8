package backend

import (
	"context"
	"fmt"
	"log/slog"

	"odwatch/internal/amqp"
	"odwatch/internal/feed"
	"odwatch/internal/services"
	"odwatch/internal/storage"
	"odwatch/internal/vote"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
	// root is handed to the parts the factory builds; each names its own
	// component.
	root *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger.With("component", "backend"),
		root:   logger,
	}
}

// Create implements Factory.Create. The returned tally is not started.
func (f *DefaultFactory) Create(ctx context.Context, config Config) (*Result, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SQLiteBackend:
		return f.createSQLiteBackend(ctx, config)
	case MemoryBackend:
		return f.createMemoryBackend(ctx, config)
	case NoBackend:
		f.logger.WarnContext(ctx, "Vote store unavailable, poll disabled")
		return &Result{Tally: vote.NewDisabledTally()}, nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSQLiteBackend(ctx context.Context, config Config) (*Result, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	result := f.assemble(ctx, repo, config)
	f.logger.InfoContext(ctx, "Initialized SQLite vote backend",
		"db_path", config.SQLiteDBPath,
		"record_key", config.RecordKey,
		"amqp_enabled", config.AMQPURL != "")
	return result, nil
}

func (f *DefaultFactory) createMemoryBackend(ctx context.Context, config Config) (*Result, error) {
	result := f.assemble(ctx, storage.NewMemoryStore(), config)
	f.logger.InfoContext(ctx, "Initialized memory vote backend", "record_key", config.RecordKey)
	return result, nil
}

func (f *DefaultFactory) assemble(ctx context.Context, store services.CounterStore, config Config) *Result {
	// AMQP is optional: without it votes still reach local subscribers.
	var publisher services.CounterPublisher
	if config.AMQPURL != "" {
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, f.root)
		if err != nil {
			f.logger.WarnContext(ctx, "Failed to initialize AMQP client, continuing without fanout", "error", err)
		} else {
			publisher = client
			f.logger.InfoContext(ctx, "Initialized AMQP client", "exchange", config.AMQPExchange)
		}
	}

	svc := services.NewVoteService(store, feed.NewBroadcaster(f.root), publisher, f.root)
	tally := vote.NewTally(svc, config.RecordKey, f.root)
	return &Result{
		Tally:   tally,
		Service: svc,
		Cleanup: func() error {
			tally.Stop()
			return svc.Close()
		},
	}
}
