package backend

import (
	"context"
	"slices"

	"odwatch/internal/services"
	"odwatch/internal/vote"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// Result contains the tally the server votes through, the service behind it
// and an optional cleanup function. Service is nil for a disabled poll.
type Result struct {
	Tally   *vote.Tally
	Service *services.VoteService
	Cleanup CleanupFunc
}

// Factory creates vote backends based on configuration
type Factory interface {
	Create(ctx context.Context, config Config) (*Result, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type      BackendType
	RecordKey string

	// SQLite specific
	SQLiteDBPath string

	// Optional cross-instance fanout
	AMQPURL      string
	AMQPExchange string
}

// BackendType represents the type of vote store
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
	NoBackend     BackendType = "none"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	return slices.Contains(GetBackendTypes(), bt)
}
