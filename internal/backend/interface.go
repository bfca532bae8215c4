package backend

import (
	"context"
	"time"

	"statguard/internal/eventbus"
	"statguard/internal/snapshots"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// PingFunc reports whether a dependency can serve traffic.
type PingFunc func(ctx context.Context) error

// StoreResult contains the snapshot store and its lifecycle hooks.
type StoreResult struct {
	Store snapshots.Store
	// Ping is nil for stores that are always reachable.
	Ping    PingFunc
	Cleanup CleanupFunc
}

// TransportResult contains the transition transport and its lifecycle hooks.
type TransportResult struct {
	Publisher  eventbus.Publisher
	Subscriber eventbus.Subscriber
	Ping       PingFunc
	Cleanup    CleanupFunc
	// Remote is true when transitions travel over a broker.
	Remote bool
}

// Factory creates stores and transports based on configuration
type Factory interface {
	CreateStore(ctx context.Context, config Config) (*StoreResult, error)
	CreateTransport(ctx context.Context, config Config) (*TransportResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	// Backend type
	Type BackendType

	// SQLite specific
	SQLiteDBPath string
	CacheSize    int
	CacheTTL     time.Duration

	// Optional snapshot used when the store starts empty
	SeedSnapshotFile string

	// AMQP; empty URL selects the in-process bus
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
