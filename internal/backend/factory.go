package backend

import (
	"context"
	"errors"
	"fmt"
	"os"

	"statguard/internal/amqp"
	"statguard/internal/cache"
	"statguard/internal/core"
	"statguard/internal/eventbus"
	"statguard/internal/log"
	"statguard/internal/snapshots"
	"statguard/internal/snapshots/memory"
	"statguard/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

var _ Factory = (*DefaultFactory)(nil)

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) *DefaultFactory {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateStore implements Factory.CreateStore
func (f *DefaultFactory) CreateStore(ctx context.Context, config Config) (*StoreResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SQLiteBackend:
		return f.createSQLiteStore(ctx, config)
	case MemoryBackend:
		return f.createMemoryStore(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSQLiteStore(ctx context.Context, config Config) (*StoreResult, error) {
	var (
		opts    []storage.Option
		manager *cache.Manager
	)
	if config.CacheSize > 0 {
		lru := cache.NewLRUCache[storage.CacheKey, core.Snapshot](config.CacheSize, config.CacheTTL)
		manager = cache.NewManager()
		manager.Register(lru)
		manager.StartCleanup(config.CacheTTL)
		opts = append(opts, storage.WithCache(lru))
	}

	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, opts...)
	if err != nil {
		if manager != nil {
			manager.Stop()
		}
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	if err := f.seedIfEmpty(ctx, repo, config.SeedSnapshotFile); err != nil {
		if manager != nil {
			manager.Stop()
		}
		repo.Close()
		return nil, err
	}

	f.logger.Info("Initialized SQLite backend",
		"db_path", config.SQLiteDBPath,
		"cache_size", config.CacheSize,
		"cache_ttl", config.CacheTTL)

	return &StoreResult{
		Store: repo,
		Ping:  repo.Ping,
		Cleanup: func() error {
			if manager != nil {
				manager.Stop()
			}
			return repo.Close()
		},
	}, nil
}

func (f *DefaultFactory) createMemoryStore(config Config) (*StoreResult, error) {
	store, err := memory.NewFromFile(config.SeedSnapshotFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize memory backend: %w", err)
	}

	f.logger.Info("Initialized memory backend",
		"seed_file", config.SeedSnapshotFile,
		"snapshots", store.Len())

	return &StoreResult{Store: store}, nil
}

// seedIfEmpty appends the snapshot at path when store holds none. A missing
// file is not an error.
func (f *DefaultFactory) seedIfEmpty(ctx context.Context, store snapshots.Store, path string) error {
	if path == "" {
		return nil
	}
	if _, err := store.Get(ctx, snapshots.Latest); err == nil {
		return nil
	} else if !errors.Is(err, snapshots.ErrNotFound) {
		return fmt.Errorf("check store before seeding: %w", err)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		f.logger.Warn("Seed snapshot file not found", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read seed snapshot: %w", err)
	}
	snap, err := core.NewSnapshot(data)
	if err != nil {
		return fmt.Errorf("parse seed snapshot %s: %w", path, err)
	}
	id, err := store.Append(ctx, snap)
	if err != nil {
		return fmt.Errorf("store seed snapshot: %w", err)
	}
	f.logger.Info("Seeded empty store", "path", path, log.FieldSnapshotID, id)
	return nil
}

// CreateTransport implements Factory.CreateTransport
func (f *DefaultFactory) CreateTransport(_ context.Context, config Config) (*TransportResult, error) {
	if config.AMQPURL == "" {
		bus := eventbus.NewBus()
		f.logger.Info("Using in-process event bus")
		return &TransportResult{
			Publisher:  bus,
			Subscriber: bus,
			Cleanup:    bus.Close,
		}, nil
	}

	client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AMQP client: %w", err)
	}

	f.logger.Info("Initialized AMQP client",
		"exchange", config.AMQPExchange,
		"queue", config.AMQPQueue)

	return &TransportResult{
		Publisher:  client,
		Subscriber: client,
		Ping:       func(context.Context) error { return client.Ping() },
		Cleanup:    client.Close,
		Remote:     true,
	}, nil
}
