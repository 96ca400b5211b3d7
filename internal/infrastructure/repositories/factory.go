package repositories

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"voicerelay/internal/core/ports"
	boltrepo "voicerelay/internal/infrastructure/repositories/bolt"
	"voicerelay/internal/infrastructure/repositories/memory"
	redisrepo "voicerelay/internal/infrastructure/repositories/redis"
	"voicerelay/pkg/config"
)

// RepositoryFactory creates repositories for the configured storage driver,
// falling back to memory when Redis is unreachable.
type RepositoryFactory struct {
	driver      string
	redisClient *redis.Client
	boltStore   *boltrepo.Store
	logger      *zap.SugaredLogger

	rooms    ports.RoomRepository
	messages ports.MessageRepository
}

// NewRepositoryFactory creates a new repository factory. A Redis client is
// opened whenever the storage driver or the event bus needs one.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		driver: cfg.Storage.Driver,
		logger: logger,
	}

	if cfg.Storage.Driver == config.StorageRedis || cfg.EventBus.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			if factory.driver == config.StorageRedis {
				factory.driver = config.StorageMemory
			}
		} else {
			factory.redisClient = client
		}
	}

	switch factory.driver {
	case config.StorageRedis:
		factory.rooms = redisrepo.NewRedisRoomRepository(factory.redisClient)
		factory.messages = redisrepo.NewRedisMessageRepository(factory.redisClient)
	case config.StorageBolt:
		store, err := boltrepo.Open(cfg.Storage.BoltPath)
		if err != nil {
			_ = factory.Close()
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		factory.boltStore = store
		factory.rooms = store.Rooms()
		factory.messages = store.Messages()
	default:
		factory.driver = config.StorageMemory
		factory.rooms = memory.NewMemoryRoomRepository()
		factory.messages = memory.NewMemoryMessageRepository()
	}

	logger.Infow("using repositories", "driver", factory.driver)
	return factory, nil
}

// Driver returns the storage driver actually in use.
func (f *RepositoryFactory) Driver() string {
	return f.driver
}

func (f *RepositoryFactory) RoomRepository() ports.RoomRepository {
	return f.rooms
}

func (f *RepositoryFactory) MessageRepository() ports.MessageRepository {
	return f.messages
}

// RedisClient returns the shared client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close releases every open backend.
func (f *RepositoryFactory) Close() error {
	var err error
	if f.redisClient != nil {
		err = multierr.Append(err, f.redisClient.Close())
	}
	if f.boltStore != nil {
		err = multierr.Append(err, f.boltStore.Close())
	}
	return err
}

// HealthCheck checks the storage backend
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	var err error
	if f.redisClient != nil {
		err = multierr.Append(err, f.redisClient.Ping(ctx).Err())
	}
	if f.boltStore != nil {
		err = multierr.Append(err, f.boltStore.Ping(ctx))
	}
	return err
}
