package repositories

import (
	"context"
	"time"

	"meetline/internal/core/ports"
	"meetline/internal/infrastructure/repositories/memory"
	redisrepo "meetline/internal/infrastructure/repositories/redis"
	"meetline/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultEmptyMeetingTTL = 10 * time.Minute

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	emptyTTL    time.Duration
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to memory
// repositories if it is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		emptyTTL: cfg.Redis.TTL,
		logger:   logger,
	}
	if factory.emptyTTL <= 0 {
		factory.emptyTTL = defaultEmptyMeetingTTL
	}

	if cfg.Redis.Enabled {
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
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// CreateMeetingRepository creates a meeting repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateMeetingRepository() ports.MeetingRepository {
	if f.UsesRedis() {
		return redisrepo.NewRedisMeetingRepository(f.redisClient, f.emptyTTL)
	}
	return memory.NewMemoryMeetingRepository(f.emptyTTL)
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
