package pipeline

import (
	"github.com/ledgerline/ledgerline/internal/config"
	"github.com/ledgerline/ledgerline/internal/pipeline/lock"
	"github.com/ledgerline/ledgerline/internal/pipeline/repository"
	"github.com/ledgerline/ledgerline/internal/pipeline/service"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("pipeline.sequencer",
	fx.Provide(provideWriteLock),
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)

// provideWriteLock prefers redis so the serialization guarantee holds
// across workers. Without a redis address it degrades to an in-process
// lock, which is only safe for single-instance deployments.
func provideWriteLock(cfg config.Config, log *zap.Logger) lock.WriteLock {
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set, ledger write lock is process-local")
		return lock.NewLocalLock()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return lock.NewRedisLock(client)
}
