package bucket

import (
	"github.com/nimbusbase/meterbill/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewStore picks the redis accumulator when REDIS_ADDR is configured and
// falls back to the in-process store otherwise.
func NewStore(cfg config.Config, log *zap.Logger) Store {
	if cfg.RedisAddr == "" {
		return NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisStore(client, log)
}

var Module = fx.Module("bucket",
	fx.Provide(NewStore),
)
