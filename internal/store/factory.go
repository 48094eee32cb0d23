package store

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Backend string // "memory", "redis" or "badger"
	TTL     time.Duration
	Prefix  string
	Dir     string
}

// NewDetailsStore builds the backend named by cfg.Backend. redisClient is
// only used (and required) for the "redis" backend.
func NewDetailsStore(cfg Config, redisClient *redis.Client, logger *zap.Logger) (DetailsStore, error) {
	switch cfg.Backend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("details store: redis backend needs a client")
		}
		return NewRedisDetailsStore(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
			TTL:    cfg.TTL,
		}), nil
	case "badger":
		return NewBadgerDetailsStore(BadgerConfig{Dir: cfg.Dir, TTL: cfg.TTL}, logger)
	case "", "memory":
		return NewMemoryDetailsStore(cfg.TTL, 0), nil
	default:
		return nil, fmt.Errorf("details store: unknown backend %q", cfg.Backend)
	}
}
