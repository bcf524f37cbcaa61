package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/wonder-coordinator/common/cache"
	"github.com/lyzr/wonder-coordinator/common/config"
	"github.com/lyzr/wonder-coordinator/common/logger"
	redisWrapper "github.com/lyzr/wonder-coordinator/common/redis"
	"github.com/lyzr/wonder-coordinator/common/ratelimit"
	"github.com/lyzr/wonder-coordinator/common/telemetry"
)

// Components holds all initialized service dependencies
type Components struct {
	Config      *config.Config
	Logger      *logger.Logger
	Redis       *redisWrapper.Client
	Cache       cache.Cache
	Telemetry   *telemetry.Telemetry
	RateLimiter *ratelimit.RateLimiter
	RunStoreDir string

	// Internal
	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components
// Should be called with defer after Setup()
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errors []error

	// Run cleanup functions in reverse order (LIFO)
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errors = append(errors, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("shutdown errors: %v", errors)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks health of all components
func (c *Components) Health(ctx context.Context) error {
	if c.Redis != nil {
		if err := c.Redis.GetUnderlying().Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	return nil
}

// addCleanup registers a cleanup function
func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

// newRedisClient builds the shared go-redis client wrapped for the rest of
// the service's components (executor, event sink, run-request queue, rate
// limiter) to reuse.
func newRedisClient(cfg config.RedisConfig, log *logger.Logger) *redisWrapper.Client {
	raw := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return redisWrapper.NewClient(raw, log)
}
