package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/lyzr/wonder-coordinator/common/cache"
	"github.com/lyzr/wonder-coordinator/common/config"
	"github.com/lyzr/wonder-coordinator/common/logger"
	"github.com/lyzr/wonder-coordinator/common/ratelimit"
	"github.com/lyzr/wonder-coordinator/common/telemetry"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Prepare the run store base directory (if not skipped)
	if !options.skipRunStoreDir {
		components.Logger.Info("preparing run store directory", "dir", components.Config.RunStore.Dir)
		if err := os.MkdirAll(components.Config.RunStore.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create run store dir: %w", err)
		}
		components.RunStoreDir = components.Config.RunStore.Dir
	}

	// 4. Initialize the shared Redis client — backs the executor client,
	// event sink, run-request queue, and rate limiter.
	components.Redis = newRedisClient(components.Config.Redis, components.Logger)
	components.addCleanup(func() error {
		components.Logger.Info("closing redis connection")
		return components.Redis.GetUnderlying().Close()
	})

	// 5. Initialize cache (if not skipped)
	if !options.skipCache && components.Config.Cache.Enabled {
		components.Logger.Info("initializing cache",
			"size_mb", components.Config.Cache.SizeMB,
		)

		components.Cache = cache.NewMemoryCache(components.Logger)

		components.addCleanup(func() error {
			components.Logger.Info("closing cache")
			return components.Cache.Close()
		})
	}

	// 6. Initialize rate limiter (if not skipped)
	if !options.skipRateLimit && components.Config.RateLimit.Enabled {
		components.Logger.Info("initializing rate limiter",
			"global_limit", components.Config.RateLimit.GlobalLimit,
		)
		components.RateLimiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), components.Logger)
	}

	// 7. Initialize telemetry (if not skipped)
	if !options.skipTelemetry && components.Config.Telemetry.EnablePprof {
		components.Logger.Info("initializing telemetry")
		components.Telemetry = telemetry.New(
			components.Config.Telemetry.PprofPort,
			components.Config.Telemetry.MetricsPort,
			components.Logger,
		)

		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
			// Don't fail startup if telemetry fails
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"redis", components.Redis != nil,
		"cache", components.Cache != nil,
		"rate_limiter", components.RateLimiter != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
