package bootstrap

import (
	"github.com/lyzr/wonder-coordinator/common/config"
	"github.com/lyzr/wonder-coordinator/common/logger"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipRunStoreDir bool
	skipCache       bool
	skipTelemetry   bool
	skipRateLimit   bool
	customLogger    *logger.Logger
	customConfig    *config.Config
}

// WithoutRunStoreDir skips creating the run store base directory.
// Useful for tests that pass their own temp directory straight to the
// engine instead of going through Components.RunStoreDir.
func WithoutRunStoreDir() Option {
	return func(o *options) {
		o.skipRunStoreDir = true
	}
}

// WithoutCache skips cache initialization
func WithoutCache() Option {
	return func(o *options) {
		o.skipCache = true
	}
}

// WithoutTelemetry skips telemetry initialization
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithoutRateLimit skips rate limiter initialization
func WithoutRateLimit() Option {
	return func(o *options) {
		o.skipRateLimit = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

func defaultOptions() *options {
	return &options{}
}
