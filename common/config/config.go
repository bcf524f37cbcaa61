package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	RunStore  RunStoreConfig
	Resources ResourcesConfig
	Executor  ExecutorConfig
	EventSink EventSinkConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Telemetry TelemetryConfig
	RateLimit RateLimitConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// RunStoreConfig controls where each run's embedded SQLite-class store
// lives on disk and how long a finished run's file is kept around.
type RunStoreConfig struct {
	Dir            string
	RetainFinished time.Duration
}

// ResourcesConfig points at the out-of-scope Resources service that serves
// compiled WorkflowDef/Task definitions over HTTP.
type ResourcesConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// ExecutorConfig holds settings for the Redis-backed executor dispatch/
// callback queues.
type ExecutorConfig struct {
	DispatchQueuePrefix string
	CallbackTimeout     time.Duration
}

// EventSinkConfig holds settings for the Redis stream the trace emitter
// writes workflow/run events to.
type EventSinkConfig struct {
	Stream string
}

// RedisConfig holds the shared Redis connection settings used by the
// executor client, event sink, run-request queue, and rate limiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled    bool
	SizeMB     int
	DefaultTTL time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof    bool
	PprofPort      int
	EnableTracing  bool
	EnableMetrics  bool
	MetricsPort    int
	TracingBackend string
}

// RateLimitConfig holds the global, service-wide admission-control limit
// applied before a run request is handed to the engine.
type RateLimitConfig struct {
	Enabled             bool
	GlobalLimit         int64
	GlobalWindowSeconds int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		RunStore: RunStoreConfig{
			Dir:            getEnv("RUN_STORE_DIR", "./data/runs"),
			RetainFinished: getEnvDuration("RUN_STORE_RETAIN_FINISHED", 24*time.Hour),
		},
		Resources: ResourcesConfig{
			BaseURL:        getEnv("RESOURCES_BASE_URL", "http://resources.internal"),
			RequestTimeout: getEnvDuration("RESOURCES_REQUEST_TIMEOUT", 10*time.Second),
		},
		Executor: ExecutorConfig{
			DispatchQueuePrefix: getEnv("EXECUTOR_DISPATCH_QUEUE_PREFIX", "wonder:executor:dispatch"),
			CallbackTimeout:     getEnvDuration("EXECUTOR_CALLBACK_TIMEOUT", 5*time.Second),
		},
		EventSink: EventSinkConfig{
			Stream: getEnv("EVENT_SINK_STREAM", "wonder:events"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			SizeMB:     getEnvInt("CACHE_SIZE_MB", 512),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:    getEnvBool("ENABLE_PPROF", true),
			PprofPort:      getEnvInt("PPROF_PORT", 6060),
			EnableTracing:  getEnvBool("ENABLE_TRACING", true),
			EnableMetrics:  getEnvBool("ENABLE_METRICS", true),
			MetricsPort:    getEnvInt("METRICS_PORT", 9090),
			TracingBackend: getEnv("TRACING_BACKEND", "stdout"),
		},
		RateLimit: RateLimitConfig{
			Enabled:             getEnvBool("RATE_LIMIT_ENABLED", true),
			GlobalLimit:         int64(getEnvInt("RATE_LIMIT_GLOBAL_LIMIT", 100)),
			GlobalWindowSeconds: getEnvInt("RATE_LIMIT_GLOBAL_WINDOW_SECONDS", 60),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.RunStore.Dir == "" {
		return fmt.Errorf("run store dir is required")
	}

	if c.Resources.BaseURL == "" {
		return fmt.Errorf("resources base url is required")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
