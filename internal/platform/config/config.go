package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration for the EVV service.
type Server struct {
	Addr          string
	JWTSigningKey string

	// DatabaseURL selects the postgres backend; empty means in-memory stores.
	DatabaseURL string

	Redis RedisConfig
	Sync  SyncConfig

	// AggregatorEndpoints maps submission target names to their URLs,
	// parsed from "name=url,name=url".
	AggregatorEndpoints map[string]string

	// AppliedRetention bounds how long idempotency markers are kept.
	AppliedRetention time.Duration
}

// RedisConfig controls the optional Redis connection used for idempotency
// tracking. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SyncConfig tunes the per-device sync coordinators.
type SyncConfig struct {
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	PollInterval      time.Duration
	DefaultMaxRetries int
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	addr := os.Getenv("EVV_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	jwtSigningKey := os.Getenv("EVV_JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	return Server{
		Addr:          addr,
		JWTSigningKey: jwtSigningKey,
		DatabaseURL:   os.Getenv("EVV_DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("EVV_REDIS_URL"),
			PoolSize:     envInt("EVV_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("EVV_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("EVV_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("EVV_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("EVV_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Sync: SyncConfig{
			BaseBackoff:       envDuration("EVV_SYNC_BASE_BACKOFF", 2*time.Second),
			MaxBackoff:        envDuration("EVV_SYNC_MAX_BACKOFF", 5*time.Minute),
			PollInterval:      envDuration("EVV_SYNC_POLL_INTERVAL", 10*time.Second),
			DefaultMaxRetries: envInt("EVV_SYNC_MAX_RETRIES", 5),
		},
		AggregatorEndpoints: parseEndpoints(os.Getenv("EVV_AGGREGATOR_ENDPOINTS")),
		AppliedRetention:    envDuration("EVV_APPLIED_RETENTION", 30*24*time.Hour),
	}
}

func parseEndpoints(raw string) map[string]string {
	endpoints := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || url == "" {
			continue
		}
		endpoints[name] = url
	}
	return endpoints
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}
