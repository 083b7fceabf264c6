// Package config loads server configuration.
//
// Values come from an optional YAML file named by CONFIG_FILE, overridden by
// environment variables. File keys are the lower-cased variable names
// (database_url, http_addr, ...).
//
// Required:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - AUTH_RATE_LIMIT: failed authentication attempts allowed per minute per
//     client IP (default "10", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - MAX_CART_LINES: max cart lines accepted per evaluation
//     (default "500", must be > 0 if set).
//   - EVENT_BATCH_SIZE: max number of discount events returned per query
//     (default "1000", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval
//     (default "1m", must be > 0 if set).
//   - RUN_MIGRATIONS: apply embedded migrations at startup (default "false").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultGRPCAddr                  = ":9090"
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultMaxCartLines              = 500
	defaultEventBatchSize            = 1000
	defaultCacheResyncInterval       = time.Minute

	configFileVar = "CONFIG_FILE"
)

var knownKeys = map[string]bool{
	"database_url":          true,
	"http_addr":             true,
	"grpc_addr":             true,
	"log_level":             true,
	"auth_rate_limit":       true,
	"max_json_body_size":    true,
	"max_cart_lines":        true,
	"event_batch_size":      true,
	"cache_resync_interval": true,
	"run_migrations":        true,
}

// Config holds the runtime configuration for the discountfn server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	GRPCAddr            string
	LogLevel            string
	AuthRateLimit       int
	MaxJSONBodySize     int64
	MaxCartLines        int
	EventBatchSize      int
	CacheResyncInterval time.Duration
	RunMigrations       bool
}

// source is the merged view of the config file and the environment.
type source struct {
	k *koanf.Koanf
}

func (s source) get(name string) string {
	return strings.TrimSpace(s.k.String(strings.ToLower(name)))
}

func (s source) getOr(name, fallback string) string {
	if v := s.get(name); v != "" {
		return v
	}
	return fallback
}

func loadSource() (source, error) {
	k := koanf.New(".")

	if path := strings.TrimSpace(os.Getenv(configFileVar)); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return source{}, fmt.Errorf("load %s %q: %w", configFileVar, path, err)
		}
		for _, key := range k.Keys() {
			if !knownKeys[key] {
				return source{}, fmt.Errorf("%s: unknown key %q", path, key)
			}
		}
	}

	// Blank variables count as unset so they never mask the file.
	err := k.Load(env.ProviderWithValue("", ".", func(name, value string) (string, interface{}) {
		key := strings.ToLower(name)
		if !knownKeys[key] || strings.TrimSpace(value) == "" {
			return "", nil
		}
		return key, value
	}), nil)
	if err != nil {
		return source{}, fmt.Errorf("load environment: %w", err)
	}

	return source{k: k}, nil
}

// Load reads the configuration, applying defaults where appropriate. It
// returns an error if required values are missing or if optional values fail
// validation.
func Load() (Config, error) {
	src, err := loadSource()
	if err != nil {
		return Config{}, err
	}

	databaseURL := src.get("DATABASE_URL")
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	authRateLimit := defaultAuthRateLimit
	if value := src.get("AUTH_RATE_LIMIT"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := src.get("MAX_JSON_BODY_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	maxCartLines, err := src.positiveInt("MAX_CART_LINES", defaultMaxCartLines)
	if err != nil {
		return Config{}, err
	}

	eventBatchSize, err := src.positiveInt("EVENT_BATCH_SIZE", defaultEventBatchSize)
	if err != nil {
		return Config{}, err
	}

	cacheResyncInterval := defaultCacheResyncInterval
	if v := src.get("CACHE_RESYNC_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_RESYNC_INTERVAL must be > 0")
		}
		cacheResyncInterval = parsed
	}

	runMigrations := false
	if v := src.get("RUN_MIGRATIONS"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse RUN_MIGRATIONS: %w", err)
		}
		runMigrations = parsed
	}

	return Config{
		DatabaseURL:         databaseURL,
		HTTPAddr:            src.getOr("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:            src.getOr("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:            src.getOr("LOG_LEVEL", "info"),
		AuthRateLimit:       authRateLimit,
		MaxJSONBodySize:     maxJSONBodySize,
		MaxCartLines:        maxCartLines,
		EventBatchSize:      eventBatchSize,
		CacheResyncInterval: cacheResyncInterval,
		RunMigrations:       runMigrations,
	}, nil
}

func (s source) positiveInt(key string, fallback int) (int, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}
