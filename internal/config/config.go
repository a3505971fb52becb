package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/VarunGitGood/livedata/internal/logger"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	GRPCPort int `envconfig:"GRPC_PORT" default:"50052"`
	HTTPPort int `envconfig:"HTTP_PORT" default:"2112"`

	// Backend
	GraphQLURL     string        `envconfig:"GRAPHQL_URL" required:"true"`
	GraphQLWSURL   string        `envconfig:"GRAPHQL_WS_URL"`
	GraphQLTimeout time.Duration `envconfig:"GRAPHQL_TIMEOUT" default:"10s"`

	// Live data
	TrackedAssets          []string      `envconfig:"TRACKED_ASSETS"`
	RefetchDelay           time.Duration `envconfig:"REFETCH_DELAY" default:"1s"`
	PollInterval           time.Duration `envconfig:"POLL_INTERVAL" default:"15s"`
	LiveDataCacheSize      int           `envconfig:"LIVEDATA_CACHE_SIZE" default:"4096"`
	SubscriptionMaxBackoff time.Duration `envconfig:"SUBSCRIPTION_MAX_BACKOFF" default:"30s"`

	// Collapser
	ResultCacheDuration time.Duration `envconfig:"COLLAPSER_CACHE_DURATION" default:"250ms"`
	CleanupInterval     time.Duration `envconfig:"COLLAPSER_CLEANUP_INTERVAL" default:"1s"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads an optional env file and then the process environment.
// A missing env file is not an error.
func Load(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if file == "" {
			continue
		}
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.GraphQLWSURL == "" {
		cfg.GraphQLWSURL = DeriveWebSocketURL(cfg.GraphQLURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid GRPC_PORT: %d", c.GRPCPort)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT: %d", c.HTTPPort)
	}
	if c.GraphQLURL == "" {
		return fmt.Errorf("GRAPHQL_URL cannot be empty")
	}
	if err := checkURL(c.GraphQLURL, "http", "https"); err != nil {
		return fmt.Errorf("invalid GRAPHQL_URL: %w", err)
	}
	if c.GraphQLWSURL != "" {
		if err := checkURL(c.GraphQLWSURL, "ws", "wss"); err != nil {
			return fmt.Errorf("invalid GRAPHQL_WS_URL: %w", err)
		}
	}
	if c.GraphQLTimeout <= 0 {
		return fmt.Errorf("GRAPHQL_TIMEOUT must be positive")
	}
	if c.RefetchDelay <= 0 {
		return fmt.Errorf("REFETCH_DELAY must be positive")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("POLL_INTERVAL cannot be negative")
	}
	if c.LiveDataCacheSize <= 0 {
		return fmt.Errorf("LIVEDATA_CACHE_SIZE must be positive")
	}
	if c.SubscriptionMaxBackoff <= 0 {
		return fmt.Errorf("SUBSCRIPTION_MAX_BACKOFF must be positive")
	}
	if c.ResultCacheDuration < 0 {
		return fmt.Errorf("COLLAPSER_CACHE_DURATION cannot be negative")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("COLLAPSER_CLEANUP_INTERVAL must be positive")
	}
	return nil
}

// LogOptions maps the logging settings onto logger options.
func (c *Config) LogOptions(service string) logger.Options {
	return logger.Options{Level: c.LogLevel, Format: c.LogFormat, Service: service}
}

// DeriveWebSocketURL maps an http(s) GraphQL endpoint onto its ws(s)
// counterpart on the same path.
func DeriveWebSocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return ""
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			if u.Host == "" {
				return fmt.Errorf("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
}
