// Package config loads the server's environment-variable configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all hub-process configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	Addr string `env:"WS_ADDR" envDefault:":3002"`

	MaxConnections int `env:"WS_MAX_CONNECTIONS" envDefault:"5000"`

	// Batcher
	MaxReconnectAttempts     int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay           time.Duration `env:"RECONNECT_DELAY" envDefault:"1s"`
	CachedMessageUploadTimer time.Duration `env:"CACHED_MESSAGE_UPLOAD_TIMER" envDefault:"5s"`

	// Broadcast
	BroadcastSendTimeout time.Duration `env:"WS_BROADCAST_SEND_TIMEOUT" envDefault:"5s"`
	SendQueueSize        int           `env:"WS_SEND_QUEUE_SIZE" envDefault:"256"`

	// Inbound rate limiting (per connection)
	InboundRateBurst int `env:"WS_INBOUND_RATE_BURST" envDefault:"100"`
	InboundRatePerSec int `env:"WS_INBOUND_RATE_PER_SEC" envDefault:"10"`

	// Store
	DBPath string `env:"DB_PATH" envDefault:"pulsehub.db"`

	// Auth
	JWTSecret string `env:"JWT_SECRET" envDefault:"development-secret-change-me"`

	// Monitoring
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be >= 0, got %d", c.MaxReconnectAttempts)
	}
	if c.CachedMessageUploadTimer <= 0 {
		return fmt.Errorf("CACHED_MESSAGE_UPLOAD_TIMER must be > 0, got %s", c.CachedMessageUploadTimer)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Dur("cached_message_upload_timer", c.CachedMessageUploadTimer).
		Int("max_reconnect_attempts", c.MaxReconnectAttempts).
		Dur("reconnect_delay", c.ReconnectDelay).
		Str("db_path", c.DBPath).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
