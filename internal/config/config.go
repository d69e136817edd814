package config

import (
	"errors"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	// RateLimitPerMinute caps inbound messages per connection; zero disables the limit.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// DatabasePath enables /api/register and /api/login when set.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	JWTTTL      time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`
	// JWTRequired rejects upgrades without a valid token.
	JWTRequired bool `mapstructure:"jwt_required" yaml:"jwt_required"`

	Relay RelayConfig `mapstructure:"relay" yaml:"relay"`

	// Workers is the number of IPC worker processes `serve` supervises.
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// RelayConfig configures the NATS broker relay.
type RelayConfig struct {
	Enabled          bool              `mapstructure:"enabled" yaml:"enabled"`
	NatsURL          string            `mapstructure:"nats_url" yaml:"nats_url"`
	Prefix           string            `mapstructure:"prefix" yaml:"prefix"`
	Service          string            `mapstructure:"service" yaml:"service"`
	Concurrency      int               `mapstructure:"concurrency" yaml:"concurrency"`
	OperationTimeout time.Duration     `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	GatherWindow     time.Duration     `mapstructure:"gather_window" yaml:"gather_window"`
	AckWait          time.Duration     `mapstructure:"ack_wait" yaml:"ack_wait"`
	MaxDeliver       int               `mapstructure:"max_deliver" yaml:"max_deliver"`
	DrainTimeout     time.Duration     `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	Routes           map[string]string `mapstructure:"routes" yaml:"routes"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:               ":8080",
		ReadHeaderTimeout:  5 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		MaxMessageBytes:    1 << 20,
		RateLimitPerMinute: 0,
		LogLevel:           "info",
		LogFormat:          "console",
		JWTIssuer:          "wiregate",
		JWTTTL:             24 * time.Hour,
		Relay: RelayConfig{
			NatsURL:          "nats://127.0.0.1:4222",
			Prefix:           "wiregate",
			Concurrency:      16,
			OperationTimeout: 2 * time.Second,
			GatherWindow:     200 * time.Millisecond,
			AckWait:          30 * time.Second,
			MaxDeliver:       5,
			DrainTimeout:     10 * time.Second,
			Routes:           map[string]string{},
		},
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.MaxMessageBytes <= 0 {
		return errors.New("max_message_bytes must be positive")
	}
	if c.JWTRequired && c.JWTSecret == "" {
		return errors.New("jwt_required needs jwt_secret")
	}
	if c.DatabasePath != "" && c.JWTSecret == "" {
		return errors.New("database_path needs jwt_secret to issue tokens")
	}
	if c.Relay.Enabled && c.Relay.NatsURL == "" {
		return errors.New("relay.nats_url is required when the relay is enabled")
	}
	if len(c.Relay.Routes) > 0 && !c.Relay.Enabled {
		return errors.New("relay.routes needs the relay enabled")
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	return nil
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.Relay.Enabled {
		c.Relay.Enabled = true
	}
	if other.Relay.NatsURL != "" {
		c.Relay.NatsURL = other.Relay.NatsURL
	}
	if other.Relay.Service != "" {
		c.Relay.Service = other.Relay.Service
	}
	if other.Workers != 0 {
		c.Workers = other.Workers
	}
}
