// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay's WebSocket edge.
package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay configuration. Every field is read from the
// environment by LoadConfig.
type Config struct {
	Host           string `env:"RELAY_HOST"`
	Port           int    `env:"RELAY_PORT,default=3000" validate:"min=1,max=65535"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=*"`
	MaxMessageSize int64  `env:"MAX_MESSAGE_SIZE,default=4096" validate:"min=64"`
	SendBufferSize int    `env:"SEND_BUFFER_SIZE,default=256" validate:"min=1"`
	MailboxSize    int    `env:"RELAY_MAILBOX_SIZE,default=64" validate:"min=0"`

	RateLimitBurst          int           `env:"RATE_LIMIT_BURST,default=5" validate:"min=1"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s" validate:"gt=0"`

	PingInterval    time.Duration `env:"PING_INTERVAL,default=25s" validate:"gt=0"`
	PingTimeout     time.Duration `env:"PING_TIMEOUT,default=20s" validate:"gt=0"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=5s" validate:"gt=0"`

	AnnounceDepartures bool   `env:"ANNOUNCE_DEPARTURES,default=false"`
	LogLevel           string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// DefaultConfig returns the configuration used when no variable is set.
func DefaultConfig() Config {
	return Config{
		Port:           3000,
		AllowedOrigins: "*",
		MaxMessageSize: 4096,
		SendBufferSize: 256,
		MailboxSize:    64,

		RateLimitBurst:          5,
		RateLimitRefillInterval: time.Second,

		PingInterval:    25 * time.Second,
		PingTimeout:     20 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "INFO",
	}
}

// LoadConfig reads the configuration from the process environment and
// validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Addr is the listen address built from Host and Port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RateLimit groups the rate-limit settings.
func (c Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefillInterval}
}

// Origins splits AllowedOrigins on commas.
func (c Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
