// Package server provides configuration helpers that define runtime defaults,
// validation, and backend selection for the room relay service.
package server

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by StoreConfig and RelayConfig.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendLocal  = "local"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// StoreConfig selects and addresses the shared room store.
type StoreConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// RelayConfig selects and addresses the pub/sub bus.
type RelayConfig struct {
	Backend string
	NATSURL string
}

// Config holds the server configuration settings including security controls
// and the store and relay backends.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	CommandTimeout time.Duration
	Store          StoreConfig
	Relay          RelayConfig
	InstanceID     string
	LogLevel       string
	LogDevelopment bool
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
			"http://localhost:5173",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		CommandTimeout: 5 * time.Second,
		Store: StoreConfig{
			Backend:   BackendRedis,
			RedisAddr: "localhost:6379",
		},
		Relay: RelayConfig{
			Backend: BackendRedis,
			NATSURL: "nats://localhost:4222",
		},
		LogLevel: "info",
	}
}

// sanitizeConfig fills in defaults for missing or invalid values.
func sanitizeConfig(cfg Config) Config {
	defaults := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}

	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaults.CommandTimeout
	}

	switch cfg.Store.Backend {
	case BackendRedis, BackendMemory:
	default:
		cfg.Store.Backend = defaults.Store.Backend
	}
	if cfg.Store.RedisAddr == "" {
		cfg.Store.RedisAddr = defaults.Store.RedisAddr
	}

	switch cfg.Relay.Backend {
	case BackendRedis, BackendNATS, BackendLocal:
	default:
		cfg.Relay.Backend = defaults.Relay.Backend
	}
	if cfg.Relay.NATSURL == "" {
		cfg.Relay.NATSURL = defaults.Relay.NATSURL
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or
// cannot be parsed.
func NewConfigFromEnv() *Config {
	v := viper.New()
	v.AutomaticEnv()
	return configFromViper(v)
}

func configFromViper(v *viper.Viper) *Config {
	cfg := defaultConfig()

	// SERVER_PORT wins over the bare PORT used by older deployments.
	if port := v.GetString("PORT"); port != "" {
		cfg.Port = port
	}
	if port := v.GetString("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := v.GetString("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if v.IsSet("MAX_MESSAGE_SIZE") {
		cfg.MaxMessageSize = v.GetInt64("MAX_MESSAGE_SIZE")
	}

	if v.IsSet("RATE_LIMIT_BURST") {
		cfg.RateLimit.Burst = v.GetInt("RATE_LIMIT_BURST")
	}

	// Whole seconds, as before.
	if v.IsSet("RATE_LIMIT_REFILL_INTERVAL") {
		cfg.RateLimit.RefillInterval = time.Duration(v.GetInt("RATE_LIMIT_REFILL_INTERVAL")) * time.Second
	}

	if v.IsSet("COMMAND_TIMEOUT") {
		cfg.CommandTimeout = v.GetDuration("COMMAND_TIMEOUT")
	}

	if backend := v.GetString("STORE_BACKEND"); backend != "" {
		cfg.Store.Backend = strings.ToLower(backend)
	}
	if addr := redisAddr(v); addr != "" {
		cfg.Store.RedisAddr = addr
	}
	cfg.Store.RedisPassword = v.GetString("REDIS_PASSWORD")
	cfg.Store.RedisDB = v.GetInt("REDIS_DB")

	if backend := v.GetString("RELAY_BACKEND"); backend != "" {
		cfg.Relay.Backend = strings.ToLower(backend)
	}
	if url := v.GetString("NATS_URL"); url != "" {
		cfg.Relay.NATSURL = url
	}

	cfg.InstanceID = v.GetString("INSTANCE_ID")
	if level := v.GetString("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	cfg.LogDevelopment = v.GetBool("LOG_DEV")

	sanitized := sanitizeConfig(cfg)
	return &sanitized
}

// redisAddr reads REDIS_ADDR, or REDIS_HOST and REDIS_PORT when only those
// are set.
func redisAddr(v *viper.Viper) string {
	if addr := v.GetString("REDIS_ADDR"); addr != "" {
		return addr
	}
	host := v.GetString("REDIS_HOST")
	port := v.GetString("REDIS_PORT")
	if host == "" && port == "" {
		return ""
	}
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
