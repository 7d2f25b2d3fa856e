// Package config provides environment configuration for the inbox daemon.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Gateway settings
	GatewayURL       string
	GatewayTimeout   time.Duration
	GatewayDedupTTL  time.Duration
	GatewayDedupSize int

	// Session settings
	SessionToken string
	JWTSecret    string

	// Thread sync settings
	ThreadsEndpoint string
	CheckEndpoint   string
	PollInterval    time.Duration
	SyncDisabled    bool

	// Shared cache settings
	CacheMaxSize int
	CacheTTL     time.Duration

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),

		// Gateway
		GatewayURL:       getEnv("GATEWAY_URL", "http://localhost:3000/api"),
		GatewayTimeout:   getDurationEnv("GATEWAY_TIMEOUT", 15*time.Second),
		GatewayDedupTTL:  getDurationEnv("GATEWAY_DEDUP_TTL", 2*time.Second),
		GatewayDedupSize: getIntEnv("GATEWAY_DEDUP_SIZE", 64),

		// Session
		SessionToken: getEnv("SESSION_TOKEN", ""),
		JWTSecret:    getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Thread sync
		ThreadsEndpoint: getEnv("THREADS_ENDPOINT", "/conversations/threads"),
		CheckEndpoint:   getEnv("THREADS_CHECK_ENDPOINT", ""),
		PollInterval:    getDurationEnv("POLL_INTERVAL", 30*time.Second),
		SyncDisabled:    getBoolEnv("SYNC_DISABLED", false),

		// Shared cache
		CacheMaxSize: getIntEnv("CACHE_MAX_SIZE", 100),
		CacheTTL:     getDurationEnv("CACHE_TTL", 5*time.Minute),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
