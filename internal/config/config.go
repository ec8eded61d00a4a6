// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend transports.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string // empty keeps everything in memory
	LogLevel    string

	Backend         BackendConfig
	Limits          LimitsConfig
	Reconnect       ReconnectConfig
	Persistence     PersistenceConfig
	Cleanup         CleanupConfig
	RateLimit       RateLimitConfig
	Events          EventsConfig
	ConversationLog ConversationLogConfig
}

// BackendConfig selects and addresses the Conversation Service.
type BackendConfig struct {
	Transport      string
	URL            string
	GRPCAddr       string
	UserID         string
	ConnectTimeout time.Duration
	HealthCacheTTL time.Duration
}

// LimitsConfig bounds sessions and open streams.
type LimitsConfig struct {
	MaxSessions          int
	MaxConcurrentStreams int
	MalformedLimit       int
}

// ReconnectConfig is the backoff policy for dropped streams.
type ReconnectConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// PersistenceConfig is the write-behind policy.
type PersistenceConfig struct {
	TouchWindow   time.Duration
	FlushInterval time.Duration
}

// CleanupConfig controls release of idle session connections.
type CleanupConfig struct {
	IdleTimeout time.Duration // zero disables
	Interval    time.Duration
}

// RateLimitConfig bounds mutating API requests per client.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// EventsConfig tunes the SSE event feed.
type EventsConfig struct {
	KeepaliveInterval time.Duration
	ReplaySize        int
}

// ConversationLogConfig controls NDJSON transcript logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	maxSessions := getEnvInt("MAX_SESSIONS", 10)

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/chat.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Backend: BackendConfig{
			Transport:      strings.ToLower(getEnv("BACKEND_TRANSPORT", TransportHTTP)),
			URL:            getEnv("BACKEND_URL", "http://localhost:8000/claude"),
			GRPCAddr:       getEnv("BACKEND_GRPC_ADDR", "localhost:50051"),
			UserID:         getEnv("USER_ID", ""),
			ConnectTimeout: getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
			HealthCacheTTL: getEnvDuration("HEALTH_CACHE_TTL", 2*time.Second),
		},
		Limits: LimitsConfig{
			MaxSessions:          maxSessions,
			MaxConcurrentStreams: getEnvInt("MAX_CONCURRENT_STREAMS", maxSessions),
			MalformedLimit:       getEnvInt("MALFORMED_LIMIT", 3),
		},
		Reconnect: ReconnectConfig{
			BaseDelay:  getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
			MaxDelay:   getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			MaxRetries: getEnvInt("RECONNECT_MAX_RETRIES", 5),
		},
		Persistence: PersistenceConfig{
			TouchWindow:   getEnvDuration("TOUCH_WINDOW", 2*time.Second),
			FlushInterval: getEnvDuration("FLUSH_INTERVAL", 5*time.Second),
		},
		Cleanup: CleanupConfig{
			IdleTimeout: getEnvDuration("IDLE_SESSION_TIMEOUT", 0),
			Interval:    getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Events: EventsConfig{
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			ReplaySize:        getEnvInt("SSE_REPLAY_SIZE", 100),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Backend.Transport {
	case TransportHTTP:
		u, err := url.Parse(c.Backend.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("BACKEND_URL must be an http(s) URL, got %q", c.Backend.URL)
		}
	case TransportGRPC:
		if c.Backend.GRPCAddr == "" {
			return fmt.Errorf("BACKEND_GRPC_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("BACKEND_TRANSPORT must be %q or %q, got %q", TransportHTTP, TransportGRPC, c.Backend.Transport)
	}
	if c.Backend.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be > 0")
	}
	if c.Limits.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be > 0")
	}
	if c.Limits.MaxConcurrentStreams <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_STREAMS must be > 0")
	}
	if c.Limits.MalformedLimit <= 0 {
		return fmt.Errorf("MALFORMED_LIMIT must be > 0")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be > 0 and <= RECONNECT_MAX_DELAY")
	}
	if c.Reconnect.MaxRetries <= 0 {
		return fmt.Errorf("RECONNECT_MAX_RETRIES must be > 0")
	}
	if c.Persistence.TouchWindow <= 0 || c.Persistence.FlushInterval <= 0 {
		return fmt.Errorf("TOUCH_WINDOW and FLUSH_INTERVAL must be > 0")
	}
	if c.Cleanup.IdleTimeout < 0 {
		return fmt.Errorf("IDLE_SESSION_TIMEOUT cannot be negative")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Events.ReplaySize <= 0 {
		return fmt.Errorf("SSE_REPLAY_SIZE must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the presentation bridge.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
