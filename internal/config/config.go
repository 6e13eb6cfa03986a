// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Generation providers.
const (
	ProviderOpenAI = "openai"
	ProviderGRPC   = "grpc"
	ProviderStatic = "static"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	CORSOrigins     []string
	LogLevel        slog.Level
	Generation      GenerationConfig
	Cache           CacheConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// GenerationConfig selects and tunes the text-generation backend.
type GenerationConfig struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKey       string
	GRPCAddr     string
	StaticOutput string
	Timeout      time.Duration
	MaxNewTokens int
	Temperature  float64
	TopP         float64
}

// CacheConfig controls the optional Redis schema cache.
type CacheConfig struct {
	RedisAddr string
	TTL       time.Duration
}

// Enabled returns true if a Redis address is configured.
func (c CacheConfig) Enabled() bool {
	return c.RedisAddr != ""
}

// RateLimitConfig throttles turn submissions per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/sqlchat.db"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Generation: GenerationConfig{
			Provider:     strings.ToLower(getEnv("GENERATION_PROVIDER", ProviderOpenAI)),
			Model:        getEnv("GENERATION_MODEL", "qwen2.5:0.5b-instruct"),
			BaseURL:      getEnv("GENERATION_BASE_URL", "http://localhost:11434/v1"),
			APIKey:       getEnv("GENERATION_API_KEY", ""),
			GRPCAddr:     getEnv("GENERATION_GRPC_ADDR", "localhost:50051"),
			StaticOutput: getEnv("GENERATION_STATIC_OUTPUT", ""),
			Timeout:      getEnvDuration("GENERATION_TIMEOUT", 120*time.Second),
			MaxNewTokens: getEnvInt("MAX_NEW_TOKENS", 256),
			Temperature:  getEnvFloat("TEMPERATURE", 0.2),
			TopP:         getEnvFloat("TOP_P", 0.9),
		},
		Cache: CacheConfig{
			RedisAddr: getEnv("REDIS_ADDR", ""),
			TTL:       getEnvDuration("SCHEMA_CACHE_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // Flat list of independent checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}

	g := c.Generation
	switch g.Provider {
	case ProviderOpenAI:
		if g.BaseURL == "" {
			return fmt.Errorf("GENERATION_BASE_URL cannot be empty for provider %q", g.Provider)
		}
		if g.Model == "" {
			return fmt.Errorf("GENERATION_MODEL cannot be empty for provider %q", g.Provider)
		}
	case ProviderGRPC:
		if g.GRPCAddr == "" {
			return fmt.Errorf("GENERATION_GRPC_ADDR cannot be empty for provider %q", g.Provider)
		}
	case ProviderStatic:
	default:
		return fmt.Errorf("GENERATION_PROVIDER must be one of openai, grpc, static (got %q)", g.Provider)
	}
	if g.Timeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if g.MaxNewTokens <= 0 {
		return fmt.Errorf("MAX_NEW_TOKENS must be > 0")
	}
	if g.Temperature < 0 {
		return fmt.Errorf("TEMPERATURE must be >= 0")
	}
	if g.TopP <= 0 || g.TopP > 1 {
		return fmt.Errorf("TOP_P must be in (0, 1]")
	}

	if c.Cache.Enabled() && c.Cache.TTL <= 0 {
		return fmt.Errorf("SCHEMA_CACHE_TTL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
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

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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
