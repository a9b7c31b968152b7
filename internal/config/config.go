// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort        string
	ServerReadTimeout time.Duration

	// Storage
	DatabasePath string

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret     string
	JWTIssuer     string
	JWTAudience   string
	RequiredScope string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string

	LLMBreakerMaxFailures int
	LLMBreakerTimeout     time.Duration

	// Rate limiting
	RateLimitRequests   int
	IPRateLimitRequests int
	RateLimitWindow     time.Duration

	// Logging
	Env      string
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	// Persistence
	PersistenceEnabled         bool
	CheckpointEnabled          bool
	CheckpointInterval         time.Duration
	CheckpointMinCharacters    int
	AlignmentMinOverlap        float64
	MaxConversationsPerUser    int
	MaxMessagesPerConversation int

	// Title generation
	TitleGenerationEnabled bool
	TitleTimeout           time.Duration
	TitleModel             string
}

// CheckpointPolicy mirrors the checkpoint settings consumed by the streaming layer.
type CheckpointPolicy struct {
	Enabled       bool
	Interval      time.Duration
	MinCharacters int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:        getEnv("PORT", "8080"),
		ServerReadTimeout: getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),

		// Storage
		DatabasePath: getEnv("DATABASE_PATH", "chatsync.db"),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTIssuer:     getEnv("JWT_ISSUER", ""),
		JWTAudience:   getEnv("JWT_AUDIENCE", ""),
		RequiredScope: getEnv("REQUIRED_SCOPE", ""),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),

		LLMBreakerMaxFailures: getIntEnv("LLM_BREAKER_MAX_FAILURES", 5),
		LLMBreakerTimeout:     getDurationEnv("LLM_BREAKER_TIMEOUT", 30*time.Second),

		// Rate limiting
		RateLimitRequests:   getIntEnv("RATE_LIMIT_REQUESTS", 60),
		IPRateLimitRequests: getIntEnv("IP_RATE_LIMIT_REQUESTS", 300),
		RateLimitWindow:     getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		Env:      getEnv("ENV", "production"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		// Persistence
		PersistenceEnabled:         getBoolEnv("PERSISTENCE_ENABLED", true),
		CheckpointEnabled:          getBoolEnv("CHECKPOINT_ENABLED", true),
		CheckpointInterval:         getDurationEnv("CHECKPOINT_INTERVAL", 3*time.Second),
		CheckpointMinCharacters:    getIntEnv("CHECKPOINT_MIN_CHARACTERS", 500),
		AlignmentMinOverlap:        getFloatEnv("ALIGNMENT_MIN_OVERLAP", 0.8),
		MaxConversationsPerUser:    getIntEnv("MAX_CONVERSATIONS_PER_USER", 0),
		MaxMessagesPerConversation: getIntEnv("MAX_MESSAGES_PER_CONVERSATION", 0),

		// Title generation
		TitleGenerationEnabled: getBoolEnv("TITLE_GENERATION_ENABLED", true),
		TitleTimeout:           getDurationEnv("TITLE_TIMEOUT", 20*time.Second),
		TitleModel:             getEnv("TITLE_MODEL", ""),
	}
}

// Checkpoint returns the checkpoint policy.
func (c *Config) Checkpoint() CheckpointPolicy {
	return CheckpointPolicy{
		Enabled:       c.CheckpointEnabled,
		Interval:      c.CheckpointInterval,
		MinCharacters: c.CheckpointMinCharacters,
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

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
