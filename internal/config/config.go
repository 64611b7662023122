// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	Port        int    `env:"PORT" envDefault:"8080"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"coachline"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`

	// Provider selection and endpoints. ProviderFamily picks the request
	// builder and response parser pair; see internal/adapter/ai/codec.
	ProviderFamily   string `env:"PROVIDER_FAMILY" envDefault:"gemini"`
	GeminiBaseURL    string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	GeminiModel      string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	OpenAIBaseURL    string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIModel      string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	AnthropicBaseURL string `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com/v1"`
	AnthropicModel   string `env:"ANTHROPIC_MODEL" envDefault:"claude-3-5-haiku-latest"`

	// Dispatcher pacing and per-call bounds.
	DispatchMinInterval time.Duration `env:"DISPATCH_MIN_INTERVAL" envDefault:"1s"`
	CallTimeout         time.Duration `env:"CALL_TIMEOUT" envDefault:"30s"`

	// Escalation timers.
	SilentRetryDelay   time.Duration `env:"SILENT_RETRY_DELAY" envDefault:"3s"`
	OverloadRetryAfter time.Duration `env:"OVERLOAD_RETRY_AFTER" envDefault:"60s"`

	// Cache bounds.
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"24h"`
	CacheMaxEntries int           `env:"CACHE_MAX_ENTRIES" envDefault:"100"`

	// Prompt budgeting.
	PromptTokenBudget int `env:"PROMPT_TOKEN_BUDGET" envDefault:"2048"`
	MaxOutputTokens   int `env:"MAX_OUTPUT_TOKENS" envDefault:"1024"`

	// Credential advisory thresholds.
	CredentialMinLength int           `env:"CREDENTIAL_MIN_LENGTH" envDefault:"20"`
	CredentialStaleAge  time.Duration `env:"CREDENTIAL_STALE_AGE" envDefault:"720h"`

	// Inbound HTTP surface.
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Provider call backoff (inside one dispatcher slot).
	AIBackoffMaxElapsedTime  time.Duration `env:"AI_BACKOFF_MAX_ELAPSED_TIME" envDefault:"20s"`
	AIBackoffInitialInterval time.Duration `env:"AI_BACKOFF_INITIAL_INTERVAL" envDefault:"1s"`
	AIBackoffMaxInterval     time.Duration `env:"AI_BACKOFF_MAX_INTERVAL" envDefault:"8s"`
	AIBackoffMultiplier      float64       `env:"AI_BACKOFF_MULTIPLIER" envDefault:"1.5"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetAIBackoffConfig returns backoff configuration appropriate for the current
// environment. Test environments use much shorter timeouts.
func (c Config) GetAIBackoffConfig() (maxElapsedTime, initialInterval, maxInterval time.Duration, multiplier float64) {
	if c.IsTest() {
		return 2 * time.Second, 50 * time.Millisecond, 500 * time.Millisecond, 2.0
	}
	return c.AIBackoffMaxElapsedTime, c.AIBackoffInitialInterval, c.AIBackoffMaxInterval, c.AIBackoffMultiplier
}
