package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the somnia service.
// Environment variables are parsed from the SOMNIA_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`

	// Telegram Bot API
	TelegramToken       string        `envconfig:"TELEGRAM_TOKEN" default:""`
	TelegramPollTimeout time.Duration `envconfig:"TELEGRAM_POLL_TIMEOUT" default:"30s"`

	// Storage. DBDriver "auto" derives sqlite unless a postgres DSN is set.
	DBDriver    string `envconfig:"DB_DRIVER" default:"auto"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"somnia.db"`

	// Generation service (OpenAI-compatible chat completions)
	LLMBaseURL string        `envconfig:"LLM_BASE_URL" default:"https://api.openai.com/v1"`
	LLMAPIKey  string        `envconfig:"LLM_API_KEY" default:""`
	LLMModel   string        `envconfig:"LLM_MODEL" default:"gpt-4.1-mini"`
	LLMTimeout time.Duration `envconfig:"LLM_TIMEOUT" default:"90s"`

	// Scheduler
	TickInterval    time.Duration `envconfig:"TICK_INTERVAL" default:"30s"`
	RealityCheckTZ  string        `envconfig:"REALITY_CHECK_TZ" default:"America/Chicago"`
	SessionIdleTTL  time.Duration `envconfig:"SESSION_IDLE_TTL" default:"24h"`
	DispatchRetries uint64        `envconfig:"DISPATCH_RETRIES" default:"1"`

	// Admin HTTP API
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`
}

// ResolveDefaults validates the driver selection and derives DBDriver when set
// to "auto" or empty.
func (c *Config) ResolveDefaults() error {
	if c.DBDriver == "" || c.DBDriver == "auto" {
		if c.PostgresDSN != "" {
			c.DBDriver = "postgres"
		} else {
			c.DBDriver = "sqlite"
		}
	}

	allowedDB := map[string]bool{"sqlite": true, "postgres": true}
	if !allowedDB[c.DBDriver] {
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.DBDriver == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("DB_DRIVER=postgres requires POSTGRES_DSN")
	}
	if c.TickInterval <= 0 || c.TickInterval > time.Minute {
		return fmt.Errorf("TICK_INTERVAL must be within (0, 1m], got %s", c.TickInterval)
	}
	return nil
}

// New creates a new Config by parsing environment variables.
// Example: SOMNIA_TELEGRAM_TOKEN, SOMNIA_HTTP_PORT.
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("SOMNIA", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Bool("telegram_token_present", cfg.TelegramToken != "").
		Bool("llm_key_present", cfg.LLMAPIKey != "").
		Str("llm_model", cfg.LLMModel).
		Dur("tick_interval", cfg.TickInterval).
		Int("http_port", cfg.HTTPPort).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing.
func NewForTesting() *Config {
	return &Config{
		Environment:     EnvTesting,
		DBDriver:        "sqlite",
		SQLitePath:      ":memory:",
		LLMModel:        "test-model",
		LLMTimeout:      5 * time.Second,
		TickInterval:    time.Second,
		RealityCheckTZ:  "America/Chicago",
		SessionIdleTTL:  24 * time.Hour,
		DispatchRetries: 1,
		HTTPPort:        8080,
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
