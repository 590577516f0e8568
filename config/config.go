package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Logging
	LogEnv   string // prod, local, dev or docker; default: local
	LogLevel string // overrides the env default when set

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Ledger
	LedgerBackend     string // postgres, redis or memory; default: postgres
	CommitMaxAttempts uint
	CommitMaxElapsed  time.Duration

	// Token counting
	TokenCounter        string // http or tiktoken; default: http
	TokenCounterURL     string
	TokenCounterTimeout time.Duration
	TokenizerEncoding   string
	CountMaxAttempts    uint

	// Providers
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Observability
	OTELExporterType     string // stdout, otlp or none
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Administration
	PlansFile  string
	AdminToken string
	RunSeed    bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LogEnv:               getEnv("LOG_ENV", "local"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		LedgerBackend:        getEnv("LEDGER_BACKEND", "postgres"),
		TokenCounter:         getEnv("TOKEN_COUNTER", "http"),
		TokenCounterURL:      getEnv("TOKEN_COUNTER_URL", "http://localhost:5000"),
		TokenizerEncoding:    getEnv("TOKENIZER_ENCODING", "cl100k_base"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:        os.Getenv("OPENAI_BASE_URL"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		PlansFile:            getEnv("PLANS_FILE", "config/plans.yaml"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
		RunSeed:              os.Getenv("RUN_SEED") == "true",
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	if cfg.TokenCounterTimeout, err = time.ParseDuration(getEnv("TOKEN_COUNTER_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("invalid TOKEN_COUNTER_TIMEOUT: %w", err)
	}
	if cfg.CommitMaxElapsed, err = time.ParseDuration(getEnv("COMMIT_MAX_ELAPSED", "10s")); err != nil {
		return nil, fmt.Errorf("invalid COMMIT_MAX_ELAPSED: %w", err)
	}
	if cfg.CommitMaxAttempts, err = getUint("COMMIT_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.CountMaxAttempts, err = getUint("COUNT_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LedgerBackend {
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres ledger")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis ledger")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}

	switch c.TokenCounter {
	case "http":
		if c.TokenCounterURL == "" {
			return fmt.Errorf("TOKEN_COUNTER_URL is required for the http token counter")
		}
	case "tiktoken":
	default:
		return fmt.Errorf("unknown TOKEN_COUNTER %q", c.TokenCounter)
	}

	if c.CommitMaxAttempts == 0 {
		return fmt.Errorf("COMMIT_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getUint(key string, fallback uint) (uint, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint(n), nil
}
