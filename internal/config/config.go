// Package config provides application configuration.
//
// Values come from built-in defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables, each layer overriding the last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/antirisk-desk/internal/generation"
	"github.com/ashureev/antirisk-desk/internal/resilience"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port        string           `yaml:"port"`
	FrontendURL string           `yaml:"frontend_url"`
	DBPath      string           `yaml:"db_path"`
	OfflineMode bool             `yaml:"offline_mode"`
	Generation  GenerationConfig `yaml:"generation"`
	Retry       RetryConfig      `yaml:"retry"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	SSE         SSEConfig        `yaml:"sse"`
	EventBuffer int              `yaml:"event_buffer"`
}

// GenerationConfig selects and configures the generation backend.
type GenerationConfig struct {
	Provider     string `yaml:"provider"`
	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`
	GRPCAddr     string `yaml:"grpc_addr"`
}

// RetryConfig is the retry policy for generation calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	GrowthFactor float64       `yaml:"growth_factor"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Policy converts the configuration into a retry policy.
func (r RetryConfig) Policy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:  r.MaxAttempts,
		BaseDelay:    r.BaseDelay,
		GrowthFactor: r.GrowthFactor,
		MaxDelay:     r.MaxDelay,
	}
}

// RateLimitConfig throttles generation requests.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests"`
	WindowDuration    time.Duration `yaml:"window"`
}

// SSEConfig tunes streaming responses.
type SSEConfig struct {
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	MaxRequestBodySize int64         `yaml:"max_request_body_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	policy := resilience.DefaultPolicy()
	return &Config{
		Port:   "8080",
		DBPath: "./data/antirisk.db",
		Generation: GenerationConfig{
			Provider:    generation.ProviderGemini,
			GeminiModel: "gemini-2.5-flash",
			GRPCAddr:    "localhost:50051",
		},
		Retry: RetryConfig{
			MaxAttempts:  policy.MaxAttempts,
			BaseDelay:    policy.BaseDelay,
			GrowthFactor: policy.GrowthFactor,
			MaxDelay:     policy.MaxDelay,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 10,
			WindowDuration:    time.Minute,
		},
		SSE: SSEConfig{
			KeepaliveInterval:  15 * time.Second,
			MaxRequestBodySize: 1 << 20,
		},
		EventBuffer: 64,
	}
}

// Load reads configuration from the optional YAML file and the environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.overlayEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.OfflineMode = getEnvBool("OFFLINE_MODE", c.OfflineMode)

	c.Generation.Provider = strings.ToLower(getEnv("GENERATION_PROVIDER", c.Generation.Provider))
	c.Generation.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.Generation.GeminiAPIKey)
	c.Generation.GeminiModel = getEnv("GEMINI_MODEL", c.Generation.GeminiModel)
	c.Generation.GRPCAddr = getEnv("GENERATION_GRPC_ADDR", c.Generation.GRPCAddr)

	c.Retry.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.BaseDelay = getEnvDuration("RETRY_BASE_DELAY", c.Retry.BaseDelay)
	c.Retry.GrowthFactor = getEnvFloat("RETRY_GROWTH_FACTOR", c.Retry.GrowthFactor)
	c.Retry.MaxDelay = getEnvDuration("RETRY_MAX_DELAY", c.Retry.MaxDelay)

	c.RateLimit.RequestsPerWindow = getEnvInt("RATE_LIMIT_REQUESTS", c.RateLimit.RequestsPerWindow)
	c.RateLimit.WindowDuration = getEnvDuration("RATE_LIMIT_WINDOW", c.RateLimit.WindowDuration)

	c.SSE.KeepaliveInterval = getEnvDuration("SSE_KEEPALIVE_INTERVAL", c.SSE.KeepaliveInterval)
	c.EventBuffer = getEnvInt("EVENT_BUFFER", c.EventBuffer)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	switch c.Generation.Provider {
	case generation.ProviderGemini:
		if c.Generation.GeminiAPIKey == "" && !c.OfflineMode {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini provider"))
		}
	case generation.ProviderGRPC:
		if c.Generation.GRPCAddr == "" {
			errs = append(errs, errors.New("GENERATION_GRPC_ADDR is required for the grpc provider"))
		}
	case generation.ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("GENERATION_PROVIDER %q is not one of gemini, grpc, mock", c.Generation.Provider))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be >= 1"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY >= 0"))
	}
	if c.Retry.GrowthFactor < 1 {
		errs = append(errs, errors.New("RETRY_GROWTH_FACTOR must be >= 1"))
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0"))
	}
	if c.SSE.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("SSE_KEEPALIVE_INTERVAL must be > 0"))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, errors.New("EVENT_BUFFER must be > 0"))
	}
	return errors.Join(errs...)
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
