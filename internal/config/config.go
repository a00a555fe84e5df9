// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimits  RateLimitConfig   `yaml:"rate_limits"`
	WebSearch   WebSearchConfig   `yaml:"web_search"`
	RAG         RAGConfig         `yaml:"rag"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Vault       VaultConfig       `yaml:"vault"`
	Attestation AttestationConfig `yaml:"attestation"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Models      []ModelEntry      `yaml:"models"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// RedisConfig locates the shared KV used by the rate limiter and registry.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DatabaseConfig holds Postgres settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// Strategy selects the bearer interpretation: "api_key" or "nuc".
	Strategy string `yaml:"strategy"`
	// TrustedRootIssuers lists accepted root DIDs; empty accepts any.
	TrustedRootIssuers []string `yaml:"trusted_root_issuers"`
	// DocsToken short-circuits auth for interactive API docs.
	DocsToken string `yaml:"docs_token"`
	// KeyPath is the signing key file; a sidecar .lock file sits next to it.
	KeyPath string `yaml:"key_path"`

	Credit CreditConfig `yaml:"credit"`
}

// CreditConfig locates the external credit service.
type CreditConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig holds the default per-user budgets and the concurrency
// gauge limits. Zero values mean unlimited.
type RateLimitConfig struct {
	UserMinute int `yaml:"user_rate_limit_minute"`
	UserHour   int `yaml:"user_rate_limit_hour"`
	UserDay    int `yaml:"user_rate_limit_day"`
	User       int `yaml:"user_rate_limit"`

	WebSearchMinute int `yaml:"web_search_rate_limit_minute"`
	WebSearchHour   int `yaml:"web_search_rate_limit_hour"`
	WebSearchDay    int `yaml:"web_search_rate_limit_day"`
	WebSearch       int `yaml:"web_search_rate_limit"`

	ConcurrentDefault  int            `yaml:"concurrent_default"`
	ConcurrentPerModel map[string]int `yaml:"concurrent_per_model"`
}

// Limit converts a zero-means-unlimited config value to a nullable limit.
func Limit(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

// WebSearchConfig holds search API settings.
type WebSearchConfig struct {
	APIKey        string        `yaml:"api_key"`
	Endpoint      string        `yaml:"endpoint"`
	Count         int           `yaml:"count"`
	Country       string        `yaml:"country"`
	Language      string        `yaml:"language"`
	RPS           int           `yaml:"rps"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
}

// RAGConfig holds the vector retrieval settings.
type RAGConfig struct {
	EmbedderURL string `yaml:"embedder_url"`
	TopK        int    `yaml:"top_k"`
}

// SandboxConfig locates the code-execution sandbox.
type SandboxConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// VaultConfig locates the stored-prompt document vault.
type VaultConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AttestationConfig locates the hardware attestation provider.
type AttestationConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ModelEntry registers a backend this process announces on startup.
type ModelEntry struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	URL               string   `yaml:"url"`
	SupportedFeatures []string `yaml:"supported_features"`
	ToolSupport       bool     `yaml:"tool_support"`
	MultimodalSupport bool     `yaml:"multimodal_support"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Auth.Strategy != "api_key" && cfg.Auth.Strategy != "nuc" {
		return nil, fmt.Errorf("config: unknown auth strategy %q", cfg.Auth.Strategy)
	}
	return cfg, nil
}

// Default returns the configuration defaults applied before parsing.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0"},
		Database: DatabaseConfig{DSN: "postgres://localhost:5432/sigil"},
		Auth: AuthConfig{
			Strategy: "api_key",
			KeyPath:  "sigil.key",
			Credit:   CreditConfig{Timeout: 10 * time.Second},
		},
		RateLimits: RateLimitConfig{
			ConcurrentDefault: 50,
		},
		WebSearch: WebSearchConfig{
			Endpoint:      "https://api.search.brave.com/res/v1/web/search",
			Count:         2,
			Country:       "us",
			Language:      "en",
			RPS:           10,
			MaxConcurrent: 10,
			Timeout:       10 * time.Second,
		},
		RAG:         RAGConfig{TopK: 2},
		Sandbox:     SandboxConfig{Timeout: 30 * time.Second},
		Vault:       VaultConfig{Timeout: 10 * time.Second},
		Attestation: AttestationConfig{Timeout: 10 * time.Second},
		Metrics:     MetricsConfig{Enabled: true},
	}
}
