package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSessionTTL is how long a cached session is served without
	// consulting the auth backend.
	DefaultSessionTTL = 5 * time.Minute

	// DefaultRefreshWindow is the look-ahead before token expiry that
	// triggers a proactive refresh.
	DefaultRefreshWindow = 5 * time.Minute

	// DefaultReconnectDelay is the pause before the single scheduled
	// reconnect attempt after an unexpected chat disconnect.
	DefaultReconnectDelay = 3 * time.Second

	// DefaultHistoryLimit is the number of messages requested right after
	// chat authentication.
	DefaultHistoryLimit = 50
)

// Transport selects the chat transport variant.
const (
	TransportWebSocket = "websocket"
	TransportREST      = "rest"
)

// Config represents the complete Camflow client configuration
type Config struct {
	API     APIConfig     `yaml:"api"`
	Auth    AuthConfig    `yaml:"auth"`
	Chat    ChatConfig    `yaml:"chat"`
	Retry   RetryPolicy   `yaml:"retry_policy"`
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig describes the backend REST API the gateway talks to.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig describes the hosted auth backend and session caching.
type AuthConfig struct {
	BaseURL       string        `yaml:"base_url"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	RefreshWindow time.Duration `yaml:"refresh_window"`
}

// ChatConfig describes the assistant chat backend.
type ChatConfig struct {
	// Transport is "websocket" or "rest".
	Transport      string        `yaml:"transport"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	HistoryLimit   int           `yaml:"history_limit"`
	// SendRatePerSec limits outbound chat messages; 0 disables limiting.
	SendRatePerSec float64 `yaml:"send_rate_per_sec"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// RetryPolicy defines retry behavior for transient errors
type RetryPolicy struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// LoggingConfig controls the structured JSONL logger.
type LoggingConfig struct {
	Dir      string `yaml:"dir"`
	MinLevel string `yaml:"min_level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8000/api/v1",
			Timeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			BaseURL:       "http://localhost:9999",
			SessionTTL:    DefaultSessionTTL,
			RefreshWindow: DefaultRefreshWindow,
		},
		Chat: ChatConfig{
			Transport:      TransportWebSocket,
			URL:            "ws://localhost:8000/ws/assistant",
			ReconnectDelay: DefaultReconnectDelay,
			HistoryLimit:   DefaultHistoryLimit,
			SendRatePerSec: 2,
			PingInterval:   30 * time.Second,
		},
		Retry: RetryPolicy{
			// 1 initial attempt + 2 retries = 3 total refresh attempts.
			MaxRetries:     2,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
		},
		Logging: LoggingConfig{
			Dir:      "", // resolved to ~/.camflow/logs at load time
			MinLevel: "info",
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, then ~/.camflow/config.yaml, then environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".camflow", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
		if cfg.Logging.Dir == "" {
			cfg.Logging.Dir = filepath.Join(home, ".camflow", "logs")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAMFLOW_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("CAMFLOW_AUTH_URL"); v != "" {
		cfg.Auth.BaseURL = v
	}
	if v := os.Getenv("CAMFLOW_CHAT_URL"); v != "" {
		cfg.Chat.URL = v
	}
	if v := os.Getenv("CAMFLOW_CHAT_TRANSPORT"); v != "" {
		cfg.Chat.Transport = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("CAMFLOW_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("CAMFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.MinLevel = strings.ToLower(strings.TrimSpace(v))
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.API.BaseURL); err != nil {
		return fmt.Errorf("invalid api.base_url: %w", err)
	}
	if _, err := url.Parse(c.Auth.BaseURL); err != nil {
		return fmt.Errorf("invalid auth.base_url: %w", err)
	}
	switch c.Chat.Transport {
	case TransportWebSocket, TransportREST:
	default:
		return fmt.Errorf("chat.transport must be %q or %q, got %q",
			TransportWebSocket, TransportREST, c.Chat.Transport)
	}
	if c.Chat.Transport == TransportWebSocket {
		u, err := url.Parse(c.Chat.URL)
		if err != nil {
			return fmt.Errorf("invalid chat.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("chat.url must use ws or wss scheme, got %q", u.Scheme)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry_policy.max_retries must be >= 0")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry_policy.multiplier must be >= 1")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("auth.session_ttl must be positive")
	}
	if c.Chat.HistoryLimit <= 0 {
		return fmt.Errorf("chat.history_limit must be positive")
	}
	return nil
}
