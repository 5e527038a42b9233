// Package config provides environment configuration for the presence server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string        `yaml:"server_port"`
	ServerReadTimeout  time.Duration `yaml:"server_read_timeout"`
	ServerWriteTimeout time.Duration `yaml:"server_write_timeout"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`

	// Session lifecycle
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	IdleEndTimeout    time.Duration `yaml:"idle_end_timeout"`
	RetentionWindow   time.Duration `yaml:"retention_window"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	BrowserSessionTTL time.Duration `yaml:"browser_session_ttl"`

	// Event store
	MaxEventsPerSession    int `yaml:"max_events_per_session"`
	RecentActionsLimit     int `yaml:"recent_actions_limit"`
	DefaultEventQueryLimit int `yaml:"default_event_query_limit"`

	// Simulated sessions
	SimulatedRetention     time.Duration `yaml:"simulated_retention"`
	SimulatedEventInterval time.Duration `yaml:"simulated_event_interval"`

	// Hook registry
	HookStaleTimeout time.Duration `yaml:"hook_stale_timeout"`

	// NATS settings
	NATSURL      string `yaml:"nats_url"`
	NATSCAFile   string `yaml:"nats_ca_file"`
	NATSCertFile string `yaml:"nats_cert_file"`
	NATSKeyFile  string `yaml:"nats_key_file"`
	NATSToken    string `yaml:"nats_token"`

	// Admin JWT
	AdminJWTSecret string `yaml:"admin_jwt_secret"`

	// Rate limiting
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Tracing
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerPort:         "8080",
		ServerReadTimeout:  30 * time.Second,
		ServerWriteTimeout: 0,

		InactivityTimeout: 30 * time.Minute,
		IdleEndTimeout:    24 * time.Hour,
		RetentionWindow:   24 * time.Hour,
		SweepInterval:     5 * time.Minute,
		BrowserSessionTTL: 24 * time.Hour,

		MaxEventsPerSession:    1000,
		RecentActionsLimit:     10,
		DefaultEventQueryLimit: 100,

		SimulatedRetention:     time.Hour,
		SimulatedEventInterval: 5 * time.Second,

		RateLimitRequests: 300,
		RateLimitWindow:   time.Minute,

		LogLevel:  "info",
		LogFormat: "json",

		TracingEndpoint: "localhost:4318",
	}
}

// Load reads configuration from CONFIG_FILE (if set) and then environment
// variables, which take precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// Server
	c.ServerPort = getEnv("PORT", c.ServerPort)
	c.ServerReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", c.ServerReadTimeout)
	c.ServerWriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", c.ServerWriteTimeout)
	c.AllowedOrigins = getListEnv("ALLOWED_ORIGINS", c.AllowedOrigins)

	// Lifecycle
	c.InactivityTimeout = getDurationEnv("INACTIVITY_TIMEOUT", c.InactivityTimeout)
	c.IdleEndTimeout = getDurationEnv("IDLE_END_TIMEOUT", c.IdleEndTimeout)
	c.RetentionWindow = getDurationEnv("RETENTION_WINDOW", c.RetentionWindow)
	c.SweepInterval = getDurationEnv("SWEEP_INTERVAL", c.SweepInterval)
	c.BrowserSessionTTL = getDurationEnv("BROWSER_SESSION_TTL", c.BrowserSessionTTL)

	// Events
	c.MaxEventsPerSession = getIntEnv("MAX_EVENTS_PER_SESSION", c.MaxEventsPerSession)
	c.RecentActionsLimit = getIntEnv("RECENT_ACTIONS_LIMIT", c.RecentActionsLimit)
	c.DefaultEventQueryLimit = getIntEnv("DEFAULT_EVENT_QUERY_LIMIT", c.DefaultEventQueryLimit)

	// Simulation
	c.SimulatedRetention = getDurationEnv("SIMULATED_RETENTION", c.SimulatedRetention)
	c.SimulatedEventInterval = getDurationEnv("SIMULATED_EVENT_INTERVAL", c.SimulatedEventInterval)

	// Hooks
	c.HookStaleTimeout = getDurationEnv("HOOK_STALE_TIMEOUT", c.HookStaleTimeout)

	// NATS
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSCAFile = getEnv("NATS_CA_FILE", c.NATSCAFile)
	c.NATSCertFile = getEnv("NATS_CERT_FILE", c.NATSCertFile)
	c.NATSKeyFile = getEnv("NATS_KEY_FILE", c.NATSKeyFile)
	c.NATSToken = getEnv("NATS_TOKEN", c.NATSToken)

	// JWT
	c.AdminJWTSecret = getEnv("ADMIN_JWT_SECRET", c.AdminJWTSecret)

	// Rate limiting
	c.RateLimitRequests = getIntEnv("RATE_LIMIT_REQUESTS", c.RateLimitRequests)
	c.RateLimitWindow = getDurationEnv("RATE_LIMIT_WINDOW", c.RateLimitWindow)

	// Logging
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	// Tracing
	c.TracingEndpoint = getEnv("TRACING_ENDPOINT", c.TracingEndpoint)
	c.TracingEnabled = getBoolEnv("TRACING_ENABLED", c.TracingEnabled)
}

// Validate rejects settings the stores cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("inactivity_timeout must be positive"))
	}
	if c.RetentionWindow <= 0 {
		errs = append(errs, errors.New("retention_window must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.MaxEventsPerSession <= 0 {
		errs = append(errs, errors.New("max_events_per_session must be positive"))
	}
	if c.RecentActionsLimit <= 0 {
		errs = append(errs, errors.New("recent_actions_limit must be positive"))
	}
	if c.DefaultEventQueryLimit <= 0 {
		errs = append(errs, errors.New("default_event_query_limit must be positive"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
