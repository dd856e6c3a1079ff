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

	"github.com/ashureev/appbuilder/internal/endpoint"
)

// Config holds all application configuration.
type Config struct {
	APIBaseURL     string
	WSBaseURL      string // optional push-channel base; derived from APIBaseURL when empty
	AuthBaseURL    string
	SessionCookie  string
	FrontendURL    string
	ListenAddr     string
	CacheDBPath    string // empty disables the persistent file cache
	LogLevel       slog.Level
	PollInterval   time.Duration
	TokenTTL       time.Duration
	TokenCooldown  time.Duration
	HTTPTimeout    time.Duration
	AssistantIntro string
	Template       string
}

var templates = map[string]bool{"": true, "next": true, "vite": true, "react": true}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		APIBaseURL:     endpoint.TrimBase(getEnv("API_BASE_URL", "http://localhost:8000/api")),
		WSBaseURL:      endpoint.TrimBase(getEnv("WS_BASE_URL", "")),
		AuthBaseURL:    endpoint.TrimBase(getEnv("AUTH_BASE_URL", "http://localhost:3000")),
		SessionCookie:  strings.TrimSpace(getEnv("SESSION_COOKIE", "")),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		ListenAddr:     getEnv("LISTEN_ADDR", "127.0.0.1:7070"),
		CacheDBPath:    getEnv("CACHE_DB_PATH", "./data/appbuilder.db"),
		LogLevel:       level,
		PollInterval:   getEnvDuration("POLL_INTERVAL", 3*time.Second),
		TokenTTL:       getEnvDuration("TOKEN_TTL", 30*time.Second),
		TokenCooldown:  getEnvDuration("TOKEN_COOLDOWN", 30*time.Second),
		HTTPTimeout:    getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		AssistantIntro: getEnv("ASSISTANT_INTRO", "Working on it..."),
		Template:       strings.ToLower(strings.TrimSpace(getEnv("GENERATION_TEMPLATE", ""))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL cannot be empty")
	}
	if endpoint.Origin(c.APIBaseURL) == nil {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) URL")
	}
	if c.WSBaseURL != "" {
		u, err := url.Parse(c.WSBaseURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("WS_BASE_URL must be an absolute ws(s) URL")
		}
	}
	if c.SessionCookie != "" && endpoint.Origin(c.AuthBaseURL) == nil {
		return fmt.Errorf("AUTH_BASE_URL must be an absolute http(s) URL when SESSION_COOKIE is set")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR cannot be empty")
	}
	for name, d := range map[string]time.Duration{
		"POLL_INTERVAL":  c.PollInterval,
		"TOKEN_TTL":      c.TokenTTL,
		"TOKEN_COOLDOWN": c.TokenCooldown,
		"HTTP_TIMEOUT":   c.HTTPTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if !templates[c.Template] {
		return fmt.Errorf("GENERATION_TEMPLATE must be one of next, vite, react")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// TransportURL returns the push-channel URL for a project.
func (c *Config) TransportURL(projectID string) string {
	return endpoint.TransportURL(projectID, c.WSBaseURL, endpoint.Origin(c.APIBaseURL))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getEnvDuration accepts Go durations ("3s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
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

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
