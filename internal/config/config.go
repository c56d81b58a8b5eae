// Package config loads process settings for the session services and reads
// the per-invocation ChatKit secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names for the ChatKit secrets and side-call settings.
const (
	EnvAPIKey         = "OPENAI_API_KEY"
	EnvWorkflowID     = "CHATKIT_WORKFLOW_ID"
	EnvStarterMessage = "STARTER_MESSAGE"
	EnvChatTitle      = "CHAT_TITLE"
)

// ErrMissingConfig means a required secret is absent. It is fatal for the
// invocation and never retried.
var ErrMissingConfig = errors.New("config: required setting missing")

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Secrets are the two values the issuer needs before it may call the
// provider.
type Secrets struct {
	APIKey     string
	WorkflowID string
}

// SideCalls configures the optional post-creation calls.
type SideCalls struct {
	StarterMessage string
	ChatTitle      string
}

// Enabled reports whether any side call is configured.
func (s SideCalls) Enabled() bool {
	return s.StarterMessage != "" || s.ChatTitle != ""
}

// ReadSecrets reads the secrets through lookup. Blank values count as
// missing. The returned error names the missing variables, never values.
func ReadSecrets(lookup LookupFunc) (Secrets, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	s := Secrets{
		APIKey:     lookupTrimmed(lookup, EnvAPIKey),
		WorkflowID: lookupTrimmed(lookup, EnvWorkflowID),
	}

	var missing []string
	if s.APIKey == "" {
		missing = append(missing, EnvAPIKey)
	}
	if s.WorkflowID == "" {
		missing = append(missing, EnvWorkflowID)
	}
	if len(missing) > 0 {
		return Secrets{}, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return s, nil
}

// ReadSideCalls reads the optional side-call settings through lookup.
func ReadSideCalls(lookup LookupFunc) SideCalls {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return SideCalls{
		StarterMessage: lookupTrimmed(lookup, EnvStarterMessage),
		ChatTitle:      lookupTrimmed(lookup, EnvChatTitle),
	}
}

func lookupTrimmed(lookup LookupFunc, key string) string {
	v, _ := lookup(key)
	return strings.TrimSpace(v)
}

// Config holds process-level settings for sessiond.
type Config struct {
	ListenAddr      string        // address to listen on
	SessionPath     string        // path of the issuer endpoint
	ProviderBaseURL string        // ChatKit API base URL
	ProviderTimeout time.Duration // timeout for the session-creation call
	SideCallTimeout time.Duration // timeout for each best-effort side call
	RedisAddr       string        // empty disables the shared limiter
	RateLimit       int           // sessions per RateWindow per user; 0 disables
	RateWindow      time.Duration
	NATSURL         string // empty disables event publishing
	ShutdownTimeout time.Duration
	LogLevel        string
}

// Load reads Config from the environment. A .env file in the working
// directory is applied first; variables already set take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		SessionPath:     getEnv("SESSION_PATH", "/api/create-session"),
		ProviderBaseURL: strings.TrimRight(getEnv("OPENAI_BASE_URL", "https://api.openai.com"), "/"),
		ProviderTimeout: 10 * time.Second,
		SideCallTimeout: 10 * time.Second,
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RateLimit:       30,
		RateWindow:      time.Minute,
		NATSURL:         getEnv("NATS_URL", ""),
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PROVIDER_TIMEOUT", &cfg.ProviderTimeout},
		{"SIDE_CALL_TIMEOUT", &cfg.SideCallTimeout},
		{"RATE_WINDOW", &cfg.RateWindow},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid %s format: %w", d.key, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("config: %s must be positive", d.key)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("config: invalid RATE_LIMIT %q", v)
		}
		cfg.RateLimit = n
	}

	if !strings.HasPrefix(cfg.SessionPath, "/") {
		return nil, fmt.Errorf("config: SESSION_PATH must start with /")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
