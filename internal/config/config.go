// Package config loads runtime configuration from CLI flags and environment
// variables. Precedence: CLI flags > env vars > defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the supercall server.
type Config struct {
	// Carrier.
	Provider         string // "twilio" or "mock"
	FromNumber       string // E.164 caller id
	TwilioAccountSid string
	TwilioAuthToken  string

	// Model streaming.
	OpenAIAPIKey      string
	Model             string
	Temperature       float64
	SilenceDurationMs int
	VADThreshold      float64
	StreamPath        string

	// HTTP listener.
	Bind        string
	Port        int
	WebhookPath string

	// Public exposure. PublicURL bypasses tunnel discovery entirely.
	TunnelProvider string // none, ngrok, tailscale-serve, tailscale-funnel
	PublicURL      string

	// Call limits.
	MaxConcurrentCalls int
	MaxDurationSeconds int

	// Completion callback to the host agent. Port 0 disables the callback.
	WakePort  int
	WakeToken string

	StoreDir  string
	LogLevel  string
	LogFormat string
}

const (
	defaultProvider       = "twilio"
	defaultModel          = "gpt-realtime"
	defaultTemperature    = 0.8
	defaultSilenceMs      = 800
	defaultVADThreshold   = 0.5
	defaultStreamPath     = "/voice/stream"
	defaultBind           = "127.0.0.1"
	defaultPort           = 3334
	defaultWebhookPath    = "/voice/webhook"
	defaultTunnel         = "none"
	defaultMaxConcurrent  = 1
	defaultMaxDurationSec = 300
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
)

// envPrefix is the prefix for all supercall environment variables.
const envPrefix = "SUPERCALL_"

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// defaultStoreDir places call logs under the user's home directory.
func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./supercall-logs"
	}
	return filepath.Join(home, "clawd", "supercall-logs")
}

// Load parses configuration from CLI flags and environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("supercall", flag.ContinueOnError)

	fs.StringVar(&cfg.Provider, "provider", defaultProvider, "telephony provider (twilio, mock)")
	fs.StringVar(&cfg.FromNumber, "from-number", "", "caller id in E.164 form, e.g. +15551234567")
	fs.StringVar(&cfg.TwilioAccountSid, "twilio-account-sid", "", "Twilio account SID (falls back to TWILIO_ACCOUNT_SID)")
	fs.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token (falls back to TWILIO_AUTH_TOKEN)")
	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "realtime model API key (falls back to OPENAI_API_KEY)")
	fs.StringVar(&cfg.Model, "model", defaultModel, "realtime model name")
	fs.Float64Var(&cfg.Temperature, "temperature", defaultTemperature, "model sampling temperature")
	fs.IntVar(&cfg.SilenceDurationMs, "silence-duration-ms", defaultSilenceMs, "turn-detection silence duration in milliseconds")
	fs.Float64Var(&cfg.VADThreshold, "vad-threshold", defaultVADThreshold, "voice activity detection threshold")
	fs.StringVar(&cfg.StreamPath, "stream-path", defaultStreamPath, "media stream websocket path")
	fs.StringVar(&cfg.Bind, "bind", defaultBind, "HTTP listen address")
	fs.IntVar(&cfg.Port, "port", defaultPort, "HTTP listen port")
	fs.StringVar(&cfg.WebhookPath, "webhook-path", defaultWebhookPath, "carrier webhook path")
	fs.StringVar(&cfg.TunnelProvider, "tunnel", defaultTunnel, "public tunnel provider (none, ngrok, tailscale-serve, tailscale-funnel)")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "public base URL; bypasses tunnel discovery when set")
	fs.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent-calls", defaultMaxConcurrent, "maximum simultaneous calls")
	fs.IntVar(&cfg.MaxDurationSeconds, "max-duration-seconds", defaultMaxDurationSec, "maximum call duration in seconds")
	fs.IntVar(&cfg.WakePort, "wake-port", 0, "local port of the host agent wake endpoint (0 disables)")
	fs.StringVar(&cfg.WakeToken, "wake-token", "", "bearer token for the wake endpoint")
	fs.StringVar(&cfg.StoreDir, "store", defaultStoreDir(), "directory for call logs and the journal")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)
	applyCredentialFallbacks(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line, preserving the precedence
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"provider":             envPrefix + "PROVIDER",
		"from-number":          envPrefix + "FROM_NUMBER",
		"twilio-account-sid":   envPrefix + "TWILIO_ACCOUNT_SID",
		"twilio-auth-token":    envPrefix + "TWILIO_AUTH_TOKEN",
		"openai-api-key":       envPrefix + "OPENAI_API_KEY",
		"model":                envPrefix + "MODEL",
		"temperature":          envPrefix + "TEMPERATURE",
		"silence-duration-ms":  envPrefix + "SILENCE_DURATION_MS",
		"vad-threshold":        envPrefix + "VAD_THRESHOLD",
		"stream-path":          envPrefix + "STREAM_PATH",
		"bind":                 envPrefix + "BIND",
		"port":                 envPrefix + "PORT",
		"webhook-path":         envPrefix + "WEBHOOK_PATH",
		"tunnel":               envPrefix + "TUNNEL",
		"public-url":           envPrefix + "PUBLIC_URL",
		"max-concurrent-calls": envPrefix + "MAX_CONCURRENT_CALLS",
		"max-duration-seconds": envPrefix + "MAX_DURATION_SECONDS",
		"wake-port":            envPrefix + "WAKE_PORT",
		"wake-token":           envPrefix + "WAKE_TOKEN",
		"store":                envPrefix + "STORE",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "provider":
			cfg.Provider = val
		case "from-number":
			cfg.FromNumber = val
		case "twilio-account-sid":
			cfg.TwilioAccountSid = val
		case "twilio-auth-token":
			cfg.TwilioAuthToken = val
		case "openai-api-key":
			cfg.OpenAIAPIKey = val
		case "model":
			cfg.Model = val
		case "temperature":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.Temperature = v
			}
		case "silence-duration-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SilenceDurationMs = v
			}
		case "vad-threshold":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.VADThreshold = v
			}
		case "stream-path":
			cfg.StreamPath = val
		case "bind":
			cfg.Bind = val
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Port = v
			}
		case "webhook-path":
			cfg.WebhookPath = val
		case "tunnel":
			cfg.TunnelProvider = val
		case "public-url":
			cfg.PublicURL = val
		case "max-concurrent-calls":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxConcurrentCalls = v
			}
		case "max-duration-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxDurationSeconds = v
			}
		case "wake-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WakePort = v
			}
		case "wake-token":
			cfg.WakeToken = val
		case "store":
			cfg.StoreDir = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// applyCredentialFallbacks fills credentials from the conventional provider
// environment variables when neither flag nor prefixed env var set them.
func applyCredentialFallbacks(cfg *Config) {
	if cfg.TwilioAccountSid == "" {
		cfg.TwilioAccountSid = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.TwilioAuthToken == "" {
		cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	switch c.Provider {
	case "twilio", "mock":
	default:
		return fmt.Errorf("provider must be twilio or mock, got %q", c.Provider)
	}
	if c.Provider == "twilio" {
		if c.TwilioAccountSid == "" || c.TwilioAuthToken == "" {
			return fmt.Errorf("twilio credentials required (twilio-account-sid, twilio-auth-token or TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN)")
		}
		if c.FromNumber == "" {
			return fmt.Errorf("from-number is required for the twilio provider")
		}
	}
	if c.FromNumber != "" && !e164Pattern.MatchString(c.FromNumber) {
		return fmt.Errorf("from-number must be E.164, got %q", c.FromNumber)
	}
	if c.OpenAIAPIKey == "" && c.Provider != "mock" {
		return fmt.Errorf("model API key required (openai-api-key or OPENAI_API_KEY)")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if !strings.HasPrefix(c.WebhookPath, "/") {
		return fmt.Errorf("webhook-path must start with /, got %q", c.WebhookPath)
	}
	if !strings.HasPrefix(c.StreamPath, "/") {
		return fmt.Errorf("stream-path must start with /, got %q", c.StreamPath)
	}
	switch c.TunnelProvider {
	case "none", "ngrok", "tailscale-serve", "tailscale-funnel":
	default:
		return fmt.Errorf("tunnel must be one of none, ngrok, tailscale-serve, tailscale-funnel; got %q", c.TunnelProvider)
	}
	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max-concurrent-calls must be at least 1, got %d", c.MaxConcurrentCalls)
	}
	if c.MaxDurationSeconds < 1 {
		return fmt.Errorf("max-duration-seconds must be at least 1, got %d", c.MaxDurationSeconds)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// ListenAddr returns the bind address for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
