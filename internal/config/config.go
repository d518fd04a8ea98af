package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/callrelay/internal/audio"
)

// Config contains all runtime settings for the call relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	PublicBaseURL    string
	MediaStreamPath  string

	AllowAnyOrigin     bool
	HeartbeatInterval  time.Duration
	MaxConcurrentCalls int

	ElevenLabsAPIKey       string
	ElevenLabsAgentID      string
	ElevenLabsAPIBaseURL   string
	UpstreamConnectTimeout time.Duration
	UpstreamRPS            float64
	UpstreamBurst          int
	UpstreamInputFormat    audio.Format
	UpstreamOutputFormat   audio.Format

	DefaultPrompt       string
	DefaultFirstMessage string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	InstanceID    string

	LogEnv        string
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "callrelay"),
		PublicBaseURL:        strings.TrimRight(stringsTrimSpace("APP_PUBLIC_BASE_URL"), "/"),
		MediaStreamPath:      envOrDefault("MEDIA_STREAM_PATH", "/outbound-media-stream"),
		AllowAnyOrigin:       false,
		ElevenLabsAPIKey:     stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsAgentID:    stringsTrimSpace("ELEVENLABS_AGENT_ID"),
		ElevenLabsAPIBaseURL: strings.TrimRight(envOrDefault("ELEVENLABS_API_BASE_URL", "https://api.elevenlabs.io"), "/"),
		UpstreamRPS:          5,
		UpstreamBurst:        10,
		DefaultPrompt:        stringsTrimSpace("DEFAULT_PROMPT"),
		DefaultFirstMessage:  stringsTrimSpace("DEFAULT_FIRST_MESSAGE"),
		TwilioAccountSID:     stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:     stringsTrimSpace("TWILIO_FROM_NUMBER"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		RedisAddr:            stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		InstanceID:           stringsTrimSpace("INSTANCE_ID"),
		LogEnv:               envOrDefault("LOG_ENV", "development"),
		LogLevel:             stringsTrimSpace("LOG_LEVEL"),
		LogFile:              stringsTrimSpace("LOG_FILE"),
		LogMaxSizeMB:         100,
		LogMaxBackups:        5,
		LogMaxAgeDays:        28,
		// 0 means no cap on concurrent calls.
		MaxConcurrentCalls:     0,
		ShutdownTimeout:        15 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		UpstreamConnectTimeout: 10 * time.Second,
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID, _ = os.Hostname()
	}
	if !strings.HasPrefix(cfg.MediaStreamPath, "/") {
		cfg.MediaStreamPath = "/" + cfg.MediaStreamPath
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamConnectTimeout, err = durationFromEnv("UPSTREAM_CONNECT_TIMEOUT", cfg.UpstreamConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentCalls, err = intFromEnv("MAX_CONCURRENT_CALLS", cfg.MaxConcurrentCalls)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamRPS, err = floatFromEnv("UPSTREAM_RPS", cfg.UpstreamRPS)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamBurst, err = intFromEnv("UPSTREAM_BURST", cfg.UpstreamBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}
	cfg.LogMaxSizeMB, err = intFromEnv("LOG_FILE_MAX_SIZE_MB", cfg.LogMaxSizeMB)
	if err != nil {
		return Config{}, err
	}
	cfg.LogMaxBackups, err = intFromEnv("LOG_FILE_MAX_BACKUPS", cfg.LogMaxBackups)
	if err != nil {
		return Config{}, err
	}
	cfg.LogMaxAgeDays, err = intFromEnv("LOG_FILE_MAX_AGE_DAYS", cfg.LogMaxAgeDays)
	if err != nil {
		return Config{}, err
	}

	cfg.UpstreamInputFormat, err = audio.ParseFormat(stringsTrimSpace("UPSTREAM_INPUT_FORMAT"), audio.FormatPCM8000)
	if err != nil {
		return Config{}, fmt.Errorf("UPSTREAM_INPUT_FORMAT: %w", err)
	}
	cfg.UpstreamOutputFormat, err = audio.ParseFormat(stringsTrimSpace("UPSTREAM_OUTPUT_FORMAT"), audio.FormatULaw8000)
	if err != nil {
		return Config{}, fmt.Errorf("UPSTREAM_OUTPUT_FORMAT: %w", err)
	}

	if cfg.HeartbeatInterval < time.Second {
		return Config{}, fmt.Errorf("HEARTBEAT_INTERVAL must be at least 1s")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("UPSTREAM_CONNECT_TIMEOUT must be positive")
	}
	if cfg.MaxConcurrentCalls < 0 {
		return Config{}, fmt.Errorf("MAX_CONCURRENT_CALLS must be >= 0")
	}
	if cfg.UpstreamRPS < 0 {
		return Config{}, fmt.Errorf("UPSTREAM_RPS must be >= 0")
	}
	if cfg.UpstreamRPS > 0 && cfg.UpstreamBurst <= 0 {
		return Config{}, fmt.Errorf("UPSTREAM_BURST must be positive when UPSTREAM_RPS is set")
	}
	if cfg.RedisDB < 0 {
		return Config{}, fmt.Errorf("REDIS_DB must be >= 0")
	}

	return cfg, nil
}

// TwilioConfigured reports whether outbound calls can be placed.
func (c Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
