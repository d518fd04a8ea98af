package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/callrelay/internal/audio"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8000")
	}
	if cfg.MediaStreamPath != "/outbound-media-stream" {
		t.Fatalf("MediaStreamPath = %q, want %q", cfg.MediaStreamPath, "/outbound-media-stream")
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.UpstreamInputFormat != audio.FormatPCM8000 || cfg.UpstreamOutputFormat != audio.FormatULaw8000 {
		t.Fatalf("formats = %q/%q, want pcm_8000/ulaw_8000", cfg.UpstreamInputFormat, cfg.UpstreamOutputFormat)
	}
	if cfg.ElevenLabsAPIBaseURL != "https://api.elevenlabs.io" {
		t.Fatalf("ElevenLabsAPIBaseURL = %q", cfg.ElevenLabsAPIBaseURL)
	}
	if cfg.TwilioConfigured() {
		t.Fatalf("TwilioConfigured() = true with empty credentials")
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("APP_PUBLIC_BASE_URL", "https://relay.example.com/")
	t.Setenv("MEDIA_STREAM_PATH", "media")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("MAX_CONCURRENT_CALLS", "12")
	t.Setenv("UPSTREAM_RPS", "2.5")
	t.Setenv("UPSTREAM_OUTPUT_FORMAT", "PCM_8000")
	t.Setenv("ELEVENLABS_API_KEY", "  sk-test  ")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550100")
	t.Setenv("INSTANCE_ID", "node-a")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PublicBaseURL != "https://relay.example.com" {
		t.Fatalf("PublicBaseURL = %q, want trailing slash trimmed", cfg.PublicBaseURL)
	}
	if cfg.MediaStreamPath != "/media" {
		t.Fatalf("MediaStreamPath = %q, want %q", cfg.MediaStreamPath, "/media")
	}
	if cfg.HeartbeatInterval != 5*time.Second || cfg.MaxConcurrentCalls != 12 || cfg.UpstreamRPS != 2.5 {
		t.Fatalf("unexpected numeric config: %+v", cfg)
	}
	if cfg.UpstreamOutputFormat != audio.FormatPCM8000 {
		t.Fatalf("UpstreamOutputFormat = %q, want pcm_8000", cfg.UpstreamOutputFormat)
	}
	if cfg.ElevenLabsAPIKey != "sk-test" {
		t.Fatalf("ElevenLabsAPIKey = %q, want trimmed value", cfg.ElevenLabsAPIKey)
	}
	if !cfg.TwilioConfigured() {
		t.Fatalf("TwilioConfigured() = false, want true")
	}
	if cfg.InstanceID != "node-a" {
		t.Fatalf("InstanceID = %q, want node-a", cfg.InstanceID)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"HEARTBEAT_INTERVAL":       "10ms",
		"APP_SHUTDOWN_TIMEOUT":     "soon",
		"MAX_CONCURRENT_CALLS":     "-1",
		"UPSTREAM_RPS":             "fast",
		"UPSTREAM_INPUT_FORMAT":    "opus_48000",
		"APP_ALLOW_ANY_ORIGIN":     "maybe",
		"REDIS_DB":                 "-2",
		"UPSTREAM_CONNECT_TIMEOUT": "0s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", key, value)
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("Load() error = %v, want it to name %s", err, key)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_PUBLIC_BASE_URL",
		"APP_ALLOW_ANY_ORIGIN",
		"MEDIA_STREAM_PATH",
		"HEARTBEAT_INTERVAL",
		"MAX_CONCURRENT_CALLS",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_AGENT_ID",
		"ELEVENLABS_API_BASE_URL",
		"UPSTREAM_CONNECT_TIMEOUT",
		"UPSTREAM_RPS",
		"UPSTREAM_BURST",
		"UPSTREAM_INPUT_FORMAT",
		"UPSTREAM_OUTPUT_FORMAT",
		"DEFAULT_PROMPT",
		"DEFAULT_FIRST_MESSAGE",
		"TWILIO_ACCOUNT_SID",
		"TWILIO_AUTH_TOKEN",
		"TWILIO_FROM_NUMBER",
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"INSTANCE_ID",
		"LOG_ENV",
		"LOG_LEVEL",
		"LOG_FILE",
		"LOG_FILE_MAX_SIZE_MB",
		"LOG_FILE_MAX_BACKUPS",
		"LOG_FILE_MAX_AGE_DAYS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
