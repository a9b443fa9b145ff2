package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UpstreamProvider != "auto" {
		t.Fatalf("UpstreamProvider = %q, want %q", cfg.UpstreamProvider, "auto")
	}
	if cfg.UpstreamInputRate != 16000 || cfg.UpstreamOutputRate != 24000 {
		t.Fatalf("upstream rates = %d/%d, want 16000/24000", cfg.UpstreamInputRate, cfg.UpstreamOutputRate)
	}
	if cfg.GeminiVoice != "Kore" {
		t.Fatalf("GeminiVoice = %q, want %q", cfg.GeminiVoice, "Kore")
	}
	if cfg.RelayInactivityTimeout != 2*time.Minute {
		t.Fatalf("RelayInactivityTimeout = %s, want 2m", cfg.RelayInactivityTimeout)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadRejectsGeminiWithoutCredential(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("UPSTREAM_PROVIDER", "gemini")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "no credential") {
		t.Fatalf("Load() error = %v, want missing credential", err)
	}

	t.Setenv("GEMINI_API_KEY", "k")
	if _, err := Load(); err != nil {
		t.Fatalf("Load() with key error = %v", err)
	}
}

func TestLoadVertexNeedsProject(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("UPSTREAM_PROVIDER", "gemini")
	t.Setenv("GEMINI_BACKEND", "vertex")
	t.Setenv("GEMINI_API_KEY", "ignored-for-vertex")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error without GOOGLE_CLOUD_PROJECT")
	}
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadParsesRelayTuning(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("RELAY_BARGE_IN_RMS", "0.05")
	t.Setenv("RELAY_BARGE_IN_MIN_FRAMES", "5")
	t.Setenv("RELAY_CLIENT_SAMPLE_RATE", "48000")
	t.Setenv("RELAY_CLIENT_FLOAT_SAMPLES", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BargeInRMS != 0.05 || cfg.BargeInMinFrames != 5 {
		t.Fatalf("barge-in = %.2f/%d, want 0.05/5", cfg.BargeInRMS, cfg.BargeInMinFrames)
	}
	if cfg.ClientSampleRate != 48000 || !cfg.ClientFloatSamples {
		t.Fatalf("client audio = %d float=%v, want 48000 float=true", cfg.ClientSampleRate, cfg.ClientFloatSamples)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"RELAY_INACTIVITY_TIMEOUT":  "1s",
		"RELAY_BARGE_IN_RMS":        "1.5",
		"RELAY_CLIENT_OUTPUT_RATE":  "0",
		"UPSTREAM_PROVIDER":         "carrier-pigeon",
		"APP_LOG_FORMAT":            "xml",
		"RELAY_BARGE_IN_MIN_FRAMES": "nope",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", key, value)
			}
		})
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("GEMINI_VOICE=Puck\nAPP_BIND_ADDR=:7070\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("APP_BIND_ADDR", ":9090")
	os.Unsetenv("GEMINI_VOICE")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("GEMINI_VOICE") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GeminiVoice != "Puck" {
		t.Fatalf("GeminiVoice = %q, want value from .env", cfg.GeminiVoice)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want process env to win", cfg.BindAddr)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_ALLOW_ANY_ORIGIN",
		"RELAY_INACTIVITY_TIMEOUT",
		"RELAY_CLIENT_SAMPLE_RATE",
		"RELAY_CLIENT_FLOAT_SAMPLES",
		"RELAY_UPSTREAM_INPUT_RATE",
		"RELAY_UPSTREAM_OUTPUT_RATE",
		"RELAY_CLIENT_OUTPUT_RATE",
		"RELAY_BARGE_IN_RMS",
		"RELAY_BARGE_IN_MIN_FRAMES",
		"RELAY_STORE_AUDIO",
		"RELAY_MAX_AUDIO_BYTES",
		"RELAY_REDACT_PII",
		"UPSTREAM_PROVIDER",
		"GEMINI_API_KEY",
		"GEMINI_BACKEND",
		"GOOGLE_CLOUD_PROJECT",
		"GOOGLE_CLOUD_LOCATION",
		"GEMINI_LIVE_MODEL",
		"GEMINI_VOICE",
		"GEMINI_VISION_MODEL",
		"GEMINI_API_VERSION",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
