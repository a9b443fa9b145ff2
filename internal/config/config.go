package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	RelayInactivityTimeout time.Duration
	ClientSampleRate       int
	ClientFloatSamples     bool
	UpstreamInputRate      int
	UpstreamOutputRate     int
	ClientOutputRate       int
	BargeInRMS             float64
	BargeInMinFrames       int
	StoreAssistantAudio    bool
	MaxAudioBytes          int
	RedactPII              bool

	UpstreamProvider    string
	GeminiAPIKey        string
	GeminiBackend       string
	GoogleCloudProject  string
	GoogleCloudLocation string
	GeminiLiveModel     string
	GeminiVoice         string
	GeminiVisionModel   string
	GeminiAPIVersion    string

	DatabaseURL string
}

// LoadDotEnv reads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "liverelay"),
		LogLevel:            strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(envOrDefault("APP_LOG_FORMAT", "json")),
		UpstreamProvider:    strings.ToLower(envOrDefault("UPSTREAM_PROVIDER", "auto")),
		GeminiAPIKey:        stringsTrimSpace("GEMINI_API_KEY"),
		GeminiBackend:       strings.ToLower(envOrDefault("GEMINI_BACKEND", "gemini_api")),
		GoogleCloudProject:  stringsTrimSpace("GOOGLE_CLOUD_PROJECT"),
		GoogleCloudLocation: envOrDefault("GOOGLE_CLOUD_LOCATION", "us-central1"),
		// Native-audio Live model; it emits 24 kHz PCM16 and transcribes both directions.
		GeminiLiveModel:        envOrDefault("GEMINI_LIVE_MODEL", "gemini-2.5-flash-native-audio-preview-09-2025"),
		GeminiVoice:            envOrDefault("GEMINI_VOICE", "Kore"),
		GeminiVisionModel:      envOrDefault("GEMINI_VISION_MODEL", "gemini-2.5-flash"),
		GeminiAPIVersion:       envOrDefault("GEMINI_API_VERSION", "v1beta"),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:        15 * time.Second,
		RelayInactivityTimeout: 2 * time.Minute,
		ClientSampleRate:       16000,
		UpstreamInputRate:      16000,
		UpstreamOutputRate:     24000,
		ClientOutputRate:       24000,
		BargeInRMS:             0.02,
		BargeInMinFrames:       3,
		StoreAssistantAudio:    true,
		MaxAudioBytes:          8 << 20,
		RedactPII:              true,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayInactivityTimeout, err = durationFromEnv("RELAY_INACTIVITY_TIMEOUT", cfg.RelayInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ClientSampleRate, err = intFromEnv("RELAY_CLIENT_SAMPLE_RATE", cfg.ClientSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.ClientFloatSamples, err = boolFromEnv("RELAY_CLIENT_FLOAT_SAMPLES", cfg.ClientFloatSamples)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamInputRate, err = intFromEnv("RELAY_UPSTREAM_INPUT_RATE", cfg.UpstreamInputRate)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamOutputRate, err = intFromEnv("RELAY_UPSTREAM_OUTPUT_RATE", cfg.UpstreamOutputRate)
	if err != nil {
		return Config{}, err
	}
	cfg.ClientOutputRate, err = intFromEnv("RELAY_CLIENT_OUTPUT_RATE", cfg.ClientOutputRate)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInRMS, err = floatFromEnv("RELAY_BARGE_IN_RMS", cfg.BargeInRMS)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInMinFrames, err = intFromEnv("RELAY_BARGE_IN_MIN_FRAMES", cfg.BargeInMinFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreAssistantAudio, err = boolFromEnv("RELAY_STORE_AUDIO", cfg.StoreAssistantAudio)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxAudioBytes, err = intFromEnv("RELAY_MAX_AUDIO_BYTES", cfg.MaxAudioBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPII, err = boolFromEnv("RELAY_REDACT_PII", cfg.RedactPII)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RelayInactivityTimeout < 5*time.Second {
		return fmt.Errorf("RELAY_INACTIVITY_TIMEOUT must be at least 5s")
	}
	for key, rate := range map[string]int{
		"RELAY_CLIENT_SAMPLE_RATE":   c.ClientSampleRate,
		"RELAY_UPSTREAM_INPUT_RATE":  c.UpstreamInputRate,
		"RELAY_UPSTREAM_OUTPUT_RATE": c.UpstreamOutputRate,
		"RELAY_CLIENT_OUTPUT_RATE":   c.ClientOutputRate,
	} {
		if rate <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.BargeInRMS < 0 || c.BargeInRMS > 1 {
		return fmt.Errorf("RELAY_BARGE_IN_RMS must be within [0,1]")
	}
	if c.BargeInMinFrames <= 0 {
		return fmt.Errorf("RELAY_BARGE_IN_MIN_FRAMES must be positive")
	}
	if c.MaxAudioBytes < 0 {
		return fmt.Errorf("RELAY_MAX_AUDIO_BYTES must be >= 0")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid APP_LOG_FORMAT: %q (expected json|text)", c.LogFormat)
	}
	switch c.GeminiBackend {
	case "gemini_api", "vertex":
	default:
		return fmt.Errorf("invalid GEMINI_BACKEND: %q (expected gemini_api|vertex)", c.GeminiBackend)
	}
	switch c.UpstreamProvider {
	case "auto", "mock":
	case "gemini":
		if !c.HasGeminiCredentials() {
			return fmt.Errorf("UPSTREAM_PROVIDER=gemini but no credential is set (GEMINI_API_KEY or GOOGLE_CLOUD_PROJECT with GEMINI_BACKEND=vertex)")
		}
	default:
		return fmt.Errorf("invalid UPSTREAM_PROVIDER: %q (expected auto|gemini|mock)", c.UpstreamProvider)
	}
	return nil
}

// HasGeminiCredentials reports whether the configured backend can authenticate.
func (c Config) HasGeminiCredentials() bool {
	if c.GeminiBackend == "vertex" {
		return c.GoogleCloudProject != ""
	}
	return c.GeminiAPIKey != ""
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
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
