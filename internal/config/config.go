package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voxbridge service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	ModelWSURL       string
	ModelAuthToken   string
	HandshakeTimeout time.Duration

	MaxTokens   int
	Temperature float64
	TopP        float64
	VoiceID     string

	AudioQueueCapacity int
	AudioDrainBatch    int

	SessionCloseTimeout      time.Duration
	SessionFlushDelay        time.Duration
	SessionInactivityTimeout time.Duration
	ToolTimeout              time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voxbridge"),
		AllowAnyOrigin:   false,
		ModelWSURL:       envOrDefault("MODEL_WS_URL", "ws://127.0.0.1:9090/stream"),
		ModelAuthToken:   stringsTrimSpace("MODEL_AUTH_TOKEN"),
		VoiceID:          envOrDefault("MODEL_VOICE_ID", "matthew"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),

		MaxTokens:   1024,
		Temperature: 0.7,
		TopP:        0.9,

		AudioQueueCapacity: 200,
		AudioDrainBatch:    5,

		ShutdownTimeout:          15 * time.Second,
		HandshakeTimeout:         4 * time.Second,
		SessionCloseTimeout:      5 * time.Second,
		SessionFlushDelay:        300 * time.Millisecond,
		SessionInactivityTimeout: 2 * time.Minute,
		ToolTimeout:              10 * time.Second,
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
	cfg.HandshakeTimeout, err = durationFromEnv("MODEL_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTokens, err = intFromEnv("MODEL_MAX_TOKENS", cfg.MaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("MODEL_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.TopP, err = floatFromEnv("MODEL_TOP_P", cfg.TopP)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioQueueCapacity, err = intFromEnv("AUDIO_QUEUE_CAPACITY", cfg.AudioQueueCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioDrainBatch, err = intFromEnv("AUDIO_DRAIN_BATCH", cfg.AudioDrainBatch)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCloseTimeout, err = durationFromEnv("SESSION_CLOSE_TIMEOUT", cfg.SessionCloseTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionFlushDelay, err = durationFromEnv("SESSION_FLUSH_DELAY", cfg.SessionFlushDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolTimeout, err = durationFromEnv("TOOL_TIMEOUT", cfg.ToolTimeout)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.ModelWSURL) == "" {
		return Config{}, fmt.Errorf("MODEL_WS_URL must not be empty")
	}
	if cfg.MaxTokens <= 0 {
		return Config{}, fmt.Errorf("MODEL_MAX_TOKENS must be positive")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return Config{}, fmt.Errorf("MODEL_TEMPERATURE must be in [0, 2]")
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		return Config{}, fmt.Errorf("MODEL_TOP_P must be in (0, 1]")
	}
	if cfg.AudioQueueCapacity <= 0 {
		return Config{}, fmt.Errorf("AUDIO_QUEUE_CAPACITY must be positive")
	}
	if cfg.AudioDrainBatch <= 0 {
		return Config{}, fmt.Errorf("AUDIO_DRAIN_BATCH must be positive")
	}
	if cfg.SessionCloseTimeout < time.Second {
		return Config{}, fmt.Errorf("SESSION_CLOSE_TIMEOUT must be at least 1s")
	}
	if cfg.SessionFlushDelay <= 0 || cfg.SessionFlushDelay >= cfg.SessionCloseTimeout {
		return Config{}, fmt.Errorf("SESSION_FLUSH_DELAY must be positive and below SESSION_CLOSE_TIMEOUT")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("TOOL_TIMEOUT must be positive")
	}

	return cfg, nil
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
