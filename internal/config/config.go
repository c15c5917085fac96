package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the watcher and the simulation
// backend. Both binaries load the same struct; each reads the keys it needs.
type Config struct {
	APIBaseURL       string
	MetricsAddr      string
	MetricsNamespace string

	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
	DialTimeout          time.Duration
	PollTimeout          time.Duration

	BindAddr        string
	ShutdownTimeout time.Duration
	AllowAnyOrigin  bool
	ChapterInterval time.Duration
	DatabaseURL     string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		APIBaseURL:           envOrDefault("NOVELWATCH_API_URL", "http://127.0.0.1:8701"),
		MetricsAddr:          trimEnv("NOVELWATCH_METRICS_ADDR"),
		MetricsNamespace:     envOrDefault("NOVELWATCH_METRICS_NAMESPACE", "novelwatch"),
		BindAddr:             envOrDefault("ANALYSISD_BIND_ADDR", ":8701"),
		DatabaseURL:          trimEnv("DATABASE_URL"),
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxAttempts: 5,
		DialTimeout:          4 * time.Second,
		PollTimeout:          10 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		ChapterInterval:      2 * time.Second,
		AllowAnyOrigin:       false,
	}

	var err error
	cfg.ReconnectBaseDelay, err = durationFromEnv("NOVELWATCH_RECONNECT_BASE_DELAY", cfg.ReconnectBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMaxAttempts, err = intFromEnv("NOVELWATCH_RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.DialTimeout, err = durationFromEnv("NOVELWATCH_DIAL_TIMEOUT", cfg.DialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PollTimeout, err = durationFromEnv("NOVELWATCH_POLL_TIMEOUT", cfg.PollTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("ANALYSISD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ChapterInterval, err = durationFromEnv("ANALYSISD_CHAPTER_INTERVAL", cfg.ChapterInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("ANALYSISD_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return Config{}, fmt.Errorf("NOVELWATCH_API_URL must not be empty")
	}
	if cfg.ReconnectBaseDelay <= 0 {
		return Config{}, fmt.Errorf("NOVELWATCH_RECONNECT_BASE_DELAY must be positive")
	}
	if cfg.ReconnectMaxAttempts < 0 {
		return Config{}, fmt.Errorf("NOVELWATCH_RECONNECT_MAX_ATTEMPTS must be >= 0")
	}
	if cfg.ChapterInterval <= 0 {
		return Config{}, fmt.Errorf("ANALYSISD_CHAPTER_INTERVAL must be positive")
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

func trimEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimEnv(key)
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
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimEnv(key))
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
