package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the conversational gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// Session security.
	APIKey               string
	TokenExpiry          time.Duration
	MaxRequestsPerMinute int
	MaxSessionsPerIP     int

	// Connection supervision.
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration

	// Shared store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Dialogue backend.
	DialogueMode    string
	DialogueBaseURL string
	DialogueAPIKey  string
	DialogueTimeout time.Duration

	// Recognition backend.
	RecognitionMode  string
	DeepgramAPIKey   string
	DeepgramModel    string
	AudioQueueLength int

	// Synthesis backend.
	SynthesisMode     string
	SynthesisURL      string
	SynthesisAPIKey   string
	SynthesisEncoding string
	DefaultVoice      string

	// Per-language voice overrides, keyed by language name (e.g. "ENGLISH").
	VoiceOverrides map[string]string

	// Chat history.
	HistoryTTL  time.Duration
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8001"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "chatagent_ws"),
		APIKey:            trimmedEnv("APP_WS_API_KEY"),
		RedisAddr:         envOrDefault("APP_REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("APP_REDIS_PASSWORD"),
		DialogueMode:      envOrDefault("APP_DIALOGUE_MODE", "auto"),
		DialogueBaseURL:   trimmedEnv("APP_API_BASE_URL"),
		DialogueAPIKey:    trimmedEnv("APP_API_KEY"),
		RecognitionMode:   envOrDefault("APP_RECOGNITION_MODE", "auto"),
		DeepgramAPIKey:    trimmedEnv("DEEPGRAM_API_KEY"),
		DeepgramModel:     envOrDefault("DEEPGRAM_MODEL", "nova-2"),
		SynthesisMode:     envOrDefault("APP_SYNTHESIS_MODE", "auto"),
		SynthesisURL:      trimmedEnv("APP_SYNTHESIS_URL"),
		SynthesisAPIKey:   trimmedEnv("APP_SYNTHESIS_API_KEY"),
		SynthesisEncoding: envOrDefault("APP_SYNTHESIS_ENCODING", "mp3"),
		DefaultVoice:      envOrDefault("APP_SPEECH_VOICE", "en-US-Wavenet-C"),
		DatabaseURL:       trimmedEnv("DATABASE_URL"),

		ShutdownTimeout:      15 * time.Second,
		TokenExpiry:          15 * time.Minute,
		MaxRequestsPerMinute: 30,
		MaxSessionsPerIP:     20,
		IdleTimeout:          10 * time.Minute,
		IdleCheckInterval:    60 * time.Second,
		DialogueTimeout:      60 * time.Second,
		AudioQueueLength:     100,
		HistoryTTL:           24 * time.Hour,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenExpiry, err = secondsFromEnv("APP_SECURITY_TOKEN_EXPIRY_SECONDS", cfg.TokenExpiry)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleTimeout, err = secondsFromEnv("APP_WS_IDLE_TIMEOUT_SECONDS", cfg.IdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleCheckInterval, err = durationFromEnv("APP_WS_IDLE_CHECK_INTERVAL", cfg.IdleCheckInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.DialogueTimeout, err = durationFromEnv("APP_DIALOGUE_TIMEOUT", cfg.DialogueTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryTTL, err = durationFromEnv("APP_HISTORY_TTL", cfg.HistoryTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRequestsPerMinute, err = intFromEnv("APP_CONNECTION_MAX_REQUESTS_PER_MINUTE", cfg.MaxRequestsPerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessionsPerIP, err = intFromEnv("APP_CONNECTION_MAX_SESSIONS_PER_IP", cfg.MaxSessionsPerIP)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioQueueLength, err = intFromEnv("APP_AUDIO_QUEUE_LENGTH", cfg.AudioQueueLength)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("APP_REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.VoiceOverrides = voiceOverridesFromEnv()

	if cfg.TokenExpiry < time.Minute {
		return Config{}, fmt.Errorf("APP_SECURITY_TOKEN_EXPIRY_SECONDS must be at least 60")
	}
	if cfg.MaxRequestsPerMinute <= 0 {
		return Config{}, fmt.Errorf("APP_CONNECTION_MAX_REQUESTS_PER_MINUTE must be positive")
	}
	if cfg.IdleTimeout < cfg.IdleCheckInterval {
		return Config{}, fmt.Errorf("APP_WS_IDLE_TIMEOUT_SECONDS must not be below the idle check interval")
	}
	if cfg.AudioQueueLength <= 0 {
		return Config{}, fmt.Errorf("APP_AUDIO_QUEUE_LENGTH must be positive")
	}

	return cfg, nil
}

// voiceOverridesFromEnv collects APP_SPEECH_VOICE_<LANG> variables, keyed the
// way the language table names languages.
func voiceOverridesFromEnv() map[string]string {
	langs := map[string]string{
		"EN": "ENGLISH",
		"FR": "FRENCH",
		"ES": "SPANISH",
		"DE": "GERMAN",
		"CN": "CHINESE",
		"JP": "JAPANESE",
		"KR": "KOREAN",
		"RU": "RUSSIAN",
	}
	out := make(map[string]string)
	for suffix, name := range langs {
		if v := trimmedEnv("APP_SPEECH_VOICE_" + suffix); v != "" {
			out[name] = v
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

// secondsFromEnv reads a bare integer number of seconds, the unit the
// deployment environment uses for these knobs.
func secondsFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
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
	v := strings.ToLower(trimmedEnv(key))
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
