package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice orchestrator, read
// from the canonical environment variables named in spec §6/§9.
type Config struct {
	Host string
	Port int

	ModelPath  string
	SampleRate int

	LLMProvider     string
	LLMBaseURL      string
	LLMAPIKey       string
	LLMModel        string
	LLMMaxTokens    int
	LLMTemperature  float64

	TTSProvider string
	TTSBaseURL  string
	TTSAPIKey   string
	TTSVoice    string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTBypass   bool

	ControlURL string
	InternalKey string

	FrameMs             int
	VADMode             int
	EarlyPauseMs        int
	FinalPauseMs        int
	PartialRateLimitMs  int

	BargeInEnabled          bool
	BargeInMinVoiceMs       int
	BargeInCooldownMs       int
	BargeInIgnoreAfterTTSMs int
	BargeInArmSilenceMs     int

	ASRWarmupMs int

	HealthPort            int
	SessionTTLAfterEnd    time.Duration
	MetricsNamespace      string
	ShutdownTimeout       time.Duration
	AllowAnyOrigin        bool

	DatabaseURL string
}

// Load reads environment variables and applies the spec's documented
// defaults.
func Load() (Config, error) {
	cfg := Config{
		Host: envOrDefault("HOST", "0.0.0.0"),

		ModelPath:  envOrDefault("MODEL_PATH", ""),
		SampleRate: 16000,

		LLMProvider:    envOrDefault("LLM_PROVIDER", "openai"),
		LLMBaseURL:     envOrDefault("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:      stringsTrimSpace("LLM_API_KEY"),
		LLMModel:       envOrDefault("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   512,
		LLMTemperature: 0.7,

		TTSProvider: envOrDefault("TTS_PROVIDER", "local"),
		TTSBaseURL:  envOrDefault("TTS_BASE_URL", ""),
		TTSAPIKey:   stringsTrimSpace("TTS_API_KEY"),
		TTSVoice:    envOrDefault("TTS_VOICE", "default"),

		JWTSecret:   stringsTrimSpace("VOICE_JWT_SECRET"),
		JWTIssuer:   envOrDefault("VOICE_JWT_ISSUER", "voiced"),
		JWTAudience: envOrDefault("VOICE_JWT_AUDIENCE", "voice-ws"),

		ControlURL:  stringsTrimSpace("VOICE_CONTROL_URL"),
		InternalKey: stringsTrimSpace("VOICE_INTERNAL_KEY"),

		FrameMs:            20,
		VADMode:            2,
		EarlyPauseMs:       350,
		FinalPauseMs:       800,
		PartialRateLimitMs: 150,

		BargeInEnabled:          true,
		BargeInMinVoiceMs:       1000,
		BargeInCooldownMs:       2000,
		BargeInIgnoreAfterTTSMs: 500,
		BargeInArmSilenceMs:     1000,

		ASRWarmupMs: 200,

		HealthPort:       8081,
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voiced"),
		ShutdownTimeout:  15 * time.Second,

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	cfg.Port, err = intFromEnv("PORT", 8080)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMMaxTokens, err = intFromEnv("MAX_TOKENS", cfg.LLMMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMTemperature, err = floatFromEnv("TEMPERATURE", cfg.LLMTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.JWTBypass, err = boolFromEnv("VOICE_JWT_BYPASS", cfg.JWTSecret == "")
	if err != nil {
		return Config{}, err
	}
	cfg.FrameMs, err = intFromEnv("FRAME_MS", cfg.FrameMs)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMode, err = intFromEnv("VAD_MODE", cfg.VADMode)
	if err != nil {
		return Config{}, err
	}
	cfg.EarlyPauseMs, err = intFromEnv("EARLY_PAUSE_MS", cfg.EarlyPauseMs)
	if err != nil {
		return Config{}, err
	}
	cfg.FinalPauseMs, err = intFromEnv("FINAL_PAUSE_MS", cfg.FinalPauseMs)
	if err != nil {
		return Config{}, err
	}
	cfg.PartialRateLimitMs, err = intFromEnv("PARTIAL_RATE_LIMIT_MS", cfg.PartialRateLimitMs)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInEnabled, err = boolFromEnv("BARGE_IN_ENABLED", cfg.BargeInEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInMinVoiceMs, err = intFromEnv("BARGE_IN_MIN_VOICE_MS", cfg.BargeInMinVoiceMs)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInCooldownMs, err = intFromEnv("BARGE_IN_COOLDOWN_MS", cfg.BargeInCooldownMs)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInIgnoreAfterTTSMs, err = intFromEnv("BARGE_IN_IGNORE_AFTER_TTS_MS", cfg.BargeInIgnoreAfterTTSMs)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInArmSilenceMs, err = intFromEnv("BARGE_IN_ARM_SILENCE_MS", cfg.BargeInArmSilenceMs)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRWarmupMs, err = intFromEnv("ASR_WARMUP_MS", cfg.ASRWarmupMs)
	if err != nil {
		return Config{}, err
	}
	cfg.HealthPort, err = intFromEnv("HEALTH_PORT", cfg.HealthPort)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTLAfterEnd, err = durationFromEnv("SESSION_TTL_AFTER_END", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false)
	if err != nil {
		return Config{}, err
	}

	if cfg.SampleRate != 16000 {
		return Config{}, fmt.Errorf("SAMPLE_RATE must be 16000, got %d", cfg.SampleRate)
	}
	if cfg.FrameMs <= 0 {
		return Config{}, fmt.Errorf("FRAME_MS must be positive")
	}
	if cfg.VADMode < 0 || cfg.VADMode > 3 {
		return Config{}, fmt.Errorf("VAD_MODE must be in 0..3")
	}
	if cfg.HealthPort <= 0 {
		return Config{}, fmt.Errorf("HEALTH_PORT must be positive")
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
