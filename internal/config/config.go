package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice agent service.
type Config struct {
	BindAddr         string
	PublicBaseURL    string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	// Language model backend.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	LLMTimeout    time.Duration

	// Speech-to-text provider.
	WhisperAPIURL        string
	WhisperModel         string
	WhisperLanguage      string
	TranscribeTimeout    time.Duration
	TranscribeAttempts   int
	TranscribeBackoff    time.Duration
	TranscribeBackoffCap time.Duration
	MaxAudioBytes        int

	// Speech synthesis provider.
	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	ElevenLabsVoice   string
	ElevenLabsModel   string
	SynthTimeout      time.Duration
	MaxSpeakTextLen   int

	// Media stream buffering.
	StreamChunkFrames   int
	StreamFlushInterval time.Duration

	// Conversation policy.
	MaxTurns          int
	NoInputRetryLimit int

	// Synthesized clip cache.
	ClipTTL time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicBaseURL:    strings.TrimRight(envTrimmed("APP_PUBLIC_BASE_URL"), "/"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "callai"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("APP_LOG_FORMAT", "json"),
		AllowAnyOrigin:   false,

		OpenAIAPIKey:  envTrimmed("OPENAI_API_KEY"),
		OpenAIBaseURL: envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),

		WhisperAPIURL:   envOrDefault("WHISPER_API_URL", "https://api.openai.com/v1/audio/transcriptions"),
		WhisperModel:    envOrDefault("WHISPER_MODEL", "whisper-1"),
		WhisperLanguage: envOrDefault("WHISPER_LANGUAGE", "en"),

		ElevenLabsAPIKey:  envTrimmed("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL: envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsVoice:   envOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModel:   envOrDefault("ELEVENLABS_MODEL_ID", "eleven_flash_v2_5"),

		DatabaseURL: envTrimmed("DATABASE_URL"),

		ShutdownTimeout:      15 * time.Second,
		LLMTimeout:           20 * time.Second,
		TranscribeTimeout:    15 * time.Second,
		TranscribeAttempts:   3,
		TranscribeBackoff:    250 * time.Millisecond,
		TranscribeBackoffCap: 4 * time.Second,
		MaxAudioBytes:        10 << 20,
		SynthTimeout:         12 * time.Second,
		MaxSpeakTextLen:      2000,
		StreamChunkFrames:    50,
		StreamFlushInterval:  2 * time.Second,
		MaxTurns:             10,
		NoInputRetryLimit:    2,
		ClipTTL:              5 * time.Minute,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LLMTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TranscribeTimeout, err = durationFromEnv("TRANSCRIBE_TIMEOUT", cfg.TranscribeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TranscribeBackoff, err = durationFromEnv("TRANSCRIBE_BACKOFF_BASE", cfg.TranscribeBackoff); err != nil {
		return Config{}, err
	}
	if cfg.TranscribeBackoffCap, err = durationFromEnv("TRANSCRIBE_BACKOFF_CAP", cfg.TranscribeBackoffCap); err != nil {
		return Config{}, err
	}
	if cfg.SynthTimeout, err = durationFromEnv("SYNTH_TIMEOUT", cfg.SynthTimeout); err != nil {
		return Config{}, err
	}
	if cfg.StreamFlushInterval, err = durationFromEnv("STREAM_FLUSH_INTERVAL", cfg.StreamFlushInterval); err != nil {
		return Config{}, err
	}
	if cfg.ClipTTL, err = durationFromEnv("CLIP_TTL", cfg.ClipTTL); err != nil {
		return Config{}, err
	}
	if cfg.TranscribeAttempts, err = intFromEnv("TRANSCRIBE_MAX_ATTEMPTS", cfg.TranscribeAttempts); err != nil {
		return Config{}, err
	}
	if cfg.MaxAudioBytes, err = intFromEnv("TRANSCRIBE_MAX_AUDIO_BYTES", cfg.MaxAudioBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxSpeakTextLen, err = intFromEnv("SYNTH_MAX_TEXT_LEN", cfg.MaxSpeakTextLen); err != nil {
		return Config{}, err
	}
	if cfg.StreamChunkFrames, err = intFromEnv("STREAM_CHUNK_FRAMES", cfg.StreamChunkFrames); err != nil {
		return Config{}, err
	}
	if cfg.MaxTurns, err = intFromEnv("CONVERSATION_MAX_TURNS", cfg.MaxTurns); err != nil {
		return Config{}, err
	}
	if cfg.NoInputRetryLimit, err = intFromEnv("CONVERSATION_NO_INPUT_RETRIES", cfg.NoInputRetryLimit); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if cfg.StreamChunkFrames <= 0 {
		return Config{}, fmt.Errorf("STREAM_CHUNK_FRAMES must be positive")
	}
	if cfg.StreamFlushInterval < 500*time.Millisecond {
		return Config{}, fmt.Errorf("STREAM_FLUSH_INTERVAL must be at least 500ms")
	}
	if cfg.TranscribeAttempts < 1 {
		return Config{}, fmt.Errorf("TRANSCRIBE_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.MaxAudioBytes <= 0 {
		return Config{}, fmt.Errorf("TRANSCRIBE_MAX_AUDIO_BYTES must be positive")
	}
	if cfg.MaxTurns <= 0 {
		return Config{}, fmt.Errorf("CONVERSATION_MAX_TURNS must be positive")
	}
	if cfg.NoInputRetryLimit < 0 {
		return Config{}, fmt.Errorf("CONVERSATION_NO_INPUT_RETRIES must be >= 0")
	}
	if cfg.MaxSpeakTextLen <= 0 {
		return Config{}, fmt.Errorf("SYNTH_MAX_TEXT_LEN must be positive")
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

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
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
	v := envTrimmed(key)
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
	v := strings.ToLower(envTrimmed(key))
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
