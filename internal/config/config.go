package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice agent service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// OpenAI configuration. If the API key is unset the server still starts,
	// but every turn short-circuits to UnavailableText (degraded mode).
	OpenAIAPIKey       string  `envconfig:"OPENAI_API_KEY" default:""`
	ChatModel          string  `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`
	TranscribeModel    string  `envconfig:"TRANSCRIBE_MODEL" default:"whisper-1"`
	TranscribeLanguage string  `envconfig:"TRANSCRIBE_LANGUAGE" default:"en"`
	SpeechModel        string  `envconfig:"SPEECH_MODEL" default:"tts-1"`
	SpeechVoice        string  `envconfig:"SPEECH_VOICE" default:"alloy"`
	SystemPrompt       string  `envconfig:"SYSTEM_PROMPT" default:"You are a friendly and helpful voice assistant. Keep replies short, clear, and conversational."`
	MaxReplyTokens     int     `envconfig:"MAX_REPLY_TOKENS" default:"150"`
	Temperature        float64 `envconfig:"TEMPERATURE" default:"0.7"`

	// Audio processing configuration
	SampleRate        int     `envconfig:"SAMPLE_RATE" default:"16000"`       // Capture sample rate in Hz
	VADHardThreshold  float64 `envconfig:"VAD_HARD_THRESHOLD" default:"0.05"` // Instantaneous RMS threshold (normalized)
	VADSoftThreshold  float64 `envconfig:"VAD_SOFT_THRESHOLD" default:"0.02"` // Windowed-average RMS threshold
	VADMinVoiceFrames int     `envconfig:"VAD_MIN_VOICE_FRAMES" default:"5"`  // Consecutive loud frames before voice
	VADWindowSize     int     `envconfig:"VAD_WINDOW_SIZE" default:"12"`      // Sliding RMS window capacity

	// Turn segmentation: transcription triggers on whichever fires first.
	TranscribeMinSamples int           `envconfig:"TRANSCRIBE_MIN_SAMPLES" default:"48000"` // ~3s at 16kHz
	SilenceTimeout       time.Duration `envconfig:"SILENCE_TIMEOUT" default:"4s"`
	TurnTimeout          time.Duration `envconfig:"TURN_TIMEOUT" default:"60s"` // Deadline for one full pipeline turn

	// Welcome utterance (synthesized greeting sent once per call)
	WelcomeEnabled bool          `envconfig:"WELCOME_ENABLED" default:"true"`
	WelcomeText    string        `envconfig:"WELCOME_TEXT" default:"Hello! I'm listening, go ahead and talk to me."`
	WelcomeDelay   time.Duration `envconfig:"WELCOME_DELAY" default:"1s"`

	// Conversation history
	HistoryLimit    int    `envconfig:"HISTORY_LIMIT" default:"20"` // Max entries kept (trimmed in whole pairs)
	UnavailableText string `envconfig:"UNAVAILABLE_TEXT" default:"Sorry, the assistant service is currently unavailable."`

	// Resilience configuration
	BreakerMaxFailures   int           `envconfig:"BREAKER_MAX_FAILURES" default:"5"`
	BreakerResetTimeout  time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff     time.Duration `envconfig:"RECONNECT_BACKOFF" default:"1s"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from a .env file if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file.
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.VADMinVoiceFrames < 1 {
		return nil, fmt.Errorf("VAD_MIN_VOICE_FRAMES must be at least 1")
	}
	if cfg.VADWindowSize < 1 {
		return nil, fmt.Errorf("VAD_WINDOW_SIZE must be at least 1")
	}
	if cfg.TranscribeMinSamples < 1 {
		return nil, fmt.Errorf("TRANSCRIBE_MIN_SAMPLES must be positive")
	}
	if cfg.SilenceTimeout <= 0 {
		return nil, fmt.Errorf("SILENCE_TIMEOUT must be positive")
	}
	if cfg.HistoryLimit < 2 {
		return nil, fmt.Errorf("HISTORY_LIMIT must hold at least one turn")
	}

	return &cfg, nil
}

// Degraded reports whether the service will run without a reply capability.
func (c *Config) Degraded() bool {
	return c.OpenAIAPIKey == ""
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
