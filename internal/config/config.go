package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Server holds all configuration for the conversation API server
type Server struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"3001"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"50051"` // gRPC health service

	// OpenAI configuration (chat, speech synthesis, transcription)
	OpenAIAPIKey          string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIChatModel       string `envconfig:"OPENAI_CHAT_MODEL" default:"gpt-4o-mini"`
	OpenAITTSModel        string `envconfig:"OPENAI_TTS_MODEL" default:"tts-1"`
	OpenAITTSVoice        string `envconfig:"OPENAI_TTS_VOICE" default:"alloy"`
	OpenAITranscribeModel string `envconfig:"OPENAI_TRANSCRIBE_MODEL" default:"whisper-1"`
	ChatMaxTokens         int    `envconfig:"CHAT_MAX_TOKENS" default:"250"`

	// Deepgram live recognition (keyword spotting bridge). Optional; /api/listen is disabled without a key.
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`

	// Uploads
	MaxUploadBytes int64 `envconfig:"MAX_UPLOAD_BYTES" default:"26214400"` // 25 MiB

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Client holds all configuration for the lexy terminal client
type Client struct {
	// Conversation API base URL (transcribe, chat, tts, listen)
	APIURL string `envconfig:"LEXY_API_URL" default:"http://localhost:3001"`

	// Proficiency level passed through to chat requests
	Level string `envconfig:"LEXY_LEVEL" default:"intermediate"`

	// End-of-utterance detection
	KeywordSpotting bool `envconfig:"LEXY_KEYWORD_SPOTTING" default:"true"`
	SilenceAutoStop bool `envconfig:"LEXY_SILENCE_AUTO_STOP" default:"false"`
	// Frames of quiet after speech before the silence trigger fires (20ms frames)
	SilenceFrames      int     `envconfig:"LEXY_SILENCE_FRAMES" default:"75"`
	VADEnergyThreshold float64 `envconfig:"LEXY_VAD_ENERGY_THRESHOLD" default:"500.0"`

	// Keyword recognition restart bounds
	KeywordMaxRestarts    int `envconfig:"LEXY_KEYWORD_MAX_RESTARTS" default:"5"`
	KeywordRestartBackoff int `envconfig:"LEXY_KEYWORD_RESTART_BACKOFF" default:"250"` // milliseconds

	// Platform media tools
	FFmpegCommand    string `envconfig:"LEXY_FFMPEG" default:"ffmpeg"`
	FFplayCommand    string `envconfig:"LEXY_FFPLAY" default:"ffplay"`
	InputFormat      string `envconfig:"LEXY_INPUT_FORMAT" default:"pulse"`
	InputDevice      string `envconfig:"LEXY_INPUT_DEVICE" default:"default"`
	SampleRate       int    `envconfig:"LEXY_SAMPLE_RATE" default:"16000"`
	MinRecordingSize int    `envconfig:"LEXY_MIN_RECORDING_BYTES" default:"1000"`

	// Per outstanding network call
	CallTimeout int `envconfig:"LEXY_CALL_TIMEOUT" default:"30"` // seconds

	// Transport resilience
	CircuitBreakerMaxFailures  int `envconfig:"LEXY_CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"LEXY_CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"LEXY_RETRY_MAX_ATTEMPTS" default:"2"`
	RetryInitialBackoff        int `envconfig:"LEXY_RETRY_INITIAL_BACKOFF" default:"200"` // milliseconds

	// Observability configuration
	LogLevel    string `envconfig:"LEXY_LOG_LEVEL" default:"info"`
	LogFile     string `envconfig:"LEXY_LOG_FILE" default:"lexy.log"`
	MetricsAddr string `envconfig:"LEXY_METRICS_ADDR" default:""` // empty disables the metrics listener
}

// CallTimeoutDuration returns the per-call timeout
func (c *Client) CallTimeoutDuration() time.Duration {
	return time.Duration(c.CallTimeout) * time.Second
}

// Load reads server configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Server, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads server configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Server, error) {
	var cfg Server
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}

	return &cfg, nil
}

// LoadClient reads client configuration from .env and the environment
func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	var cfg Client
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks client values that flags may have overridden
func (c *Client) Validate() error {
	switch c.Level {
	case "beginner", "intermediate", "advanced":
	default:
		return fmt.Errorf("unknown level %q (want beginner, intermediate or advanced)", c.Level)
	}
	if c.APIURL == "" {
		return fmt.Errorf("LEXY_API_URL is required")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("LEXY_SAMPLE_RATE must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("LEXY_CALL_TIMEOUT must be positive")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
