package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8765"`
	AuthToken string `env:"AUTH_TOKEN"`

	// Comma-separated allowed origins; empty allows any.
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Audio capture
	AudioSource      string        `env:"AUDIO_SOURCE" envDefault:"portaudio"` // portaudio, tone, file
	AudioFile        string        `env:"AUDIO_FILE"`
	SampleRate       int           `env:"SAMPLE_RATE" envDefault:"16000"`
	Channels         int           `env:"CHANNELS" envDefault:"1"`
	BlockSize        int           `env:"BLOCK_SIZE" envDefault:"4096"`
	QueueDuration    time.Duration `env:"QUEUE_DURATION" envDefault:"10s"`
	SilenceThreshold float32       `env:"SILENCE_THRESHOLD" envDefault:"0.001"`

	// Engine
	MaxRecordingDuration time.Duration `env:"MAX_RECORDING_DURATION" envDefault:"15m"`
	ModelName            string        `env:"MODEL_NAME" envDefault:"base"`
	WatchdogInterval     time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"1s"`
	WatchdogMargin       time.Duration `env:"WATCHDOG_MARGIN" envDefault:"0s"`
	JobTimeout           time.Duration `env:"JOB_TIMEOUT" envDefault:"5m"`
	DrainTimeout         time.Duration `env:"DRAIN_TIMEOUT" envDefault:"2s"`

	// Transcription
	WhisperURL         string        `env:"WHISPER_URL" envDefault:"http://127.0.0.1:8000/v1/audio/transcriptions"`
	WhisperTimeout     time.Duration `env:"WHISPER_TIMEOUT" envDefault:"120s"`
	WhisperLanguage    string        `env:"WHISPER_LANGUAGE" envDefault:"en"`
	WhisperTemperature float64       `env:"WHISPER_TEMPERATURE" envDefault:"0"`
	WhisperPrompt      string        `env:"WHISPER_PROMPT"`
	WhisperBeamSize    int           `env:"WHISPER_BEAM_SIZE" envDefault:"0"`
	WhisperVADFilter   bool          `env:"WHISPER_VAD_FILTER" envDefault:"false"`
	ChunkDuration      time.Duration `env:"CHUNK_DURATION" envDefault:"60s"`
	ModelWarmup        bool          `env:"MODEL_WARMUP" envDefault:"true"`
	ModelLoadTimeout   time.Duration `env:"MODEL_LOAD_TIMEOUT" envDefault:"5m"`
	PreloadModel       bool          `env:"PRELOAD_MODEL" envDefault:"true"`
	PreprocessAudio    bool          `env:"PREPROCESS_AUDIO" envDefault:"false"`

	// MQTT (optional)
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"whisper-notes"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"whisper-notes"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	// Transcript store (optional)
	DatabaseURL         string        `env:"DATABASE_URL"`
	TranscriptRetention time.Duration `env:"TRANSCRIPT_RETENTION" envDefault:"0s"` // 0 keeps everything

	// Recording archive (optional). With both set, the local dir is primary and
	// S3 the backup.
	ArchiveDir  string `env:"ARCHIVE_DIR"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Prefix    string `env:"S3_PREFIX"`

	// EnvFile is the .env path that was loaded, if any. LiveProvider watches it.
	EnvFile string `env:"-"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	AudioSource string
	AudioFile   string
	ModelName   string
	DatabaseURL string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	loaded := ""
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
		loaded = envFile
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	cfg.EnvFile = loaded

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.AudioSource != "" {
		cfg.AudioSource = overrides.AudioSource
	}
	if overrides.AudioFile != "" {
		cfg.AudioFile = overrides.AudioFile
	}
	if overrides.ModelName != "" {
		cfg.ModelName = overrides.ModelName
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env parsing cannot.
func (c *Config) Validate() error {
	switch strings.ToLower(c.AudioSource) {
	case "portaudio", "tone":
	case "file":
		if c.AudioFile == "" {
			return fmt.Errorf("AUDIO_SOURCE=file requires AUDIO_FILE")
		}
	default:
		return fmt.Errorf("unknown AUDIO_SOURCE %q (want portaudio, tone or file)", c.AudioSource)
	}
	if c.SampleRate <= 0 || c.Channels <= 0 || c.BlockSize <= 0 {
		return fmt.Errorf("SAMPLE_RATE, CHANNELS and BLOCK_SIZE must be positive")
	}
	if c.MaxRecordingDuration <= 0 {
		return fmt.Errorf("MAX_RECORDING_DURATION must be positive, got %s", c.MaxRecordingDuration)
	}
	if c.TranscriptRetention < 0 {
		return fmt.Errorf("TRANSCRIPT_RETENTION must not be negative")
	}
	if c.ModelName == "" {
		return fmt.Errorf("MODEL_NAME must not be empty")
	}
	return nil
}
