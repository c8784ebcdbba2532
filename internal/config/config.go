package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Speech     SpeechConfig     `yaml:"speech"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Capture    CaptureConfig    `yaml:"capture"`
	Session    SessionConfig    `yaml:"session"`
	Feedback   FeedbackConfig   `yaml:"feedback"`
	Sentiment  SentimentConfig  `yaml:"sentiment"`
	Redis      RedisConfig      `yaml:"redis"`
	Scenarios  ScenarioConfig   `yaml:"scenarios"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains the public API server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MetricsConfig contains the Prometheus listener configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// SpeechConfig contains the remote speech service configuration. The API
// key is never read from YAML; it comes from the environment so it cannot
// end up in a checked-in config file.
type SpeechConfig struct {
	TokenURL   string `yaml:"token_url"`
	EndURL     string `yaml:"end_url"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	APIKey     string `yaml:"-"`
}

// TranscriptConfig contains reconciliation tuning parameters.
type TranscriptConfig struct {
	OverlapWindow int `yaml:"overlap_window"`
}

// CaptureConfig contains audio intake parameters.
type CaptureConfig struct {
	ChunkInterval Duration   `yaml:"chunk_interval"`
	StallGraces   []Duration `yaml:"stall_graces"`
	Formats       []string   `yaml:"formats"`
}

// SessionConfig contains session state machine parameters.
type SessionConfig struct {
	FinalizeFallbacks []Duration `yaml:"finalize_fallbacks"`
	ConnectTimeout    Duration   `yaml:"connect_timeout"`
	EventLogDir       string     `yaml:"event_log_dir"`
}

// FeedbackConfig contains the feedback collaborator configuration.
type FeedbackConfig struct {
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
	APIKey  string   `yaml:"-"`
}

// SentimentConfig contains the sentiment collaborator configuration.
type SentimentConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	Threshold    float64  `yaml:"threshold"`
	PollInterval Duration `yaml:"poll_interval"`
	Timeout      Duration `yaml:"timeout"`
	JobTTL       Duration `yaml:"job_ttl"`
}

// RedisConfig contains the Redis connection configuration.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ScenarioConfig points at the scenario catalog file.
type ScenarioConfig struct {
	CatalogPath string `yaml:"catalog_path"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, applies defaults, overlays
// environment secrets and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.overlayEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns a configuration populated with working defaults for
// everything except endpoints and secrets.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9091",
		},
		Speech: SpeechConfig{
			Language:   "en",
			SampleRate: 16000,
		},
		Transcript: TranscriptConfig{
			OverlapWindow: 3,
		},
		Capture: CaptureConfig{
			ChunkInterval: Duration(250 * time.Millisecond),
			StallGraces: []Duration{
				Duration(500 * time.Millisecond),
				Duration(1000 * time.Millisecond),
				Duration(2000 * time.Millisecond),
			},
			Formats: []string{
				"audio/webm",
				"audio/webm;codecs=opus",
				"audio/ogg;codecs=opus",
				"audio/wav",
			},
		},
		Session: SessionConfig{
			FinalizeFallbacks: []Duration{
				Duration(2 * time.Second),
				Duration(3 * time.Second),
				Duration(4 * time.Second),
			},
			ConnectTimeout: Duration(5 * time.Second),
		},
		Feedback: FeedbackConfig{
			Model:   "gpt-4o-mini",
			Timeout: Duration(30 * time.Second),
		},
		Sentiment: SentimentConfig{
			Threshold:    0.2,
			PollInterval: Duration(500 * time.Millisecond),
			Timeout:      Duration(20 * time.Second),
			JobTTL:       Duration(15 * time.Minute),
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "speakcoach:",
		},
		Scenarios: ScenarioConfig{
			CatalogPath: "config/scenarios.yaml",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// overlayEnv pulls secrets from the process environment.
func (c *Config) overlayEnv() {
	if v := os.Getenv("SPEECH_API_KEY"); v != "" {
		c.Speech.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Feedback.APIKey = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Speech.TokenURL == "" {
		return fmt.Errorf("speech token_url is required")
	}
	if c.Speech.EndURL == "" {
		return fmt.Errorf("speech end_url is required")
	}
	if c.Speech.APIKey == "" {
		return fmt.Errorf("SPEECH_API_KEY must be set")
	}
	if c.Feedback.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if c.Sentiment.Endpoint == "" {
		return fmt.Errorf("sentiment endpoint is required")
	}
	if c.Transcript.OverlapWindow < 1 {
		return fmt.Errorf("transcript overlap_window must be at least 1, got %d", c.Transcript.OverlapWindow)
	}
	if c.Sentiment.Threshold < 0 || c.Sentiment.Threshold > 1 {
		return fmt.Errorf("sentiment threshold must be within [0, 1], got %f", c.Sentiment.Threshold)
	}
	if len(c.Capture.StallGraces) == 0 {
		return fmt.Errorf("capture stall_graces must not be empty")
	}
	if len(c.Session.FinalizeFallbacks) == 0 {
		return fmt.Errorf("session finalize_fallbacks must not be empty")
	}
	if len(c.Capture.Formats) == 0 {
		return fmt.Errorf("capture formats must not be empty")
	}
	return nil
}
