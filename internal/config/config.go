package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/arnavgupta00/singer-selection/internal/capture"
)

// Environment variables that override file values
const (
	EnvEvaluationEndpoint = "SINGEVAL_EVALUATION_ENDPOINT"
	EnvLogLevel           = "SINGEVAL_LOG_LEVEL"
	EnvHTTPPort           = "SINGEVAL_HTTP_PORT"
)

// Device kinds
const (
	DeviceCommand   = "command"
	DevicePortAudio = "portaudio"
)

// Config represents the complete service configuration
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Device     DeviceConfig     `yaml:"device"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HTTPConfig contains HTTP control API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// DeviceConfig contains capture device configuration
type DeviceConfig struct {
	Kind            string   `yaml:"kind"`
	Command         []string `yaml:"command"`
	ChunkSize       int      `yaml:"chunk_size"`      // bytes
	ProbeTimeout    int      `yaml:"probe_timeout"`   // seconds
	ReleaseTimeout  int      `yaml:"release_timeout"` // seconds
	SampleRate      int      `yaml:"sample_rate"`
	Channels        int      `yaml:"channels"`
	FramesPerBuffer int      `yaml:"frames_per_buffer"`
}

// EvaluationConfig contains evaluation service configuration
type EvaluationConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Timeout     int    `yaml:"timeout"` // seconds
	FieldName   string `yaml:"field_name"`
	FileName    string `yaml:"file_name"`
	ContentType string `yaml:"content_type"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for any value the file omits
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Device: DeviceConfig{
			Kind:            DeviceCommand,
			Command:         append([]string(nil), capture.DefaultRecorderCommand...),
			ChunkSize:       capture.DefaultChunkSize,
			ProbeTimeout:    10,
			ReleaseTimeout:  5,
			SampleRate:      48000,
			Channels:        1,
			FramesPerBuffer: 1024,
		},
		Evaluation: EvaluationConfig{
			Endpoint:    "http://localhost:8000/evaluate",
			Timeout:     60,
			FieldName:   "file",
			FileName:    "recording.webm",
			ContentType: "audio/webm",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, applies environment
// overrides and validates the result. An empty path uses defaults only.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment override failed: %w", err)
	}

	config.applyDeviceDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDeviceDefaults switches the upload file to WAV for PortAudio capture
// unless the file name or content type were configured explicitly.
func (c *Config) applyDeviceDefaults() {
	defaults := Default().Evaluation
	if c.Device.Kind != DevicePortAudio {
		return
	}
	if c.Evaluation.FileName == defaults.FileName && c.Evaluation.ContentType == defaults.ContentType {
		c.Evaluation.FileName = "recording.wav"
		c.Evaluation.ContentType = "audio/wav"
	}
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	return nil
}

// ApplyEnv overrides values from SINGEVAL_* environment variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvEvaluationEndpoint); v != "" {
		c.Evaluation.Endpoint = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	if v := os.Getenv(EnvHTTPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", EnvHTTPPort, v)
		}
		c.HTTP.Port = port
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}

	if err := c.Evaluation.Validate(); err != nil {
		return fmt.Errorf("evaluation config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates device configuration
func (d *DeviceConfig) Validate() error {
	switch d.Kind {
	case DeviceCommand:
		if len(d.Command) == 0 || d.Command[0] == "" {
			return fmt.Errorf("command cannot be empty for kind %q", DeviceCommand)
		}
	case DevicePortAudio:
		if d.SampleRate < 8000 || d.SampleRate > 192000 {
			return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", d.SampleRate)
		}

		if d.Channels < 1 || d.Channels > 2 {
			return fmt.Errorf("channels must be 1 or 2, got %d", d.Channels)
		}

		if d.FramesPerBuffer < 64 {
			return fmt.Errorf("frames_per_buffer must be at least 64, got %d", d.FramesPerBuffer)
		}
	default:
		return fmt.Errorf("kind must be '%s' or '%s', got '%s'", DeviceCommand, DevicePortAudio, d.Kind)
	}

	if d.ChunkSize < 256 {
		return fmt.Errorf("chunk_size must be at least 256 bytes, got %d", d.ChunkSize)
	}

	if d.ProbeTimeout < 0 {
		return fmt.Errorf("probe_timeout cannot be negative, got %d", d.ProbeTimeout)
	}

	if d.ReleaseTimeout < 1 {
		return fmt.Errorf("release_timeout must be at least 1 second, got %d", d.ReleaseTimeout)
	}

	return nil
}

// Validate validates evaluation configuration
func (e *EvaluationConfig) Validate() error {
	if e.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	u, err := url.Parse(e.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint must be an absolute http(s) URL, got '%s'", e.Endpoint)
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.FieldName == "" {
		return fmt.Errorf("field_name cannot be empty")
	}

	if e.FileName == "" {
		return fmt.Errorf("file_name cannot be empty")
	}

	if !strings.Contains(e.ContentType, "/") {
		return fmt.Errorf("content_type must be a MIME type, got '%s'", e.ContentType)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path.
	return nil
}

// GetProbeTimeoutDuration returns the device probe timeout as a time.Duration
func (d *DeviceConfig) GetProbeTimeoutDuration() time.Duration {
	return time.Duration(d.ProbeTimeout) * time.Second
}

// GetReleaseTimeoutDuration returns the device release timeout as a time.Duration
func (d *DeviceConfig) GetReleaseTimeoutDuration() time.Duration {
	return time.Duration(d.ReleaseTimeout) * time.Second
}

// GetTimeoutDuration returns the evaluation timeout as a time.Duration
func (e *EvaluationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}
