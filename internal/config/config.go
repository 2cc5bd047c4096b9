package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete lince configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	WebRTC   WebRTCConfig   `yaml:"webrtc"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Stream   StreamConfig   `yaml:"stream"`
	Model    ModelConfig    `yaml:"model"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WebRTCConfig contains peer transport settings
type WebRTCConfig struct {
	STUNServers  []string `yaml:"stun_servers"`
	GracePeriodS int      `yaml:"grace_period_s"` // DISCONNECTED/FAILED dwell before close (seconds)
}

// GracePeriod returns the configured grace period as a duration.
func (w WebRTCConfig) GracePeriod() time.Duration {
	return time.Duration(w.GracePeriodS) * time.Second
}

// PipelineConfig contains sampling and inference dispatch settings
type PipelineConfig struct {
	SampleInterval int `yaml:"sample_interval"` // every Kth frame goes to inference
	Workers        int `yaml:"workers"`         // shared inference pool size
	QueueSize      int `yaml:"queue_size"`      // scheduler task queue bound
}

// StreamConfig contains decoded-frame settings
type StreamConfig struct {
	Width   int  `yaml:"width"`
	Height  int  `yaml:"height"`
	FPS     int  `yaml:"fps"`      // videorate cap, 0 = uncapped
	UseMock bool `yaml:"use_mock"` // synthetic frames instead of GStreamer
}

// ModelConfig contains detection model settings
type ModelConfig struct {
	Path       string  `yaml:"path"`
	FetchURL   string  `yaml:"fetch_url"` // pretrained weights source, "" disables the fetch fallback
	CacheDir   string  `yaml:"cache_dir"`
	Confidence float64 `yaml:"confidence"`
	ORTLibrary string  `yaml:"ort_library"` // onnxruntime shared library, "" = system default
}

// MQTTConfig contains optional broker settings; empty broker disables the emitter
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns a configuration with all documented defaults applied.
func Default() *Config {
	cfg := &Config{}
	fillDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
