package config

import "fmt"

const (
	defaultPort           = 8002
	defaultGracePeriodS   = 10
	defaultSampleInterval = 5
	defaultWorkers        = 2
	defaultQueueSize      = 8
	defaultWidth          = 640
	defaultHeight         = 480
	defaultFPS            = 15
	defaultModelPath      = "models/yolov5s.onnx"
	defaultFetchURL       = "https://github.com/ultralytics/yolov5/releases/download/v7.0/yolov5s.onnx"
	defaultCacheDir       = "models"
	defaultConfidence     = 0.25
	defaultClientID       = "linced"
	defaultTopicPrefix    = "lince"
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Validate checks the configuration and fills unset values with defaults.
func Validate(cfg *Config) error {
	fillDefaults(cfg)

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.SampleInterval < 1 {
		return fmt.Errorf("pipeline.sample_interval must be >= 1, got %d", cfg.Pipeline.SampleInterval)
	}
	if cfg.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.QueueSize < 1 {
		return fmt.Errorf("pipeline.queue_size must be >= 1, got %d", cfg.Pipeline.QueueSize)
	}
	if cfg.Stream.Width <= 0 || cfg.Stream.Height <= 0 {
		return fmt.Errorf("stream.width and stream.height must be > 0, got %dx%d",
			cfg.Stream.Width, cfg.Stream.Height)
	}
	if cfg.Stream.FPS < 0 {
		return fmt.Errorf("stream.fps must be >= 0, got %d", cfg.Stream.FPS)
	}
	if cfg.WebRTC.GracePeriodS < 0 {
		return fmt.Errorf("webrtc.grace_period_s must be >= 0, got %d", cfg.WebRTC.GracePeriodS)
	}
	if cfg.Model.Confidence < 0 || cfg.Model.Confidence > 1 {
		return fmt.Errorf("model.confidence must be in [0, 1], got %v", cfg.Model.Confidence)
	}
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug/info/warn/error, got %q", cfg.Log.Level)
	}

	return nil
}

// fillDefaults sets documented defaults on zero-valued fields.
// Zero is never a meaningful value for these options, except stream.fps
// where 0 means uncapped and is left alone once any stream field is set.
func fillDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if len(cfg.WebRTC.STUNServers) == 0 {
		cfg.WebRTC.STUNServers = append([]string(nil), defaultSTUNServers...)
	}
	if cfg.WebRTC.GracePeriodS == 0 {
		cfg.WebRTC.GracePeriodS = defaultGracePeriodS
	}
	if cfg.Pipeline.SampleInterval == 0 {
		cfg.Pipeline.SampleInterval = defaultSampleInterval
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = defaultWorkers
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = defaultQueueSize
	}
	if cfg.Stream.Width == 0 && cfg.Stream.Height == 0 {
		cfg.Stream.Width = defaultWidth
		cfg.Stream.Height = defaultHeight
		cfg.Stream.FPS = defaultFPS
	}
	if cfg.Model.Path == "" {
		cfg.Model.Path = defaultModelPath
	}
	if cfg.Model.FetchURL == "" {
		cfg.Model.FetchURL = defaultFetchURL
	}
	if cfg.Model.CacheDir == "" {
		cfg.Model.CacheDir = defaultCacheDir
	}
	if cfg.Model.Confidence == 0 {
		cfg.Model.Confidence = defaultConfidence
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = defaultClientID
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = defaultTopicPrefix
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
