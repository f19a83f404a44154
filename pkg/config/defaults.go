package config

import (
	"time"

	"github.com/marmos91/evtrace/internal/bytesize"
)

// DefaultConfig returns a fully-populated Config with sensible defaults,
// used when no configuration file is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified configuration
// fields. Called after loading from file and environment so explicit values
// are always preserved; only zero values are replaced.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applySessionDefaults(&cfg.Session)
	applyHTTPAPIDefaults(&cfg.HTTPAPI)
	applyIPCDefaults(&cfg.IPC)
	applyS3SinkDefaults(&cfg.S3Sink)
	applySamplerDefaults(&cfg.Sampler)

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

func applyLoggingDefaults(c *LoggingConfig) {
	if c.Level == "" {
		c.Level = "INFO"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stdout"
	}
}

func applyTelemetryDefaults(c *TelemetryConfig) {
	if c.ServiceName == "" {
		c.ServiceName = "evtrace"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "dev"
	}
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
}

func applyMetricsDefaults(c *MetricsConfig) {
	if c.Port == 0 {
		c.Port = 9090
	}
}

func applySessionDefaults(c *SessionDefaultsConfig) {
	if c.CircularBufferSize == 0 {
		// 16MiB, matches the teacher's ring-buffer sizing order of magnitude.
		c.CircularBufferSize = bytesize.ByteSize(16 << 20)
	}
	if c.Format == 0 {
		c.Format = 4
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
}

func applyHTTPAPIDefaults(c *HTTPAPIConfig) {
	if c.Address == "" {
		c.Address = "127.0.0.1:7777"
	}
}

func applyIPCDefaults(c *IPCConfig) {
	if c.SocketPath == "" {
		c.SocketPath = "/tmp/evtrace.sock"
	}
}

func applyS3SinkDefaults(c *S3SinkConfig) {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1000
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.UploadTimeout == 0 {
		c.UploadTimeout = 5 * time.Minute
	}
	if c.PartSize == 0 {
		// 8MiB; S3's multipart minimum part size is 5MiB.
		c.PartSize = bytesize.ByteSize(8 << 20)
	}
}

func applySamplerDefaults(c *SamplerConfig) {
	if c.Interval == 0 && c.Enabled {
		c.Interval = 10 * time.Second
	}
	if len(c.ProfileTypes) == 0 && c.PyroscopeEnabled {
		c.ProfileTypes = []string{"cpu", "alloc_objects", "inuse_objects"}
	}
}
