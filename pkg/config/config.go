// Package config loads evtrace's process-level configuration: logging,
// telemetry, metrics, the default session policy sessions inherit unless a
// caller overrides it, the optional HTTP control surface, and the optional
// S3 trace-file rotation sink.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (EVTRACE_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Environment variables override only keys that the configuration file
// sets. When no configuration file is found, Load returns DefaultConfig()
// and does not read the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/grafana/pyroscope-go"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/evtrace/internal/bytesize"
	"github.com/marmos91/evtrace/internal/logger"
	"github.com/marmos91/evtrace/internal/telemetry"
)

// Config is the root process configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing of the pipeline
	// itself (not the trace stream it produces).
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout bounds graceful pipeline shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Session holds default session settings (§6.3). ProtocolHelper does
	// not read them: it fills fields a CollectTracing/CollectTracing2
	// command omits with its own built-in defaults.
	Session SessionDefaultsConfig `mapstructure:"session" yaml:"session"`

	// HTTPAPI configures the optional loopback HTTP control surface.
	HTTPAPI HTTPAPIConfig `mapstructure:"http_api" yaml:"http_api"`

	// IPC configures the session-control IPC listener.
	IPC IPCConfig `mapstructure:"ipc" yaml:"ipc"`

	// S3Sink configures the optional S3 trace-file rotation sink.
	S3Sink S3SinkConfig `mapstructure:"s3_sink" yaml:"s3_sink"`

	// Sampler configures the stack-sample profiler adapter.
	Sampler SamplerConfig `mapstructure:"sampler" yaml:"sampler"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format selects "json" or "text" output.
	Format string `mapstructure:"format" validate:"required,oneof=json text" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" yaml:"output,omitempty"`
}

// ToLoggerConfig adapts LoggingConfig to internal/logger's Config shape.
func (c LoggingConfig) ToLoggerConfig() logger.Config {
	return logger.Config{Level: c.Level, Format: c.Format, Output: c.Output}
}

// TelemetryConfig controls OpenTelemetry tracing of pipeline operations.
type TelemetryConfig struct {
	// Enabled controls whether spans are exported.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ServiceName/ServiceVersion are reported to the trace backend and to
	// Pyroscope (for the sampler's profiling adapter).
	ServiceName    string `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling rate, 0.0 to 1.0.
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// ToTelemetryConfig adapts TelemetryConfig to internal/telemetry's Config
// shape.
func (c TelemetryConfig) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Enabled,
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Endpoint:       c.Endpoint,
		Insecure:       c.Insecure,
		SampleRate:     c.SampleRate,
	}
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// SessionDefaultsConfig describes a default trace session (§6.3,
// "environment-driven enablement"). Its fields are loaded and validated
// like any other section; nothing in this module starts a session from
// them, and pipeline initialization does not read them.
type SessionDefaultsConfig struct {
	// Enabled records whether a default session is wanted. No code in this
	// module acts on it.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// CircularBufferSize is each session's per-process buffer budget.
	// Human-readable ("16MiB", "64MB") or a plain byte count.
	CircularBufferSize bytesize.ByteSize `mapstructure:"circular_buffer_size" yaml:"circular_buffer_size"`

	// Format selects the wire format version: 3 (legacy) or 4 (default).
	Format int `mapstructure:"format" validate:"omitempty,oneof=3 4" yaml:"format"`

	// RotationInterval, for file sessions, rotates the trace file on this
	// cadence. Zero disables rotation.
	RotationInterval time.Duration `mapstructure:"rotation_interval" yaml:"rotation_interval"`

	// OutputDir is the directory file-mode sessions write into.
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`

	// Providers is the default provider filter list, as
	// "name:keywords:level" triples (keywords in hex).
	Providers []string `mapstructure:"providers" yaml:"providers"`
}

// HTTPAPIConfig configures the optional loopback HTTP control surface.
type HTTPAPIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// IPCConfig configures the session-control IPC listener.
type IPCConfig struct {
	// SocketPath is the Unix domain socket path the ProtocolHelper's
	// server listens on.
	SocketPath string `mapstructure:"socket_path" validate:"required" yaml:"socket_path"`
}

// S3SinkConfig configures the optional S3 trace-file rotation sink.
type S3SinkConfig struct {
	Enabled                bool              `mapstructure:"enabled" yaml:"enabled"`
	Endpoint               string            `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Region                 string            `mapstructure:"region" yaml:"region"`
	Bucket                 string            `mapstructure:"bucket" validate:"required_if=Enabled true" yaml:"bucket"`
	KeyPrefix              string            `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
	AccessKeyID            string            `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey        string            `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	ForcePathStyle         bool              `mapstructure:"force_path_style" yaml:"force_path_style"`
	DeleteLocalAfterUpload bool              `mapstructure:"delete_local_after_upload" yaml:"delete_local_after_upload"`
	QueueSize              int               `mapstructure:"queue_size" yaml:"queue_size"`
	Workers                int               `mapstructure:"workers" yaml:"workers"`
	UploadTimeout          time.Duration     `mapstructure:"upload_timeout" yaml:"upload_timeout"`
	PartSize               bytesize.ByteSize `mapstructure:"part_size" yaml:"part_size,omitempty"`
}

// SamplerConfig configures the stack-sample profiler adapter.
type SamplerConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	PyroscopeEnabled bool          `mapstructure:"pyroscope_enabled" yaml:"pyroscope_enabled"`
	PyroscopeAddress string        `mapstructure:"pyroscope_address" yaml:"pyroscope_address"`
	ProfileTypes     []string      `mapstructure:"profile_types" yaml:"profile_types"`
}

// ToPyroscopeConfig builds a *pyroscope.Config for pkg/sampler from
// SamplerConfig plus the shared service identity, or nil if the external
// profiler is disabled.
func (c SamplerConfig) ToPyroscopeConfig(serviceName, serviceVersion string) *pyroscope.Config {
	if !c.PyroscopeEnabled {
		return nil
	}
	profileTypes := make([]pyroscope.ProfileType, 0, len(c.ProfileTypes))
	for _, pt := range c.ProfileTypes {
		profileTypes = append(profileTypes, pyroscope.ProfileType(pt))
	}
	return &pyroscope.Config{
		ApplicationName: serviceName,
		ServerAddress:   c.PyroscopeAddress,
		Tags:            map[string]string{"version": serviceVersion},
		ProfileTypes:    profileTypes,
	}
}

// Load loads configuration from file, environment, and defaults; for keys
// the file sets, the environment wins. If no configuration file is found it
// returns DefaultConfig() without reading the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := DefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration, returning a friendlier error when the
// explicitly-named file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in YAML form with restricted permissions.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct tag validation over cfg.
func Validate(cfg *Config) error {
	return structValidator.Struct(cfg)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("EVTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "evtrace")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "evtrace")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
