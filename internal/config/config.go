// Package config provides the configuration schema, loader, and device
// backend registry for the jarvis voice client.
package config

import (
	"fmt"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultURL             = "ws://localhost:8000/ws"
	DefaultDialTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultCaptureInterval = 100 * time.Millisecond
	DefaultCaptureBackend  = "malgo"
	DefaultPlaybackBackend = "oto"
	DefaultHighWater       = 64
	DefaultServiceName     = "jarvis"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ServerConfig describes the assistant backend connection and logging.
type ServerConfig struct {
	// URL is the WebSocket endpoint of the assistant backend.
	URL string `yaml:"url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WriteTimeout bounds every outbound frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReadLimit caps the size of one inbound frame in bytes. Zero keeps the
	// transport default.
	ReadLimit int64 `yaml:"read_limit"`
}

// CaptureConfig configures the microphone side.
type CaptureConfig struct {
	// Backend selects the registered capture device ("malgo", "wavfile").
	Backend string `yaml:"backend"`

	// Formats is the encoder preference list, best first. Empty means the
	// built-in order (opus, then wav).
	Formats []string `yaml:"formats"`

	// Fallback is tried after every preferred format failed.
	Fallback string `yaml:"fallback"`

	// Interval is the chunk cadence.
	Interval time.Duration `yaml:"interval"`

	// SampleRate and Channels describe the PCM requested from the device.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// Options holds backend-specific values, e.g. "path" for wavfile.
	Options map[string]any `yaml:"options"`
}

// PlaybackConfig configures the speaker side.
type PlaybackConfig struct {
	// Backend selects the registered playback platform ("oto", "wavfile").
	Backend string `yaml:"backend"`

	// Decoder names the inbound audio format. "auto" sniffs every chunk.
	Decoder string `yaml:"decoder"`

	// HighWater is the queued-buffer count that logs a capacity warning.
	HighWater int `yaml:"high_water"`

	// SampleRate and Channels describe the output format.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// Options holds backend-specific values.
	Options map[string]any `yaml:"options"`
}

// TelemetryConfig configures the local observability endpoint.
type TelemetryConfig struct {
	// ListenAddr serves /metrics, /healthz and /readyz. Empty disables the
	// endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// ServiceName is reported as the OTel service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}

// ReconnectConfig enables automatic re-dialing after a dropped connection.
type ReconnectConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ApplyDefaults fills zero values with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.URL == "" {
		cfg.Server.URL = DefaultURL
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.DialTimeout == 0 {
		cfg.Server.DialTimeout = DefaultDialTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = DefaultCaptureBackend
	}
	if cfg.Capture.Interval == 0 {
		cfg.Capture.Interval = DefaultCaptureInterval
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = 16000
	}
	if cfg.Capture.Channels == 0 {
		cfg.Capture.Channels = 1
	}
	if cfg.Playback.Backend == "" {
		cfg.Playback.Backend = DefaultPlaybackBackend
	}
	if cfg.Playback.Decoder == "" {
		cfg.Playback.Decoder = "auto"
	}
	if cfg.Playback.HighWater == 0 {
		cfg.Playback.HighWater = DefaultHighWater
	}
	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = 24000
	}
	if cfg.Playback.Channels == 0 {
		cfg.Playback.Channels = 1
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// ── Backend options ───────────────────────────────────────────────────────────

// OptionString returns opts[key] as a string, or def when absent.
func OptionString(opts map[string]any, key, def string) (string, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config: option %q must be a string, got %T", key, v)
	}
	return s, nil
}

// OptionBool returns opts[key] as a bool, or def when absent.
func OptionBool(opts map[string]any, key string, def bool) (bool, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("config: option %q must be a boolean, got %T", key, v)
	}
	return b, nil
}

// OptionDuration returns opts[key] parsed as a duration string such as
// "20ms", or def when absent.
func OptionDuration(opts map[string]any, key string, def time.Duration) (time.Duration, error) {
	s, err := OptionString(opts, key, "")
	if err != nil || s == "" {
		return def, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: option %q: %w", key, err)
	}
	return d, nil
}
