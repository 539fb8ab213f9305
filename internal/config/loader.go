package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the built-in backend names per device kind.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = map[string][]string{
	"capture":  {"malgo", "wavfile"},
	"playback": {"oto", "wavfile"},
}

// KnownFormats lists the capture format names with a built-in encoder.
var KnownFormats = []string{"audio/opus", "audio/wav", "audio/l16"}

// KnownDecoders lists the playback decoder names.
var KnownDecoders = []string{"auto", "audio/mpeg", "audio/wav", "audio/opus", "audio/l16"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.URL != "" {
		u, err := url.Parse(cfg.Server.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("server.url: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("server.url %q must use the ws or wss scheme", cfg.Server.URL))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("server.url %q has no host", cfg.Server.URL))
		}
	}
	if cfg.Server.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.dial_timeout %v must not be negative", cfg.Server.DialTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout %v must not be negative", cfg.Server.WriteTimeout))
	}
	if cfg.Server.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("server.read_limit %d must not be negative", cfg.Server.ReadLimit))
	}

	// Capture
	validateBackendName("capture", cfg.Capture.Backend)
	if cfg.Capture.Interval < 0 {
		errs = append(errs, fmt.Errorf("capture.interval %v must not be negative", cfg.Capture.Interval))
	}
	errs = append(errs, validatePCM("capture", cfg.Capture.SampleRate, cfg.Capture.Channels)...)
	for i, f := range cfg.Capture.Formats {
		if !slices.Contains(KnownFormats, f) {
			slog.Warn("capture format has no encoder and will be skipped",
				"index", i,
				"format", f,
				"known", KnownFormats,
			)
		}
	}
	if cfg.Capture.Fallback != "" && !slices.Contains(KnownFormats, cfg.Capture.Fallback) {
		errs = append(errs, fmt.Errorf("capture.fallback %q has no encoder; valid values: %v", cfg.Capture.Fallback, KnownFormats))
	}
	if cfg.Capture.Backend == "wavfile" {
		if p, err := OptionString(cfg.Capture.Options, "path", ""); err != nil || p == "" {
			errs = append(errs, errors.New("capture.options.path is required for the wavfile backend"))
		}
	}

	// Playback
	validateBackendName("playback", cfg.Playback.Backend)
	if cfg.Playback.Decoder != "" && !slices.Contains(KnownDecoders, cfg.Playback.Decoder) {
		errs = append(errs, fmt.Errorf("playback.decoder %q is invalid; valid values: %v", cfg.Playback.Decoder, KnownDecoders))
	}
	if cfg.Playback.HighWater < 0 {
		errs = append(errs, fmt.Errorf("playback.high_water %d must not be negative", cfg.Playback.HighWater))
	}
	errs = append(errs, validatePCM("playback", cfg.Playback.SampleRate, cfg.Playback.Channels)...)
	if cfg.Playback.Backend == "wavfile" {
		if p, err := OptionString(cfg.Playback.Options, "path", ""); err != nil || p == "" {
			errs = append(errs, errors.New("playback.options.path is required for the wavfile backend"))
		}
	}

	// Reconnect
	r := cfg.Reconnect
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must not be negative", r.MaxRetries))
	}
	if r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("reconnect backoff durations must not be negative"))
	}
	if r.Backoff > 0 && r.MaxBackoff > 0 && r.MaxBackoff < r.Backoff {
		errs = append(errs, fmt.Errorf("reconnect.max_backoff %v is shorter than reconnect.backoff %v", r.MaxBackoff, r.Backoff))
	}

	return errors.Join(errs...)
}

func validatePCM(section string, rate, channels int) []error {
	var errs []error
	if rate < 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d must not be negative", section, rate))
	}
	if channels < 0 || channels > 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d is out of range [1, 2]", section, channels))
	}
	return errs
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
