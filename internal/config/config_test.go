package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  url: wss://assistant.example.com/ws
  log_level: debug
  dial_timeout: 3s
  write_timeout: 2s
  read_limit: 1048576

capture:
  backend: wavfile
  formats: [audio/opus, audio/wav]
  fallback: audio/l16
  interval: 50ms
  sample_rate: 48000
  channels: 1
  options:
    path: /tmp/question.wav
    realtime: false

playback:
  backend: oto
  decoder: audio/mpeg
  high_water: 32
  sample_rate: 44100
  channels: 2

telemetry:
  listen_addr: ":9090"
  service_name: jarvis-dev

reconnect:
  enabled: true
  max_retries: 5
  backoff: 500ms
  max_backoff: 10s
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.URL != "wss://assistant.example.com/ws" {
		t.Errorf("server.url: got %q", cfg.Server.URL)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Server.DialTimeout != 3*time.Second {
		t.Errorf("server.dial_timeout: got %v, want 3s", cfg.Server.DialTimeout)
	}
	if cfg.Server.ReadLimit != 1<<20 {
		t.Errorf("server.read_limit: got %d", cfg.Server.ReadLimit)
	}
	if cfg.Capture.Interval != 50*time.Millisecond {
		t.Errorf("capture.interval: got %v, want 50ms", cfg.Capture.Interval)
	}
	if len(cfg.Capture.Formats) != 2 || cfg.Capture.Formats[0] != "audio/opus" {
		t.Errorf("capture.formats: got %v", cfg.Capture.Formats)
	}
	if p, _ := config.OptionString(cfg.Capture.Options, "path", ""); p != "/tmp/question.wav" {
		t.Errorf("capture.options.path: got %q", p)
	}
	if cfg.Playback.HighWater != 32 {
		t.Errorf("playback.high_water: got %d, want 32", cfg.Playback.HighWater)
	}
	if cfg.Playback.Channels != 2 {
		t.Errorf("playback.channels: got %d, want 2", cfg.Playback.Channels)
	}
	if cfg.Telemetry.ServiceName != "jarvis-dev" {
		t.Errorf("telemetry.service_name: got %q", cfg.Telemetry.ServiceName)
	}
	if !cfg.Reconnect.Enabled || cfg.Reconnect.MaxBackoff != 10*time.Second {
		t.Errorf("reconnect: got %+v", cfg.Reconnect)
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("LoadFromReader(%q): %v", doc, err)
		}
		if cfg.Server.URL != config.DefaultURL {
			t.Errorf("server.url default: got %q, want %q", cfg.Server.URL, config.DefaultURL)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level default: got %q", cfg.Server.LogLevel)
		}
		if cfg.Capture.Backend != config.DefaultCaptureBackend || cfg.Playback.Backend != config.DefaultPlaybackBackend {
			t.Errorf("backends default: got %q/%q", cfg.Capture.Backend, cfg.Playback.Backend)
		}
		if cfg.Capture.Interval != config.DefaultCaptureInterval {
			t.Errorf("capture.interval default: got %v", cfg.Capture.Interval)
		}
		if cfg.Capture.SampleRate != 16000 || cfg.Playback.SampleRate != 24000 {
			t.Errorf("sample rates default: got %d/%d", cfg.Capture.SampleRate, cfg.Playback.SampleRate)
		}
		if cfg.Playback.Decoder != "auto" || cfg.Playback.HighWater != config.DefaultHighWater {
			t.Errorf("playback defaults: got %+v", cfg.Playback)
		}
		if cfg.Reconnect.Enabled {
			t.Error("reconnect should be disabled by default")
		}
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_addr: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"http scheme", "server:\n  url: http://localhost:8000/ws\n", "ws or wss"},
		{"missing host", "server:\n  url: ws:///ws\n", "no host"},
		{"negative dial timeout", "server:\n  dial_timeout: -1s\n", "dial_timeout"},
		{"negative interval", "capture:\n  interval: -100ms\n", "capture.interval"},
		{"three channels", "capture:\n  channels: 3\n", "capture.channels"},
		{"unknown fallback", "capture:\n  fallback: audio/flac\n", "capture.fallback"},
		{"wavfile without path", "capture:\n  backend: wavfile\n", "capture.options.path"},
		{"unknown decoder", "playback:\n  decoder: audio/aac\n", "playback.decoder"},
		{"negative high water", "playback:\n  high_water: -1\n", "high_water"},
		{"playback wavfile without path", "playback:\n  backend: wavfile\n", "playback.options.path"},
		{"negative retries", "reconnect:\n  max_retries: -2\n", "max_retries"},
		{"inverted backoff", "reconnect:\n  backoff: 5s\n  max_backoff: 1s\n", "max_backoff"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.mention) {
				t.Errorf("error should mention %q, got: %v", tc.mention, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
  url: tcp://nowhere
playback:
  high_water: -5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "ws or wss", "high_water"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_UnknownFormatAndBackendOnlyWarn(t *testing.T) {
	t.Parallel()
	yaml := `
capture:
  backend: portaudio
  formats: [audio/webm, audio/opus]
playback:
  backend: pulse
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown formats and backends should only warn, got: %v", err)
	}
}

// ── Backend options ──────────────────────────────────────────────────────────

func TestOptionHelpers(t *testing.T) {
	t.Parallel()
	opts := map[string]any{
		"path":     "/tmp/a.wav",
		"realtime": false,
		"frame":    "40ms",
		"bad":      12,
	}

	if s, err := config.OptionString(opts, "path", ""); err != nil || s != "/tmp/a.wav" {
		t.Errorf("OptionString(path) = %q, %v", s, err)
	}
	if s, err := config.OptionString(opts, "missing", "dflt"); err != nil || s != "dflt" {
		t.Errorf("OptionString(missing) = %q, %v", s, err)
	}
	if _, err := config.OptionString(opts, "bad", ""); err == nil {
		t.Error("OptionString(bad) expected type error")
	}
	if b, err := config.OptionBool(opts, "realtime", true); err != nil || b {
		t.Errorf("OptionBool(realtime) = %v, %v", b, err)
	}
	if b, err := config.OptionBool(nil, "realtime", true); err != nil || !b {
		t.Errorf("OptionBool(nil map) = %v, %v", b, err)
	}
	if d, err := config.OptionDuration(opts, "frame", time.Second); err != nil || d != 40*time.Millisecond {
		t.Errorf("OptionDuration(frame) = %v, %v", d, err)
	}
	if d, err := config.OptionDuration(opts, "missing", time.Second); err != nil || d != time.Second {
		t.Errorf("OptionDuration(missing) = %v, %v", d, err)
	}
	if _, err := config.OptionDuration(map[string]any{"frame": "soon"}, "frame", 0); err == nil {
		t.Error("OptionDuration(unparsable) expected error")
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_UnregisteredBackend(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	if _, err := reg.CreateCapture(config.CaptureConfig{Backend: "nope"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("CreateCapture: expected ErrBackendNotRegistered, got %v", err)
	}
	if _, err := reg.CreatePlayback(config.PlaybackConfig{Backend: "nope"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("CreatePlayback: expected ErrBackendNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredCapture(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &mock.CaptureDevice{Format: audio.Format{SampleRate: 16000, Channels: 1}}
	var gotCfg config.CaptureConfig
	reg.RegisterCapture("stub", func(c config.CaptureConfig) (audio.CaptureDevice, error) {
		gotCfg = c
		return want, nil
	})

	got, err := reg.CreateCapture(config.CaptureConfig{Backend: "stub", SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned device is not the expected instance")
	}
	if gotCfg.SampleRate != 16000 {
		t.Errorf("factory received sample_rate %d", gotCfg.SampleRate)
	}
}

func TestRegistry_RegisteredPlayback(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &mock.PlaybackPlatform{}
	reg.RegisterPlayback("stub", func(config.PlaybackConfig) (audio.PlaybackPlatform, error) {
		return want, nil
	})
	got, err := reg.CreatePlayback(config.PlaybackConfig{Backend: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned platform is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterPlayback("broken", func(config.PlaybackConfig) (audio.PlaybackPlatform, error) {
		return nil, wantErr
	})
	if _, err := reg.CreatePlayback(config.PlaybackConfig{Backend: "broken"}); !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_Backends(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	noCapture := func(config.CaptureConfig) (audio.CaptureDevice, error) { return nil, nil }
	reg.RegisterCapture("wavfile", noCapture)
	reg.RegisterCapture("malgo", noCapture)
	reg.RegisterCapture("malgo", noCapture)

	got := reg.Backends("capture")
	if len(got) != 2 || got[0] != "malgo" || got[1] != "wavfile" {
		t.Errorf("Backends(capture) = %v, want [malgo wavfile]", got)
	}
	if got := reg.Backends("playback"); len(got) != 0 {
		t.Errorf("Backends(playback) = %v, want empty", got)
	}
	if got := reg.Backends("video"); got != nil {
		t.Errorf("Backends(video) = %v, want nil", got)
	}
}
