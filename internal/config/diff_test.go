package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/jarvis/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Capture: config.CaptureConfig{
			Formats: []string{"audio/opus"},
			Options: map[string]any{"path": "/tmp/in.wav"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is hot-reloadable, got restart %v", d.RestartRequired)
	}
}

func TestDiff_HighWaterIsHotReloadable(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Playback.HighWater = 16

	d := config.Diff(old, new)
	if !d.HighWaterChanged || d.NewHighWater != 16 {
		t.Errorf("expected high water change to 16, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("high water is hot-reloadable, got restart %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"url", func(c *config.Config) { c.Server.URL = "ws://elsewhere/ws" }, "server.url"},
		{"read limit", func(c *config.Config) { c.Server.ReadLimit = 4096 }, "server.timeouts"},
		{"formats", func(c *config.Config) { c.Capture.Formats = []string{"audio/wav"} }, "capture"},
		{"capture option", func(c *config.Config) { c.Capture.Options["path"] = "/tmp/other.wav" }, "capture"},
		{"decoder", func(c *config.Config) { c.Playback.Decoder = "audio/mpeg" }, "playback"},
		{"telemetry", func(c *config.Config) { c.Telemetry.ListenAddr = ":9999" }, "telemetry"},
		{"reconnect", func(c *config.Config) { c.Reconnect.Enabled = true }, "reconnect"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tc.want) {
				t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, tc.want)
			}
			if d.LogLevelChanged || d.HighWaterChanged {
				t.Errorf("unexpected hot-reload change: %+v", d)
			}
		})
	}
}
