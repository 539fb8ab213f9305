package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// LogLevel and HighWater can be applied to a running client; every other
// change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	HighWaterChanged bool
	NewHighWater     int

	// RestartRequired names the changed sections that only take effect
	// after a restart, e.g. "server.url" or "capture".
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.HighWaterChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Playback.HighWater != new.Playback.HighWater {
		d.HighWaterChanged = true
		d.NewHighWater = new.Playback.HighWater
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.url", old.Server.URL != new.Server.URL)
	restart("server.timeouts", old.Server.DialTimeout != new.Server.DialTimeout ||
		old.Server.WriteTimeout != new.Server.WriteTimeout ||
		old.Server.ReadLimit != new.Server.ReadLimit)
	restart("capture", !captureEqual(old.Capture, new.Capture))
	restart("playback", !playbackEqual(old.Playback, new.Playback))
	restart("telemetry", old.Telemetry != new.Telemetry)
	restart("reconnect", old.Reconnect != new.Reconnect)

	return d
}

func captureEqual(a, b CaptureConfig) bool {
	return a.Backend == b.Backend &&
		slices.Equal(a.Formats, b.Formats) &&
		a.Fallback == b.Fallback &&
		a.Interval == b.Interval &&
		a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		optionsEqual(a.Options, b.Options)
}

// playbackEqual ignores HighWater, which is hot-reloadable.
func playbackEqual(a, b PlaybackConfig) bool {
	return a.Backend == b.Backend &&
		a.Decoder == b.Decoder &&
		a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		optionsEqual(a.Options, b.Options)
}

// optionsEqual compares backend option maps. Values decoded from YAML are
// scalars, so == is sufficient; nested values compare unequal.
func optionsEqual(a, b map[string]any) bool {
	return maps.EqualFunc(a, b, func(x, y any) bool {
		switch x.(type) {
		case map[string]any, []any:
			return false
		}
		switch y.(type) {
		case map[string]any, []any:
			return false
		}
		return x == y
	})
}
