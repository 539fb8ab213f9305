package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/malgo"
	"github.com/MrWong99/jarvis/pkg/audio/oto"
	"github.com/MrWong99/jarvis/pkg/audio/wavfile"
)

// NewRegistry returns a registry with every built-in backend registered.
func NewRegistry() *config.Registry {
	reg := config.NewRegistry()
	RegisterBuiltinBackends(reg)
	return reg
}

// RegisterBuiltinBackends wires the built-in capture and playback factories
// into reg. Each factory reads its backend-specific values from the section's
// Options map.
func RegisterBuiltinBackends(reg *config.Registry) {
	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("malgo", func(c config.CaptureConfig) (audio.CaptureDevice, error) {
		period, err := config.OptionDuration(c.Options, "period", 0)
		if err != nil {
			return nil, err
		}
		opts := []malgo.Option{
			malgo.WithFormat(audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}),
		}
		if period > 0 {
			opts = append(opts, malgo.WithPeriod(period))
		}
		return malgo.New(opts...), nil
	})

	reg.RegisterCapture("wavfile", func(c config.CaptureConfig) (audio.CaptureDevice, error) {
		path, err := config.OptionString(c.Options, "path", "")
		if err != nil {
			return nil, err
		}
		if path == "" {
			return nil, fmt.Errorf("wavfile capture: options.path is required")
		}
		frame, err := config.OptionDuration(c.Options, "frame", wavfile.DefaultFrameDuration)
		if err != nil {
			return nil, err
		}
		realtime, err := config.OptionBool(c.Options, "realtime", true)
		if err != nil {
			return nil, err
		}
		return wavfile.NewSource(path,
			wavfile.WithFrameDuration(frame),
			wavfile.WithRealtime(realtime),
		), nil
	})

	// ── Playback ──────────────────────────────────────────────────────────────

	reg.RegisterPlayback("oto", func(c config.PlaybackConfig) (audio.PlaybackPlatform, error) {
		buffer, err := config.OptionDuration(c.Options, "buffer", oto.DefaultBuffer)
		if err != nil {
			return nil, err
		}
		return oto.New(
			oto.WithFormat(audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}),
			oto.WithBuffer(buffer),
			oto.WithDecoder(c.Decoder),
		), nil
	})

	reg.RegisterPlayback("wavfile", func(c config.PlaybackConfig) (audio.PlaybackPlatform, error) {
		path, err := config.OptionString(c.Options, "path", "")
		if err != nil {
			return nil, err
		}
		if path == "" {
			return nil, fmt.Errorf("wavfile playback: options.path is required")
		}
		realtime, err := config.OptionBool(c.Options, "realtime", false)
		if err != nil {
			return nil, err
		}
		return wavfile.NewSink(path,
			wavfile.WithSinkFormat(audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}),
			wavfile.WithSinkRealtime(realtime),
			wavfile.WithSinkDecoder(c.Decoder),
		), nil
	})

	for _, kind := range []string{"capture", "playback"} {
		for _, name := range reg.Backends(kind) {
			slog.Debug("registered backend", "kind", kind, "name", name)
		}
	}
}
