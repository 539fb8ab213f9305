package wavfile_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/codec"
	"github.com/MrWong99/jarvis/pkg/audio/wavfile"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// ramp returns n mono samples of a rising sawtooth.
func ramp(n int) []byte {
	pcm := make([]byte, 2*n)
	for i := range n {
		v := int16(i * 37)
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return pcm
}

func writeWAV(t *testing.T, buf audio.Buffer) string {
	t.Helper()
	data, err := codec.EncodeWAV(buf)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	path := filepath.Join(t.TempDir(), "input.wav")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func drain(t *testing.T, frames <-chan audio.AudioFrame) []audio.AudioFrame {
	t.Helper()
	var out []audio.AudioFrame
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("frame channel never closed")
		}
	}
}

func TestSource_ReplaysFileInFrames(t *testing.T) {
	t.Parallel()

	pcm := ramp(1000) // 62.5 ms at 16 kHz
	src := wavfile.NewSource(writeWAV(t, audio.Buffer{PCM: pcm, Format: mono16k}), wavfile.WithRealtime(false))

	stream, err := src.Acquire(t.Context())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if stream.Format() != mono16k {
		t.Errorf("Format = %s, want %s", stream.Format(), mono16k)
	}

	frames := drain(t, stream.Frames())
	if len(frames) != 4 {
		t.Errorf("got %d frames, want 4 (three full 20 ms frames and a tail)", len(frames))
	}
	var got []byte
	for _, f := range frames {
		got = append(got, f.Data...)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("replayed PCM differs from the file contents")
	}
	if frames[1].Timestamp != 20*time.Millisecond {
		t.Errorf("second frame timestamp = %v, want 20ms", frames[1].Timestamp)
	}

	if err := src.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := src.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestSource_BusyAndReleaseClosesStream(t *testing.T) {
	t.Parallel()

	src := wavfile.NewSource(writeWAV(t, audio.Buffer{PCM: ramp(16000), Format: mono16k}))
	stream, err := src.Acquire(t.Context())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := src.Acquire(t.Context()); !errors.Is(err, wavfile.ErrBusy) {
		t.Errorf("second Acquire err = %v, want ErrBusy", err)
	}

	if err := src.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// A realtime one-second file is still mid-way; Release must close it.
	drain(t, stream.Frames())
}

func TestSource_MissingFile(t *testing.T) {
	t.Parallel()

	src := wavfile.NewSource(filepath.Join(t.TempDir(), "absent.wav"))
	if _, err := src.Acquire(t.Context()); err == nil {
		t.Fatal("expected error for missing file")
	}
	if err := src.Release(); err != nil {
		t.Errorf("Release after failed Acquire: %v", err)
	}
}

func TestSink_RecordsPlayedAudio(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.wav")
	sink := wavfile.NewSink(path, wavfile.WithSinkFormat(mono16k))

	dev, err := sink.Open(t.Context())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	pcm := ramp(800)
	chunk, err := codec.EncodeWAV(audio.Buffer{PCM: pcm, Format: mono16k})
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	buf, err := dev.Decode(t.Context(), chunk)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	finished := make(chan struct{})
	if err := dev.Play(buf, func() { close(finished) }); err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("onFinished not called")
	}
	if got := sink.Recorded(); got != 50*time.Millisecond {
		t.Errorf("Recorded = %v, want 50ms", got)
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	src := wavfile.NewSource(path, wavfile.WithRealtime(false))
	stream, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("re-reading recording: %v", err)
	}
	defer src.Release()
	var got []byte
	for _, f := range drain(t, stream.Frames()) {
		got = append(got, f.Data...)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("recording differs from the played audio")
	}
}

func TestSink_DecodeBeforeOpen(t *testing.T) {
	t.Parallel()

	sink := wavfile.NewSink(filepath.Join(t.TempDir(), "x.wav"))
	if _, err := sink.Decode(t.Context(), []byte("RIFF")); err == nil {
		t.Error("expected error decoding before Open")
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close with nothing recorded: %v", err)
	}
}
