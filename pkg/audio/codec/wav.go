package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/jarvis/pkg/audio"
)

const (
	wavBitDepth  = 16
	wavFormatPCM = 1
)

// wavEncoder streams one WAV file per listening span. The first flush emits
// the header, with RIFF and data sizes left open since the span length is
// not known yet, followed by PCM; later flushes emit bare PCM.
type wavEncoder struct {
	format  audio.Format
	pending []byte
	started bool
}

func newWAVEncoder(f audio.Format) (Encoder, error) {
	return &wavEncoder{format: f}, nil
}

func (e *wavEncoder) MIMEType() string { return MIMEWAV }

func (e *wavEncoder) Encode(pcm []byte) error {
	if len(pcm)%(2*e.format.Channels) != 0 {
		return fmt.Errorf("codec: wav encode: %d bytes is not a whole number of frames", len(pcm))
	}
	e.pending = append(e.pending, pcm...)
	return nil
}

func (e *wavEncoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	pcm := e.pending
	e.pending = nil
	if e.started {
		return pcm, nil
	}
	out, err := EncodeWAV(audio.Buffer{PCM: pcm, Format: e.format})
	if err != nil {
		return nil, err
	}
	if err := openEnded(out); err != nil {
		return nil, err
	}
	e.started = true
	return out, nil
}

func (e *wavEncoder) Close() ([]byte, error) {
	return e.Flush()
}

// wavOpenSize marks a RIFF or data size as unknown, as streaming writers do.
const wavOpenSize = 0xFFFFFFFF

// openEnded rewrites the RIFF and data chunk sizes of a complete WAV file to
// [wavOpenSize].
func openEnded(file []byte) error {
	if Sniff(file) != MIMEWAV {
		return errors.New("codec: wav header: not a RIFF/WAVE file")
	}
	binary.LittleEndian.PutUint32(file[4:8], wavOpenSize)
	for off := 12; off+8 <= len(file); {
		size := int(binary.LittleEndian.Uint32(file[off+4 : off+8]))
		if string(file[off:off+4]) == "data" {
			binary.LittleEndian.PutUint32(file[off+4:off+8], wavOpenSize)
			return nil
		}
		off += 8 + size + size%2
	}
	return errors.New("codec: wav header: no data chunk")
}

// EncodeWAV writes buf as a 16-bit PCM WAV file.
func EncodeWAV(buf audio.Buffer) ([]byte, error) {
	ws := &writeSeeker{}
	if err := WriteWAV(ws, buf); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

// WriteWAV writes buf as a 16-bit PCM WAV file to w. The header is patched
// with the final sizes, so w must support seeking.
func WriteWAV(w io.WriteSeeker, buf audio.Buffer) error {
	enc := wav.NewEncoder(w, buf.Format.SampleRate, wavBitDepth, buf.Format.Channels, wavFormatPCM)
	if err := enc.Write(ToIntBuffer(buf)); err != nil {
		return fmt.Errorf("codec: wav write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("codec: wav close: %w", err)
	}
	return nil
}

// ToIntBuffer converts PCM16LE into a go-audio integer buffer.
func ToIntBuffer(buf audio.Buffer) *goaudio.IntBuffer {
	samples := bytesToInt16s(buf.PCM)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	return &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: buf.Format.Channels,
			SampleRate:  buf.Format.SampleRate,
		},
		Data:           data,
		SourceBitDepth: wavBitDepth,
	}
}

func decodeWAV(data []byte) (audio.Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return audio.Buffer{}, fmt.Errorf("codec: wav decode: %w", errors.New("not a valid WAV file"))
	}
	ib, err := dec.FullPCMBuffer()
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("codec: wav decode: %w", err)
	}
	f := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	pcm, err := fromIntBuffer(ib.Data, int(dec.BitDepth))
	if err != nil {
		return audio.Buffer{}, err
	}
	return audio.Buffer{PCM: pcm, Format: f}, nil
}

// fromIntBuffer rescales integer samples of the given bit depth to PCM16LE.
func fromIntBuffer(data []int, bitDepth int) ([]byte, error) {
	if bitDepth <= 0 || bitDepth > 32 || bitDepth%8 != 0 {
		return nil, fmt.Errorf("%w: wav bit depth %d", ErrUnsupportedFormat, bitDepth)
	}
	out := make([]byte, len(data)*2)
	for i, v := range data {
		switch {
		case bitDepth == 8:
			v = (v - 128) << 8
		case bitDepth > 16:
			v >>= bitDepth - 16
		}
		s := int16(min(max(v, -32768), 32767))
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}

// writeSeeker is an in-memory io.WriteSeeker for the WAV encoder, which
// rewrites the RIFF header once the data length is known.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if end := w.pos + len(p); end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("codec: seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("codec: seek: negative position %d", abs)
	}
	w.pos = int(abs)
	return abs, nil
}
