// Package codec converts between raw 16-bit PCM and the encoded audio formats
// exchanged with the assistant backend.
//
// Encoders are stateful and accumulate PCM until flushed; the capture
// pipeline flushes one on every cadence tick and ships the result as a single
// outbound chunk. Decoders turn one inbound chunk into a playable
// [audio.Buffer].
//
// Format names are MIME types:
//
//   - [MIMEOpus]: Ogg-encapsulated Opus (RFC 7845), one 20 ms packet per page.
//     Outbound, the chunks of a listening span are consecutive slices of one
//     stream and only the first carries the OpusHead and OpusTags headers.
//     Inbound chunks are complete Ogg files.
//   - [MIMEWAV]: 16-bit PCM RIFF/WAVE. Outbound, the first chunk of a span
//     starts with a header whose sizes are left open and later chunks are
//     bare PCM. Inbound chunks are complete files.
//   - [MIMEL16]: raw little-endian 16-bit PCM with no header. This is the
//     platform default and can always be built.
//   - [MIMEMPEG]: MP3, decode only. The backend synthesises speech as MP3.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/MrWong99/jarvis/pkg/audio"
)

// Supported format names.
const (
	MIMEOpus = "audio/opus"
	MIMEWAV  = "audio/wav"
	MIMEL16  = "audio/l16"
	MIMEMPEG = "audio/mpeg"

	// Auto selects a decoder by sniffing each chunk's header.
	Auto = "auto"
)

// ErrUnsupportedFormat is returned when no encoder or decoder exists for the
// requested format name, or when the PCM format cannot be represented in it.
var ErrUnsupportedFormat = errors.New("codec: unsupported format")

// Encoder accumulates PCM and emits encoded chunks.
//
// Encoders are not safe for concurrent use; the capture pipeline owns one
// per listening span.
type Encoder interface {
	// MIMEType returns the format name this encoder produces.
	MIMEType() string

	// Encode buffers interleaved little-endian 16-bit PCM.
	Encode(pcm []byte) error

	// Flush returns everything encoded since the previous flush. It returns
	// an empty slice when there is nothing to emit.
	Flush() ([]byte, error)

	// Close flushes the tail, including any partial frame, and releases
	// encoder resources. The encoder must not be used afterwards.
	Close() ([]byte, error)
}

// Decoder turns one encoded chunk into playable PCM.
type Decoder interface {
	Decode(data []byte) (audio.Buffer, error)
}

// DecoderFunc adapts a function to [Decoder].
type DecoderFunc func(data []byte) (audio.Buffer, error)

// Decode calls f(data).
func (f DecoderFunc) Decode(data []byte) (audio.Buffer, error) {
	return f(data)
}

var encoders = map[string]func(audio.Format) (Encoder, error){
	MIMEOpus: newOpusEncoder,
	MIMEWAV:  newWAVEncoder,
	MIMEL16:  newL16Encoder,
}

// NewEncoder builds an encoder for the named format that accepts PCM in f.
// It returns an error wrapping [ErrUnsupportedFormat] when the name is
// unknown or f cannot be encoded in that format.
func NewEncoder(mime string, f audio.Format) (Encoder, error) {
	if !f.IsValid() {
		return nil, fmt.Errorf("%w: invalid PCM format %s", ErrUnsupportedFormat, f)
	}
	factory, ok := encoders[mime]
	if !ok {
		return nil, fmt.Errorf("%w: no encoder for %q", ErrUnsupportedFormat, mime)
	}
	return factory(f)
}

// NewDecoder builds a decoder for the named format. raw describes the PCM
// layout for [MIMEL16] chunks, which carry no header; it is ignored for
// every other format.
func NewDecoder(mime string, raw audio.Format) (Decoder, error) {
	switch mime {
	case Auto, "":
		return newAutoDecoder(), nil
	case MIMEMPEG:
		return DecoderFunc(decodeMP3), nil
	case MIMEWAV:
		return DecoderFunc(decodeWAV), nil
	case MIMEOpus:
		return newOpusDecoder()
	case MIMEL16:
		if !raw.IsValid() {
			return nil, fmt.Errorf("%w: l16 decoder needs a PCM format", ErrUnsupportedFormat)
		}
		return DecoderFunc(func(data []byte) (audio.Buffer, error) {
			return decodeL16(data, raw)
		}), nil
	default:
		return nil, fmt.Errorf("%w: no decoder for %q", ErrUnsupportedFormat, mime)
	}
}

// Sniff guesses the container of an encoded chunk from its first bytes. It
// returns the empty string when the header is not recognised.
func Sniff(data []byte) string {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return MIMEWAV
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("OggS")):
		return MIMEOpus
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return MIMEMPEG
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return MIMEMPEG
	}
	return ""
}

// autoDecoder dispatches on [Sniff]. The opus decoder is created on first use
// because it holds native state.
type autoDecoder struct {
	opus *opusDecoder
}

func newAutoDecoder() *autoDecoder {
	return &autoDecoder{}
}

func (d *autoDecoder) Decode(data []byte) (audio.Buffer, error) {
	switch Sniff(data) {
	case MIMEWAV:
		return decodeWAV(data)
	case MIMEMPEG:
		return decodeMP3(data)
	case MIMEOpus:
		if d.opus == nil {
			dec, err := newOpusDecoder()
			if err != nil {
				return audio.Buffer{}, err
			}
			d.opus = dec
		}
		return d.opus.Decode(data)
	}
	return audio.Buffer{}, fmt.Errorf("%w: unrecognised chunk header", ErrUnsupportedFormat)
}
