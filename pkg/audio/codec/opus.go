package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"layeh.com/gopus"

	"github.com/MrWong99/jarvis/pkg/audio"
)

const (
	opusFrameMs = 20

	// opusMaxPacket is the largest packet libopus recommends allocating for.
	opusMaxPacket = 4000

	// Ogg Opus granule positions always count 48 kHz samples.
	opusGranuleRate  = 48000
	opusGranuleFrame = opusGranuleRate * opusFrameMs / 1000

	opusPayloadType = 111

	// Decoded output is always 48 kHz stereo; libopus up-mixes mono packets.
	opusDecodeRate     = 48000
	opusDecodeChannels = 2

	// opusMaxFrameSize is 120 ms at 48 kHz, the longest legal Opus frame.
	opusMaxFrameSize = opusDecodeRate * 120 / 1000
)

// opusRates lists the sample rates libopus accepts for encoding.
var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// opusEncoder produces one Ogg Opus stream per listening span. The stream
// headers go out with the first flush; every later flush carries only the
// pages written since, so the chunks of a span concatenate into one file.
type opusEncoder struct {
	enc        *gopus.Encoder
	frameSize  int // samples per channel per packet
	frameBytes int
	pending    []byte

	out   bytes.Buffer
	ogg   *oggwriter.OggWriter
	seq   uint16
	stamp uint32
}

func newOpusEncoder(f audio.Format) (Encoder, error) {
	if !opusRates[f.SampleRate] || f.Channels > 2 {
		return nil, fmt.Errorf("%w: opus cannot encode %s", ErrUnsupportedFormat, f)
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	e := &opusEncoder{
		enc:       enc,
		frameSize: f.SampleRate * opusFrameMs / 1000,
	}
	e.frameBytes = e.frameSize * f.Channels * 2
	// Writes OpusHead and OpusTags into out.
	e.ogg, err = oggwriter.NewWith(&e.out, uint32(f.SampleRate), uint16(f.Channels))
	if err != nil {
		return nil, fmt.Errorf("codec: start ogg stream: %w", err)
	}
	return e, nil
}

func (e *opusEncoder) MIMEType() string { return MIMEOpus }

func (e *opusEncoder) Encode(pcm []byte) error {
	e.pending = append(e.pending, pcm...)
	for len(e.pending) >= e.frameBytes {
		if err := e.encodeFrame(e.pending[:e.frameBytes]); err != nil {
			return err
		}
		e.pending = e.pending[e.frameBytes:]
	}
	return nil
}

func (e *opusEncoder) encodeFrame(frame []byte) error {
	packet, err := e.enc.Encode(bytesToInt16s(frame), e.frameSize, opusMaxPacket)
	if err != nil {
		return fmt.Errorf("codec: opus encode: %w", err)
	}
	err = e.ogg.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: e.seq,
			Timestamp:      e.stamp,
		},
		Payload: packet,
	})
	if err != nil {
		return fmt.Errorf("codec: ogg page: %w", err)
	}
	e.seq++
	e.stamp += opusGranuleFrame
	return nil
}

func (e *opusEncoder) Flush() ([]byte, error) {
	if e.out.Len() == 0 {
		return nil, nil
	}
	out := bytes.Clone(e.out.Bytes())
	e.out.Reset()
	return out, nil
}

// Close pads the partial tail frame with silence before the final flush.
func (e *opusEncoder) Close() ([]byte, error) {
	if len(e.pending) > 0 {
		frame := make([]byte, e.frameBytes)
		copy(frame, e.pending)
		e.pending = nil
		if err := e.encodeFrame(frame); err != nil {
			return nil, err
		}
	}
	out, err := e.Flush()
	if err != nil {
		return nil, err
	}
	if err := e.ogg.Close(); err != nil {
		return nil, fmt.Errorf("codec: close ogg stream: %w", err)
	}
	return out, nil
}

// opusDecoder decodes self-contained Ogg Opus chunks. Decoder state carries
// across chunks of one stream.
type opusDecoder struct {
	mu  sync.Mutex
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusDecodeRate, opusDecodeChannels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) Decode(data []byte) (audio.Buffer, error) {
	packets, err := oggOpusPackets(data)
	if err != nil {
		return audio.Buffer{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var pcm []byte
	for _, p := range packets {
		samples, err := d.dec.Decode(p, opusMaxFrameSize, false)
		if err != nil {
			return audio.Buffer{}, fmt.Errorf("codec: opus decode: %w", err)
		}
		pcm = append(pcm, int16sToBytes(samples)...)
	}
	return audio.Buffer{
		PCM:    pcm,
		Format: audio.Format{SampleRate: opusDecodeRate, Channels: opusDecodeChannels},
	}, nil
}

// oggOpusPackets returns the audio packets of an Ogg Opus file, one per page.
func oggOpusPackets(data []byte) ([][]byte, error) {
	r, _, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: ogg opus header: %w", err)
	}
	var packets [][]byte
	for {
		payload, _, err := r.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("codec: ogg page: %w", err)
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, []byte("OpusTags")) {
			continue
		}
		packets = append(packets, payload)
	}
	if len(packets) == 0 {
		return nil, errors.New("codec: ogg opus stream carries no audio")
	}
	return packets, nil
}
