package audio

import (
	"log/slog"
	"sync"
)

// Converter converts decoded buffers to a fixed output format. It logs a
// warning the first time it sees a mismatching source format and the first
// time it has to drop a corrupt buffer. Create one per output device.
type Converter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns buf in the target format. When the formats already match
// the buffer is returned unchanged without copying. Resampling happens before
// channel conversion so that stereo sources headed for a mono sink are only
// resampled once per frame.
func (c *Converter) Convert(buf Buffer) Buffer {
	frameBytes := 2 * max(buf.Format.Channels, 1)
	if len(buf.PCM)%frameBytes != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: PCM length not a whole number of frames, dropping buffer",
				"bytes", len(buf.PCM),
				"format", buf.Format.String(),
			)
		})
		return Buffer{Format: c.Target}
	}

	if buf.Format == c.Target {
		return buf
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", buf.Format.String(),
			"to", c.Target.String(),
		)
	})

	pcm := Resample16(buf.PCM, buf.Format.Channels, buf.Format.SampleRate, c.Target.SampleRate)

	switch {
	case buf.Format.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case buf.Format.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	return Buffer{PCM: pcm, Format: c.Target}
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L+R per stereo frame and clamps to the int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation per channel. The input is
// returned unchanged when the rates match or either rate is not positive.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)

		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int32(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// sampleAt returns the n-th little-endian int16 sample of pcm.
func sampleAt(pcm []byte, n int) int16 {
	return int16(pcm[n*2]) | int16(pcm[n*2+1])<<8
}

// putSample stores v as the n-th little-endian int16 sample of pcm.
func putSample(pcm []byte, n int, v int32) {
	s := int16(v)
	pcm[n*2] = byte(s)
	pcm[n*2+1] = byte(s >> 8)
}

func clamp16(v int32) int32 {
	return min(max(v, -32768), 32767)
}
