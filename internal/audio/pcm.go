package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Format describes interleaved signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) Valid() bool { return f.SampleRate > 0 && f.Channels > 0 }

// BytesPerSecond is the PCM16LE byte rate for the format.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.Channels * 2 }

// BytesFor returns the aligned byte length covering d.
func (f Format) BytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * d.Milliseconds() / 1000)
	return frames * f.Channels * 2
}

// Duration returns how long n bytes of PCM play for.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.BytesPerSecond()))
}

// Samples unpacks PCM16LE bytes. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes packs samples as PCM16LE.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Convert downmixes or upmixes channels and linearly resamples PCM16LE data
// from one format to another.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("invalid pcm format %+v -> %+v", from, to)
	}
	if from == to {
		return pcm, nil
	}
	samples := Samples(pcm)
	frames := len(samples) / from.Channels

	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < from.Channels; c++ {
			sum += float64(samples[i*from.Channels+c])
		}
		mono[i] = sum / float64(from.Channels)
	}

	if from.SampleRate != to.SampleRate && frames > 0 {
		outFrames := int(int64(frames) * int64(to.SampleRate) / int64(from.SampleRate))
		resampled := make([]float64, outFrames)
		ratio := float64(from.SampleRate) / float64(to.SampleRate)
		for i := range resampled {
			pos := float64(i) * ratio
			idx := int(pos)
			frac := pos - float64(idx)
			a := mono[min(idx, frames-1)]
			b := mono[min(idx+1, frames-1)]
			resampled[i] = a + (b-a)*frac
		}
		mono = resampled
	}

	out := make([]int16, len(mono)*to.Channels)
	for i, v := range mono {
		s := clamp16(v)
		for c := 0; c < to.Channels; c++ {
			out[i*to.Channels+c] = s
		}
	}
	return Bytes(out), nil
}

func clamp16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
