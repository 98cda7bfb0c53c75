package tts

import (
	"context"
	"math"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-lector/internal/audio"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth emits a quiet 440 Hz tone, 60 ms per character, capped at
// three seconds.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(50 * time.Millisecond):
		}
		d := time.Duration(utf8.RuneCountInString(req.Text)) * 60 * time.Millisecond
		d = min(max(d, 200*time.Millisecond), 3*time.Second)
		chunks <- SynthChunk{
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        tone(audio.Format{SampleRate: m.sampleRate, Channels: m.channels}, d),
			Final:      true,
		}
	}()
	return chunks, errs
}

func tone(format audio.Format, d time.Duration) []byte {
	frames := int(int64(format.SampleRate) * d.Milliseconds() / 1000)
	samples := make([]int16, frames*format.Channels)
	for i := 0; i < frames; i++ {
		v := int16(2000 * math.Sin(2*math.Pi*440*float64(i)/float64(format.SampleRate)))
		for c := 0; c < format.Channels; c++ {
			samples[i*format.Channels+c] = v
		}
	}
	return audio.Bytes(samples)
}
