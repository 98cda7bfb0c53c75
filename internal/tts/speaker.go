package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-lector/internal/audio"
)

// StreamSpeaker drains a streaming Synthesizer and wraps the concatenated
// PCM in a WAV container.
type StreamSpeaker struct {
	synth Synthesizer
}

func NewStreamSpeaker(synth Synthesizer) *StreamSpeaker {
	return &StreamSpeaker{synth: synth}
}

func (s *StreamSpeaker) Speak(ctx context.Context, text, voice string) (audio.Blob, error) {
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{Text: text, Voice: voice})

	var pcm bytes.Buffer
	var format audio.Format
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if format.SampleRate == 0 {
				format = audio.Format{SampleRate: chunk.SampleRate, Channels: chunk.Channels}
			}
			pcm.Write(chunk.PCM)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && synthErr == nil {
				synthErr = err
			}
		case <-ctx.Done():
			return audio.Blob{}, ctx.Err()
		}
	}
	if synthErr != nil {
		return audio.Blob{}, fmt.Errorf("synthesize: %w", synthErr)
	}
	if pcm.Len() == 0 {
		return audio.Blob{}, errors.New("synthesizer returned no audio")
	}
	return audio.EncodeWAVBlob(pcm.Bytes(), format)
}
