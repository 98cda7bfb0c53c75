package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-lector/internal/audio"
	"github.com/loqalabs/loqa-lector/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for streaming PCM backends.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Speaker renders a whole utterance into a single playable blob.
type Speaker interface {
	Speak(ctx context.Context, text, voice string) (audio.Blob, error)
}

// New builds the Speaker selected by cfg.Mode.
func New(cfg config.TTSConfig) (Speaker, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewStreamSpeaker(NewMockSynth(cfg.SampleRate, cfg.Channels)), nil
	case "exec":
		synth, err := NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		return NewStreamSpeaker(synth), nil
	case "openai":
		return NewOpenAISpeaker(cfg), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
