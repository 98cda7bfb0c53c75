package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-lector/internal/audio"
	"github.com/loqalabs/loqa-lector/internal/config"
)

// TranscriptResult captures recognizer output. Empty Text means no speech.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Transcriber abstracts STT backends.
type Transcriber interface {
	Transcribe(ctx context.Context, chunk audio.Blob) (TranscriptResult, error)
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.STTConfig) (Transcriber, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockTranscriber(), nil
	case "exec":
		return NewExecTranscriber(cfg)
	case "openai":
		return NewOpenAITranscriber(cfg), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
