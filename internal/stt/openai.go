package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loqalabs/loqa-lector/internal/audio"
	"github.com/loqalabs/loqa-lector/internal/config"
)

type openAITranscriber struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAITranscriber(cfg config.STTConfig) Transcriber {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	model := cfg.Model
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &openAITranscriber{client: &client, model: model, language: cfg.Language}
}

func (o *openAITranscriber) Transcribe(ctx context.Context, chunk audio.Blob) (TranscriptResult, error) {
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(chunk.Data), "chunk"+extensionFor(chunk.Encoding), chunk.Encoding),
		Model: openai.AudioModel(o.model),
	}
	if o.language != "" {
		params.Language = openai.String(o.language)
	}
	resp, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("openai transcription: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text)}, nil
}
