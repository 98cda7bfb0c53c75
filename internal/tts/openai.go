package tts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loqalabs/loqa-lector/internal/audio"
	"github.com/loqalabs/loqa-lector/internal/config"
)

const defaultOpenAIVoice = "alloy"

type openAISpeaker struct {
	client *openai.Client
	model  string
}

// NewOpenAISpeaker returns mp3 speech. Voice ids the API does not know fall
// back to the default voice.
func NewOpenAISpeaker(cfg config.TTSConfig) Speaker {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	model := cfg.Model
	if model == "" {
		model = string(openai.SpeechModelTTS1)
	}
	return &openAISpeaker{client: &client, model: model}
}

var openAIVoices = map[string]bool{
	"alloy": true, "ash": true, "ballad": true, "coral": true, "echo": true,
	"fable": true, "onyx": true, "nova": true, "sage": true, "shimmer": true, "verse": true,
}

func (o *openAISpeaker) Speak(ctx context.Context, text, voice string) (audio.Blob, error) {
	if !openAIVoices[voice] {
		voice = defaultOpenAIVoice
	}
	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(o.model),
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return audio.Blob{}, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Blob{}, fmt.Errorf("read openai speech: %w", err)
	}
	if len(data) == 0 {
		return audio.Blob{}, errors.New("openai speech returned no audio")
	}
	return audio.Blob{Data: data, Encoding: audio.EncodingMPEG}, nil
}
