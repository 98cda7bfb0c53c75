package runtime

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-lector/internal/audio"
	"github.com/loqalabs/loqa-lector/internal/capture"
	"github.com/loqalabs/loqa-lector/internal/config"
	"github.com/loqalabs/loqa-lector/internal/controller"
	"github.com/loqalabs/loqa-lector/internal/llm"
	"github.com/loqalabs/loqa-lector/internal/playback"
	"github.com/loqalabs/loqa-lector/internal/stt"
	"github.com/loqalabs/loqa-lector/internal/tts"
)

// buildComponents selects devices and backends from config. Journal and bus
// are attached by the caller.
func buildComponents(cfg config.Config, logger *slog.Logger) (controller.Components, error) {
	var comps controller.Components

	source, err := newSource(cfg.Capture)
	if err != nil {
		return comps, err
	}
	comps.Source = source

	if comps.Transcriber, err = stt.New(cfg.STT); err != nil {
		return comps, fmt.Errorf("stt: %w", err)
	}
	gen, err := llm.NewGenerator(cfg.LLM)
	if err != nil {
		return comps, fmt.Errorf("llm: %w", err)
	}
	comps.Enhancer = llm.NewScriptEnhancer(cfg.LLM, gen)
	if comps.Speaker, err = tts.New(cfg.TTS); err != nil {
		return comps, fmt.Errorf("tts: %w", err)
	}

	outFormat := audio.Format{SampleRate: cfg.Playback.SampleRate, Channels: 1}
	switch cfg.Playback.Mode {
	case "exec":
		out, err := playback.NewMixerOutput(cfg.Playback.Command, outFormat, logger)
		if err != nil {
			return comps, err
		}
		comps.Output = out
	default:
		comps.Output = playback.NewNullOutput(outFormat, logger)
	}

	decoder := audio.AutoDecoder{}
	if cfg.Playback.DecoderCommand != "" {
		fallback, err := audio.NewExecDecoder(cfg.Playback.DecoderCommand, outFormat)
		if err != nil {
			return comps, err
		}
		decoder.Fallback = fallback
	}
	comps.Decoder = decoder

	logger.Info("components selected",
		slog.String("capture", cfg.Capture.Mode),
		slog.String("stt", cfg.STT.Mode),
		slog.String("llm", cfg.LLM.Mode),
		slog.String("tts", cfg.TTS.Mode),
		slog.String("playback", cfg.Playback.Mode))
	return comps, nil
}

func newSource(cfg config.CaptureConfig) (capture.Source, error) {
	switch cfg.Mode {
	case "exec":
		return capture.NewExecSource(cfg.Command)
	case "stdin":
		return capture.NewReaderSource(os.Stdin), nil
	case "disabled":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}
