package tts

import (
	"context"
	"os/exec"
	"testing"

	"github.com/loqalabs/loqa-lector/internal/audio"
	"github.com/loqalabs/loqa-lector/internal/config"
)

func TestMockSpeakerProducesWAV(t *testing.T) {
	speaker, err := New(config.TTSConfig{Mode: "mock", SampleRate: 24000, Channels: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	blob, err := speaker.Speak(context.Background(), "hello there", "sarah")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if blob.Encoding != audio.EncodingWAV || !audio.IsWAV(blob.Data) {
		t.Fatalf("expected wav blob, got %s", blob.Encoding)
	}
	pcm, format, err := audio.DecodeWAV(blob.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if format.SampleRate != 24000 || len(pcm) == 0 {
		t.Fatalf("unexpected decode result format=%+v len=%d", format, len(pcm))
	}
}

func TestExecSynthStreamsPCM(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; printf "{\"pcm_base64\":\"AAEAAQ==\",\"final\":true}\n"'`, 16000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	blob, err := NewStreamSpeaker(synth).Speak(context.Background(), "hi", "venti")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	pcm, _, err := audio.DecodeWAV(blob.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != 4 {
		t.Fatalf("expected 4 pcm bytes, got %d", len(pcm))
	}
}

func TestStreamSpeakerSurfacesCommandFailure(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	synth, err := NewExecSynth("false", 16000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	if _, err := NewStreamSpeaker(synth).Speak(context.Background(), "hi", ""); err == nil {
		t.Fatal("expected error")
	}
}
