package pipeline

import (
	"time"

	"github.com/loqalabs/loqa-lector/internal/audio"
)

type ChunkStatus string

const (
	ChunkPending      ChunkStatus = "pending"
	ChunkTranscribing ChunkStatus = "transcribing"
	ChunkSynthesizing ChunkStatus = "synthesizing"
	ChunkComplete     ChunkStatus = "complete"
	ChunkError        ChunkStatus = "error"
)

// AudioChunk is one fixed-duration slice of captured or simulated audio.
type AudioChunk struct {
	ID                string
	Audio             audio.Blob
	TimestampMS       int64
	NominalDurationMS int64
	Status            ChunkStatus
}

type TranscriptItem struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type ScriptItem struct {
	ID          string `json:"id"`
	Script      string `json:"script"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type SpeechStatus string

const (
	SpeechPending  SpeechStatus = "pending"
	SpeechPlaying  SpeechStatus = "playing"
	SpeechComplete SpeechStatus = "complete"
	SpeechError    SpeechStatus = "error"
)

// SpeechChunk is synthesized audio ready for the player.
type SpeechChunk struct {
	ID          string
	Speech      audio.Blob
	TimestampMS int64
	Status      SpeechStatus
}

const (
	StageSTT     = "stt"
	StageEnhance = "enhance"
	StageTTS     = "tts"
)

// Metric records one external call.
type Metric struct {
	ID         string    `json:"id"`
	Stage      string    `json:"stage"`
	DurationMS int64     `json:"duration_ms"`
	Error      bool      `json:"error,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ContextSnapshot is a copy of the rolling enhancement context.
type ContextSnapshot struct {
	Text   string `json:"text"`
	Script string `json:"script"`
}

// Hooks receive pipeline output. Each hook runs on a pipeline goroutine and
// must not call Reset or Close.
type Hooks struct {
	OnTranscript func(TranscriptItem)
	OnScript     func(ScriptItem)
	OnSpeech     func(SpeechChunk)
	OnMetric     func(Metric)
	OnLog        func(string)
}

func nowMS() int64 { return time.Now().UnixMilli() }
