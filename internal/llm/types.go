package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-lector/internal/config"
)

// Request describes a language model prompt. Text and the two context
// fields are the raw pieces Prompt was rendered from; backends that only take
// a prompt can ignore them.
type Request struct {
	SessionID     string
	Prompt        string
	System        string
	Text          string
	ContextText   string
	ContextScript string
	Model         string
	MaxTokens     int
	Temperature   float64
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockGenerator(), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "openai":
		return NewOpenAIGenerator(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
