package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-lector/internal/config"
)

// EnhanceRequest carries one transcript segment plus the rolling context it
// continues from. PromptHint is the persona's style instruction.
type EnhanceRequest struct {
	SessionID     string
	NewText       string
	ContextText   string
	ContextScript string
	PromptHint    string
}

// Enhancer turns raw transcript text into polished script text. An empty
// result means the model chose to wait for more input.
type Enhancer interface {
	Enhance(ctx context.Context, req EnhanceRequest) (string, error)
}

// ScriptEnhancer drives a Generator with the lecture rewriting prompt and
// collects its streamed output.
type ScriptEnhancer struct {
	cfg       config.LLMConfig
	generator Generator
}

func NewScriptEnhancer(cfg config.LLMConfig, generator Generator) *ScriptEnhancer {
	return &ScriptEnhancer{cfg: cfg, generator: generator}
}

func (e *ScriptEnhancer) Enhance(ctx context.Context, req EnhanceRequest) (string, error) {
	if strings.TrimSpace(req.NewText) == "" {
		return "", errors.New("missing new text")
	}
	options := OptionsFromConfig(e.cfg)
	options.SessionID = req.SessionID
	options.System = coalesceString(req.PromptHint, defaultPromptHint)
	options.Prompt = BuildPrompt(req)
	options.Text = req.NewText
	options.ContextText = req.ContextText
	options.ContextScript = req.ContextScript

	var out strings.Builder
	err := e.generator.Generate(ctx, options, func(chunk Chunk) error {
		out.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("generate script: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

const defaultPromptHint = "You are a professor in Computer Science."

// BuildPrompt renders the rewriting instructions for one segment.
func BuildPrompt(req EnhanceRequest) string {
	previousText := req.ContextText
	if strings.TrimSpace(previousText) == "" {
		previousText = "[No previous context]"
	}
	var b strings.Builder
	b.WriteString("Polish the following lecture script to be as concise and clear as possible, ")
	b.WriteString("so that the average college student can understand it. Limit the response to single sentences. ")
	b.WriteString("Output only the new polished segment that continues from the previous script. ")
	b.WriteString("Do not repeat or summarize the previous script. ")
	b.WriteString("If the new transcription is not yet a complete thought, return nothing.\n\n")
	b.WriteString("CURRENT STATE:\nPrevious script (already transcribed text):\n\"\"\"\n")
	b.WriteString(req.ContextScript)
	b.WriteString("\n\"\"\"\n\nRECENT RAW CONTEXT (for reference only):\n\"\"\"\n")
	b.WriteString(previousText)
	b.WriteString("\n\"\"\"\n\nNEW RAW TRANSCRIPTION (new text to transcribe):\n\"\"\"\n")
	b.WriteString(req.NewText)
	b.WriteString("\n\"\"\"\n")
	return b.String()
}

func coalesceString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
