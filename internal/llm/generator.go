// Package llm provides the text generation backends used by the
// extract, decide, and summary workers. The same two providers as
// embedding: local Ollama or Google GenAI.
package llm

import (
	"context"
	"fmt"
)

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)

	// Name identifies the backend and model.
	Name() string
}

// Config selects and parameterises a backend.
type Config struct {
	// Provider: "ollama" or "genai". Empty disables generation; the
	// pipeline workers then no-op their LLM-dependent steps.
	Provider string

	OllamaEndpoint string
	OllamaModel    string // default llama3.2

	GenAIAPIKey string
	GenAIModel  string // default gemini-2.0-flash
}

// New creates the configured backend. A nil Generator with a nil error
// means generation is disabled.
func New(cfg Config) (Generator, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "ollama":
		return NewOllamaGenerator(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		return NewGenAIGenerator(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported generator provider %q (use \"ollama\" or \"genai\")", cfg.Provider)
	}
}
