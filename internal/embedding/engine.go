// Package embedding generates the vectors behind semantic recall.
// Two backends are supported: a local Ollama server and Google GenAI.
package embedding

import (
	"context"
	"fmt"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	// Embed generates an embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimensionality.
	Dimensions() int

	// Name identifies the backend and model, e.g. "ollama:embeddinggemma".
	// Stored on memories as embedding_model.
	Name() string
}

// HealthChecker is implemented by backends that can report
// availability without embedding anything.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config selects and parameterises a backend.
type Config struct {
	// Provider: "ollama" or "genai". Empty disables embedding; the
	// recall engine then runs keyword-only.
	Provider string

	OllamaEndpoint string // default http://localhost:11434
	OllamaModel    string // default embeddinggemma

	GenAIAPIKey string
	GenAIModel  string // default gemini-embedding-001
}

// New creates the configured backend. A nil Embedder with a nil error
// means embedding is disabled.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "ollama":
		return NewOllamaEmbedder(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		return NewGenAIEmbedder(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q (use \"ollama\" or \"genai\")", cfg.Provider)
	}
}
