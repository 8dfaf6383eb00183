package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIGenerator calls Google's Gemini generation API.
type GenAIGenerator struct {
	client *genai.Client
	model  string
}

// NewGenAIGenerator creates a GenAI-backed generator.
func NewGenAIGenerator(apiKey, model string) (*GenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIGenerator{client: client, model: model}, nil
}

// Generate produces a completion for the prompt.
func (g *GenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	result, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, nil)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("GenAI returned an empty completion")
	}
	return text, nil
}

// Name returns the backend identity.
func (g *GenAIGenerator) Name() string { return "genai:" + g.model }

// Close releases the GenAI client. The genai SDK's Client has no
// Close method, so there is nothing to release.
func (g *GenAIGenerator) Close() error {
	return nil
}
