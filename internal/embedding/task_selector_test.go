package embedding

import "testing"

func TestIsQueryLike(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"Question", "what does the deploy script do?", true},
		{"QuestionPrefix", "How is the cache invalidated", true},
		{"ShortFragment", "deploy script location", true},
		{"MemoryBody", "The deploy script lives in tools/deploy and must be run from the repo root.", false},
		{"Empty", "   ", false},
		{"MultiSentence", "First fact. Second fact.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsQueryLike(tt.text); got != tt.want {
				t.Errorf("IsQueryLike(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "other"}); err == nil {
		t.Error("Unknown provider accepted")
	}
	e, err := New(Config{})
	if err != nil || e != nil {
		t.Errorf("Empty provider = (%v, %v), want disabled", e, err)
	}
}

func TestOllamaEmbedderDefaults(t *testing.T) {
	e, err := NewOllamaEmbedder("", "")
	if err != nil {
		t.Fatalf("NewOllamaEmbedder failed: %v", err)
	}
	if e.Name() != "ollama:embeddinggemma" {
		t.Errorf("Name = %q", e.Name())
	}
	if e.Dimensions() != 768 {
		t.Errorf("Dimensions = %d", e.Dimensions())
	}
}
