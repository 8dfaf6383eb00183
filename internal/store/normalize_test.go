package store

import "testing"

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"Trims", "  hello  ", "hello"},
		{"CollapsesSpaces", "a   b\tc", "a b c"},
		{"KeepsInteriorNewlines", "line one\nline two", "line one\nline two"},
		{"DropsEdgeBlankLines", "\n\nbody\n\n", "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeContent(tt.in); got != tt.want {
				t.Errorf("NormalizeContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHashContentIsStable(t *testing.T) {
	a := HashContent(NormalizeContent("prefers  tabs"))
	b := HashContent(NormalizeContent("prefers tabs "))
	if a != b {
		t.Error("Equivalent content produced different hashes")
	}
	if len(a) != 64 {
		t.Errorf("Hash length = %d, want 64", len(a))
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"Go", " style ", "go", "", "a"})
	if got != "a,go,style" {
		t.Errorf("NormalizeTags = %q, want %q", got, "a,go,style")
	}
}

func TestMergeTags(t *testing.T) {
	got := MergeTags("go,style", "Style,testing")
	if got != "go,style,testing" {
		t.Errorf("MergeTags = %q, want %q", got, "go,style,testing")
	}
}

func TestCanonicalEntityName(t *testing.T) {
	if got := CanonicalEntityName("  The  Project "); got != "the project" {
		t.Errorf("CanonicalEntityName = %q", got)
	}
}

func TestFTSQueryQuotesTokens(t *testing.T) {
	if got := ftsQuery(`c++ "quoted"`); got != `"c++" """quoted"""` {
		t.Errorf("ftsQuery = %q", got)
	}
	if got := ftsQuery("   "); got != "" {
		t.Errorf("ftsQuery of blank = %q, want empty", got)
	}
}
