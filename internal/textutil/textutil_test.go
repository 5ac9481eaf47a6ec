package textutil

import (
	"strings"
	"testing"
)

func TestNormalizeWhitespace(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"  hello   world  ", "hello world"},
		{"tab\there", "tab here"},
		{"line\nbreaks\ncollapse", "line breaks collapse"},
		{"", ""},
		{"   ", ""},
		{"already normal", "already normal"},
	}
	for _, tt := range tests {
		if got := NormalizeWhitespace(tt.input); got != tt.expected {
			t.Errorf("NormalizeWhitespace(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestSimilarityRatio(t *testing.T) {
	if got := SimilarityRatio("abc", "abc"); got != 1 {
		t.Errorf("identical strings scored %v", got)
	}
	if got := SimilarityRatio("", ""); got != 1 {
		t.Errorf("empty strings scored %v", got)
	}
	if got := SimilarityRatio("abc", ""); got != 0 {
		t.Errorf("empty vs non-empty scored %v", got)
	}
	if got := SimilarityRatio("abc", "xyz"); got != 0 {
		t.Errorf("disjoint strings scored %v", got)
	}

	close := SimilarityRatio("handleRequest", "handleRequests")
	far := SimilarityRatio("handleRequest", "parseConfig")
	if close <= far {
		t.Errorf("similar pair (%v) not scored above dissimilar pair (%v)", close, far)
	}
	if close < 0.9 {
		t.Errorf("near-identical names scored only %v", close)
	}
}

func TestFuzzyMatch(t *testing.T) {
	if !FuzzyMatch("server.go", "server.go", 0.9) {
		t.Error("exact match rejected")
	}
	if FuzzyMatch("server.go", "README.md", 0.7) {
		t.Error("unrelated names accepted at 0.7")
	}
}

func TestFindSimilar(t *testing.T) {
	candidates := []string{"user_service.py", "user_store.py", "main.cpp", "user_servlce.py"}
	got := FindSimilar("user_service.py", candidates, 2, 0.5)

	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Value != "user_service.py" {
		t.Errorf("best match = %q", got[0].Value)
	}
	if got[0].Score < got[1].Score {
		t.Error("results not sorted by score descending")
	}
}

func TestTruncateOutputLines(t *testing.T) {
	content := strings.Repeat("line\n", 50)
	out, truncated, hint := TruncateOutput(content, 10, MaxOutputBytes)

	if !truncated {
		t.Fatal("expected truncation")
	}
	if n := len(strings.Split(out, "\n")); n != 10 {
		t.Errorf("kept %d lines, want 10", n)
	}
	if !strings.Contains(hint, "10 lines") {
		t.Errorf("hint = %q", hint)
	}
}

func TestTruncateOutputBytes(t *testing.T) {
	content := strings.Repeat("x", 2048)
	out, truncated, hint := TruncateOutput(content, MaxOutputLines, 1024)

	if !truncated {
		t.Fatal("expected truncation")
	}
	if len(out) != 1024 {
		t.Errorf("kept %d bytes, want 1024", len(out))
	}
	if !strings.Contains(hint, "1KB") {
		t.Errorf("hint = %q", hint)
	}
}

func TestTruncateOutputUTF8Boundary(t *testing.T) {
	// 3-byte runes; a 1000-byte cut would land mid-rune.
	content := strings.Repeat("日", 400)
	out, truncated, _ := TruncateOutput(content, MaxOutputLines, 1000)

	if !truncated {
		t.Fatal("expected truncation")
	}
	if len(out) != 999 {
		t.Errorf("kept %d bytes, want 999", len(out))
	}
}

func TestTruncateOutputNoop(t *testing.T) {
	out, truncated, hint := TruncateOutput("short", MaxOutputLines, MaxOutputBytes)
	if truncated || out != "short" || hint != "" {
		t.Errorf("unexpected truncation: %q %v %q", out, truncated, hint)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(\"\") = %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("EstimateTokens(4 bytes) = %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("EstimateTokens(5 bytes) = %d", got)
	}
}
