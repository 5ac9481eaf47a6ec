// Package textutil provides string helpers shared by the tool executor,
// issue tracker, and LLM clients: whitespace normalization, similarity
// scoring, and output truncation.
package textutil

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Truncation limits for tool output fed back into a model context.
const (
	MaxOutputLines = 2000
	MaxOutputBytes = 50 * 1024
)

// NormalizeWhitespace collapses runs of whitespace into single spaces and
// trims the ends. Used for snippet and description comparison, where
// formatting differences should not defeat deduplication.
func NormalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// SimilarityRatio scores how alike two strings are, from 0 to 1. The score
// is 2*LCS/(len(a)+len(b)), so identical strings score 1 and disjoint
// strings score 0.
func SimilarityRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	lcs := lcsLength(a, b)
	return 2 * float64(lcs) / float64(len(a)+len(b))
}

// lcsLength computes the longest common subsequence length with a rolling
// single-row table.
func lcsLength(a, b string) int {
	if len(b) > len(a) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			if a[i] == b[j] {
				curr[j+1] = prev[j] + 1
			} else if prev[j+1] >= curr[j] {
				curr[j+1] = prev[j+1]
			} else {
				curr[j+1] = curr[j]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// FuzzyMatch reports whether candidate is similar enough to target.
func FuzzyMatch(target, candidate string, threshold float64) bool {
	return SimilarityRatio(target, candidate) >= threshold
}

// Scored pairs a candidate string with its similarity to some target.
type Scored struct {
	Value string
	Score float64
}

// FindSimilar ranks candidates by similarity to target, keeping at most
// maxResults entries at or above threshold.
func FindSimilar(target string, candidates []string, maxResults int, threshold float64) []Scored {
	var out []Scored
	for _, c := range candidates {
		if score := SimilarityRatio(target, c); score >= threshold {
			out = append(out, Scored{Value: c, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

// TruncateOutput clips content to the byte and line limits. It returns the
// possibly clipped content, whether clipping happened, and a hint telling
// the model how to narrow its request.
func TruncateOutput(content string, maxLines, maxBytes int) (string, bool, string) {
	truncated := false
	hint := ""

	if len(content) > maxBytes {
		cut := content[:maxBytes]
		// Do not leave a torn UTF-8 sequence at the cut point.
		for len(cut) > 0 && !utf8.ValidString(cut) {
			cut = cut[:len(cut)-1]
		}
		content = cut
		truncated = true
		hint = fmt.Sprintf("OUTPUT TRUNCATED: content exceeded %dKB limit. Use search_text to find specific patterns or read_file with a line range.", maxBytes/1024)
	}

	if lines := strings.Split(content, "\n"); len(lines) > maxLines {
		content = strings.Join(lines[:maxLines], "\n")
		truncated = true
		hint = fmt.Sprintf("OUTPUT TRUNCATED: content exceeded %d lines. Use search_text to find specific patterns or read_file with the start_line parameter.", maxLines)
	}

	return content, truncated, hint
}

// FormatValidationError builds a consistent message for a rejected tool
// argument.
func FormatValidationError(field, received, expected, hint string) string {
	msg := fmt.Sprintf("Invalid '%s': received '%s', expected %s.", field, received, expected)
	if hint != "" {
		msg += " " + hint
	}
	return msg
}

// EstimateTokens approximates the model token count of text. Four bytes
// per token is the usual rough figure for code-heavy English.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
