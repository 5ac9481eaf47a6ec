package llm

import (
	"fmt"
	"strings"
	"time"
)

// SystemPrompt instructs the model to emit bare JSON findings. Shared by
// both backends.
const SystemPrompt = `You are a code analysis assistant. Your task is to analyze source code and identify issues based on specific checks.

CRITICAL: Your response must be ONLY a valid JSON object. Do NOT include:
- Markdown code fences (` + "```" + `)
- Explanations or comments before/after the JSON
- Any text outside the JSON object

REQUIRED OUTPUT FORMAT (copy this structure exactly):
{"issues": [{"file": "path/to/file.ext", "line_number": 42, "description": "Issue description", "suggested_fix": "How to fix it", "code_snippet": "problematic code"}]}

Each issue in the array must have these exact keys:
- "file": string - the file path where the issue was found
- "line_number": integer - the line number (1-based)
- "description": string - clear description of the issue
- "suggested_fix": string - the suggested fix
- "code_snippet": string - the problematic code snippet

If no issues are found, return exactly: {"issues": []}

You may use the provided tools to inspect the repository (read files, search for text, look up symbols) before answering. When you are done investigating, respond with the JSON object only.

Be precise with line numbers. Only report actual issues, not potential or hypothetical ones.`

// FileContent pairs a repository path with its current content. A slice
// keeps prompt ordering deterministic.
type FileContent struct {
	Path    string
	Content string
}

// BuildUserPrompt assembles the analysis request for one check over a
// batch of files.
func BuildUserPrompt(checkQuery string, files []FileContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Check to perform:\n%s\n\n", checkQuery)
	b.WriteString("## Files to analyze:\n\n")
	for _, f := range files {
		fmt.Fprintf(&b, "### File: %s\n```\n%s\n```\n\n", f.Path, f.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// IssueData is one finding as reported by the model.
type IssueData struct {
	File         string `json:"file"`
	LineNumber   int    `json:"line_number"`
	Description  string `json:"description"`
	SuggestedFix string `json:"suggested_fix"`
	CodeSnippet  string `json:"code_snippet"`
}

// ParseIssues extracts findings from a model response object. Alternate
// key spellings the models commonly produce are tolerated.
func ParseIssues(response map[string]any) []IssueData {
	raw, ok := response["issues"].([]any)
	if !ok {
		return nil
	}

	var issues []IssueData
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		issue := IssueData{
			File:         stringField(m, "file", "file_path"),
			LineNumber:   intField(m, "line_number", "line"),
			Description:  stringField(m, "description"),
			SuggestedFix: stringField(m, "suggested_fix", "fix"),
			CodeSnippet:  stringField(m, "code_snippet"),
		}
		if issue.File == "" && issue.Description == "" {
			continue
		}
		issues = append(issues, issue)
	}
	return issues
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v)
		case string:
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				return n
			}
		}
	}
	return 0
}

// retrySchedule yields attempt delays for transient failures.
func retrySchedule(attempt int) time.Duration {
	return time.Duration(attempt) * time.Second
}
