// Package tracker manages detected issues: in-memory deduplication and
// resolution tracking, with a SQLite store for persistence across runs.
package tracker

import (
	"time"

	"github.com/google/uuid"

	"codescan/internal/textutil"
)

// IssueStatus is the lifecycle state of a detected issue.
type IssueStatus string

const (
	StatusOpen     IssueStatus = "OPEN"
	StatusResolved IssueStatus = "RESOLVED"
)

// Issue is one problem detected by a scan check.
type Issue struct {
	ID           string      `json:"id"`
	FilePath     string      `json:"file_path"`
	LineNumber   int         `json:"line_number"`
	Description  string      `json:"description"`
	SuggestedFix string      `json:"suggested_fix"`
	CheckQuery   string      `json:"check_query"`
	CodeSnippet  string      `json:"code_snippet"`
	Status       IssueStatus `json:"status"`
	Timestamp    time.Time   `json:"timestamp"`
}

// NewIssue builds an open issue with a fresh ID and timestamp.
func NewIssue(filePath string, line int, description, fix, checkQuery, snippet string) Issue {
	return Issue{
		ID:           uuid.NewString(),
		FilePath:     filePath,
		LineNumber:   line,
		Description:  description,
		SuggestedFix: fix,
		CheckQuery:   checkQuery,
		CodeSnippet:  snippet,
		Status:       StatusOpen,
		Timestamp:    time.Now(),
	}
}

// Matches reports whether two issues describe the same problem. File must
// match; within a file, either a matching code snippet or a matching
// description counts. Line numbers are deliberately ignored, since code
// moves between scans.
func (i Issue) Matches(other Issue) bool {
	if i.FilePath != other.FilePath {
		return false
	}

	snippetA := textutil.NormalizeWhitespace(i.CodeSnippet)
	snippetB := textutil.NormalizeWhitespace(other.CodeSnippet)
	if snippetA != "" && snippetA == snippetB {
		return true
	}

	descA := textutil.NormalizeWhitespace(i.Description)
	descB := textutil.NormalizeWhitespace(other.Description)
	return descA != "" && descA == descB
}
