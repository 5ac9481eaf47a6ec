// Package report renders scan findings to a markdown file the user keeps
// open in their editor while the daemon runs.
package report

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codescan/internal/logging"
	"codescan/internal/tracker"
)

// ScanInfo is the metadata block at the top of every report.
type ScanInfo struct {
	Repository string
	Backend    string
	Model      string
	Status     string
	Checks     int
	LastScan   time.Time
}

// Writer renders and atomically replaces one report file.
type Writer struct {
	path   string
	logger *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// NewWriter creates a writer targeting path.
func NewWriter(path string, opts ...Option) *Writer {
	w := &Writer{path: path, logger: logging.Nop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the report file path.
func (w *Writer) Path() string {
	return w.path
}

// BackupExisting preserves a pre-existing file at the report path to
// <name>.bak and removes the original, so the scanner starts fresh without
// destroying content it did not write. Called once at startup; a later run
// overwrites the previous backup.
func (w *Writer) BackupExisting() error {
	content, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading existing report: %w", err)
	}

	backup := w.path + ".bak"
	if err := os.WriteFile(backup, content, 0o644); err != nil {
		return fmt.Errorf("backing up existing report: %w", err)
	}
	if err := os.Remove(w.path); err != nil {
		return fmt.Errorf("removing old report: %w", err)
	}
	w.logger.Info("backed up existing report", "path", w.path, "backup", backup)
	return nil
}

// Write renders the tracker's current state and replaces the report file.
// The file is written to a temp sibling and renamed, so a reader never sees
// a half-written report.
func (w *Writer) Write(t *tracker.Tracker, info ScanInfo) error {
	rendered := render(t, info)

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.md")
	if err != nil {
		return fmt.Errorf("creating temp report: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(rendered); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing report: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing report: %w", err)
	}
	return nil
}

func render(t *tracker.Tracker, info ScanInfo) string {
	var b strings.Builder

	b.WriteString("# Code Scan Results\n\n")

	if info.Repository != "" {
		fmt.Fprintf(&b, "**Repository:** %s\n\n", info.Repository)
	}
	if info.Backend != "" {
		backend := info.Backend
		if info.Model != "" {
			backend += " (" + info.Model + ")"
		}
		fmt.Fprintf(&b, "**Backend:** %s\n\n", backend)
	}
	if !info.LastScan.IsZero() {
		fmt.Fprintf(&b, "**Last scan:** %s\n\n", info.LastScan.Format("2006-01-02 15:04:05"))
	}
	if info.Status != "" {
		fmt.Fprintf(&b, "**Status:** %s\n\n", info.Status)
	}

	stats := t.Stats()
	fmt.Fprintf(&b, "**Issues:** %d open, %d resolved\n\n", stats.Open, stats.Resolved)

	b.WriteString("## Open Issues\n\n")
	files, grouped := t.ByFile()
	if len(files) == 0 {
		b.WriteString("No open issues.\n\n")
	}
	for _, file := range files {
		fmt.Fprintf(&b, "### %s\n\n", file)
		for _, issue := range grouped[file] {
			writeIssue(&b, issue)
		}
	}

	resolved := t.ResolvedIssues()
	if len(resolved) > 0 {
		fmt.Fprintf(&b, "## Resolved Issues (%d)\n\n", len(resolved))
		for _, issue := range resolved {
			fmt.Fprintf(&b, "- `%s:%d` %s\n", issue.FilePath, issue.LineNumber, issue.Description)
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n*Generated by codescan*\n")
	return b.String()
}

func writeIssue(b *strings.Builder, issue tracker.Issue) {
	fmt.Fprintf(b, "#### Line %d\n\n", issue.LineNumber)
	fmt.Fprintf(b, "%s\n\n", issue.Description)

	if issue.CodeSnippet != "" {
		fmt.Fprintf(b, "```\n%s\n```\n\n", strings.TrimRight(issue.CodeSnippet, "\n"))
	}
	if issue.SuggestedFix != "" {
		fmt.Fprintf(b, "**Suggested fix:** %s\n\n", issue.SuggestedFix)
	}
	if issue.CheckQuery != "" {
		fmt.Fprintf(b, "*Check: %s*\n\n", issue.CheckQuery)
	}
}
