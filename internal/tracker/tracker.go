package tracker

import (
	"log/slog"
	"sort"
	"sync"
)

// Stats summarizes the tracked issue counts.
type Stats struct {
	Open     int `json:"open"`
	Resolved int `json:"resolved"`
	Total    int `json:"total"`
}

// Tracker holds all issues for one repository. Safe for concurrent use;
// the scanner goroutine adds issues while the report writer reads them.
type Tracker struct {
	mu      sync.Mutex
	issues  []Issue
	changed bool
	logger  *slog.Logger
}

// New returns an empty tracker.
func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger}
}

// Issues returns a copy of every tracked issue.
func (t *Tracker) Issues() []Issue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Issue(nil), t.issues...)
}

// OpenIssues returns the issues still open.
func (t *Tracker) OpenIssues() []Issue {
	return t.filtered(StatusOpen)
}

// ResolvedIssues returns the issues marked resolved.
func (t *Tracker) ResolvedIssues() []Issue {
	return t.filtered(StatusResolved)
}

func (t *Tracker) filtered(status IssueStatus) []Issue {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Issue
	for _, i := range t.issues {
		if i.Status == status {
			out = append(out, i)
		}
	}
	return out
}

// HasChanged reports whether the issue set changed since the last reset.
// The report writer uses this to avoid rewriting an identical file.
func (t *Tracker) HasChanged() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

// ResetChanged clears the changed flag after the report is written.
func (t *Tracker) ResetChanged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changed = false
}

// Add records an issue, deduplicating against existing ones. A match
// against an open issue refreshes its line number; a match against a
// resolved issue reopens it. Returns true only for genuinely new issues.
func (t *Tracker) Add(issue Issue) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(issue)
}

func (t *Tracker) addLocked(issue Issue) bool {
	for idx := range t.issues {
		existing := &t.issues[idx]
		if existing.Status != StatusOpen || !existing.Matches(issue) {
			continue
		}
		if existing.LineNumber != issue.LineNumber {
			t.logger.Debug("issue moved",
				"file", existing.FilePath,
				"from_line", existing.LineNumber,
				"to_line", issue.LineNumber)
			existing.LineNumber = issue.LineNumber
			existing.Timestamp = issue.Timestamp
			t.changed = true
		}
		return false
	}

	for idx := range t.issues {
		existing := &t.issues[idx]
		if existing.Status != StatusResolved || !existing.Matches(issue) {
			continue
		}
		t.logger.Info("reopening resolved issue", "file", existing.FilePath)
		existing.Status = StatusOpen
		existing.LineNumber = issue.LineNumber
		existing.Timestamp = issue.Timestamp
		t.changed = true
		return false
	}

	t.logger.Info("new issue", "file", issue.FilePath, "line", issue.LineNumber)
	t.issues = append(t.issues, issue)
	t.changed = true
	return true
}

// AddAll records a batch of issues and returns how many were new.
func (t *Tracker) AddAll(issues []Issue) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, issue := range issues {
		if t.addLocked(issue) {
			added++
		}
	}
	return added
}

// ResolveFile marks every open issue for a file as resolved. Used when a
// file is deleted or scans cleanly.
func (t *Tracker) ResolveFile(filePath string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolveFileLocked(filePath)
}

func (t *Tracker) resolveFileLocked(filePath string) int {
	resolved := 0
	for idx := range t.issues {
		issue := &t.issues[idx]
		if issue.FilePath == filePath && issue.Status == StatusOpen {
			issue.Status = StatusResolved
			resolved++
			t.changed = true
			t.logger.Info("resolved issue", "file", filePath, "line", issue.LineNumber)
		}
	}
	return resolved
}

// UpdateFromScan reconciles the tracker with one scan result: issues for
// scanned files that were not re-detected are resolved, and new detections
// are added with deduplication. Returns (new, resolved) counts.
func (t *Tracker) UpdateFromScan(newIssues []Issue, scannedFiles []string) (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byFile := make(map[string][]Issue)
	for _, issue := range newIssues {
		byFile[issue.FilePath] = append(byFile[issue.FilePath], issue)
	}

	resolved := 0
	for _, file := range scannedFiles {
		if _, ok := byFile[file]; !ok {
			resolved += t.resolveFileLocked(file)
		}
	}

	for file, current := range byFile {
		resolved += t.resolveNonMatchingLocked(file, current)
	}

	added := 0
	for _, issue := range newIssues {
		if t.addLocked(issue) {
			added++
		}
	}
	return added, resolved
}

// resolveNonMatchingLocked resolves open issues in a file that no current
// detection matches.
func (t *Tracker) resolveNonMatchingLocked(filePath string, current []Issue) int {
	resolved := 0
	for idx := range t.issues {
		existing := &t.issues[idx]
		if existing.FilePath != filePath || existing.Status != StatusOpen {
			continue
		}
		stillPresent := false
		for _, c := range current {
			if existing.Matches(c) {
				stillPresent = true
				break
			}
		}
		if !stillPresent {
			existing.Status = StatusResolved
			resolved++
			t.changed = true
			t.logger.Info("resolved fixed issue", "file", filePath, "line", existing.LineNumber)
		}
	}
	return resolved
}

// ByFile groups all issues by file, sorted by line within each file. The
// returned file list is sorted so report output is deterministic.
func (t *Tracker) ByFile() (files []string, grouped map[string][]Issue) {
	t.mu.Lock()
	defer t.mu.Unlock()

	grouped = make(map[string][]Issue)
	for _, issue := range t.issues {
		grouped[issue.FilePath] = append(grouped[issue.FilePath], issue)
	}
	for file, issues := range grouped {
		sort.SliceStable(issues, func(i, j int) bool {
			return issues[i].LineNumber < issues[j].LineNumber
		})
		files = append(files, file)
	}
	sort.Strings(files)
	return files, grouped
}

// Replace swaps in a previously persisted issue set.
func (t *Tracker) Replace(issues []Issue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issues = append([]Issue(nil), issues...)
	t.changed = false
}

// Clear drops every tracked issue.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issues = nil
	t.changed = true
}

// Stats counts open and resolved issues.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{}
	for _, issue := range t.issues {
		switch issue.Status {
		case StatusOpen:
			s.Open++
		case StatusResolved:
			s.Resolved++
		}
	}
	s.Total = s.Open + s.Resolved
	return s
}
