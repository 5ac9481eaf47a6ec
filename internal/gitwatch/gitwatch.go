// Package gitwatch polls a git repository for uncommitted changes. It
// shells out to git and parses porcelain v2 status output, which is stable
// across git versions and handles renames and submodules predictably.
package gitwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codescan/internal/filefilter"
)

// FileStatus classifies one uncommitted change.
type FileStatus string

const (
	StatusStaged    FileStatus = "staged"
	StatusUnstaged  FileStatus = "unstaged"
	StatusUntracked FileStatus = "untracked"
	StatusDeleted   FileStatus = "deleted"
)

// ChangedFile is one file with uncommitted changes. ModTime is captured at
// status time so later polls can detect in-place edits that git status
// alone would not surface.
type ChangedFile struct {
	Path    string
	Status  FileStatus
	ModTime time.Time
}

// IsDeleted reports whether the file no longer exists in the work tree.
func (f ChangedFile) IsDeleted() bool { return f.Status == StatusDeleted }

// State is one observation of the repository.
type State struct {
	ChangedFiles  []ChangedFile
	Merging       bool
	Rebasing      bool
	CurrentCommit string
}

// ConflictResolutionInProgress reports whether a merge or rebase is
// underway. Scanning during conflict resolution produces noise, so callers
// pause until it finishes.
func (s State) ConflictResolutionInProgress() bool { return s.Merging || s.Rebasing }

// HasChanges reports whether any uncommitted changes were observed.
func (s State) HasChanges() bool { return len(s.ChangedFiles) > 0 }

// Watcher observes one repository.
type Watcher struct {
	repoPath   string
	gitDir     string
	commitHash string
	excluded   map[string]bool
	filter     *filefilter.Filter
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithBaseCommit compares the work tree against a fixed commit instead of
// HEAD, so files committed after that point still count as changed.
func WithBaseCommit(hash string) Option {
	return func(w *Watcher) { w.commitHash = hash }
}

// WithExcludedFiles names files whose changes never trigger a rescan,
// such as the scanner's own output.
func WithExcludedFiles(files ...string) Option {
	return func(w *Watcher) {
		for _, f := range files {
			w.excluded[f] = true
		}
	}
}

// WithFileFilter installs an in-memory gitignore matcher, replacing
// git check-ignore subprocess calls.
func WithFileFilter(f *filefilter.Filter) Option {
	return func(w *Watcher) { w.filter = f }
}

// New builds a watcher for the repository at repoPath.
func New(repoPath string, opts ...Option) *Watcher {
	w := &Watcher{
		repoPath: repoPath,
		excluded: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Connect verifies the path is a git repository and that the base commit,
// if configured, exists.
func (w *Watcher) Connect(ctx context.Context) error {
	out, err := w.git(ctx, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return fmt.Errorf("not a git repository: %s\nrun 'git init' or choose a directory under version control", w.repoPath)
	}
	w.gitDir = strings.TrimSpace(out)

	if w.commitHash != "" {
		if _, err := w.git(ctx, "cat-file", "-e", w.commitHash+"^{commit}"); err != nil {
			return fmt.Errorf("invalid commit hash: %s", w.commitHash)
		}
	}
	return nil
}

// State captures the current repository state. During merge or rebase
// conflict resolution change detection is skipped entirely.
func (w *Watcher) State(ctx context.Context) (State, error) {
	if w.gitDir == "" {
		return State{}, fmt.Errorf("not connected to repository")
	}

	var state State
	state.Merging = fileExists(filepath.Join(w.gitDir, "MERGE_HEAD"))
	state.Rebasing = fileExists(filepath.Join(w.gitDir, "REBASE_HEAD")) ||
		fileExists(filepath.Join(w.gitDir, "rebase-merge")) ||
		fileExists(filepath.Join(w.gitDir, "rebase-apply"))

	if commit, err := w.git(ctx, "rev-parse", "HEAD"); err == nil {
		state.CurrentCommit = strings.TrimSpace(commit)
	}

	if state.ConflictResolutionInProgress() {
		return state, nil
	}

	files, err := w.changedFiles(ctx)
	if err != nil {
		return state, err
	}
	state.ChangedFiles = files
	return state, nil
}

// HasChangesSince reports whether the repository changed relative to last,
// and returns the fresh state for the caller to carry forward. Path-set
// differences count as changes; when the sets match, file modification
// times break the tie so in-place edits are still noticed.
func (w *Watcher) HasChangesSince(ctx context.Context, last *State) (bool, State, error) {
	current, err := w.State(ctx)
	if err != nil {
		return false, current, err
	}

	if last == nil {
		for _, f := range current.ChangedFiles {
			if !w.excluded[f.Path] {
				return true, current, nil
			}
		}
		return false, current, nil
	}

	currentPaths := w.pathSet(current.ChangedFiles)
	lastPaths := w.pathSet(last.ChangedFiles)
	if len(currentPaths) != len(lastPaths) {
		return true, current, nil
	}
	for p := range currentPaths {
		if !lastPaths[p] {
			return true, current, nil
		}
	}

	lastByPath := make(map[string]ChangedFile, len(last.ChangedFiles))
	for _, f := range last.ChangedFiles {
		lastByPath[f.Path] = f
	}
	for _, f := range current.ChangedFiles {
		if w.excluded[f.Path] || f.IsDeleted() {
			continue
		}
		prev, ok := lastByPath[f.Path]
		if !ok || prev.ModTime.IsZero() {
			continue
		}
		if f.ModTime.After(prev.ModTime) {
			return true, current, nil
		}
	}

	return false, current, nil
}

func (w *Watcher) pathSet(files []ChangedFile) map[string]bool {
	set := make(map[string]bool, len(files))
	for _, f := range files {
		if !w.excluded[f.Path] {
			set[f.Path] = true
		}
	}
	return set
}

// changedFiles lists uncommitted changes, merging porcelain status with a
// diff against the base commit when one is configured.
func (w *Watcher) changedFiles(ctx context.Context) ([]ChangedFile, error) {
	out, err := w.git(ctx, "status", "--porcelain=v2", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}

	seen := make(map[string]bool)
	var files []ChangedFile

	for _, entry := range parsePorcelainV2(out) {
		if seen[entry.path] {
			continue
		}
		// Submodules show up as directories; skip them.
		full := filepath.Join(w.repoPath, entry.path)
		if info, err := os.Stat(full); err == nil && info.IsDir() {
			continue
		}
		if w.isIgnored(ctx, entry.path) {
			continue
		}
		files = append(files, w.newChangedFile(entry.path, classifyStatus(entry.xy)))
		seen[entry.path] = true
	}

	if w.commitHash != "" {
		diffFiles, err := w.diffSince(ctx, seen)
		if err == nil {
			files = append(files, diffFiles...)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// diffSince lists files changed between the base commit and HEAD that the
// porcelain status did not already cover.
func (w *Watcher) diffSince(ctx context.Context, seen map[string]bool) ([]ChangedFile, error) {
	out, err := w.git(ctx, "diff", "--name-status", w.commitHash, "--")
	if err != nil {
		return nil, err
	}

	var files []ChangedFile
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		statusChar, rest, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		// Renames list source then destination; keep the destination.
		path := rest
		if _, dst, ok := strings.Cut(rest, "\t"); ok {
			path = dst
		}
		if path == "" || seen[path] {
			continue
		}
		if w.isIgnored(ctx, path) {
			continue
		}

		status := StatusStaged
		if strings.HasPrefix(statusChar, "D") {
			status = StatusDeleted
		}
		files = append(files, w.newChangedFile(path, status))
		seen[path] = true
	}
	return files, nil
}

func (w *Watcher) newChangedFile(path string, status FileStatus) ChangedFile {
	f := ChangedFile{Path: path, Status: status}
	if status != StatusDeleted {
		if info, err := os.Stat(filepath.Join(w.repoPath, path)); err == nil {
			f.ModTime = info.ModTime()
		}
	}
	return f
}

func (w *Watcher) isIgnored(ctx context.Context, path string) bool {
	if w.filter != nil {
		return w.filter.IsGitignored(path)
	}
	_, err := w.git(ctx, "check-ignore", path)
	return err == nil
}

func (w *Watcher) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.repoPath
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// statusEntry is one parsed porcelain v2 line.
type statusEntry struct {
	path string
	xy   string
}

// parsePorcelainV2 extracts path and XY status codes from porcelain v2
// output. Renames report the destination path. Unrecognized entry types
// are skipped rather than treated as errors.
func parsePorcelainV2(out string) []statusEntry {
	var entries []statusEntry
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, " ")

		var path, xy string
		switch parts[0] {
		case "1":
			// 1 <XY> <sub> <mH> <mI> <mW> <hH> <hI> <path>
			if len(parts) < 9 {
				continue
			}
			xy = parts[1]
			path = strings.Join(parts[8:], " ")
		case "2":
			// 2 <XY> <sub> ... <Xscore> <origPath><TAB><newPath>
			if len(parts) < 10 {
				continue
			}
			xy = parts[1]
			portion := strings.Join(parts[9:], " ")
			if _, dst, ok := strings.Cut(portion, "\t"); ok {
				portion = dst
			}
			path = portion
		case "?":
			xy = "??"
			path = strings.Join(parts[1:], " ")
		case "u":
			// u <XY> <sub> <m1> <m2> <m3> <mW> <h1> <h2> <h3> <path>
			if len(parts) < 11 {
				continue
			}
			xy = parts[1]
			path = strings.Join(parts[10:], " ")
		default:
			continue
		}

		path = unquotePath(path)
		if path == "" {
			continue
		}
		entries = append(entries, statusEntry{path: path, xy: xy})
	}
	return entries
}

// unquotePath strips the quoting git applies to paths with special
// characters.
func unquotePath(path string) string {
	if len(path) >= 2 && strings.HasPrefix(path, `"`) && strings.HasSuffix(path, `"`) {
		return path[1 : len(path)-1]
	}
	return path
}

// classifyStatus folds a porcelain XY pair into a coarse file status.
// Deletion on either side wins; anything touched in the index counts as
// staged.
func classifyStatus(xy string) FileStatus {
	if len(xy) < 2 {
		return StatusUnstaged
	}
	index, work := xy[0], xy[1]

	switch {
	case index == 'D' || work == 'D':
		return StatusDeleted
	case xy == "??":
		return StatusUntracked
	case index != '.' && index != '?':
		return StatusStaged
	default:
		return StatusUnstaged
	}
}
