// Package filefilter decides which files the scanner should ignore.
// It combines three rule sets, cheapest first: the scanner's own output
// files, ignore patterns from the configuration, and .gitignore patterns.
package filefilter

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// Skip reasons reported by ShouldSkip.
const (
	ReasonScannerFile   = "scanner_file"
	ReasonConfigPattern = "config_pattern"
	ReasonGitignore     = "gitignore"
)

// Filter holds the compiled exclusion rules for one repository.
type Filter struct {
	repoPath       string
	scannerFiles   map[string]bool
	configPatterns []string
	gitignore      *ignore.GitIgnore
	noGitignore    bool
}

// Option configures a Filter.
type Option func(*Filter)

// WithScannerFiles registers output files the scanner writes itself. They
// are always skipped, both by exact path and by base name.
func WithScannerFiles(files ...string) Option {
	return func(f *Filter) {
		for _, file := range files {
			f.scannerFiles[file] = true
		}
	}
}

// WithConfigPatterns adds glob patterns from configuration ignore groups.
func WithConfigPatterns(patterns ...string) Option {
	return func(f *Filter) {
		f.configPatterns = append(f.configPatterns, patterns...)
	}
}

// WithoutGitignore disables .gitignore loading.
func WithoutGitignore() Option {
	return func(f *Filter) {
		f.noGitignore = true
	}
}

// New builds a filter for the repository at repoPath. The local .gitignore
// and the user's global one are loaded when present; a repository without
// either simply has no gitignore rules.
func New(repoPath string, opts ...Option) *Filter {
	f := &Filter{
		repoPath:     repoPath,
		scannerFiles: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(f)
	}
	if repoPath != "" && !f.noGitignore {
		f.gitignore = compileGitignore(loadGitignorePatterns(repoPath))
	}
	return f
}

// AddScannerFiles registers more always-skipped output files.
func (f *Filter) AddScannerFiles(files ...string) {
	for _, file := range files {
		f.scannerFiles[file] = true
	}
}

// ShouldSkip reports whether the relative path is excluded, and by which
// rule. The reason is empty for files that pass.
func (f *Filter) ShouldSkip(relPath string) (bool, string) {
	relPath = strings.ReplaceAll(relPath, "\\", "/")
	base := path.Base(relPath)

	if f.scannerFiles[relPath] || f.scannerFiles[base] {
		return true, ReasonScannerFile
	}

	for _, pattern := range f.configPatterns {
		if matchConfigPattern(pattern, relPath, base) {
			return true, ReasonConfigPattern + ":" + pattern
		}
	}

	if f.gitignore != nil && f.gitignore.MatchesPath(relPath) {
		return true, ReasonGitignore
	}

	return false, ""
}

// FilterPaths splits paths into kept and skipped, with skip reasons.
func (f *Filter) FilterPaths(paths []string) (kept []string, skipped map[string]string) {
	skipped = make(map[string]string)
	for _, p := range paths {
		if skip, reason := f.ShouldSkip(p); skip {
			skipped[p] = reason
		} else {
			kept = append(kept, p)
		}
	}
	return kept, skipped
}

// IsGitignored checks only the gitignore rules, as an in-memory stand-in
// for git check-ignore.
func (f *Filter) IsGitignored(relPath string) bool {
	return f.gitignore != nil && f.gitignore.MatchesPath(relPath)
}

// matchConfigPattern applies one config glob. Directory patterns of the
// form "/*name*/" match any path component; plain globs are tried against
// the base name and the full path.
func matchConfigPattern(pattern, relPath, base string) bool {
	if strings.HasPrefix(pattern, "/*") && strings.HasSuffix(pattern, "/") {
		dirPattern := pattern[2 : len(pattern)-1]
		for _, part := range strings.Split(relPath, "/") {
			if ok, err := path.Match(dirPattern, part); err == nil && ok {
				return true
			}
		}
		return false
	}
	if ok, err := path.Match(pattern, base); err == nil && ok {
		return true
	}
	ok, err := path.Match(pattern, relPath)
	return err == nil && ok
}

// loadGitignorePatterns gathers pattern lines from the user's global
// .gitignore and the repository's local one, in that order.
func loadGitignorePatterns(repoPath string) []string {
	var patterns []string

	if homeDir, err := os.UserHomeDir(); err == nil {
		if content, err := os.ReadFile(filepath.Join(homeDir, ".gitignore")); err == nil {
			patterns = append(patterns, parseGitignore(string(content))...)
		}
	}

	if content, err := os.ReadFile(filepath.Join(repoPath, ".gitignore")); err == nil {
		patterns = append(patterns, parseGitignore(string(content))...)
	}

	return patterns
}

// parseGitignore extracts pattern lines, dropping blanks and comments.
func parseGitignore(content string) []string {
	var patterns []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		patterns = append(patterns, trimmed)
	}
	return patterns
}

// compileGitignore builds a matcher, or nil when there are no patterns.
func compileGitignore(patterns []string) *ignore.GitIgnore {
	if len(patterns) == 0 {
		return nil
	}
	return ignore.CompileIgnoreLines(patterns...)
}

// IsBinary sniffs content the way git does: a NUL byte in the first 8000
// bytes marks the file as binary.
func IsBinary(content []byte) bool {
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return false
}
