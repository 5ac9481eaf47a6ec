// Package tools exposes the repository to the model during a scan. Every
// tool call returns a tagged Result; tool faults are data for the model to
// react to, never errors that abort the scan.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"codescan/internal/filefilter"
	"codescan/internal/symbols"
)

// DefaultChunkTokens caps how much of a file one read_file call returns.
const DefaultChunkTokens = 4000

// Result is the outcome of one tool execution.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Executor runs tool requests against one repository.
type Executor struct {
	root      string
	chunkSize int
	index     *symbols.Index
	filter    *filefilter.Filter
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithIndex attaches the symbol index backing the symbol tools. Without
// one, those tools report not_indexed.
func WithIndex(ix *symbols.Index) Option {
	return func(e *Executor) { e.index = ix }
}

// WithFilter applies repository exclusion rules to search and listing.
func WithFilter(f *filefilter.Filter) Option {
	return func(e *Executor) { e.filter = f }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor builds an executor rooted at the repository. contextLimit
// sizes read_file chunks; a quarter of the window, capped at
// DefaultChunkTokens, leaves room for the surrounding conversation.
func NewExecutor(root string, contextLimit int, opts ...Option) *Executor {
	chunk := DefaultChunkTokens
	if contextLimit > 0 && contextLimit/4 < chunk {
		chunk = contextLimit / 4
	}
	e := &Executor{
		root:      root,
		chunkSize: chunk,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schemas returns the tool definitions this executor answers, in the
// function-calling format both backends accept.
func (e *Executor) Schemas() []Tool {
	return Schemas()
}

// Execute dispatches one tool call. Unknown tools and panics inside tool
// implementations surface as failed Results.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (result Result) {
	e.logger.Info("executing tool", "tool", name)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", name, "panic", r)
			result = failure("Tool execution failed: %v", r)
		}
	}()

	switch name {
	case "search_text":
		return e.searchText(searchArgs(args))
	case "read_file":
		return e.readFile(stringArg(args, "file_path"), intArg(args, "start_line"), intArg(args, "end_line"))
	case "list_directory":
		dir := stringArg(args, "directory_path")
		if dir == "" {
			dir = "."
		}
		return e.listDirectory(dir, boolArg(args, "recursive", false), intArg(args, "offset"))
	case "get_file_summary":
		return e.fileSummary(stringArg(args, "file_path"))
	case "get_file_diff":
		return e.fileDiff(ctx, stringArg(args, "file_path"))
	case "symbol_exists":
		return e.symbolExists(stringArg(args, "symbol"))
	case "find_definition":
		return e.findDefinition(stringArg(args, "symbol"), stringArg(args, "kind"))
	case "find_symbols":
		return e.findSymbols(stringArg(args, "pattern"), stringArg(args, "kind"))
	case "get_enclosing_scope":
		return e.enclosingScope(stringArg(args, "file_path"), intArg(args, "line"))
	case "find_usages":
		return e.findUsages(stringArg(args, "symbol"), intArg(args, "offset"))
	default:
		return failure("Unknown tool: %s", name)
	}
}

// resolve maps a repository-relative path to an absolute one, rejecting
// escapes above the root.
func (e *Executor) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Clean(filepath.Join(e.root, filepath.FromSlash(rel)))

	root := filepath.Clean(e.root)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: path '%s' is outside repository", rel)
	}
	return full, nil
}

var skippedDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"build":        true,
	"dist":         true,
	"target":       true,
	".git":         true,
}

// skippedComponent reports path components never exposed to the model:
// hidden entries and common build trees.
func skippedComponent(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, ".") || skippedDirs[part] {
			return true
		}
	}
	return false
}

// walkFiles visits every exposable file under the repository root with its
// slash-relative path.
func (e *Executor) walkFiles(visit func(rel, full string) error) error {
	return filepath.WalkDir(e.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		rel, relErr := filepath.Rel(e.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if skippedComponent(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if skippedComponent(rel) {
			return nil
		}
		if e.filter != nil {
			if skip, _ := e.filter.ShouldSkip(rel); skip {
				return nil
			}
		}
		return visit(rel, path)
	})
}

// Argument coercion helpers. The model sends loosely typed JSON.

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// searchArgs collects search_text's polymorphic arguments: patterns may
// arrive as one string or an array.
func searchArgs(args map[string]any) searchRequest {
	req := searchRequest{
		wholeWord:     boolArg(args, "match_whole_word", true),
		caseSensitive: boolArg(args, "case_sensitive", false),
		filePattern:   stringArg(args, "file_pattern"),
		offset:        intArg(args, "offset"),
	}
	switch v := args["patterns"].(type) {
	case string:
		req.patterns = []string{v}
	case []any:
		for _, p := range v {
			if s, ok := p.(string); ok {
				req.patterns = append(req.patterns, s)
			}
		}
	case []string:
		req.patterns = v
	}
	return req
}
