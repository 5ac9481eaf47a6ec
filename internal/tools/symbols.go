package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"codescan/internal/symbols"
)

// symbolPageSize bounds how many symbols one find_symbols call returns.
const symbolPageSize = 50

// indexStatusData maps a non-ok index status to a tool data payload. Symbol
// tools succeed with a status marker when the index is not ready, so the
// model learns to fall back to text search instead of treating the scan as
// broken.
func indexStatusData(status symbols.Status, ix *symbols.Index) (map[string]any, bool) {
	if status == symbols.StatusOK {
		return nil, false
	}
	data := map[string]any{"status": string(status)}
	switch status {
	case symbols.StatusIndexing:
		data["hint"] = "Symbol index build in progress. Retry shortly or use search_text."
	default:
		data["hint"] = "Symbol index not available. Use search_text instead."
		if ix != nil {
			if err := ix.IndexError(); err != nil {
				data["index_error"] = err.Error()
			}
		}
	}
	return data, true
}

// notReady wraps an index status payload as a successful Result.
func (e *Executor) notReady(status symbols.Status) Result {
	data, _ := indexStatusData(status, e.index)
	return Result{Success: true, Data: data}
}

func symbolEntry(s symbols.Symbol) map[string]any {
	entry := map[string]any{
		"name": s.Name,
		"file": s.Path,
		"line": s.Line,
		"kind": s.Kind,
	}
	if s.Scope != "" {
		entry["scope"] = s.Scope
	}
	if s.Signature != "" {
		entry["signature"] = s.Signature
	}
	return entry
}

func (e *Executor) symbolExists(symbol string) Result {
	if symbol == "" {
		return failure("symbol is required")
	}
	if e.index == nil {
		return e.notReady(symbols.StatusNotIndexed)
	}

	defs, status := e.index.FindDefinitions(symbol, "")
	if status != symbols.StatusOK {
		return e.notReady(status)
	}

	return Result{Success: true, Data: map[string]any{
		"symbol": symbol,
		"exists": len(defs) > 0,
		"count":  len(defs),
	}}
}

func (e *Executor) findDefinition(symbol, kind string) Result {
	if symbol == "" {
		return failure("symbol is required")
	}
	if e.index == nil {
		return e.notReady(symbols.StatusNotIndexed)
	}

	defs, status := e.index.FindDefinitions(symbol, kind)
	if status != symbols.StatusOK {
		return e.notReady(status)
	}

	definitions := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		definitions = append(definitions, symbolEntry(d))
	}

	return Result{Success: true, Data: map[string]any{
		"symbol":      symbol,
		"found":       len(definitions) > 0,
		"definitions": definitions,
	}}
}

func (e *Executor) findSymbols(pattern, kind string) Result {
	if pattern == "" {
		return failure("pattern is required")
	}
	if e.index == nil {
		return e.notReady(symbols.StatusNotIndexed)
	}

	matches, status := e.index.FindByPattern(pattern, kind)
	if status != symbols.StatusOK {
		return e.notReady(status)
	}

	page := matches
	if len(page) > symbolPageSize {
		page = page[:symbolPageSize]
	}
	results := make([]map[string]any, 0, len(page))
	for _, s := range page {
		results = append(results, symbolEntry(s))
	}

	data := map[string]any{
		"pattern":        pattern,
		"match_count":    len(matches),
		"returned_count": len(results),
		"has_more":       len(matches) > len(results),
		"symbols":        results,
	}
	var warning string
	if len(matches) > len(results) {
		warning = "PARTIAL RESULTS: narrow the pattern or add a kind filter to see the rest."
	}
	return Result{Success: true, Data: data, Warning: warning}
}

func (e *Executor) enclosingScope(rel string, line int) Result {
	if rel == "" {
		return failure("file_path is required")
	}
	if line < 1 {
		return failure("line must be a positive line number")
	}
	if e.index == nil {
		return e.notReady(symbols.StatusNotIndexed)
	}

	scope, status := e.index.EnclosingSymbol(rel, line)
	if status != symbols.StatusOK {
		return e.notReady(status)
	}

	data := map[string]any{
		"file_path": rel,
		"line":      line,
		"found":     scope != nil,
	}
	if scope != nil {
		data["scope"] = symbolEntry(*scope)
	}
	return Result{Success: true, Data: data}
}

// fileDiff returns the file's uncommitted changes as a unified diff.
func (e *Executor) fileDiff(ctx context.Context, rel string) Result {
	if _, err := e.resolve(rel); err != nil {
		return failure("%v", err)
	}

	out, err := e.gitDiff(ctx, rel, false)
	if err != nil {
		return failure("Error getting diff: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		// No unstaged changes; the interesting diff may be staged.
		staged, stagedErr := e.gitDiff(ctx, rel, true)
		if stagedErr == nil {
			out = staged
		}
	}

	return Result{Success: true, Data: map[string]any{
		"file_path":   rel,
		"diff":        out,
		"has_changes": strings.TrimSpace(out) != "",
	}}
}

func (e *Executor) gitDiff(ctx context.Context, rel string, staged bool) (string, error) {
	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	args = append(args, "--", rel)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = e.root
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", errors.New(string(bytes.TrimSpace(exitErr.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}
