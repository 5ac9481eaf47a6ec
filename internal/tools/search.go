package tools

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"codescan/internal/filefilter"
	"codescan/internal/symbols"
)

// searchPageSize bounds how many matches one search_text call returns.
const searchPageSize = 50

type searchRequest struct {
	patterns      []string
	wholeWord     bool
	caseSensitive bool
	filePattern   string
	offset        int
}

type searchMatch struct {
	Pattern string `json:"-"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Code    string `json:"code"`
}

// searchText scans every exposable text file for the requested patterns.
// Patterns are literal text, matched whole-word by default. Results are
// paginated at searchPageSize with offset continuation.
func (e *Executor) searchText(req searchRequest) Result {
	live := req.patterns[:0]
	for _, p := range req.patterns {
		if p != "" {
			live = append(live, p)
		}
	}
	req.patterns = live
	if len(req.patterns) == 0 {
		return failure("At least one non-empty pattern is required")
	}

	type compiled struct {
		original string
		re       *regexp.Regexp
	}
	var compiledPatterns []compiled
	for _, p := range req.patterns {
		expr := regexp.QuoteMeta(p)
		if req.wholeWord {
			expr = `\b` + expr + `\b`
		}
		if !req.caseSensitive {
			expr = `(?i)` + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return failure("invalid pattern %q: %v", p, err)
		}
		compiledPatterns = append(compiledPatterns, compiled{original: p, re: re})
	}

	var all []searchMatch
	e.walkFiles(func(rel, full string) error {
		if req.filePattern != "" && !matchesGlob(req.filePattern, rel) {
			return nil
		}

		content, err := os.ReadFile(full)
		if err != nil || filefilter.IsBinary(content) {
			return nil
		}

		for lineNum, line := range strings.Split(string(content), "\n") {
			for _, cp := range compiledPatterns {
				if cp.re.MatchString(line) {
					all = append(all, searchMatch{
						Pattern: cp.original,
						File:    rel,
						Line:    lineNum + 1,
						Code:    strings.TrimSpace(line),
					})
				}
			}
		}
		return nil
	})

	total := len(all)
	page := paginate(all, req.offset, searchPageSize)
	hasMore := req.offset+searchPageSize < total

	byPattern := make(map[string][]searchMatch)
	for _, m := range page {
		byPattern[m.Pattern] = append(byPattern[m.Pattern], m)
	}
	counts := make(map[string]int)
	for _, m := range all {
		counts[m.Pattern]++
	}

	data := map[string]any{
		"patterns_searched":    req.patterns,
		"total_matches":        total,
		"returned_count":       len(page),
		"offset":               req.offset,
		"has_more":             hasMore,
		"matches_by_pattern":   byPattern,
		"pattern_match_counts": counts,
	}

	var warning string
	if hasMore {
		next := req.offset + searchPageSize
		data["next_offset"] = next
		warning = fmt.Sprintf("PARTIAL RESULTS: showing %d of %d total matches (offset %d). Call search_text again with offset=%d for more.",
			len(page), total, req.offset, next)
	}

	return Result{Success: true, Data: data, Warning: warning}
}

// findUsages is a focused wrapper over search_text: whole-word occurrences
// of one symbol, with its definitions attached when the index is ready.
func (e *Executor) findUsages(symbol string, offset int) Result {
	if symbol == "" {
		return failure("symbol is required")
	}

	result := e.searchText(searchRequest{
		patterns:  []string{symbol},
		wholeWord: true,
		offset:    offset,
	})
	if !result.Success {
		return result
	}

	if e.index != nil {
		if defs, status := e.index.FindDefinitions(symbol, ""); status == symbols.StatusOK {
			definitions := make([]map[string]any, 0, len(defs))
			for _, d := range defs {
				definitions = append(definitions, symbolEntry(d))
			}
			if data, ok := result.Data.(map[string]any); ok {
				data["definitions"] = definitions
			}
		}
	}
	return result
}

// matchesGlob tries a file glob against both the base name and the whole
// relative path.
func matchesGlob(pattern, rel string) bool {
	if ok, err := path.Match(pattern, path.Base(rel)); err == nil && ok {
		return true
	}
	ok, err := path.Match(pattern, rel)
	return err == nil && ok
}

// paginate slices out one page, tolerating out-of-range offsets.
func paginate[T any](items []T, offset, size int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + size
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
