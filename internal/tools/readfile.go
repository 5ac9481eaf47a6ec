package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codescan/internal/filefilter"
	"codescan/internal/textutil"
)

// listPageSize bounds how many entries one list_directory call returns.
const listPageSize = 100

// readFile returns file content by line range, chunked so one call never
// floods the context window. start and end are 1-based; zero means
// unbounded on that side.
func (e *Executor) readFile(rel string, start, end int) Result {
	full, err := e.resolve(rel)
	if err != nil {
		return failure("%v", err)
	}

	info, err := os.Stat(full)
	if err != nil {
		return failure("File not found: %s", rel)
	}
	if info.IsDir() {
		return failure("Path is a directory, not a file: %s", rel)
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return failure("Error reading file: %v", err)
	}
	if filefilter.IsBinary(content) {
		return failure("Cannot read binary file: %s", rel)
	}

	lines := strings.Split(string(content), "\n")
	totalLines := len(lines)

	if start == 0 {
		start = 1
	}
	if start < 1 || start > totalLines {
		return failure("Invalid start_line: %d (file has %d lines)", start, totalLines)
	}
	if end == 0 || end > totalLines {
		end = totalLines
	}
	if end < start {
		return failure("Invalid line range: start_line %d is after end_line %d", start, end)
	}

	// Accumulate whole lines until the chunk token budget is spent.
	var (
		kept      []string
		used      int
		truncated bool
	)
	for i := start - 1; i < end; i++ {
		cost := textutil.EstimateTokens(lines[i]) + 1
		if used+cost > e.chunkSize && len(kept) > 0 {
			truncated = true
			break
		}
		kept = append(kept, lines[i])
		used += cost
	}

	lastLine := start + len(kept) - 1
	data := map[string]any{
		"file_path":   rel,
		"content":     strings.Join(kept, "\n"),
		"start_line":  start,
		"end_line":    lastLine,
		"total_lines": totalLines,
		"is_partial":  truncated || start > 1 || lastLine < totalLines,
		"has_more":    lastLine < totalLines,
	}

	var warning string
	switch {
	case lastLine < totalLines:
		data["next_start_line"] = lastLine + 1
		pct := 100 * lastLine / totalLines
		data["hint"] = fmt.Sprintf("You now have %d%% of this file. Call read_file with start_line=%d to continue.", pct, lastLine+1)
		if truncated {
			warning = fmt.Sprintf("PARTIAL CONTENT: returned lines %d-%d of %d to stay within the output budget.", start, lastLine, totalLines)
		}
	case start == 1:
		data["hint"] = "This is the COMPLETE file."
	}

	return Result{Success: true, Data: data, Warning: warning}
}

type dirEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Size  int64  `json:"size,omitempty"`
	Lines int    `json:"lines,omitempty"`
}

// listDirectory lists a directory's exposable contents, directories first,
// paginated at listPageSize.
func (e *Executor) listDirectory(rel string, recursive bool, offset int) Result {
	full, err := e.resolve(rel)
	if err != nil {
		return failure("%v", err)
	}

	info, err := os.Stat(full)
	if err != nil {
		return failure("Directory not found: %s", rel)
	}
	if !info.IsDir() {
		return failure("Path is not a directory: %s", rel)
	}

	var dirs, files []dirEntry

	add := func(entryRel, entryFull string, isDir bool) {
		if skippedComponent(entryRel) {
			return
		}
		entry := dirEntry{Name: filepath.Base(entryRel), Path: entryRel}
		if isDir {
			dirs = append(dirs, entry)
			return
		}
		if e.filter != nil {
			if skip, _ := e.filter.ShouldSkip(entryRel); skip {
				return
			}
		}
		if fi, statErr := os.Stat(entryFull); statErr == nil {
			entry.Size = fi.Size()
		}
		if content, readErr := os.ReadFile(entryFull); readErr == nil && !filefilter.IsBinary(content) {
			entry.Lines = strings.Count(string(content), "\n") + 1
		}
		files = append(files, entry)
	}

	if recursive {
		filepath.WalkDir(full, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			sub, relErr := filepath.Rel(e.root, path)
			if relErr != nil || path == full {
				return nil
			}
			sub = filepath.ToSlash(sub)
			if d.IsDir() && skippedComponent(sub) {
				return filepath.SkipDir
			}
			add(sub, path, d.IsDir())
			return nil
		})
	} else {
		entries, readErr := os.ReadDir(full)
		if readErr != nil {
			return failure("Error listing directory: %v", readErr)
		}
		for _, d := range entries {
			sub, relErr := filepath.Rel(e.root, filepath.Join(full, d.Name()))
			if relErr != nil {
				continue
			}
			add(filepath.ToSlash(sub), filepath.Join(full, d.Name()), d.IsDir())
		}
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Path < dirs[j].Path })
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	// Directories come first in the combined pagination order.
	combined := make([]dirEntry, 0, len(dirs)+len(files))
	combined = append(combined, dirs...)
	combined = append(combined, files...)

	total := len(combined)
	page := paginate(combined, offset, listPageSize)
	hasMore := offset+listPageSize < total

	// The first len(dirs) combined entries are directories, so the page
	// splits at that boundary.
	pageDirs := []dirEntry{}
	pageFiles := []dirEntry{}
	for i, entry := range page {
		if clampOffset(offset)+i < len(dirs) {
			pageDirs = append(pageDirs, entry)
		} else {
			pageFiles = append(pageFiles, entry)
		}
	}

	data := map[string]any{
		"directory":         rel,
		"directories":       pageDirs,
		"files":             pageFiles,
		"total_directories": len(dirs),
		"total_files":       len(files),
		"total_entries":     total,
		"returned_count":    len(page),
		"offset":            offset,
		"has_more":          hasMore,
	}

	var warning string
	if hasMore {
		next := offset + listPageSize
		data["next_offset"] = next
		warning = fmt.Sprintf("PARTIAL LISTING: showing %d of %d entries. Call list_directory again with offset=%d for more.",
			len(page), total, next)
	}

	return Result{Success: true, Data: data, Warning: warning}
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// fileSummary combines the file's indexed structure with basic stats.
func (e *Executor) fileSummary(rel string) Result {
	full, err := e.resolve(rel)
	if err != nil {
		return failure("%v", err)
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return failure("File not found: %s", rel)
	}
	if filefilter.IsBinary(content) {
		return failure("Cannot summarize binary file: %s", rel)
	}

	data := map[string]any{
		"file_path":   rel,
		"size_bytes":  len(content),
		"total_lines": strings.Count(string(content), "\n") + 1,
	}

	if e.index == nil {
		data["structure"] = map[string]any{"status": "not_indexed"}
	} else {
		structure, status := e.index.Structure(rel)
		if notReady, bad := indexStatusData(status, e.index); bad {
			data["structure"] = notReady
		} else {
			data["structure"] = structure
		}
	}

	return Result{Success: true, Data: data}
}
