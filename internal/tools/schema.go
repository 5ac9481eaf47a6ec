package tools

// Tool is one entry in the OpenAI function-calling tool list.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function describes a callable tool to the model.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func schema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

// Schemas returns the tool definitions advertised to the model with each
// scan request.
func Schemas() []Tool {
	return []Tool{
		fn("search_text",
			"Search for literal text patterns across the repository. Matches whole words by default. Returns up to 50 matches per call; pass offset to page through the rest.",
			schema(map[string]any{
				"patterns": map[string]any{
					"description": "Pattern or list of patterns to search for (literal text, not regex).",
					"anyOf": []any{
						map[string]any{"type": "string"},
						map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
				},
				"match_whole_word": boolean("Match whole words only. Defaults to true."),
				"case_sensitive":   boolean("Case-sensitive matching. Defaults to false."),
				"file_pattern":     str("Glob restricting which files are searched, e.g. '*.go'."),
				"offset":           integer("Result offset for pagination. Defaults to 0."),
			}, "patterns")),
		fn("read_file",
			"Read a file's content, optionally restricted to a line range. Large files are returned in chunks; follow the next_start_line hint to continue.",
			schema(map[string]any{
				"file_path":  str("Repository-relative path of the file to read."),
				"start_line": integer("First line to return (1-based). Defaults to 1."),
				"end_line":   integer("Last line to return (inclusive). Defaults to end of file."),
			}, "file_path")),
		fn("list_directory",
			"List a directory's files and subdirectories. Returns up to 100 entries per call, directories first.",
			schema(map[string]any{
				"directory_path": str("Repository-relative directory to list. Defaults to the repository root."),
				"recursive":      boolean("Recurse into subdirectories. Defaults to false."),
				"offset":         integer("Entry offset for pagination. Defaults to 0."),
			})),
		fn("get_file_summary",
			"Summarize a file: size, line count, and its classes, functions, and variables from the symbol index.",
			schema(map[string]any{
				"file_path": str("Repository-relative path of the file to summarize."),
			}, "file_path")),
		fn("get_file_diff",
			"Show a file's uncommitted changes as a unified diff.",
			schema(map[string]any{
				"file_path": str("Repository-relative path of the file to diff."),
			}, "file_path")),
		fn("symbol_exists",
			"Check whether a symbol is defined anywhere in the repository.",
			schema(map[string]any{
				"symbol": str("Exact symbol name to look up."),
			}, "symbol")),
		fn("find_definition",
			"Find where a symbol is defined. Returns every definition site with file, line, and kind.",
			schema(map[string]any{
				"symbol": str("Exact symbol name to look up."),
				"kind":   str("Optional kind filter, e.g. 'function', 'class', 'variable'."),
			}, "symbol")),
		fn("find_symbols",
			"Find symbols by name pattern. Glob patterns (* and ?) match the whole name; anything else matches as a case-insensitive substring. Returns up to 50 symbols.",
			schema(map[string]any{
				"pattern": str("Name pattern to match, e.g. 'parse*' or 'handler'."),
				"kind":    str("Optional kind filter, e.g. 'function', 'class', 'variable'."),
			}, "pattern")),
		fn("get_enclosing_scope",
			"Find the function, method, or class containing a given line of a file.",
			schema(map[string]any{
				"file_path": str("Repository-relative path of the file."),
				"line":      integer("Line number (1-based)."),
			}, "file_path", "line")),
		fn("find_usages",
			"Find everywhere a symbol is referenced, with its definition sites attached. Returns up to 50 usages per call; pass offset to page through the rest.",
			schema(map[string]any{
				"symbol": str("Exact symbol name to look up."),
				"offset": integer("Result offset for pagination. Defaults to 0."),
			}, "symbol")),
	}
}

func fn(name, desc string, params map[string]any) Tool {
	return Tool{Type: "function", Function: Function{Name: name, Description: desc, Parameters: params}}
}
