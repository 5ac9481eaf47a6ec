package symbols

import "strings"

// kindMap expands single-letter ctags kind codes to canonical names.
// Covers the universal codes plus the language-specific ones ctags emits
// for the languages we commonly index.
var kindMap = map[string]string{
	// Universal
	"f": "function",
	"c": "class",
	"m": "method",
	"v": "variable",
	"d": "macro",
	"t": "type",
	"s": "struct",
	"e": "enum",
	"g": "enum_value",
	"n": "namespace",
	"i": "interface",
	"p": "property",
	"M": "member",
	"F": "field",
	// Python
	"I": "import",
	// JavaScript/TypeScript
	"C": "constant",
	"G": "generator",
	// Go
	"w": "field",
	"a": "alias",
	// Rust
	"P": "impl",
}

// kindAliases groups the spellings that should satisfy a canonical kind
// filter. Matching is exact against these sets, never substring or fuzzy.
var kindAliases = map[string]map[string]bool{
	"function":  {"f": true, "function": true, "func": true, "method": true, "m": true},
	"method":    {"m": true, "method": true, "function": true, "f": true},
	"class":     {"c": true, "class": true, "struct": true, "s": true},
	"variable":  {"v": true, "variable": true, "var": true},
	"constant":  {"C": true, "constant": true, "const": true, "d": true},
	"interface": {"i": true, "interface": true},
	"type":      {"t": true, "type": true, "typedef": true},
}

// CanonicalKind maps a ctags kind code to its canonical name.
// Unknown codes pass through unchanged (lowercased full names stay as-is).
func CanonicalKind(kind string) string {
	if expanded, ok := kindMap[kind]; ok {
		return expanded
	}
	return strings.ToLower(kind)
}

// MatchesKind reports whether a symbol's kind satisfies a kind filter.
// Both full names and single-letter codes are accepted on either side.
// An empty kind on either side matches everything.
func MatchesKind(symbolKind, filterKind string) bool {
	if symbolKind == "" || filterKind == "" {
		return true
	}

	symbolLower := strings.ToLower(symbolKind)
	filterLower := strings.ToLower(filterKind)

	if symbolLower == filterLower {
		return true
	}

	// Symbol kind may be a single-letter code for the filtered kind.
	if CanonicalKind(symbolKind) == filterLower {
		return true
	}

	if aliases, ok := kindAliases[filterLower]; ok {
		return aliases[symbolKind] || aliases[symbolLower]
	}

	return false
}

// scopeOpeners are the canonical kinds whose textual extent can contain
// other symbols. Used by the enclosing-scope heuristic.
var scopeOpeners = map[string]bool{
	"function":  true,
	"method":    true,
	"class":     true,
	"struct":    true,
	"interface": true,
	"namespace": true,
	"module":    true,
	"impl":      true,
	"trait":     true,
}

// isScopeOpener reports whether a symbol can enclose other symbols.
func isScopeOpener(s Symbol) bool {
	return scopeOpeners[CanonicalKind(s.Kind)]
}
