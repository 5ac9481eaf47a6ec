// Package symbols maintains a ctags-backed symbol index for a repository.
//
// The index is built by invoking universal-ctags as a subprocess and parsing
// its JSON tag stream into an immutable in-memory snapshot. Queries always
// read the currently published snapshot, so a rebuild running in the
// background never blocks or corrupts readers.
//
// Universal Ctags must be installed on the system. Install via:
//   - Ubuntu/Debian: sudo apt install universal-ctags
//   - macOS: brew install universal-ctags
//   - Windows: choco install universal-ctags
package symbols

// Symbol is one recorded occurrence of a named program entity.
type Symbol struct {
	Name      string `json:"name"`
	Path      string `json:"path"` // repo-relative, slash-normalized
	Line      int    `json:"line"` // 1-based
	Kind      string `json:"kind"` // canonical kind, or raw ctags code if unmapped
	Scope     string `json:"scope,omitempty"`
	ScopeKind string `json:"scope_kind,omitempty"`
	Signature string `json:"signature,omitempty"`
	Access    string `json:"access,omitempty"` // public, private, protected
	Language  string `json:"language,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	EndLine   int    `json:"end_line,omitempty"` // 0 when ctags did not report an extent
}

// QualifiedScope returns the scope with its kind prefix, e.g. "class:Server".
func (s Symbol) QualifiedScope() string {
	if s.Scope == "" {
		return ""
	}
	if s.ScopeKind == "" {
		return s.Scope
	}
	return s.ScopeKind + ":" + s.Scope
}

// Stats summarizes one index snapshot.
type Stats struct {
	Symbols    int            `json:"total_symbols"`
	Files      int            `json:"total_files"`
	ByKind     map[string]int `json:"by_kind"`
	ByLanguage map[string]int `json:"by_language"`
}
