package symbols

import (
	"path"
	"strings"
)

// Status qualifies every query result. "Not found" is ordinary data; these
// statuses exist so an empty result is never mistaken for a missing index.
type Status string

const (
	StatusOK         Status = "ok"
	StatusNotIndexed Status = "not_indexed"
	StatusIndexing   Status = "indexing_in_progress"
)

// FindDefinitions returns all symbols whose name equals name, optionally
// restricted to a canonical kind. Results keep index order.
func (ix *Index) FindDefinitions(name, kind string) ([]Symbol, Status) {
	snap, status := ix.current()
	if status != StatusOK {
		return nil, status
	}

	var defs []Symbol
	for _, s := range snap.lookupName(name) {
		if s.Name != name {
			continue
		}
		if kind == "" || MatchesKind(s.Kind, kind) {
			defs = append(defs, s)
		}
	}
	return defs, StatusOK
}

// FindByPattern returns all symbols whose name matches pattern. Patterns
// containing * or ? are matched as globs; anything else matches as a
// case-insensitive substring. The full match set is returned; pagination is
// the caller's concern.
func (ix *Index) FindByPattern(pattern, kind string) ([]Symbol, Status) {
	snap, status := ix.current()
	if status != StatusOK {
		return nil, status
	}

	match := matcherFor(pattern)

	var out []Symbol
	for _, s := range snap.symbols {
		if !match(s.Name) {
			continue
		}
		if kind != "" && !MatchesKind(s.Kind, kind) {
			continue
		}
		out = append(out, s)
	}
	return out, StatusOK
}

// matcherFor compiles a name predicate from a glob or substring pattern.
func matcherFor(pattern string) func(string) bool {
	lower := strings.ToLower(pattern)
	if strings.ContainsAny(pattern, "*?") {
		return func(name string) bool {
			ok, err := path.Match(lower, strings.ToLower(name))
			return err == nil && ok
		}
	}
	return func(name string) bool {
		return strings.Contains(strings.ToLower(name), lower)
	}
}

// SymbolsInFile returns the symbols indexed for one file, ascending by line.
// An unknown or symbol-free file yields an empty slice, not an error.
func (ix *Index) SymbolsInFile(filePath, kind string) ([]Symbol, Status) {
	snap, status := ix.current()
	if status != StatusOK {
		return nil, status
	}

	file := snap.lookupFile(filePath)
	if kind == "" {
		return append([]Symbol(nil), file...), StatusOK
	}

	var out []Symbol
	for _, s := range file {
		if MatchesKind(s.Kind, kind) {
			out = append(out, s)
		}
	}
	return out, StatusOK
}

// ClassMembers is the result of a class member enumeration.
type ClassMembers struct {
	Found   bool
	Class   Symbol
	Members []Symbol
}

// ClassMembersOf enumerates the members of a named class (or struct or other
// class-kind alias). When several files define a class with the same name,
// enumeration is scoped to the file of the first matched definition, so
// same-named members in unrelated files are not mixed in. A class with no
// definition in the index reports Found=false; that is data, not an error.
func (ix *Index) ClassMembersOf(className string) (ClassMembers, Status) {
	snap, status := ix.current()
	if status != StatusOK {
		return ClassMembers{}, status
	}

	var def *Symbol
	for _, s := range snap.lookupName(className) {
		if MatchesKind(s.Kind, "class") {
			def = &s
			break
		}
	}
	if def == nil {
		return ClassMembers{Found: false, Members: []Symbol{}}, StatusOK
	}

	members := []Symbol{}
	for _, s := range snap.lookupFile(def.Path) {
		if s.Scope != "" && strings.EqualFold(s.Scope, className) {
			members = append(members, s)
		}
	}

	return ClassMembers{Found: true, Class: *def, Members: members}, StatusOK
}

// EnclosingSymbol resolves the innermost scope-opening symbol containing the
// given line, using only the flat line-sorted tag list: the nearest preceding
// scope opener whose extent (EndLine when ctags reported one, otherwise up to
// the next non-nested scope opener, or end of file) covers the line. Returns
// nil when the line precedes every scope or nothing covers it.
func (ix *Index) EnclosingSymbol(filePath string, line int) (*Symbol, Status) {
	snap, status := ix.current()
	if status != StatusOK {
		return nil, status
	}

	file := snap.lookupFile(filePath)

	var best *Symbol
	for i := range file {
		s := file[i]
		if s.Line > line {
			break
		}
		if !isScopeOpener(s) {
			continue
		}
		if end := scopeEnd(file, i); end == 0 || line <= end {
			best = &file[i]
		}
	}

	if best == nil {
		return nil, StatusOK
	}
	found := *best
	return &found, StatusOK
}

// scopeEnd estimates where the extent of file[i] ends. ctags end lines win;
// without one the scope runs until the next scope opener that is not nested
// inside it. Zero means the scope runs to the end of the file.
func scopeEnd(file []Symbol, i int) int {
	s := file[i]
	if s.EndLine > 0 {
		return s.EndLine
	}
	for j := i + 1; j < len(file); j++ {
		next := file[j]
		if !isScopeOpener(next) {
			continue
		}
		if nestedIn(next, s) {
			continue
		}
		return next.Line - 1
	}
	return 0
}

// nestedIn reports whether child's scope chain references parent by name.
// Flat tag records carry only qualified scope strings, so this is a
// name-level check, not true containment.
func nestedIn(child, parent Symbol) bool {
	if child.Scope == "" {
		return false
	}
	for _, part := range strings.FieldsFunc(child.Scope, func(r rune) bool {
		return r == '.' || r == ':'
	}) {
		if strings.EqualFold(part, parent.Name) {
			return true
		}
	}
	return false
}

// FileStructure is an ordered summary of one file's indexed contents.
type FileStructure struct {
	Path      string          `json:"file_path"`
	Language  string          `json:"language,omitempty"`
	Classes   []ClassOutline  `json:"classes"`
	Functions []MemberOutline `json:"functions"`
	Variables []MemberOutline `json:"variables"`
	Imports   []MemberOutline `json:"imports"`
	Other     []MemberOutline `json:"other"`
}

// ClassOutline summarizes one class-like symbol and its members.
type ClassOutline struct {
	Name       string          `json:"name"`
	Line       int             `json:"line"`
	Kind       string          `json:"kind"`
	Methods    []MemberOutline `json:"methods"`
	Properties []MemberOutline `json:"properties"`
}

// MemberOutline is one entry in a file structure listing.
type MemberOutline struct {
	Name      string `json:"name"`
	Line      int    `json:"line"`
	Kind      string `json:"kind,omitempty"`
	Signature string `json:"signature,omitempty"`
	Access    string `json:"access,omitempty"`
}

// Structure summarizes a file's classes, functions, variables, and imports.
// Files absent from the index produce an explicitly empty structure; that is
// a valid answer for exploratory tooling, never an error.
func (ix *Index) Structure(filePath string) (FileStructure, Status) {
	snap, status := ix.current()
	if status != StatusOK {
		return FileStructure{}, status
	}

	fs := FileStructure{
		Path:      normalizePath(filePath),
		Classes:   []ClassOutline{},
		Functions: []MemberOutline{},
		Variables: []MemberOutline{},
		Imports:   []MemberOutline{},
		Other:     []MemberOutline{},
	}

	classIdx := make(map[string]int)
	for _, s := range snap.lookupFile(filePath) {
		if fs.Language == "" {
			fs.Language = s.Language
		}

		switch kind := CanonicalKind(s.Kind); kind {
		case "class", "struct", "interface", "trait":
			classIdx[s.Name] = len(fs.Classes)
			fs.Classes = append(fs.Classes, ClassOutline{
				Name:       s.Name,
				Line:       s.Line,
				Kind:       kind,
				Methods:    []MemberOutline{},
				Properties: []MemberOutline{},
			})
		case "function", "method":
			entry := MemberOutline{Name: s.Name, Line: s.Line, Signature: s.Signature, Access: s.Access}
			if i, ok := classIdx[s.Scope]; s.Scope != "" && ok {
				fs.Classes[i].Methods = append(fs.Classes[i].Methods, entry)
			} else {
				fs.Functions = append(fs.Functions, entry)
			}
		case "property", "member", "field":
			entry := MemberOutline{Name: s.Name, Line: s.Line, Access: s.Access}
			if i, ok := classIdx[s.Scope]; s.Scope != "" && ok {
				fs.Classes[i].Properties = append(fs.Classes[i].Properties, entry)
			} else {
				fs.Variables = append(fs.Variables, entry)
			}
		case "variable", "constant":
			fs.Variables = append(fs.Variables, MemberOutline{Name: s.Name, Line: s.Line})
		case "import":
			fs.Imports = append(fs.Imports, MemberOutline{Name: s.Name, Line: s.Line})
		default:
			fs.Other = append(fs.Other, MemberOutline{Name: s.Name, Line: s.Line, Kind: kind})
		}
	}

	return fs, StatusOK
}

// IndexStats returns aggregate counts for the current snapshot.
func (ix *Index) IndexStats() (Stats, Status) {
	snap, status := ix.current()
	if status != StatusOK {
		return Stats{}, status
	}
	return snap.stats, StatusOK
}
