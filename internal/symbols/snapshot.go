package symbols

import (
	"sort"
	"strings"
)

// Snapshot is one complete index build result. It is never mutated after
// construction; a rebuild publishes a new Snapshot in its place.
type Snapshot struct {
	symbols []Symbol
	byName  map[string][]Symbol // keyed by lowercased name
	byFile  map[string][]Symbol // sorted ascending by line
	stats   Stats
}

// newSnapshot builds all lookup structures from a parsed symbol list.
func newSnapshot(syms []Symbol) *Snapshot {
	snap := &Snapshot{
		symbols: syms,
		byName:  make(map[string][]Symbol),
		byFile:  make(map[string][]Symbol),
	}

	for _, s := range syms {
		key := strings.ToLower(s.Name)
		snap.byName[key] = append(snap.byName[key], s)
		snap.byFile[s.Path] = append(snap.byFile[s.Path], s)
	}

	for path := range snap.byFile {
		file := snap.byFile[path]
		sort.SliceStable(file, func(i, j int) bool {
			return file[i].Line < file[j].Line
		})
	}

	snap.stats = Stats{
		Symbols:    len(syms),
		Files:      len(snap.byFile),
		ByKind:     make(map[string]int),
		ByLanguage: make(map[string]int),
	}
	for _, s := range syms {
		snap.stats.ByKind[CanonicalKind(s.Kind)]++
		lang := s.Language
		if lang == "" {
			lang = "unknown"
		}
		snap.stats.ByLanguage[lang]++
	}

	return snap
}

// lookupName returns all symbols whose name equals name, case-insensitively.
func (snap *Snapshot) lookupName(name string) []Symbol {
	return snap.byName[strings.ToLower(name)]
}

// lookupFile returns the line-sorted symbols of one file. Lookups tolerate
// a leading "./" and OS-style separators.
func (snap *Snapshot) lookupFile(path string) []Symbol {
	return snap.byFile[normalizePath(path)]
}

// normalizePath puts a caller-supplied path into index form.
func normalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	return strings.TrimPrefix(path, "./")
}
