package symbols

import "testing"

func TestCanonicalKind(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"f", "function"},
		{"c", "class"},
		{"m", "method"},
		{"v", "variable"},
		{"d", "macro"},
		{"t", "type"},
		{"s", "struct"},
		{"e", "enum"},
		{"n", "namespace"},
		{"i", "interface"},
		{"p", "property"},
		{"I", "import"},
		{"C", "constant"},
		{"P", "impl"},
		{"function", "function"},
		{"Class", "class"},
		{"zzz_unknown", "zzz_unknown"}, // passthrough
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := CanonicalKind(tt.input); got != tt.expected {
				t.Errorf("CanonicalKind(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestMatchesKind(t *testing.T) {
	tests := []struct {
		symbolKind string
		filterKind string
		want       bool
	}{
		// Exact canonical matching
		{"c", "class", true},
		{"class", "class", true},
		{"c", "variable", false},
		// struct counts as class
		{"s", "class", true},
		{"struct", "class", true},
		// function/method aliases
		{"f", "function", true},
		{"method", "function", true},
		{"f", "method", true},
		{"function", "method", true},
		// variables and constants
		{"v", "variable", true},
		{"var", "variable", true},
		{"d", "constant", true},
		{"v", "constant", false},
		// never substring matching
		{"classifier", "class", false},
		{"function_pointer", "function", false},
		// unmapped raw kinds still match themselves
		{"chapter", "chapter", true},
		// empty matches everything
		{"", "class", true},
		{"f", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.symbolKind+"/"+tt.filterKind, func(t *testing.T) {
			if got := MatchesKind(tt.symbolKind, tt.filterKind); got != tt.want {
				t.Errorf("MatchesKind(%q, %q) = %v, want %v", tt.symbolKind, tt.filterKind, got, tt.want)
			}
		})
	}
}

func TestIsScopeOpener(t *testing.T) {
	opener := []string{"f", "function", "m", "c", "class", "s", "n", "i", "module"}
	for _, kind := range opener {
		if !isScopeOpener(Symbol{Kind: kind}) {
			t.Errorf("expected kind %q to open a scope", kind)
		}
	}

	nonOpener := []string{"v", "variable", "d", "I", "property", "field"}
	for _, kind := range nonOpener {
		if isScopeOpener(Symbol{Kind: kind}) {
			t.Errorf("expected kind %q not to open a scope", kind)
		}
	}
}
