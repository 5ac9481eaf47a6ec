package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig drops a config file into a fresh temp dir and returns both paths.
func writeConfig(t *testing.T, contents string) (dir, file string) {
	t.Helper()
	dir = t.TempDir()
	file = filepath.Join(dir, "codescan.toml")
	if err := os.WriteFile(file, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return dir, file
}

const llmBlock = `
[llm]
backend = "lm-studio"
host = "localhost"
port = 1234
`

func TestLoadFlatChecks(t *testing.T) {
	dir, file := writeConfig(t, `
checks = ["Check for errors", "  Check for style issues  "]
`+llmBlock)

	cfg, err := Load(dir, file, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.CheckGroups) != 1 {
		t.Fatalf("got %d groups, want 1", len(cfg.CheckGroups))
	}
	g := cfg.CheckGroups[0]
	if g.Pattern != "*" {
		t.Errorf("flat checks pattern = %q, want *", g.Pattern)
	}
	if len(g.Checks) != 2 || g.Checks[1] != "Check for style issues" {
		t.Errorf("checks not trimmed: %q", g.Checks)
	}
	if cfg.TotalChecks() != 2 {
		t.Errorf("TotalChecks = %d, want 2", cfg.TotalChecks())
	}
}

func TestLoadCheckGroups(t *testing.T) {
	dir, file := writeConfig(t, `
[[checks]]
pattern = "*.cpp, *.h"
checks = ["Check C++ code"]

[[checks]]
checks = ["Check all files"]

[[checks]]
pattern = "*.md"
checks = []
`+llmBlock)

	cfg, err := Load(dir, file, "abc123")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.CommitHash != "abc123" {
		t.Errorf("CommitHash = %q", cfg.CommitHash)
	}
	if len(cfg.CheckGroups) != 3 {
		t.Fatalf("got %d groups, want 3", len(cfg.CheckGroups))
	}
	if cfg.CheckGroups[1].Pattern != "*" {
		t.Errorf("missing pattern should default to *, got %q", cfg.CheckGroups[1].Pattern)
	}
	if !cfg.CheckGroups[2].IsIgnore() {
		t.Error("empty checks list should act as an ignore rule")
	}
	if cfg.TotalChecks() != 2 {
		t.Errorf("TotalChecks = %d, want 2", cfg.TotalChecks())
	}
}

func TestLoadDefaults(t *testing.T) {
	dir, file := writeConfig(t, `checks = ["x"]`+llmBlock)

	cfg, err := Load(dir, file, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.OutputFile != DefaultOutputFile || cfg.LockFile != DefaultLockFile {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.GitPollInterval != DefaultGitPollInterval {
		t.Errorf("GitPollInterval = %v", cfg.GitPollInterval)
	}
	if cfg.LLM.Timeout != 120 {
		t.Errorf("LLM timeout default = %d, want 120", cfg.LLM.Timeout)
	}
	if got := cfg.OutputPath(); got != filepath.Join(cfg.TargetDir, DefaultOutputFile) {
		t.Errorf("OutputPath = %q", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir, file := writeConfig(t, `
checks = ["x"]
output_file = "report.md"
git_poll_interval = 5
`+llmBlock)

	cfg, err := Load(dir, file, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OutputFile != "report.md" {
		t.Errorf("OutputFile = %q", cfg.OutputFile)
	}
	if cfg.GitPollInterval != 5*time.Second {
		t.Errorf("GitPollInterval = %v", cfg.GitPollInterval)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantErr  string
	}{
		{"no checks key", llmBlock, "no checks defined"},
		{"empty checks", `checks = []` + llmBlock, "no checks defined"},
		{"blank check", `checks = ["ok", "  "]` + llmBlock, "non-empty string"},
		{"only ignore groups", `
[[checks]]
pattern = "*.md"
checks = []
` + llmBlock, "only ignore patterns"},
		{"unknown key", `
checks = ["x"]
bogus_setting = true
` + llmBlock, "unsupported parameter"},
		{"unknown key in checks table", `
[[checks]]
pattern = "*.go"
checks = ["x"]
retries = 3
` + llmBlock, "unsupported parameter"},
		{"missing backend", `
checks = ["x"]
[llm]
host = "localhost"
port = 1234
`, "llm.backend is required"},
		{"bad backend", `
checks = ["x"]
[llm]
backend = "openai"
host = "localhost"
port = 1234
`, "invalid llm.backend"},
		{"ollama without model", `
checks = ["x"]
[llm]
backend = "ollama"
host = "localhost"
port = 11434
`, "requires 'model'"},
		{"bad port", `
checks = ["x"]
[llm]
backend = "lm-studio"
host = "localhost"
port = 99999
`, "llm.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, file := writeConfig(t, tt.contents)
			_, err := Load(dir, file, "")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tt.wantErr)) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, "", "")
	if err == nil || !strings.Contains(err.Error(), "configuration file not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadMissingTargetDir(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"), "", "")
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("err = %v", err)
	}
}

func TestCheckGroupMatchesFile(t *testing.T) {
	tests := []struct {
		pattern string
		file    string
		want    bool
	}{
		{"*", "anything.py", true},
		{"*.cpp, *.h", "src/main.cpp", true},
		{"*.cpp, *.h", "include/api.h", true},
		{"*.cpp, *.h", "src/main.py", false},
		{"src/*.py", "src/app.py", true},
		{"src/*.py", "lib/app.py", false},
		{"*.py", "deep/nested/mod.py", true}, // base name match
		{"", "file.go", false},
	}

	for _, tt := range tests {
		g := CheckGroup{Pattern: tt.pattern, Checks: []string{"c"}}
		if got := g.MatchesFile(tt.file); got != tt.want {
			t.Errorf("MatchesFile(%q, %q) = %v, want %v", tt.pattern, tt.file, got, tt.want)
		}
	}
}

func TestLLMBaseURL(t *testing.T) {
	lm := LLM{Backend: BackendLMStudio, Host: "localhost", Port: 1234}
	if got := lm.BaseURL(); got != "http://localhost:1234/v1" {
		t.Errorf("lm-studio BaseURL = %q", got)
	}
	ol := LLM{Backend: BackendOllama, Host: "127.0.0.1", Port: 11434}
	if got := ol.BaseURL(); got != "http://127.0.0.1:11434" {
		t.Errorf("ollama BaseURL = %q", got)
	}
}
