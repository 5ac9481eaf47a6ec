package scanner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codescan/internal/config"
	"codescan/internal/gitwatch"
	"codescan/internal/llm"
	"codescan/internal/logging"
	"codescan/internal/report"
	"codescan/internal/tracker"

	"github.com/fsnotify/fsnotify"
)

// fakeClient is a canned llm.Client for loop tests.
type fakeClient struct {
	response     map[string]any
	err          error
	contextLimit int
	queries      int
}

func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) EnableTools(llm.ToolRunner)    {}
func (f *fakeClient) ContextLimit() int             { return f.contextLimit }
func (f *fakeClient) ModelID() string               { return "fake-model" }
func (f *fakeClient) BackendName() string           { return "Fake" }

func (f *fakeClient) Query(context.Context, string, string) (map[string]any, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func testConfig(t *testing.T, checks ...config.CheckGroup) *config.Config {
	t.Helper()
	if len(checks) == 0 {
		checks = []config.CheckGroup{{Pattern: "*", Checks: []string{"Check for bugs"}}}
	}
	return &config.Config{
		TargetDir:        t.TempDir(),
		CheckGroups:      checks,
		OutputFile:       "code_scan_results.md",
		LogFile:          "code_scan.log",
		LockFile:         ".code_scan.lock",
		GitPollInterval:  time.Minute,
		LLMRetryInterval: time.Millisecond,
		MaxLLMRetries:    1,
	}
}

func newScanner(t *testing.T, cfg *config.Config, client llm.Client) *Scanner {
	t.Helper()
	tr := tracker.New(logging.Nop())
	writer := report.NewWriter(cfg.OutputPath())
	return New(cfg, nil, client, tr, writer, WithLogger(logging.Nop()))
}

func writeTarget(t *testing.T, cfg *config.Config, rel, content string) {
	t.Helper()
	full := filepath.Join(cfg.TargetDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCreateBatchesFitsInOne(t *testing.T) {
	s := newScanner(t, testConfig(t), &fakeClient{contextLimit: 100000})

	batches := s.createBatches([]llm.FileContent{
		{Path: "a.go", Content: "package a"},
		{Path: "b.go", Content: "package b"},
	})
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Errorf("batches = %v", batches)
	}
}

func TestCreateBatchesSplitsOnBudget(t *testing.T) {
	// 100-token window leaves a 70-token content budget; each file is
	// roughly 50 tokens, so they cannot share a batch.
	s := newScanner(t, testConfig(t), &fakeClient{contextLimit: 100})

	content := strings.Repeat("x", 200)
	batches := s.createBatches([]llm.FileContent{
		{Path: "a.go", Content: content},
		{Path: "b.go", Content: content},
	})
	if len(batches) != 2 {
		t.Errorf("batches = %d, want 2", len(batches))
	}
}

func TestCreateBatchesSkipsOversized(t *testing.T) {
	s := newScanner(t, testConfig(t), &fakeClient{contextLimit: 100})

	batches := s.createBatches([]llm.FileContent{
		{Path: "huge.go", Content: strings.Repeat("x", 10000)},
		{Path: "ok.go", Content: "small"},
	})
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0].Path != "ok.go" {
		t.Errorf("batches = %v", batches)
	}
}

func TestFilterBatches(t *testing.T) {
	batches := [][]llm.FileContent{
		{{Path: "a.go"}, {Path: "doc.md"}},
		{{Path: "notes.txt"}},
	}

	got := filterBatches(batches, config.CheckGroup{Pattern: "*.go", Checks: []string{"c"}})
	if len(got) != 1 || len(got[0]) != 1 || got[0][0].Path != "a.go" {
		t.Errorf("filtered = %v", got)
	}
}

func TestRunScanRecordsIssues(t *testing.T) {
	cfg := testConfig(t)
	client := &fakeClient{
		contextLimit: 100000,
		response: map[string]any{
			"issues": []any{
				map[string]any{
					"file":        "main.go",
					"line_number": float64(3),
					"description": "unchecked error",
				},
			},
		},
	}
	s := newScanner(t, cfg, client)
	writeTarget(t, cfg, "main.go", "package main\n\nfunc main() { run() }\n")

	state := gitwatch.State{ChangedFiles: []gitwatch.ChangedFile{
		{Path: "main.go", Status: gitwatch.StatusUnstaged},
	}}
	if err := s.runScan(context.Background(), state); err != nil {
		t.Fatalf("runScan: %v", err)
	}

	open := s.tracker.OpenIssues()
	if len(open) != 1 || open[0].FilePath != "main.go" {
		t.Fatalf("open issues = %+v", open)
	}
	if client.queries != 1 {
		t.Errorf("queries = %d", client.queries)
	}

	content, err := os.ReadFile(cfg.OutputPath())
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if !strings.Contains(string(content), "unchecked error") {
		t.Error("issue missing from report")
	}
}

func TestRunScanSkipsScannerOutputs(t *testing.T) {
	cfg := testConfig(t)
	client := &fakeClient{contextLimit: 100000, response: map[string]any{"issues": []any{}}}
	s := newScanner(t, cfg, client)
	writeTarget(t, cfg, cfg.OutputFile, "# results")

	state := gitwatch.State{ChangedFiles: []gitwatch.ChangedFile{
		{Path: cfg.OutputFile, Status: gitwatch.StatusUntracked},
	}}
	if err := s.runScan(context.Background(), state); err != nil {
		t.Fatalf("runScan: %v", err)
	}
	if client.queries != 0 {
		t.Errorf("scanner scanned its own output, queries = %d", client.queries)
	}
}

func TestRunScanResolvesDeletedFiles(t *testing.T) {
	cfg := testConfig(t)
	s := newScanner(t, cfg, &fakeClient{contextLimit: 100000, response: map[string]any{"issues": []any{}}})

	s.tracker.Add(tracker.NewIssue("gone.go", 4, "stale thing", "", "check", ""))

	state := gitwatch.State{ChangedFiles: []gitwatch.ChangedFile{
		{Path: "gone.go", Status: gitwatch.StatusDeleted},
	}}
	if err := s.runScan(context.Background(), state); err != nil {
		t.Fatalf("runScan: %v", err)
	}

	if open := s.tracker.OpenIssues(); len(open) != 0 {
		t.Errorf("open issues = %+v", open)
	}
	if resolved := s.tracker.ResolvedIssues(); len(resolved) != 1 {
		t.Errorf("resolved issues = %+v", resolved)
	}
}

func TestRunScanContextOverflowIsFatal(t *testing.T) {
	cfg := testConfig(t)
	client := &fakeClient{
		contextLimit: 100000,
		err:          &llm.ContextOverflowError{ModelLimit: "4096"},
	}
	s := newScanner(t, cfg, client)
	writeTarget(t, cfg, "main.go", "package main\n")

	state := gitwatch.State{ChangedFiles: []gitwatch.ChangedFile{
		{Path: "main.go", Status: gitwatch.StatusUnstaged},
	}}
	err := s.runScan(context.Background(), state)
	if _, ok := err.(*llm.ContextOverflowError); !ok {
		t.Fatalf("err = %v, want ContextOverflowError", err)
	}
}

func TestCheckKeepsIssuesWhenTreeGoesClean(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	cfg := testConfig(t)
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = cfg.TargetDir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	writeTarget(t, cfg, "main.go", "package main\n")
	run("add", ".")
	run("commit", "-m", "initial")

	git := gitwatch.New(cfg.TargetDir)
	if err := git.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	client := &fakeClient{contextLimit: 100000, response: map[string]any{"issues": []any{}}}
	s := New(cfg, git, client, tracker.New(logging.Nop()), report.NewWriter(cfg.OutputPath()),
		WithLogger(logging.Nop()))

	s.tracker.Add(tracker.NewIssue("main.go", 1, "open finding", "", "check", ""))

	// The previous observation had uncommitted changes; everything has
	// since been committed.
	s.lastState = &gitwatch.State{ChangedFiles: []gitwatch.ChangedFile{
		{Path: "main.go", Status: gitwatch.StatusUnstaged},
	}}

	if err := s.check(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if client.queries != 0 {
		t.Errorf("clean tree triggered a scan, queries = %d", client.queries)
	}
	if open := s.tracker.OpenIssues(); len(open) != 1 {
		t.Errorf("open issues = %+v, want the finding kept until its file is rescanned", open)
	}
}

func TestIgnoreEvent(t *testing.T) {
	cfg := testConfig(t)
	s := newScanner(t, cfg, &fakeClient{})

	tests := []struct {
		rel    string
		ignore bool
	}{
		{"main.go", false},
		{"src/deep/file.py", false},
		{cfg.OutputFile, true},
		{cfg.OutputFile + ".bak", true},
		{cfg.LogFile, true},
		{cfg.LockFile, true},
		{".git/index", true},
		{"node_modules/pkg/a.js", true},
	}
	for _, tt := range tests {
		event := fsnotify.Event{Name: filepath.Join(cfg.TargetDir, filepath.FromSlash(tt.rel))}
		if got := s.ignoreEvent(event); got != tt.ignore {
			t.Errorf("ignoreEvent(%q) = %v, want %v", tt.rel, got, tt.ignore)
		}
	}
}

func TestShorten(t *testing.T) {
	if got := shorten("short", 50); got != "short" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("a", 60)
	if got := shorten(long, 50); len(got) != 53 || !strings.HasSuffix(got, "...") {
		t.Errorf("got %q", got)
	}
}
