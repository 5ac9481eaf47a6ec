package gitwatch

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestParsePorcelainV2(t *testing.T) {
	out := "" +
		"1 .M N... 100644 100644 100644 abc def src/main.go\n" +
		"1 M. N... 100644 100644 100644 abc def staged.go\n" +
		"2 R. N... 100644 100644 100644 abc def R100 old name.go\tnew name.go\n" +
		"? untracked.txt\n" +
		"? \"weird name.txt\"\n" +
		"u UU N... 100644 100644 100644 100644 a b c conflicted.go\n" +
		"# branch.head main\n" +
		"\n"

	entries := parsePorcelainV2(out)
	if len(entries) != 6 {
		t.Fatalf("parsed %d entries, want 6: %+v", len(entries), entries)
	}

	tests := []struct {
		path string
		xy   string
	}{
		{"src/main.go", ".M"},
		{"staged.go", "M."},
		{"new name.go", "R."}, // rename keeps the destination
		{"untracked.txt", "??"},
		{"weird name.txt", "??"}, // quotes stripped
		{"conflicted.go", "UU"},
	}
	for i, tt := range tests {
		if entries[i].path != tt.path || entries[i].xy != tt.xy {
			t.Errorf("entry %d = %+v, want {%q %q}", i, entries[i], tt.path, tt.xy)
		}
	}
}

func TestParsePorcelainV2Malformed(t *testing.T) {
	out := "1 .M\n2 R.\nu UU\nz bogus\n"
	if entries := parsePorcelainV2(out); len(entries) != 0 {
		t.Errorf("malformed lines produced entries: %+v", entries)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		xy   string
		want FileStatus
	}{
		{".M", StatusUnstaged},
		{"M.", StatusStaged},
		{"MM", StatusStaged},
		{"A.", StatusStaged},
		{"??", StatusUntracked},
		{".D", StatusDeleted},
		{"D.", StatusDeleted},
		{"AD", StatusDeleted}, // deletion wins
		{"", StatusUnstaged},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.xy); got != tt.want {
			t.Errorf("classifyStatus(%q) = %v, want %v", tt.xy, got, tt.want)
		}
	}
}

// initRepo creates a throwaway git repository with one commit.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@localhost",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@localhost",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init")
	writeFile(t, dir, "tracked.go", "package main\n")
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestConnectRejectsNonRepo(t *testing.T) {
	w := New(t.TempDir())
	if err := w.Connect(context.Background()); err == nil {
		t.Fatal("expected error for non-repository")
	}
}

func TestConnectRejectsBadCommit(t *testing.T) {
	dir := initRepo(t)
	w := New(dir, WithBaseCommit("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"))
	if err := w.Connect(context.Background()); err == nil {
		t.Fatal("expected error for unknown commit")
	}
}

func TestStateDetectsChanges(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	w := New(dir)
	if err := w.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	state, err := w.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.HasChanges() {
		t.Errorf("clean repo reported changes: %+v", state.ChangedFiles)
	}
	if state.CurrentCommit == "" {
		t.Error("CurrentCommit not captured")
	}

	writeFile(t, dir, "tracked.go", "package main\n\nfunc main() {}\n")
	writeFile(t, dir, "new.go", "package main\n")

	state, err = w.State(ctx)
	if err != nil {
		t.Fatalf("State after edits: %v", err)
	}
	if len(state.ChangedFiles) != 2 {
		t.Fatalf("changed files = %+v, want 2", state.ChangedFiles)
	}
	// Sorted by path.
	if state.ChangedFiles[0].Path != "new.go" || state.ChangedFiles[0].Status != StatusUntracked {
		t.Errorf("first = %+v", state.ChangedFiles[0])
	}
	if state.ChangedFiles[1].Path != "tracked.go" || state.ChangedFiles[1].Status != StatusUnstaged {
		t.Errorf("second = %+v", state.ChangedFiles[1])
	}
}

func TestHasChangesSince(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	w := New(dir, WithExcludedFiles("results.md"))
	if err := w.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Excluded files never count as changes.
	writeFile(t, dir, "results.md", "# output\n")
	changed, state, err := w.HasChangesSince(ctx, nil)
	if err != nil {
		t.Fatalf("HasChangesSince: %v", err)
	}
	if changed {
		t.Error("excluded file triggered change detection")
	}

	writeFile(t, dir, "feature.go", "package main\n")
	changed, state, err = w.HasChangesSince(ctx, &state)
	if err != nil {
		t.Fatalf("HasChangesSince: %v", err)
	}
	if !changed {
		t.Error("new file not detected")
	}

	// Same path set, no edits: no change.
	changed, state, err = w.HasChangesSince(ctx, &state)
	if err != nil {
		t.Fatalf("HasChangesSince: %v", err)
	}
	if changed {
		t.Error("steady state reported as changed")
	}

	// In-place edit with an mtime bump is detected even though the path
	// set is unchanged.
	future := time.Now().Add(2 * time.Second)
	writeFile(t, dir, "feature.go", "package main\n\nvar x = 1\n")
	if err := os.Chtimes(filepath.Join(dir, "feature.go"), future, future); err != nil {
		t.Fatal(err)
	}
	changed, _, err = w.HasChangesSince(ctx, &state)
	if err != nil {
		t.Fatalf("HasChangesSince: %v", err)
	}
	if !changed {
		t.Error("in-place edit not detected")
	}
}

func TestStateDuringMerge(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	w := New(dir)
	if err := w.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Simulate an in-progress merge.
	writeFile(t, filepath.Join(dir, ".git"), "MERGE_HEAD", "deadbeef\n")
	writeFile(t, dir, "dirty.go", "package main\n")

	state, err := w.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !state.Merging || !state.ConflictResolutionInProgress() {
		t.Error("merge not detected")
	}
	if state.HasChanges() {
		t.Error("change detection should pause during merges")
	}
}
