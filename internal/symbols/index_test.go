package symbols

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// tagLine formats one minimal ctags JSON record for test streams.
func tagLine(name, path string, line int, kind string, extra string) string {
	s := fmt.Sprintf(`{"_type":"tag","name":%q,"path":%q,"line":%d,"kind":%q`, name, path, line, kind)
	if extra != "" {
		s += "," + extra
	}
	return s + "}"
}

// newTestIndex builds an index whose ctags invocation is replaced by the
// given runner.
func newTestIndex(t *testing.T, run runner) *Index {
	t.Helper()
	ix, err := NewIndex(t.TempDir(), withRunner(run))
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	return ix
}

// staticRunner always returns the same tag stream.
func staticRunner(lines ...string) runner {
	out := []byte(strings.Join(lines, "\n"))
	return func(ctx context.Context, root string) ([]byte, error) {
		return out, nil
	}
}

func TestGenerateIndexStates(t *testing.T) {
	ix := newTestIndex(t, staticRunner(
		tagLine("alpha", "a.go", 1, "function", ""),
		tagLine("beta", "a.go", 5, "variable", ""),
	))

	if got := ix.State(); got != StateNotStarted {
		t.Fatalf("initial state = %v, want not_started", got)
	}
	if ix.IsIndexing() {
		t.Fatal("IsIndexing true before any build")
	}

	count, err := ix.GenerateIndex(context.Background())
	if err != nil {
		t.Fatalf("GenerateIndex: %v", err)
	}
	if count != 2 {
		t.Errorf("indexed %d symbols, want 2", count)
	}
	if got := ix.State(); got != StateReady {
		t.Errorf("state = %v, want ready", got)
	}
	if err := ix.IndexError(); err != nil {
		t.Errorf("IndexError = %v after success, want nil", err)
	}
}

func TestGenerateIndexFailure(t *testing.T) {
	ix := newTestIndex(t, func(ctx context.Context, root string) ([]byte, error) {
		return nil, errors.New("ctags exited with 1")
	})

	if _, err := ix.GenerateIndex(context.Background()); err == nil {
		t.Fatal("expected build error")
	}
	if got := ix.State(); got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
	if ix.IsIndexing() {
		t.Error("IsIndexing true after failed build")
	}
	if ix.IndexError() == nil {
		t.Error("IndexError nil after failed build")
	}

	// No snapshot was ever published, so queries report not_indexed.
	if _, status := ix.FindDefinitions("alpha", ""); status != StatusNotIndexed {
		t.Errorf("status = %v, want not_indexed", status)
	}
}

func TestFailedRebuildKeepsPreviousSnapshot(t *testing.T) {
	calls := 0
	ix := newTestIndex(t, func(ctx context.Context, root string) ([]byte, error) {
		calls++
		if calls == 1 {
			return []byte(tagLine("alpha", "a.go", 1, "function", "")), nil
		}
		return nil, errors.New("scan timed out")
	})

	if _, err := ix.GenerateIndex(context.Background()); err != nil {
		t.Fatalf("first build: %v", err)
	}
	if _, err := ix.GenerateIndex(context.Background()); err == nil {
		t.Fatal("second build should fail")
	}

	// Stale-but-available: the first snapshot still answers queries.
	defs, status := ix.FindDefinitions("alpha", "")
	if status != StatusOK {
		t.Fatalf("status = %v, want ok", status)
	}
	if len(defs) != 1 || defs[0].Name != "alpha" {
		t.Errorf("stale snapshot lost: %+v", defs)
	}
	if ix.IndexError() == nil {
		t.Error("IndexError should report the failed rebuild")
	}
	if got := ix.State(); got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestConcurrentBuildRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	ix := newTestIndex(t, func(ctx context.Context, root string) ([]byte, error) {
		close(started)
		<-release
		return []byte(tagLine("alpha", "a.go", 1, "function", "")), nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := ix.GenerateIndex(context.Background())
		done <- err
	}()

	<-started
	if !ix.IsIndexing() {
		t.Error("IsIndexing false while build running")
	}

	// While building, queries with no prior snapshot report in-progress.
	if _, status := ix.FindDefinitions("alpha", ""); status != StatusIndexing {
		t.Errorf("status = %v, want indexing_in_progress", status)
	}

	// A second build request is rejected, not queued.
	if _, err := ix.GenerateIndex(context.Background()); !errors.Is(err, ErrBuildInProgress) {
		t.Errorf("concurrent build error = %v, want ErrBuildInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first build: %v", err)
	}

	if _, status := ix.FindDefinitions("alpha", ""); status != StatusOK {
		t.Errorf("status after build = %v, want ok", status)
	}
}

func TestGenerateIndexTimeout(t *testing.T) {
	ix := newTestIndex(t, func(ctx context.Context, root string) ([]byte, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("ctags scan timed out: %w", ctx.Err())
	})
	WithBuildTimeout(10 * time.Millisecond)(ix)

	if _, err := ix.GenerateIndex(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
	if ix.IsIndexing() {
		t.Error("IsIndexing true after timed-out build")
	}
	if ix.IndexError() == nil {
		t.Error("IndexError nil after timed-out build")
	}
}

func TestEmptyRepositoryIsReady(t *testing.T) {
	ix := newTestIndex(t, staticRunner())

	count, err := ix.GenerateIndex(context.Background())
	if err != nil {
		t.Fatalf("GenerateIndex: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}

	// Zero symbols is a successful build, not a failure.
	if got := ix.State(); got != StateReady {
		t.Errorf("state = %v, want ready", got)
	}
	syms, status := ix.SymbolsInFile("anything.go", "")
	if status != StatusOK {
		t.Errorf("status = %v, want ok", status)
	}
	if len(syms) != 0 {
		t.Errorf("got %d symbols from empty index", len(syms))
	}
}
