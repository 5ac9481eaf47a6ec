package symbols

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"codescan/internal/logging"
)

// BuildState tracks the lifecycle of the index build.
type BuildState int

const (
	StateNotStarted BuildState = iota
	StateInProgress
	StateReady
	StateFailed
)

func (s BuildState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInProgress:
		return "in_progress"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrBuildInProgress is returned when a build is requested while another
// build is still running. Builds are rejected, not queued; callers poll
// IsIndexing instead.
var ErrBuildInProgress = errors.New("index build already in progress")

// runner produces the raw tag stream for a repository. Replaced in tests
// to avoid spawning real subprocesses.
type runner func(ctx context.Context, root string) ([]byte, error)

// Index owns the (snapshot, state) pair for one repository.
//
// The published snapshot is an atomically replaced immutable value, so query
// operations are lock-free reads of whatever snapshot is current. Builds
// serialize against each other through the state mutex; a failed rebuild
// leaves the previous ready snapshot in place.
type Index struct {
	repoPath string
	timeout  time.Duration
	logger   *slog.Logger
	run      runner

	snapshot atomic.Pointer[Snapshot]

	mu      sync.Mutex
	state   BuildState
	lastErr error
}

// Option configures an Index.
type Option func(*Index)

// WithBuildTimeout sets the wall-clock limit for one index generation run.
func WithBuildTimeout(d time.Duration) Option {
	return func(ix *Index) {
		ix.timeout = d
	}
}

// WithLogger sets the index logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		ix.logger = logger
	}
}

// withRunner overrides the ctags invocation. Test hook.
func withRunner(run runner) Option {
	return func(ix *Index) {
		ix.run = run
	}
}

// NewIndex creates an index for the repository at repoPath. It verifies a
// compatible Universal Ctags installation before returning; a missing,
// legacy, or unresponsive ctags is a *ProbeError.
func NewIndex(repoPath string, opts ...Option) (*Index, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving repository path: %w", err)
	}

	ix := &Index{
		repoPath: abs,
		timeout:  DefaultBuildTimeout,
		logger:   logging.Nop(),
		state:    StateNotStarted,
	}
	for _, opt := range opts {
		opt(ix)
	}

	if ix.run == nil {
		ctagsPath, err := probeCtags(context.Background())
		if err != nil {
			return nil, err
		}
		ix.logger.Info("found universal-ctags", "path", ctagsPath)
		ix.run = func(ctx context.Context, root string) ([]byte, error) {
			return runCtags(ctx, ctagsPath, root)
		}
	}

	return ix, nil
}

// GenerateIndex runs ctags, parses its output, and publishes a new snapshot.
// It returns the number of symbols indexed.
//
// Only one build may be in flight; a request arriving during a build fails
// with ErrBuildInProgress. On tool failure or timeout the index transitions
// to failed but any previously published snapshot remains queryable.
func (ix *Index) GenerateIndex(ctx context.Context) (int, error) {
	ix.mu.Lock()
	if ix.state == StateInProgress {
		ix.mu.Unlock()
		return 0, ErrBuildInProgress
	}
	ix.state = StateInProgress
	ix.mu.Unlock()

	ix.logger.Info("generating symbol index", "repo", ix.repoPath)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, ix.timeout)
	defer cancel()

	out, err := ix.run(ctx, ix.repoPath)
	if err != nil {
		err = fmt.Errorf("index build failed: %w", err)
		ix.fail(err)
		return 0, err
	}

	// The new snapshot is assembled entirely off to the side and then
	// published in one step, so readers see old or new, never partial.
	syms, skipped := parseTags(bytes.NewReader(out))
	if skipped > 0 {
		ix.logger.Warn("dropped oversized tag records", "count", skipped)
	}
	snap := newSnapshot(syms)
	ix.snapshot.Store(snap)

	ix.mu.Lock()
	ix.state = StateReady
	ix.lastErr = nil
	ix.mu.Unlock()

	ix.logger.Info("symbol index ready",
		"symbols", snap.stats.Symbols,
		"files", snap.stats.Files,
		"elapsed", time.Since(start))
	return snap.stats.Symbols, nil
}

func (ix *Index) fail(err error) {
	ix.mu.Lock()
	ix.state = StateFailed
	ix.lastErr = err
	ix.mu.Unlock()
	ix.logger.Error("index build failed", "error", err)
}

// IsIndexing reports whether a build is currently running.
func (ix *Index) IsIndexing() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state == StateInProgress
}

// State returns the current build state.
func (ix *Index) State() BuildState {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state
}

// IndexError returns the last build failure, or nil after a successful build.
func (ix *Index) IndexError() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.lastErr
}

// RepoPath returns the absolute repository root the index scans.
func (ix *Index) RepoPath() string {
	return ix.repoPath
}

// current returns the published snapshot plus the query status callers must
// report when no snapshot exists yet. A stale snapshot from before a failed
// or in-flight rebuild still answers queries.
func (ix *Index) current() (*Snapshot, Status) {
	if snap := ix.snapshot.Load(); snap != nil {
		return snap, StatusOK
	}
	if ix.IsIndexing() {
		return nil, StatusIndexing
	}
	return nil, StatusNotIndexed
}
