// Package scanner runs the background scan loop: it watches the target
// repository for uncommitted changes, keeps the symbol index fresh, and
// feeds changed files through the configured checks.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"codescan/internal/config"
	"codescan/internal/filefilter"
	"codescan/internal/gitwatch"
	"codescan/internal/llm"
	"codescan/internal/logging"
	"codescan/internal/report"
	"codescan/internal/symbols"
	"codescan/internal/textutil"
	"codescan/internal/tracker"
)

// DefaultDebounce is the quiet period after a filesystem event before the
// scanner rechecks git state.
const DefaultDebounce = 500 * time.Millisecond

// contentBudgetRatio is the share of the model's context window spent on
// file content; the rest is reserved for prompts and the response.
const contentBudgetRatio = 0.7

// Scanner drives scan cycles against one repository.
type Scanner struct {
	cfg     *config.Config
	git     *gitwatch.Watcher
	client  llm.Client
	tracker *tracker.Tracker
	writer  *report.Writer

	filter   *filefilter.Filter
	index    *symbols.Index
	store    *tracker.Store
	logger   *slog.Logger
	debounce time.Duration

	refresh   chan struct{}
	lastState *gitwatch.State
	started   time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithFilter applies repository exclusion rules when gathering file content.
func WithFilter(f *filefilter.Filter) Option {
	return func(s *Scanner) { s.filter = f }
}

// WithIndex attaches the symbol index kept fresh across scans.
func WithIndex(ix *symbols.Index) Option {
	return func(s *Scanner) { s.index = ix }
}

// WithStore persists issue state across daemon restarts.
func WithStore(st *tracker.Store) Option {
	return func(s *Scanner) { s.store = st }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) { s.logger = logger }
}

// WithDebounce overrides the filesystem event quiet period.
func WithDebounce(d time.Duration) Option {
	return func(s *Scanner) { s.debounce = d }
}

// New assembles a scanner from its collaborators.
func New(cfg *config.Config, git *gitwatch.Watcher, client llm.Client, tr *tracker.Tracker, writer *report.Writer, opts ...Option) *Scanner {
	s := &Scanner{
		cfg:      cfg,
		git:      git,
		client:   client,
		tracker:  tr,
		writer:   writer,
		logger:   logging.Nop(),
		debounce: DefaultDebounce,
		refresh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the scan loop until ctx is cancelled. Filesystem events and
// the git poll ticker both trigger a state check; an actual change starts a
// scan cycle. Only a context overflow is fatal.
func (s *Scanner) Run(ctx context.Context) error {
	s.started = time.Now()

	if err := s.hydrate(ctx); err != nil {
		s.logger.Warn("could not load persisted issues", "error", err)
	}

	s.rebuildIndex(ctx)
	go s.watchLoop(ctx)

	ticker := time.NewTicker(s.cfg.GitPollInterval)
	defer ticker.Stop()

	s.logger.Info("scanner loop started",
		"repo", s.cfg.TargetDir,
		"checks", s.cfg.TotalChecks(),
		"poll_interval", s.cfg.GitPollInterval)

	// Pending work at startup is scanned right away, not after the first
	// poll interval.
	select {
	case s.refresh <- struct{}{}:
	default:
	}

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			s.logger.Info("scanner loop stopped")
			return nil
		case <-ticker.C:
		case <-s.refresh:
		}

		if err := s.check(ctx); err != nil {
			var overflow *llm.ContextOverflowError
			if errors.As(err, &overflow) {
				s.flush(context.Background())
				return err
			}
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("scan cycle failed", "error", err)
		}
	}
}

// RunOnce performs a single scan cycle against the current git state.
func (s *Scanner) RunOnce(ctx context.Context) error {
	s.started = time.Now()

	if err := s.hydrate(ctx); err != nil {
		s.logger.Warn("could not load persisted issues", "error", err)
	}
	s.rebuildIndex(ctx)

	state, err := s.git.State(ctx)
	if err != nil {
		return fmt.Errorf("reading git state: %w", err)
	}
	if state.ConflictResolutionInProgress() {
		return fmt.Errorf("merge or rebase in progress; resolve it before scanning")
	}
	if !state.HasChanges() {
		s.logger.Info("no uncommitted changes to scan")
		return s.writeReport("No changes to scan")
	}

	if err := s.runScan(ctx, state); err != nil {
		return err
	}
	return s.flush(ctx)
}

// check compares git state against the last observed one and scans when it
// moved.
func (s *Scanner) check(ctx context.Context) error {
	changed, state, err := s.git.HasChangesSince(ctx, s.lastState)
	if err != nil {
		return fmt.Errorf("polling git state: %w", err)
	}

	if state.ConflictResolutionInProgress() {
		s.logger.Info("merge or rebase in progress, waiting")
		return nil
	}
	if !changed {
		return nil
	}
	s.lastState = &state

	if !state.HasChanges() {
		// Everything was committed or reverted. Open issues stay until a
		// later scan of their files resolves them.
		return nil
	}

	s.rebuildIndex(ctx)
	if err := s.runScan(ctx, state); err != nil {
		return err
	}
	return s.flush(ctx)
}

// runScan executes every configured check against the changed files.
func (s *Scanner) runScan(ctx context.Context, state gitwatch.State) error {
	s.logger.Info("starting scan", "changed_files", len(state.ChangedFiles))

	contents := s.fileContents(state.ChangedFiles)
	if len(contents) == 0 {
		s.logger.Info("no scannable files in change set")
		s.resolveDeleted(state)
		return s.writeReport("No scannable files")
	}

	scannedFiles := make([]string, 0, len(contents))
	for _, fc := range contents {
		scannedFiles = append(scannedFiles, fc.Path)
	}

	batches := s.createBatches(contents)
	s.logger.Info("batched changed files", "files", len(contents), "batches", len(batches))

	var allIssues []tracker.Issue
	total := s.cfg.TotalChecks()
	checkNum := 0

	for _, group := range s.cfg.CheckGroups {
		if group.IsIgnore() {
			continue
		}
		groupBatches := filterBatches(batches, group)
		if len(groupBatches) == 0 {
			s.logger.Debug("no files match group pattern", "pattern", group.Pattern)
			checkNum += len(group.Checks)
			continue
		}

		for _, check := range group.Checks {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			checkNum++
			s.logger.Info("running check",
				"check", shorten(check, 50),
				"progress", fmt.Sprintf("%d/%d", checkNum, total))

			issues, err := s.runCheck(ctx, check, groupBatches)
			if err != nil {
				var overflow *llm.ContextOverflowError
				if errors.As(err, &overflow) {
					return err
				}
				s.logger.Error("check failed", "check", check, "error", err)
				if werr := llm.WaitForConnection(ctx, s.client, s.cfg.LLMRetryInterval, s.logger); werr != nil {
					return werr
				}
				continue
			}
			allIssues = append(allIssues, issues...)

			// Findings land in the report immediately, not at cycle end.
			if added := s.tracker.AddAll(issues); added > 0 {
				s.logger.Info("new issues found", "count", added, "check", check)
			}
			if err := s.writeReport("Scanning..."); err != nil {
				s.logger.Warn("could not update report", "error", err)
			}
		}
	}

	s.resolveDeleted(state)

	newCount, resolvedCount := s.tracker.UpdateFromScan(allIssues, scannedFiles)
	s.logger.Info("scan complete",
		"new", newCount,
		"resolved", resolvedCount,
		"open", s.tracker.Stats().Open)

	return s.writeReport("Idle")
}

// runCheck runs one check prompt against every batch.
func (s *Scanner) runCheck(ctx context.Context, check string, batches [][]llm.FileContent) ([]tracker.Issue, error) {
	var issues []tracker.Issue

	for i, batch := range batches {
		if ctx.Err() != nil {
			return issues, ctx.Err()
		}
		s.logger.Debug("querying model", "batch", i+1, "batches", len(batches), "files", len(batch))

		response, err := s.client.Query(ctx, llm.SystemPrompt, llm.BuildUserPrompt(check, batch))
		if err != nil {
			return issues, err
		}

		for _, found := range llm.ParseIssues(response) {
			issues = append(issues, tracker.NewIssue(
				found.File,
				found.LineNumber,
				found.Description,
				found.SuggestedFix,
				check,
				found.CodeSnippet,
			))
		}
	}
	return issues, nil
}

// fileContents reads the changed files that are actually scannable: not
// deleted, not the scanner's own outputs, not binary, not filtered.
func (s *Scanner) fileContents(changed []gitwatch.ChangedFile) []llm.FileContent {
	var out []llm.FileContent
	for _, cf := range changed {
		if cf.IsDeleted() {
			continue
		}
		if cf.Path == s.cfg.OutputFile || cf.Path == s.cfg.OutputFile+".bak" || cf.Path == s.cfg.LogFile {
			continue
		}
		if s.filter != nil {
			if skip, reason := s.filter.ShouldSkip(cf.Path); skip {
				s.logger.Debug("skipping filtered file", "path", cf.Path, "reason", reason)
				continue
			}
		}

		content, err := os.ReadFile(filepath.Join(s.cfg.TargetDir, filepath.FromSlash(cf.Path)))
		if err != nil {
			s.logger.Warn("could not read changed file", "path", cf.Path, "error", err)
			continue
		}
		if filefilter.IsBinary(content) {
			s.logger.Debug("skipping binary file", "path", cf.Path)
			continue
		}
		out = append(out, llm.FileContent{Path: cf.Path, Content: string(content)})
	}
	return out
}

// createBatches packs file contents into batches that fit the model's
// context budget. Files from the same directory stay together when they
// can; a file that alone exceeds the budget is skipped.
func (s *Scanner) createBatches(contents []llm.FileContent) [][]llm.FileContent {
	budget := int(float64(s.client.ContextLimit()) * contentBudgetRatio)
	if budget <= 0 {
		return [][]llm.FileContent{contents}
	}

	totalTokens := 0
	for _, fc := range contents {
		totalTokens += textutil.EstimateTokens(fc.Content)
	}
	if totalTokens <= budget {
		return [][]llm.FileContent{contents}
	}

	// Sorting by path clusters directories, so greedy packing keeps
	// related files in the same batch.
	sorted := append([]llm.FileContent(nil), contents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var (
		batches [][]llm.FileContent
		current []llm.FileContent
		used    int
	)
	for _, fc := range sorted {
		tokens := textutil.EstimateTokens(fc.Content)
		if tokens > budget {
			s.logger.Warn("skipping oversized file",
				"path", fc.Path, "tokens", tokens, "budget", budget)
			continue
		}
		if used+tokens > budget && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			used = 0
		}
		current = append(current, fc)
		used += tokens
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// filterBatches keeps only the files a check group's pattern covers.
func filterBatches(batches [][]llm.FileContent, group config.CheckGroup) [][]llm.FileContent {
	var out [][]llm.FileContent
	for _, batch := range batches {
		var kept []llm.FileContent
		for _, fc := range batch {
			if group.MatchesFile(fc.Path) {
				kept = append(kept, fc)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}

// resolveDeleted closes issues for files removed from the working tree.
func (s *Scanner) resolveDeleted(state gitwatch.State) {
	for _, cf := range state.ChangedFiles {
		if cf.IsDeleted() {
			if n := s.tracker.ResolveFile(cf.Path); n > 0 {
				s.logger.Info("resolved issues for deleted file", "path", cf.Path, "count", n)
			}
		}
	}
}

// rebuildIndex kicks off a background symbol index rebuild. A build already
// in flight is left alone.
func (s *Scanner) rebuildIndex(ctx context.Context) {
	if s.index == nil {
		return
	}
	go func() {
		if _, err := s.index.GenerateIndex(ctx); err != nil && !errors.Is(err, symbols.ErrBuildInProgress) {
			s.logger.Warn("symbol index rebuild failed", "error", err)
		}
	}()
}

// hydrate restores issue state from the persistent store.
func (s *Scanner) hydrate(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	issues, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if len(issues) > 0 {
		s.tracker.Replace(issues)
		s.logger.Info("restored persisted issues", "count", len(issues))
	}
	return nil
}

// flush persists tracker state and refreshes the report if anything moved.
func (s *Scanner) flush(ctx context.Context) error {
	if s.tracker.HasChanged() {
		if err := s.writeReport("Idle"); err != nil {
			return err
		}
		s.tracker.ResetChanged()
	}
	if s.store != nil {
		if err := s.store.Save(ctx, s.tracker.Issues()); err != nil {
			return fmt.Errorf("persisting issues: %w", err)
		}
	}
	return nil
}

// shorten trims a check prompt for log lines.
func shorten(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}

func (s *Scanner) writeReport(status string) error {
	return s.writer.Write(s.tracker, report.ScanInfo{
		Repository: s.cfg.TargetDir,
		Backend:    s.client.BackendName(),
		Model:      s.client.ModelID(),
		Status:     status,
		Checks:     s.cfg.TotalChecks(),
		LastScan:   time.Now(),
	})
}
