package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// maxWatches limits directory watchers to avoid exhausting file
// descriptors on very large trees. The git poll ticker still covers
// anything beyond the limit.
const maxWatches = 1000

// watchedDirsSkipped never get a filesystem watch.
var watchedDirsSkipped = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	".idea":        true,
	".vscode":      true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"coverage":     true,
	".cache":       true,
}

// watchLoop keeps a recursive fsnotify watch on the repository and nudges
// the scan loop after a quiet period. Watch setup failure is not fatal;
// the git poll ticker alone still detects changes, just slower.
func (s *Scanner) watchLoop(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("filesystem watcher unavailable, relying on git polling", "error", err)
		return
	}
	defer watcher.Close()

	count := s.addWatches(watcher)
	s.logger.Debug("watching directories", "count", count)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	nudge := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.debounce, func() {
			select {
			case s.refresh <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if s.ignoreEvent(event) {
				continue
			}
			// New directories join the watch set so edits inside them
			// are seen too.
			if event.Has(fsnotify.Create) {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					if !watchedDirsSkipped[filepath.Base(event.Name)] {
						watcher.Add(event.Name)
					}
				}
			}
			nudge()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("filesystem watcher error", "error", err)
		}
	}
}

// addWatches registers every directory under the target, bounded by
// maxWatches.
func (s *Scanner) addWatches(watcher *fsnotify.Watcher) int {
	count := 0
	limitLogged := false

	filepath.WalkDir(s.cfg.TargetDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != s.cfg.TargetDir && (watchedDirsSkipped[name] || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		if count >= maxWatches {
			if !limitLogged {
				s.logger.Warn("directory watch limit reached", "limit", maxWatches)
				limitLogged = true
			}
			return filepath.SkipDir
		}
		if watcher.Add(path) == nil {
			count++
		}
		return nil
	})
	return count
}

// ignoreEvent filters events the scanner must not react to: its own output
// files and anything inside skipped directories.
func (s *Scanner) ignoreEvent(event fsnotify.Event) bool {
	rel, err := filepath.Rel(s.cfg.TargetDir, event.Name)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)

	if rel == s.cfg.OutputFile || rel == s.cfg.OutputFile+".bak" ||
		rel == s.cfg.LogFile || rel == s.cfg.LockFile {
		return true
	}
	for _, part := range strings.Split(rel, "/") {
		if watchedDirsSkipped[part] || strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
