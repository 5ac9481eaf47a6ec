// codescan watches a git repository for uncommitted changes and reviews
// them with a local LLM against the checks configured in codescan.toml.
// Findings land in a markdown report next to the code.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codescan/internal/config"
	"codescan/internal/filefilter"
	"codescan/internal/gitwatch"
	"codescan/internal/llm"
	"codescan/internal/logging"
	"codescan/internal/report"
	"codescan/internal/scanner"
	"codescan/internal/symbols"
	"codescan/internal/tools"
	"codescan/internal/tracker"
)

const issueDBName = ".code_scan.db"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the TOML configuration file (default: codescan.toml in the target directory)")
	commit := flag.String("commit", "", "baseline commit hash; changes since this commit are scanned")
	once := flag.Bool("once", false, "run a single scan cycle and exit instead of watching")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides CODESCAN_LOG_LEVEL)")
	flag.Usage = usage
	flag.Parse()

	target := "."
	if flag.NArg() > 0 {
		target = flag.Arg(0)
	}
	if flag.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "error: at most one target directory may be given")
		usage()
		return 2
	}

	cfg, err := config.Load(target, *configPath, *commit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	logger, closeLog, err := buildLogger(cfg, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, cfg, logger, *once); err != nil {
		var overflow *llm.ContextOverflowError
		if errors.As(err, &overflow) {
			fmt.Fprintf(os.Stderr, "\n%v\n", overflow)
			return 1
		}
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, cfg *config.Config, logger *slog.Logger, once bool) error {
	release, err := acquireLock(cfg.LockPath(), logger)
	if err != nil {
		return err
	}
	defer release()

	logger.Info("codescan starting",
		"target", cfg.TargetDir,
		"backend", cfg.LLM.Backend,
		"checks", cfg.TotalChecks(),
		"output", cfg.OutputPath())

	// Everything the scanner writes itself must never retrigger a scan.
	var ignorePatterns []string
	for _, g := range cfg.CheckGroups {
		if g.IsIgnore() {
			ignorePatterns = append(ignorePatterns, g.Pattern)
		}
	}
	filter := filefilter.New(cfg.TargetDir,
		filefilter.WithScannerFiles(
			cfg.OutputFile, cfg.OutputFile+".bak",
			cfg.LogFile, cfg.LockFile, issueDBName,
			filepath.Base(cfg.ConfigFile)),
		filefilter.WithConfigPatterns(ignorePatterns...))

	git := gitwatch.New(cfg.TargetDir,
		gitwatch.WithBaseCommit(cfg.CommitHash),
		gitwatch.WithFileFilter(filter),
		gitwatch.WithExcludedFiles(cfg.OutputFile, cfg.OutputFile+".bak", cfg.LogFile, cfg.LockFile, issueDBName))
	if err := git.Connect(ctx); err != nil {
		return err
	}

	index, err := symbols.NewIndex(cfg.TargetDir, symbols.WithLogger(logger))
	if err != nil {
		return err
	}

	client, err := llm.New(cfg.LLM, logger)
	if err != nil {
		return err
	}
	logger.Info("connecting to LLM backend", "backend", client.BackendName(), "url", cfg.LLM.BaseURL())
	if err := llm.WaitForConnection(ctx, client, cfg.LLMRetryInterval, logger); err != nil {
		return err
	}
	logger.Info("connected", "model", client.ModelID(), "context_limit", client.ContextLimit())

	// The model inspects the repository through the tool surface while
	// reviewing; chunk sizing needs the connected model's context window.
	executor := tools.NewExecutor(cfg.TargetDir, client.ContextLimit(),
		tools.WithIndex(index),
		tools.WithFilter(filter),
		tools.WithLogger(logger))
	client.EnableTools(executor)

	store, err := tracker.OpenStore(filepath.Join(cfg.TargetDir, issueDBName))
	if err != nil {
		return fmt.Errorf("opening issue store: %w", err)
	}
	defer store.Close()

	writer := report.NewWriter(cfg.OutputPath(), report.WithLogger(logger))
	if err := writer.BackupExisting(); err != nil {
		logger.Warn("could not back up existing report", "error", err)
	}

	tr := tracker.New(logger)
	sc := scanner.New(cfg, git, client, tr, writer,
		scanner.WithFilter(filter),
		scanner.WithIndex(index),
		scanner.WithStore(store),
		scanner.WithLogger(logger))

	if once {
		return sc.RunOnce(ctx)
	}
	return sc.Run(ctx)
}

// buildLogger logs to stderr and to the configured log file inside the
// target repository.
func buildLogger(cfg *config.Config, level string) (*slog.Logger, func(), error) {
	if level != "" {
		if _, ok := logging.ParseLevel(level); !ok {
			return nil, nil, fmt.Errorf("invalid log level %q; use debug, info, warn, or error", level)
		}
		os.Setenv("CODESCAN_LOG_LEVEL", level)
	}

	logger, closer, err := logging.NewWithFile("codescan", cfg.LogPath())
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { closer.Close() }, nil
}

// acquireLock takes the PID lock, stealing it from a dead process. Two
// scanners writing the same report would corrupt each other's state.
func acquireLock(path string, logger *slog.Logger) (func(), error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		pid, readErr := readLockPID(path)
		if readErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("another codescan instance (pid %d) is already scanning this repository; stop it or remove %s", pid, path)
		}
		logger.Warn("removing stale lock file", "path", path, "pid", pid)
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing stale lock file: %w", err)
		}
	}
	return nil, fmt.Errorf("could not acquire lock file %s", path)
}

func readLockPID(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(content)))
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `codescan - AI code review daemon

Usage: codescan [flags] [target-directory]

Watches the target git repository for uncommitted changes and reviews them
against the checks in codescan.toml using a local LLM (LM Studio or Ollama).
Results are written to %s in the target directory.

Flags:
`, config.DefaultOutputFile)
	flag.PrintDefaults()
	fmt.Fprint(os.Stderr, `
Environment:
  CODESCAN_LOG_LEVEL   debug, info, warn, error (default: info)
  CODESCAN_LOG_FORMAT  text, json (default: text)
`)
}
