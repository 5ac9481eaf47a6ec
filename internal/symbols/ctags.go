package symbols

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const (
	// probeTimeout bounds the ctags version check at construction.
	probeTimeout = 10 * time.Second

	// DefaultBuildTimeout bounds a full index generation run.
	DefaultBuildTimeout = 5 * time.Minute
)

// ProbeReason classifies why the ctags environment check failed.
type ProbeReason int

const (
	ProbeNotFound ProbeReason = iota // no ctags binary on PATH
	ProbeLegacy                      // found Exuberant or another non-Universal ctags
	ProbeTimeout                     // version check did not return in time
	ProbeFailed                      // version check could not be run
)

// ProbeError is a failed ctags environment check. Detail carries the raw
// outcome and Hint tells the user how to fix their installation.
type ProbeError struct {
	Reason ProbeReason
	Detail string
	Hint   string
}

func (e *ProbeError) Error() string {
	if e.Hint == "" {
		return e.Detail
	}
	return e.Detail + "\n" + e.Hint
}

const installHint = `Install Universal Ctags:
  Ubuntu/Debian: sudo apt install universal-ctags
  macOS:         brew install universal-ctags
  Windows:       choco install universal-ctags
  From source:   https://github.com/universal-ctags/ctags`

const legacyHint = `Universal Ctags provides JSON output and better language support.
  Ubuntu/Debian: sudo apt remove exuberant-ctags && sudo apt install universal-ctags
  macOS:         brew install universal-ctags`

// probeCtags locates the ctags binary and verifies it is Universal Ctags.
// The historical Exuberant Ctags implementation lacks JSON output and is
// rejected with a distinct outcome.
func probeCtags(ctx context.Context) (string, error) {
	path, err := exec.LookPath("ctags")
	if err != nil {
		return "", &ProbeError{
			Reason: ProbeNotFound,
			Detail: "universal-ctags not found on PATH",
			Hint:   installHint,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", &ProbeError{
			Reason: ProbeTimeout,
			Detail: "ctags version check timed out",
			Hint:   "verify the ctags installation is functional",
		}
	}
	if err != nil {
		return "", &ProbeError{
			Reason: ProbeFailed,
			Detail: fmt.Sprintf("running ctags --version: %v", err),
			Hint:   installHint,
		}
	}

	version := string(out)
	if !strings.Contains(version, "Universal Ctags") {
		firstLine, _, _ := strings.Cut(strings.TrimSpace(version), "\n")
		return "", &ProbeError{
			Reason: ProbeLegacy,
			Detail: fmt.Sprintf("wrong ctags implementation: %s", firstLine),
			Hint:   legacyHint,
		}
	}

	return path, nil
}

// ctagsArgs is the fixed argument set for index generation: JSON records,
// all fields and extras, recursive scan, common non-source trees excluded.
func ctagsArgs() []string {
	return []string{
		"--output-format=json",
		"--fields=*",
		"--extras=*",
		"-R",
		"--exclude=.git",
		"--exclude=node_modules",
		"--exclude=__pycache__",
		"--exclude=.venv",
		"--exclude=venv",
		"--exclude=build",
		"--exclude=dist",
		"--exclude=target",
		"--exclude=vendor",
		"--exclude=coverage",
		"--exclude=htmlcov",
		"--exclude=*.min.js",
		"--exclude=*.min.css",
		"--exclude=*.map",
		".",
	}
}

// runCtags executes ctags against root and returns its raw tag stream.
func runCtags(ctx context.Context, ctagsPath, root string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, ctagsPath, ctagsArgs()...)
	cmd.Dir = root

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("ctags scan timed out: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ctags exited with %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("running ctags: %w", err)
	}
	return out, nil
}

// tagEntry mirrors one line of ctags --output-format=json.
type tagEntry struct {
	Type      string `json:"_type"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Pattern   string `json:"pattern"`
	Kind      string `json:"kind"`
	Line      int    `json:"line"`
	End       int    `json:"end"`
	Language  string `json:"language"`
	Scope     string `json:"scope"`
	ScopeKind string `json:"scopeKind"`
	Signature string `json:"signature"`
	Access    string `json:"access"`
}

// maxTagLine bounds one tag record. Generated or minified sources produce
// pattern fields far beyond this; such records are dropped individually.
const maxTagLine = 1024 * 1024

// parseTags converts a ctags JSON stream into Symbol records.
// Malformed lines, non-tag records, and records without a usable
// name/path/line are skipped; the rest of the stream still parses.
// Records longer than maxTagLine are dropped and counted, with parsing
// resuming at the next newline.
func parseTags(r io.Reader) ([]Symbol, int) {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		syms    []Symbol
		skipped int
	)
	for {
		line, err := br.ReadString('\n')
		if len(line) > maxTagLine {
			skipped++
		} else if s, ok := parseTagLine(line); ok {
			syms = append(syms, s)
		}
		if err != nil {
			break
		}
	}
	return syms, skipped
}

// parseTagLine parses one JSON record, reporting false for anything that
// is not an indexable tag.
func parseTagLine(line string) (Symbol, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Symbol{}, false
	}

	var entry tagEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return Symbol{}, false
	}
	if entry.Type != "tag" {
		return Symbol{}, false
	}
	if entry.Name == "" || entry.Path == "" || entry.Line < 1 {
		return Symbol{}, false
	}
	return entry.toSymbol(), true
}

// toSymbol normalizes one tag entry: canonical kind, slash paths without a
// leading "./", raw kind preserved when unmapped.
func (e tagEntry) toSymbol() Symbol {
	path := normalizePath(e.Path)

	return Symbol{
		Name:      e.Name,
		Path:      path,
		Line:      e.Line,
		Kind:      CanonicalKind(e.Kind),
		Scope:     e.Scope,
		ScopeKind: e.ScopeKind,
		Signature: e.Signature,
		Access:    e.Access,
		Language:  e.Language,
		Pattern:   e.Pattern,
		EndLine:   e.End,
	}
}
