// Package llm talks to a local model server. Two backends are supported:
// LM Studio through its OpenAI-compatible /v1 API, and Ollama through its
// native /api endpoints. Both return scan findings as parsed JSON.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"codescan/internal/config"
	"codescan/internal/tools"
)

// Client is the backend-independent surface the scanner uses.
type Client interface {
	// Connect validates the server is reachable and resolves the model
	// and its context window.
	Connect(ctx context.Context) error

	// Query sends one system/user prompt pair and returns the model's
	// JSON object response. Malformed output is retried. With a tool
	// runner enabled, the model may issue tool calls before answering.
	Query(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error)

	// EnableTools advertises a tool surface to the model and dispatches
	// its tool calls through the runner. Nil disables tool calling.
	EnableTools(runner ToolRunner)

	// ContextLimit is the usable context window in tokens. Zero until
	// connected.
	ContextLimit() int

	// ModelID is the resolved model identifier. Empty until connected.
	ModelID() string

	// BackendName names the backend for logs.
	BackendName() string
}

// ToolRunner executes the repository-inspection tools the model calls
// while answering a query.
type ToolRunner interface {
	Schemas() []tools.Tool
	Execute(ctx context.Context, name string, args map[string]any) tools.Result
}

// maxToolTurns bounds how many tool-calling rounds one query may take
// before the model must answer.
const maxToolTurns = 25

// New builds a client for the configured backend.
func New(cfg config.LLM, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case config.BackendLMStudio:
		return NewLMStudioClient(cfg, WithLMStudioLogger(logger)), nil
	case config.BackendOllama:
		return NewOllamaClient(cfg, WithOllamaLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown llm backend: %q", cfg.Backend)
	}
}

// ContextOverflowError means the prompt cannot fit the model's loaded
// context window. It is fatal: retrying the same batch cannot succeed.
type ContextOverflowError struct {
	ModelLimit      string
	ConfiguredLimit int
	Remediation     string
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context length mismatch: model window is %s tokens, configured limit is %d\n%s",
		e.ModelLimit, e.ConfiguredLimit, e.Remediation)
}

var contextLengthRE = regexp.MustCompile(`context length of (?:only )?(\d+)`)

// detectContextOverflow recognizes a server error complaining about
// context length and converts it into the fatal typed error.
func detectContextOverflow(errMsg string, configuredLimit int) *ContextOverflowError {
	lower := strings.ToLower(errMsg)
	if !strings.Contains(lower, "context") {
		return nil
	}
	if !strings.Contains(lower, "overflow") && !strings.Contains(lower, "context length") {
		return nil
	}

	modelLimit := "unknown"
	if m := contextLengthRE.FindStringSubmatch(errMsg); m != nil {
		modelLimit = m[1]
	}

	remediation := "increase the model's context length in the server, load a model with a larger window, " +
		"or reduce context_limit in the configuration"
	if modelLimit != "unknown" {
		if n, err := strconv.Atoi(modelLimit); err == nil {
			remediation += fmt.Sprintf(" (set context_limit = %d)", n)
		}
	}

	return &ContextOverflowError{
		ModelLimit:      modelLimit,
		ConfiguredLimit: configuredLimit,
		Remediation:     remediation,
	}
}

// WaitForConnection retries Connect until it succeeds or the context is
// canceled.
func WaitForConnection(ctx context.Context, c Client, retryInterval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		logger.Warn("llm backend unavailable, retrying",
			"backend", c.BackendName(),
			"retry_in", retryInterval,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// stripMarkdownFences removes a ```json ... ``` wrapper if the model added
// one despite instructions.
func stripMarkdownFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	// Drop the opening fence line (which may carry a language tag) and a
	// closing fence if present.
	lines = lines[1:]
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// extractJSONObject salvages the outermost {...} from a response that has
// prose around the JSON.
func extractJSONObject(content string) (string, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}
