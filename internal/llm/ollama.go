package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"codescan/internal/config"
	"codescan/internal/tools"
)

// OllamaClient speaks Ollama's native /api endpoints.
type OllamaClient struct {
	cfg        config.LLM
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	modelID      string
	contextLimit int
	maxRetries   int
	runner       ToolRunner
}

// OllamaOption configures the client.
type OllamaOption func(*OllamaClient)

// WithOllamaLogger sets the logger.
func WithOllamaLogger(logger *slog.Logger) OllamaOption {
	return func(c *OllamaClient) { c.logger = logger }
}

// WithOllamaBaseURL overrides the server URL, mainly for tests.
func WithOllamaBaseURL(url string) OllamaOption {
	return func(c *OllamaClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithOllamaMaxRetries bounds retries for malformed responses.
func WithOllamaMaxRetries(n int) OllamaOption {
	return func(c *OllamaClient) { c.maxRetries = n }
}

// NewOllamaClient builds a client from configuration.
func NewOllamaClient(cfg config.LLM, opts ...OllamaOption) *OllamaClient {
	c := &OllamaClient{
		cfg:        cfg,
		baseURL:    cfg.BaseURL(),
		logger:     slog.Default(),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient = &http.Client{Timeout: cfg.RequestTimeout()}
	return c
}

func (c *OllamaClient) BackendName() string { return "Ollama" }
func (c *OllamaClient) ModelID() string     { return c.modelID }
func (c *OllamaClient) ContextLimit() int   { return c.contextLimit }

// EnableTools advertises the runner's tools on every query and dispatches
// the model's tool calls through it.
func (c *OllamaClient) EnableTools(runner ToolRunner) { c.runner = runner }

// Connect checks the server, verifies the configured model is pulled, and
// determines the context window from model metadata.
func (c *OllamaClient) Connect(ctx context.Context) error {
	if c.cfg.Model == "" {
		return fmt.Errorf("ollama backend requires 'model' in configuration\nexample: model = \"qwen3:4b\"")
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/tags", &tags); err != nil {
		return fmt.Errorf("cannot reach Ollama at %s: %w\ncheck that 'ollama serve' is running", c.baseURL, err)
	}

	found := false
	var names []string
	for _, m := range tags.Models {
		names = append(names, m.Name)
		if m.Name == c.cfg.Model || strings.TrimSuffix(m.Name, ":latest") == c.cfg.Model {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("model %q not found in Ollama (available: %s)\npull it with: ollama pull %s",
			c.cfg.Model, strings.Join(names, ", "), c.cfg.Model)
	}
	c.modelID = c.cfg.Model

	modelCtx := c.modelContextLimit(ctx)
	switch {
	case c.cfg.ContextLimit > 0:
		if modelCtx > 0 && c.cfg.ContextLimit > modelCtx {
			return fmt.Errorf("configured context_limit %d exceeds what model %q supports (%d)\nreduce context_limit or use a larger-context model",
				c.cfg.ContextLimit, c.modelID, modelCtx)
		}
		c.contextLimit = c.cfg.ContextLimit
	case modelCtx > 0:
		c.contextLimit = modelCtx
	default:
		return fmt.Errorf("could not determine context window from Ollama; set context_limit in the configuration")
	}

	c.logger.Info("connected to Ollama",
		"model", c.modelID,
		"context_limit", c.contextLimit)
	return nil
}

// modelContextLimit reads the context window from /api/show. Ollama
// reports it under different keys depending on model family and version.
func (c *OllamaClient) modelContextLimit(ctx context.Context) int {
	payload, _ := json.Marshal(map[string]string{"name": c.modelID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/show", bytes.NewReader(payload))
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}

	var show struct {
		ModelInfo  map[string]any `json:"model_info"`
		Parameters string         `json:"parameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return 0
	}

	for key, value := range show.ModelInfo {
		if strings.HasSuffix(key, ".context_length") || key == "num_ctx" || key == "context_length" || key == "n_ctx" {
			if n, ok := value.(float64); ok && n > 0 {
				return int(n)
			}
		}
	}

	// Older servers report "num_ctx 4096" in the flat parameters blob.
	for _, line := range strings.Split(show.Parameters, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "num_ctx" {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				return n
			}
		}
	}
	return 0
}

// ollamaChatRequest is the native chat request. format "json" constrains
// output to a JSON object.
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
	Tools    []tools.Tool    `json:"tools,omitempty"`
}

// ollamaMessage is one native chat message. Unlike the OpenAI wire
// format, tool-call arguments are a JSON object, not an encoded string.
type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error"`
}

// Query sends the prompts and parses the JSON object the model returns.
func (c *OllamaClient) Query(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error) {
	if c.modelID == "" {
		return nil, fmt.Errorf("not connected")
	}

	lastRaw := "(no response received)"
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		options := map[string]any{"temperature": 0.1}
		if c.contextLimit > 0 {
			options["num_ctx"] = c.contextLimit
		}

		messages := []ollamaMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		}

		content, err := c.converse(ctx, messages, options)
		if err != nil {
			if overflow := detectContextOverflow(err.Error(), c.contextLimit); overflow != nil {
				return nil, overflow
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("chat request failed", "attempt", attempt, "error", err)
			sleepCtx(ctx, retrySchedule(attempt))
			continue
		}
		if content == "" {
			c.logger.Warn("empty model response", "attempt", attempt)
			continue
		}

		content = stripMarkdownFences(content)
		var result map[string]any
		if err := json.Unmarshal([]byte(content), &result); err == nil {
			return result, nil
		}
		lastRaw = content

		if obj, ok := extractJSONObject(content); ok {
			if err := json.Unmarshal([]byte(obj), &result); err == nil {
				return result, nil
			}
		}
		c.logger.Info("non-JSON model response", "attempt", attempt)
	}

	preview := lastRaw
	if len(preview) > 1000 {
		preview = preview[:1000]
	}
	return nil, fmt.Errorf("no valid JSON response after %d attempts\n--- last raw response ---\n%s", c.maxRetries, preview)
}

// converse drives one conversation to a final text answer, executing any
// tool calls the model makes along the way. Tool calling and format
// "json" conflict in Ollama, so with a runner enabled the JSON shape is
// enforced by the prompt and the salvage path instead.
func (c *OllamaClient) converse(ctx context.Context, messages []ollamaMessage, options map[string]any) (string, error) {
	for turn := 0; ; turn++ {
		req := ollamaChatRequest{
			Model:    c.modelID,
			Messages: messages,
			Stream:   false,
			Options:  options,
		}
		if c.runner != nil {
			req.Tools = c.runner.Schemas()
		} else {
			req.Format = "json"
		}

		msg, err := c.chat(ctx, req)
		if err != nil {
			return "", err
		}
		if c.runner == nil || len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}
		if turn >= maxToolTurns {
			return "", fmt.Errorf("model made tool calls for %d turns without answering", maxToolTurns)
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			c.logger.Debug("model tool call", "tool", call.Function.Name)
			messages = append(messages, ollamaMessage{
				Role:     "tool",
				ToolName: call.Function.Name,
				Content:  c.runTool(ctx, call),
			})
		}
	}
}

// runTool executes one tool call and encodes its result for the model.
func (c *OllamaClient) runTool(ctx context.Context, call ollamaToolCall) string {
	result := c.runner.Execute(ctx, call.Function.Name, call.Function.Arguments)
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":"encoding tool result: %v"}`, err)
	}
	return string(payload)
}

func (c *OllamaClient) chat(ctx context.Context, reqBody ollamaChatRequest) (ollamaMessage, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return ollamaMessage{}, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return ollamaMessage{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ollamaMessage{}, fmt.Errorf("lost connection to Ollama: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ollamaMessage{}, fmt.Errorf("reading response: %w", err)
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ollamaMessage{}, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, truncateForLog(body))
	}
	if parsed.Error != "" {
		return ollamaMessage{}, fmt.Errorf("Ollama error: %s", parsed.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return ollamaMessage{}, fmt.Errorf("Ollama returned status %d: %s", resp.StatusCode, truncateForLog(body))
	}
	return parsed.Message, nil
}

func (c *OllamaClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
