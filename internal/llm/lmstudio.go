package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"codescan/internal/config"
	"codescan/internal/tools"
)

// LMStudioClient speaks the OpenAI-compatible API that LM Studio serves
// under /v1.
type LMStudioClient struct {
	cfg        config.LLM
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	modelID      string
	contextLimit int
	maxRetries   int
	runner       ToolRunner

	// Some models reject response_format; after the first such rejection
	// we fall back to prompt-enforced JSON.
	supportsJSONFormat bool
}

// LMStudioOption configures the client.
type LMStudioOption func(*LMStudioClient)

// WithLMStudioLogger sets the logger.
func WithLMStudioLogger(logger *slog.Logger) LMStudioOption {
	return func(c *LMStudioClient) { c.logger = logger }
}

// WithLMStudioBaseURL overrides the server URL, mainly for tests.
func WithLMStudioBaseURL(url string) LMStudioOption {
	return func(c *LMStudioClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithLMStudioMaxRetries bounds retries for malformed responses.
func WithLMStudioMaxRetries(n int) LMStudioOption {
	return func(c *LMStudioClient) { c.maxRetries = n }
}

// NewLMStudioClient builds a client from configuration.
func NewLMStudioClient(cfg config.LLM, opts ...LMStudioOption) *LMStudioClient {
	c := &LMStudioClient{
		cfg:                cfg,
		baseURL:            cfg.BaseURL(),
		logger:             slog.Default(),
		maxRetries:         3,
		supportsJSONFormat: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient = &http.Client{Timeout: cfg.RequestTimeout()}
	return c
}

func (c *LMStudioClient) BackendName() string { return "LM Studio" }
func (c *LMStudioClient) ModelID() string     { return c.modelID }
func (c *LMStudioClient) ContextLimit() int   { return c.contextLimit }

// EnableTools advertises the runner's tools on every query and dispatches
// the model's tool calls through it.
func (c *LMStudioClient) EnableTools(runner ToolRunner) { c.runner = runner }

// Connect lists the server's models and resolves which one to use. A
// configured model name must exist on the server; otherwise the first
// loaded model is taken.
func (c *LMStudioClient) Connect(ctx context.Context) error {
	var listing struct {
		Data []struct {
			ID            string `json:"id"`
			ContextLength int    `json:"context_length"`
			MaxContext    int    `json:"max_context_length"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/models", &listing); err != nil {
		return fmt.Errorf("cannot reach LM Studio at %s: %w\ncheck that LM Studio is running and a model is loaded", c.baseURL, err)
	}
	if len(listing.Data) == 0 {
		return fmt.Errorf("no models available in LM Studio; load a model and retry")
	}

	c.modelID = listing.Data[0].ID
	modelCtx := 0
	if c.cfg.Model != "" {
		found := false
		for _, m := range listing.Data {
			if m.ID == c.cfg.Model {
				c.modelID = m.ID
				found = true
				break
			}
		}
		if !found {
			ids := make([]string, len(listing.Data))
			for i, m := range listing.Data {
				ids[i] = m.ID
			}
			return fmt.Errorf("model %q not loaded in LM Studio (available: %s)", c.cfg.Model, strings.Join(ids, ", "))
		}
	}
	for _, m := range listing.Data {
		if m.ID == c.modelID {
			if m.ContextLength > 0 {
				modelCtx = m.ContextLength
			} else if m.MaxContext > 0 {
				modelCtx = m.MaxContext
			}
		}
	}

	switch {
	case c.cfg.ContextLimit > 0:
		c.contextLimit = c.cfg.ContextLimit
	case modelCtx > 0:
		c.contextLimit = modelCtx
	default:
		return fmt.Errorf("LM Studio did not report a context window for %s; set context_limit in the configuration", c.modelID)
	}

	c.logger.Info("connected to LM Studio",
		"model", c.modelID,
		"context_limit", c.contextLimit)
	return nil
}

// chatRequest is the OpenAI-compatible completion request.
type chatRequest struct {
	Model           string        `json:"model"`
	Messages        []chatMessage `json:"messages"`
	Temperature     float64       `json:"temperature"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
	ResponseFormat  *respFormat   `json:"response_format,omitempty"`
	Tools           []tools.Tool  `json:"tools,omitempty"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// toolCall is one function invocation the model requested. Arguments
// arrive as a JSON-encoded string per the OpenAI wire format.
type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type respFormat struct {
	Type string `json:"type"`
}

// assistantMessage is the model's reply: an answer, tool calls, or both.
type assistantMessage struct {
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls"`
}

type chatResponse struct {
	Choices []struct {
		Message assistantMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Query sends the prompts and parses the JSON object the model returns.
// Non-JSON responses get one reformatting round trip before counting as a
// failed attempt.
func (c *LMStudioClient) Query(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error) {
	if c.modelID == "" {
		return nil, fmt.Errorf("not connected")
	}

	lastRaw := "(no response received)"
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		messages := []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		}

		content, err := c.converse(ctx, messages)
		if err != nil {
			if overflow := detectContextOverflow(err.Error(), c.contextLimit); overflow != nil {
				return nil, overflow
			}
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "response_format") || strings.Contains(msg, "json_object") {
				c.logger.Info("model rejects response_format, using prompt-based JSON")
				c.supportsJSONFormat = false
				continue // not a failed attempt
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

		// Salvage embedded JSON before asking the model to fix itself.
		if obj, ok := extractJSONObject(content); ok {
			if err := json.Unmarshal([]byte(obj), &result); err == nil {
				return result, nil
			}
		}

		c.logger.Info("non-JSON model response, requesting reformat", "attempt", attempt)
		if fixed := c.tryFixJSON(ctx, content); fixed != nil {
			return fixed, nil
		}
	}

	preview := lastRaw
	if len(preview) > 1000 {
		preview = preview[:1000]
	}
	return nil, fmt.Errorf("no valid JSON response after %d attempts\n--- last raw response ---\n%s", c.maxRetries, preview)
}

// converse drives one conversation to a final text answer, executing any
// tool calls the model makes along the way.
func (c *LMStudioClient) converse(ctx context.Context, messages []chatMessage) (string, error) {
	for turn := 0; ; turn++ {
		req := chatRequest{
			Model:           c.modelID,
			Messages:        messages,
			Temperature:     0.1,
			ReasoningEffort: "high",
		}
		if c.supportsJSONFormat {
			req.ResponseFormat = &respFormat{Type: "json_object"}
		}
		if c.runner != nil {
			req.Tools = c.runner.Schemas()
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

		messages = append(messages, chatMessage{
			Role:      "assistant",
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		})
		for _, call := range msg.ToolCalls {
			c.logger.Debug("model tool call", "tool", call.Function.Name)
			messages = append(messages, chatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    c.runTool(ctx, call),
			})
		}
	}
}

// runTool executes one tool call and encodes its result for the model.
// Unparseable arguments reach the executor as an empty set; the tool's
// own failure Result tells the model what was missing.
func (c *LMStudioClient) runTool(ctx context.Context, call toolCall) string {
	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			c.logger.Warn("unparseable tool arguments", "tool", call.Function.Name, "error", err)
		}
	}

	result := c.runner.Execute(ctx, call.Function.Name, args)
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":"encoding tool result: %v"}`, err)
	}
	return string(payload)
}

// tryFixJSON asks the model to reformat its own malformed output.
func (c *LMStudioClient) tryFixJSON(ctx context.Context, malformed string) map[string]any {
	req := chatRequest{
		Model: c.modelID,
		Messages: []chatMessage{
			{Role: "system", Content: "Convert the user's text into the exact JSON object it describes. Respond with ONLY valid JSON, no fences, no commentary."},
			{Role: "user", Content: malformed},
		},
		Temperature: 0,
	}

	msg, err := c.chat(ctx, req)
	if err != nil || msg.Content == "" {
		return nil
	}
	content := stripMarkdownFences(msg.Content)

	var result map[string]any
	if err := json.Unmarshal([]byte(content), &result); err == nil {
		return result
	}
	if obj, ok := extractJSONObject(content); ok {
		if err := json.Unmarshal([]byte(obj), &result); err == nil {
			return result
		}
	}
	return nil
}

// chat posts one completion request and returns the assistant message.
func (c *LMStudioClient) chat(ctx context.Context, reqBody chatRequest) (assistantMessage, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return assistantMessage{}, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return assistantMessage{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return assistantMessage{}, fmt.Errorf("lost connection to LM Studio: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return assistantMessage{}, fmt.Errorf("reading response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return assistantMessage{}, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, truncateForLog(body))
	}
	if parsed.Error != nil {
		return assistantMessage{}, fmt.Errorf("LM Studio error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return assistantMessage{}, fmt.Errorf("LM Studio returned status %d: %s", resp.StatusCode, truncateForLog(body))
	}
	if len(parsed.Choices) == 0 {
		return assistantMessage{}, nil
	}
	return parsed.Choices[0].Message, nil
}

func (c *LMStudioClient) getJSON(ctx context.Context, path string, out any) error {
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

func truncateForLog(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
