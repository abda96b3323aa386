package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 120 * time.Second

// Client is an OpenAI-compatible LLM client.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	label          string   // tier name used in debug log lines (e.g. "STRATEGIST")
	enableThinking bool     // sends "enable_thinking":true in the request body
	temperature    *float64 // omitted from the request when nil
	httpClient     *http.Client
}

// normalizeBaseURL strips trailing slashes and the "/chat/completions" suffix
// from a raw OPENAI_BASE_URL value so the path is never doubled when the
// client appends "/chat/completions" itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Strips trailing slash AND "/chat/completions" when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// New creates a Client from the shared environment variables:
//
//	OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL
func New() *Client {
	return NewTier("")
}

// NewTier creates a Client for a named tier (e.g. "STRATEGIST").
// For each config key it first tries {prefix}_{KEY}; if unset it falls back
// to the shared OPENAI_{KEY}. An empty prefix reads only the shared vars,
// making it equivalent to New().
//
// Example: prefix "STRATEGIST" resolves credentials as:
//
//	STRATEGIST_API_KEY          → OPENAI_API_KEY
//	STRATEGIST_BASE_URL         → OPENAI_BASE_URL
//	STRATEGIST_MODEL            → OPENAI_MODEL
//	STRATEGIST_TEMPERATURE      → OPENAI_TEMPERATURE
//	STRATEGIST_TIMEOUT_SECONDS  → OPENAI_TIMEOUT_SECONDS (default 120)
//	STRATEGIST_ENABLE_THINKING  (no fallback; defaults false)
//
// Expectations:
//   - Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
//   - Falls back to OPENAI_* vars for any unset tier-specific var
//   - Sets enableThinking when {prefix}_ENABLE_THINKING == "true"
//   - Empty prefix reads only OPENAI_* (identical to New())
//   - An unparsable temperature is ignored; an unparsable or non-positive timeout uses 120s
func NewTier(prefix string) *Client {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	enableThinking := prefix != "" && os.Getenv(prefix+"_ENABLE_THINKING") == "true"
	label := prefix
	if label == "" {
		label = "LLM"
	}

	var temperature *float64
	if v := get("TEMPERATURE", "OPENAI_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			temperature = &f
		} else {
			slog.Warn("[LLM] ignoring invalid temperature", "tier", label, "value", v)
		}
	}
	timeout := defaultTimeout
	if v := get("TIMEOUT_SECONDS", "OPENAI_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	return &Client{
		baseURL:        normalizeBaseURL(get("BASE_URL", "OPENAI_BASE_URL")),
		apiKey:         get("API_KEY", "OPENAI_API_KEY"),
		model:          get("MODEL", "OPENAI_MODEL"),
		label:          label,
		enableThinking: enableThinking,
		temperature:    temperature,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

// Label returns the tier name.
func (c *Client) Label() string { return c.label }

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Validate reports the configuration fields that are missing.
//
// Expectations:
//   - Returns nil when all three fields (baseURL, apiKey, model) are non-empty
//   - Returns error listing "base URL" when baseURL is empty
//   - Returns error listing "API key" when apiKey is empty
//   - Returns error listing "model" when model is empty
//   - Returns error listing all missing fields comma-separated when multiple are empty
//   - Error message includes the tier label
func (c *Client) Validate() error {
	var missing []string
	if c.baseURL == "" {
		missing = append(missing, "base URL")
	}
	if c.apiKey == "" {
		missing = append(missing, "API key")
	}
	if c.model == "" {
		missing = append(missing, "model")
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("llm: tier %s missing %s", c.label, strings.Join(missing, ", "))
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []chatMsg `json:"messages"`
	Temperature    *float64  `json:"temperature,omitempty"`
	EnableThinking bool      `json:"enable_thinking,omitempty"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends a system + user prompt and returns the assistant's text response and token usage.
// When the server returns a separate reasoning_content field it is folded back into the text
// as a leading <think> block so callers see one format regardless of provider.
//
// Expectations:
//   - Posts to {baseURL}/chat/completions with a bearer token
//   - Returns an error for a non-200 status, an API error object, or zero choices
//   - Prepends reasoning_content as a <think> block when present
func (c *Client) Chat(ctx context.Context, system, user string) (string, Usage, error) {
	slog.Debug(fmt.Sprintf("[%s] system prompt", c.label), "text", system)
	slog.Debug(fmt.Sprintf("[%s] user prompt", c.label), "text", user)

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMsg{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    c.temperature,
		EnableThinking: c.enableThinking,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", Usage{}, fmt.Errorf("llm: unmarshal response: %w", err)
	}

	if chatResp.Error != nil {
		return "", Usage{}, fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("llm: no choices in response")
	}

	msg := chatResp.Choices[0].Message
	content := msg.Content
	if r := strings.TrimSpace(msg.ReasoningContent); r != "" {
		content = "<think>" + r + "</think>\n" + content
	}
	slog.Debug(fmt.Sprintf("[%s] response", c.label),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"text", content)
	return content, chatResp.Usage, nil
}

// StripThinkBlocks removes all <think>...</think> blocks from s.
// Reasoning models (e.g. deepseek-r1) emit these before or between JSON
// objects. The blocks are not part of structured output and must be stripped
// before JSON parsing.
//
// Expectations:
//   - Removes a single <think>...</think> block
//   - Removes multiple <think>...</think> blocks
//   - Strips an unclosed <think> block from its start to end of string
//   - Returns s unchanged when no <think> tag is present
func StripThinkBlocks(s string) string {
	_, rest := SplitThink(s)
	return rest
}

// SplitThink separates reasoning blocks from the rest of s. think holds the
// contents of every block joined by blank lines; rest is s with the blocks removed.
//
// Expectations:
//   - Returns the inner text of each <think> block, trimmed, joined by a blank line
//   - An unclosed <think> block runs to the end of s
//   - Returns "" for think when no block is present
func SplitThink(s string) (think, rest string) {
	var parts []string
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			// Unclosed block: strip from opening tag to end of string.
			parts = append(parts, strings.TrimSpace(s[start+len("<think>"):]))
			s = s[:start]
			break
		}
		parts = append(parts, strings.TrimSpace(s[start+len("<think>"):start+end]))
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.Join(parts, "\n\n"), strings.TrimSpace(s)
}

// StripFences removes markdown code fences (```json ... ```) from LLM output,
// and also strips <think>...</think> reasoning blocks emitted by reasoning models.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		// Remove opening fence line
		idx := strings.Index(s, "\n")
		if idx != -1 {
			s = s[idx+1:]
		}
		// Remove closing fence
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// ExtractJSONObject finds the first JSON object in model output and unmarshals it into v.
// Candidates are tried in order: a fenced block anywhere in the text, the whole text
// after StripFences, then every balanced {...} span from left to right.
//
// Expectations:
//   - Decodes a bare JSON object
//   - Decodes an object inside a ```json fence preceded by prose
//   - Decodes the first balanced object embedded in prose
//   - Ignores <think> blocks, including braces inside them
//   - Returns an error when no candidate decodes
func ExtractJSONObject(s string, v any) error {
	s = StripThinkBlocks(s)
	var candidates []string
	if i := strings.Index(s, "```"); i != -1 {
		inner := s[i+3:]
		if nl := strings.Index(inner, "\n"); nl != -1 {
			inner = inner[nl+1:]
		}
		if j := strings.Index(inner, "```"); j != -1 {
			candidates = append(candidates, strings.TrimSpace(inner[:j]))
		}
	}
	candidates = append(candidates, StripFences(s))
	candidates = append(candidates, balancedObjects(s)...)

	var lastErr error
	for _, c := range candidates {
		if c == "" || c[0] != '{' {
			continue
		}
		if err := json.Unmarshal([]byte(c), v); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("llm: no decodable JSON object: %w", lastErr)
	}
	return fmt.Errorf("llm: no JSON object in output")
}

// balancedObjects returns every top-level brace-balanced span in s, honouring
// string literals so braces inside quotes do not count.
func balancedObjects(s string) []string {
	var out []string
	depth, start := 0, -1
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inStr = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, s[start:i+1])
			}
		}
	}
	return out
}
