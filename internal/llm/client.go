// Package llm is the LLM adapter: an OpenAI-compatible POST client
// (normalizeBaseURL, NewTier's tiered env-var resolution, StripThinkBlocks
// JSON recovery) generalized to emit and retry a validated plan.Plan
// instead of raw text, with github.com/cenkalti/backoff/v4 replacing a
// hand-rolled sleep loop for network-failure retries.
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

	"github.com/cenkalti/backoff/v4"

	"github.com/leonardorey/psrun/internal/perr"
	"github.com/leonardorey/psrun/internal/plan"
)

// Client is an OpenAI-compatible LLM client that returns validated Plans.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	label          string
	enableThinking bool
	maxRetries     int
	retryDelay     time.Duration
	httpClient     *http.Client
	log            *slog.Logger
}

// normalizeBaseURL strips trailing slashes and a "/chat/completions" suffix
// from a raw OPENAI_BASE_URL value so the path is never doubled.
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

// New creates a Client from the shared OPENAI_* environment variables.
func New() *Client { return NewTier("") }

// NewTier creates a Client for a named tier (e.g. "BRAIN", "TOOL"). For
// each config key it first tries {prefix}_{KEY}; if unset it falls back to
// the shared OPENAI_{KEY}. An empty prefix is equivalent to New().
func NewTier(prefix string) *Client {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	getInt := func(suffix string, def int) int {
		raw := get(suffix, "OPENAI_"+suffix)
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return def
		}
		return n
	}
	enableThinking := prefix != "" && os.Getenv(prefix+"_ENABLE_THINKING") == "true"
	label := prefix
	if label == "" {
		label = "LLM"
	}
	return &Client{
		baseURL:        normalizeBaseURL(get("BASE_URL", "OPENAI_BASE_URL")),
		apiKey:         get("API_KEY", "OPENAI_API_KEY"),
		model:          get("MODEL", "OPENAI_MODEL"),
		label:          label,
		enableThinking: enableThinking,
		maxRetries:     getInt("MAX_RETRIES", 3),
		retryDelay:     time.Duration(getInt("RETRY_DELAY_MS", 500)) * time.Millisecond,
		httpClient:     &http.Client{Timeout: 120 * time.Second},
		log:            slog.With("component", "llm", "tier", label),
	}
}

// Model returns the tier's configured model name, for budget cost accounting.
func (c *Client) Model() string { return c.model }

// Message is one entry of a Request's History.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the adapter's input envelope.
type Request struct {
	System        string
	User          string
	Context       string
	MemoryContext string
	History       []Message
	MockPlan      *plan.Plan
	TimeoutMs     int64
}

const (
	memoryContextHeader = "--- Memory Context ---"
	memoryContextFooter = "--- End Memory ---"
)

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is what a completed adapter call returns.
type Result struct {
	Plan       *plan.Plan
	Raw        string
	Usage      Usage
	LatencyMs  int64
	RetryCount int
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []chatMsg `json:"messages"`
	Temperature    float64   `json:"temperature"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	ResponseFormat respFmt   `json:"response_format"`
	EnableThinking bool      `json:"enable_thinking,omitempty"`
}

type respFmt struct {
	Type string `json:"type"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const maxRateLimitWaits = 10

// Complete runs the full adapter pipeline: mock_plan short-circuit,
// message composition, HTTP POST (retried on network failure via
// backoff.Retry), JSON extraction/cleanup/recovery, and Plan validation
// with a correction-retry loop.
func (c *Client) Complete(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if req.MockPlan != nil {
		if err := plan.Validate(req.MockPlan); err != nil {
			return nil, err
		}
		return &Result{Plan: req.MockPlan}, nil
	}

	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	messages := c.buildMessages(req)
	validationRetries := 0
	rateLimitWaits := 0

	for {
		raw, usage, err := c.postWithBackoff(ctx, messages)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, perr.New(perr.KindTimeout, "LLM request timed out")
			}
			if rle, ok := err.(*rateLimitError); ok {
				rateLimitWaits++
				if rateLimitWaits > maxRateLimitWaits {
					return nil, perr.New(perr.KindTool, "LLM: exceeded max rate-limit waits")
				}
				c.log.Warn("rate limited, waiting", "retry_after", rle.retryAfter)
				select {
				case <-time.After(rle.retryAfter):
				case <-ctx.Done():
					return nil, perr.New(perr.KindTimeout, "LLM request timed out during rate-limit wait")
				}
				continue // does not consume a retry attempt
			}
			return nil, perr.Wrap(perr.KindTool, "LLM request failed", err)
		}

		p, verr := extractAndValidate(raw)
		if verr == nil {
			return &Result{
				Plan: p, Raw: raw, Usage: usage,
				LatencyMs: time.Since(start).Milliseconds(), RetryCount: validationRetries,
			}, nil
		}

		if validationRetries >= c.maxRetries {
			return nil, verr
		}
		validationRetries++
		messages = append(messages,
			chatMsg{Role: "assistant", Content: raw},
			chatMsg{Role: "user", Content: "Your last reply was not a valid Plan JSON object: " + verr.Error() + ". Reply again with ONLY a single valid Plan JSON object."},
		)
		delay := c.retryDelay * time.Duration(1<<uint(validationRetries-1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, perr.New(perr.KindTimeout, "LLM request timed out during retry back-off")
		}
	}
}

// postWithBackoff wraps post in a counted exponential back-off retry for
// network failures. Rate-limit (429) and application errors from the API
// are not retried here — a *rateLimitError propagates immediately so
// Complete can apply the Retry-After wait without consuming a retry
// attempt.
func (c *Client) postWithBackoff(ctx context.Context, messages []chatMsg) (string, Usage, error) {
	var raw string
	var usage Usage

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryDelay
	bo.MaxElapsedTime = 0 // bounded by MaxRetries below, not wall-clock

	err := backoff.Retry(func() error {
		r, u, err := c.post(ctx, messages)
		if err != nil {
			if _, ok := err.(*rateLimitError); ok {
				return backoff.Permanent(err)
			}
			if _, ok := err.(*apiError); ok {
				return backoff.Permanent(err)
			}
			return err // network failure: retryable
		}
		raw, usage = r, u
		return nil
	}, backoff.WithMaxRetries(bo, uint64(c.maxRetries)))

	if err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return "", Usage{}, perm.Err
		}
		return "", Usage{}, err
	}
	return raw, usage, nil
}

// buildMessages composes the system prompt, concatenating a delimited
// memory block onto it when the request carries one so the model never
// confuses recalled memory with instructions.
func (c *Client) buildMessages(req Request) []chatMsg {
	var msgs []chatMsg
	system := req.System
	if req.MemoryContext != "" {
		if system != "" {
			system += "\n\n"
		}
		system += memoryContextHeader + "\n" + req.MemoryContext + "\n" + memoryContextFooter
	}
	if system != "" {
		msgs = append(msgs, chatMsg{Role: "system", Content: system})
	}
	if req.Context != "" {
		msgs = append(msgs, chatMsg{Role: "system", Content: "Current context:\n" + req.Context})
	}
	for _, h := range req.History {
		msgs = append(msgs, chatMsg{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, chatMsg{Role: "user", Content: req.User})
	return msgs
}

// rateLimitError is a non-retryable-by-backoff 429 signal: Complete itself
// sleeps for retryAfter and loops without consuming an attempt.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string { return "rate limited" }

// apiError is a non-2xx response other than 429: thrown with its status
// code and body, never retried.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string { return fmt.Sprintf("llm: HTTP %d: %s", e.status, e.body) }

func (c *Client) post(ctx context.Context, messages []chatMsg) (string, Usage, error) {
	payload := chatRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    0.2,
		ResponseFormat: respFmt{Type: "json_object"},
		EnableThinking: c.enableThinking,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", Usage{}, &rateLimitError{retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), string(respBody))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, &apiError{status: resp.StatusCode, body: string(respBody)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", Usage{}, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", Usage{}, &apiError{status: resp.StatusCode, body: chatResp.Error.Message}
	}
	if len(chatResp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("llm: no choices in response")
	}
	return chatResp.Choices[0].Message.Content, chatResp.Usage, nil
}

func parseRetryAfter(header, body string) time.Duration {
	if header != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	idx := strings.Index(body, "try again in ")
	if idx != -1 {
		rest := body[idx+len("try again in "):]
		var numBuf strings.Builder
		for _, r := range rest {
			if (r >= '0' && r <= '9') || r == '.' {
				numBuf.WriteRune(r)
			} else {
				break
			}
		}
		if numBuf.Len() > 0 {
			if f, err := strconv.ParseFloat(numBuf.String(), 64); err == nil {
				return time.Duration(f * float64(time.Second))
			}
		}
	}
	return 5 * time.Second
}

// StripThinkBlocks removes all <think>...</think> blocks from s. Reasoning
// models (e.g. deepseek-r1) emit these before or between JSON objects.
//
// Expectations:
//   - Removes a single <think>...</think> block
//   - Removes multiple <think>...</think> blocks
//   - Strips an unclosed <think> block from its start to end of string
//   - Returns s unchanged when no <think> tag is present
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// extractAndValidate runs the response-handling pipeline: extract → clean
// → (on failure) truncated-WRITE_FILE recovery → validate.
func extractAndValidate(raw string) (*plan.Plan, error) {
	candidate := extractJSON(raw)
	cleaned := cleanJSON(candidate)
	p, err := plan.ParseJSON([]byte(cleaned))
	if err == nil {
		return p, nil
	}
	if recovered, ok := recoverTruncatedWriteFile(raw); ok {
		rb, rerr := json.Marshal(recovered)
		if rerr == nil {
			if p2, perr3 := plan.ParseJSON(rb); perr3 == nil {
				return p2, nil
			}
		}
	}
	return nil, perr.Wrap(perr.KindSchema, "LLM reply is not a valid Plan", err)
}

// extractJSON pulls a fenced code block, else the first {...} substring.
func extractJSON(raw string) string {
	s := StripThinkBlocks(strings.TrimSpace(raw))
	if i := strings.Index(s, "```json"); i != -1 {
		rest := s[i+len("```json"):]
		if j := strings.Index(rest, "```"); j != -1 {
			return strings.TrimSpace(rest[:j])
		}
	}
	if i := strings.Index(s, "```"); i != -1 {
		rest := s[i+3:]
		if j := strings.Index(rest, "```"); j != -1 {
			return strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

// cleanJSON drops trailing commas and normalizes single-quoted strings and
// bare object keys to double-quoted equivalents.
func cleanJSON(s string) string {
	s = trailingCommaFix(s)
	s = bareKeyFix(s)
	s = singleQuoteFix(s)
	return s
}

func trailingCommaFix(s string) string {
	var out strings.Builder
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == ',' {
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\n' || runes[j] == '\t' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && (runes[j] == '}' || runes[j] == ']') {
				continue
			}
		}
		out.WriteRune(runes[i])
	}
	return out.String()
}

// bareKeyFix wraps unquoted object keys (word chars followed by a colon)
// in double quotes, skipping occurrences already inside a string literal.
func bareKeyFix(s string) string {
	var out strings.Builder
	inStr := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '"' && (i == 0 || runes[i-1] != '\\') {
			inStr = !inStr
			out.WriteRune(r)
			continue
		}
		if !inStr && (r == '{' || r == ',') {
			out.WriteRune(r)
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\n' || runes[j] == '\t') {
				out.WriteRune(runes[j])
				j++
			}
			k := j
			for k < len(runes) && (runes[k] == '_' || (runes[k] >= 'a' && runes[k] <= 'z') || (runes[k] >= 'A' && runes[k] <= 'Z') || (runes[k] >= '0' && runes[k] <= '9')) {
				k++
			}
			if k > j {
				m := k
				for m < len(runes) && runes[m] == ' ' {
					m++
				}
				if m < len(runes) && runes[m] == ':' {
					out.WriteRune('"')
					out.WriteString(string(runes[j:k]))
					out.WriteRune('"')
					i = k - 1
					continue
				}
			}
		}
		out.WriteRune(r)
	}
	return out.String()
}

func singleQuoteFix(s string) string {
	var out strings.Builder
	inDouble := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '"' && (i == 0 || runes[i-1] != '\\') {
			inDouble = !inDouble
			out.WriteRune(r)
			continue
		}
		if !inDouble && r == '\'' {
			out.WriteRune('"')
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

// recoverTruncatedWriteFile salvages a truncated WRITE_FILE action: if the
// raw text looks like one, recover the path and the opened content string
// through its last </html> marker.
func recoverTruncatedWriteFile(raw string) (map[string]any, bool) {
	if !strings.Contains(raw, `"action"`) || !strings.Contains(raw, "WRITE_FILE") {
		return nil, false
	}
	pathIdx := strings.Index(raw, `"path"`)
	if pathIdx == -1 {
		return nil, false
	}
	colon := strings.Index(raw[pathIdx:], `:`)
	if colon == -1 {
		return nil, false
	}
	rest := strings.TrimSpace(raw[pathIdx+colon+1:])
	if !strings.HasPrefix(rest, `"`) {
		return nil, false
	}
	endQuote := strings.Index(rest[1:], `"`)
	if endQuote == -1 {
		return nil, false
	}
	path := rest[1 : 1+endQuote]

	contentIdx := strings.Index(raw, `"content"`)
	if contentIdx == -1 {
		return nil, false
	}
	colonIdx := strings.Index(raw[contentIdx:], ":")
	if colonIdx == -1 {
		return nil, false
	}
	afterColon := strings.TrimSpace(raw[contentIdx+colonIdx+1:])
	if !strings.HasPrefix(afterColon, `"`) {
		return nil, false
	}
	body := afterColon[1:]
	if cut := strings.LastIndex(body, "</html>"); cut != -1 {
		body = body[:cut+len("</html>")]
	} else if t := strings.LastIndex(body, `"`); t != -1 {
		body = body[:t]
	}
	content := jsonUnescape(body)

	return map[string]any{
		"action": "WRITE_FILE",
		"args": map[string]any{
			"path":    path,
			"content": content,
		},
		"done": true,
	}, true
}

func jsonUnescape(s string) string {
	var out strings.Builder
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '\\' && i+1 < len(runes) {
			switch runes[i+1] {
			case 'n':
				out.WriteRune('\n')
				i++
				continue
			case 't':
				out.WriteRune('\t')
				i++
				continue
			case '"':
				out.WriteRune('"')
				i++
				continue
			case '\\':
				out.WriteRune('\\')
				i++
				continue
			}
		}
		out.WriteRune(runes[i])
	}
	return out.String()
}
