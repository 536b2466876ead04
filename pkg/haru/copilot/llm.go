// Package copilot – llm.go implements the Messages API client used for every
// model call: request shaping, dynamic token budgets, retry with backoff,
// rate-limit cooldown with fallback, and SSE streaming.
package copilot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StreamCallback receives each text chunk during streaming.
type StreamCallback func(chunk string)

const (
	// requestTimeout bounds one complete LLM request including retries.
	requestTimeout = 120 * time.Second
	// maxRetries is the number of attempts for transient failures.
	maxRetries = 3
	// retryBaseDelay doubles each attempt, capped at retryMaxDelay.
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second

	// fixedMaxTokens applies when extended thinking is off.
	fixedMaxTokens = 8192
	// minThinkingBudget disables thinking below this floor.
	minThinkingBudget = 1024

	// rateLimitCooldown is how long the primary model rests after retries
	// exhaust on 429s before a probe is attempted.
	rateLimitCooldown = 5 * time.Minute
)

// ---------- Content Blocks ----------

// ContentBlock is one element of structured message content.
type ContentBlock struct {
	Type string `json:"type"` // "text", "image", "tool_use", "tool_result", "thinking"

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource carries base64 image data for vision inputs.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// chatMessage is one history entry. Content is either a plain string or a
// []ContentBlock; assistant messages that request tools carry tool_use
// blocks and must be followed by a user message of matching tool_result
// blocks.
type chatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content any    `json:"content"`
}

// textMessage builds a plain-text message.
func textMessage(role, text string) chatMessage {
	return chatMessage{Role: role, Content: text}
}

// ContentText flattens the message content to plain text. Tool blocks
// contribute their textual payloads so token estimates account for them.
func (m chatMessage) ContentText() string {
	switch v := m.Content.(type) {
	case string:
		return v
	case []ContentBlock:
		var b strings.Builder
		for _, block := range v {
			switch block.Type {
			case "text":
				b.WriteString(block.Text)
			case "tool_result":
				b.WriteString(block.Content)
			case "tool_use":
				b.WriteString(string(block.Input))
			}
			b.WriteString("\n")
		}
		return b.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// blocks returns the content as []ContentBlock, wrapping plain strings.
func (m chatMessage) blocks() []ContentBlock {
	switch v := m.Content.(type) {
	case []ContentBlock:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: v}}
	default:
		return nil
	}
}

// ---------- Tool Types ----------

// ToolDefinition describes one tool exposed to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ---------- Request / Response Wire Types ----------

type thinkingConfig struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

type messagesRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system,omitempty"`
	Messages  []chatMessage    `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Stream    bool             `json:"stream,omitempty"`
	Thinking  *thinkingConfig  `json:"thinking,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"` // "end_turn", "tool_use", "max_tokens"
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// streamEvent is one SSE event from the streaming endpoint.
type streamEvent struct {
	Type         string            `json:"type"`
	Message      *messagesResponse `json:"message,omitempty"`
	Index        int               `json:"index,omitempty"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens,omitempty"`
	} `json:"usage,omitempty"`
}

// LLMResponse is the parsed result of one model call.
type LLMResponse struct {
	Content    string
	Blocks     []ContentBlock
	ToolCalls  []ToolCall
	StopReason string
	Usage      LLMUsage
	ModelUsed  string
}

// LLMUsage holds token accounting from the provider.
type LLMUsage struct {
	InputTokens  int
	OutputTokens int
}

// ---------- Error Classification ----------

// LLMErrorKind classifies API failures for retry and fallback decisions.
type LLMErrorKind int

const (
	LLMErrorRetryable LLMErrorKind = iota // transient 5xx / 408
	LLMErrorRateLimit                     // 429, honor Retry-After
	LLMErrorOverloaded                    // 529 or "overloaded" body
	LLMErrorTimeout                       // deadline exceeded
	LLMErrorAuth                          // 401 / 403
	LLMErrorContext                       // input exceeds the context window
	LLMErrorBadRequest                    // 400
	LLMErrorFatal
)

func (k LLMErrorKind) String() string {
	switch k {
	case LLMErrorRetryable:
		return "retryable"
	case LLMErrorRateLimit:
		return "rate_limit"
	case LLMErrorOverloaded:
		return "overloaded"
	case LLMErrorTimeout:
		return "timeout"
	case LLMErrorAuth:
		return "auth"
	case LLMErrorContext:
		return "context_length"
	case LLMErrorBadRequest:
		return "bad_request"
	default:
		return "fatal"
	}
}

// Transient reports whether the retry wrapper may try again.
func (k LLMErrorKind) Transient() bool {
	switch k {
	case LLMErrorRetryable, LLMErrorRateLimit, LLMErrorOverloaded, LLMErrorTimeout:
		return true
	default:
		return false
	}
}

// apiError carries the HTTP status and body of a failed API call.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.statusCode, truncateForLog(e.body, 300))
}

// Kind classifies the error for the retry policy.
func (e *apiError) Kind() LLMErrorKind {
	lower := strings.ToLower(e.body)
	switch {
	case e.statusCode == 429 || strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit"):
		return LLMErrorRateLimit
	case e.statusCode == 529 || strings.Contains(lower, "overloaded"):
		return LLMErrorOverloaded
	case e.statusCode == 401 || e.statusCode == 403:
		return LLMErrorAuth
	case strings.Contains(lower, "context_length") || strings.Contains(lower, "prompt is too long"):
		return LLMErrorContext
	case e.statusCode == 408:
		return LLMErrorTimeout
	case e.statusCode == 400:
		return LLMErrorBadRequest
	case e.statusCode >= 500:
		return LLMErrorRetryable
	default:
		return LLMErrorFatal
	}
}

// classifyError maps any error from a request attempt to an LLMErrorKind.
func classifyError(err error) LLMErrorKind {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return LLMErrorTimeout
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "eof"):
		return LLMErrorRetryable
	case strings.Contains(lower, "rate limit"):
		return LLMErrorRateLimit
	}
	return LLMErrorFatal
}

// UserFacingError turns an unrecoverable failure into a short sentence the
// assistant can relay. Transient classes never reach here.
func UserFacingError(err error) string {
	switch classifyError(err) {
	case LLMErrorAuth:
		return "The model API rejected the credentials. Run `haru secrets set llm-api-key` to update the key."
	case LLMErrorContext:
		return "The conversation no longer fits the model's context window. Use /compact to summarize older history."
	case LLMErrorTimeout:
		return "The model did not answer in time. Please try again."
	default:
		return "The model call failed. Please try again in a moment."
	}
}

// ---------- Thinking Levels ----------

// ThinkingLevel selects how much extended-thinking budget a call gets.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ParseThinkingLevel validates a user-supplied level name.
func ParseThinkingLevel(s string) (ThinkingLevel, error) {
	switch ThinkingLevel(s) {
	case ThinkingOff, ThinkingLow, ThinkingMedium, ThinkingHigh:
		return ThinkingLevel(s), nil
	}
	return "", fmt.Errorf("unknown thinking level %q, want off/low/medium/high", s)
}

// levelParams returns (ratio of maxTokens, absolute cap) for a level.
func (l ThinkingLevel) levelParams() (float64, int) {
	switch l {
	case ThinkingLow:
		return 0.3, 5000
	case ThinkingMedium:
		return 0.5, 10000
	case ThinkingHigh:
		return 0.7, 20000
	default:
		return 0, 0
	}
}

// ---------- Client ----------

// ModelSpec describes one usable model.
type ModelSpec struct {
	ID               string `yaml:"id"`
	ContextWindow    int    `yaml:"context_window"`
	SupportsThinking bool   `yaml:"supports_thinking"`
}

// LLMClient talks to the Messages API endpoint.
type LLMClient struct {
	baseURL    string
	apiKey     string
	version    string
	models     map[string]ModelSpec // keyed by alias: small, medium, large
	fallback   string               // alias used while the primary cools down
	httpClient *http.Client
	logger     *slog.Logger

	// sleep is swapped in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error

	// Cooldown state for rate-limited models. When a model exhausts its
	// retries on 429s it rests until cooldownExpires; calls use the
	// fallback model meanwhile, and the first call after expiry probes
	// the primary again.
	cooldownMu      sync.Mutex
	cooldownModel   string
	cooldownExpires time.Time
}

// LLMOptions configures a client.
type LLMOptions struct {
	BaseURL  string
	APIKey   string
	Models   map[string]ModelSpec
	Fallback string
}

// NewLLMClient creates a Messages API client.
func NewLLMClient(opts LLMOptions, logger *slog.Logger) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	models := opts.Models
	if len(models) == 0 {
		models = map[string]ModelSpec{
			"small":  {ID: "claude-3-5-haiku-latest", ContextWindow: 200000},
			"medium": {ID: "claude-sonnet-4-5", ContextWindow: 200000, SupportsThinking: true},
			"large":  {ID: "claude-opus-4-1", ContextWindow: 200000, SupportsThinking: true},
		}
	}
	fallback := opts.Fallback
	if fallback == "" {
		fallback = "small"
	}
	return &LLMClient{
		baseURL:  baseURL,
		apiKey:   opts.APIKey,
		version:  "2023-06-01",
		models:   models,
		fallback: fallback,
		sleep:    sleepCtx,
		httpClient: &http.Client{
			// No global timeout: streaming responses can run for minutes.
			// Each call carries its own context deadline.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Resolve maps a model alias to its spec, substituting the fallback while
// the alias is cooling down after rate limits.
func (c *LLMClient) Resolve(alias string) (string, ModelSpec) {
	spec, ok := c.models[alias]
	if !ok {
		alias = "medium"
		spec = c.models[alias]
	}

	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	if c.cooldownModel == alias && time.Now().Before(c.cooldownExpires) {
		if fb, ok := c.models[c.fallback]; ok && c.fallback != alias {
			c.logger.Debug("model cooling down, using fallback",
				"model", alias, "fallback", c.fallback,
				"expires_in", time.Until(c.cooldownExpires).Round(time.Second))
			return c.fallback, fb
		}
	}
	return alias, spec
}

// startCooldown puts an alias on the bench after exhausted rate limits.
func (c *LLMClient) startCooldown(alias string) {
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	c.cooldownModel = alias
	c.cooldownExpires = time.Now().Add(rateLimitCooldown)
	c.logger.Warn("model rate limited, cooling down",
		"model", alias, "until", c.cooldownExpires.Format(time.RFC3339))
}

// clearCooldown marks the alias healthy again after a successful call.
func (c *LLMClient) clearCooldown(alias string) {
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	if c.cooldownModel == alias {
		c.cooldownModel = ""
		c.cooldownExpires = time.Time{}
	}
}

// ---------- Budgets ----------

// computeBudgets derives maxTokens and the thinking budget for a call.
// With thinking enabled: maxTokens = max(4096, 30% of the remaining
// window); the budget is clamped by the level cap, the level's share of
// maxTokens, and maxTokens−1024; under 1024 thinking is disabled.
func computeBudgets(spec ModelSpec, level ThinkingLevel, system string, history []chatMessage) (maxTokens int, thinking *thinkingConfig) {
	if !spec.SupportsThinking || level == ThinkingOff || level == "" {
		return fixedMaxTokens, nil
	}

	input := EstimateTokens(system) + EstimateMessageTokens(history)
	remaining := spec.ContextWindow - input
	maxTokens = remaining * 3 / 10
	if maxTokens < 4096 {
		maxTokens = 4096
	}

	ratio, levelCap := level.levelParams()
	budget := int(float64(maxTokens) * ratio)
	if budget > levelCap {
		budget = levelCap
	}
	if budget > maxTokens-minThinkingBudget {
		budget = maxTokens - minThinkingBudget
	}
	if budget < minThinkingBudget {
		return maxTokens, nil
	}
	return maxTokens, &thinkingConfig{Type: "enabled", BudgetTokens: budget}
}

// ---------- Requests ----------

// CallParams describes one model call.
type CallParams struct {
	ModelAlias string
	System     string
	Messages   []chatMessage
	Tools      []ToolDefinition
	Thinking   ThinkingLevel
}

// Complete performs one non-streaming call with the full retry policy.
func (c *LLMClient) Complete(ctx context.Context, p CallParams) (*LLMResponse, error) {
	alias, spec := c.Resolve(p.ModelAlias)
	maxTokens, thinking := computeBudgets(spec, p.Thinking, p.System, p.Messages)

	req := &messagesRequest{
		Model:     spec.ID,
		MaxTokens: maxTokens,
		System:    p.System,
		Messages:  p.Messages,
		Tools:     p.Tools,
		Thinking:  thinking,
	}

	resp, err := c.withRetry(ctx, alias, func(attemptCtx context.Context) (*LLMResponse, error) {
		return c.send(attemptCtx, req)
	})
	if err != nil {
		return nil, err
	}
	c.clearCooldown(alias)
	return resp, nil
}

// withRetry runs fn under the outer deadline with exponential backoff on
// transient errors, honoring Retry-After on rate limits. When the final
// failure is a rate limit, the alias goes on cooldown.
func (c *LLMClient) withRetry(ctx context.Context, alias string, fn func(context.Context) (*LLMResponse, error)) (*LLMResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		kind := classifyError(err)
		if !kind.Transient() || attempt == maxRetries {
			break
		}

		wait := delay
		if kind == LLMErrorRateLimit {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.retryAfterSec > 0 {
				wait = time.Duration(apiErr.retryAfterSec) * time.Second
			}
		}
		c.logger.Warn("llm call failed, retrying",
			"attempt", attempt, "kind", kind.String(), "wait", wait, "error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("llm request cancelled during backoff: %w", err)
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	if classifyError(lastErr) == LLMErrorRateLimit {
		c.startCooldown(alias)
	}
	return nil, fmt.Errorf("llm request failed after %d attempts: %w", maxRetries, lastErr)
}

// send performs one HTTP round trip.
func (c *LLMClient) send(ctx context.Context, req *messagesRequest) (*LLMResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, readAPIError(httpResp)
	}

	var parsed messagesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &apiError{statusCode: httpResp.StatusCode, body: parsed.Error.Message}
	}
	return fromMessagesResponse(&parsed), nil
}

func (c *LLMClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.version)
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &apiError{statusCode: resp.StatusCode, body: string(body)}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if sec, err := strconv.Atoi(ra); err == nil {
			apiErr.retryAfterSec = sec
		}
	}
	return apiErr
}

// fromMessagesResponse flattens the wire response into an LLMResponse.
func fromMessagesResponse(resp *messagesResponse) *LLMResponse {
	out := &LLMResponse{
		Blocks:     resp.Content,
		StopReason: resp.StopReason,
		ModelUsed:  resp.Model,
		Usage: LLMUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(block.Text)
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	out.Content = strings.TrimSpace(text.String())
	return out
}

// ---------- Streaming ----------

// CompleteStream performs a streaming call, forwarding text chunks to cb.
// Failures before the first chunk retry like Complete; once any chunk has
// been delivered the stream is never retried — the accumulated partial is
// returned with an appended failure notice instead.
func (c *LLMClient) CompleteStream(ctx context.Context, p CallParams, cb StreamCallback) (*LLMResponse, error) {
	alias, spec := c.Resolve(p.ModelAlias)
	maxTokens, thinking := computeBudgets(spec, p.Thinking, p.System, p.Messages)

	req := &messagesRequest{
		Model:     spec.ID,
		MaxTokens: maxTokens,
		System:    p.System,
		Messages:  p.Messages,
		Tools:     p.Tools,
		Thinking:  thinking,
		Stream:    true,
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, delivered, err := c.stream(ctx, req, cb)
		if err == nil {
			c.clearCooldown(alias)
			return resp, nil
		}
		lastErr = err

		if delivered {
			// Bytes already reached the caller: return the partial.
			if resp != nil && resp.Content != "" {
				resp.Content += "\n\n[response interrupted: " + truncateForLog(err.Error(), 120) + "]"
				return resp, nil
			}
			return nil, err
		}

		kind := classifyError(err)
		if !kind.Transient() || attempt == maxRetries {
			break
		}
		wait := delay
		if kind == LLMErrorRateLimit {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.retryAfterSec > 0 {
				wait = time.Duration(apiErr.retryAfterSec) * time.Second
			}
		}
		c.logger.Warn("stream failed before first chunk, retrying",
			"attempt", attempt, "kind", kind.String(), "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	if classifyError(lastErr) == LLMErrorRateLimit {
		c.startCooldown(alias)
	}
	return nil, fmt.Errorf("llm stream failed: %w", lastErr)
}

// stream runs one SSE attempt. delivered reports whether any text chunk
// reached the callback; when true and an error follows, the partial
// response built so far is also returned.
func (c *LLMClient) stream(ctx context.Context, req *messagesRequest, cb StreamCallback) (resp *LLMResponse, delivered bool, err error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, false, readAPIError(httpResp)
	}

	acc := newStreamAccumulator()
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			c.logger.Debug("skipping malformed stream event", "error", err)
			continue
		}
		if chunk := acc.apply(&ev); chunk != "" {
			delivered = true
			if cb != nil {
				cb(chunk)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return acc.response(req.Model), delivered, fmt.Errorf("reading stream: %w", err)
	}

	out := acc.response(req.Model)
	if out.StopReason == "" && out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, delivered, fmt.Errorf("stream produced no content")
	}
	return out, delivered, nil
}

// streamAccumulator folds SSE events into a final response. Tool calls
// arrive as block starts plus partial-JSON deltas keyed by block index and
// are emitted sorted by index.
type streamAccumulator struct {
	text       strings.Builder
	stopReason string
	usage      LLMUsage
	tools      map[int]*toolAccumulator
}

type toolAccumulator struct {
	index int
	id    string
	name  string
	input strings.Builder
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{tools: make(map[int]*toolAccumulator)}
}

// apply folds one event and returns any text chunk to forward.
func (a *streamAccumulator) apply(ev *streamEvent) string {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			a.usage.InputTokens = ev.Message.Usage.InputTokens
		}
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			a.tools[ev.Index] = &toolAccumulator{
				index: ev.Index,
				id:    ev.ContentBlock.ID,
				name:  ev.ContentBlock.Name,
			}
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return ""
		}
		switch ev.Delta.Type {
		case "text_delta":
			a.text.WriteString(ev.Delta.Text)
			return ev.Delta.Text
		case "input_json_delta":
			if t, ok := a.tools[ev.Index]; ok {
				t.input.WriteString(ev.Delta.PartialJSON)
			}
		}
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			a.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			a.usage.OutputTokens = ev.Usage.OutputTokens
		}
	}
	return ""
}

func (a *streamAccumulator) response(model string) *LLMResponse {
	out := &LLMResponse{
		Content:    strings.TrimSpace(a.text.String()),
		StopReason: a.stopReason,
		ModelUsed:  model,
		Usage:      a.usage,
	}
	if out.Content != "" {
		out.Blocks = append(out.Blocks, ContentBlock{Type: "text", Text: out.Content})
	}

	indexes := make([]int, 0, len(a.tools))
	for i := range a.tools {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		t := a.tools[i]
		input := t.input.String()
		if input == "" {
			input = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: t.id, Name: t.name, Input: json.RawMessage(input)})
		out.Blocks = append(out.Blocks, ContentBlock{Type: "tool_use", ID: t.id, Name: t.name, Input: json.RawMessage(input)})
	}
	return out
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
