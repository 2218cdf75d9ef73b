// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Configuration constants for the Anthropic API.
const (
	// DefaultBaseURL is the base URL for the Anthropic API.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is sent in the anthropic-version header.
	DefaultAPIVersion = "2023-06-01"

	// DefaultModel is used when a request names no model.
	DefaultModel = "claude-3-5-sonnet-20241022"

	// DefaultTimeout bounds a single HTTP attempt.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxRetries is the default number of attempts for transient errors.
	DefaultMaxRetries = 3

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 * 1024 * 1024

	// retryBaseDelay is the delay before the second attempt.
	retryBaseDelay = 1 * time.Second

	// retryMaxDelay caps the exponential backoff.
	retryMaxDelay = 32 * time.Second

	// retryJitter is the largest fraction of the delay added as jitter.
	retryJitter = 0.1

	messagesPath = "/v1/messages"
)

// Error variables for common client errors.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("API key not configured")

	// ErrInvalidRequest indicates a request the API would reject.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEmptyResponse indicates a response with no text content.
	ErrEmptyResponse = errors.New("empty response from model")

	// ErrMaxRetries indicates every attempt failed with a retryable error.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// =============================================================================
// PROVIDER ERROR
// =============================================================================

// ProviderError is a non-2xx response from the API.
type ProviderError struct {
	Status  int
	Type    string
	Message string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider error (%d %s): %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("provider error (%d): %s", e.Status, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
// Rate limiting, overload (529) and server errors are retryable.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Type == "overloaded_error" || e.Type == "rate_limit_error":
		return true
	case e.Status >= 500 && e.Status < 600:
		return true
	}
	return false
}

// =============================================================================
// REQUEST / RESPONSE
// =============================================================================

// Message is one chat message. Role is "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion request.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
}

// Usage is the token accounting the provider reports for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a completed model reply.
type Response struct {
	Content    string
	Model      string
	StopReason string
	Usage      Usage
}

// Model completes chat requests.
type Model interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiErrorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// AnthropicClient is a Model backed by the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger

	// backoff returns the wait before the given attempt (1-based retry count).
	backoff func(attempt int) time.Duration
}

// NewAnthropicClient creates a client with default settings.
func NewAnthropicClient(apiKey string, log *zap.Logger) *AnthropicClient {
	if log == nil {
		log = zap.NewNop()
	}
	c := &AnthropicClient{
		apiKey:     strings.TrimSpace(apiKey),
		model:      DefaultModel,
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		maxRetries: DefaultMaxRetries,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        log.Named("llm"),
	}
	c.backoff = calculateBackoff
	return c
}

// WithModel sets the default model.
func (c *AnthropicClient) WithModel(model string) *AnthropicClient {
	if model != "" {
		c.model = model
	}
	return c
}

// WithBaseURL sets a custom base URL.
func (c *AnthropicClient) WithBaseURL(url string) *AnthropicClient {
	if url != "" {
		c.baseURL = strings.TrimRight(url, "/")
	}
	return c
}

// WithAPIVersion sets the anthropic-version header value.
func (c *AnthropicClient) WithAPIVersion(v string) *AnthropicClient {
	if v != "" {
		c.apiVersion = v
	}
	return c
}

// WithTimeout sets the per-attempt timeout.
func (c *AnthropicClient) WithTimeout(timeout time.Duration) *AnthropicClient {
	if timeout > 0 {
		c.httpClient.Timeout = timeout
	}
	return c
}

// WithMaxRetries sets the total number of attempts for retryable errors.
func (c *AnthropicClient) WithMaxRetries(n int) *AnthropicClient {
	if n > 0 {
		c.maxRetries = n
	}
	return c
}

// WithRateLimit paces requests to perMinute. Zero disables pacing.
func (c *AnthropicClient) WithRateLimit(perMinute int) *AnthropicClient {
	if perMinute <= 0 {
		c.limiter = nil
		return c
	}
	c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	return c
}

// Model returns the default model name.
func (c *AnthropicClient) Model() string {
	return c.model
}

// Complete sends req and returns the model's reply. Retryable failures are
// retried up to the configured number of attempts; cancellation of ctx stops
// the loop immediately.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}
	if req.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: max_tokens must be positive", ErrInvalidRequest)
	}

	body := messagesRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  req.Messages,
	}
	if body.Model == "" {
		body.Model = c.model
	}

	c.log.Debug("model request",
		zap.String("model", body.Model),
		zap.Int("max_tokens", body.MaxTokens),
		zap.Int("messages", len(body.Messages)),
		zap.Int("system_chars", len(body.System)),
		zap.String("key", c.keyFingerprint()))

	resp, err := c.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}

	c.log.Debug("model response",
		zap.String("model", resp.Model),
		zap.String("stop_reason", resp.StopReason),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens))
	return resp, nil
}

// doWithRetry runs doRequest until it succeeds, fails permanently, or the
// attempt budget is spent.
func (c *AnthropicClient) doWithRetry(ctx context.Context, body messagesRequest) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.log.Warn("retrying model request",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.doRequest(ctx, payload)
		if err == nil {
			return resp, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

// doRequest performs a single POST to the messages endpoint.
func (c *AnthropicClient) doRequest(ctx context.Context, payload []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	req.Header.Del("x-api-key")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp.StatusCode, data)
	}

	var mr messagesResponse
	if err := json.Unmarshal(data, &mr); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var sb strings.Builder
	for _, block := range mr.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, ErrEmptyResponse
	}
	return &Response{
		Content:    sb.String(),
		Model:      mr.Model,
		StopReason: mr.StopReason,
		Usage:      mr.Usage,
	}, nil
}

func (c *AnthropicClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.apiVersion)
	req.Header.Set("User-Agent", "docthread")
}

// keyFingerprint identifies the key in logs without exposing it.
func (c *AnthropicClient) keyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	sum := blake3.Sum256([]byte(c.apiKey))
	return "key_" + hex.EncodeToString(sum[:4])
}

// readResponse reads the body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// parseError converts an error response into a ProviderError.
func parseError(status int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &ProviderError{Status: status, Type: apiErr.Error.Type, Message: apiErr.Error.Message}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &ProviderError{Status: status, Message: msg}
}

// isRetryable determines if an error should trigger a retry.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// calculateBackoff returns 1s, 2s, 4s ... capped at 32s, plus up to 10% jitter.
func calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempt && delay < retryMaxDelay; i++ {
		delay *= 2
	}
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Float64() * retryJitter * float64(delay))
	return delay + jitter
}
