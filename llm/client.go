// Package llm provides the outbound model-API client agents use, an
// OpenAI-compatible chat client guarded by a circuit breaker. Rate limits and
// server errors are classified so the runtime can route recovery.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/semflow/fault"
	"github.com/c360studio/semflow/resilience"
)

// maxResponseSize limits the model response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a model completion request.
type Request struct {
	// Messages is the chat history to send to the model.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for a model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the model completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Config describes the model endpoint.
type Config struct {
	// Endpoint is the OpenAI-compatible chat completions base URL.
	Endpoint string

	// Model is the model identifier to request.
	Model string

	// APIKey authenticates the request. Required.
	APIKey string

	// Timeout bounds the HTTP round trip.
	Timeout time.Duration
}

// Client is the model-API client. Every call runs through the circuit
// breaker; while the breaker is open, calls fail fast with CIRCUIT_OPEN.
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *resilience.Breaker
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a model client guarded by breaker.
func NewClient(cfg Config, breaker *resilience.Breaker, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fault.New(fault.KindValidation, "model endpoint required")
	}
	if cfg.APIKey == "" {
		return nil, fault.New(fault.KindValidation, "model API credential required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180 * time.Second
	}

	c := &Client{
		config:  cfg,
		breaker: breaker,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete sends a completion request through the breaker.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fault.New(fault.KindValidation, "at least one message is required")
	}

	var resp *Response
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var doErr error
		resp, doErr = c.doRequest(ctx, req)
		return doErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// wire types for the OpenAI-compatible chat completions endpoint.

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.config.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, fault.New(fault.KindRateLimit, "model API rate limited")
	case httpResp.StatusCode >= 500:
		return nil, NewTransientError(fmt.Errorf("model API %d: %s", httpResp.StatusCode, truncate(data)))
	case httpResp.StatusCode >= 400:
		return nil, NewFatalError(fmt.Errorf("model API %d: %s", httpResp.StatusCode, truncate(data)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, NewTransientError(fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, NewTransientError(fmt.Errorf("model returned no choices"))
	}

	out := &Response{
		Content:      parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		Usage:        parsed.Usage,
		FinishReason: parsed.Choices[0].FinishReason,
	}
	if out.Model == "" {
		out.Model = c.config.Model
	}
	return out, nil
}

func truncate(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
