package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lineops/shiftline/config"
)

// Message is one chat-completion message. ToolCallID is set on tool-result
// messages; ToolCalls on assistant messages that requested tools.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Tool declares one callable function to the model.
type Tool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// NewTool builds a function tool declaration.
func NewTool(name, description string, parameters json.RawMessage) Tool {
	var t Tool
	t.Type = "function"
	t.Function.Name = name
	t.Function.Description = description
	t.Function.Parameters = parameters
	return t
}

// Request is one chat-completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Completion is the assistant turn the model produced.
type Completion struct {
	Content    string
	ToolCalls  []ToolCall
	Model      string
	TokensUsed int
}

// Provider is the model boundary the turn pipeline depends on.
type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// apiError carries the upstream HTTP status so failures can be classified
// as retryable or not.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("model api status %d: %s", e.status, e.body)
}

// Retryable reports whether a completion failure is worth re-attempting on a
// different provider: rate limits, server errors, and timeout-like signals.
// A malformed request fails the same way everywhere, so it is not retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status == http.StatusTooManyRequests || ae.status == http.StatusRequestTimeout || ae.status >= 500
	}
	// Transport-level failures (connection reset, DNS) are retryable.
	return true
}

// Client talks to an OpenAI-compatible chat-completions endpoint with bounded
// retry on rate limits and server errors.
type Client struct {
	apiKey     string
	baseURL    string
	maxRetries int
	httpClient *http.Client
}

// NewClient builds a Client from provider configuration.
func NewClient(cfg config.LLMProviderConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		maxRetries: retries,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Complete sends the request, retrying rate-limit and server errors with
// exponential backoff. The context deadline always wins over the retry loop.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<(attempt-1)) * 500 * time.Millisecond):
			case <-ctx.Done():
				return Completion{}, ctx.Err()
			}
		}
		completion, err := c.send(ctx, jsonData)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		var ae *apiError
		if errors.As(err, &ae) && !Retryable(err) {
			return Completion{}, err
		}
		if ctx.Err() != nil {
			return Completion{}, err
		}
	}
	return Completion{}, lastErr
}

func (c *Client) send(ctx context.Context, jsonData []byte) (Completion, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Completion{}, &apiError{status: resp.StatusCode, body: string(body)}
	}

	var decoded struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   string     `json:"content"`
				ToolCalls []ToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, fmt.Errorf("no choices in response")
	}
	msg := decoded.Choices[0].Message
	return Completion{
		Content:    msg.Content,
		ToolCalls:  msg.ToolCalls,
		Model:      decoded.Model,
		TokensUsed: decoded.Usage.TotalTokens,
	}, nil
}
