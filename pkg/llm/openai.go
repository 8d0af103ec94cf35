package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// OpenAIClient implements Client against any OpenAI-compatible chat
// completions endpoint (OpenAI, Azure deployments behind a proxy, ollama).
type OpenAIClient struct {
	Endpoint   string // e.g. https://api.openai.com/v1
	APIKey     string
	Model      string // default model when the step names none
	HTTPClient *http.Client
	Retry      RetryConfig
}

// OpenAIConfig holds configuration for creating an OpenAI-compatible client.
type OpenAIConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Retry    *RetryConfig
}

// NewOpenAIClient creates a client from explicit config.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("LLM endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("LLM default model is required")
	}
	retry := DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	return &OpenAIClient{
		Endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
		Retry:      retry,
	}, nil
}

// NewOpenAIClientFromEnv creates a client from environment variables:
//
//	PROTOFLOW_LLM_ENDPOINT – required (e.g. https://api.openai.com/v1)
//	PROTOFLOW_LLM_API_KEY  – optional (local endpoints may not need it)
//	PROTOFLOW_LLM_MODEL    – required
func NewOpenAIClientFromEnv() (*OpenAIClient, error) {
	return NewOpenAIClient(OpenAIConfig{
		Endpoint: os.Getenv("PROTOFLOW_LLM_ENDPOINT"),
		APIKey:   os.Getenv("PROTOFLOW_LLM_API_KEY"),
		Model:    os.Getenv("PROTOFLOW_LLM_MODEL"),
	})
}

// chatRequest is the chat completions request body.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"` // json_object
}

// chatResponse is the chat completions response body.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ModelName returns the configured default model.
func (c *OpenAIClient) ModelName() string {
	return c.Model
}

// Complete sends a chat completion request, retrying transient transport
// failures per the client's RetryConfig. Step-level retry policy is the
// engine's concern and is layered on top of this.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	backoff := c.Retry.BackoffBase
	for attempt := 1; attempt <= c.Retry.MaxAttempts; attempt++ {
		resp, retryable, err := c.completeOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable || attempt == c.Retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * c.Retry.BackoffMultiplier)
		if backoff > c.Retry.MaxBackoff {
			backoff = c.Retry.MaxBackoff
		}
	}
	return nil, lastErr
}

// completeOnce performs a single HTTP round trip. The middle return reports
// whether the failure is worth retrying (network errors, 429, 5xx).
func (c *OpenAIClient) completeOnce(ctx context.Context, req Request) (*Response, bool, error) {
	model := req.Model
	if model == "" {
		model = c.Model
	}

	body := chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ResponseFormat == "json" {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, false, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.Endpoint+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		retryable := httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("LLM endpoint returned %d: %s", httpResp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, false, fmt.Errorf("unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, false, fmt.Errorf("API error [%s]: %s", chatResp.Error.Code, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, false, fmt.Errorf("no choices in response")
	}

	return &Response{
		Content:     chatResp.Choices[0].Message.Content,
		TotalTokens: chatResp.Usage.TotalTokens,
	}, false, nil
}
