// Package llm defines the language-model collaborator interface consumed by
// llm_call steps, plus an OpenAI-compatible REST implementation.
package llm

import "context"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Model          string    `json:"model"`
	Temperature    *float64  `json:"temperature,omitempty"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	Messages       []Message `json:"messages"`
	ResponseFormat string    `json:"response_format,omitempty"` // "", "text", "json"
}

// Response is the assistant's reply plus token accounting.
type Response struct {
	Content     string `json:"content"`
	TotalTokens int    `json:"total_tokens"`
}

// Client is the engine's view of a language model. Implementations must be
// safe for concurrent use by many runs.
type Client interface {
	// Complete sends the request and returns the assistant's response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// ModelName returns the default model for provenance tracking.
	ModelName() string
}
