package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCompleteParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q, want test-model", req.Model)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("response_format = %+v, want json_object", req.ResponseFormat)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{"ok":true}`}},
			},
			"usage": map[string]any{"total_tokens": 42},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIConfig{Endpoint: srv.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewOpenAIClient error: %v", err)
	}

	resp, err := c.Complete(context.Background(), Request{
		Messages:       []Message{{Role: "user", Content: "hi"}},
		ResponseFormat: "json",
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if resp.Content != `{"ok":true}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TotalTokens != 42 {
		t.Errorf("total_tokens = %d, want 42", resp.TotalTokens)
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "ok"}},
			},
			"usage": map[string]any{"total_tokens": 1},
		})
	}))
	defer srv.Close()

	retry := RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}
	c, err := NewOpenAIClient(OpenAIConfig{Endpoint: srv.URL, Model: "m", Retry: &retry})
	if err != nil {
		t.Fatalf("NewOpenAIClient error: %v", err)
	}

	resp, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete error after retries: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestCompleteDoesNotRetryBadRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	retry := RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}
	c, err := NewOpenAIClient(OpenAIConfig{Endpoint: srv.URL, Model: "m", Retry: &retry})
	if err != nil {
		t.Fatalf("NewOpenAIClient error: %v", err)
	}

	if _, err := c.Complete(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server calls = %d, want 1 (no retry on 400)", got)
	}
}

func TestNewOpenAIClientValidation(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{Model: "m"}); err == nil {
		t.Error("expected error for missing endpoint")
	}
	if _, err := NewOpenAIClient(OpenAIConfig{Endpoint: "http://x"}); err == nil {
		t.Error("expected error for missing model")
	}
}
