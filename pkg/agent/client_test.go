package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"pocketclaw/pkg/domain"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "machine-secret", "")
}

func TestCompleteParsesResponseAndPinsInstance(t *testing.T) {
	var gotInstance, gotAuth string
	var gotReq struct {
		Model    string               `json:"model"`
		Messages []domain.ChatMessage `json:"messages"`
	}
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotInstance = r.Header.Get("fly-force-instance-id")
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{
			"model": "agent:main",
			"choices": [{"message": {"role": "assistant", "content": "hi there"}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 45}
		}`))
	})

	result, err := client.Complete(context.Background(), "m-1", []domain.ChatMessage{
		{Role: "user", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if gotInstance != "m-1" {
		t.Fatalf("fly-force-instance-id = %q", gotInstance)
	}
	if gotAuth != "Bearer machine-secret" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotReq.Model != "agent:main" || len(gotReq.Messages) != 1 {
		t.Fatalf("request = %+v", gotReq)
	}
	if result.Content != "hi there" || result.InputTokens != 120 || result.OutputTokens != 45 {
		t.Fatalf("result = %+v", result)
	}
}

func TestCompleteBadGatewayIsNotReady(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Complete(context.Background(), "m-1", nil)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestCompleteEmptyContentIsNotReady(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "  "}}]}`))
	})

	_, err := client.Complete(context.Background(), "m-1", nil)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestCompleteOtherHTTPErrorsAreFatal(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	_, err := client.Complete(context.Background(), "m-1", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, ErrNotReady) {
		t.Fatalf("400 must not be retryable: %v", err)
	}
}

func TestCompleteStreamDeliversChunksAndUsage(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream        bool `json:"stream"`
			StreamOptions *struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("stream request flags = %+v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var chunks []string
	result, err := client.CompleteStream(context.Background(), "m-1", nil, func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Content != "Hello" {
		t.Fatalf("content = %q", result.Content)
	}
	if result.InputTokens != 10 || result.OutputTokens != 2 {
		t.Fatalf("usage = %+v", result)
	}
	if len(chunks) != 2 || chunks[0] != "Hel" || chunks[1] != "lo" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestCompleteStreamEmptyIsNotReady(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	_, err := client.CompleteStream(context.Background(), "m-1", nil, nil)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}
