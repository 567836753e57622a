// Package agent talks to the chat-completion endpoint served inside a user's
// machine. The application in the machine boots asynchronously after the
// control plane reports "started", so requests can hit a gateway 502 or an
// empty completion for a while; both surface as ErrNotReady and the caller
// decides how long to keep retrying.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pocketclaw/pkg/domain"
)

// ErrNotReady marks transient data-plane failures that clear once the machine
// application finishes booting.
var ErrNotReady = errors.New("machine not ready")

// Result is the parsed completion. InputTokens/OutputTokens default to zero
// when the endpoint omits usage; empty Content is treated as not-ready.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Client calls the machine's OpenAI-compatible completion endpoint. Requests
// are pinned to one machine instance via the fly-force-instance-id header.
type Client struct {
	baseURL    string
	secret     string
	model      string
	httpClient *http.Client
}

// NewClient constructs a data-plane client. baseURL is the app-wide gateway
// (e.g. "https://myapp.fly.dev"); secret authenticates the relay to the
// machine application.
func NewClient(baseURL, secret, model string) *Client {
	model = strings.TrimSpace(model)
	if model == "" {
		model = "agent:main"
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		secret:     strings.TrimSpace(secret),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Complete sends the conversation and returns the full response.
func (c *Client) Complete(ctx context.Context, machineID string, msgs []domain.ChatMessage) (Result, error) {
	resp, err := c.post(ctx, machineID, chatRequest{Model: c.model, Messages: msgs})
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return Result{}, fmt.Errorf("agent decode: %w", err)
	}
	result := Result{
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
		Model:        completion.Model,
	}
	if result.Model == "" {
		result.Model = c.model
	}
	if len(completion.Choices) > 0 {
		result.Content = completion.Choices[0].Message.Content
	}
	if strings.TrimSpace(result.Content) == "" {
		return Result{}, fmt.Errorf("empty completion: %w", ErrNotReady)
	}
	return result, nil
}

// CompleteStream sends the conversation and delivers incremental output
// through onChunk as SSE events arrive. The accumulated result is returned on
// stream end. onChunk errors are ignored; delivery is best-effort.
func (c *Client) CompleteStream(ctx context.Context, machineID string, msgs []domain.ChatMessage, onChunk func(content string)) (Result, error) {
	resp, err := c.post(ctx, machineID, chatRequest{
		Model:         c.model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	result := Result{Model: c.model}
	var buf strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		if event.Model != "" {
			result.Model = event.Model
		}
		if event.Usage != nil {
			result.InputTokens = event.Usage.PromptTokens
			result.OutputTokens = event.Usage.CompletionTokens
		}
		if len(event.Choices) > 0 {
			delta := event.Choices[0].Delta.Content
			if delta != "" {
				buf.WriteString(delta)
				if onChunk != nil {
					onChunk(delta)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("agent stream: %w", err)
	}
	result.Content = buf.String()
	if strings.TrimSpace(result.Content) == "" {
		return Result{}, fmt.Errorf("empty stream: %w", ErrNotReady)
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, machineID string, body chatRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	if machineID != "" {
		req.Header.Set("fly-force-instance-id", machineID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	if resp.StatusCode == http.StatusBadGateway {
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("gateway 502: %w", ErrNotReady)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

type chatRequest struct {
	Model         string               `json:"model"`
	Messages      []domain.ChatMessage `json:"messages"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *streamOptions       `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

type streamEvent struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
