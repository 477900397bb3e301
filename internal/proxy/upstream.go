package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const upstreamTimeout = 120 * time.Second

// UpstreamClient talks to the OpenAI-compatible backend. Responses are
// always collapsed to a single JSON completion; the proxy never streams
// to clients, since the verdict and event must cover the full response.
type UpstreamClient struct {
	baseURL string
	model   string // Optional model override
	client  *http.Client
}

// NewUpstreamClient creates a client for the given base URL.
func NewUpstreamClient(baseURL, model string) *UpstreamClient {
	return &UpstreamClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: upstreamTimeout},
	}
}

// Complete forwards the payload to the upstream chat completions endpoint
// and returns the response body as a single completion document. Streaming
// upstream responses are aggregated chunk by chunk.
func (c *UpstreamClient) Complete(ctx context.Context, payload map[string]any, apiKey string) ([]byte, error) {
	if c.model != "" {
		payload["model"] = c.model
	}
	// Request a stream so long generations start flowing immediately, then
	// aggregate. include_usage makes OpenAI-compatible backends attach
	// token counts to the final chunk.
	payload["stream"] = true
	payload["stream_options"] = map[string]any{"include_usage": true}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return aggregateStream(resp.Body)
	}

	// Backend ignored the stream flag and sent a plain completion.
	return io.ReadAll(resp.Body)
}

// streamChunk is one SSE data frame of a streamed completion.
type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// aggregateStream collapses an SSE completion stream into one chat
// completion document.
func aggregateStream(r io.Reader) ([]byte, error) {
	var (
		content      strings.Builder
		id           string
		model        string
		finishReason = "stop"
		usage        map[string]any
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.ID != "" {
			id = chunk.ID
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Choices) > 0 {
			content.WriteString(chunk.Choices[0].Delta.Content)
			if fr := chunk.Choices[0].FinishReason; fr != "" {
				finishReason = fr
			}
		}
		if chunk.Usage != nil {
			usage = map[string]any{
				"prompt_tokens":     chunk.Usage.PromptTokens,
				"completion_tokens": chunk.Usage.CompletionTokens,
				"total_tokens":      chunk.Usage.TotalTokens,
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read upstream stream: %w", err)
	}

	if id == "" {
		id = "chatcmpl-aggregated"
	}
	if usage == nil {
		usage = map[string]any{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		}
	}

	completion := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": content.String(),
			},
			"finish_reason": finishReason,
		}},
		"usage": usage,
	}
	return json.Marshal(completion)
}
