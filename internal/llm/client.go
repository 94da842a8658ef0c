// Package llm is the opaque model boundary: one prompt in, one text
// completion out. Callers own retries; this package never retries.
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
)

// Completer is the single request/response call the session subsystem makes
// against the model.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const (
	defaultBaseURL   = "https://api.anthropic.com/v1/messages"
	defaultMaxTokens = 4096
)

// Client speaks the Anthropic-style messages wire format.
type Client struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	HTTP      *http.Client
}

type wireRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Messages  []wireMessage `json:"messages"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

func NewClient(apiKey, model, baseURL string, maxTokens int) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		APIKey:    apiKey,
		Model:     model,
		BaseURL:   baseURL,
		MaxTokens: maxTokens,
		HTTP:      &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.APIKey == "" {
		return "", errors.New("api key is required")
	}
	reqBody := wireRequest{
		Model:     c.Model,
		MaxTokens: c.MaxTokens,
		Messages:  []wireMessage{{Role: "user", Content: prompt}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("x-api-key", c.APIKey)
	request.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.HTTP.Do(request)
	if err != nil {
		return "", fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed wireResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("api error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("api returned status %d", resp.StatusCode)
	}
	for _, block := range parsed.Content {
		if block.Type == "" || block.Type == "text" {
			if block.Text != "" {
				return block.Text, nil
			}
		}
	}
	return "", errors.New("empty completion")
}
