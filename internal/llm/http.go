package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/devcrew/devcrew/internal/common/errors"
)

// HTTPConfig configures the chat-completions client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// HTTP is a Client over an OpenAI-compatible chat completions endpoint.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP creates a chat-completions client.
func NewHTTP(cfg HTTPConfig) *HTTP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one chat completion request. Rate limits and upstream
// outages come back as Transient so consumer retry policy applies.
func (h *HTTP) Complete(ctx context.Context, req Request) (*Response, error) {
	payload := chatRequest{Model: h.cfg.Model}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Internal("failed to encode completion request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Internal("failed to build completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, errors.Transient("completion request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, errors.Transient("failed to read completion response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.Transient(fmt.Sprintf("provider returned %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Internal(fmt.Sprintf("provider returned %d: %s", resp.StatusCode, truncate(raw, 200)), nil)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Internal("failed to decode completion response", err)
	}
	if parsed.Error != nil {
		return nil, errors.Internal("provider error: "+parsed.Error.Message, nil)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.Internal("provider returned no choices", nil)
	}

	return &Response{
		Content:    parsed.Choices[0].Message.Content,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
