// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/HyxiaoGe/nexus-chat/internal/model"
	"github.com/HyxiaoGe/nexus-chat/internal/modelinfo"
)

// Relay error codes surfaced in non-2xx proxy responses.
const (
	codeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	codeNoServerKey       = "NO_SERVER_KEY"
)

// =============================================================================
// OPENAI-COMPATIBLE TRANSPORT
// =============================================================================

// OpenAITransport streams from any chat-completions SSE endpoint:
// hosted providers, local inference servers, and the keyless free-tier
// relay all share this wire format.
type OpenAITransport struct {
	proxyURL   string
	httpClient *http.Client
}

// NewOpenAITransport creates a transport. proxyURL is the full relay
// endpoint for keyless free-tier requests; empty disables the fallback.
func NewOpenAITransport(proxyURL string) *OpenAITransport {
	return &OpenAITransport{
		proxyURL:   proxyURL,
		httpClient: streamingClient,
	}
}

// WithHTTPClient overrides the HTTP client, for tests.
func (t *OpenAITransport) WithHTTPClient(c *http.Client) *OpenAITransport {
	t.httpClient = c
	return t
}

// ===== REQUEST TYPES =====

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Stream           bool          `json:"stream"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	IncludeReasoning bool          `json:"include_reasoning,omitempty"`
}

// ===== RESPONSE TYPES =====

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type chatErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ===== ROUTING =====

// route is the resolved endpoint for one request.
type route struct {
	url     string
	apiKey  string // empty means no Authorization header
	relayed bool
}

// resolveRoute decides where the request goes. Providers with a key go
// direct. Keyless free-tier-eligible providers fall back to the relay;
// keyless local servers go direct unauthenticated; anything else is a
// configuration error.
func (t *OpenAITransport) resolveRoute(provider *model.Provider) (route, error) {
	endpoint := strings.TrimSuffix(provider.BaseURL, "/") + "/chat/completions"

	if provider.APIKey != "" {
		return route{url: endpoint, apiKey: provider.APIKey}, nil
	}
	if isFreeTierEligible(provider) && t.proxyURL != "" {
		return route{url: t.proxyURL, relayed: true}, nil
	}
	if isLoopback(provider.BaseURL) {
		return route{url: endpoint}, nil
	}
	return route{}, fmt.Errorf("provider %s: %w", provider.ID, ErrNoAPIKey)
}

// ===== STREAMING =====

// Stream implements Transport.
func (t *OpenAITransport) Stream(ctx context.Context, agent *model.Agent, provider *model.Provider, prompt string, history []Turn, fn Callback) error {
	rt, err := t.resolveRoute(provider)
	if err != nil {
		return err
	}

	body, err := json.Marshal(t.buildRequest(agent, provider, prompt, history))
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rt.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if rt.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+rt.apiKey)
	}

	slog.Debug("chat stream request",
		"provider", provider.ID, "model", agent.ModelID, "relayed", rt.relayed)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return t.handleErrorResponse(provider, resp)
	}

	return t.readStream(ctx, resp.Body, fn)
}

// buildRequest assembles the messages array: optional system prompt,
// prior turns, then the current prompt.
func (t *OpenAITransport) buildRequest(agent *model.Agent, provider *model.Provider, prompt string, history []Turn) chatRequest {
	messages := make([]chatMessage, 0, len(history)+2)
	if agent.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: agent.SystemPrompt})
	}
	for _, turn := range history {
		role := "user"
		if turn.Role == model.RoleModel {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	req := chatRequest{
		Model:       agent.ModelID,
		Messages:    messages,
		Stream:      true,
		Temperature: agent.Generation.Temperature,
		TopP:        agent.Generation.TopP,
		MaxTokens:   agent.Generation.MaxOutputTokens,
	}
	if modelinfo.IsReasoning(agent.ModelID) && isFreeTierEligible(provider) {
		req.IncludeReasoning = true
	}
	return req
}

// readStream decodes SSE payloads until [DONE] or the body ends.
func (t *OpenAITransport) readStream(ctx context.Context, body io.Reader, fn Callback) error {
	sse := NewSSEReader(body)
	var usage *chatUsage

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		data, err := sse.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream read failed: %w", err)
		}
		if data == sseDone {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Debug("skipping malformed stream payload", "error", err)
			continue
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		for _, choice := range chunk.Choices {
			reasoning := choice.Delta.Reasoning
			if reasoning == "" {
				reasoning = choice.Delta.ReasoningContent
			}
			if reasoning != "" {
				fn(StreamEvent{Kind: KindReasoning, Text: reasoning})
			}
			if choice.Delta.Content != "" {
				fn(StreamEvent{Kind: KindText, Text: choice.Delta.Content})
			}
		}
	}

	if usage != nil {
		fn(StreamEvent{Kind: KindUsage, Usage: &model.TokenUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}})
	}
	fn(StreamEvent{Kind: KindDone})
	return nil
}

// handleErrorResponse maps a non-2xx response to a typed error. Relay
// quota and key-provisioning failures get sentinel errors so callers
// can surface them as notifications.
func (t *OpenAITransport) handleErrorResponse(provider *model.Provider, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var parsed chatErrorResponse
	code := ""
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &parsed); err == nil {
		switch {
		case parsed.Code != "":
			code = parsed.Code
			message = parsed.Message
		case parsed.Error.Code != "" || parsed.Error.Message != "":
			code = parsed.Error.Code
			message = parsed.Error.Message
		}
	}

	switch code {
	case codeRateLimitExceeded:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, message)
	case codeNoServerKey:
		return fmt.Errorf("%w: %s", ErrNoServerKey, message)
	}
	return &APIError{
		Provider: provider.ID,
		Status:   resp.StatusCode,
		Code:     code,
		Message:  message,
	}
}
