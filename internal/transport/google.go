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

// defaultGoogleBaseURL is used when the provider leaves BaseURL empty.
const defaultGoogleBaseURL = "https://generativelanguage.googleapis.com"

// =============================================================================
// GOOGLE TRANSPORT
// =============================================================================

// GoogleTransport streams from the streamGenerateContent SSE endpoint.
// Thought-flagged parts become reasoning events; everything else is
// answer text.
type GoogleTransport struct {
	httpClient *http.Client
}

// NewGoogleTransport creates a transport using the shared pooled client.
func NewGoogleTransport() *GoogleTransport {
	return &GoogleTransport{httpClient: streamingClient}
}

// WithHTTPClient overrides the HTTP client, for tests.
func (t *GoogleTransport) WithHTTPClient(c *http.Client) *GoogleTransport {
	t.httpClient = c
	return t
}

// ===== REQUEST TYPES =====

type googlePart struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

type googleGenConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	TopP            *float64              `json:"topP,omitempty"`
	TopK            *int                  `json:"topK,omitempty"`
	MaxOutputTokens *int                  `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *googleThinkingConfig `json:"thinkingConfig,omitempty"`
}

type googleRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenConfig `json:"generationConfig,omitempty"`
}

// ===== RESPONSE TYPES =====

type googleUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type googleChunk struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *googleUsage `json:"usageMetadata"`
}

type googleErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ===== STREAMING =====

// Stream implements Transport.
func (t *GoogleTransport) Stream(ctx context.Context, agent *model.Agent, provider *model.Provider, prompt string, history []Turn, fn Callback) error {
	if provider.APIKey == "" {
		return fmt.Errorf("provider %s: %w", provider.ID, ErrNoAPIKey)
	}

	body, err := json.Marshal(t.buildRequest(agent, prompt, history))
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	base := provider.BaseURL
	if base == "" {
		base = defaultGoogleBaseURL
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		strings.TrimSuffix(base, "/"), agent.ModelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", provider.APIKey)

	slog.Debug("google stream request", "provider", provider.ID, "model", agent.ModelID)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return t.handleErrorResponse(provider, resp)
	}

	return t.readStream(ctx, resp.Body, fn)
}

// buildRequest assembles the contents array from prior turns plus the
// current prompt, with generation parameters from the agent.
func (t *GoogleTransport) buildRequest(agent *model.Agent, prompt string, history []Turn) googleRequest {
	contents := make([]googleContent, 0, len(history)+1)
	for _, turn := range history {
		role := "user"
		if turn.Role == model.RoleModel {
			role = "model"
		}
		contents = append(contents, googleContent{
			Role:  role,
			Parts: []googlePart{{Text: turn.Content}},
		})
	}
	contents = append(contents, googleContent{
		Role:  "user",
		Parts: []googlePart{{Text: prompt}},
	})

	req := googleRequest{Contents: contents}

	if agent.SystemPrompt != "" {
		req.SystemInstruction = &googleContent{
			Parts: []googlePart{{Text: agent.SystemPrompt}},
		}
	}

	gc := &googleGenConfig{
		Temperature:     agent.Generation.Temperature,
		TopP:            agent.Generation.TopP,
		TopK:            agent.Generation.TopK,
		MaxOutputTokens: agent.Generation.MaxOutputTokens,
	}
	if modelinfo.IsThinking(agent.ModelID) {
		gc.ThinkingConfig = &googleThinkingConfig{IncludeThoughts: true}
	}
	req.GenerationConfig = gc

	return req
}

// readStream decodes SSE payloads until the body ends. Usage metadata
// is captured last-write-wins and emitted once before Done.
func (t *GoogleTransport) readStream(ctx context.Context, body io.Reader, fn Callback) error {
	sse := NewSSEReader(body)
	var usage *googleUsage

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

		var chunk googleChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed payloads are skipped, not fatal.
			slog.Debug("skipping malformed stream payload", "error", err)
			continue
		}

		if chunk.UsageMetadata != nil {
			usage = chunk.UsageMetadata
		}

		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				if part.Thought {
					fn(StreamEvent{Kind: KindReasoning, Text: part.Text})
				} else {
					fn(StreamEvent{Kind: KindText, Text: part.Text})
				}
			}
		}
	}

	if usage != nil {
		fn(StreamEvent{Kind: KindUsage, Usage: &model.TokenUsage{
			PromptTokens:     usage.PromptTokenCount,
			CompletionTokens: usage.CandidatesTokenCount,
			TotalTokens:      usage.TotalTokenCount,
		}})
	}
	fn(StreamEvent{Kind: KindDone})
	return nil
}

// handleErrorResponse maps a non-200 response to an APIError.
func (t *GoogleTransport) handleErrorResponse(provider *model.Provider, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	apiErr := &APIError{
		Provider: provider.ID,
		Status:   resp.StatusCode,
		Message:  strings.TrimSpace(string(raw)),
	}
	var parsed googleErrorResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Code = parsed.Error.Status
		apiErr.Message = parsed.Error.Message
	}
	return apiErr
}
