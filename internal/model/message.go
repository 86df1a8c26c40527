// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// =============================================================================
// TOKEN USAGE
// =============================================================================

// TokenUsage holds the token counts reported by a provider for one
// completed response. EstimatedCost is derived once, at stream
// completion, and is nil when no pricing is known for the model.
type TokenUsage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	EstimatedCost    *float64 `json:"estimated_cost,omitempty"` // USD
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is the mutable unit of conversation. A model-role message is
// created empty with IsStreaming=true, grows incrementally as content
// chunks arrive, and is finalized exactly once: completed, errored, or
// stopped. Error and a successful completion are mutually exclusive.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// AgentID is set for model-role messages only.
	AgentID string `json:"agent_id,omitempty"`

	// Streaming state. True from creation until the terminal mutation.
	IsStreaming bool `json:"is_streaming"`

	// Error holds the terminal failure text. Never set for messages
	// that were stopped by the user or silenced (quota exhaustion).
	Error string `json:"error,omitempty"`

	// TokenUsage is attached on successful completion when the
	// provider reported usage metadata.
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`

	// Wall-clock markers for performance metrics.
	StreamStart time.Time `json:"stream_start,omitempty"`
	StreamEnd   time.Time `json:"stream_end,omitempty"`

	// Response-quality metrics, computed at finalization.
	ResponseTimeMs int64   `json:"response_time_ms,omitempty"`
	TokensPerSec   float64 `json:"tokens_per_sec,omitempty"`
	Completeness   int     `json:"completeness,omitempty"`
}

// NewUserMessage creates a user message for the given session.
func NewUserMessage(sessionID, content string) *Message {
	return &Message{
		ID:        newID("msg"),
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewAgentPlaceholder creates an empty streaming model message bound to
// an agent. The orchestrator mutates it as deltas arrive.
func NewAgentPlaceholder(sessionID, agentID string) *Message {
	now := time.Now()
	return &Message{
		ID:          newID("msg"),
		SessionID:   sessionID,
		Role:        RoleModel,
		Timestamp:   now,
		AgentID:     agentID,
		IsStreaming: true,
		StreamStart: now,
	}
}

// NewNoticeMessage creates a completed model message carrying a
// system-level notice (for example "no agents enabled"). It has no
// agent binding and never streams.
func NewNoticeMessage(sessionID, content string) *Message {
	return &Message{
		ID:        newID("msg"),
		SessionID: sessionID,
		Role:      RoleModel,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Append adds a content chunk to a streaming message.
func (m *Message) Append(text string) {
	if m.IsStreaming {
		m.Content += text
	}
}

// IsTerminal reports whether the message has reached a terminal state.
func (m *Message) IsTerminal() bool {
	return m.Role == RoleModel && !m.IsStreaming
}

// ElapsedMs returns the wall-clock streaming duration in milliseconds,
// or 0 when the markers are not both set.
func (m *Message) ElapsedMs() int64 {
	if m.StreamStart.IsZero() || m.StreamEnd.IsZero() {
		return 0
	}
	return m.StreamEnd.Sub(m.StreamStart).Milliseconds()
}

// Preview returns a truncated single-line preview of the content.
// Rune-based truncation keeps multi-byte characters intact.
func (m *Message) Preview(maxLen int) string {
	content := strings.ReplaceAll(m.Content, "\n", " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// CompletenessScore buckets an output by character length into a coarse
// completeness estimate. An errored response always scores 0.
func CompletenessScore(content string, errored bool) int {
	if errored {
		return 0
	}
	switch n := len(content); {
	case n < 50:
		return 30
	case n < 200:
		return 60
	case n < 1000:
		return 85
	default:
		return 95
	}
}

// newID creates a prefixed unique identifier.
func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
