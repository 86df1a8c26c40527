// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"
)

// =============================================================================
// SESSION TYPE
// =============================================================================

// maxTitleLen caps a derived session title before the ellipsis.
const maxTitleLen = 40

// SessionTokenUsage accumulates usage across all completed agent
// responses in a session. Counters only ever increase.
type SessionTokenUsage struct {
	TotalTokens int     `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"` // USD
}

// Session groups the messages of one conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Usage is nil until the first agent response completes.
	Usage *SessionTokenUsage `json:"usage,omitempty"`
}

// NewSession creates an untitled session.
func NewSession() *Session {
	now := time.Now()
	return &Session{
		ID:        newID("sess"),
		Title:     "New chat",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddUsage folds one completed response's usage into the session total.
func (s *Session) AddUsage(u TokenUsage) {
	if s.Usage == nil {
		s.Usage = &SessionTokenUsage{}
	}
	s.Usage.TotalTokens += u.TotalTokens
	if u.EstimatedCost != nil {
		s.Usage.TotalCost += *u.EstimatedCost
	}
	s.UpdatedAt = time.Now()
}

// =============================================================================
// TITLE DERIVATION
// =============================================================================

// DeriveTitle builds a session title from the first user input: the text
// up to the first sentence-ending punctuation or newline, whichever
// comes first, capped at 40 characters with an ellipsis if truncated.
func DeriveTitle(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return "New chat"
	}

	cut := len(input)
	for i, r := range input {
		if r == '.' || r == '!' || r == '?' || r == '\n' || r == '。' || r == '！' || r == '？' {
			cut = i
			break
		}
	}

	title := strings.TrimSpace(input[:cut])
	if title == "" {
		title = input
	}

	runes := []rune(title)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen]) + "..."
	}
	return title
}
