// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport implements the provider streaming clients.
//
// One Transport implementation exists per wire protocol: the Google
// structured streaming API and the OpenAI-compatible chat-completions
// SSE surface (which also covers the free-tier proxy). Transports have
// no side effects beyond network I/O; all results flow through the
// emitted event sequence.
package transport

import (
	"context"
	"strings"

	"github.com/HyxiaoGe/nexus-chat/internal/model"
)

// =============================================================================
// STREAM EVENTS
// =============================================================================

// EventKind discriminates the stream event variants.
type EventKind int

const (
	// KindText is an answer-content delta.
	KindText EventKind = iota

	// KindReasoning is a chain-of-thought delta, distinct from answer
	// text. The aggregator is responsible for wrapping spans of these.
	KindReasoning

	// KindUsage carries the final token-usage snapshot. Emitted at most
	// once, immediately before KindDone.
	KindUsage

	// KindDone marks the end of a healthy stream.
	KindDone
)

// StreamEvent is one semantic event decoded from a provider stream.
type StreamEvent struct {
	Kind  EventKind
	Text  string            // KindText, KindReasoning
	Usage *model.TokenUsage // KindUsage
}

// Callback receives decoded events in emission order.
type Callback func(StreamEvent)

// Turn is one prior conversation turn included in a request.
type Turn struct {
	Role    model.Role
	Content string
}

// =============================================================================
// TRANSPORT INTERFACE
// =============================================================================

// Transport streams one agent's response to a prompt. It issues exactly
// one network request and decodes raw bytes into StreamEvents, invoking
// fn synchronously for each. A nil error means the stream ended with
// KindDone; cancellation surfaces as ctx.Err().
type Transport interface {
	Stream(ctx context.Context, agent *model.Agent, provider *model.Provider, prompt string, history []Turn, fn Callback) error
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver selects the Transport for a provider's wire protocol.
type Resolver struct {
	google *GoogleTransport
	openai *OpenAITransport
}

// NewResolver creates a resolver. proxyURL is the free-tier relay
// endpoint used by keyless OpenRouter providers; empty disables the
// proxy fallback.
func NewResolver(proxyURL string) *Resolver {
	return &Resolver{
		google: NewGoogleTransport(),
		openai: NewOpenAITransport(proxyURL),
	}
}

// For returns the transport for the provider, or ErrUnsupportedProvider.
func (r *Resolver) For(p *model.Provider) (Transport, error) {
	switch p.Type {
	case model.ProviderGoogle:
		return r.google, nil
	case model.ProviderOpenAICompatible:
		return r.openai, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// isLoopback reports whether a base URL points at a local inference
// server; absent API keys are tolerated for these.
func isLoopback(baseURL string) bool {
	u := strings.ToLower(baseURL)
	return strings.Contains(u, "localhost") ||
		strings.Contains(u, "127.0.0.1") ||
		strings.Contains(u, "ollama")
}

// isFreeTierEligible reports whether a keyless provider may be routed
// through the proxy relay. Exactly one well-known identity qualifies.
func isFreeTierEligible(p *model.Provider) bool {
	if strings.EqualFold(p.ID, "openrouter") {
		return true
	}
	return strings.Contains(strings.ToLower(p.BaseURL), "openrouter.ai")
}
