// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// PROVIDER TYPE
// =============================================================================

// ProviderType identifies the wire protocol a provider speaks.
type ProviderType string

const (
	// ProviderGoogle is the Google structured streaming API
	// (streamGenerateContent with thought-flagged parts).
	ProviderGoogle ProviderType = "google"

	// ProviderOpenAICompatible is any chat-completions SSE surface:
	// OpenAI, OpenRouter, DeepSeek, local Ollama, and the free-tier
	// proxy all share this shape.
	ProviderOpenAICompatible ProviderType = "openai-compatible"
)

// Provider is a connection profile for an LLM vendor's API surface.
// Read-only input to transport selection; configured outside the core.
type Provider struct {
	ID      string       `json:"id" toml:"id"`
	Name    string       `json:"name" toml:"name"`
	Type    ProviderType `json:"type" toml:"type"`
	BaseURL string       `json:"base_url,omitempty" toml:"base_url"` // openai-compatible only
	APIKey  string       `json:"api_key,omitempty" toml:"api_key"`
	Enabled bool         `json:"enabled" toml:"enabled"`
}

// =============================================================================
// AGENT TYPE
// =============================================================================

// GenerationConfig holds optional sampling parameters. Nil pointer
// fields are omitted from provider requests so vendor defaults apply.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty" toml:"temperature"`
	TopP            *float64 `json:"top_p,omitempty" toml:"top_p"`
	TopK            *int     `json:"top_k,omitempty" toml:"top_k"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty" toml:"max_output_tokens"`
}

// Agent is a configured persona: a model bound to a provider with a
// system prompt and generation parameters. Agents participate in
// fan-out only while Enabled. The orchestration core never mutates an
// Agent.
type Agent struct {
	ID           string           `json:"id" toml:"id"`
	Name         string           `json:"name" toml:"name"`
	Avatar       string           `json:"avatar,omitempty" toml:"avatar"`
	ProviderID   string           `json:"provider_id" toml:"provider"`
	ModelID      string           `json:"model_id" toml:"model"`
	SystemPrompt string           `json:"system_prompt,omitempty" toml:"system_prompt"`
	Enabled      bool             `json:"enabled" toml:"enabled"`
	Generation   GenerationConfig `json:"generation" toml:"generation"`
}
