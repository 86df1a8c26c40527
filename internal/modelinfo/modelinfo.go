// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package modelinfo classifies model identifiers by substring matching.
//
// Providers expose no structured capability metadata on their streaming
// surfaces, so brand and reasoning-capability detection is necessarily
// heuristic. All matching rules live here so they are testable in one
// place rather than scattered through transports.
package modelinfo

import "strings"

// =============================================================================
// BRAND CLASSIFICATION
// =============================================================================

// Brand identifies the model family a model id belongs to.
type Brand string

const (
	BrandGemini   Brand = "gemini"
	BrandGPT      Brand = "gpt"
	BrandClaude   Brand = "claude"
	BrandDeepSeek Brand = "deepseek"
	BrandLlama    Brand = "llama"
	BrandQwen     Brand = "qwen"
	BrandMistral  Brand = "mistral"
	BrandOther    Brand = "other"
)

// brandRules maps substrings to brands, checked in order. More specific
// substrings come first so "deepseek-r1-distill-llama" matches DeepSeek.
var brandRules = []struct {
	substr string
	brand  Brand
}{
	{"gemini", BrandGemini},
	{"deepseek", BrandDeepSeek},
	{"claude", BrandClaude},
	{"gpt", BrandGPT},
	{"o1", BrandGPT},
	{"o3", BrandGPT},
	{"llama", BrandLlama},
	{"qwen", BrandQwen},
	{"mistral", BrandMistral},
	{"mixtral", BrandMistral},
}

// Classify returns the brand for a model identifier, or BrandOther when
// no rule matches. Matching is case-insensitive.
func Classify(modelID string) Brand {
	id := strings.ToLower(modelID)
	for _, rule := range brandRules {
		if strings.Contains(id, rule.substr) {
			return rule.brand
		}
	}
	return BrandOther
}

// =============================================================================
// CAPABILITY HEURISTICS
// =============================================================================

// IsThinking reports whether a Google model id indicates a thinking
// variant whose requests should ask for thought parts.
func IsThinking(modelID string) bool {
	id := strings.ToLower(modelID)
	return strings.Contains(id, "thinking") || strings.Contains(id, "2.5")
}

// IsReasoning reports whether an OpenAI-compatible model id matches the
// reasoning-model heuristic used to set the include_reasoning flag.
func IsReasoning(modelID string) bool {
	id := strings.ToLower(modelID)
	return strings.Contains(id, "r1") ||
		strings.Contains(id, "reasoning") ||
		strings.Contains(id, "thinking")
}
