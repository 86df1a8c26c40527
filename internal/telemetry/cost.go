// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry tracks token usage and estimated spend per model.
package telemetry

import (
	"strconv"
	"strings"

	"github.com/HyxiaoGe/nexus-chat/internal/model"
)

// =============================================================================
// PRICING
// =============================================================================

// Pricing holds USD rates per million tokens, kept as strings to avoid
// float literals drifting in the table.
type Pricing struct {
	Prompt     string // USD per 1M prompt tokens
	Completion string // USD per 1M completion tokens
}

// defaultPricing covers the commonly configured models. Keys match
// either full model IDs or stable prefixes.
var defaultPricing = map[string]Pricing{
	"gemini-2.5-pro":             {Prompt: "1.25", Completion: "10.00"},
	"gemini-2.5-flash":           {Prompt: "0.30", Completion: "2.50"},
	"gemini-2.0-flash":           {Prompt: "0.10", Completion: "0.40"},
	"gpt-4o":                     {Prompt: "2.50", Completion: "10.00"},
	"gpt-4o-mini":                {Prompt: "0.15", Completion: "0.60"},
	"deepseek-chat":              {Prompt: "0.27", Completion: "1.10"},
	"deepseek-reasoner":          {Prompt: "0.55", Completion: "2.19"},
	"deepseek/deepseek-r1":       {Prompt: "0.55", Completion: "2.19"},
	"qwen-plus":                  {Prompt: "0.40", Completion: "1.20"},
	"anthropic/claude-sonnet-4":  {Prompt: "3.00", Completion: "15.00"},
	"meta-llama/llama-3.3-70b":   {Prompt: "0.12", Completion: "0.30"},
	"mistralai/mistral-small-3":  {Prompt: "0.10", Completion: "0.30"},
}

// PricingFor looks up pricing by exact model ID, then by the longest
// matching prefix. The second return is false when no entry applies.
func PricingFor(modelID string) (Pricing, bool) {
	if p, ok := defaultPricing[modelID]; ok {
		return p, true
	}
	var best string
	for key := range defaultPricing {
		if strings.HasPrefix(modelID, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return Pricing{}, false
	}
	return defaultPricing[best], true
}

// Estimate computes the USD cost of usage under p. The second return is
// false when the rates are missing or unparseable; callers leave the
// cost undefined rather than recording zero.
func Estimate(usage *model.TokenUsage, p Pricing) (float64, bool) {
	if usage == nil {
		return 0, false
	}
	promptRate, err := strconv.ParseFloat(p.Prompt, 64)
	if err != nil {
		return 0, false
	}
	completionRate, err := strconv.ParseFloat(p.Completion, 64)
	if err != nil {
		return 0, false
	}
	cost := float64(usage.PromptTokens)/1_000_000*promptRate +
		float64(usage.CompletionTokens)/1_000_000*completionRate
	return cost, true
}
