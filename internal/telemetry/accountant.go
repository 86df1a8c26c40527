// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HyxiaoGe/nexus-chat/internal/kvstore"
	"github.com/HyxiaoGe/nexus-chat/internal/model"
)

// statsKeyPrefix namespaces per-model stats in the store.
const statsKeyPrefix = "stats:model:"

// ModelStats is the cumulative record for one model.
type ModelStats struct {
	TotalTokens int       `json:"total_tokens"`
	TotalCost   float64   `json:"total_cost"`
	Requests    int       `json:"requests"`
	LastUsed    time.Time `json:"last_used"`
}

// Accountant estimates per-response cost and persists cumulative stats.
// Safe for concurrent use; all agents of a fan-out record through the
// same instance.
type Accountant struct {
	mu      sync.Mutex
	store   kvstore.Store
	pricing map[string]Pricing
}

// NewAccountant creates an accountant backed by store, using the
// built-in pricing table.
func NewAccountant(store kvstore.Store) *Accountant {
	return &Accountant{store: store, pricing: defaultPricing}
}

// WithPricing replaces the pricing table, for tests and overrides.
func (a *Accountant) WithPricing(pricing map[string]Pricing) *Accountant {
	a.pricing = pricing
	return a
}

// EstimateCost returns the estimated USD cost for usage on modelID, or
// nil when no pricing is known. Unknown models never report zero cost.
func (a *Accountant) EstimateCost(modelID string, usage *model.TokenUsage) *float64 {
	p, ok := a.lookup(modelID)
	if !ok {
		return nil
	}
	cost, ok := Estimate(usage, p)
	if !ok {
		return nil
	}
	return &cost
}

// RecordUsage folds one response into the model's cumulative stats.
func (a *Accountant) RecordUsage(modelID string, usage *model.TokenUsage, cost float64) error {
	if usage == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	stats, err := a.loadStats(modelID)
	if err != nil {
		return err
	}
	stats.TotalTokens += usage.TotalTokens
	stats.TotalCost += cost
	stats.Requests++
	stats.LastUsed = time.Now()

	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal model stats: %w", err)
	}
	if err := a.store.Set(statsKeyPrefix+modelID, data); err != nil {
		return fmt.Errorf("failed to persist model stats: %w", err)
	}
	return nil
}

// Stats returns the cumulative record for modelID. A model with no
// recorded usage returns the zero value.
func (a *Accountant) Stats(modelID string) (ModelStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadStats(modelID)
}

func (a *Accountant) loadStats(modelID string) (ModelStats, error) {
	data, err := a.store.Get(statsKeyPrefix + modelID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return ModelStats{}, nil
	}
	if err != nil {
		return ModelStats{}, fmt.Errorf("failed to load model stats: %w", err)
	}
	var stats ModelStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return ModelStats{}, fmt.Errorf("failed to decode model stats: %w", err)
	}
	return stats, nil
}

// lookup resolves pricing by exact ID, then longest matching prefix.
func (a *Accountant) lookup(modelID string) (Pricing, bool) {
	if p, ok := a.pricing[modelID]; ok {
		return p, true
	}
	var best string
	for key := range a.pricing {
		if strings.HasPrefix(modelID, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return Pricing{}, false
	}
	return a.pricing[best], true
}
