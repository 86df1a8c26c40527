// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"sync"
)

// Registry tracks the cancel function of every in-flight stream, keyed
// by the message being streamed into. It is the single source of truth
// for whether anything is streaming.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

// Register records the cancel function for messageID.
func (r *Registry) Register(messageID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[messageID] = cancel
}

// Remove drops the entry without cancelling. Every stream goroutine
// removes its own entry on exit, whatever the outcome.
func (r *Registry) Remove(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, messageID)
}

// Cancel cancels one stream. Returns false if no stream is registered
// for messageID.
func (r *Registry) Cancel(messageID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[messageID]
	delete(r.cancels, messageID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every in-flight stream and returns how many there
// were.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for id, cancel := range r.cancels {
		cancels = append(cancels, cancel)
		delete(r.cancels, id)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Len returns the number of in-flight streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
