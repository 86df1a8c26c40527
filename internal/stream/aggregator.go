// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream folds transport events into message text.
//
// The aggregator is the single place where reasoning deltas get wrapped
// in think tags, so downstream consumers see one flat text stream and
// the transports stay free of presentation concerns.
package stream

import (
	"github.com/HyxiaoGe/nexus-chat/internal/model"
	"github.com/HyxiaoGe/nexus-chat/internal/transport"
)

// Think tag markers wrapped around reasoning spans in message content.
const (
	ThinkOpen  = "<think>"
	ThinkClose = "</think>"
)

// Sink receives text to append to a message, in arrival order.
type Sink func(messageID, text string)

// Aggregator folds one agent's event stream into appended text.
// Consecutive reasoning deltas share a single think span; a text delta
// closes it. Not safe for concurrent use; each in-flight message owns
// its own aggregator.
type Aggregator struct {
	messageID string
	sink      Sink
	inThink   bool
	closed    bool
	usage     *model.TokenUsage
}

// NewAggregator creates an aggregator appending to messageID via sink.
func NewAggregator(messageID string, sink Sink) *Aggregator {
	return &Aggregator{messageID: messageID, sink: sink}
}

// Consume processes one event.
func (a *Aggregator) Consume(ev transport.StreamEvent) {
	if a.closed {
		return
	}
	switch ev.Kind {
	case transport.KindReasoning:
		if !a.inThink {
			a.sink(a.messageID, ThinkOpen)
			a.inThink = true
		}
		a.sink(a.messageID, ev.Text)
	case transport.KindText:
		a.closeThink()
		a.sink(a.messageID, ev.Text)
	case transport.KindUsage:
		// Last write wins when a provider repeats usage.
		a.usage = ev.Usage
	case transport.KindDone:
		a.closeThink()
	}
}

// Close balances any open think span. Safe to call after any event
// sequence, including none, and on already-closed aggregators. Streams
// that end early, by error or cancellation, rely on this to keep the
// message text well formed.
func (a *Aggregator) Close() {
	if a.closed {
		return
	}
	a.closeThink()
	a.closed = true
}

// Usage returns the final usage snapshot, or nil if none arrived.
func (a *Aggregator) Usage() *model.TokenUsage {
	return a.usage
}

func (a *Aggregator) closeThink() {
	if a.inThink {
		a.sink(a.messageID, ThinkClose)
		a.inThink = false
	}
}
