// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator fans prompts out to configured agents and
// reconciles the resulting concurrent streams into session state.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/HyxiaoGe/nexus-chat/internal/kvstore"
	"github.com/HyxiaoGe/nexus-chat/internal/model"
	"github.com/HyxiaoGe/nexus-chat/internal/stream"
	"github.com/HyxiaoGe/nexus-chat/internal/telemetry"
	"github.com/HyxiaoGe/nexus-chat/internal/transport"
)

// Store keys. Sessions live under one key; each session's messages
// under their own.
const (
	sessionsKey       = "sessions"
	messagesKeyPrefix = "messages:"
)

var (
	// ErrEmptyPrompt rejects blank sends.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrNoSession means no session is active.
	ErrNoSession = errors.New("no active session")

	// ErrBusy means a previous batch is still streaming.
	ErrBusy = errors.New("a send is already in flight")

	// ErrUnknownAgent means the agent ID matches no configured agent.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNotStreaming means no in-flight stream matches the message.
	ErrNotStreaming = errors.New("message is not streaming")
)

// Notification is a transient user-facing notice, not part of the
// conversation record.
type Notification struct {
	AgentID   string
	AgentName string
	Text      string
	Time      time.Time
}

// Transports resolves the wire client for a provider.
// *transport.Resolver satisfies it; tests inject fakes.
type Transports interface {
	For(p *model.Provider) (transport.Transport, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotify sets the notification callback.
func WithNotify(fn func(Notification)) Option {
	return func(o *Orchestrator) { o.notify = fn }
}

// WithAppendObserver sets a callback invoked after each content delta
// is applied, for live rendering.
func WithAppendObserver(fn func(messageID, text string)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithRequestsPerMinute sets the per-provider request rate limit.
func WithRequestsPerMinute(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.rpm = n
		}
	}
}

// Orchestrator owns session state and the fan-out lifecycle. All state
// mutation happens under mu; stream goroutines funnel their deltas
// through appendText.
type Orchestrator struct {
	store      kvstore.Store
	transports Transports
	accountant *telemetry.Accountant
	registry   *Registry

	notify   func(Notification)
	observer func(messageID, text string)

	rpm       int
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	mu        sync.Mutex
	providers map[string]model.Provider
	agents    []model.Agent
	sessions  []*model.Session
	current   *model.Session
	messages  []*model.Message
	sending   bool
}

// New creates an orchestrator over the configured providers and
// agents, loading any persisted sessions from store.
func New(store kvstore.Store, transports Transports, accountant *telemetry.Accountant, providers []model.Provider, agents []model.Agent, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		transports: transports,
		accountant: accountant,
		registry:   NewRegistry(),
		notify:     func(Notification) {},
		observer:   func(string, string) {},
		rpm:        60,
		limiters:   make(map[string]*rate.Limiter),
		providers:  make(map[string]model.Provider, len(providers)),
		agents:     agents,
	}
	for _, p := range providers {
		o.providers[p.ID] = p
	}
	for _, opt := range opts {
		opt(o)
	}
	o.loadSessions()
	return o
}

// =============================================================================
// SESSIONS
// =============================================================================

// StartSession creates and activates a new session.
func (o *Orchestrator) StartSession() *model.Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := model.NewSession()
	o.sessions = append(o.sessions, s)
	o.current = s
	o.messages = nil
	o.persistSessionsLocked()
	return s
}

// LoadSession activates an existing session and loads its messages.
func (o *Orchestrator) LoadSession(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, s := range o.sessions {
		if s.ID == id {
			o.current = s
			o.messages = o.loadMessages(id)
			return nil
		}
	}
	return fmt.Errorf("session %s not found", id)
}

// DeleteSession removes a session and its messages. Deleting the
// active session deactivates it.
func (o *Orchestrator) DeleteSession(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, s := range o.sessions {
		if s.ID == id {
			o.sessions = append(o.sessions[:i], o.sessions[i+1:]...)
			if o.current != nil && o.current.ID == id {
				o.current = nil
				o.messages = nil
			}
			o.persistSessionsLocked()
			if err := o.store.Delete(messagesKeyPrefix + id); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
				return fmt.Errorf("failed to delete session messages: %w", err)
			}
			return nil
		}
	}
	return fmt.Errorf("session %s not found", id)
}

// Current returns a copy of the active session, or nil.
func (o *Orchestrator) Current() *model.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	s := *o.current
	return &s
}

// Sessions returns copies of all sessions, newest last.
func (o *Orchestrator) Sessions() []model.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Session, len(o.sessions))
	for i, s := range o.sessions {
		out[i] = *s
	}
	return out
}

// Messages returns copies of the active session's messages in order.
func (o *Orchestrator) Messages() []model.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Message, len(o.messages))
	for i, m := range o.messages {
		out[i] = *m
	}
	return out
}

// Message returns a copy of one message by ID.
func (o *Orchestrator) Message(id string) (model.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m := o.findLocked(id); m != nil {
		return *m, true
	}
	return model.Message{}, false
}

// IsStreaming reports whether any agent stream is in flight. Defined
// entirely by registry occupancy.
func (o *Orchestrator) IsStreaming() bool {
	return o.registry.Len() > 0
}

// UpdateConfig swaps in a new provider and agent set, typically after a
// config file reload. In-flight streams keep the snapshots they were
// launched with.
func (o *Orchestrator) UpdateConfig(providers []model.Provider, agents []model.Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers = make(map[string]model.Provider, len(providers))
	for _, p := range providers {
		o.providers[p.ID] = p
	}
	o.agents = agents
}

// Agents returns the configured agents.
func (o *Orchestrator) Agents() []model.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Agent, len(o.agents))
	copy(out, o.agents)
	return out
}

func (o *Orchestrator) findLocked(id string) *model.Message {
	for _, m := range o.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Persistence is write-through and best-effort: a storage failure is
// logged, never allowed to kill an in-flight stream.

func (o *Orchestrator) loadSessions() {
	data, err := o.store.Get(sessionsKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("failed to load sessions", "error", err)
		return
	}
	var sessions []model.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		slog.Warn("failed to decode sessions", "error", err)
		return
	}
	o.sessions = make([]*model.Session, len(sessions))
	for i := range sessions {
		o.sessions[i] = &sessions[i]
	}
}

func (o *Orchestrator) loadMessages(sessionID string) []*model.Message {
	data, err := o.store.Get(messagesKeyPrefix + sessionID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		slog.Warn("failed to load messages", "session", sessionID, "error", err)
		return nil
	}
	var messages []model.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		slog.Warn("failed to decode messages", "session", sessionID, "error", err)
		return nil
	}
	out := make([]*model.Message, len(messages))
	for i := range messages {
		out[i] = &messages[i]
	}
	return out
}

func (o *Orchestrator) persistSessionsLocked() {
	sessions := make([]model.Session, len(o.sessions))
	for i, s := range o.sessions {
		sessions[i] = *s
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		slog.Warn("failed to encode sessions", "error", err)
		return
	}
	if err := o.store.Set(sessionsKey, data); err != nil {
		slog.Warn("failed to persist sessions", "error", err)
	}
}

func (o *Orchestrator) persistMessagesLocked() {
	if o.current == nil {
		return
	}
	messages := make([]model.Message, len(o.messages))
	for i, m := range o.messages {
		messages[i] = *m
	}
	data, err := json.Marshal(messages)
	if err != nil {
		slog.Warn("failed to encode messages", "error", err)
		return
	}
	if err := o.store.Set(messagesKeyPrefix+o.current.ID, data); err != nil {
		slog.Warn("failed to persist messages", "error", err)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// limiterFor lazily creates the per-provider rate limiter.
func (o *Orchestrator) limiterFor(providerID string) *rate.Limiter {
	o.limiterMu.Lock()
	defer o.limiterMu.Unlock()
	l, ok := o.limiters[providerID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(o.rpm)), o.rpm)
		o.limiters[providerID] = l
	}
	return l
}

// stripThink removes reasoning spans before content is replayed as
// conversation history.
func stripThink(s string) string {
	for {
		i := strings.Index(s, stream.ThinkOpen)
		if i < 0 {
			break
		}
		j := strings.Index(s[i:], stream.ThinkClose)
		if j < 0 {
			s = s[:i]
			break
		}
		s = s[:i] + s[i+j+len(stream.ThinkClose):]
	}
	return strings.TrimSpace(s)
}

// historyLocked builds the per-agent conversation history from the
// first limit messages: user turns plus that agent's own completed
// responses.
func (o *Orchestrator) historyLocked(agentID string, limit int) []transport.Turn {
	var turns []transport.Turn
	for i, m := range o.messages {
		if i >= limit {
			break
		}
		switch {
		case m.Role == model.RoleUser:
			turns = append(turns, transport.Turn{Role: model.RoleUser, Content: m.Content})
		case m.AgentID == agentID && !m.IsStreaming && m.Error == "" && m.Content != "":
			turns = append(turns, transport.Turn{Role: model.RoleModel, Content: stripThink(m.Content)})
		}
	}
	return turns
}
