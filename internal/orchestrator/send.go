// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/HyxiaoGe/nexus-chat/internal/model"
	"github.com/HyxiaoGe/nexus-chat/internal/stream"
	"github.com/HyxiaoGe/nexus-chat/internal/transport"
)

// task pairs one agent with the placeholder it streams into. The
// cancellation token is created and registered at placeholder creation,
// under the state lock, so the registry is never empty while a batch
// has live placeholders.
type task struct {
	agent   model.Agent
	message *model.Message
	history []transport.Turn
	ctx     context.Context
	cancel  context.CancelFunc
}

// =============================================================================
// SEND / REGENERATE
// =============================================================================

// Send records the user turn and fans the prompt out to every enabled
// agent. It returns once the batch is launched; streaming continues in
// the background.
func (o *Orchestrator) Send(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}

	o.mu.Lock()
	if o.current == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	if err := o.admitLocked(); err != nil {
		o.mu.Unlock()
		return err
	}

	if !o.hasUserMessageLocked() {
		o.current.Title = model.DeriveTitle(prompt)
		o.current.UpdatedAt = time.Now()
		o.persistSessionsLocked()
	}

	agents := o.enabledAgentsLocked()

	userMsg := model.NewUserMessage(o.current.ID, prompt)
	o.messages = append(o.messages, userMsg)

	if len(agents) == 0 {
		notice := model.NewNoticeMessage(o.current.ID, "No agents are enabled. Enable at least one agent to get responses.")
		o.messages = append(o.messages, notice)
		o.persistMessagesLocked()
		o.mu.Unlock()
		return nil
	}

	tasks := o.makeTasksLocked(ctx, agents, len(o.messages)-1)
	o.persistMessagesLocked()
	o.sending = true
	o.mu.Unlock()

	o.launch(prompt, tasks)
	return nil
}

// RegenerateAll re-runs the fan-out for prompt without recording a new
// user turn.
func (o *Orchestrator) RegenerateAll(ctx context.Context, prompt string) error {
	return o.regenerate(ctx, prompt, "")
}

// RegenerateOne re-runs a single agent for prompt.
func (o *Orchestrator) RegenerateOne(ctx context.Context, prompt string, agentID string) error {
	if agentID == "" {
		return ErrUnknownAgent
	}
	return o.regenerate(ctx, prompt, agentID)
}

func (o *Orchestrator) regenerate(ctx context.Context, prompt string, agentID string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}

	o.mu.Lock()
	if o.current == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	if err := o.admitLocked(); err != nil {
		o.mu.Unlock()
		return err
	}

	agents := o.enabledAgentsLocked()
	if agentID != "" {
		agents = filterAgent(agents, agentID)
		if len(agents) == 0 {
			o.mu.Unlock()
			return ErrUnknownAgent
		}
	}
	if len(agents) == 0 {
		o.mu.Unlock()
		return nil
	}

	// History stops before the turn being regenerated.
	tasks := o.makeTasksLocked(ctx, agents, o.lastUserIndexLocked())
	o.persistMessagesLocked()
	o.sending = true
	o.mu.Unlock()

	o.launch(prompt, tasks)
	return nil
}

// admitLocked enforces the one-batch-at-a-time rule. A set in-flight
// flag with an empty registry is a stuck state; it is cleared and the
// call admitted.
func (o *Orchestrator) admitLocked() error {
	if !o.sending {
		return nil
	}
	if o.registry.Len() > 0 {
		return ErrBusy
	}
	slog.Warn("clearing stuck in-flight flag")
	o.sending = false
	for _, m := range o.messages {
		if m.IsStreaming {
			m.IsStreaming = false
		}
	}
	return nil
}

func (o *Orchestrator) hasUserMessageLocked() bool {
	for _, m := range o.messages {
		if m.Role == model.RoleUser {
			return true
		}
	}
	return false
}

func (o *Orchestrator) enabledAgentsLocked() []model.Agent {
	var out []model.Agent
	for _, a := range o.agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

func filterAgent(agents []model.Agent, id string) []model.Agent {
	for _, a := range agents {
		if a.ID == id {
			return []model.Agent{a}
		}
	}
	return nil
}

// lastUserIndexLocked returns the index of the most recent user
// message, or len(messages) if none exists.
func (o *Orchestrator) lastUserIndexLocked() int {
	for i := len(o.messages) - 1; i >= 0; i-- {
		if o.messages[i].Role == model.RoleUser {
			return i
		}
	}
	return len(o.messages)
}

// makeTasksLocked creates one placeholder per agent, snapshots each
// agent's history from the first historyLimit messages, and registers
// every cancellation entry before the lock is released. Callers see a
// populated registry the moment the batch is admitted, so no concurrent
// check can observe streaming placeholders with an empty registry.
func (o *Orchestrator) makeTasksLocked(ctx context.Context, agents []model.Agent, historyLimit int) []task {
	tasks := make([]task, 0, len(agents))
	for _, a := range agents {
		ph := model.NewAgentPlaceholder(o.current.ID, a.ID)
		o.messages = append(o.messages, ph)
		actx, cancel := context.WithCancel(ctx)
		o.registry.Register(ph.ID, cancel)
		tasks = append(tasks, task{
			agent:   a,
			message: ph,
			history: o.historyLocked(a.ID, historyLimit),
			ctx:     actx,
			cancel:  cancel,
		})
	}
	return tasks
}

// =============================================================================
// FAN-OUT
// =============================================================================

// launch starts one goroutine per task plus a monitor that settles the
// batch once every task is done.
func (o *Orchestrator) launch(prompt string, tasks []task) {
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			o.runAgent(prompt, t)
		}(t)
	}
	go func() {
		wg.Wait()
		// Yield so the last task's finalization settles before the
		// aggregate check.
		runtime.Gosched()
		o.settleBatch(tasks)
	}()
}

// runAgent drives one agent's stream from request to terminal state.
// The registry entry was created with the placeholder; whatever
// happens, it is gone when this returns.
func (o *Orchestrator) runAgent(prompt string, t task) {
	defer t.cancel()
	defer o.registry.Remove(t.message.ID)

	provider, ok := o.providerFor(t.agent.ProviderID)
	if !ok {
		o.finalizeFailure(t.message, fmt.Sprintf("provider %q is not configured", t.agent.ProviderID))
		return
	}

	tr, err := o.transports.For(&provider)
	if err != nil {
		o.finalizeFailure(t.message, fmt.Sprintf("agent %s: %v", t.agent.Name, err))
		return
	}

	if err := o.limiterFor(provider.ID).Wait(t.ctx); err != nil {
		o.finalizeStopped(t.message)
		return
	}

	agg := stream.NewAggregator(t.message.ID, o.appendText)
	err = tr.Stream(t.ctx, &t.agent, &provider, prompt, t.history, agg.Consume)
	agg.Close()

	switch {
	case err == nil:
		o.finalizeSuccess(t.message, t.agent, agg.Usage())
	case errors.Is(err, context.Canceled):
		// The stop path already marked the message; nothing to mutate.
		o.finalizeStopped(t.message)
	case transport.IsNotification(err):
		o.notify(Notification{
			AgentID:   t.agent.ID,
			AgentName: t.agent.Name,
			Text:      err.Error(),
			Time:      time.Now(),
		})
		o.finalizeStopped(t.message)
	default:
		slog.Error("agent stream failed", "agent", t.agent.ID, "model", t.agent.ModelID, "error", err)
		o.finalizeFailure(t.message, err.Error())
	}
}

func (o *Orchestrator) providerFor(id string) (model.Provider, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.providers[id]
	if !ok || !p.Enabled {
		return model.Provider{}, false
	}
	return p, true
}

// appendText is the aggregator sink. Terminal messages reject further
// deltas, which resolves stop-then-chunk races.
func (o *Orchestrator) appendText(messageID, text string) {
	o.mu.Lock()
	m := o.findLocked(messageID)
	if m == nil || !m.IsStreaming {
		o.mu.Unlock()
		return
	}
	m.Append(text)
	o.mu.Unlock()
	o.observer(messageID, text)
}

// settleBatch runs after every task in a batch has returned. It touches
// only the batch's own messages; a later batch may already be streaming
// its own placeholders, and those are not this monitor's to finalize.
// The in-flight flag clears only when the registry is empty.
func (o *Orchestrator) settleBatch(tasks []task) {
	o.mu.Lock()
	for _, t := range tasks {
		if t.message.IsStreaming {
			t.message.IsStreaming = false
		}
	}
	if o.registry.Len() == 0 {
		o.sending = false
	}
	o.persistMessagesLocked()
	o.persistSessionsLocked()
	o.mu.Unlock()
}

// =============================================================================
// FINALIZATION
// =============================================================================

// finalizeSuccess applies the single terminal mutation for a completed
// stream: usage, cost, quality metrics, session accounting.
func (o *Orchestrator) finalizeSuccess(m *model.Message, agent model.Agent, usage *model.TokenUsage) {
	var recorded *model.TokenUsage
	var recordedCost float64

	o.mu.Lock()
	if !m.IsStreaming {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	m.IsStreaming = false
	m.StreamEnd = now
	m.ResponseTimeMs = m.ElapsedMs()
	m.Completeness = model.CompletenessScore(m.Content, false)

	if usage != nil {
		cost := o.accountant.EstimateCost(agent.ModelID, usage)
		usage.EstimatedCost = cost
		m.TokenUsage = usage
		if m.ResponseTimeMs > 0 {
			m.TokensPerSec = float64(usage.CompletionTokens) / (float64(m.ResponseTimeMs) / 1000.0)
		}
		if cost != nil {
			recordedCost = *cost
		}
		if o.current != nil {
			o.current.AddUsage(*usage)
		}
		recorded = usage
	}
	o.persistMessagesLocked()
	o.persistSessionsLocked()
	o.mu.Unlock()

	if recorded != nil {
		if err := o.accountant.RecordUsage(agent.ModelID, recorded, recordedCost); err != nil {
			slog.Warn("failed to record usage", "model", agent.ModelID, "error", err)
		}
	}
}

// finalizeFailure records the failure text on the message.
func (o *Orchestrator) finalizeFailure(m *model.Message, errText string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !m.IsStreaming {
		return
	}
	now := time.Now()
	m.IsStreaming = false
	m.StreamEnd = now
	m.Error = errText
	m.Completeness = model.CompletenessScore(m.Content, true)
	o.persistMessagesLocked()
}

// finalizeStopped ends a stream with no error recorded. Used for user
// stops and notification-class failures.
func (o *Orchestrator) finalizeStopped(m *model.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !m.IsStreaming {
		return
	}
	now := time.Now()
	m.IsStreaming = false
	m.StreamEnd = now
	m.Completeness = model.CompletenessScore(m.Content, false)
	o.persistMessagesLocked()
}

// =============================================================================
// STOP
// =============================================================================

// StopOne cancels a single agent's stream and emits a notification
// naming the agent.
func (o *Orchestrator) StopOne(messageID string) error {
	if !o.registry.Cancel(messageID) {
		return ErrNotStreaming
	}

	o.mu.Lock()
	name := "agent"
	agentID := ""
	if m := o.findLocked(messageID); m != nil {
		agentID = m.AgentID
		if a := o.agentLocked(m.AgentID); a != nil {
			name = a.Name
		}
		if m.IsStreaming {
			now := time.Now()
			m.IsStreaming = false
			m.StreamEnd = now
			m.Completeness = model.CompletenessScore(m.Content, false)
		}
	}
	o.persistMessagesLocked()
	o.mu.Unlock()

	o.notify(Notification{
		AgentID:   agentID,
		AgentName: name,
		Text:      fmt.Sprintf("%s stopped", name),
		Time:      time.Now(),
	})
	return nil
}

// StopAll cancels every in-flight stream and emits one aggregate
// notification.
func (o *Orchestrator) StopAll() int {
	n := o.registry.CancelAll()

	o.mu.Lock()
	for _, m := range o.messages {
		if m.IsStreaming {
			now := time.Now()
			m.IsStreaming = false
			m.StreamEnd = now
			m.Completeness = model.CompletenessScore(m.Content, false)
		}
	}
	o.sending = false
	o.persistMessagesLocked()
	o.mu.Unlock()

	if n > 0 {
		o.notify(Notification{
			Text: fmt.Sprintf("stopped %d streams", n),
			Time: time.Now(),
		})
	}
	return n
}

func (o *Orchestrator) agentLocked(id string) *model.Agent {
	for i := range o.agents {
		if o.agents[i].ID == id {
			return &o.agents[i]
		}
	}
	return nil
}
