// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyxiaoGe/nexus-chat/internal/kvstore"
	"github.com/HyxiaoGe/nexus-chat/internal/model"
	"github.com/HyxiaoGe/nexus-chat/internal/telemetry"
	"github.com/HyxiaoGe/nexus-chat/internal/transport"
)

// =============================================================================
// FAKES
// =============================================================================

// fakeTransport replays a scripted event sequence.
type fakeTransport struct {
	mu     sync.Mutex
	events []transport.StreamEvent
	err    error
	block  chan struct{} // when set, the stream stalls until closed or cancelled
	calls  int
}

func (f *fakeTransport) Stream(ctx context.Context, agent *model.Agent, provider *model.Provider, prompt string, history []transport.Turn, fn transport.Callback) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.block:
		}
	}
	for _, ev := range f.events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fn(ev)
	}
	return f.err
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeResolver hands every provider the same transport.
type fakeResolver struct {
	tr  transport.Transport
	err error
}

func (r fakeResolver) For(p *model.Provider) (transport.Transport, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.tr, nil
}

// =============================================================================
// FIXTURES
// =============================================================================

func testProviders() []model.Provider {
	return []model.Provider{
		{ID: "prov-a", Name: "Provider A", Type: model.ProviderOpenAICompatible, BaseURL: "http://localhost:1", Enabled: true},
	}
}

func testAgents() []model.Agent {
	return []model.Agent{
		{ID: "agent-1", Name: "Alpha", ProviderID: "prov-a", ModelID: "gpt-4o", Enabled: true},
		{ID: "agent-2", Name: "Beta", ProviderID: "prov-a", ModelID: "gpt-4o-mini", Enabled: true},
	}
}

func newTestOrchestrator(t *testing.T, tr transport.Transport, opts ...Option) *Orchestrator {
	t.Helper()
	store := kvstore.NewMemoryStore()
	o := New(store, fakeResolver{tr: tr}, telemetry.NewAccountant(store), testProviders(), testAgents(), opts...)
	o.StartSession()
	return o
}

func doneEvents(text string, usage *model.TokenUsage) []transport.StreamEvent {
	events := []transport.StreamEvent{{Kind: transport.KindText, Text: text}}
	if usage != nil {
		events = append(events, transport.StreamEvent{Kind: transport.KindUsage, Usage: usage})
	}
	return append(events, transport.StreamEvent{Kind: transport.KindDone})
}

// waitSettled blocks until every stream has reached a terminal state.
func waitSettled(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !o.IsStreaming() && allTerminal(o) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("streams did not settle")
}

func allTerminal(o *Orchestrator) bool {
	for _, m := range o.Messages() {
		if m.IsStreaming {
			return false
		}
	}
	return true
}

func agentMessages(o *Orchestrator) []model.Message {
	var out []model.Message
	for _, m := range o.Messages() {
		if m.Role == model.RoleModel && m.AgentID != "" {
			out = append(out, m)
		}
	}
	return out
}

// =============================================================================
// SEND
// =============================================================================

func TestSendFansOutToAllEnabledAgents(t *testing.T) {
	usage := &model.TokenUsage{PromptTokens: 600, CompletionTokens: 400, TotalTokens: 1000}
	tr := &fakeTransport{events: doneEvents("hello", usage)}
	o := newTestOrchestrator(t, tr)

	require.NoError(t, o.Send(context.Background(), "hi there"))
	waitSettled(t, o)

	msgs := o.Messages()
	require.Len(t, msgs, 3) // 1 user + 2 agents
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi there", msgs[0].Content)

	for _, m := range agentMessages(o) {
		assert.Equal(t, "hello", m.Content)
		assert.Empty(t, m.Error)
		assert.False(t, m.IsStreaming)
		require.NotNil(t, m.TokenUsage)
		assert.Equal(t, 1000, m.TokenUsage.TotalTokens)
		assert.NotNil(t, m.TokenUsage.EstimatedCost)
		assert.False(t, m.StreamEnd.IsZero())
	}
	assert.Equal(t, 2, tr.callCount())
}

func TestSendRejectsBlankPrompt(t *testing.T) {
	o := newTestOrchestrator(t, &fakeTransport{events: doneEvents("x", nil)})
	assert.ErrorIs(t, o.Send(context.Background(), "   \n"), ErrEmptyPrompt)
	assert.Empty(t, o.Messages())
}

func TestSendRequiresActiveSession(t *testing.T) {
	store := kvstore.NewMemoryStore()
	o := New(store, fakeResolver{tr: &fakeTransport{}}, telemetry.NewAccountant(store), testProviders(), testAgents())
	assert.ErrorIs(t, o.Send(context.Background(), "hi"), ErrNoSession)
}

func TestSendRejectedWhileBatchInFlight(t *testing.T) {
	block := make(chan struct{})
	tr := &fakeTransport{events: doneEvents("x", nil), block: block}
	o := newTestOrchestrator(t, tr)

	require.NoError(t, o.Send(context.Background(), "first"))
	// Wait for the registry to fill.
	deadline := time.Now().Add(time.Second)
	for o.registry.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.True(t, o.IsStreaming())

	err := o.Send(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, o.Messages(), 3) // no new messages created

	close(block)
	waitSettled(t, o)
}

func TestSendRegistersStreamsBeforeReturning(t *testing.T) {
	block := make(chan struct{})
	tr := &fakeTransport{events: doneEvents("x", nil), block: block}
	o := newTestOrchestrator(t, tr)

	require.NoError(t, o.Send(context.Background(), "hi"))

	// Every cancellation entry exists the moment Send returns; callers
	// polling IsStreaming never observe a not-yet-started batch.
	assert.Equal(t, 2, o.registry.Len())
	assert.True(t, o.IsStreaming())

	close(block)
	waitSettled(t, o)
}

func TestBatchSettleLeavesOtherBatchesAlone(t *testing.T) {
	o := newTestOrchestrator(t, &fakeTransport{events: doneEvents("x", nil)})
	sessionID := o.Current().ID

	// A finished batch's monitor settles while a newer batch already has
	// a streaming placeholder. Only the old batch's message may be
	// touched.
	oldMsg := model.NewAgentPlaceholder(sessionID, "agent-1")
	newMsg := model.NewAgentPlaceholder(sessionID, "agent-2")

	o.mu.Lock()
	o.messages = append(o.messages, oldMsg, newMsg)
	o.sending = true
	o.mu.Unlock()
	o.registry.Register(newMsg.ID, func() {})
	defer o.registry.Remove(newMsg.ID)

	o.settleBatch([]task{{message: oldMsg}})

	settled, ok := o.Message(oldMsg.ID)
	require.True(t, ok)
	assert.False(t, settled.IsStreaming)

	survivor, ok := o.Message(newMsg.ID)
	require.True(t, ok)
	assert.True(t, survivor.IsStreaming)

	// With a live stream registered the in-flight flag must survive too.
	o.mu.Lock()
	stillSending := o.sending
	o.mu.Unlock()
	assert.True(t, stillSending)
}

func TestSendHealsStuckInFlightFlag(t *testing.T) {
	tr := &fakeTransport{events: doneEvents("ok", nil)}
	o := newTestOrchestrator(t, tr)

	// In-flight flag set with an empty registry is the stuck state.
	o.mu.Lock()
	o.sending = true
	o.mu.Unlock()

	require.NoError(t, o.Send(context.Background(), "hello"))
	waitSettled(t, o)
	assert.Len(t, o.Messages(), 3)
}

func TestSendNoEnabledAgentsLeavesNotice(t *testing.T) {
	store := kvstore.NewMemoryStore()
	agents := []model.Agent{{ID: "a", Name: "Off", ProviderID: "prov-a", Enabled: false}}
	o := New(store, fakeResolver{tr: &fakeTransport{}}, telemetry.NewAccountant(store), testProviders(), agents)
	o.StartSession()

	require.NoError(t, o.Send(context.Background(), "anyone there?"))

	msgs := o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleModel, msgs[1].Role)
	assert.Empty(t, msgs[1].AgentID)
	assert.Contains(t, msgs[1].Content, "No agents")
	assert.False(t, o.IsStreaming())
}

func TestSendDerivesTitleFromFirstPrompt(t *testing.T) {
	o := newTestOrchestrator(t, &fakeTransport{events: doneEvents("x", nil)})

	require.NoError(t, o.Send(context.Background(), "What is Go? And why use it?"))
	waitSettled(t, o)

	assert.Equal(t, "What is Go", o.Current().Title)

	// Second send keeps the original title.
	require.NoError(t, o.Send(context.Background(), "Another question entirely."))
	waitSettled(t, o)
	assert.Equal(t, "What is Go", o.Current().Title)
}

func TestSendReasoningWrappedInThinkTags(t *testing.T) {
	events := []transport.StreamEvent{
		{Kind: transport.KindReasoning, Text: "a"},
		{Kind: transport.KindReasoning, Text: "b"},
		{Kind: transport.KindText, Text: "c"},
		{Kind: transport.KindDone},
	}
	o := newTestOrchestrator(t, &fakeTransport{events: events})

	require.NoError(t, o.Send(context.Background(), "think about it"))
	waitSettled(t, o)

	for _, m := range agentMessages(o) {
		assert.Equal(t, "<think>ab</think>c", m.Content)
	}
}

func TestSendSessionUsageAccumulates(t *testing.T) {
	usage := &model.TokenUsage{PromptTokens: 600, CompletionTokens: 400, TotalTokens: 1000}
	o := newTestOrchestrator(t, &fakeTransport{events: doneEvents("x", usage)})

	require.NoError(t, o.Send(context.Background(), "first"))
	waitSettled(t, o)
	require.NoError(t, o.Send(context.Background(), "second"))
	waitSettled(t, o)

	// Two sends times two agents.
	assert.Equal(t, 4000, o.Current().Usage.TotalTokens)
	assert.Greater(t, o.Current().Usage.TotalCost, 0.0)
}

// =============================================================================
// FAILURE PATHS
// =============================================================================

func TestSendTransportErrorRecordedOnMessage(t *testing.T) {
	tr := &fakeTransport{err: &transport.APIError{Provider: "prov-a", Status: 500, Message: "upstream died"}}
	o := newTestOrchestrator(t, tr)

	require.NoError(t, o.Send(context.Background(), "hi"))
	waitSettled(t, o)

	for _, m := range agentMessages(o) {
		assert.Contains(t, m.Error, "upstream died")
		assert.Zero(t, m.Completeness)
		assert.False(t, m.IsStreaming)
	}
}

func TestSendQuotaErrorIsNotificationOnly(t *testing.T) {
	var mu sync.Mutex
	var notes []Notification
	tr := &fakeTransport{err: transport.ErrQuotaExceeded}
	o := newTestOrchestrator(t, tr, WithNotify(func(n Notification) {
		mu.Lock()
		notes = append(notes, n)
		mu.Unlock()
	}))

	require.NoError(t, o.Send(context.Background(), "hi"))
	waitSettled(t, o)

	for _, m := range agentMessages(o) {
		// Quota exhaustion never shows up as a message error.
		assert.Empty(t, m.Error)
		assert.False(t, m.IsStreaming)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, notes, 2)
}

func TestSendUnresolvedProviderFinalizesWithoutNetwork(t *testing.T) {
	store := kvstore.NewMemoryStore()
	tr := &fakeTransport{events: doneEvents("x", nil)}
	agents := []model.Agent{{ID: "a1", Name: "Ghost", ProviderID: "missing", ModelID: "m", Enabled: true}}
	o := New(store, fakeResolver{tr: tr}, telemetry.NewAccountant(store), testProviders(), agents)
	o.StartSession()

	require.NoError(t, o.Send(context.Background(), "hi"))
	waitSettled(t, o)

	msgs := agentMessages(o)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Error, "missing")
	assert.Zero(t, tr.callCount())
}

// =============================================================================
// STOP
// =============================================================================

func TestStopOneLeavesSiblingsStreaming(t *testing.T) {
	block := make(chan struct{})
	tr := &fakeTransport{events: doneEvents("x", nil), block: block}

	var mu sync.Mutex
	var notes []Notification
	o := newTestOrchestrator(t, tr, WithNotify(func(n Notification) {
		mu.Lock()
		notes = append(notes, n)
		mu.Unlock()
	}))

	require.NoError(t, o.Send(context.Background(), "hi"))
	deadline := time.Now().Add(time.Second)
	for o.registry.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	msgs := agentMessages(o)
	require.Len(t, msgs, 2)
	require.NoError(t, o.StopOne(msgs[0].ID))

	stopped, ok := o.Message(msgs[0].ID)
	require.True(t, ok)
	assert.False(t, stopped.IsStreaming)
	assert.Empty(t, stopped.Error)

	sibling, ok := o.Message(msgs[1].ID)
	require.True(t, ok)
	assert.True(t, sibling.IsStreaming)
	assert.True(t, o.IsStreaming())

	mu.Lock()
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Text, "stopped")
	assert.NotEmpty(t, notes[0].AgentName)
	mu.Unlock()

	close(block)
	waitSettled(t, o)
}

func TestStopOneUnknownMessage(t *testing.T) {
	o := newTestOrchestrator(t, &fakeTransport{})
	assert.ErrorIs(t, o.StopOne("msg_nope"), ErrNotStreaming)
}

func TestStopAllStopsEverythingWithoutErrors(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	tr := &fakeTransport{events: doneEvents("x", nil), block: block}

	var mu sync.Mutex
	var notes []Notification
	o := newTestOrchestrator(t, tr, WithNotify(func(n Notification) {
		mu.Lock()
		notes = append(notes, n)
		mu.Unlock()
	}))

	require.NoError(t, o.Send(context.Background(), "hi"))
	deadline := time.Now().Add(time.Second)
	for o.registry.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	n := o.StopAll()
	assert.Equal(t, 2, n)
	waitSettled(t, o)

	for _, m := range agentMessages(o) {
		assert.False(t, m.IsStreaming)
		assert.Empty(t, m.Error)
	}
	assert.False(t, o.IsStreaming())

	mu.Lock()
	require.NotEmpty(t, notes)
	assert.Contains(t, notes[0].Text, "2")
	mu.Unlock()
}

// =============================================================================
// REGENERATE
// =============================================================================

func TestRegenerateAllAddsNoUserMessage(t *testing.T) {
	o := newTestOrchestrator(t, &fakeTransport{events: doneEvents("v1", nil)})

	require.NoError(t, o.Send(context.Background(), "question"))
	waitSettled(t, o)
	before := len(o.Messages())

	require.NoError(t, o.RegenerateAll(context.Background(), "question"))
	waitSettled(t, o)

	msgs := o.Messages()
	assert.Len(t, msgs, before+2) // two new agent messages, no user message

	users := 0
	for _, m := range msgs {
		if m.Role == model.RoleUser {
			users++
		}
	}
	assert.Equal(t, 1, users)
}

func TestRegenerateOneSingleAgent(t *testing.T) {
	tr := &fakeTransport{events: doneEvents("v2", nil)}
	o := newTestOrchestrator(t, tr)

	require.NoError(t, o.Send(context.Background(), "question"))
	waitSettled(t, o)
	callsAfterSend := tr.callCount()

	require.NoError(t, o.RegenerateOne(context.Background(), "question", "agent-1"))
	waitSettled(t, o)

	assert.Equal(t, callsAfterSend+1, tr.callCount())

	msgs := agentMessages(o)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "agent-1", last.AgentID)
	assert.Equal(t, "v2", last.Content)
}

func TestRegenerateOneUnknownAgent(t *testing.T) {
	o := newTestOrchestrator(t, &fakeTransport{events: doneEvents("x", nil)})
	require.NoError(t, o.Send(context.Background(), "q"))
	waitSettled(t, o)

	assert.ErrorIs(t, o.RegenerateOne(context.Background(), "q", "agent-99"), ErrUnknownAgent)
}

// =============================================================================
// PERSISTENCE / SESSIONS
// =============================================================================

func TestMessagesPersistedAcrossReload(t *testing.T) {
	store := kvstore.NewMemoryStore()
	tr := &fakeTransport{events: doneEvents("persisted", nil)}
	o := New(store, fakeResolver{tr: tr}, telemetry.NewAccountant(store), testProviders(), testAgents())
	session := o.StartSession()

	require.NoError(t, o.Send(context.Background(), "remember this"))
	waitSettled(t, o)

	// Fresh orchestrator over the same store sees the same state.
	o2 := New(store, fakeResolver{tr: tr}, telemetry.NewAccountant(store), testProviders(), testAgents())
	require.NoError(t, o2.LoadSession(session.ID))

	msgs := o2.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "remember this", msgs[0].Content)
	assert.Equal(t, "persisted", msgs[1].Content)
}

func TestDeleteSession(t *testing.T) {
	o := newTestOrchestrator(t, &fakeTransport{events: doneEvents("x", nil)})
	id := o.Current().ID

	require.NoError(t, o.Send(context.Background(), "hello"))
	waitSettled(t, o)

	require.NoError(t, o.DeleteSession(id))
	assert.Nil(t, o.Current())
	assert.Empty(t, o.Sessions())
	assert.Error(t, o.LoadSession(id))
}

func TestHistoryIncludesOwnTurnsOnly(t *testing.T) {
	// First exchange completes, then the history handed to each agent
	// on the second send must carry the user turn and that agent's own
	// reply, with think tags stripped.
	var mu sync.Mutex
	histories := make(map[string][]transport.Turn)

	tr := &recordingTransport{
		events: []transport.StreamEvent{
			{Kind: transport.KindReasoning, Text: "hmm"},
			{Kind: transport.KindText, Text: "first answer"},
			{Kind: transport.KindDone},
		},
		record: func(agentID string, history []transport.Turn) {
			mu.Lock()
			histories[agentID] = history
			mu.Unlock()
		},
	}
	o := newTestOrchestrator(t, tr)

	require.NoError(t, o.Send(context.Background(), "q1"))
	waitSettled(t, o)
	require.NoError(t, o.Send(context.Background(), "q2"))
	waitSettled(t, o)

	mu.Lock()
	defer mu.Unlock()
	h := histories["agent-1"]
	require.Len(t, h, 2)
	assert.Equal(t, transport.Turn{Role: model.RoleUser, Content: "q1"}, h[0])
	assert.Equal(t, transport.Turn{Role: model.RoleModel, Content: "first answer"}, h[1])
	assert.False(t, strings.Contains(h[1].Content, "<think>"))
}

// recordingTransport captures the history passed on each call.
type recordingTransport struct {
	events []transport.StreamEvent
	record func(agentID string, history []transport.Turn)
}

func (r *recordingTransport) Stream(ctx context.Context, agent *model.Agent, provider *model.Provider, prompt string, history []transport.Turn, fn transport.Callback) error {
	r.record(agent.ID, history)
	for _, ev := range r.events {
		fn(ev)
	}
	return nil
}
