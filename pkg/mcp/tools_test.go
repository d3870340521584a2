package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainops/internal/dispatch"
	"github.com/rendis/chainops/internal/engine"
	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/internal/streaming"
	"github.com/rendis/chainops/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	chains      map[string]*schema.ChainDefinition
	triggers    []*schema.Trigger
	events      []*store.Event
	transitions []*schema.TransitionRecord
	gates       map[string]*schema.WorkflowPauseGate
	lastTF      store.TriggerFilter
}

func newMockStore() *mockStore {
	return &mockStore{
		chains: make(map[string]*schema.ChainDefinition),
		gates:  make(map[string]*schema.WorkflowPauseGate),
	}
}

func (m *mockStore) GetChain(_ context.Context, id string) (*schema.ChainDefinition, error) {
	c, ok := m.chains[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "chain %s not found", id)
	}
	return c, nil
}

func (m *mockStore) CreateChain(_ context.Context, def *schema.ChainDefinition) error {
	def.Version = 1
	m.chains[def.ID] = def
	return nil
}

func (m *mockStore) UpdateChain(_ context.Context, def *schema.ChainDefinition) error {
	cur, ok := m.chains[def.ID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "chain %s not found", def.ID)
	}
	def.Version = cur.Version + 1
	m.chains[def.ID] = def
	return nil
}

func (m *mockStore) ListChains(_ context.Context) ([]*schema.ChainDefinition, error) {
	out := make([]*schema.ChainDefinition, 0, len(m.chains))
	for _, c := range m.chains {
		out = append(out, c)
	}
	return out, nil
}

func (m *mockStore) CreateTrigger(_ context.Context, t *schema.Trigger) error {
	m.triggers = append(m.triggers, t)
	return nil
}

func (m *mockStore) ListTriggers(_ context.Context, f store.TriggerFilter) ([]*schema.Trigger, error) {
	m.lastTF = f
	return m.triggers, nil
}

func (m *mockStore) GetEvents(_ context.Context, execID string, _ int64) ([]*store.Event, error) {
	var out []*store.Event
	for _, e := range m.events {
		if e.ExecutionID == execID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) GetEventsByType(_ context.Context, eventType string, f store.EventFilter) ([]*store.Event, error) {
	var out []*store.Event
	for _, e := range m.events {
		if e.Type == eventType && (f.ExecutionID == "" || e.ExecutionID == f.ExecutionID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) ListTransitions(_ context.Context, ref schema.SubjectRef) ([]*schema.TransitionRecord, error) {
	var out []*schema.TransitionRecord
	for _, r := range m.transitions {
		if r.Subject() == ref {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) GetGate(_ context.Context, id string) (*schema.WorkflowPauseGate, error) {
	g, ok := m.gates[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "gate %s not found", id)
	}
	return g, nil
}

func (m *mockStore) ListGates(_ context.Context, f store.GateFilter) ([]*schema.WorkflowPauseGate, error) {
	var out []*schema.WorkflowPauseGate
	for _, g := range m.gates {
		if f.AgentID == "" || g.AgentID == f.AgentID {
			out = append(out, g)
		}
	}
	return out, nil
}

// --- Mock Transitioner ---

type mockTransitioner struct {
	result *dispatch.Result
	err    error
	calls  []string
}

func (m *mockTransitioner) Transition(_ context.Context, ref schema.SubjectRef, actorID, toStatus, _ string) (*dispatch.Result, error) {
	m.calls = append(m.calls, ref.String()+"|"+actorID+"|"+toStatus)
	return m.result, m.err
}

// --- Mock Executions ---

type mockExecutions struct {
	snapshot *engine.Snapshot
	execs    []*schema.ChainExecution
	signals  []schema.Signal
	err      error
	filter   store.ExecutionFilter
}

func (m *mockExecutions) Get(_ context.Context, id string) (*engine.Snapshot, error) {
	if m.snapshot == nil || m.snapshot.Execution.ID != id {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return m.snapshot, nil
}

func (m *mockExecutions) List(_ context.Context, f store.ExecutionFilter) ([]*schema.ChainExecution, error) {
	m.filter = f
	return m.execs, nil
}

func (m *mockExecutions) Signal(_ context.Context, id string, sig schema.Signal) (*schema.ChainExecution, error) {
	m.signals = append(m.signals, sig)
	if m.err != nil {
		return nil, m.err
	}
	return &schema.ChainExecution{ID: id, Status: schema.ExecutionRunning, CurrentStepIndex: 1}, nil
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestTransitionTool(t *testing.T) {
	tr := &mockTransitioner{result: &dispatch.Result{
		Record: &schema.TransitionRecord{
			SubjectType: "work_order", SubjectID: "wo-1", Sequence: 1,
			FromStatus: "", ToStatus: "active",
		},
		ExecutionIDs: []string{"exec-1"},
	}}
	s := NewServer(ServerDeps{Transitions: tr})

	result, err := s.handleTransition(context.Background(), buildRequest("chainops.transition", map[string]any{
		"subject_type": "work_order",
		"subject_id":   "wo-1",
		"to_status":    "active",
		"agent_id":     "agent-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Subject      string   `json:"subject"`
		Status       string   `json:"status"`
		ExecutionIDs []string `json:"execution_ids"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "work_order/wo-1", out.Subject)
	assert.Equal(t, "active", out.Status)
	assert.Equal(t, []string{"exec-1"}, out.ExecutionIDs)
	assert.Equal(t, []string{"work_order/wo-1|agent-1|active"}, tr.calls)
}

func TestTransitionToolRejected(t *testing.T) {
	tr := &mockTransitioner{err: schema.NewInvalidTransition(schema.ReasonNotAllowed, "active", "draft")}
	s := NewServer(ServerDeps{Transitions: tr})

	result, err := s.handleTransition(context.Background(), buildRequest("chainops.transition", map[string]any{
		"subject_type": "work_order",
		"subject_id":   "wo-1",
		"to_status":    "draft",
		"agent_id":     "agent-1",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var out struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.ErrCodeInvalidTransition, out.Code)
	assert.Equal(t, schema.ReasonNotAllowed, out.Details["reason"])
}

func TestTransitionToolMissingParams(t *testing.T) {
	s := NewServer(ServerDeps{Transitions: &mockTransitioner{}})

	for _, missing := range []string{"subject_type", "subject_id", "to_status", "agent_id"} {
		args := map[string]any{
			"subject_type": "work_order",
			"subject_id":   "wo-1",
			"to_status":    "active",
			"agent_id":     "agent-1",
		}
		delete(args, missing)
		result, err := s.handleTransition(context.Background(), buildRequest("chainops.transition", args))
		require.NoError(t, err)
		assert.True(t, result.IsError, missing)
		assert.Contains(t, extractText(t, result), missing)
	}
}

func TestStatusTool(t *testing.T) {
	ex := &mockExecutions{snapshot: &engine.Snapshot{
		Execution: &schema.ChainExecution{ID: "exec-1", Status: schema.ExecutionPaused, CurrentStepIndex: 1},
	}}
	s := NewServer(ServerDeps{Executions: ex})

	result, err := s.handleStatus(context.Background(), buildRequest("chainops.status", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var snap engine.Snapshot
	unmarshalResult(t, result, &snap)
	assert.Equal(t, schema.ExecutionPaused, snap.Execution.Status)
	assert.Equal(t, 1, snap.Execution.CurrentStepIndex)
}

func TestStatusToolNotFound(t *testing.T) {
	s := NewServer(ServerDeps{Executions: &mockExecutions{}})

	result, err := s.handleStatus(context.Background(), buildRequest("chainops.status", map[string]any{
		"execution_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestSignalTool(t *testing.T) {
	ex := &mockExecutions{}
	s := NewServer(ServerDeps{Executions: ex})

	result, err := s.handleSignal(context.Background(), buildRequest("chainops.signal", map[string]any{
		"execution_id": "exec-1",
		"signal_type":  "resume",
		"agent_id":     "reviewer",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.Len(t, ex.signals, 1)
	assert.Equal(t, schema.SignalResume, ex.signals[0].Type)
	assert.Equal(t, "reviewer", ex.signals[0].ActorID)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "running", out["status"])
}

func TestSignalToolDefaultsActor(t *testing.T) {
	ex := &mockExecutions{}
	s := NewServer(ServerDeps{Executions: ex})

	_, err := s.handleSignal(context.Background(), buildRequest("chainops.signal", map[string]any{
		"execution_id": "exec-1",
		"signal_type":  "cancel",
		"reason":       "obsolete",
	}))
	require.NoError(t, err)
	require.Len(t, ex.signals, 1)
	assert.Equal(t, "mcp", ex.signals[0].ActorID)
	assert.Equal(t, "obsolete", ex.signals[0].Reason)
}

func TestSignalToolUnknownType(t *testing.T) {
	ex := &mockExecutions{}
	s := NewServer(ServerDeps{Executions: ex})

	result, err := s.handleSignal(context.Background(), buildRequest("chainops.signal", map[string]any{
		"execution_id": "exec-1",
		"signal_type":  "explode",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ex.signals)
}

func TestSignalToolConflict(t *testing.T) {
	ex := &mockExecutions{err: schema.NewError(schema.ErrCodeConflict, "execution is not paused")}
	s := NewServer(ServerDeps{Executions: ex})

	result, err := s.handleSignal(context.Background(), buildRequest("chainops.signal", map[string]any{
		"execution_id": "exec-1",
		"signal_type":  "resume",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeConflict)
}

func TestDefineChain(t *testing.T) {
	ms := newMockStore()
	s := NewServer(ServerDeps{Store: ms})

	def := map[string]any{
		"id":      "wo-activation",
		"name":    "Work order activation",
		"enabled": true,
		"steps": []any{
			map[string]any{"agent_ref": "dispatcher"},
			map[string]any{"agent_ref": "pm-copilot"},
			map[string]any{"agent_ref": "client-comms"},
		},
	}
	result, err := s.handleDefine(context.Background(), buildRequest("chainops.define", map[string]any{
		"kind": "chain", "definition": def, "agent_id": "agent-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	require.Contains(t, ms.chains, "wo-activation")
	assert.Len(t, ms.chains["wo-activation"].Steps, 3)
	assert.Equal(t, 1, ms.chains["wo-activation"].Version)

	// Defining the same id again produces a new version.
	def["description"] = "second revision"
	result, err = s.handleDefine(context.Background(), buildRequest("chainops.define", map[string]any{
		"kind": "chain", "definition": def, "agent_id": "agent-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, false, out["created"])
	assert.Equal(t, float64(2), out["version"])
}

func TestDefineChainGeneratesID(t *testing.T) {
	ms := newMockStore()
	s := NewServer(ServerDeps{Store: ms})

	result, err := s.handleDefine(context.Background(), buildRequest("chainops.define", map[string]any{
		"kind":       "chain",
		"definition": map[string]any{"name": "anon", "steps": []any{map[string]any{"agent_ref": "a"}}},
		"agent_id":   "agent-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	id, _ := out["id"].(string)
	assert.NotEmpty(t, id)
	assert.Contains(t, ms.chains, id)
}

func TestDefineTrigger(t *testing.T) {
	ms := newMockStore()
	ms.chains["wo-activation"] = &schema.ChainDefinition{ID: "wo-activation", Version: 1}
	s := NewServer(ServerDeps{Store: ms})

	result, err := s.handleDefine(context.Background(), buildRequest("chainops.define", map[string]any{
		"kind": "trigger",
		"definition": map[string]any{
			"id":          "wo-active",
			"entity_type": "work_order",
			"status_from": nil,
			"status_to":   "active",
			"chain_id":    "wo-activation",
			"enabled":     true,
			"conditions":  map[string]any{"dedup_window_minutes": 60},
		},
		"agent_id": "agent-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	require.Len(t, ms.triggers, 1)
	tr := ms.triggers[0]
	assert.Nil(t, tr.StatusFrom)
	require.NotNil(t, tr.StatusTo)
	assert.Equal(t, "active", *tr.StatusTo)
	assert.EqualValues(t, 60, tr.Conditions["dedup_window_minutes"])
}

func TestDefineTriggerUnknownChain(t *testing.T) {
	ms := newMockStore()
	s := NewServer(ServerDeps{Store: ms})

	result, err := s.handleDefine(context.Background(), buildRequest("chainops.define", map[string]any{
		"kind":       "trigger",
		"definition": map[string]any{"entity_type": "work_order", "chain_id": "missing"},
		"agent_id":   "agent-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ms.triggers)
}

func TestDefineMissingParams(t *testing.T) {
	s := NewServer(ServerDeps{Store: newMockStore()})

	result, err := s.handleDefine(context.Background(), buildRequest("chainops.define", map[string]any{
		"kind": "chain", "agent_id": "agent-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDefine(context.Background(), buildRequest("chainops.define", map[string]any{
		"kind": "workflow", "definition": map[string]any{}, "agent_id": "agent-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryExecutions(t *testing.T) {
	ex := &mockExecutions{execs: []*schema.ChainExecution{{ID: "exec-1", Status: schema.ExecutionPaused}}}
	s := NewServer(ServerDeps{Executions: ex})

	result, err := s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "executions",
		"filter": map[string]any{
			"status":       "paused",
			"subject_type": "work_order",
			"subject_id":   "wo-1",
			"limit":        float64(5),
		},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.NotNil(t, ex.filter.Status)
	assert.Equal(t, schema.ExecutionPaused, *ex.filter.Status)
	require.NotNil(t, ex.filter.Subject)
	assert.Equal(t, "wo-1", ex.filter.Subject.ID)
	assert.Equal(t, 5, ex.filter.Limit)

	var out struct {
		Executions []*schema.ChainExecution `json:"executions"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Executions, 1)
}

func TestQueryExecutionsBadStatus(t *testing.T) {
	s := NewServer(ServerDeps{Executions: &mockExecutions{}})

	result, err := s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"status": "sleeping"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryEvents(t *testing.T) {
	ms := newMockStore()
	ms.events = []*store.Event{
		{ExecutionID: "exec-1", Type: schema.EventStepCompleted},
		{ExecutionID: "exec-1", Type: schema.EventExecutionPaused},
		{ExecutionID: "exec-2", Type: schema.EventStepCompleted},
	}
	s := NewServer(ServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": "exec-1"},
	}))
	require.NoError(t, err)
	var byExec struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &byExec)
	assert.Len(t, byExec.Events, 2)

	result, err = s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": schema.EventStepCompleted},
	}))
	require.NoError(t, err)
	var byType struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &byType)
	assert.Len(t, byType.Events, 2)

	result, err = s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "events",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTransitions(t *testing.T) {
	ms := newMockStore()
	ms.transitions = []*schema.TransitionRecord{
		{SubjectType: "work_order", SubjectID: "wo-1", Sequence: 1, ToStatus: "active"},
		{SubjectType: "work_order", SubjectID: "wo-2", Sequence: 1, ToStatus: "active"},
	}
	s := NewServer(ServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "transitions",
		"filter":   map[string]any{"subject_type": "work_order", "subject_id": "wo-1"},
	}))
	require.NoError(t, err)
	var out struct {
		Transitions []*schema.TransitionRecord `json:"transitions"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Transitions, 1)
	assert.Equal(t, "wo-1", out.Transitions[0].SubjectID)

	result, err = s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "transitions",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTriggersAndChains(t *testing.T) {
	ms := newMockStore()
	ms.chains["c1"] = &schema.ChainDefinition{ID: "c1", Version: 1}
	ms.triggers = []*schema.Trigger{{ID: "t1", ChainID: "c1", EntityType: "work_order", Enabled: true}}
	s := NewServer(ServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "triggers",
		"filter":   map[string]any{"entity_type": "work_order", "enabled": true},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "work_order", ms.lastTF.EntityType)
	require.NotNil(t, ms.lastTF.Enabled)
	assert.True(t, *ms.lastTF.Enabled)

	result, err = s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "chains",
	}))
	require.NoError(t, err)
	var out struct {
		Chains []*schema.ChainDefinition `json:"chains"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Chains, 1)
}

func TestQueryGates(t *testing.T) {
	ms := newMockStore()
	ms.gates["g1"] = &schema.WorkflowPauseGate{ID: "g1", AgentID: "pm-copilot"}
	ms.gates["g2"] = &schema.WorkflowPauseGate{ID: "g2", AgentID: "dispatcher"}
	s := NewServer(ServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "gates",
		"filter":   map[string]any{"agent_id": "pm-copilot"},
	}))
	require.NoError(t, err)
	var out struct {
		Gates []*schema.WorkflowPauseGate `json:"gates"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Gates, 1)
	assert.Equal(t, "g1", out.Gates[0].ID)
}

func TestQueryAgents(t *testing.T) {
	s := NewServer(ServerDeps{})
	s.sessions.Register("pm-copilot", "session-1")

	result, err := s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "agents",
	}))
	require.NoError(t, err)
	var out struct {
		Connected []string `json:"connected"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, []string{"pm-copilot"}, out.Connected)

	result, err = s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "agents",
		"filter":   map[string]any{"since": "yesterday"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewServer(ServerDeps{})

	result, err := s.handleQuery(context.Background(), buildRequest("chainops.query", map[string]any{
		"resource": "workflows",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 7, extractInt(nil, "limit", 7))
	assert.Equal(t, 3, extractInt(map[string]any{"limit": float64(3)}, "limit", 7))
	assert.Equal(t, 4, extractInt(map[string]any{"limit": "4"}, "limit", 7))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": "many"}, "limit", 7))
}

// --- Gate notifications ---

type recordingNotifier struct {
	mu    sync.Mutex
	sent  map[string][]map[string]any
	ready chan struct{}
}

func (n *recordingNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[agentID] = append(n.sent[agentID], payload)
	close(n.ready)
	return nil
}

func TestWatchGatesNotifiesOwner(t *testing.T) {
	ms := newMockStore()
	ms.gates["g1"] = &schema.WorkflowPauseGate{ID: "g1", AgentID: "pm-copilot", ExecutionID: "exec-1", PauseReason: "review"}
	hub := streaming.NewMemoryHub()
	notifier := &recordingNotifier{sent: make(map[string][]map[string]any), ready: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- WatchGates(ctx, hub, ms, notifier, slog.Default()) }()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	// Other event types are ignored.
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{EventType: schema.EventGateApproved, Payload: map[string]any{"gate_id": "g1"}}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: "exec-1",
		EventType:   schema.EventGateOpened,
		Payload:     map[string]any{"gate_id": "g1", "state": "paused"},
	}))

	select {
	case <-notifier.ready:
	case <-time.After(time.Second):
		t.Fatal("no notification sent")
	}

	notifier.mu.Lock()
	sent := notifier.sent["pm-copilot"]
	notifier.mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, "g1", sent[0]["gate_id"])
	assert.Equal(t, "review", sent[0]["reason"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
