package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/pkg/schema"
)

// handleTransition moves a subject to a new status.
func (s *Server) handleTransition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subjectType, err := req.RequireString("subject_type")
	if err != nil {
		return mcp.NewToolResultError("subject_type is required"), nil
	}
	subjectID, err := req.RequireString("subject_id")
	if err != nil {
		return mcp.NewToolResultError("subject_id is required"), nil
	}
	toStatus, err := req.RequireString("to_status")
	if err != nil {
		return mcp.NewToolResultError("to_status is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	s.captureSession(ctx, agentID)

	ref := schema.SubjectRef{Type: subjectType, ID: subjectID}
	res, err := s.transitions.Transition(ctx, ref, agentID, toStatus, req.GetString("comment", ""))
	if err != nil {
		return errorResult("transition rejected", err)
	}

	ids := res.ExecutionIDs
	if ids == nil {
		ids = []string{}
	}
	return marshalResult(map[string]any{
		"subject":       ref.String(),
		"from_status":   res.Record.FromStatus,
		"status":        res.Record.ToStatus,
		"sequence":      res.Record.Sequence,
		"execution_ids": ids,
	})
}

// handleStatus returns an execution snapshot.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	snap, err := s.executions.Get(ctx, id)
	if err != nil {
		return errorResult("status query failed", err)
	}
	return marshalResult(snap)
}

// handleSignal sends a control signal to an execution.
func (s *Server) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	signalType, err := req.RequireString("signal_type")
	if err != nil {
		return mcp.NewToolResultError("signal_type is required"), nil
	}
	sig := schema.Signal{
		Type:    schema.SignalType(signalType),
		ActorID: req.GetString("agent_id", ""),
		Reason:  req.GetString("reason", ""),
	}
	if !sig.Type.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown signal_type %q", signalType)), nil
	}
	if sig.ActorID != "" {
		s.captureSession(ctx, sig.ActorID)
	} else {
		sig.ActorID = "mcp"
	}

	exec, err := s.executions.Signal(ctx, id, sig)
	if err != nil {
		return errorResult("signal failed", err)
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"signal_type":  signalType,
		"execution_id": exec.ID,
		"status":       exec.Status,
		"step_index":   exec.CurrentStepIndex,
	})
}

// handleDefine validates and stores a chain or a trigger. A chain whose id
// already exists gets a new version.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("kind is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	s.captureSession(ctx, agentID)

	switch kind {
	case "chain":
		var def schema.ChainDefinition
		if err := remarshal(raw, &def); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		return s.defineChain(ctx, &def)
	case "trigger":
		var t schema.Trigger
		if err := remarshal(raw, &t); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		return s.defineTrigger(ctx, &t)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown kind: %s", kind)), nil
	}
}

func (s *Server) defineChain(ctx context.Context, def *schema.ChainDefinition) (*mcp.CallToolResult, error) {
	if s.validator != nil {
		if err := s.validator.ValidateChain(def); err != nil {
			return errorResult("invalid chain", err)
		}
	}
	now := time.Now().UTC()
	def.UpdatedAt = now

	if def.ID != "" {
		if _, err := s.store.GetChain(ctx, def.ID); err == nil {
			if err := s.store.UpdateChain(ctx, def); err != nil {
				return errorResult("failed to update chain", err)
			}
			return marshalResult(map[string]any{"id": def.ID, "version": def.Version, "created": false})
		}
	} else {
		def.ID = uuid.New().String()
	}
	def.Version = 0
	def.CreatedAt = now
	if err := s.store.CreateChain(ctx, def); err != nil {
		return errorResult("failed to store chain", err)
	}
	return marshalResult(map[string]any{"id": def.ID, "version": def.Version, "created": true})
}

func (s *Server) defineTrigger(ctx context.Context, t *schema.Trigger) (*mcp.CallToolResult, error) {
	if s.validator != nil {
		if err := s.validator.ValidateTrigger(t); err != nil {
			return errorResult("invalid trigger", err)
		}
	}
	if _, err := s.store.GetChain(ctx, t.ChainID); err != nil {
		return errorResult("trigger chain lookup failed", err)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	t.LastTriggeredAt, t.DispatchCount = nil, 0
	if err := s.store.CreateTrigger(ctx, t); err != nil {
		return errorResult("failed to store trigger", err)
	}
	return marshalResult(map[string]any{"id": t.ID, "chain_id": t.ChainID, "enabled": t.Enabled})
}

// handleQuery lists resources based on filters.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "transitions":
		return s.queryTransitions(ctx, filter)
	case "triggers":
		return s.queryTriggers(ctx, filter)
	case "chains":
		chains, err := s.store.ListChains(ctx)
		if err != nil {
			return errorResult("query failed", err)
		}
		return marshalResult(map[string]any{"chains": chains})
	case "gates":
		return s.queryGates(ctx, filter)
	case "agents":
		since := time.Time{}
		if v := extractString(filter, "since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid since %q: %v", v, err)), nil
			}
			since = t
		}
		connected := s.sessions.Connected(since)
		if connected == nil {
			connected = []string{}
		}
		return marshalResult(map[string]any{"connected": connected})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		ChainID: extractString(filter, "chain_id"),
		Limit:   extractInt(filter, "limit", 50),
	}
	if status := extractString(filter, "status"); status != "" {
		es := schema.ExecutionStatus(status)
		if !es.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", status)), nil
		}
		ef.Status = &es
	}
	if st, sid := extractString(filter, "subject_type"), extractString(filter, "subject_id"); st != "" && sid != "" {
		ef.Subject = &schema.SubjectRef{Type: st, ID: sid}
	}

	execs, err := s.executions.List(ctx, ef)
	if err != nil {
		return errorResult("query failed", err)
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		ExecutionID: extractString(filter, "execution_id"),
		Limit:       extractInt(filter, "limit", 100),
	}
	if since := extractString(filter, "since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = t
		}
	}

	if eventType := extractString(filter, "event_type"); eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return errorResult("query failed", err)
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.ExecutionID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'execution_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.ExecutionID, 0)
	if err != nil {
		return errorResult("query failed", err)
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) queryTransitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	st, sid := extractString(filter, "subject_type"), extractString(filter, "subject_id")
	if st == "" || sid == "" {
		return mcp.NewToolResultError("transition query requires 'subject_type' and 'subject_id' in filter"), nil
	}
	records, err := s.store.ListTransitions(ctx, schema.SubjectRef{Type: st, ID: sid})
	if err != nil {
		return errorResult("query failed", err)
	}
	return marshalResult(map[string]any{"transitions": records})
}

func (s *Server) queryTriggers(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.TriggerFilter{
		EntityType: extractString(filter, "entity_type"),
		ChainID:    extractString(filter, "chain_id"),
	}
	if v, ok := filter["enabled"].(bool); ok {
		tf.Enabled = &v
	}
	triggers, err := s.store.ListTriggers(ctx, tf)
	if err != nil {
		return errorResult("query failed", err)
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

func (s *Server) queryGates(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	gates, err := s.store.ListGates(ctx, store.GateFilter{
		ExecutionID: extractString(filter, "execution_id"),
		AgentID:     extractString(filter, "agent_id"),
		State:       schema.GateState(extractString(filter, "state")),
		Limit:       extractInt(filter, "limit", 50),
	})
	if err != nil {
		return errorResult("query failed", err)
	}
	return marshalResult(map[string]any{"gates": gates})
}

// --- Internal helpers ---

// remarshal converts a decoded JSON object into a typed value.
func remarshal(raw map[string]any, v any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// extractString returns a string filter value or "".
func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// errorResult reports err to the agent, keeping its code and details.
func errorResult(prefix string, err error) (*mcp.CallToolResult, error) {
	ce, ok := schema.AsError(err)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err)), nil
	}
	data, mErr := json.Marshal(map[string]any{"error": prefix, "code": ce.Code, "message": ce.Message, "details": ce.Details})
	if mErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err)), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
