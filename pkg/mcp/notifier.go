package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/internal/streaming"
	"github.com/rendis/chainops/pkg/schema"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier using MCP SSE push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP SSE.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's SSE session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// GateSource resolves gates referenced by gate events.
type GateSource interface {
	GetGate(ctx context.Context, id string) (*schema.WorkflowPauseGate, error)
}

var _ GateSource = (store.Store)(nil)

// WatchGates tells the owning agent whenever a pause gate opens. It blocks
// until ctx is cancelled or the hub closes the subscription.
func WatchGates(ctx context.Context, hub streaming.EventHub, gates GateSource, notifier AgentNotifier, logger *slog.Logger) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventGateOpened}})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			gateID := gateIDOf(ev.Payload)
			if gateID == "" {
				continue
			}
			g, err := gates.GetGate(ctx, gateID)
			if err != nil {
				logger.WarnContext(ctx, "gate notification lookup failed", "gate_id", gateID, "error", err)
				continue
			}
			payload := map[string]any{
				"type":         "gate_opened",
				"gate_id":      g.ID,
				"execution_id": g.ExecutionID,
				"current_node": g.CurrentNode,
				"reason":       g.PauseReason,
			}
			if err := notifier.Notify(ctx, g.AgentID, payload); err != nil {
				logger.WarnContext(ctx, "gate notification failed", "gate_id", g.ID, "agent_id", g.AgentID, "error", err)
			}
		}
	}
}

func gateIDOf(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["gate_id"].(string)
	return id
}
