// Package gate manages single-step pause gates: points where an agent waits for
// a human decision. Gate state is always derived from the gate timestamps.
package gate

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chainops/internal/metrics"
	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/internal/streaming"
	"github.com/rendis/chainops/pkg/schema"
)

// Store is the gate persistence the service needs.
type Store interface {
	CreateGate(ctx context.Context, gate *schema.WorkflowPauseGate) error
	GetGate(ctx context.Context, id string) (*schema.WorkflowPauseGate, error)
	UpdateGate(ctx context.Context, gate *schema.WorkflowPauseGate, expected schema.GateState) error
	ListGates(ctx context.Context, filter store.GateFilter) ([]*schema.WorkflowPauseGate, error)
}

// OpenRequest describes a new gate.
type OpenRequest struct {
	AgentID       string         `json:"agent_id"`
	CurrentNode   string         `json:"current_node"`
	StateData     map[string]any `json:"state_data,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	ApprovableRef string         `json:"approvable_ref,omitempty"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	StepIndex     *int           `json:"step_index,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics counts gate lifecycle events.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithHub publishes gate lifecycle events.
func WithHub(h streaming.EventHub) Option { return func(s *Service) { s.hub = h } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service is the Pause Gate component.
type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	hub     streaming.EventHub
	now     func() time.Time
}

// New creates a gate service.
func New(s Store, opts ...Option) *Service {
	svc := &Service{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return svc
}

// Open creates a gate in the paused state.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*schema.WorkflowPauseGate, error) {
	if req.AgentID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "gate: agent_id is required")
	}
	if req.CurrentNode == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "gate: current_node is required")
	}

	now := s.now()
	g := &schema.WorkflowPauseGate{
		ID:               uuid.NewString(),
		AgentID:          req.AgentID,
		CurrentNode:      req.CurrentNode,
		StateData:        req.StateData,
		PauseReason:      req.Reason,
		ApprovalRequired: true,
		ApprovableRef:    req.ApprovableRef,
		ExecutionID:      req.ExecutionID,
		StepIndex:        req.StepIndex,
		PausedAt:         &now,
		CreatedAt:        now,
	}
	if err := s.store.CreateGate(ctx, g); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create gate: %s", err.Error()).WithCause(err)
	}
	s.emit(ctx, g, schema.EventGateOpened)
	return g, nil
}

// Approve resumes a paused gate.
func (s *Service) Approve(ctx context.Context, id, approver string) (*schema.WorkflowPauseGate, error) {
	return s.update(ctx, id, schema.GatePaused, schema.EventGateApproved, func(g *schema.WorkflowPauseGate, now time.Time) {
		g.ApprovedBy = approver
		g.ResumedAt = &now
	})
}

// Reject closes a paused gate for good. A rejected gate cannot be resumed.
func (s *Service) Reject(ctx context.Context, id, approver, reason string) (*schema.WorkflowPauseGate, error) {
	return s.update(ctx, id, schema.GatePaused, schema.EventGateRejected, func(g *schema.WorkflowPauseGate, now time.Time) {
		g.RejectedBy = approver
		g.RejectionReason = reason
		g.RejectedAt = &now
	})
}

// Complete marks an approved gate as finished.
func (s *Service) Complete(ctx context.Context, id string) (*schema.WorkflowPauseGate, error) {
	return s.update(ctx, id, schema.GateRunning, schema.EventGateCompleted, func(g *schema.WorkflowPauseGate, now time.Time) {
		g.CompletedAt = &now
	})
}

// Get returns a gate by id.
func (s *Service) Get(ctx context.Context, id string) (*schema.WorkflowPauseGate, error) {
	return s.store.GetGate(ctx, id)
}

// ListOpen returns paused gates, optionally narrowed to one execution or agent.
func (s *Service) ListOpen(ctx context.Context, executionID, agentID string) ([]*schema.WorkflowPauseGate, error) {
	return s.store.ListGates(ctx, store.GateFilter{
		ExecutionID: executionID,
		AgentID:     agentID,
		State:       schema.GatePaused,
	})
}

func (s *Service) update(ctx context.Context, id string, expected schema.GateState, event string,
	apply func(g *schema.WorkflowPauseGate, now time.Time)) (*schema.WorkflowPauseGate, error) {
	g, err := s.store.GetGate(ctx, id)
	if err != nil {
		return nil, err
	}
	if state := g.State(); state != expected {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "gate %s is %s, expected %s", id, state, expected).
			WithDetails(map[string]any{"gate_id": id, "state": string(state)})
	}

	apply(g, s.now())
	if err := s.store.UpdateGate(ctx, g, expected); err != nil {
		return nil, err
	}
	s.emit(ctx, g, event)
	return g, nil
}

func (s *Service) emit(ctx context.Context, g *schema.WorkflowPauseGate, event string) {
	s.metrics.RecordGate(event)
	s.logger.InfoContext(ctx, "gate "+event, "gate_id", g.ID, "agent_id", g.AgentID, "state", g.State())
	if s.hub == nil {
		return
	}
	err := s.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: g.ExecutionID,
		StepIndex:   g.StepIndex,
		EventType:   event,
		Payload:     map[string]any{"gate_id": g.ID, "state": g.State()},
		Timestamp:   s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "publish gate event", "gate_id", g.ID, "error", err)
	}
}
